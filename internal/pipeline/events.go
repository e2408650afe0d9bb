package pipeline

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"claudepool/internal/claude"
)

// SSE scanner buffers: completions can carry very large single data lines.
const (
	scanInitialBuf = 64 * 1024
	scanMaxBuf     = 1024 * 1024
)

// eventSource yields normalized stream events from one upstream response.
// Next returns io.EOF at clean end of stream.
type eventSource interface {
	Next() (claude.Event, error)
	Close() error
}

// sseSource parses the official API's typed SSE stream. Payloads pass
// through with their raw JSON attached, so untouched events keep provider
// fields the proxy does not model.
type sseSource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newSSESource(body io.ReadCloser) *sseSource {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, scanInitialBuf), scanMaxBuf)
	return &sseSource{body: body, scanner: sc}
}

func (s *sseSource) Next() (claude.Event, error) {
	for s.scanner.Scan() {
		line := s.scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue // event: lines and comments carry no payload
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 || bytes.Equal(data, []byte("[DONE]")) {
			continue
		}
		ev, ok := parseAPIEvent(data)
		if !ok {
			continue
		}
		return ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return claude.Event{}, claude.WrapError(claude.KindStreamCut, "upstream stream error", err)
	}
	return claude.Event{}, io.EOF
}

func (s *sseSource) Close() error { return s.body.Close() }

// parseAPIEvent maps one official-API data payload onto the normalized
// event type.
func parseAPIEvent(data []byte) (claude.Event, bool) {
	raw := append([]byte(nil), data...)
	result := gjson.ParseBytes(raw)

	ev := claude.Event{
		Type: claude.EventType(result.Get("type").String()),
		Raw:  raw,
	}

	switch ev.Type {
	case claude.EventMessageStart:
		var msg claude.MessagesResponse
		if err := json.Unmarshal([]byte(result.Get("message").Raw), &msg); err != nil {
			return claude.Event{}, false
		}
		ev.Message = &msg

	case claude.EventContentBlockStart:
		ev.Index = int(result.Get("index").Int())
		var block claude.ContentBlock
		if err := json.Unmarshal([]byte(result.Get("content_block").Raw), &block); err != nil {
			return claude.Event{}, false
		}
		ev.Block = &block

	case claude.EventContentBlockDelta:
		ev.Index = int(result.Get("index").Int())
		var delta claude.Delta
		if err := json.Unmarshal([]byte(result.Get("delta").Raw), &delta); err != nil {
			return claude.Event{}, false
		}
		ev.Delta = &delta

	case claude.EventContentBlockStop:
		ev.Index = int(result.Get("index").Int())

	case claude.EventMessageDelta:
		ev.StopReason = result.Get("delta.stop_reason").String()
		ev.StopSequence = result.Get("delta.stop_sequence").String()
		if u := result.Get("usage"); u.Exists() {
			ev.Usage = &claude.Usage{
				InputTokens:              int(u.Get("input_tokens").Int()),
				OutputTokens:             int(u.Get("output_tokens").Int()),
				CacheCreationInputTokens: int(u.Get("cache_creation_input_tokens").Int()),
				CacheReadInputTokens:     int(u.Get("cache_read_input_tokens").Int()),
			}
		}

	case claude.EventMessageStop, claude.EventPing:
		// No payload beyond the type.

	case claude.EventError:
		ev.Err = mapStreamError(
			result.Get("error.type").String(),
			result.Get("error.message").String(),
		)

	default:
		return claude.Event{}, false
	}
	return ev, true
}

// mapStreamError classifies an in-stream error payload.
func mapStreamError(errType, msg string) *claude.Error {
	if msg == "" {
		msg = errType
	}
	switch errType {
	case "overloaded_error", "api_error":
		return claude.NewError(claude.KindUpstreamTransient, msg)
	case "rate_limit_error":
		return claude.NewError(claude.KindUpstreamQuota, msg)
	default:
		return claude.NewError(claude.KindUpstreamFatal, msg)
	}
}

// webSource adapts the web interface's completion stream to the normalized
// events: the payloads are SSE data lines whose objects carry incremental
// "completion" text rather than typed block events. The source synthesizes
// the message_start / content_block_start envelope the downstream stages
// expect and closes it at end of stream.
type webSource struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	model   string

	started   bool
	blockOpen bool
	finished  bool
	queue     []claude.Event
}

func newWebSource(body io.ReadCloser, model string) *webSource {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, scanInitialBuf), scanMaxBuf)
	return &webSource{body: body, scanner: sc, model: model}
}

func (w *webSource) Next() (claude.Event, error) {
	for {
		if len(w.queue) > 0 {
			ev := w.queue[0]
			w.queue = w.queue[1:]
			return ev, nil
		}
		if w.finished {
			return claude.Event{}, io.EOF
		}

		if !w.scanner.Scan() {
			if err := w.scanner.Err(); err != nil {
				return claude.Event{}, claude.WrapError(claude.KindStreamCut, "web stream error", err)
			}
			w.finished = true
			w.queue = w.closeEnvelope(claude.StopEndTurn)
			continue
		}

		line := w.scanner.Bytes()
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		data := bytes.TrimSpace(line[len("data:"):])
		if len(data) == 0 {
			continue
		}

		result := gjson.ParseBytes(data)
		if e := result.Get("error"); e.Exists() {
			msg := e.Get("message").String()
			if msg == "" {
				msg = e.Raw
			}
			w.finished = true
			return claude.Event{
				Type: claude.EventError,
				Err:  claude.NewError(claude.KindUpstreamFatal, msg),
			}, nil
		}

		text := result.Get("completion").String()
		if text == "" {
			continue
		}
		w.queue = append(w.queue, w.openEnvelope()...)
		w.queue = append(w.queue, claude.NewTextDelta(0, text))
	}
}

// openEnvelope emits message_start and the text block start exactly once.
func (w *webSource) openEnvelope() []claude.Event {
	if w.started {
		return nil
	}
	w.started = true
	w.blockOpen = true
	return []claude.Event{
		{
			Type: claude.EventMessageStart,
			Message: &claude.MessagesResponse{
				ID:      "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24],
				Type:    "message",
				Role:    claude.RoleAssistant,
				Model:   w.model,
				Content: []claude.ContentBlock{},
			},
		},
		{
			Type:  claude.EventContentBlockStart,
			Index: 0,
			Block: &claude.ContentBlock{Type: claude.BlockText},
		},
	}
}

// closeEnvelope balances whatever was opened and terminates the message.
func (w *webSource) closeEnvelope(stopReason string) []claude.Event {
	var evs []claude.Event
	if !w.started {
		// Empty response: still one full envelope.
		evs = append(evs, w.openEnvelope()...)
	}
	if w.blockOpen {
		w.blockOpen = false
		evs = append(evs, claude.Event{Type: claude.EventContentBlockStop, Index: 0})
	}
	evs = append(evs,
		claude.Event{Type: claude.EventMessageDelta, StopReason: stopReason},
		claude.Event{Type: claude.EventMessageStop},
	)
	return evs
}

func (w *webSource) Close() error { return w.body.Close() }

// syntheticSource replays a fixed event list: canned probe responses and
// zero-budget requests never reach an upstream.
type syntheticSource struct {
	events []claude.Event
	pos    int
}

func newSyntheticSource(events []claude.Event) *syntheticSource {
	return &syntheticSource{events: events}
}

func (s *syntheticSource) Next() (claude.Event, error) {
	if s.pos >= len(s.events) {
		return claude.Event{}, io.EOF
	}
	ev := s.events[s.pos]
	s.pos++
	return ev, nil
}

func (s *syntheticSource) Close() error { return nil }

// syntheticMessage builds the full event envelope for a locally produced
// response.
func syntheticMessage(model, text, stopReason string) []claude.Event {
	msg := &claude.MessagesResponse{
		ID:      "msg_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:24],
		Type:    "message",
		Role:    claude.RoleAssistant,
		Model:   model,
		Content: []claude.ContentBlock{},
	}
	evs := []claude.Event{{Type: claude.EventMessageStart, Message: msg}}
	if text != "" {
		evs = append(evs,
			claude.Event{Type: claude.EventContentBlockStart, Index: 0, Block: &claude.ContentBlock{Type: claude.BlockText}},
			claude.NewTextDelta(0, text),
			claude.Event{Type: claude.EventContentBlockStop, Index: 0},
		)
	}
	evs = append(evs,
		claude.Event{Type: claude.EventMessageDelta, StopReason: stopReason},
		claude.Event{Type: claude.EventMessageStop},
	)
	return evs
}
