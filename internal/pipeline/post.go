package pipeline

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"claudepool/internal/claude"
	"claudepool/internal/tokenizer"
	"claudepool/internal/toolcall"
)

// postStage transforms the normalized event stream. feed returns the
// events to pass downstream and whether the stream is finished early (the
// engine then cancels the upstream read).
type postStage interface {
	feed(claude.Event) ([]claude.Event, bool)
}

// postChain runs the ordered post stages over each upstream event.
type postChain struct {
	stages []postStage
}

func (c *postChain) feed(ev claude.Event) ([]claude.Event, bool) {
	events := []claude.Event{ev}
	terminated := false
	for _, st := range c.stages {
		var next []claude.Event
		for _, e := range events {
			out, term := st.feed(e)
			next = append(next, out...)
			if term {
				terminated = true
			}
		}
		events = next
	}
	return events, terminated
}

// modelInjector rewrites the response model to the one the client asked
// for; the web interface reports its own naming. Raw passthrough payloads
// are patched in place so unmodeled provider fields survive.
type modelInjector struct {
	model string
}

func (m *modelInjector) feed(ev claude.Event) ([]claude.Event, bool) {
	if ev.Type == claude.EventMessageStart && ev.Message != nil && ev.Message.Model != m.model {
		ev.Message.Model = m.model
		if ev.Raw != nil {
			if patched, err := sjson.SetBytes(ev.Raw, "message.model", m.model); err == nil {
				ev.Raw = patched
			} else {
				ev.Raw = nil
			}
		}
	}
	return []claude.Event{ev}, false
}

// stopStage truncates the text stream at the first configured stop
// sequence. Deltas are matched as one byte stream, so a literal split
// across delta or block boundaries is still caught; consecutive text
// blocks are merged into one client-facing block while a match is
// possible, because held-back text cannot be attributed until
// disambiguated.
type stopStage struct {
	m *tokenizer.StopMatcher

	openIdx      int  // client-facing open text block, -1 when none
	upstreamText bool // the currently open upstream block is a text block
}

func newStopStage(stops []string) *stopStage {
	return &stopStage{m: tokenizer.NewStopMatcher(stops), openIdx: -1}
}

func (s *stopStage) feed(ev claude.Event) ([]claude.Event, bool) {
	if !s.m.Active() {
		return []claude.Event{ev}, false
	}

	switch ev.Type {
	case claude.EventContentBlockStart:
		if ev.Block != nil && ev.Block.Type == claude.BlockText {
			s.upstreamText = true
			if s.openIdx >= 0 {
				return nil, false // merged into the open text block
			}
			s.openIdx = ev.Index
			return []claude.Event{ev}, false
		}
		s.upstreamText = false
		out := s.closeText(nil)
		return append(out, ev), false

	case claude.EventContentBlockDelta:
		if ev.Delta == nil || ev.Delta.Type != claude.DeltaText {
			return []claude.Event{ev}, false
		}
		emit, done := s.m.Feed(ev.Delta.Text)
		var out []claude.Event
		if emit != "" {
			out = append(out, claude.NewTextDelta(s.openIdx, emit))
		}
		if done {
			out = append(out,
				claude.Event{Type: claude.EventContentBlockStop, Index: s.openIdx},
				claude.Event{
					Type:         claude.EventMessageDelta,
					StopReason:   claude.StopStopSequence,
					StopSequence: s.m.Matched(),
				},
				claude.Event{Type: claude.EventMessageStop},
			)
			s.openIdx = -1
			return out, true
		}
		return out, false

	case claude.EventContentBlockStop:
		if s.upstreamText {
			return nil, false // withheld until the held-back text resolves
		}
		return []claude.Event{ev}, false

	case claude.EventMessageDelta:
		out := s.closeText(nil)
		return append(out, ev), false

	default:
		return []claude.Event{ev}, false
	}
}

// closeText releases whatever the matcher still holds and balances the
// open text block.
func (s *stopStage) closeText(out []claude.Event) []claude.Event {
	if s.openIdx < 0 {
		return out
	}
	if held := s.m.Flush(); held != "" {
		out = append(out, claude.NewTextDelta(s.openIdx, held))
	}
	out = append(out, claude.Event{Type: claude.EventContentBlockStop, Index: s.openIdx})
	s.openIdx = -1
	return out
}

// toolFence is the calling convention the web system prompt teaches the
// model; stage 8 recognizes the same shape in the response.
const (
	toolFenceOpen  = "```tool_use"
	toolFenceClose = "```"
)

// toolStage watches the web-mode text stream for fenced tool calls and
// rewrites them into native tool_use events. It runs after the stop stage,
// so a stop sequence inside the same text wins. The synthetic id is
// registered before the events are released downstream.
type toolStage struct {
	tracker   *toolcall.Tracker
	accConv   [2]string // account id, conversation uuid
	fence     *tokenizer.StopMatcher
	capture   strings.Builder
	curIdx    int
	capturing bool

	// RegisteredID is the pending synthetic id, set once a fenced call is
	// recognized; cancellation uses it to keep the session alive.
	RegisteredID string
}

func newToolStage(tracker *toolcall.Tracker, accountID, convUUID string) *toolStage {
	return &toolStage{
		tracker: tracker,
		accConv: [2]string{accountID, convUUID},
		fence:   tokenizer.NewStopMatcher([]string{toolFenceOpen}),
	}
}

func (t *toolStage) feed(ev claude.Event) ([]claude.Event, bool) {
	switch ev.Type {
	case claude.EventContentBlockStart:
		if ev.Block != nil && ev.Block.Type == claude.BlockText {
			t.curIdx = ev.Index
		}
		return []claude.Event{ev}, false

	case claude.EventContentBlockDelta:
		if ev.Delta == nil || ev.Delta.Type != claude.DeltaText {
			return []claude.Event{ev}, false
		}
		if t.capturing {
			t.capture.WriteString(ev.Delta.Text)
			return t.tryClose()
		}
		emit, done := t.fence.Feed(ev.Delta.Text)
		var out []claude.Event
		if emit != "" {
			out = append(out, claude.NewTextDelta(t.curIdx, emit))
		}
		if done {
			t.capturing = true
			t.capture.WriteString(t.fence.Rest())
			closed, term := t.tryClose()
			return append(out, closed...), term
		}
		return out, false

	case claude.EventContentBlockStop:
		if ev.Index != t.curIdx {
			return []claude.Event{ev}, false
		}
		// Block ends while a fence is possible or half-captured: the text
		// was not a tool call after all, release it verbatim.
		var out []claude.Event
		if t.capturing {
			out = append(out, claude.NewTextDelta(t.curIdx, toolFenceOpen+t.capture.String()))
			t.capturing = false
			t.capture.Reset()
		} else if held := t.fence.Flush(); held != "" {
			out = append(out, claude.NewTextDelta(t.curIdx, held))
		}
		return append(out, ev), false

	default:
		return []claude.Event{ev}, false
	}
}

// tryClose emits the tool_use envelope once the closing fence arrives.
func (t *toolStage) tryClose() ([]claude.Event, bool) {
	body := t.capture.String()
	end := strings.Index(body, toolFenceClose)
	if end < 0 {
		return nil, false
	}

	payload := strings.TrimSpace(body[:end])
	payload = strings.TrimPrefix(payload, "json")
	payload = strings.TrimSpace(payload)

	name := gjson.Get(payload, "name").String()
	input := gjson.Get(payload, "input").Raw
	if input == "" {
		input = "{}"
	}

	id := toolcall.NewID()
	t.tracker.Register(id, t.accConv[0], t.accConv[1])
	t.RegisteredID = id

	toolIdx := t.curIdx + 1
	return []claude.Event{
		{Type: claude.EventContentBlockStop, Index: t.curIdx},
		{
			Type:  claude.EventContentBlockStart,
			Index: toolIdx,
			Block: &claude.ContentBlock{
				Type:  claude.BlockToolUse,
				ID:    id,
				Name:  name,
				Input: json.RawMessage("{}"),
			},
		},
		{
			Type:  claude.EventContentBlockDelta,
			Index: toolIdx,
			Delta: &claude.Delta{Type: claude.DeltaInputJSON, PartialJSON: input},
		},
		{Type: claude.EventContentBlockStop, Index: toolIdx},
		{Type: claude.EventMessageDelta, StopReason: claude.StopToolUse},
		{Type: claude.EventMessageStop},
	}, true
}

// collector accumulates the full response for the non-streaming terminal
// and the statistics log. It never alters the stream.
type collector struct {
	message      *claude.MessagesResponse
	blocks       map[int]*claude.ContentBlock
	inputJSON    map[int]*strings.Builder
	order        []int
	stopReason   string
	stopSequence string
	usage        claude.Usage
	text         strings.Builder
}

func newCollector() *collector {
	return &collector{
		blocks:    make(map[int]*claude.ContentBlock),
		inputJSON: make(map[int]*strings.Builder),
	}
}

func (c *collector) feed(ev claude.Event) ([]claude.Event, bool) {
	switch ev.Type {
	case claude.EventMessageStart:
		if ev.Message != nil {
			msg := *ev.Message
			c.message = &msg
			c.usage = msg.Usage
		}

	case claude.EventContentBlockStart:
		if ev.Block != nil {
			block := *ev.Block
			c.blocks[ev.Index] = &block
			c.order = append(c.order, ev.Index)
		}

	case claude.EventContentBlockDelta:
		if ev.Delta == nil {
			break
		}
		block := c.blocks[ev.Index]
		if block == nil {
			break
		}
		switch ev.Delta.Type {
		case claude.DeltaText:
			block.Text += ev.Delta.Text
			c.text.WriteString(ev.Delta.Text)
		case claude.DeltaInputJSON:
			sb := c.inputJSON[ev.Index]
			if sb == nil {
				sb = &strings.Builder{}
				c.inputJSON[ev.Index] = sb
			}
			sb.WriteString(ev.Delta.PartialJSON)
		case claude.DeltaThinking:
			block.Thinking += ev.Delta.Thinking
		case claude.DeltaSignature:
			block.Signature += ev.Delta.Signature
		}

	case claude.EventMessageDelta:
		if ev.StopReason != "" {
			c.stopReason = ev.StopReason
		}
		if ev.StopSequence != "" {
			c.stopSequence = ev.StopSequence
		}
		if ev.Usage != nil {
			if ev.Usage.InputTokens > 0 {
				c.usage.InputTokens = ev.Usage.InputTokens
			}
			c.usage.OutputTokens = ev.Usage.OutputTokens
		}
	}
	return []claude.Event{ev}, false
}

// Text returns the concatenated text emitted so far.
func (c *collector) Text() string { return c.text.String() }

// result assembles the final response body from the collected events.
func (c *collector) result() *claude.MessagesResponse {
	msg := c.message
	if msg == nil {
		msg = &claude.MessagesResponse{Type: "message", Role: claude.RoleAssistant}
	}

	sort.Ints(c.order)
	msg.Content = make([]claude.ContentBlock, 0, len(c.order))
	seen := make(map[int]bool, len(c.order))
	for _, idx := range c.order {
		if seen[idx] {
			continue
		}
		seen[idx] = true
		block := c.blocks[idx]
		if sb := c.inputJSON[idx]; sb != nil && sb.Len() > 0 {
			block.Input = json.RawMessage(sb.String())
		}
		msg.Content = append(msg.Content, *block)
	}

	if c.stopReason != "" {
		msg.StopReason = &c.stopReason
	}
	if c.stopSequence != "" {
		msg.StopSequence = &c.stopSequence
	}
	msg.Usage = c.usage
	return msg
}

// counterStage attaches token usage to the terminating message_delta when
// the upstream did not provide it (the web interface never does).
type counterStage struct {
	counter     *tokenizer.Counter
	collected   *collector
	inputTokens int
}

func (s *counterStage) feed(ev claude.Event) ([]claude.Event, bool) {
	if ev.Type != claude.EventMessageDelta {
		return []claude.Event{ev}, false
	}

	if ev.Usage == nil || ev.Usage.OutputTokens == 0 {
		ev.Usage = &claude.Usage{
			InputTokens:  s.inputTokens,
			OutputTokens: s.counter.CountText(s.collected.Text()),
		}
		ev.Raw = nil
	} else if ev.Usage.InputTokens == 0 {
		ev.Usage.InputTokens = s.inputTokens
	}
	return []claude.Event{ev}, false
}
