package claude

import (
	"bytes"
	"encoding/json"
)

// EventType names one normalized stream event. Every upstream wire format
// is parsed into this one set; downstream stages and both terminal stages
// consume only these.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageDelta      EventType = "message_delta"
	EventMessageStop       EventType = "message_stop"
	EventPing              EventType = "ping"
	EventError             EventType = "error"
)

// Delta types inside content_block_delta.
const (
	DeltaText      = "text_delta"
	DeltaInputJSON = "input_json_delta"
	DeltaThinking  = "thinking_delta"
	DeltaSignature = "signature_delta"
)

// Event is the normalized stream event, a tagged variant over the SSE
// kinds. Only the fields for the event's Type are set.
type Event struct {
	Type EventType

	// message_start
	Message *MessagesResponse

	// content_block_start / content_block_delta / content_block_stop
	Index int
	Block *ContentBlock
	Delta *Delta

	// message_delta
	StopReason   string
	StopSequence string
	Usage        *Usage

	// error
	Err *Error

	// Raw carries the upstream JSON payload when the event passed through
	// unmodified, so provider fields the proxy does not model survive the
	// round trip. Any stage that alters the event clears it.
	Raw []byte
}

// Delta is the payload of a content_block_delta.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// Wire shapes, marshalled exactly as the provider emits them.

type messageStartWire struct {
	Type    EventType         `json:"type"`
	Message *MessagesResponse `json:"message"`
}

type blockStartWire struct {
	Type         EventType     `json:"type"`
	Index        int           `json:"index"`
	ContentBlock *ContentBlock `json:"content_block"`
}

type blockDeltaWire struct {
	Type  EventType `json:"type"`
	Index int       `json:"index"`
	Delta *Delta    `json:"delta"`
}

type blockStopWire struct {
	Type  EventType `json:"type"`
	Index int       `json:"index"`
}

type messageDeltaWire struct {
	Type  EventType        `json:"type"`
	Delta messageDeltaBody `json:"delta"`
	Usage *Usage           `json:"usage,omitempty"`
}

type messageDeltaBody struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

type bareWire struct {
	Type EventType `json:"type"`
}

type errorWire struct {
	Type  EventType     `json:"type"`
	Error errorWireBody `json:"error"`
}

type errorWireBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MarshalWire serializes the event into its provider-shaped JSON body.
func (e *Event) MarshalWire() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	var payload any
	switch e.Type {
	case EventMessageStart:
		payload = messageStartWire{Type: e.Type, Message: e.Message}
	case EventContentBlockStart:
		payload = blockStartWire{Type: e.Type, Index: e.Index, ContentBlock: e.Block}
	case EventContentBlockDelta:
		payload = blockDeltaWire{Type: e.Type, Index: e.Index, Delta: e.Delta}
	case EventContentBlockStop:
		payload = blockStopWire{Type: e.Type, Index: e.Index}
	case EventMessageDelta:
		body := messageDeltaBody{}
		if e.StopReason != "" {
			body.StopReason = &e.StopReason
		}
		if e.StopSequence != "" {
			body.StopSequence = &e.StopSequence
		}
		payload = messageDeltaWire{Type: e.Type, Delta: body, Usage: e.Usage}
	case EventError:
		body := errorWireBody{Type: "api_error", Message: "stream error"}
		if e.Err != nil {
			body.Type = string(e.Err.Kind)
			body.Message = e.Err.Message
		}
		payload = errorWire{Type: e.Type, Error: body}
	default:
		payload = bareWire{Type: e.Type}
	}

	if err := enc.Encode(payload); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// TextDelta extracts the text carried by a content_block_delta, or "".
func (e *Event) TextDelta() string {
	if e.Type != EventContentBlockDelta || e.Delta == nil {
		return ""
	}
	return e.Delta.Text
}

// NewTextDelta builds a text content_block_delta at index.
func NewTextDelta(index int, text string) Event {
	return Event{
		Type:  EventContentBlockDelta,
		Index: index,
		Delta: &Delta{Type: DeltaText, Text: text},
	}
}

// NewPing builds a keepalive event.
func NewPing() Event { return Event{Type: EventPing} }
