package claude

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// Role values accepted in a message list.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Stop reasons reported in message_delta and non-streaming responses.
const (
	StopEndTurn      = "end_turn"
	StopMaxTokens    = "max_tokens"
	StopStopSequence = "stop_sequence"
	StopToolUse      = "tool_use"
	StopPauseTurn    = "pause_turn"
	StopRefusal      = "refusal"
)

// Content block types.
const (
	BlockText             = "text"
	BlockImage            = "image"
	BlockToolUse          = "tool_use"
	BlockToolResult       = "tool_result"
	BlockThinking         = "thinking"
	BlockRedactedThinking = "redacted_thinking"
)

// DefaultMaxTokens is applied when the client omits max_tokens.
const DefaultMaxTokens = 8192

// MessagesRequest is the client-facing request body for POST /v1/messages.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        SystemPrompt    `json:"system,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	Thinking      json.RawMessage `json:"thinking,omitempty"`
}

// Message is one turn of the conversation.
type Message struct {
	Role    string       `json:"role"`
	Content MessageParts `json:"content"`
}

// MessageParts holds the typed blocks of a message. The wire form accepts
// either a bare string or an array of blocks; a bare string is normalized to
// a single text block.
type MessageParts []ContentBlock

func (p *MessageParts) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if strings.HasPrefix(trimmed, "\"") {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = MessageParts{{Type: BlockText, Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*p = blocks
	return nil
}

// SystemPrompt accepts either a string or a list of text blocks.
type SystemPrompt []ContentBlock

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimLeft(string(data), " \t\r\n")
	if strings.HasPrefix(trimmed, "\"") {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if str == "" {
			*s = nil
			return nil
		}
		*s = SystemPrompt{{Type: BlockText, Text: str}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*s = blocks
	return nil
}

// Text concatenates the text of all blocks in the system prompt.
func (s SystemPrompt) Text() string {
	var b strings.Builder
	for _, blk := range s {
		b.WriteString(blk.Text)
	}
	return b.String()
}

// ContentBlock is a single typed block. One struct covers every variant;
// only the fields for the block's Type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
	Data      string `json:"data,omitempty"`
}

// ImageSource describes an image block payload: base64 data, an external
// URL, or a previously uploaded file.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	FileUUID  string `json:"file_uuid,omitempty"`
}

// ToolResultText flattens a tool_result content payload (string or block
// list) into plain text.
func (b *ContentBlock) ToolResultText() string {
	if len(b.Content) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(b.Content, &s); err == nil {
		return s
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var sb strings.Builder
		for _, blk := range blocks {
			sb.WriteString(blk.Text)
		}
		return sb.String()
	}
	return string(b.Content)
}

// Tool is a client-declared tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Usage carries token accounting for a response.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// MessagesResponse is the non-streaming response body and the message
// payload inside message_start.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Content      []ContentBlock `json:"content"`
	Model        string         `json:"model"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// Validate rejects structurally invalid requests before any account is
// selected.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return NewError(KindRequestInvalid, "model is required")
	}
	if !KnownModel(r.Model) {
		return NewError(KindRequestInvalid, fmt.Sprintf("unknown model: %s", r.Model))
	}
	if len(r.Messages) == 0 {
		return NewError(KindRequestInvalid, "messages must not be empty")
	}
	for i, m := range r.Messages {
		if m.Role != RoleUser && m.Role != RoleAssistant {
			return NewError(KindRequestInvalid, fmt.Sprintf("messages[%d]: invalid role %q", i, m.Role))
		}
	}
	if r.MaxTokens != nil && *r.MaxTokens < 0 {
		return NewError(KindRequestInvalid, "max_tokens must not be negative")
	}
	return nil
}

// EffectiveMaxTokens returns the output budget, defaulted when omitted. An
// explicit zero stays zero; the caller short-circuits that case.
func (r *MessagesRequest) EffectiveMaxTokens() int {
	if r.MaxTokens == nil {
		return DefaultMaxTokens
	}
	return *r.MaxTokens
}

// LastMessage returns the final turn, or nil for an empty list.
func (r *MessagesRequest) LastMessage() *Message {
	if len(r.Messages) == 0 {
		return nil
	}
	return &r.Messages[len(r.Messages)-1]
}

// Fingerprint derives the request's cache-affinity key from prefix-stable
// content: the system prompt plus every turn except the last. Two requests
// in the same logical session share a fingerprint, so the selector can
// route them to the account (and the session manager to the conversation)
// that already holds the prompt prefix.
func (r *MessagesRequest) Fingerprint() string {
	h := sha256.New()
	h.Write([]byte(r.Model))
	h.Write([]byte{0})
	h.Write([]byte(r.System.Text()))
	for i := 0; i < len(r.Messages)-1; i++ {
		m := r.Messages[i]
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		for _, blk := range m.Content {
			h.Write([]byte(blk.Type))
			h.Write([]byte(blk.Text))
			h.Write(blk.Input)
			h.Write([]byte(blk.ToolUseID))
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
