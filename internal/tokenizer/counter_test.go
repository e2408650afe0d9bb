package tokenizer

import (
	"encoding/json"
	"testing"

	"claudepool/internal/claude"
)

func TestCountText(t *testing.T) {
	c := New()

	tests := []struct {
		name string
		text string
		want int
	}{
		{name: "empty", text: "", want: 0},
		{name: "single short word", text: "hi", want: 1},
		{name: "single long word", text: "internationalization", want: 5},
		{name: "sentence with punctuation", text: "Hello, world!", want: 4},
		{name: "cjk runes count individually", text: "你好世界", want: 4},
		{name: "whitespace only", text: "   \n\t ", want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.CountText(tt.text); got != tt.want {
				t.Errorf("CountText(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestCountTextMonotonic(t *testing.T) {
	c := New()
	prev := 0
	text := ""
	for _, chunk := range []string{"The ", "quick ", "brown ", "fox ", "jumps."} {
		text += chunk
		got := c.CountText(text)
		if got < prev {
			t.Fatalf("CountText not monotonic: %d after %d for %q", got, prev, text)
		}
		prev = got
	}
}

func TestCountBlock(t *testing.T) {
	c := New()

	tests := []struct {
		name  string
		block claude.ContentBlock
		want  int
	}{
		{
			name:  "text block",
			block: claude.ContentBlock{Type: claude.BlockText, Text: "hello there"},
			want:  c.CountText("hello there"),
		},
		{
			name:  "image block fixed cost",
			block: claude.ContentBlock{Type: claude.BlockImage, Source: &claude.ImageSource{Type: "base64"}},
			want:  ImageTokenCost,
		},
		{
			name:  "unknown type",
			block: claude.ContentBlock{Type: "mystery"},
			want:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.CountBlock(&tt.block); got != tt.want {
				t.Errorf("CountBlock() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCountBlockToolUse(t *testing.T) {
	c := New()
	block := claude.ContentBlock{
		Type:  claude.BlockToolUse,
		ID:    "toolu_abc",
		Name:  "get_weather",
		Input: json.RawMessage(`{"city":"Paris"}`),
	}
	if got := c.CountBlock(&block); got <= 0 {
		t.Errorf("CountBlock(tool_use) = %d, want > 0", got)
	}
}

func TestCountRequest(t *testing.T) {
	c := New()

	req := &claude.MessagesRequest{
		Model: "claude-3-5-sonnet-20241022",
		Messages: []claude.Message{
			{Role: claude.RoleUser, Content: claude.MessageParts{{Type: claude.BlockText, Text: "hello"}}},
		},
	}
	got, err := c.CountRequest(req)
	if err != nil {
		t.Fatalf("CountRequest() error = %v", err)
	}
	if got <= 0 {
		t.Errorf("CountRequest() = %d, want > 0", got)
	}
}

func TestCountRequestUnknownModel(t *testing.T) {
	c := New()
	req := &claude.MessagesRequest{Model: "gpt-x"}
	_, err := c.CountRequest(req)
	if err == nil {
		t.Fatal("CountRequest() expected error for unknown model")
	}
	if claude.KindOf(err) != claude.KindRequestInvalid {
		t.Errorf("CountRequest() kind = %v, want %v", claude.KindOf(err), claude.KindRequestInvalid)
	}
}
