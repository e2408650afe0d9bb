package tokenizer

import (
	"encoding/json"
	"unicode"

	"claudepool/internal/claude"
)

// ImageTokenCost is the fixed charge for an image block. Upstream bills by
// scaled pixel area; the estimator uses the documented ceiling so accounting
// never undercounts.
const ImageTokenCost = 1568

// perWordDivisor approximates subword splitting for latin script.
const perWordDivisor = 4

// Counter is a deterministic token estimator. It is intentionally
// model-agnostic beyond validity checking: all catalog models share the
// estimate, which is used for usage accounting, not billing.
type Counter struct{}

// New returns a Counter.
func New() *Counter { return &Counter{} }

// CountText estimates tokens for a plain text span. Latin-ish words cost
// ceil(len/4), every CJK rune costs one token, standalone punctuation costs
// one. Deterministic and monotonic in the input.
func (c *Counter) CountText(text string) int {
	tokens := 0
	runLen := 0
	flush := func() {
		if runLen > 0 {
			tokens += (runLen + perWordDivisor - 1) / perWordDivisor
			runLen = 0
		}
	}
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush()
		case unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r):
			flush()
			tokens++
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			tokens++
		default:
			runLen++
		}
	}
	flush()
	return tokens
}

// CountBlock estimates tokens for one content block.
func (c *Counter) CountBlock(block *claude.ContentBlock) int {
	switch block.Type {
	case claude.BlockText:
		return c.CountText(block.Text)
	case claude.BlockImage:
		return ImageTokenCost
	case claude.BlockToolUse, claude.BlockToolResult:
		raw, err := json.Marshal(block)
		if err != nil {
			return 0
		}
		return c.CountText(string(raw))
	case claude.BlockThinking:
		return c.CountText(block.Thinking)
	default:
		return 0
	}
}

// CountRequest estimates the input tokens of a full request: system prompt,
// every message block, and serialized tool definitions. Fails with
// request_invalid when the model is unknown.
func (c *Counter) CountRequest(req *claude.MessagesRequest) (int, error) {
	if !claude.KnownModel(req.Model) {
		return 0, claude.NewError(claude.KindRequestInvalid, "unknown model: "+req.Model)
	}

	total := 0
	for i := range req.System {
		total += c.CountBlock(&req.System[i])
	}
	for mi := range req.Messages {
		total += 3 // per-turn envelope
		for bi := range req.Messages[mi].Content {
			total += c.CountBlock(&req.Messages[mi].Content[bi])
		}
	}
	for ti := range req.Tools {
		raw, err := json.Marshal(&req.Tools[ti])
		if err != nil {
			continue
		}
		total += c.CountText(string(raw))
	}
	return total, nil
}
