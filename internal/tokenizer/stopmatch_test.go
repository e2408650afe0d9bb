package tokenizer

import (
	"strings"
	"testing"
)

func TestStopMatcherNoStops(t *testing.T) {
	m := NewStopMatcher(nil)
	emit, done := m.Feed("anything at all")
	if emit != "anything at all" || done {
		t.Errorf("Feed() = (%q, %v), want full passthrough", emit, done)
	}
	if m.Active() {
		t.Error("Active() = true, want false")
	}
}

func TestStopMatcherSingleDelta(t *testing.T) {
	tests := []struct {
		name     string
		stops    []string
		delta    string
		wantEmit string
		wantDone bool
	}{
		{
			name:     "match inside delta",
			stops:    []string{"STOP"},
			delta:    "before STOP after",
			wantEmit: "before ",
			wantDone: true,
		},
		{
			name:     "match at start truncates to empty",
			stops:    []string{"Hello"},
			delta:    "Hello world",
			wantEmit: "",
			wantDone: true,
		},
		{
			name:     "no match no prefix risk",
			stops:    []string{"zzz"},
			delta:    "plain text",
			wantEmit: "plain text",
			wantDone: false,
		},
		{
			name:     "earliest match wins across list",
			stops:    []string{"later", "ear"},
			delta:    "the earlier or later one",
			wantEmit: "the ",
			wantDone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewStopMatcher(tt.stops)
			emit, done := m.Feed(tt.delta)
			if emit != tt.wantEmit || done != tt.wantDone {
				t.Errorf("Feed(%q) = (%q, %v), want (%q, %v)",
					tt.delta, emit, done, tt.wantEmit, tt.wantDone)
			}
		})
	}
}

// A match that spans a delta boundary must hold back the ambiguous tail and
// emit only the text strictly before the match.
func TestStopMatcherCrossDeltaBoundary(t *testing.T) {
	m := NewStopMatcher([]string{"world"})

	emit1, done1 := m.Feed("Hello, wo")
	if done1 {
		t.Fatal("first delta should not complete the match")
	}
	emit2, done2 := m.Feed("rld! Good")
	if !done2 {
		t.Fatal("second delta should complete the match")
	}

	total := emit1 + emit2
	if total != "Hello, " {
		t.Errorf("emitted %q, want %q", total, "Hello, ")
	}
	if m.Matched() != "world" {
		t.Errorf("Matched() = %q, want %q", m.Matched(), "world")
	}
	if strings.Contains(total, "world") {
		t.Errorf("emitted text contains the stop sequence: %q", total)
	}
}

func TestStopMatcherFalsePrefixReleased(t *testing.T) {
	m := NewStopMatcher([]string{"world"})

	emit1, _ := m.Feed("Hello, wo")
	emit2, done := m.Feed("nders abound")
	if done {
		t.Fatal("no match expected")
	}
	got := emit1 + emit2 + m.Flush()
	if got != "Hello, wonders abound" {
		t.Errorf("emitted %q, want full text", got)
	}
}

func TestStopMatcherFlushReleasesHold(t *testing.T) {
	m := NewStopMatcher([]string{"world"})
	emit, done := m.Feed("say wor")
	if done {
		t.Fatal("unexpected match")
	}
	rest := m.Flush()
	if emit+rest != "say wor" {
		t.Errorf("emit+flush = %q, want %q", emit+rest, "say wor")
	}
}

func TestStopMatcherAfterDoneEmitsNothing(t *testing.T) {
	m := NewStopMatcher([]string{"x"})
	if _, done := m.Feed("axb"); !done {
		t.Fatal("expected match")
	}
	if emit, _ := m.Feed("more"); emit != "" {
		t.Errorf("Feed() after done emitted %q, want empty", emit)
	}
	if rest := m.Flush(); rest != "" {
		t.Errorf("Flush() after done = %q, want empty", rest)
	}
}

// Concatenated emissions must never contain a watched literal regardless of
// how the text is sliced into deltas.
func TestStopMatcherInvariantAcrossSlicings(t *testing.T) {
	text := "alpha beta gamma delta epsilon"
	stop := "gamma"

	for width := 1; width <= len(text); width++ {
		m := NewStopMatcher([]string{stop})
		var out strings.Builder
		for i := 0; i < len(text); i += width {
			end := i + width
			if end > len(text) {
				end = len(text)
			}
			emit, done := m.Feed(text[i:end])
			out.WriteString(emit)
			if done {
				break
			}
		}
		out.WriteString(m.Flush())
		if got := out.String(); got != "alpha beta " {
			t.Fatalf("width %d: emitted %q, want %q", width, got, "alpha beta ")
		}
	}
}
