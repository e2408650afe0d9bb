package tokenizer

import "strings"

// StopMatcher scans a text delta stream for the first occurrence of any
// watched literal. It treats deltas as one continuous byte stream, so a
// match spanning delta (or content block) boundaries is still found, and it
// never releases text past a possible match start: a trailing span that is
// a prefix of some watched literal is held back until disambiguated.
type StopMatcher struct {
	stops   []string
	pending string
	matched string
	rest    string
	done    bool
	maxHold int
}

// NewStopMatcher builds a matcher over the watch list. Empty literals are
// ignored.
func NewStopMatcher(stops []string) *StopMatcher {
	m := &StopMatcher{}
	for _, s := range stops {
		if s == "" {
			continue
		}
		m.stops = append(m.stops, s)
		if len(s)-1 > m.maxHold {
			m.maxHold = len(s) - 1
		}
	}
	return m
}

// Active reports whether any literal is being watched.
func (m *StopMatcher) Active() bool { return len(m.stops) > 0 }

// Matched returns the literal that terminated the stream, or "".
func (m *StopMatcher) Matched() string { return m.matched }

// Rest returns the text that followed the matched literal in the same
// window. Stop-sequence truncation discards it; marker scanning needs it.
func (m *StopMatcher) Rest() string { return m.rest }

// Feed consumes the next delta and returns the text that is safe to emit.
// done=true means a literal matched: emit holds the text strictly before
// the match and nothing further will ever be released.
func (m *StopMatcher) Feed(delta string) (emit string, done bool) {
	if m.done {
		return "", true
	}
	if len(m.stops) == 0 {
		return delta, false
	}

	m.pending += delta

	// First match across the pending window wins.
	matchAt, matchStop := -1, ""
	for _, s := range m.stops {
		if i := strings.Index(m.pending, s); i >= 0 {
			if matchAt < 0 || i < matchAt || (i == matchAt && len(s) > len(matchStop)) {
				matchAt, matchStop = i, s
			}
		}
	}
	if matchAt >= 0 {
		emit = m.pending[:matchAt]
		m.rest = m.pending[matchAt+len(matchStop):]
		m.pending = ""
		m.matched = matchStop
		m.done = true
		return emit, true
	}

	hold := m.holdLen()
	emit = m.pending[:len(m.pending)-hold]
	m.pending = m.pending[len(m.pending)-hold:]
	return emit, false
}

// Flush releases whatever is still held once the upstream stream ends
// without a match.
func (m *StopMatcher) Flush() string {
	if m.done {
		return ""
	}
	rest := m.pending
	m.pending = ""
	return rest
}

// holdLen computes how many trailing bytes of pending could still begin a
// watched literal.
func (m *StopMatcher) holdLen() int {
	max := m.maxHold
	if max > len(m.pending) {
		max = len(m.pending)
	}
	for n := max; n > 0; n-- {
		tail := m.pending[len(m.pending)-n:]
		for _, s := range m.stops {
			if strings.HasPrefix(s, tail) {
				return n
			}
		}
	}
	return 0
}
