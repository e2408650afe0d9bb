package keyset

import (
	"crypto/subtle"
	"sync"
	"sync/atomic"
	"time"
)

// KeyStats is the per-key view surfaced on the statistics endpoint. The key
// itself is masked.
type KeyStats struct {
	Key          string    `json:"key"`
	RequestCount int64     `json:"request_count"`
	LastUsed     time.Time `json:"last_used,omitempty"`
}

type keyState struct {
	key          string
	requestCount int64
	lastUsed     time.Time
}

// Set is a fixed collection of API keys checked on every request. Lookup is
// constant-time per key so response timing does not leak prefix matches.
// Usage counters feed the statistics endpoint and request logs.
type Set struct {
	mu   sync.RWMutex
	keys []*keyState
}

// New builds a set from the configured keys.
func New(keys []string) *Set {
	states := make([]*keyState, 0, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		states = append(states, &keyState{key: k})
	}
	return &Set{keys: states}
}

// Check verifies candidate against the set and records use. Returns false
// for an empty set: a proxy with no keys configured accepts nobody.
func (s *Set) Check(candidate string) bool {
	if candidate == "" {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, k := range s.keys {
		if len(k.key) == len(candidate) &&
			subtle.ConstantTimeCompare([]byte(k.key), []byte(candidate)) == 1 {
			atomic.AddInt64(&k.requestCount, 1)
			k.lastUsed = time.Now()
			return true
		}
	}
	return false
}

// Size returns the number of configured keys.
func (s *Set) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}

// Stats returns masked per-key counters.
func (s *Set) Stats() []KeyStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make([]KeyStats, len(s.keys))
	for i, k := range s.keys {
		stats[i] = KeyStats{
			Key:          mask(k.key),
			RequestCount: atomic.LoadInt64(&k.requestCount),
			LastUsed:     k.lastUsed,
		}
	}
	return stats
}

func mask(key string) string {
	if len(key) <= 8 {
		return "…"
	}
	return "…" + key[len(key)-8:]
}
