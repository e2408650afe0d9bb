package concurrency

import (
	"sync"
	"sync/atomic"
)

// LoadInfo is the slot occupancy view for one account.
type LoadInfo struct {
	Current int   `json:"current"`
	Max     int   `json:"max"`
	Total   int64 `json:"total"`
}

// Stats aggregates slot counters across accounts.
type Stats struct {
	TotalAccounts int   `json:"total_accounts"`
	ActiveSlots   int   `json:"active_slots"`
	TotalAcquires int64 `json:"total_acquires"`
	TotalRejects  int64 `json:"total_rejects"`
}

// slot tracks live conversations for one account.
type slot struct {
	mu      sync.Mutex
	current int
	total   int64
}

// Slots caps concurrent web conversations per account. Acquisition is
// fail-fast: a request that finds the account at capacity gets false back
// immediately, never a wait queue.
type Slots struct {
	max int

	mu    sync.RWMutex
	slots map[string]*slot

	acquires int64
	rejects  int64
}

// NewSlots builds the per-account slot table with the given cap.
func NewSlots(maxPerAccount int) *Slots {
	if maxPerAccount < 1 {
		maxPerAccount = 1
	}
	return &Slots{
		max:   maxPerAccount,
		slots: make(map[string]*slot),
	}
}

func (s *Slots) get(accountID string) *slot {
	s.mu.RLock()
	sl, ok := s.slots[accountID]
	s.mu.RUnlock()
	if ok {
		return sl
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sl, ok := s.slots[accountID]; ok {
		return sl
	}
	sl = &slot{}
	s.slots[accountID] = sl
	return sl
}

// TryAcquire claims one slot, or reports the account exhausted.
func (s *Slots) TryAcquire(accountID string) bool {
	sl := s.get(accountID)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.current >= s.max {
		atomic.AddInt64(&s.rejects, 1)
		return false
	}
	sl.current++
	sl.total++
	atomic.AddInt64(&s.acquires, 1)
	return true
}

// Release returns one slot.
func (s *Slots) Release(accountID string) {
	s.mu.RLock()
	sl, ok := s.slots[accountID]
	s.mu.RUnlock()
	if !ok {
		return
	}

	sl.mu.Lock()
	if sl.current > 0 {
		sl.current--
	}
	sl.mu.Unlock()
}

// Full reports whether the account has no free slot.
func (s *Slots) Full(accountID string) bool {
	s.mu.RLock()
	sl, ok := s.slots[accountID]
	s.mu.RUnlock()
	if !ok {
		return false
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.current >= s.max
}

// Max returns the per-account cap.
func (s *Slots) Max() int { return s.max }

// Load returns the occupancy for one account.
func (s *Slots) Load(accountID string) LoadInfo {
	s.mu.RLock()
	sl, ok := s.slots[accountID]
	s.mu.RUnlock()
	if !ok {
		return LoadInfo{Max: s.max}
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()
	return LoadInfo{Current: sl.current, Max: s.max, Total: sl.total}
}

// Stats returns aggregate counters.
func (s *Slots) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := 0
	for _, sl := range s.slots {
		sl.mu.Lock()
		active += sl.current
		sl.mu.Unlock()
	}
	return Stats{
		TotalAccounts: len(s.slots),
		ActiveSlots:   active,
		TotalAcquires: atomic.LoadInt64(&s.acquires),
		TotalRejects:  atomic.LoadInt64(&s.rejects),
	}
}
