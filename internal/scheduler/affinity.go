package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// cleanupInterval paces the expiry sweep of affinity bindings.
const cleanupInterval = 5 * time.Minute

// affinityEntry binds one request fingerprint to the account that last
// served it, so follow-up requests in the same logical session land on the
// warm prompt cache (and, for web, the live conversation).
type affinityEntry struct {
	accountID string
	expiresAt time.Time
}

type affinityMap struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*affinityEntry

	done     chan struct{}
	stopOnce sync.Once
}

func newAffinityMap(ttl time.Duration) *affinityMap {
	if ttl <= 0 {
		ttl = time.Hour
	}
	m := &affinityMap{
		ttl:     ttl,
		entries: make(map[string]*affinityEntry),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

func (m *affinityMap) bind(fingerprint, accountID string) {
	m.mu.Lock()
	m.entries[fingerprint] = &affinityEntry{
		accountID: accountID,
		expiresAt: time.Now().Add(m.ttl),
	}
	m.mu.Unlock()
}

func (m *affinityMap) get(fingerprint string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[fingerprint]
	if !ok || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.accountID, true
}

func (m *affinityMap) size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *affinityMap) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			removed := 0
			for fp, entry := range m.entries {
				if now.After(entry.expiresAt) {
					delete(m.entries, fp)
					removed++
				}
			}
			m.mu.Unlock()
			if removed > 0 {
				log.Debug().Int("expired", removed).Msg("cleaned up affinity bindings")
			}
		case <-m.done:
			return
		}
	}
}

func (m *affinityMap) stop() {
	m.stopOnce.Do(func() { close(m.done) })
}
