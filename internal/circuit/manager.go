package circuit

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Manager keeps one breaker per account. Breakers are created on first use
// and removed when the account is deleted.
type Manager struct {
	cfg Config

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager builds the per-account breaker map.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

func (m *Manager) get(accountID string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[accountID]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[accountID]; ok {
		return b
	}
	b = newBreaker(m.cfg)
	m.breakers[accountID] = b
	return b
}

// Allow reports whether the account's breaker admits a dispatch.
func (m *Manager) Allow(accountID string) bool {
	if !m.cfg.Enabled {
		return true
	}
	return m.get(accountID).Allow()
}

// RecordSuccess feeds a successful dispatch for the account.
func (m *Manager) RecordSuccess(accountID string) {
	m.get(accountID).RecordSuccess()
}

// RecordFailure feeds a failed dispatch for the account, logging when the
// breaker trips.
func (m *Manager) RecordFailure(accountID string) {
	b := m.get(accountID)
	prev := b.State()
	next := b.RecordFailure()
	if prev != next {
		log.Warn().
			Str("account", accountID).
			Str("prev_state", prev.String()).
			Str("new_state", next.String()).
			Msg("circuit breaker state changed")
	}
}

// Reset closes the account's breaker.
func (m *Manager) Reset(accountID string) {
	m.mu.RLock()
	b, ok := m.breakers[accountID]
	m.mu.RUnlock()
	if ok {
		b.Reset()
		log.Info().Str("account", accountID).Msg("circuit breaker reset")
	}
}

// Remove drops the breaker for a deleted account.
func (m *Manager) Remove(accountID string) {
	m.mu.Lock()
	delete(m.breakers, accountID)
	m.mu.Unlock()
}

// Stats returns per-account breaker snapshots.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for id, b := range m.breakers {
		stats[id] = b.Stats()
	}
	return stats
}
