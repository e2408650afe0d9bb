package circuit

import (
	"sync"
	"time"
)

// State is the breaker position for one account.
type State int

const (
	StateClosed   State = iota // requests allowed
	StateOpen                  // account sidelined
	StateHalfOpen              // probing recovery
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds the breaker thresholds.
type Config struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

// Stats is the per-account breaker view for the statistics endpoint.
type Stats struct {
	State            string    `json:"state"`
	ConsecutiveFails int       `json:"consecutive_fails"`
	TotalFailures    int64     `json:"total_failures"`
	TotalSuccesses   int64     `json:"total_successes"`
	LastFailure      time.Time `json:"last_failure,omitempty"`
	OpenedAt         time.Time `json:"opened_at,omitempty"`
}

// Breaker gates dispatch to one account. Repeated dispatch failures open
// it; after the open timeout a single probe request is let through, and the
// configured success run closes it again.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	consecutiveOK    int
	totalFailures    int64
	totalSuccesses   int64
	lastFailure      time.Time
	openedAt         time.Time
}

func newBreaker(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: StateClosed}
}

// Allow reports whether a dispatch may proceed right now.
func (b *Breaker) Allow() bool {
	if !b.cfg.Enabled {
		return true
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.OpenTimeout {
			b.state = StateHalfOpen
			b.consecutiveOK = 0
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess feeds a successful dispatch outcome.
func (b *Breaker) RecordSuccess() {
	if !b.cfg.Enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecutiveFails = 0
	b.consecutiveOK++

	if b.state == StateHalfOpen && b.consecutiveOK >= b.cfg.SuccessThreshold {
		b.state = StateClosed
		b.consecutiveOK = 0
	}
}

// RecordFailure feeds a failed dispatch outcome. Returns the state after
// the update so callers can log transitions.
func (b *Breaker) RecordFailure() State {
	if !b.cfg.Enabled {
		return StateClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailure = time.Now()
	b.consecutiveFails++
	b.consecutiveOK = 0

	switch b.state {
	case StateClosed:
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = time.Now()
		}
	case StateHalfOpen:
		// The probe failed; back to open for another full timeout.
		b.state = StateOpen
		b.openedAt = time.Now()
	}
	return b.state
}

// State returns the current position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker closed (admin action after fixing an account).
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.consecutiveFails = 0
	b.consecutiveOK = 0
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:            b.state.String(),
		ConsecutiveFails: b.consecutiveFails,
		TotalFailures:    b.totalFailures,
		TotalSuccesses:   b.totalSuccesses,
		LastFailure:      b.lastFailure,
		OpenedAt:         b.openedAt,
	}
}
