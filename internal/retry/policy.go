package retry

import (
	"math/rand"
	"time"

	"claudepool/internal/claude"
)

// Config holds the dispatch retry knobs.
type Config struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// jitterFactor spreads concurrent retries so failing accounts are not
// hammered in lockstep.
const jitterFactor = 0.2

// Policy decides whether a failed dispatch attempt may be retried and how
// long to wait first. Retries only ever happen at the dispatch boundary,
// before any stream byte has reached the client; the pipeline enforces
// that precondition, the policy only classifies.
type Policy struct {
	cfg Config
}

// NewPolicy builds a policy from config.
func NewPolicy(cfg Config) *Policy {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &Policy{cfg: cfg}
}

// MaxAttempts returns the attempt budget per request.
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }

// ShouldRetry reports whether another attempt is permitted after err on
// the given (1-based) attempt.
func (p *Policy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.cfg.MaxAttempts {
		return false
	}
	return claude.KindOf(err).Retryable()
}

// ShouldSwitchAccount reports whether the failure is account-specific, so
// the next attempt should exclude the current account and re-run selection
// instead of hitting it again.
func ShouldSwitchAccount(err error) bool {
	return claude.KindOf(err).SwitchesAccount()
}

// Backoff returns the wait before the given (1-based) retry attempt:
// exponential from the base, capped, with jitter.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	backoff := p.cfg.BaseBackoff
	for i := 2; i < attempt; i++ {
		backoff *= 2
		if backoff >= p.cfg.MaxBackoff {
			backoff = p.cfg.MaxBackoff
			break
		}
	}

	jitter := time.Duration(float64(backoff) * jitterFactor)
	if jitter > 0 {
		backoff = backoff - jitter + time.Duration(rand.Int63n(int64(2*jitter)))
	}
	return backoff
}
