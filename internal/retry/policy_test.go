package retry

import (
	"errors"
	"testing"
	"time"

	"claudepool/internal/claude"
)

func testPolicy() *Policy {
	return NewPolicy(Config{
		MaxAttempts: 3,
		BaseBackoff: 100 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	})
}

func TestShouldRetry(t *testing.T) {
	p := testPolicy()

	tests := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"transient first attempt", claude.NewError(claude.KindUpstreamTransient, "5xx"), 1, true},
		{"transient second attempt", claude.NewError(claude.KindUpstreamTransient, "5xx"), 2, true},
		{"transient budget spent", claude.NewError(claude.KindUpstreamTransient, "5xx"), 3, false},
		{"quota retries via reselection", claude.NewError(claude.KindUpstreamQuota, "429"), 1, true},
		{"fatal never retries", claude.NewError(claude.KindUpstreamFatal, "schema"), 1, false},
		{"invalid request never retries", claude.NewError(claude.KindRequestInvalid, "bad"), 1, false},
		{"stream cut never retries", claude.NewError(claude.KindStreamCut, "gone"), 1, false},
		{"untyped error never retries", errors.New("boom"), 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.ShouldRetry(tt.err, tt.attempt); got != tt.want {
				t.Errorf("ShouldRetry(%v, %d) = %v, want %v", tt.err, tt.attempt, got, tt.want)
			}
		})
	}
}

func TestShouldSwitchAccount(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"quota switches", claude.NewError(claude.KindUpstreamQuota, "429"), true},
		{"refresh failure switches", claude.NewError(claude.KindOAuthRefresh, "bad grant"), true},
		{"session exhausted switches", claude.NewError(claude.KindSessionExhausted, "cap"), true},
		{"transient stays", claude.NewError(claude.KindUpstreamTransient, "reset"), false},
		{"fatal stays", claude.NewError(claude.KindUpstreamFatal, "schema"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldSwitchAccount(tt.err); got != tt.want {
				t.Errorf("ShouldSwitchAccount(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := testPolicy()

	if got := p.Backoff(1); got != 0 {
		t.Errorf("Backoff(1) = %v, want 0", got)
	}

	prevCeil := time.Duration(0)
	for attempt := 2; attempt <= 6; attempt++ {
		got := p.Backoff(attempt)
		if got < 0 {
			t.Fatalf("Backoff(%d) = %v, negative", attempt, got)
		}
		// Jitter bounds: within ±20% of the raw exponential value.
		raw := 100 * time.Millisecond
		for i := 2; i < attempt; i++ {
			raw *= 2
			if raw >= time.Second {
				raw = time.Second
				break
			}
		}
		lo := raw - time.Duration(float64(raw)*jitterFactor)
		hi := raw + time.Duration(float64(raw)*jitterFactor)
		if got < lo || got > hi {
			t.Errorf("Backoff(%d) = %v, want within [%v, %v]", attempt, got, lo, hi)
		}
		if hi < prevCeil {
			t.Errorf("backoff ceiling shrank at attempt %d", attempt)
		}
		prevCeil = hi
	}
}

func TestNewPolicyClampsConfig(t *testing.T) {
	p := NewPolicy(Config{MaxAttempts: 0})
	if p.MaxAttempts() != 1 {
		t.Errorf("MaxAttempts() = %d, want clamp to 1", p.MaxAttempts())
	}
}
