package metrics

import (
	"sync"
	"time"
)

// ringSize bounds the recent-request window. Old entries are overwritten;
// nothing is persisted.
const ringSize = 128

// RequestSummary is one completed request in the recent window.
type RequestSummary struct {
	ID        string    `json:"id"`
	Model     string    `json:"model"`
	Transport string    `json:"transport"`
	AccountID string    `json:"account_id"`
	Status    int       `json:"status"`
	Duration  int64     `json:"duration_ms"`
	Tokens    int       `json:"tokens"`
	Time      time.Time `json:"time"`
}

// AccountStats is the per-account counter view.
type AccountStats struct {
	Requests int64     `json:"requests"`
	Errors   int64     `json:"errors"`
	LastUsed time.Time `json:"last_used"`
}

// Snapshot is the full statistics payload.
type Snapshot struct {
	StartedAt       time.Time               `json:"started_at"`
	UptimeSeconds   int64                   `json:"uptime_seconds"`
	TotalRequests   int64                   `json:"total_requests"`
	TotalErrors     int64                   `json:"total_errors"`
	RetryAttempts   int64                   `json:"retry_attempts"`
	AccountSwitches int64                   `json:"account_switches"`
	Accounts        map[string]AccountStats `json:"accounts"`
	Models          map[string]int64        `json:"models"`
	Transports      map[string]int64        `json:"transports"`
	Recent          []RequestSummary        `json:"recent"`
}

// Collector accumulates in-memory request statistics. Everything resets on
// restart.
type Collector struct {
	mu sync.RWMutex

	startedAt time.Time

	totalRequests   int64
	totalErrors     int64
	retryAttempts   int64
	accountSwitches int64

	accounts   map[string]*AccountStats
	models     map[string]int64
	transports map[string]int64

	ring     [ringSize]RequestSummary
	ringNext int
	ringLen  int
}

// NewCollector builds an empty collector.
func NewCollector() *Collector {
	return &Collector{
		startedAt:  time.Now(),
		accounts:   make(map[string]*AccountStats),
		models:     make(map[string]int64),
		transports: make(map[string]int64),
	}
}

// RecordRequest notes one completed request, successful or not.
func (c *Collector) RecordRequest(s RequestSummary) {
	if s.Time.IsZero() {
		s.Time = time.Now()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	if s.Status >= 400 {
		c.totalErrors++
	}
	if s.Model != "" {
		c.models[s.Model]++
	}
	if s.Transport != "" {
		c.transports[s.Transport]++
	}
	if s.AccountID != "" {
		as := c.accounts[s.AccountID]
		if as == nil {
			as = &AccountStats{}
			c.accounts[s.AccountID] = as
		}
		as.Requests++
		if s.Status >= 400 {
			as.Errors++
		}
		as.LastUsed = s.Time
	}

	c.ring[c.ringNext] = s
	c.ringNext = (c.ringNext + 1) % ringSize
	if c.ringLen < ringSize {
		c.ringLen++
	}
}

// RecordRetry notes one dispatch retry.
func (c *Collector) RecordRetry() {
	c.mu.Lock()
	c.retryAttempts++
	c.mu.Unlock()
}

// RecordSwitch notes one account switch during dispatch.
func (c *Collector) RecordSwitch() {
	c.mu.Lock()
	c.accountSwitches++
	c.mu.Unlock()
}

// Snapshot copies the counters out. Recent requests come back newest first.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		StartedAt:       c.startedAt,
		UptimeSeconds:   int64(time.Since(c.startedAt).Seconds()),
		TotalRequests:   c.totalRequests,
		TotalErrors:     c.totalErrors,
		RetryAttempts:   c.retryAttempts,
		AccountSwitches: c.accountSwitches,
		Accounts:        make(map[string]AccountStats, len(c.accounts)),
		Models:          make(map[string]int64, len(c.models)),
		Transports:      make(map[string]int64, len(c.transports)),
		Recent:          make([]RequestSummary, 0, c.ringLen),
	}
	for id, as := range c.accounts {
		snap.Accounts[id] = *as
	}
	for m, n := range c.models {
		snap.Models[m] = n
	}
	for tr, n := range c.transports {
		snap.Transports[tr] = n
	}
	for i := 0; i < c.ringLen; i++ {
		idx := (c.ringNext - 1 - i + ringSize) % ringSize
		snap.Recent = append(snap.Recent, c.ring[idx])
	}
	return snap
}
