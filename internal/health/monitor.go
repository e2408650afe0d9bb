package health

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"claudepool/internal/config"
	"claudepool/internal/store"
)

// refreshInterval paces the proactive token refresh sweep, independent of
// the probe interval.
const refreshInterval = 5 * time.Minute

// probeTimeout bounds one upstream probe or refresh.
const probeTimeout = 30 * time.Second

// errNoCredentials marks an account with neither a token bundle nor a
// cookie.
var errNoCredentials = errors.New("account has no credentials")

// OAuthProber checks the API transport credentials of an account.
// *service.Anthropic satisfies it.
type OAuthProber interface {
	Probe(ctx context.Context, accountID string) error
}

// WebProber checks a session cookie against its organization.
// *service.WebAPI satisfies it.
type WebProber interface {
	Probe(ctx context.Context, cookie, orgUUID string) error
}

// Refresher renews OAuth bundles. *service.OAuth satisfies it; its
// singleflight latch makes overlapping sweeps harmless.
type Refresher interface {
	Refresh(ctx context.Context, accountID string) (*store.OAuthBundle, error)
}

// CheckResult is the outcome of one account probe.
type CheckResult struct {
	AccountID string        `json:"account_id"`
	Healthy   bool          `json:"healthy"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// Stats is the monitor view for the statistics endpoint.
type Stats struct {
	TotalChecks     int64 `json:"total_checks"`
	HealthyAccounts int   `json:"healthy_accounts"`
	TotalAccounts   int   `json:"total_accounts"`
	TokensRefreshed int64 `json:"tokens_refreshed"`
}

// Monitor probes account credentials on an interval and proactively
// refreshes OAuth bundles nearing expiry. Failures are logged and recorded;
// accounts are never removed here.
type Monitor struct {
	cfg       config.HealthConfig
	store     *store.Store
	oauth     OAuthProber
	web       WebProber
	refresher Refresher

	mu      sync.RWMutex
	results map[string]CheckResult

	checks    int64
	refreshed int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewMonitor builds the monitor. Call Start to begin probing.
func NewMonitor(cfg config.HealthConfig, st *store.Store, oauth OAuthProber, web WebProber, refresher Refresher) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 5 * time.Minute
	}
	if cfg.RefreshBefore <= 0 {
		cfg.RefreshBefore = 30 * time.Minute
	}
	return &Monitor{
		cfg:       cfg,
		store:     st,
		oauth:     oauth,
		web:       web,
		refresher: refresher,
		results:   make(map[string]CheckResult),
		done:      make(chan struct{}),
	}
}

// Start launches the probe and refresh loops. A disabled monitor starts
// nothing.
func (m *Monitor) Start() {
	if !m.cfg.Enabled {
		log.Info().Msg("health monitor disabled")
		return
	}

	m.wg.Add(2)
	go m.probeLoop()
	go m.refreshLoop()
	log.Info().Dur("interval", m.cfg.CheckInterval).Msg("health monitor started")
}

func (m *Monitor) probeLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckAll(context.Background())
		case <-m.done:
			return
		}
	}
}

func (m *Monitor) refreshLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.refreshExpiring(context.Background())
		case <-m.done:
			return
		}
	}
}

// CheckAll probes every account and returns the results.
func (m *Monitor) CheckAll(ctx context.Context) []CheckResult {
	accounts := m.store.List()
	results := make([]CheckResult, 0, len(accounts))
	for _, a := range accounts {
		select {
		case <-m.done:
			return results
		default:
		}
		results = append(results, m.checkAccount(ctx, a))
	}
	return results
}

// checkAccount probes over whichever transports the account has
// credentials for; any one passing probe marks it healthy.
func (m *Monitor) checkAccount(ctx context.Context, a *store.Account) CheckResult {
	pctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	var err error
	switch a.AuthType() {
	case store.AuthOAuth:
		err = m.oauth.Probe(pctx, a.OrganizationUUID)
	case store.AuthWeb:
		err = m.web.Probe(pctx, a.CookieValue, a.OrganizationUUID)
	case store.AuthTypeBoth:
		if err = m.oauth.Probe(pctx, a.OrganizationUUID); err != nil {
			err = m.web.Probe(pctx, a.CookieValue, a.OrganizationUUID)
		}
	default:
		err = errNoCredentials
	}

	res := CheckResult{
		AccountID: a.OrganizationUUID,
		Healthy:   err == nil,
		Latency:   time.Since(start),
		CheckedAt: time.Now(),
	}
	if err != nil {
		res.Error = err.Error()
		log.Warn().Str("account", a.OrganizationUUID).Err(err).Msg("account probe failed")
	}

	m.mu.Lock()
	m.results[a.OrganizationUUID] = res
	m.checks++
	m.mu.Unlock()
	return res
}

// refreshExpiring renews every refreshable bundle that expires within the
// configured window.
func (m *Monitor) refreshExpiring(ctx context.Context) {
	horizon := time.Now().Add(m.cfg.RefreshBefore)
	for _, a := range m.store.List() {
		if a.OAuth == nil || !a.OAuth.Refreshable() {
			continue
		}
		if !a.OAuth.ExpiresAt.IsZero() && a.OAuth.ExpiresAt.After(horizon) {
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, probeTimeout)
		_, err := m.refresher.Refresh(rctx, a.OrganizationUUID)
		cancel()
		if err != nil {
			log.Warn().Str("account", a.OrganizationUUID).Err(err).Msg("proactive token refresh failed")
			continue
		}

		m.mu.Lock()
		m.refreshed++
		m.mu.Unlock()
		log.Info().Str("account", a.OrganizationUUID).Msg("token refreshed ahead of expiry")
	}
}

// Healthy reports the last probe outcome; an unprobed account counts as
// healthy so startup does not blank the pool.
func (m *Monitor) Healthy(accountID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[accountID]
	return !ok || res.Healthy
}

// Results returns the last probe outcome per account.
func (m *Monitor) Results() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]CheckResult, len(m.results))
	for id, r := range m.results {
		out[id] = r
	}
	return out
}

// Stats returns monitor counters.
func (m *Monitor) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{
		TotalChecks:     m.checks,
		TotalAccounts:   m.store.Len(),
		TokensRefreshed: m.refreshed,
	}
	for _, r := range m.results {
		if r.Healthy {
			st.HealthyAccounts++
		}
	}
	return st
}

// Stop halts both loops.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	log.Info().Msg("health monitor stopped")
}
