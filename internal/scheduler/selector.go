package scheduler

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"claudepool/internal/circuit"
	"claudepool/internal/claude"
	"claudepool/internal/store"
)

// Transport names the upstream interface a request is fulfilled over.
type Transport string

const (
	TransportOAuth Transport = "oauth"
	TransportWeb   Transport = "web"
)

// Capacity reports whether an account is saturated on the web transport.
// The session manager implements it; a saturated account loses its affinity
// preference but stays selectable (the dispatch stage fails fast instead).
type Capacity interface {
	Full(accountID string) bool
}

// Selection is the outcome of one pick.
type Selection struct {
	Account      *store.Account
	Transport    Transport
	FromAffinity bool
}

// Stats counts selector outcomes for the statistics endpoint.
type Stats struct {
	TotalSelections    int64 `json:"total_selections"`
	AffinityHits       int64 `json:"affinity_hits"`
	NoAccountAvailable int64 `json:"no_account_available"`
	ActiveAffinities   int   `json:"active_affinities"`
}

// Selector picks the (account, transport) pair for a request from the
// current account state: capability tier, per-model cooldown, preferred
// transport, breaker state, and load.
type Selector struct {
	store    *store.Store
	breakers *circuit.Manager
	affinity *affinityMap
	capacity Capacity

	webEnabled bool

	selections    int64
	affinityHits  int64
	noneAvailable int64
}

// New builds a selector. capacity may be nil (affinity is then never
// considered saturated); webEnabled=false removes the web transport from
// every candidate set.
func New(st *store.Store, breakers *circuit.Manager, capacity Capacity, webEnabled bool, affinityTTL time.Duration) *Selector {
	return &Selector{
		store:      st,
		breakers:   breakers,
		affinity:   newAffinityMap(affinityTTL),
		capacity:   capacity,
		webEnabled: webEnabled,
	}
}

// Select picks an account and transport for the model, skipping excluded
// account ids (prior failed attempts in the same request). Fails with
// no_account_available when nothing qualifies.
func (s *Selector) Select(model, fingerprint string, exclude []string) (*Selection, error) {
	atomic.AddInt64(&s.selections, 1)
	now := time.Now()
	tier := claude.ModelTier(model)

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	var oauthPool, webPool []*store.Account
	for _, a := range s.store.List() {
		if excluded[a.OrganizationUUID] || a.InCooldown(model, now) {
			continue
		}
		if s.breakers != nil && !s.breakers.Allow(a.OrganizationUUID) {
			continue
		}
		switch a.PreferredAuth {
		case store.AuthOAuth:
			if s.oauthEligible(a, tier, now) {
				oauthPool = append(oauthPool, a)
			}
		case store.AuthWeb:
			if s.webEligible(a) {
				webPool = append(webPool, a)
			}
		default: // auto
			if s.oauthEligible(a, tier, now) {
				oauthPool = append(oauthPool, a)
			} else if s.webEligible(a) {
				webPool = append(webPool, a)
			}
		}
	}

	// OAuth first: native features and no conversation pressure. Accounts
	// whose preference forces web never appear in the oauth pool.
	for _, cand := range []struct {
		pool      []*store.Account
		transport Transport
	}{
		{oauthPool, TransportOAuth},
		{webPool, TransportWeb},
	} {
		if len(cand.pool) == 0 {
			continue
		}
		if sel := s.pick(cand.pool, cand.transport, fingerprint); sel != nil {
			return sel, nil
		}
	}

	atomic.AddInt64(&s.noneAvailable, 1)
	log.Warn().Str("model", model).Int("excluded", len(exclude)).Msg("no account available")
	return nil, claude.NewError(claude.KindNoAccountAvailable, "no account available for model "+model)
}

// pick applies the affinity soft preference, then least (usage, last-used)
// with account id as the stable tie-break.
func (s *Selector) pick(pool []*store.Account, transport Transport, fingerprint string) *Selection {
	if fingerprint != "" {
		if id, ok := s.affinity.get(fingerprint); ok {
			for _, a := range pool {
				if a.OrganizationUUID != id {
					continue
				}
				if transport == TransportWeb && s.capacity != nil && s.capacity.Full(id) {
					break // saturated: fall through to load-based pick
				}
				atomic.AddInt64(&s.affinityHits, 1)
				return &Selection{Account: a, Transport: transport, FromAffinity: true}
			}
		}
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].Usage != pool[j].Usage {
			return pool[i].Usage < pool[j].Usage
		}
		if !pool[i].LastUsed.Equal(pool[j].LastUsed) {
			return pool[i].LastUsed.Before(pool[j].LastUsed)
		}
		return pool[i].OrganizationUUID < pool[j].OrganizationUUID
	})

	chosen := pool[0]
	if fingerprint != "" {
		s.affinity.bind(fingerprint, chosen.OrganizationUUID)
	}
	return &Selection{Account: chosen, Transport: transport}
}

// Record notes that a request completed on the account, feeding the load
// balance counters and renewing the affinity binding.
func (s *Selector) Record(accountID, fingerprint string) {
	s.store.IncrementUsage(accountID)
	if fingerprint != "" {
		s.affinity.bind(fingerprint, accountID)
	}
}

func (s *Selector) oauthEligible(a *store.Account, tier claude.Tier, now time.Time) bool {
	if !a.OAuthUsable(now) {
		return false
	}
	switch tier {
	case claude.TierMax:
		return a.HasCapability(store.CapMax)
	case claude.TierPro:
		return a.HasCapability(store.CapPro) || a.HasCapability(store.CapMax)
	default:
		return true
	}
}

func (s *Selector) webEligible(a *store.Account) bool {
	return s.webEnabled && a.WebUsable()
}

// Stats returns selection counters.
func (s *Selector) Stats() Stats {
	return Stats{
		TotalSelections:    atomic.LoadInt64(&s.selections),
		AffinityHits:       atomic.LoadInt64(&s.affinityHits),
		NoAccountAvailable: atomic.LoadInt64(&s.noneAvailable),
		ActiveAffinities:   s.affinity.size(),
	}
}

// Close stops the affinity cleanup loop.
func (s *Selector) Close() {
	s.affinity.stop()
	log.Info().Msg("selector closed")
}
