package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"claudepool/internal/claude"
	"claudepool/internal/concurrency"
	"claudepool/internal/config"
	"claudepool/internal/store"
)

// Conversations is the slice of the web transport the manager needs.
// *service.WebAPI satisfies it.
type Conversations interface {
	CreateConversation(ctx context.Context, cookie, orgUUID string) (string, error)
	DeleteConversation(ctx context.Context, cookie, orgUUID, convUUID string) error
}

// deleteTimeout bounds an upstream conversation delete, which runs detached
// from any request context.
const deleteTimeout = 15 * time.Second

// Handle is a claimed web conversation. The holder owns the upstream
// conversation until Release; at most one pipeline holds a given handle at
// a time.
type Handle struct {
	AccountID        string
	Cookie           string
	ConversationKey  string
	ConversationUUID string

	// Fresh is set when the conversation was created for this request, so
	// the dispatch stage knows the upstream has no prior transcript.
	Fresh bool
}

// entry is the manager's record of one live conversation.
type entry struct {
	handle       Handle
	active       bool
	lastActivity time.Time
}

// accountSessions holds the live conversations of one account under its
// own lock, so acquire/release on different accounts never contend.
type accountSessions struct {
	mu      sync.Mutex
	entries map[string]*entry // conversation-key -> entry
}

// Stats is the manager view for the statistics endpoint.
type Stats struct {
	LiveSessions   int   `json:"live_sessions"`
	ActiveSessions int   `json:"active_sessions"`
	TotalOpened    int64 `json:"total_opened"`
	TotalReaped    int64 `json:"total_reaped"`
}

// Manager maps (account, conversation-key) to live upstream conversations,
// enforces the per-account cap, and reaps idle conversations in the
// background.
type Manager struct {
	web      Conversations
	slots    *concurrency.Slots
	settings *config.Settings
	cfg      config.SessionConfig

	mu       sync.RWMutex
	accounts map[string]*accountSessions

	opened int64
	reaped int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager builds the session manager and starts the sweeper.
func NewManager(web Conversations, slots *concurrency.Slots, settings *config.Settings, cfg config.SessionConfig) *Manager {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	m := &Manager{
		web:      web,
		slots:    slots,
		settings: settings,
		cfg:      cfg,
		accounts: make(map[string]*accountSessions),
		done:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweep()
	return m
}

func (m *Manager) forAccount(accountID string) *accountSessions {
	m.mu.RLock()
	as, ok := m.accounts[accountID]
	m.mu.RUnlock()
	if ok {
		return as
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if as, ok := m.accounts[accountID]; ok {
		return as
	}
	as = &accountSessions{entries: make(map[string]*entry)}
	m.accounts[accountID] = as
	return as
}

// Acquire claims the conversation for (account, key), opening a new one
// upstream when none exists. Fails fast with session_busy when the key is
// already held by another pipeline and with session_exhausted when the
// account is at its conversation cap.
func (m *Manager) Acquire(ctx context.Context, acct *store.Account, key string) (*Handle, error) {
	as := m.forAccount(acct.OrganizationUUID)

	as.mu.Lock()
	if e, ok := as.entries[key]; ok {
		if e.active {
			as.mu.Unlock()
			return nil, claude.NewError(claude.KindSessionBusy, "conversation already in use")
		}
		e.active = true
		e.lastActivity = time.Now()
		h := e.handle
		h.Fresh = false
		as.mu.Unlock()
		return &h, nil
	}
	as.mu.Unlock()

	if !m.slots.TryAcquire(acct.OrganizationUUID) {
		return nil, claude.NewError(claude.KindSessionExhausted, "account at max concurrent conversations")
	}

	convUUID, err := m.web.CreateConversation(ctx, acct.CookieValue, acct.OrganizationUUID)
	if err != nil {
		m.slots.Release(acct.OrganizationUUID)
		return nil, err
	}

	h := Handle{
		AccountID:        acct.OrganizationUUID,
		Cookie:           acct.CookieValue,
		ConversationKey:  key,
		ConversationUUID: convUUID,
		Fresh:            true,
	}

	as.mu.Lock()
	// A concurrent acquire for the same key may have won the race; the
	// later conversation still registers under its own uuid-keyed slot.
	if _, ok := as.entries[key]; ok {
		key = key + ":" + convUUID
		h.ConversationKey = key
	}
	as.entries[key] = &entry{handle: h, active: true, lastActivity: time.Now()}
	as.mu.Unlock()

	m.countOpened()
	log.Debug().Str("account", acct.OrganizationUUID).Str("conversation", convUUID).
		Msg("web conversation opened")
	return &h, nil
}

// AcquirePinned claims the specific conversation a pending tool call was
// registered against. The conversation already exists upstream; when the
// local entry was lost (restart, reap race) it is re-registered.
func (m *Manager) AcquirePinned(acct *store.Account, convUUID string) (*Handle, error) {
	as := m.forAccount(acct.OrganizationUUID)

	as.mu.Lock()
	defer as.mu.Unlock()

	for _, e := range as.entries {
		if e.handle.ConversationUUID != convUUID {
			continue
		}
		if e.active {
			return nil, claude.NewError(claude.KindSessionBusy, "conversation already in use")
		}
		e.active = true
		e.lastActivity = time.Now()
		h := e.handle
		h.Fresh = false
		return &h, nil
	}

	if !m.slots.TryAcquire(acct.OrganizationUUID) {
		return nil, claude.NewError(claude.KindSessionExhausted, "account at max concurrent conversations")
	}
	h := Handle{
		AccountID:        acct.OrganizationUUID,
		Cookie:           acct.CookieValue,
		ConversationKey:  "pinned:" + convUUID,
		ConversationUUID: convUUID,
	}
	as.entries[h.ConversationKey] = &entry{handle: h, active: true, lastActivity: time.Now()}
	return &h, nil
}

// Release returns the conversation. keep=true parks it for reuse (a tool
// result is expected, or the logical session may continue); keep=false
// removes it locally and deletes it upstream.
func (m *Manager) Release(h *Handle, keep bool) {
	if h == nil {
		return
	}
	as := m.forAccount(h.AccountID)

	as.mu.Lock()
	e, ok := as.entries[h.ConversationKey]
	if !ok || e.handle.ConversationUUID != h.ConversationUUID {
		as.mu.Unlock()
		return
	}
	if keep {
		e.active = false
		e.lastActivity = time.Now()
		as.mu.Unlock()
		return
	}
	delete(as.entries, h.ConversationKey)
	as.mu.Unlock()

	m.slots.Release(h.AccountID)
	m.deleteUpstream(h.Cookie, h.AccountID, h.ConversationUUID)
}

// Full implements the selector's saturation probe.
func (m *Manager) Full(accountID string) bool { return m.slots.Full(accountID) }

// Live returns the number of live conversations across accounts.
func (m *Manager) Live() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, as := range m.accounts {
		as.mu.Lock()
		n += len(as.entries)
		as.mu.Unlock()
	}
	return n
}

// Stats returns manager counters.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{}
	for _, as := range m.accounts {
		as.mu.Lock()
		st.LiveSessions += len(as.entries)
		for _, e := range as.entries {
			if e.active {
				st.ActiveSessions++
			}
		}
		as.mu.Unlock()
	}
	st.TotalOpened = m.opened
	st.TotalReaped = m.reaped
	return st
}

// sweep reaps idle conversations on a fixed interval. With preserve_chats
// set only the local entry goes; the upstream conversation stays.
func (m *Manager) sweep() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweepOnce(time.Now())
		case <-m.done:
			return
		}
	}
}

func (m *Manager) sweepOnce(now time.Time) {
	preserve := m.settings.Snapshot().PreserveChats

	m.mu.RLock()
	accounts := make([]*accountSessions, 0, len(m.accounts))
	for _, as := range m.accounts {
		accounts = append(accounts, as)
	}
	m.mu.RUnlock()

	for _, as := range accounts {
		var idle []Handle
		as.mu.Lock()
		for key, e := range as.entries {
			if e.active || now.Sub(e.lastActivity) < m.cfg.IdleTimeout {
				continue
			}
			idle = append(idle, e.handle)
			delete(as.entries, key)
		}
		as.mu.Unlock()

		for _, h := range idle {
			m.slots.Release(h.AccountID)
			m.countReaped()
			if !preserve {
				m.deleteUpstream(h.Cookie, h.AccountID, h.ConversationUUID)
			}
			log.Debug().Str("account", h.AccountID).Str("conversation", h.ConversationUUID).
				Bool("preserved", preserve).Msg("idle web conversation reaped")
		}
	}
}

func (m *Manager) deleteUpstream(cookie, orgUUID, convUUID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), deleteTimeout)
		defer cancel()
		if err := m.web.DeleteConversation(ctx, cookie, orgUUID, convUUID); err != nil {
			log.Warn().Err(err).Str("conversation", convUUID).Msg("upstream conversation delete failed")
		}
	}()
}

func (m *Manager) countOpened() {
	m.mu.Lock()
	m.opened++
	m.mu.Unlock()
}

func (m *Manager) countReaped() {
	m.mu.Lock()
	m.reaped++
	m.mu.Unlock()
}

// Close stops the sweeper and waits for in-flight upstream deletes.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
	log.Info().Msg("session manager closed")
}
