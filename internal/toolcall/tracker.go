package toolcall

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"claudepool/internal/claude"
	"claudepool/internal/config"
)

// IDPrefix marks synthetic tool_use ids minted for web-mode responses,
// which have no upstream identifier.
const IDPrefix = "toolu_"

// Pending locates the web conversation a synthesized tool_use came from,
// so the client's tool_result can be routed back to it.
type Pending struct {
	AccountID        string
	ConversationUUID string
	CreatedAt        time.Time
}

// Stats is the tracker view for the statistics endpoint.
type Stats struct {
	Pending       int   `json:"pending"`
	TotalRegister int64 `json:"total_registered"`
	TotalResolved int64 `json:"total_resolved"`
	TotalExpired  int64 `json:"total_expired"`
}

// Tracker correlates synthetic tool_use ids with the (account,
// conversation) pair that produced them. Entries live until the client
// resolves them with a tool_result or the sweeper expires them.
type Tracker struct {
	cfg config.ToolCallConfig

	mu      sync.Mutex
	pending map[string]Pending

	registered int64
	resolved   int64
	expired    int64

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTracker builds the tracker and starts the expiry sweeper.
func NewTracker(cfg config.ToolCallConfig) *Tracker {
	if cfg.Expiry <= 0 {
		cfg.Expiry = 5 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	t := &Tracker{
		cfg:     cfg,
		pending: make(map[string]Pending),
		done:    make(chan struct{}),
	}
	t.wg.Add(1)
	go t.sweep()
	return t
}

// NewID mints a fresh synthetic tool_use id. Ids are never reused.
func NewID() string {
	return IDPrefix + strings.ReplaceAll(uuid.New().String(), "-", "")[:24]
}

// Register records a synthetic id before its tool_use event is flushed to
// the client.
func (t *Tracker) Register(id, accountID, convUUID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending[id] = Pending{
		AccountID:        accountID,
		ConversationUUID: convUUID,
		CreatedAt:        time.Now(),
	}
	t.registered++
}

// Resolve consumes a pending id, returning where its tool_result belongs.
// An id is resolved at most once.
func (t *Tracker) Resolve(id string) (Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return Pending{}, claude.NewError(claude.KindUnknownToolCall,
			"unknown or expired tool call id: "+id)
	}
	delete(t.pending, id)
	t.resolved++
	return p, nil
}

// Peek reports whether the id is pending without consuming it. Cancellation
// uses it to decide whether a session must be kept alive.
func (t *Tracker) Peek(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

// HasPendingFor reports whether any pending call points at the conversation.
func (t *Tracker) HasPendingFor(convUUID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.pending {
		if p.ConversationUUID == convUUID {
			return true
		}
	}
	return false
}

// Stats returns tracker counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Pending:       len(t.pending),
		TotalRegister: t.registered,
		TotalResolved: t.resolved,
		TotalExpired:  t.expired,
	}
}

func (t *Tracker) sweep() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweepOnce(time.Now())
		case <-t.done:
			return
		}
	}
}

func (t *Tracker) sweepOnce(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, p := range t.pending {
		if now.Sub(p.CreatedAt) < t.cfg.Expiry {
			continue
		}
		delete(t.pending, id)
		t.expired++
		log.Debug().Str("tool_call", id).Str("conversation", p.ConversationUUID).
			Msg("pending tool call expired")
	}
}

// Close stops the sweeper.
func (t *Tracker) Close() {
	t.stopOnce.Do(func() { close(t.done) })
	t.wg.Wait()
}
