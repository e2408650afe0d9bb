package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"claudepool/internal/claude"
	"claudepool/internal/concurrency"
	"claudepool/internal/config"
	"claudepool/internal/store"
)

type fakeWeb struct {
	mu      sync.Mutex
	created int
	deleted []string
	nextID  int
}

func (f *fakeWeb) CreateConversation(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.nextID++
	return "conv-" + string(rune('a'+f.nextID-1)), nil
}

func (f *fakeWeb) DeleteConversation(_ context.Context, _, _, convUUID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, convUUID)
	return nil
}

func (f *fakeWeb) deletedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func testAccount() *store.Account {
	return &store.Account{
		OrganizationUUID: "org-1",
		CookieValue:      "sk-cookie",
	}
}

func testManager(t *testing.T, maxPerAccount int, preserve bool) (*Manager, *fakeWeb) {
	t.Helper()
	web := &fakeWeb{}
	settings := config.NewSettings(&config.Config{
		Session: config.SessionConfig{PreserveChats: preserve},
	})
	m := NewManager(web, concurrency.NewSlots(maxPerAccount), settings, config.SessionConfig{
		IdleTimeout:   time.Minute,
		SweepInterval: time.Hour, // sweeps driven manually in tests
		PreserveChats: preserve,
	})
	t.Cleanup(m.Close)
	return m, web
}

func TestAcquireCreatesAndReusesConversation(t *testing.T) {
	m, web := testManager(t, 2, false)
	acct := testAccount()

	h1, err := m.Acquire(context.Background(), acct, "key-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !h1.Fresh {
		t.Error("first acquire should report a fresh conversation")
	}
	m.Release(h1, true)

	h2, err := m.Acquire(context.Background(), acct, "key-a")
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if h2.ConversationUUID != h1.ConversationUUID {
		t.Errorf("reacquire got %q, want reuse of %q", h2.ConversationUUID, h1.ConversationUUID)
	}
	if h2.Fresh {
		t.Error("reused conversation must not be fresh")
	}
	if web.created != 1 {
		t.Errorf("upstream creates = %d, want 1", web.created)
	}
}

func TestAcquireActiveConversationIsBusy(t *testing.T) {
	m, _ := testManager(t, 2, false)
	acct := testAccount()

	if _, err := m.Acquire(context.Background(), acct, "key-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := m.Acquire(context.Background(), acct, "key-a")
	if claude.KindOf(err) != claude.KindSessionBusy {
		t.Errorf("second acquire kind = %v, want session_busy", claude.KindOf(err))
	}
}

func TestAcquireFailsFastAtCap(t *testing.T) {
	m, _ := testManager(t, 1, false)
	acct := testAccount()

	if _, err := m.Acquire(context.Background(), acct, "key-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	_, err := m.Acquire(context.Background(), acct, "key-b")
	if claude.KindOf(err) != claude.KindSessionExhausted {
		t.Errorf("over-cap acquire kind = %v, want session_exhausted", claude.KindOf(err))
	}
	if !m.Full(acct.OrganizationUUID) {
		t.Error("Full() = false at cap")
	}
}

func TestReleaseDiscardDeletesUpstream(t *testing.T) {
	m, web := testManager(t, 2, false)
	acct := testAccount()

	h, err := m.Acquire(context.Background(), acct, "key-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release(h, false)

	waitFor(t, func() bool { return web.deletedCount() == 1 })
	if m.Live() != 0 {
		t.Errorf("Live() = %d after discard, want 0", m.Live())
	}
	if m.Full(acct.OrganizationUUID) {
		t.Error("slot not returned after discard")
	}
}

func TestSweepReapsIdleConversations(t *testing.T) {
	m, web := testManager(t, 2, false)
	acct := testAccount()

	h, err := m.Acquire(context.Background(), acct, "key-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release(h, true)

	// Not idle long enough: stays.
	m.sweepOnce(time.Now())
	if m.Live() != 1 {
		t.Fatalf("Live() = %d after early sweep, want 1", m.Live())
	}

	// Past the idle timeout: reaped and deleted upstream.
	m.sweepOnce(time.Now().Add(2 * time.Minute))
	if m.Live() != 0 {
		t.Errorf("Live() = %d after sweep, want 0", m.Live())
	}
	waitFor(t, func() bool { return web.deletedCount() == 1 })
}

func TestSweepSkipsActiveConversations(t *testing.T) {
	m, _ := testManager(t, 2, false)
	acct := testAccount()

	if _, err := m.Acquire(context.Background(), acct, "key-a"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.sweepOnce(time.Now().Add(time.Hour))
	if m.Live() != 1 {
		t.Errorf("active conversation reaped, Live() = %d", m.Live())
	}
}

func TestSweepPreservesChatsWhenConfigured(t *testing.T) {
	m, web := testManager(t, 2, true)
	acct := testAccount()

	h, err := m.Acquire(context.Background(), acct, "key-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release(h, true)
	m.sweepOnce(time.Now().Add(2 * time.Minute))

	if m.Live() != 0 {
		t.Errorf("Live() = %d after sweep, want 0", m.Live())
	}
	// Local entry reaped, upstream conversation kept.
	time.Sleep(20 * time.Millisecond)
	if n := web.deletedCount(); n != 0 {
		t.Errorf("upstream deletes = %d with preserve_chats, want 0", n)
	}
	if m.Full(acct.OrganizationUUID) {
		t.Error("slot not returned after preserved reap")
	}
}

func TestAcquirePinnedReclaimsParkedConversation(t *testing.T) {
	m, _ := testManager(t, 2, false)
	acct := testAccount()

	h, err := m.Acquire(context.Background(), acct, "key-a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	m.Release(h, true)

	pinned, err := m.AcquirePinned(acct, h.ConversationUUID)
	if err != nil {
		t.Fatalf("acquire pinned: %v", err)
	}
	if pinned.ConversationUUID != h.ConversationUUID {
		t.Errorf("pinned conversation = %q, want %q", pinned.ConversationUUID, h.ConversationUUID)
	}

	_, err = m.AcquirePinned(acct, h.ConversationUUID)
	if claude.KindOf(err) != claude.KindSessionBusy {
		t.Errorf("double pin kind = %v, want session_busy", claude.KindOf(err))
	}
}

func TestAcquirePinnedReregistersLostConversation(t *testing.T) {
	m, web := testManager(t, 2, false)
	acct := testAccount()

	h, err := m.AcquirePinned(acct, "conv-restored")
	if err != nil {
		t.Fatalf("acquire pinned: %v", err)
	}
	if h.ConversationUUID != "conv-restored" {
		t.Errorf("conversation = %q", h.ConversationUUID)
	}
	if web.created != 0 {
		t.Errorf("upstream creates = %d, want 0 for pinned re-register", web.created)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
