package scheduler

import (
	"path/filepath"
	"testing"
	"time"

	"claudepool/internal/circuit"
	"claudepool/internal/claude"
	"claudepool/internal/store"
)

type fakeCapacity struct{ full map[string]bool }

func (f *fakeCapacity) Full(accountID string) bool { return f.full[accountID] }

func testStore(t *testing.T, accounts ...*store.Account) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "accounts.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	for _, a := range accounts {
		if err := st.Create(a); err != nil {
			t.Fatalf("create %s: %v", a.OrganizationUUID, err)
		}
	}
	return st
}

func testSelector(t *testing.T, st *store.Store, capacity Capacity) *Selector {
	t.Helper()
	s := New(st, nil, capacity, true, time.Hour)
	t.Cleanup(s.Close)
	return s
}

func oauthAccount(id string, caps ...string) *store.Account {
	return &store.Account{
		OrganizationUUID: id,
		Capabilities:     caps,
		PreferredAuth:    store.AuthAuto,
		OAuth: &store.OAuthBundle{
			AccessToken:  "tok-" + id,
			RefreshToken: "ref-" + id,
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
}

func webAccount(id string, caps ...string) *store.Account {
	return &store.Account{
		OrganizationUUID: id,
		Capabilities:     caps,
		PreferredAuth:    store.AuthAuto,
		CookieValue:      "sk-" + id,
	}
}

func TestSelectPrefersOAuthOverWeb(t *testing.T) {
	st := testStore(t,
		webAccount("org-web", store.CapMax),
		oauthAccount("org-oauth", store.CapMax),
	)
	s := testSelector(t, st, nil)

	sel, err := s.Select("claude-3-opus-20240229", "", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Account.OrganizationUUID != "org-oauth" || sel.Transport != TransportOAuth {
		t.Errorf("picked (%s, %s), want (org-oauth, oauth)", sel.Account.OrganizationUUID, sel.Transport)
	}
}

func TestSelectTierAdmission(t *testing.T) {
	tests := []struct {
		name    string
		model   string
		caps    []string
		wantErr bool
	}{
		{"opus needs max", "claude-3-opus-20240229", []string{store.CapPro}, true},
		{"opus on max", "claude-3-opus-20240229", []string{store.CapMax}, false},
		{"sonnet on pro", "claude-3-5-sonnet-20241022", []string{store.CapPro}, false},
		{"sonnet on max", "claude-3-5-sonnet-20241022", []string{store.CapMax}, false},
		{"haiku on chat only", "claude-3-haiku-20240307", []string{store.CapChat}, true},
		{"basic on chat", "claude-instant-1.2", []string{store.CapChat}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := testStore(t, oauthAccount("org-1", tt.caps...))
			s := testSelector(t, st, nil)

			_, err := s.Select(tt.model, "", nil)
			if tt.wantErr {
				if claude.KindOf(err) != claude.KindNoAccountAvailable {
					t.Errorf("kind = %v, want no_account_available", claude.KindOf(err))
				}
				return
			}
			if err != nil {
				t.Errorf("select: %v", err)
			}
		})
	}
}

func TestSelectWebServesAnyTier(t *testing.T) {
	// A cookie-only account has no capability gate: the web interface serves
	// whatever models the underlying plan offers.
	st := testStore(t, webAccount("org-web"))
	s := testSelector(t, st, nil)

	sel, err := s.Select("claude-3-opus-20240229", "", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Transport != TransportWeb {
		t.Errorf("transport = %s, want web", sel.Transport)
	}
}

func TestSelectSkipsCooldown(t *testing.T) {
	st := testStore(t,
		oauthAccount("org-cool", store.CapMax),
		oauthAccount("org-free", store.CapMax),
	)
	const model = "claude-3-opus-20240229"
	if err := st.MarkCooldown("org-cool", model, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("mark cooldown: %v", err)
	}
	s := testSelector(t, st, nil)

	for i := 0; i < 3; i++ {
		sel, err := s.Select(model, "", nil)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if sel.Account.OrganizationUUID != "org-free" {
			t.Fatalf("picked cooled-down account on iteration %d", i)
		}
	}

	// The cooldown is per (account, model): another model still qualifies.
	sel, err := s.Select("claude-3-5-sonnet-20241022", "", []string{"org-free"})
	if err != nil {
		t.Fatalf("select other model: %v", err)
	}
	if sel.Account.OrganizationUUID != "org-cool" {
		t.Errorf("picked %s for uncooled model, want org-cool", sel.Account.OrganizationUUID)
	}
}

func TestSelectHonorsExcludeList(t *testing.T) {
	st := testStore(t,
		oauthAccount("org-a", store.CapMax),
		oauthAccount("org-b", store.CapMax),
	)
	s := testSelector(t, st, nil)

	sel, err := s.Select("claude-3-opus-20240229", "", []string{"org-a"})
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Account.OrganizationUUID != "org-b" {
		t.Errorf("picked excluded account")
	}

	_, err = s.Select("claude-3-opus-20240229", "", []string{"org-a", "org-b"})
	if claude.KindOf(err) != claude.KindNoAccountAvailable {
		t.Errorf("kind = %v, want no_account_available", claude.KindOf(err))
	}
}

func TestSelectHonorsPreferredTransport(t *testing.T) {
	acct := oauthAccount("org-1", store.CapMax)
	acct.CookieValue = "sk-cookie"
	acct.PreferredAuth = store.AuthWeb
	st := testStore(t, acct)
	s := testSelector(t, st, nil)

	sel, err := s.Select("claude-3-opus-20240229", "", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Transport != TransportWeb {
		t.Errorf("transport = %s, want web for preferred_auth=web", sel.Transport)
	}
}

func TestSelectAutoFallsBackToWebWithoutTokens(t *testing.T) {
	acct := webAccount("org-1", store.CapMax)
	acct.OAuth = &store.OAuthBundle{Invalid: true}
	st := testStore(t, acct)
	s := testSelector(t, st, nil)

	sel, err := s.Select("claude-3-5-sonnet-20241022", "", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Transport != TransportWeb {
		t.Errorf("transport = %s, want web fallback for invalid bundle", sel.Transport)
	}
}

func TestSelectLeastUsagePick(t *testing.T) {
	st := testStore(t,
		oauthAccount("org-a", store.CapMax),
		oauthAccount("org-b", store.CapMax),
	)
	s := testSelector(t, st, nil)

	// Load org-a; the next pick must go to org-b.
	st.IncrementUsage("org-a")
	st.IncrementUsage("org-a")

	sel, err := s.Select("claude-3-opus-20240229", "", nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if sel.Account.OrganizationUUID != "org-b" {
		t.Errorf("picked %s, want least-used org-b", sel.Account.OrganizationUUID)
	}
}

func TestSelectAffinityStickiness(t *testing.T) {
	st := testStore(t,
		oauthAccount("org-a", store.CapMax),
		oauthAccount("org-b", store.CapMax),
	)
	s := testSelector(t, st, nil)
	const fp = "fp-1234"

	first, err := s.Select("claude-3-opus-20240229", fp, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	// Pile usage onto the bound account: affinity still wins over load.
	st.IncrementUsage(first.Account.OrganizationUUID)
	st.IncrementUsage(first.Account.OrganizationUUID)

	second, err := s.Select("claude-3-opus-20240229", fp, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if second.Account.OrganizationUUID != first.Account.OrganizationUUID {
		t.Errorf("affinity broke: %s then %s", first.Account.OrganizationUUID, second.Account.OrganizationUUID)
	}
	if !second.FromAffinity {
		t.Error("second selection should report affinity")
	}
	if st := s.Stats(); st.AffinityHits != 1 {
		t.Errorf("affinity hits = %d, want 1", st.AffinityHits)
	}
}

func TestSelectAffinitySkippedWhenSaturated(t *testing.T) {
	capacity := &fakeCapacity{full: map[string]bool{}}
	st := testStore(t,
		webAccount("org-a"),
		webAccount("org-b"),
	)
	s := testSelector(t, st, capacity)
	const fp = "fp-5678"

	first, err := s.Select("claude-3-5-sonnet-20241022", fp, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}

	capacity.full[first.Account.OrganizationUUID] = true
	st.IncrementUsage(first.Account.OrganizationUUID)

	second, err := s.Select("claude-3-5-sonnet-20241022", fp, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if second.Account.OrganizationUUID == first.Account.OrganizationUUID {
		t.Error("saturated affinity account should lose its preference")
	}
	if second.FromAffinity {
		t.Error("load-based fallback must not report affinity")
	}
}

func TestSelectSkipsOpenBreaker(t *testing.T) {
	st := testStore(t,
		oauthAccount("org-a", store.CapMax),
		oauthAccount("org-b", store.CapMax),
	)
	breakers := circuit.NewManager(circuit.Config{
		Enabled:          true,
		FailureThreshold: 1,
		SuccessThreshold: 1,
		OpenTimeout:      time.Hour,
	})
	s := New(st, breakers, nil, true, time.Hour)
	t.Cleanup(s.Close)

	breakers.RecordFailure("org-a")

	for i := 0; i < 3; i++ {
		sel, err := s.Select("claude-3-opus-20240229", "", nil)
		if err != nil {
			t.Fatalf("select: %v", err)
		}
		if sel.Account.OrganizationUUID != "org-b" {
			t.Fatal("picked account with open breaker")
		}
	}
}

func TestSelectWebDisabled(t *testing.T) {
	st := testStore(t, webAccount("org-web"))
	s := New(st, nil, nil, false, time.Hour)
	t.Cleanup(s.Close)

	_, err := s.Select("claude-3-5-sonnet-20241022", "", nil)
	if claude.KindOf(err) != claude.KindNoAccountAvailable {
		t.Errorf("kind = %v, want no_account_available with web disabled", claude.KindOf(err))
	}
}
