package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"claudepool/internal/config"
	"claudepool/internal/httpclient"
	"claudepool/internal/store"
)

func testHTTPClient() *httpclient.Client {
	return httpclient.New(config.HTTPConfig{
		TimeoutOverall: 5 * time.Second,
		TimeoutConnect: 2 * time.Second,
		TimeoutRead:    2 * time.Second,
		Impersonate:    false,
	})
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "accounts.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSplitCode(t *testing.T) {
	tests := []struct {
		raw, code, state string
	}{
		{"abc123", "abc123", ""},
		{"abc123#st-9", "abc123", "st-9"},
		{"  abc#s  ", "abc", "s"},
		{"#only-state", "", "only-state"},
		{"", "", ""},
	}
	for _, tt := range tests {
		code, state := splitCode(tt.raw)
		if code != tt.code || state != tt.state {
			t.Errorf("splitCode(%q) = (%q, %q), want (%q, %q)", tt.raw, code, state, tt.code, tt.state)
		}
	}
}

func TestPKCEShapes(t *testing.T) {
	v := codeVerifier()
	if len(v) != 43 {
		t.Errorf("verifier length = %d, want 43", len(v))
	}
	if v2 := codeVerifier(); v2 == v {
		t.Error("two verifiers should not collide")
	}

	c := codeChallenge("test-verifier")
	if len(c) != 43 {
		t.Errorf("challenge length = %d, want 43", len(c))
	}
	if codeChallenge("test-verifier") != c {
		t.Error("challenge must be deterministic for the same verifier")
	}
	if codeChallenge(v) == codeChallenge("other") {
		t.Error("distinct verifiers must yield distinct challenges")
	}
}

func makeJWT(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestFillFromClaims(t *testing.T) {
	exp := time.Now().Add(2 * time.Hour).Truncate(time.Second)

	t.Run("recovers expiry and scopes", func(t *testing.T) {
		b := &store.OAuthBundle{
			AccessToken: makeJWT(t, map[string]any{
				"exp":   exp.Unix(),
				"scope": "user:profile user:inference",
			}),
		}
		FillFromClaims(b)
		if !b.ExpiresAt.Equal(exp) {
			t.Errorf("ExpiresAt = %v, want %v", b.ExpiresAt, exp)
		}
		if len(b.Scopes) != 2 || b.Scopes[1] != "user:inference" {
			t.Errorf("Scopes = %v", b.Scopes)
		}
	})

	t.Run("does not overwrite known fields", func(t *testing.T) {
		known := time.Now().Add(time.Minute).UTC()
		b := &store.OAuthBundle{
			AccessToken: makeJWT(t, map[string]any{"exp": exp.Unix()}),
			ExpiresAt:   known,
			Scopes:      []string{"user:profile"},
		}
		FillFromClaims(b)
		if !b.ExpiresAt.Equal(known) {
			t.Errorf("ExpiresAt changed to %v", b.ExpiresAt)
		}
	})

	t.Run("opaque token is left alone", func(t *testing.T) {
		b := &store.OAuthBundle{AccessToken: "sk-ant-oat01-notajwt"}
		FillFromClaims(b)
		if !b.ExpiresAt.IsZero() || b.Scopes != nil {
			t.Errorf("opaque token mutated bundle: %+v", b)
		}
	})
}

func TestMergeBeta(t *testing.T) {
	tests := []struct {
		extra, want string
	}{
		{"", "oauth-2025-04-20"},
		{"feature-a", "oauth-2025-04-20,feature-a"},
		{"oauth-2025-04-20, feature-a", "oauth-2025-04-20,feature-a"},
		{" a , b ", "oauth-2025-04-20,a,b"},
	}
	for _, tt := range tests {
		if got := mergeBeta(tt.extra); got != tt.want {
			t.Errorf("mergeBeta(%q) = %q, want %q", tt.extra, got, tt.want)
		}
	}
}

func TestMergeCaps(t *testing.T) {
	got := mergeCaps([]string{"chat", "claude_pro"}, []string{"claude_pro", "claude_max"})
	want := []string{"chat", "claude_pro", "claude_max"}
	if len(got) != len(want) {
		t.Fatalf("mergeCaps = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("mergeCaps = %v, want %v", got, want)
		}
	}
}

func TestCooldownUntil(t *testing.T) {
	now := time.Date(2026, 3, 14, 10, 20, 0, 0, time.UTC)

	t.Run("unified reset header wins", func(t *testing.T) {
		h := http.Header{}
		reset := now.Add(90 * time.Second)
		h.Set("anthropic-ratelimit-unified-reset", fmt.Sprintf("%d", reset.Unix()))
		h.Set("retry-after", "10")
		if got := cooldownUntil(h, now); !got.Equal(reset) {
			t.Errorf("until = %v, want %v", got, reset)
		}
	})

	t.Run("stale reset falls through to retry-after", func(t *testing.T) {
		h := http.Header{}
		h.Set("anthropic-ratelimit-unified-reset", fmt.Sprintf("%d", now.Add(-time.Minute).Unix()))
		h.Set("retry-after", "45")
		want := now.Add(45 * time.Second)
		if got := cooldownUntil(h, now); !got.Equal(want) {
			t.Errorf("until = %v, want %v", got, want)
		}
	})

	t.Run("no hints defaults to next hour", func(t *testing.T) {
		want := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)
		if got := cooldownUntil(http.Header{}, now); !got.Equal(want) {
			t.Errorf("until = %v, want %v", got, want)
		}
	})
}

func TestWebRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	t.Run("resetsAt in error body", func(t *testing.T) {
		body := []byte(fmt.Sprintf(`{"error":{"resetsAt":%d}}`, now.Add(30*time.Second).Unix()))
		if got := webRetryAfter(http.Header{}, body, now); got != 30 {
			t.Errorf("retryAfter = %d, want 30", got)
		}
	})

	t.Run("resetsAt nested in message", func(t *testing.T) {
		inner := fmt.Sprintf(`{\"resetsAt\":%d}`, now.Add(60*time.Second).Unix())
		body := []byte(`{"error":{"message":"` + inner + `"}}`)
		if got := webRetryAfter(http.Header{}, body, now); got != 60 {
			t.Errorf("retryAfter = %d, want 60", got)
		}
	})

	t.Run("retry-after header fallback", func(t *testing.T) {
		h := http.Header{}
		h.Set("retry-after", "15")
		if got := webRetryAfter(h, []byte(`{}`), now); got != 15 {
			t.Errorf("retryAfter = %d, want 15", got)
		}
	})

	t.Run("no hint", func(t *testing.T) {
		if got := webRetryAfter(http.Header{}, []byte(`{}`), now); got != 0 {
			t.Errorf("retryAfter = %d, want 0", got)
		}
	})
}

func TestOrganizationAccountCapabilities(t *testing.T) {
	org := Organization{Capabilities: []string{"chat", "legacy_indexing", "claude_pro", "api"}}
	got := org.AccountCapabilities()
	if len(got) != 2 || got[0] != "chat" || got[1] != "claude_pro" {
		t.Errorf("AccountCapabilities = %v", got)
	}
}

func TestRefreshDeduplicatesConcurrentCallers(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"fresh-token","refresh_token":"fresh-refresh","expires_in":3600}`)
	}))
	defer srv.Close()

	st := testStore(t)
	if err := st.Create(&store.Account{
		OrganizationUUID: "org-1",
		Capabilities:     []string{store.CapPro},
		OAuth: &store.OAuthBundle{
			AccessToken:  "stale-token",
			RefreshToken: "stale-refresh",
			ExpiresAt:    time.Now().Add(-time.Hour),
		},
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	o := NewOAuth(config.OAuthConfig{TokenURL: srv.URL, ClientID: "cid"}, testHTTPClient(), st)

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := o.Refresh(context.Background(), "org-1")
			if err == nil {
				tokens[i] = b.AccessToken
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "fresh-token" {
			t.Fatalf("caller %d got token %q", i, tokens[i])
		}
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("token endpoint hit %d times, want 1", n)
	}

	acct := st.Get("org-1")
	if acct.OAuth.AccessToken != "fresh-token" || acct.OAuth.RefreshToken != "fresh-refresh" {
		t.Errorf("stored bundle not replaced: %+v", acct.OAuth)
	}
}

func TestRefreshFailureMarksBundleInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	st := testStore(t)
	if err := st.Create(&store.Account{
		OrganizationUUID: "org-1",
		CookieValue:      "sk-cookie",
		OAuth: &store.OAuthBundle{
			AccessToken:  "stale",
			RefreshToken: "bad-refresh",
			ExpiresAt:    time.Now().Add(-time.Hour),
		},
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	o := NewOAuth(config.OAuthConfig{TokenURL: srv.URL, ClientID: "cid"}, testHTTPClient(), st)
	if _, err := o.Refresh(context.Background(), "org-1"); err == nil {
		t.Fatal("expected refresh failure")
	}

	acct := st.Get("org-1")
	if acct.OAuth == nil || !acct.OAuth.Invalid {
		t.Error("bundle should be marked invalid after failed refresh")
	}
	if acct.AuthType() != store.AuthWeb {
		t.Errorf("auth type = %q, want web after demotion", acct.AuthType())
	}
}

func TestTokenSkipsRefreshWhenFresh(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("token endpoint must not be hit for a fresh bundle")
	}))
	defer srv.Close()

	st := testStore(t)
	if err := st.Create(&store.Account{
		OrganizationUUID: "org-1",
		OAuth: &store.OAuthBundle{
			AccessToken:  "live-token",
			RefreshToken: "r",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	o := NewOAuth(config.OAuthConfig{TokenURL: srv.URL}, testHTTPClient(), st)
	tok, err := o.Token(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "live-token" {
		t.Errorf("token = %q", tok)
	}
}

func TestExchangeFromCodeCreatesAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode exchange payload: %v", err)
		}
		if payload["grant_type"] != "authorization_code" {
			t.Errorf("grant_type = %v", payload["grant_type"])
		}
		if payload["code"] != "the-code" || payload["state"] != "the-state" {
			t.Errorf("code/state = %v/%v", payload["code"], payload["state"])
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at","refresh_token":"rt","expires_in":600,`+
			`"scope":"user:inference","organization":{"uuid":"org-new"}}`)
	}))
	defer srv.Close()

	st := testStore(t)
	o := NewOAuth(config.OAuthConfig{TokenURL: srv.URL, ClientID: "cid", RedirectURI: "https://cb"}, testHTTPClient(), st)

	acct, err := o.ExchangeFromCode(context.Background(), "", "the-code#the-state", "verif", nil)
	if err != nil {
		t.Fatalf("ExchangeFromCode: %v", err)
	}
	if acct.OrganizationUUID != "org-new" {
		t.Errorf("organization = %q", acct.OrganizationUUID)
	}
	if acct.OAuth == nil || acct.OAuth.AccessToken != "at" {
		t.Errorf("bundle = %+v", acct.OAuth)
	}
	if !acct.HasCapability(store.CapChat) {
		t.Errorf("default capability missing: %v", acct.Capabilities)
	}
	if len(acct.OAuth.Scopes) != 1 || acct.OAuth.Scopes[0] != "user:inference" {
		t.Errorf("scopes = %v", acct.OAuth.Scopes)
	}
}
