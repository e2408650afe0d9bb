package store

import (
	"encoding/json"
	"time"
)

// Capability tags on an account, controlling which model tiers the OAuth
// transport may serve.
const (
	CapChat = "chat"
	CapPro  = "claude_pro"
	CapMax  = "claude_max"
)

// Preferred transport values.
const (
	AuthAuto  = "auto"
	AuthOAuth = "oauth"
	AuthWeb   = "web"
)

// Derived auth-type values.
const (
	AuthTypeNone = "none"
	AuthTypeBoth = "both"
)

// schemaVersion tags persisted accounts for forward-compatible additions.
const schemaVersion = 1

// refreshSkew treats a token as expired slightly early so an in-flight
// request never carries a token that lapses mid-call.
const refreshSkew = 5 * time.Minute

// OAuthBundle is the token set attached to an account.
type OAuthBundle struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes,omitempty"`

	// Invalid marks a bundle whose refresh failed. The selector avoids the
	// OAuth transport for this account until a re-exchange replaces it.
	Invalid bool `json:"invalid,omitempty"`
}

// Expired reports whether the bundle is unusable right now.
func (b *OAuthBundle) Expired(now time.Time) bool {
	if b == nil || b.AccessToken == "" {
		return true
	}
	return !b.ExpiresAt.IsZero() && now.Add(refreshSkew).After(b.ExpiresAt)
}

// Refreshable reports whether a refresh grant could replace the bundle.
func (b *OAuthBundle) Refreshable() bool {
	return b != nil && b.RefreshToken != "" && !b.Invalid
}

// Account is one upstream account of the pool. The persisted shape is the
// accounts.json element; Usage and LastUsed exist only in memory and reset
// on restart. Unknown JSON fields round-trip through Extra untouched.
type Account struct {
	OrganizationUUID string               `json:"organization_uuid"`
	CookieValue      string               `json:"cookie_value,omitempty"`
	OAuth            *OAuthBundle         `json:"oauth,omitempty"`
	Capabilities     []string             `json:"capabilities"`
	PreferredAuth    string               `json:"preferred_auth"`
	Cooldowns        map[string]time.Time `json:"cooldowns,omitempty"`
	Version          int                  `json:"version"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`

	Usage    int64     `json:"-"`
	LastUsed time.Time `json:"-"`

	Extra map[string]json.RawMessage `json:"-"`
}

// accountAlias avoids recursion in the custom (un)marshalers.
type accountAlias Account

// knownAccountFields are stripped from Extra on load so they cannot shadow
// the typed fields on save.
var knownAccountFields = []string{
	"organization_uuid", "cookie_value", "oauth", "capabilities",
	"preferred_auth", "cooldowns", "version", "created_at", "updated_at",
}

func (a *Account) UnmarshalJSON(data []byte) error {
	var alias accountAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, k := range knownAccountFields {
		delete(raw, k)
	}
	*a = Account(alias)
	if len(raw) > 0 {
		a.Extra = raw
	}
	return nil
}

func (a *Account) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal((*accountAlias)(a))
	if err != nil {
		return nil, err
	}
	if len(a.Extra) == 0 {
		return known, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(known, &merged); err != nil {
		return nil, err
	}
	for k, v := range a.Extra {
		if _, taken := merged[k]; !taken {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// HasCapability reports whether the account carries the tag.
func (a *Account) HasCapability(cap string) bool {
	for _, c := range a.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AuthType derives {none, oauth, web, both} from the credentials present.
func (a *Account) AuthType() string {
	hasOAuth := a.OAuth != nil && a.OAuth.AccessToken != "" && !a.OAuth.Invalid
	hasWeb := a.CookieValue != ""
	switch {
	case hasOAuth && hasWeb:
		return AuthTypeBoth
	case hasOAuth:
		return AuthOAuth
	case hasWeb:
		return AuthWeb
	default:
		return AuthTypeNone
	}
}

// OAuthUsable reports whether the OAuth transport can serve this account
// right now or after a refresh.
func (a *Account) OAuthUsable(now time.Time) bool {
	if a.OAuth == nil || a.OAuth.Invalid {
		return false
	}
	return a.OAuth.AccessToken != "" || a.OAuth.RefreshToken != ""
}

// WebUsable reports whether the web transport can serve this account.
func (a *Account) WebUsable() bool { return a.CookieValue != "" }

// InCooldown reports whether (account, model) is cooling down at now.
func (a *Account) InCooldown(model string, now time.Time) bool {
	until, ok := a.Cooldowns[model]
	return ok && until.After(now)
}

// Clone deep-copies the account so readers can hold it outside the store
// lock.
func (a *Account) Clone() *Account {
	dup := *a
	if a.OAuth != nil {
		bundle := *a.OAuth
		bundle.Scopes = append([]string(nil), a.OAuth.Scopes...)
		dup.OAuth = &bundle
	}
	dup.Capabilities = append([]string(nil), a.Capabilities...)
	if a.Cooldowns != nil {
		dup.Cooldowns = make(map[string]time.Time, len(a.Cooldowns))
		for k, v := range a.Cooldowns {
			dup.Cooldowns[k] = v
		}
	}
	if a.Extra != nil {
		dup.Extra = make(map[string]json.RawMessage, len(a.Extra))
		for k, v := range a.Extra {
			dup.Extra[k] = v
		}
	}
	return &dup
}

// Redacted returns a copy safe for the admin list endpoint: token and
// cookie values are reduced to recognizable prefixes.
func (a *Account) Redacted() *Account {
	dup := a.Clone()
	dup.CookieValue = redactSecret(dup.CookieValue)
	if dup.OAuth != nil {
		dup.OAuth.AccessToken = redactSecret(dup.OAuth.AccessToken)
		dup.OAuth.RefreshToken = redactSecret(dup.OAuth.RefreshToken)
	}
	return dup
}

func redactSecret(s string) string {
	if len(s) <= 12 {
		if s == "" {
			return ""
		}
		return "…"
	}
	return s[:12] + "…"
}
