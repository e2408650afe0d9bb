package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"claudepool/internal/claude"
	"claudepool/internal/config"
	"claudepool/internal/httpclient"
	"claudepool/internal/store"
)

// refreshTimeout bounds one refresh grant regardless of how long the callers
// queued on it are willing to wait.
const refreshTimeout = 30 * time.Second

// OAuth drives the provider token lifecycle: code exchange, cookie
// bootstrap, and refresh. Refreshes for the same account are deduplicated so
// a burst of requests observing expiry at once produces one network call.
type OAuth struct {
	cfg   config.OAuthConfig
	http  *httpclient.Client
	store *store.Store
	group singleflight.Group
}

func NewOAuth(cfg config.OAuthConfig, hc *httpclient.Client, st *store.Store) *OAuth {
	return &OAuth{cfg: cfg, http: hc, store: st}
}

// AuthorizeURL builds the login URL for the manual flow, returning it with
// the PKCE verifier the caller must present alongside the pasted code.
func (o *OAuth) AuthorizeURL() (string, string) {
	verifier := codeVerifier()
	q := url.Values{}
	q.Set("code", "true")
	q.Set("response_type", "code")
	q.Set("client_id", o.cfg.ClientID)
	q.Set("redirect_uri", o.cfg.RedirectURI)
	q.Set("scope", o.cfg.Scopes)
	q.Set("code_challenge", codeChallenge(verifier))
	q.Set("code_challenge_method", "S256")
	q.Set("state", verifier)
	return o.cfg.AuthorizeURL + "?" + q.Encode(), verifier
}

// ExchangeFromCode posts an authorization code to the token endpoint and
// attaches the resulting bundle to the account, creating it when the
// organization is new. The pasted code may carry a "#state" suffix from the
// callback page.
func (o *OAuth) ExchangeFromCode(ctx context.Context, orgUUID, rawCode, verifier string, capabilities []string) (*store.Account, error) {
	code, state := splitCode(rawCode)
	if code == "" {
		return nil, claude.NewError(claude.KindOAuthExchange, "empty authorization code")
	}

	payload := map[string]any{
		"grant_type":   "authorization_code",
		"code":         code,
		"client_id":    o.cfg.ClientID,
		"redirect_uri": o.cfg.RedirectURI,
	}
	if verifier != "" {
		payload["code_verifier"] = verifier
	}
	if state != "" {
		payload["state"] = state
	}

	body, err := o.postToken(ctx, payload, claude.KindOAuthExchange)
	if err != nil {
		return nil, err
	}

	bundle := bundleFromToken(body)
	if bundle.AccessToken == "" {
		return nil, claude.NewError(claude.KindOAuthExchange, "token response lacks access_token")
	}
	if orgUUID == "" {
		orgUUID = gjson.GetBytes(body, "organization.uuid").String()
	}
	if orgUUID == "" {
		return nil, claude.NewError(claude.KindOAuthExchange, "token response lacks organization uuid")
	}

	if existing := o.store.Get(orgUUID); existing == nil {
		caps := append([]string(nil), capabilities...)
		if len(caps) == 0 {
			// A successful exchange proves at least basic access.
			caps = []string{store.CapChat}
		}
		acct := &store.Account{
			OrganizationUUID: orgUUID,
			OAuth:            bundle,
			Capabilities:     caps,
		}
		if err := o.store.Create(acct); err != nil {
			return nil, claude.WrapError(claude.KindOAuthExchange, "create account", err)
		}
	} else {
		err := o.store.Update(orgUUID, func(a *store.Account) error {
			a.OAuth = bundle
			if len(capabilities) > 0 {
				a.Capabilities = mergeCaps(a.Capabilities, capabilities)
			}
			return nil
		})
		if err != nil {
			return nil, claude.WrapError(claude.KindOAuthExchange, "update account", err)
		}
	}

	log.Info().Str("account", orgUUID).Time("expires_at", bundle.ExpiresAt).Msg("oauth exchange completed")
	return o.store.Get(orgUUID), nil
}

// ExchangeFromCookie runs the authorization flow headlessly for an account
// that has a session cookie but no usable token bundle. The browser-shaped
// transport performs the authorize call; the code exchange then follows the
// manual path.
func (o *OAuth) ExchangeFromCookie(ctx context.Context, accountID string) (*store.Account, error) {
	acct := o.store.Get(accountID)
	if acct == nil {
		return nil, claude.NewError(claude.KindOAuthExchange, "account not found")
	}
	if acct.CookieValue == "" {
		return nil, claude.NewError(claude.KindOAuthExchange, "account has no session cookie")
	}
	if !o.http.WebEnabled() {
		return nil, claude.NewError(claude.KindOAuthExchange, "web transport disabled")
	}

	verifier := codeVerifier()
	payload := map[string]any{
		"response_type":         "code",
		"client_id":             o.cfg.ClientID,
		"organization_uuid":     acct.OrganizationUUID,
		"redirect_uri":          o.cfg.RedirectURI,
		"scope":                 o.cfg.Scopes,
		"state":                 verifier,
		"code_challenge":        codeChallenge(verifier),
		"code_challenge_method": "S256",
	}

	actx, cancel := o.http.NonStreamContext(ctx)
	defer cancel()

	resp, err := o.http.Fingerprinted().R().
		SetContext(actx).
		SetHeaders(httpclient.WebHeaders(acct.CookieValue)).
		SetBody(payload).
		Post(fmt.Sprintf("%s/v1/oauth/%s/authorize", webBaseURL, acct.OrganizationUUID))
	if err != nil {
		return nil, claude.WrapError(claude.KindOAuthExchange, "authorize call failed", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, claude.WrapError(claude.KindOAuthExchange, "read authorize response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, claude.NewError(claude.KindOAuthExchange,
			fmt.Sprintf("authorize returned %d: %s", resp.StatusCode, snippet(body)))
	}

	code := gjson.GetBytes(body, "code").String()
	if code == "" {
		// Some deployments answer with the callback URL instead of a bare code.
		if redirect := gjson.GetBytes(body, "redirect_uri").String(); redirect != "" {
			if u, perr := url.Parse(redirect); perr == nil {
				code = u.Query().Get("code")
				if st := u.Query().Get("state"); st != "" && code != "" {
					code += "#" + st
				}
			}
		}
	}
	if code == "" {
		return nil, claude.NewError(claude.KindOAuthExchange, "authorize response lacks code")
	}

	return o.ExchangeFromCode(ctx, acct.OrganizationUUID, code, verifier, acct.Capabilities)
}

// Refresh replaces an expired bundle via the refresh grant. Concurrent calls
// for the same account collapse onto one flight; late arrivals receive the
// same result. A failed refresh marks the bundle invalid so the selector
// demotes the account to the web transport.
func (o *OAuth) Refresh(ctx context.Context, accountID string) (*store.OAuthBundle, error) {
	v, err, _ := o.group.Do(accountID, func() (any, error) {
		acct := o.store.Get(accountID)
		if acct == nil {
			return nil, claude.NewError(claude.KindOAuthRefresh, "account not found")
		}
		bundle := acct.OAuth
		if bundle == nil {
			return nil, claude.NewError(claude.KindOAuthRefresh, "account has no token bundle")
		}
		if !bundle.Expired(time.Now()) {
			return bundle, nil
		}
		if !bundle.Refreshable() {
			return nil, claude.NewError(claude.KindOAuthRefresh, "token bundle is not refreshable")
		}

		// Detach from the triggering caller so one cancellation cannot fail
		// everyone queued on this flight.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		body, err := o.postToken(rctx, map[string]any{
			"grant_type":    "refresh_token",
			"refresh_token": bundle.RefreshToken,
			"client_id":     o.cfg.ClientID,
		}, claude.KindOAuthRefresh)
		if err != nil {
			if markErr := o.store.MarkOAuthInvalid(accountID); markErr != nil {
				log.Error().Err(markErr).Str("account", accountID).Msg("mark oauth invalid failed")
			}
			log.Warn().Err(err).Str("account", accountID).Msg("token refresh failed, account demoted to web")
			return nil, err
		}

		fresh := bundleFromToken(body)
		if fresh.AccessToken == "" {
			if markErr := o.store.MarkOAuthInvalid(accountID); markErr != nil {
				log.Error().Err(markErr).Str("account", accountID).Msg("mark oauth invalid failed")
			}
			return nil, claude.NewError(claude.KindOAuthRefresh, "refresh response lacks access_token")
		}
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = bundle.RefreshToken
		}
		if err := o.store.SetOAuth(accountID, fresh); err != nil {
			return nil, claude.WrapError(claude.KindOAuthRefresh, "store refreshed bundle", err)
		}

		log.Info().Str("account", accountID).Time("expires_at", fresh.ExpiresAt).Msg("token refreshed")
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.OAuthBundle), nil
}

// Token returns a live access token for the account, refreshing lazily when
// the bundle is within the expiry skew.
func (o *OAuth) Token(ctx context.Context, accountID string) (string, error) {
	acct := o.store.Get(accountID)
	if acct == nil || acct.OAuth == nil {
		return "", claude.NewError(claude.KindOAuthRefresh, "account has no token bundle")
	}
	if acct.OAuth.Invalid {
		return "", claude.NewError(claude.KindOAuthRefresh, "token bundle marked invalid")
	}
	if !acct.OAuth.Expired(time.Now()) {
		return acct.OAuth.AccessToken, nil
	}
	bundle, err := o.Refresh(ctx, accountID)
	if err != nil {
		return "", err
	}
	return bundle.AccessToken, nil
}

// Invalidate flags the account's bundle after upstream rejected its token.
func (o *OAuth) Invalidate(accountID string) {
	if err := o.store.MarkOAuthInvalid(accountID); err != nil {
		log.Error().Err(err).Str("account", accountID).Msg("mark oauth invalid failed")
	}
}

func (o *OAuth) postToken(ctx context.Context, payload map[string]any, kind claude.Kind) ([]byte, error) {
	ctx, cancel := o.http.NonStreamContext(ctx)
	defer cancel()

	resp, err := o.http.Plain().R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetBody(payload).
		Post(o.cfg.TokenURL)
	if err != nil {
		return nil, claude.WrapError(kind, "token endpoint unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, claude.WrapError(kind, "read token response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, claude.NewError(kind,
			fmt.Sprintf("token endpoint returned %d: %s", resp.StatusCode, snippet(body)))
	}
	return body, nil
}

// bundleFromToken builds a bundle from a token endpoint response, falling
// back to the token's own claims for whatever the response leaves out.
func bundleFromToken(body []byte) *store.OAuthBundle {
	b := &store.OAuthBundle{
		AccessToken:  gjson.GetBytes(body, "access_token").String(),
		RefreshToken: gjson.GetBytes(body, "refresh_token").String(),
	}
	if sec := gjson.GetBytes(body, "expires_in").Int(); sec > 0 {
		b.ExpiresAt = time.Now().Add(time.Duration(sec) * time.Second).UTC()
	}
	if scope := gjson.GetBytes(body, "scope").String(); scope != "" {
		b.Scopes = strings.Fields(scope)
	}
	FillFromClaims(b)
	return b
}

// FillFromClaims recovers expiry and scopes from the access token itself
// when a bundle lacks them, as imported bundles often do. The token is
// decoded without signature verification; it is only ever presented back to
// the issuer.
func FillFromClaims(b *store.OAuthBundle) {
	if b == nil || b.AccessToken == "" {
		return
	}
	if !b.ExpiresAt.IsZero() && len(b.Scopes) > 0 {
		return
	}
	tok, _, err := jwt.NewParser().ParseUnverified(b.AccessToken, jwt.MapClaims{})
	if err != nil {
		return
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return
	}
	if b.ExpiresAt.IsZero() {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			b.ExpiresAt = exp.Time.UTC()
		}
	}
	if len(b.Scopes) == 0 {
		if scope, ok := claims["scope"].(string); ok && scope != "" {
			b.Scopes = strings.Fields(scope)
		}
	}
}

// splitCode separates a pasted "code#state" pair.
func splitCode(raw string) (code, state string) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i], raw[i+1:]
	}
	return raw, ""
}

func mergeCaps(have, add []string) []string {
	seen := make(map[string]bool, len(have)+len(add))
	out := append([]string(nil), have...)
	for _, c := range have {
		seen[c] = true
	}
	for _, c := range add {
		if !seen[c] {
			out = append(out, c)
			seen[c] = true
		}
	}
	return out
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 300 {
		s = s[:300] + "…"
	}
	return s
}

// PKCE helpers

func codeVerifier() string {
	b := make([]byte, 32)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

func codeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
