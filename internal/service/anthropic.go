package service

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"claudepool/internal/claude"
	"claudepool/internal/httpclient"
	"claudepool/internal/store"
)

// Official API wire constants.
const (
	apiBaseURL = "https://api.anthropic.com"
	apiVersion = "2023-06-01"
	betaOAuth  = "oauth-2025-04-20"
	profileURL = apiBaseURL + "/api/oauth/profile"
)

// IdentityPrompt is the fixed first system block OAuth inference expects;
// requests without it are rejected upstream.
const IdentityPrompt = "You are Claude Code, Anthropic's official CLI for Claude."

// Anthropic is the official-API transport. It submits a Messages call under
// OAuth bearer auth and hands back the raw event stream; non-2xx statuses
// are mapped onto the error taxonomy, with quota observations recorded as
// per-model cooldowns on the account.
type Anthropic struct {
	http  *httpclient.Client
	oauth *OAuth
	store *store.Store
}

func NewAnthropic(hc *httpclient.Client, oauth *OAuth, st *store.Store) *Anthropic {
	return &Anthropic{http: hc, oauth: oauth, store: st}
}

// Dispatch is one prepared upstream call.
type Dispatch struct {
	AccountID string
	Model     string
	Body      []byte
	Beta      string // client-requested beta features, merged with the oauth flag
}

// Stream posts the prepared request body and returns the SSE body on
// success. When upstream rejects the token and the account carries a session
// cookie, one re-authentication is attempted before giving up.
func (a *Anthropic) Stream(ctx context.Context, d Dispatch) (io.ReadCloser, error) {
	rc, err := a.attempt(ctx, d)
	if err == nil {
		return rc, nil
	}
	if claude.KindOf(err) == claude.KindOAuthRefresh && reauthable(err) && a.canReauth(d.AccountID) {
		log.Info().Str("account", d.AccountID).Msg("token rejected, re-authenticating from cookie")
		if _, exErr := a.oauth.ExchangeFromCookie(ctx, d.AccountID); exErr == nil {
			return a.attempt(ctx, d)
		}
	}
	return nil, err
}

func (a *Anthropic) attempt(ctx context.Context, d Dispatch) (io.ReadCloser, error) {
	token, err := a.oauth.Token(ctx, d.AccountID)
	if err != nil {
		return nil, err
	}

	resp, err := a.http.Plain().R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token).
		SetHeader("anthropic-version", apiVersion).
		SetHeader("anthropic-beta", mergeBeta(d.Beta)).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "text/event-stream").
		SetBodyBytes(d.Body).
		Post(apiBaseURL + "/v1/messages")
	if err != nil {
		return nil, httpclient.ClassifyErr(err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	defer resp.Body.Close()
	errBody, _ := io.ReadAll(resp.Body)
	return nil, a.mapStatus(resp, d.AccountID, d.Model, errBody)
}

// mergeBeta joins the mandatory oauth flag with client-requested features,
// deduplicated.
func mergeBeta(extra string) string {
	if extra == "" {
		return betaOAuth
	}
	features := []string{betaOAuth}
	for _, f := range strings.Split(extra, ",") {
		f = strings.TrimSpace(f)
		if f != "" && f != betaOAuth {
			features = append(features, f)
		}
	}
	return strings.Join(features, ",")
}

// reauthable reports whether a cookie exchange can plausibly fix the
// failure. Organizations barred from OAuth stay barred however fresh the
// token.
func reauthable(err error) bool {
	return !strings.Contains(err.Error(), "not allowed for this organization")
}

func (a *Anthropic) canReauth(accountID string) bool {
	acct := a.store.Get(accountID)
	return acct != nil && acct.CookieValue != "" && a.http.WebEnabled()
}

func (a *Anthropic) mapStatus(resp *req.Response, accountID, model string, body []byte) error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = snippet(body)
	}

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		now := time.Now()
		until := cooldownUntil(resp.Header, now)
		if err := a.store.MarkCooldown(accountID, model, until); err != nil {
			log.Error().Err(err).Str("account", accountID).Msg("record cooldown failed")
		}
		log.Warn().Str("account", accountID).Str("model", model).Time("until", until).
			Msg("upstream rate limited")
		e := claude.NewError(claude.KindUpstreamQuota, "upstream rate limited: "+msg)
		e.RetryAfter = int(math.Ceil(until.Sub(now).Seconds()))
		return e

	case http.StatusUnauthorized, http.StatusForbidden:
		a.oauth.Invalidate(accountID)
		return claude.NewError(claude.KindOAuthRefresh,
			fmt.Sprintf("upstream rejected token: %d %s", resp.StatusCode, msg))

	case http.StatusBadRequest:
		if strings.Contains(msg, "Invalid model name") {
			return claude.NewError(claude.KindRequestInvalid, msg)
		}
		return claude.NewError(claude.KindUpstreamFatal, "upstream rejected request: "+msg)
	}

	if resp.StatusCode >= 500 {
		return claude.NewError(claude.KindUpstreamTransient,
			fmt.Sprintf("upstream error %d: %s", resp.StatusCode, msg))
	}
	return claude.NewError(claude.KindUpstreamFatal,
		fmt.Sprintf("upstream error %d: %s", resp.StatusCode, msg))
}

// cooldownUntil derives the cooldown instant from a 429: the unified reset
// header when present, then retry-after, then the top of the next hour.
func cooldownUntil(h http.Header, now time.Time) time.Time {
	if v := h.Get("anthropic-ratelimit-unified-reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
			if t := time.Unix(sec, 0); t.After(now) {
				return t
			}
		}
	}
	if v := h.Get("retry-after"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			return now.Add(time.Duration(sec) * time.Second)
		}
	}
	return now.Truncate(time.Hour).Add(time.Hour)
}

// Probe verifies the account's token against the profile endpoint without
// spending inference quota.
func (a *Anthropic) Probe(ctx context.Context, accountID string) error {
	ctx, cancel := a.http.NonStreamContext(ctx)
	defer cancel()

	token, err := a.oauth.Token(ctx, accountID)
	if err != nil {
		return err
	}
	resp, err := a.http.Plain().R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+token).
		SetHeader("anthropic-beta", betaOAuth).
		Get(profileURL)
	if err != nil {
		return httpclient.ClassifyErr(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return claude.NewError(claude.KindUnauthorized,
			fmt.Sprintf("profile probe rejected: %d", resp.StatusCode))
	default:
		return claude.NewError(claude.KindUpstreamTransient,
			fmt.Sprintf("profile probe status %d", resp.StatusCode))
	}
}
