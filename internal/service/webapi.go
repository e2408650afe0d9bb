package service

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"claudepool/internal/claude"
	"claudepool/internal/httpclient"
	"claudepool/internal/store"
)

const webBaseURL = "https://claude.ai"

// WebAPI is the scraped web-interface transport. Every call goes out through
// the browser-impersonated client with the account's session cookie pinned;
// nothing here retries, the pipeline owns that decision. Quota observations
// are recorded as per-model cooldowns on the account, same as the official
// transport.
type WebAPI struct {
	http  *httpclient.Client
	store *store.Store
	base  string
}

func NewWebAPI(hc *httpclient.Client, st *store.Store) *WebAPI {
	return &WebAPI{http: hc, store: st, base: webBaseURL}
}

// Organization is one entry from the organizations endpoint.
type Organization struct {
	UUID         string   `json:"uuid"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"`
}

// AccountCapabilities filters the raw organization capability list down to
// the tags the selector understands.
func (o Organization) AccountCapabilities() []string {
	var caps []string
	for _, c := range o.Capabilities {
		switch c {
		case store.CapChat, store.CapPro, store.CapMax:
			caps = append(caps, c)
		}
	}
	return caps
}

// Organizations lists the organizations a session cookie can act for.
func (w *WebAPI) Organizations(ctx context.Context, cookie string) ([]Organization, error) {
	body, err := w.get(ctx, cookie, w.base+"/api/organizations")
	if err != nil {
		return nil, err
	}

	var orgs []Organization
	result := gjson.ParseBytes(body)
	for _, org := range result.Array() {
		entry := Organization{
			UUID: org.Get("uuid").String(),
			Name: org.Get("name").String(),
		}
		for _, c := range org.Get("capabilities").Array() {
			entry.Capabilities = append(entry.Capabilities, c.String())
		}
		if entry.UUID != "" {
			orgs = append(orgs, entry)
		}
	}
	if len(orgs) == 0 {
		return nil, claude.NewError(claude.KindUpstreamFatal, "no organizations for session cookie")
	}
	return orgs, nil
}

// CreateConversation opens a fresh unnamed conversation and returns its id.
func (w *WebAPI) CreateConversation(ctx context.Context, cookie, orgUUID string) (string, error) {
	ctx, cancel := w.http.NonStreamContext(ctx)
	defer cancel()

	convUUID := uuid.New().String()
	payload := map[string]any{
		"uuid": convUUID,
		"name": "",
	}

	resp, err := w.http.Fingerprinted().R().
		SetContext(ctx).
		SetHeaders(httpclient.WebHeaders(cookie)).
		SetBody(payload).
		Post(fmt.Sprintf("%s/api/organizations/%s/chat_conversations", w.base, orgUUID))
	if err != nil {
		return "", httpclient.ClassifyErr(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", webStatusErr(resp, body)
	}
	if id := gjson.GetBytes(body, "uuid").String(); id != "" {
		return id, nil
	}
	return convUUID, nil
}

// DeleteConversation removes a conversation upstream. A missing conversation
// counts as deleted.
func (w *WebAPI) DeleteConversation(ctx context.Context, cookie, orgUUID, convUUID string) error {
	ctx, cancel := w.http.NonStreamContext(ctx)
	defer cancel()

	resp, err := w.http.Fingerprinted().R().
		SetContext(ctx).
		SetHeaders(httpclient.WebHeaders(cookie)).
		Delete(fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s", w.base, orgUUID, convUUID))
	if err != nil {
		return httpclient.ClassifyErr(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return webStatusErr(resp, body)
	}
}

// Completion posts the rendered prompt to a conversation and returns the raw
// event stream. Uploaded file ids ride along in the files list.
func (w *WebAPI) Completion(ctx context.Context, cookie, orgUUID, convUUID, model, prompt string, files []string) (io.ReadCloser, error) {
	if files == nil {
		files = []string{}
	}
	payload := map[string]any{
		"prompt":      prompt,
		"timezone":    "UTC",
		"attachments": []any{},
		"files":       files,
	}
	if model != "" {
		payload["model"] = model
	}

	resp, err := w.http.Fingerprinted().R().
		SetContext(ctx).
		SetHeaders(httpclient.StreamHeaders(cookie)).
		SetBody(payload).
		Post(fmt.Sprintf("%s/api/organizations/%s/chat_conversations/%s/completion",
			w.base, orgUUID, convUUID))
	if err != nil {
		return nil, httpclient.ClassifyErr(err)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}

	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	werr := webStatusErr(resp, body)
	if werr.Kind == claude.KindUpstreamQuota {
		w.markCooldown(orgUUID, model, werr.RetryAfter)
	}
	return nil, werr
}

// markCooldown records a quota observation so the selector skips the
// (account, model) pair until the reset instant, matching the official
// transport's bookkeeping.
func (w *WebAPI) markCooldown(accountID, model string, retryAfter int) {
	if w.store == nil {
		return
	}
	now := time.Now()
	until := now.Truncate(time.Hour).Add(time.Hour)
	if retryAfter > 0 {
		until = now.Add(time.Duration(retryAfter) * time.Second)
	}
	if err := w.store.MarkCooldown(accountID, model, until); err != nil {
		log.Error().Err(err).Str("account", accountID).Msg("record cooldown failed")
	}
	log.Warn().Str("account", accountID).Str("model", model).Time("until", until).
		Msg("web interface rate limited")
}

// UploadImage pushes image bytes to the organization's upload endpoint and
// returns the file id a completion can reference.
func (w *WebAPI) UploadImage(ctx context.Context, cookie, orgUUID, mediaType string, data []byte) (string, error) {
	ctx, cancel := w.http.NonStreamContext(ctx)
	defer cancel()

	headers := httpclient.WebHeaders(cookie)
	delete(headers, "Content-Type") // multipart boundary is set by the client

	resp, err := w.http.Fingerprinted().R().
		SetContext(ctx).
		SetHeaders(headers).
		SetFileBytes("file", imageFileName(mediaType), data).
		Post(fmt.Sprintf("%s/api/%s/upload", w.base, orgUUID))
	if err != nil {
		return "", httpclient.ClassifyErr(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", webStatusErr(resp, body)
	}
	for _, key := range []string{"file_uuid", "file_name"} {
		if id := gjson.GetBytes(body, key).String(); id != "" {
			return id, nil
		}
	}
	return "", claude.NewError(claude.KindUpstreamFatal, "upload response lacks file id")
}

// Probe checks that a session cookie still resolves to the organization.
func (w *WebAPI) Probe(ctx context.Context, cookie, orgUUID string) error {
	orgs, err := w.Organizations(ctx, cookie)
	if err != nil {
		return err
	}
	for _, org := range orgs {
		if org.UUID == orgUUID {
			return nil
		}
	}
	return claude.NewError(claude.KindUpstreamFatal, "session cookie no longer maps to organization")
}

func (w *WebAPI) get(ctx context.Context, cookie, url string) ([]byte, error) {
	ctx, cancel := w.http.NonStreamContext(ctx)
	defer cancel()

	resp, err := w.http.Fingerprinted().R().
		SetContext(ctx).
		SetHeaders(httpclient.WebHeaders(cookie)).
		Get(url)
	if err != nil {
		return nil, httpclient.ClassifyErr(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, httpclient.ClassifyErr(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, webStatusErr(resp, body)
	}
	return body, nil
}

// webStatusErr maps a non-2xx web response onto the error taxonomy. Cookie
// rejections come back transient: another account can serve the request, and
// the breaker sidelines an account that keeps failing.
func webStatusErr(resp *req.Response, body []byte) *claude.Error {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = snippet(body)
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		log.Warn().Int("status", resp.StatusCode).Msg("web session rejected")
		return claude.NewError(claude.KindUpstreamTransient,
			fmt.Sprintf("web session rejected: %d %s", resp.StatusCode, msg))
	case http.StatusNotFound:
		return claude.NewError(claude.KindUpstreamTransient, "conversation missing upstream")
	case http.StatusTooManyRequests:
		e := claude.NewError(claude.KindUpstreamQuota, "web interface rate limited: "+msg)
		e.RetryAfter = webRetryAfter(resp.Header, body, time.Now())
		return e
	}
	if resp.StatusCode >= 500 {
		return claude.NewError(claude.KindUpstreamTransient,
			fmt.Sprintf("web interface error %d: %s", resp.StatusCode, msg))
	}
	return claude.NewError(claude.KindUpstreamFatal,
		fmt.Sprintf("web interface error %d: %s", resp.StatusCode, msg))
}

// webRetryAfter recovers the reset hint from a web 429: the error body's
// resetsAt (sometimes nested inside the message as JSON), then the
// retry-after header.
func webRetryAfter(h http.Header, body []byte, now time.Time) int {
	resetsAt := gjson.GetBytes(body, "error.resetsAt").Int()
	if resetsAt == 0 {
		if inner := gjson.GetBytes(body, "error.message").String(); inner != "" {
			resetsAt = gjson.Get(inner, "resetsAt").Int()
		}
	}
	if resetsAt > 0 {
		if d := time.Unix(resetsAt, 0).Sub(now); d > 0 {
			return int(math.Ceil(d.Seconds()))
		}
	}
	if v := h.Get("retry-after"); v != "" {
		if sec, err := strconv.Atoi(v); err == nil && sec > 0 {
			return sec
		}
	}
	return 0
}

func imageFileName(mediaType string) string {
	switch mediaType {
	case "image/png":
		return "image.png"
	case "image/gif":
		return "image.gif"
	case "image/webp":
		return "image.webp"
	default:
		return "image.jpg"
	}
}
