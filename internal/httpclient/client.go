package httpclient

import (
	"context"
	"errors"
	"io"
	"net"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"

	"claudepool/internal/claude"
	"claudepool/internal/config"
)

// Client owns the two outbound HTTP clients: a browser-impersonated one for
// the web interface and a plain one for the official API. Both share proxy
// and timeout configuration. When impersonation is disabled (or the
// platform cannot provide it) the web transport is reported unavailable at
// startup rather than per request.
type Client struct {
	cfg config.HTTPConfig

	once          sync.Once
	fingerprinted *req.Client
	plain         *req.Client
}

// New builds the client pair from config.
func New(cfg config.HTTPConfig) *Client {
	c := &Client{cfg: cfg}
	c.once.Do(c.build)
	return c
}

func (c *Client) build() {
	proxyURL := c.resolveProxy()

	c.plain = c.newBase(proxyURL)

	if c.cfg.Impersonate {
		c.fingerprinted = c.newBase(proxyURL).
			ImpersonateChrome().
			SetCookieJar(nil) // cookies are pinned per request, never shared
		log.Info().Msg("browser-impersonated transport enabled")
	} else {
		log.Warn().Msg("browser impersonation disabled, web transport unavailable")
	}
}

func (c *Client) newBase(proxyURL string) *req.Client {
	client := req.C().
		DisableAutoReadResponse()

	dialer := &net.Dialer{
		Timeout:   c.cfg.TimeoutConnect,
		KeepAlive: 30 * time.Second,
	}
	client.SetDial(dialer.DialContext)

	if proxyURL != "" {
		client.SetProxyURL(proxyURL)
		log.Info().Str("proxy", proxyURL).Msg("outbound proxy configured")
	}

	return client
}

// resolveProxy prefers the configured URL, then the usual environment
// variables.
func (c *Client) resolveProxy() string {
	if c.cfg.ProxyURL != "" {
		if _, err := url.Parse(c.cfg.ProxyURL); err != nil {
			log.Error().Err(err).Str("proxy", c.cfg.ProxyURL).Msg("invalid proxy url, ignoring")
			return ""
		}
		return c.cfg.ProxyURL
	}
	for _, key := range []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// Fingerprinted returns the browser-impersonated client, or nil when the
// web transport is disabled.
func (c *Client) Fingerprinted() *req.Client { return c.fingerprinted }

// Plain returns the ordinary client used for the official API.
func (c *Client) Plain() *req.Client { return c.plain }

// WebEnabled reports whether the fingerprinted variant is available.
func (c *Client) WebEnabled() bool { return c.fingerprinted != nil }

// ReadTimeout is the per-chunk budget streaming readers must honor.
func (c *Client) ReadTimeout() time.Duration { return c.cfg.TimeoutRead }

// NonStreamContext bounds a whole non-streaming call by the overall wall
// clock. Streams never run under it; they are governed by connect and the
// per-read watch only.
func (c *Client) NonStreamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.TimeoutOverall <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.TimeoutOverall)
}

// WatchBody wraps a streaming response body so that any single Read
// exceeding the per-read timeout cancels the request. The overall wall
// clock does not apply to streams; only connect and per-read stay strict.
func WatchBody(body io.ReadCloser, perRead time.Duration, cancel context.CancelFunc) io.ReadCloser {
	if perRead <= 0 {
		return body
	}
	return &watchedBody{body: body, perRead: perRead, cancel: cancel}
}

type watchedBody struct {
	body    io.ReadCloser
	perRead time.Duration
	cancel  context.CancelFunc
}

func (w *watchedBody) Read(p []byte) (int, error) {
	timer := time.AfterFunc(w.perRead, w.cancel)
	n, err := w.body.Read(p)
	timer.Stop()
	return n, err
}

func (w *watchedBody) Close() error { return w.body.Close() }

// ClassifyErr maps a transport failure onto the error taxonomy. Connect
// failures, timeouts and body errors are all transient from the caller's
// point of view; callers decide whether a retry is still permitted.
func ClassifyErr(err error) *claude.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return claude.WrapError(claude.KindStreamCut, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return claude.WrapError(claude.KindUpstreamTransient, "read timeout", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return claude.WrapError(claude.KindUpstreamTransient, "read timeout", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return claude.WrapError(claude.KindUpstreamTransient, "connect failed", err)
	}

	if errors.Is(err, io.ErrUnexpectedEOF) {
		return claude.WrapError(claude.KindUpstreamTransient, "body error", err)
	}

	return claude.WrapError(claude.KindUpstreamTransient, "transport error", err)
}
