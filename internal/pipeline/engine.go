package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"claudepool/internal/circuit"
	"claudepool/internal/claude"
	"claudepool/internal/config"
	"claudepool/internal/httpclient"
	"claudepool/internal/metrics"
	"claudepool/internal/pool"
	"claudepool/internal/retry"
	"claudepool/internal/scheduler"
	"claudepool/internal/service"
	"claudepool/internal/session"
	"claudepool/internal/store"
	"claudepool/internal/tokenizer"
	"claudepool/internal/toolcall"
)

// Options wires the engine's collaborators.
type Options struct {
	Store    *store.Store
	Selector *scheduler.Selector
	Sessions *session.Manager
	Tracker  *toolcall.Tracker
	API      *service.Anthropic
	Web      *service.WebAPI
	Breakers *circuit.Manager
	Counter  *tokenizer.Counter
	Workers  *pool.Workers
	Policy   *retry.Policy
	Settings *config.Settings
	Metrics  *metrics.Collector
	HTTP     *httpclient.Client
	WebCfg   config.WebConfig
}

// Engine runs a Messages request end to end: account selection, upstream
// dispatch with retries, and the post-processing stage chain. Both
// terminals (SSE and non-streaming) consume the Stream it returns.
type Engine struct {
	Options
}

// New builds the engine.
func New(o Options) *Engine { return &Engine{Options: o} }

// request carries one call through the stages.
type request struct {
	id          string
	req         *claude.MessagesRequest
	beta        string
	fingerprint string
	inputTokens int

	// pinned routing from a resolved synthetic tool_result
	pinnedAccount string
	pinnedConv    string

	started time.Time
}

// attempt is one successfully opened upstream dispatch plus its stage
// chain.
type attempt struct {
	sel     *scheduler.Selection
	handle  *session.Handle
	src     eventSource
	chain   *postChain
	collect *collector
}

// Stream is a live normalized response. Events closes when the response
// is complete; Result is valid from then on.
type Stream struct {
	ID    string
	Model string

	events chan claude.Event
	cancel context.CancelFunc

	mu     sync.Mutex
	result *claude.MessagesResponse
	err    error
}

// Events yields the normalized event stream in order.
func (s *Stream) Events() <-chan claude.Event { return s.events }

// Result returns the assembled response and the terminal error. Only
// meaningful once Events has closed.
func (s *Stream) Result() (*claude.MessagesResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.err
}

// Cancel aborts the upstream read. The pump still drains its bookkeeping.
func (s *Stream) Cancel() { s.cancel() }

// Run validates, routes and dispatches the request, returning the live
// stream. Errors before the first upstream byte come back directly; once a
// stream exists, failures surface as an error event on it.
func (e *Engine) Run(ctx context.Context, mreq *claude.MessagesRequest, beta string) (*Stream, error) {
	if err := mreq.Validate(); err != nil {
		return nil, err
	}

	rc := &request{
		id:      "req_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12],
		req:     mreq,
		beta:    beta,
		started: time.Now(),
	}
	rc.fingerprint = mreq.Fingerprint()

	if err := e.resolveToolResult(rc); err != nil {
		return nil, err
	}

	rc.inputTokens = e.Workers.Do(ctx, func() int {
		n, err := e.Counter.CountRequest(mreq)
		if err != nil {
			return 0
		}
		return n
	})

	cctx, cancel := context.WithCancel(ctx)

	if evs, ok := e.shortCircuit(rc); ok {
		at := &attempt{src: newSyntheticSource(evs), collect: newCollector()}
		at.chain = &postChain{stages: []postStage{
			at.collect,
			&counterStage{counter: e.Counter, collected: at.collect, inputTokens: rc.inputTokens},
		}}
		return e.start(cctx, cancel, rc, at), nil
	}

	at, err := e.dispatch(cctx, cancel, rc)
	if err != nil {
		cancel()
		e.recordFailure(rc, err)
		return nil, err
	}
	return e.start(cctx, cancel, rc, at), nil
}

// dispatch runs the select/open loop until an upstream stream is live or
// the attempt budget is spent. Account switches and same-account retries
// draw from the same budget; pinned requests can never switch.
func (e *Engine) dispatch(ctx context.Context, cancel context.CancelFunc, rc *request) (*attempt, error) {
	var excluded []string

	// The attempt budget is runtime-tunable; the policy value is the
	// startup default.
	maxAttempts := e.Policy.MaxAttempts()
	if snap := e.Settings.Snapshot(); snap.MaxAttempts > 0 {
		maxAttempts = snap.MaxAttempts
	}

	for attemptNo := 1; ; attemptNo++ {
		sel, err := e.selectAccount(rc, excluded)
		if err != nil {
			return nil, err
		}

		at, err := e.open(ctx, cancel, rc, sel)
		if err == nil {
			return at, nil
		}

		accountID := sel.Account.OrganizationUUID
		e.Breakers.RecordFailure(accountID)
		log.Warn().Str("request", rc.id).Str("account", accountID).
			Str("transport", string(sel.Transport)).Int("attempt", attemptNo).
			Err(err).Msg("dispatch attempt failed")

		if attemptNo >= maxAttempts {
			return nil, err
		}
		switchable := rc.pinnedAccount == "" && retry.ShouldSwitchAccount(err)
		if !claude.KindOf(err).Retryable() && !switchable {
			return nil, err
		}
		if switchable {
			excluded = append(excluded, accountID)
			e.Metrics.RecordSwitch()
		}
		e.Metrics.RecordRetry()

		select {
		case <-time.After(e.Policy.Backoff(attemptNo + 1)):
		case <-ctx.Done():
			return nil, httpclient.ClassifyErr(ctx.Err())
		}
	}
}

// selectAccount picks the account, or resolves the pin when a tool result
// dictated the routing.
func (e *Engine) selectAccount(rc *request, excluded []string) (*scheduler.Selection, error) {
	if rc.pinnedAccount != "" {
		acct := e.Store.Get(rc.pinnedAccount)
		if acct == nil {
			return nil, claude.NewError(claude.KindUnknownToolCall,
				"account for pending tool call no longer exists")
		}
		return &scheduler.Selection{Account: acct, Transport: scheduler.TransportWeb}, nil
	}
	return e.Selector.Select(rc.req.Model, rc.fingerprint, excluded)
}

func (e *Engine) open(ctx context.Context, cancel context.CancelFunc, rc *request, sel *scheduler.Selection) (*attempt, error) {
	if sel.Transport == scheduler.TransportOAuth {
		return e.openOAuth(ctx, cancel, rc, sel)
	}
	return e.openWeb(ctx, cancel, rc, sel)
}

func (e *Engine) openOAuth(ctx context.Context, cancel context.CancelFunc, rc *request, sel *scheduler.Selection) (*attempt, error) {
	body, err := buildAPIBody(rc.req)
	if err != nil {
		return nil, err
	}

	rdr, err := e.API.Stream(ctx, service.Dispatch{
		AccountID: sel.Account.OrganizationUUID,
		Model:     rc.req.Model,
		Body:      body,
		Beta:      rc.beta,
	})
	if err != nil {
		return nil, err
	}

	at := &attempt{
		sel:     sel,
		src:     newSSESource(httpclient.WatchBody(rdr, e.HTTP.ReadTimeout(), cancel)),
		collect: newCollector(),
	}
	at.chain = e.buildChain(rc, at, nil)
	return at, nil
}

func (e *Engine) openWeb(ctx context.Context, cancel context.CancelFunc, rc *request, sel *scheduler.Selection) (*attempt, error) {
	if !e.HTTP.WebEnabled() {
		return nil, claude.NewError(claude.KindNoAccountAvailable, "web transport disabled")
	}
	acct := sel.Account

	var h *session.Handle
	var err error
	if rc.pinnedConv != "" {
		h, err = e.Sessions.AcquirePinned(acct, rc.pinnedConv)
	} else {
		h, err = e.Sessions.Acquire(ctx, acct, rc.fingerprint)
	}
	if err != nil {
		return nil, err
	}

	release := func() {
		e.Sessions.Release(h, e.Tracker.HasPendingFor(h.ConversationUUID))
	}

	msgs := rc.req.Messages
	if !h.Fresh && len(msgs) > 0 {
		msgs = msgs[len(msgs)-1:]
	}
	files, err := e.uploadImages(ctx, h, msgs)
	if err != nil {
		release()
		return nil, err
	}

	prompt := renderTranscript(rc.req, e.Settings.Snapshot(), h.Fresh)
	rdr, err := e.Web.Completion(ctx, h.Cookie, acct.OrganizationUUID, h.ConversationUUID,
		rc.req.Model, prompt, files)
	if err != nil {
		release()
		return nil, err
	}

	at := &attempt{
		sel:     sel,
		handle:  h,
		src:     newWebSource(httpclient.WatchBody(rdr, e.HTTP.ReadTimeout(), cancel), rc.req.Model),
		collect: newCollector(),
	}
	at.chain = e.buildChain(rc, at, h)
	return at, nil
}

// buildChain assembles the post stages for one attempt. The tool stage is
// web-only: the official API produces native tool_use blocks.
func (e *Engine) buildChain(rc *request, at *attempt, h *session.Handle) *postChain {
	stages := []postStage{&modelInjector{model: rc.req.Model}}
	if len(rc.req.StopSequences) > 0 {
		stages = append(stages, newStopStage(rc.req.StopSequences))
	}
	if h != nil && len(rc.req.Tools) > 0 {
		stages = append(stages, newToolStage(e.Tracker, h.AccountID, h.ConversationUUID))
	}
	stages = append(stages,
		at.collect,
		&counterStage{counter: e.Counter, collected: at.collect, inputTokens: rc.inputTokens},
	)
	return &postChain{stages: stages}
}

// uploadImages pushes the image blocks of the outgoing turns and returns
// the upstream file ids to attach.
func (e *Engine) uploadImages(ctx context.Context, h *session.Handle, msgs []claude.Message) ([]string, error) {
	var files []string
	for mi := range msgs {
		for bi := range msgs[mi].Content {
			blk := &msgs[mi].Content[bi]
			if blk.Type != claude.BlockImage || blk.Source == nil {
				continue
			}
			switch blk.Source.Type {
			case "base64":
				data, err := base64.StdEncoding.DecodeString(blk.Source.Data)
				if err != nil {
					return nil, claude.WrapError(claude.KindRequestInvalid, "invalid image data", err)
				}
				id, err := e.Web.UploadImage(ctx, h.Cookie, h.AccountID, blk.Source.MediaType, data)
				if err != nil {
					return nil, err
				}
				files = append(files, id)
			case "file":
				if blk.Source.FileUUID != "" {
					files = append(files, blk.Source.FileUUID)
				}
			case "url":
				if !e.WebCfg.AllowExternalImages {
					return nil, claude.NewError(claude.KindRequestInvalid,
						"external image URLs are disabled")
				}
			}
		}
	}
	return files, nil
}

// buildAPIBody prepares the official-API request body: the fixed identity
// block leads the system prompt, streaming is forced, and the output
// budget is made explicit.
func buildAPIBody(req *claude.MessagesRequest) ([]byte, error) {
	out := *req
	out.Stream = true
	limit := req.EffectiveMaxTokens()
	out.MaxTokens = &limit

	if len(out.System) == 0 || out.System[0].Text != service.IdentityPrompt {
		sys := make(claude.SystemPrompt, 0, len(out.System)+1)
		sys = append(sys, claude.ContentBlock{Type: claude.BlockText, Text: service.IdentityPrompt})
		sys = append(sys, out.System...)
		out.System = sys
	}

	body, err := json.Marshal(&out)
	if err != nil {
		return nil, claude.WrapError(claude.KindInternal, "marshal upstream body", err)
	}
	return body, nil
}

func (e *Engine) start(ctx context.Context, cancel context.CancelFunc, rc *request, at *attempt) *Stream {
	s := &Stream{
		ID:     rc.id,
		Model:  rc.req.Model,
		events: make(chan claude.Event, 16),
		cancel: cancel,
	}
	go e.pump(ctx, cancel, rc, at, s)
	return s
}

// pump moves upstream events through the stage chain into the stream
// channel, then settles all bookkeeping exactly once.
func (e *Engine) pump(ctx context.Context, cancel context.CancelFunc, rc *request, at *attempt, s *Stream) {
	var runErr error
	defer func() {
		at.src.Close()
		e.finish(rc, at, s, runErr)
		close(s.events)
		cancel()
	}()

	for {
		ev, err := at.src.Next()
		if err == io.EOF {
			return
		}
		if err != nil {
			runErr = err
			e.send(ctx, s, claude.Event{Type: claude.EventError, Err: claude.AsError(err)})
			return
		}
		if ev.Type == claude.EventError {
			runErr = ev.Err
			e.send(ctx, s, ev)
			return
		}

		out, term := at.chain.feed(ev)
		for _, o := range out {
			if !e.send(ctx, s, o) {
				runErr = claude.WrapError(claude.KindStreamCut, "client gone", ctx.Err())
				return
			}
		}
		if term {
			return
		}
	}
}

func (e *Engine) send(ctx context.Context, s *Stream, ev claude.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish settles the attempt: result assembly, breaker and selector
// feedback, session release, statistics.
func (e *Engine) finish(rc *request, at *attempt, s *Stream, runErr error) {
	result := at.collect.result()

	s.mu.Lock()
	s.result = result
	s.err = runErr
	s.mu.Unlock()

	accountID, transport := "", "synthetic"
	if at.sel != nil {
		accountID = at.sel.Account.OrganizationUUID
		transport = string(at.sel.Transport)
		switch {
		case runErr == nil:
			e.Breakers.RecordSuccess(accountID)
			e.Selector.Record(accountID, rc.fingerprint)
		case claude.KindOf(runErr) == claude.KindStreamCut:
			// The dispatch itself completed; the client walked away. Usage
			// still counts, and the breaker stays out of it.
			e.Selector.Record(accountID, rc.fingerprint)
		default:
			e.Breakers.RecordFailure(accountID)
		}
	}
	if at.handle != nil {
		keep := runErr == nil || e.Tracker.HasPendingFor(at.handle.ConversationUUID)
		e.Sessions.Release(at.handle, keep)
	}

	status := http.StatusOK
	if runErr != nil {
		status, _ = claude.ResponseFor(runErr)
	}
	e.Metrics.RecordRequest(metrics.RequestSummary{
		ID:        rc.id,
		Model:     rc.req.Model,
		Transport: transport,
		AccountID: accountID,
		Status:    status,
		Duration:  time.Since(rc.started).Milliseconds(),
		Tokens:    result.Usage.OutputTokens,
	})

	evt := log.Info()
	if runErr != nil {
		evt = log.Warn().Err(runErr)
	}
	evt.Str("request", rc.id).Str("model", rc.req.Model).Str("transport", transport).
		Int("status", status).Dur("elapsed", time.Since(rc.started)).
		Int("output_tokens", result.Usage.OutputTokens).Msg("request finished")
}

// recordFailure logs a request that never produced a stream.
func (e *Engine) recordFailure(rc *request, err error) {
	status, _ := claude.ResponseFor(err)
	e.Metrics.RecordRequest(metrics.RequestSummary{
		ID:       rc.id,
		Model:    rc.req.Model,
		Status:   status,
		Duration: time.Since(rc.started).Milliseconds(),
	})
	log.Warn().Err(err).Str("request", rc.id).Str("model", rc.req.Model).
		Int("status", status).Msg("request failed before dispatch")
}
