package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"claudepool/internal/claude"
	"claudepool/internal/pipeline"
	"claudepool/internal/tokenizer"
)

// maxBodyBytes caps an inbound request body; transcripts with inline
// images can be large, anything beyond this is abuse.
const maxBodyBytes = 32 << 20

// Messages serves the Claude-compatible inference surface.
type Messages struct {
	engine  *pipeline.Engine
	counter *tokenizer.Counter
}

func NewMessages(engine *pipeline.Engine, counter *tokenizer.Counter) *Messages {
	return &Messages{engine: engine, counter: counter}
}

// Create handles POST /v1/messages, streaming or not.
func (h *Messages) Create(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	stream, err := h.engine.Run(c.Request.Context(), req, c.GetHeader("anthropic-beta"))
	if err != nil {
		writeError(c, err)
		return
	}

	if req.Stream {
		pipeline.WriteSSE(c, stream)
		return
	}

	res, err := pipeline.Collect(c.Request.Context(), stream)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CountTokens handles POST /v1/messages/count_tokens with the local
// estimator; no account is consulted.
func (h *Messages) CountTokens(c *gin.Context) {
	req, ok := h.bind(c)
	if !ok {
		return
	}

	n, err := h.counter.CountRequest(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"input_tokens": n})
}

// Models handles GET /v1/models from the static catalog.
func (h *Messages) Models(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"data":     claude.Catalog,
		"has_more": false,
	})
}

func (h *Messages) bind(c *gin.Context) (*claude.MessagesRequest, bool) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		writeError(c, claude.WrapError(claude.KindRequestInvalid, "read body", err))
		return nil, false
	}

	var req claude.MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(c, claude.WrapError(claude.KindRequestInvalid, "malformed request body", err))
		return nil, false
	}
	return &req, true
}

// writeError renders the uniform error body, honoring retry hints.
func writeError(c *gin.Context, err error) {
	status, body := claude.ResponseFor(err)
	if e := claude.AsError(err); e.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	c.JSON(status, body)
}
