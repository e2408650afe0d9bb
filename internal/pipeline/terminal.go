package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"claudepool/internal/claude"
)

// keepaliveInterval paces SSE comments while the upstream is quiet, so
// intermediaries do not drop the idle connection.
const keepaliveInterval = 15 * time.Second

// WriteSSE streams the normalized events to the client as provider-shaped
// SSE frames. Events that passed through untouched go out with their
// original upstream JSON.
func WriteSSE(c *gin.Context, s *Stream) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(200)

	w := c.Writer
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return
			}
			writeEvent(w, &ev)
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
			w.Flush()
		case <-c.Request.Context().Done():
			s.Cancel()
			drain(s)
			return
		}
	}
}

func writeEvent(w gin.ResponseWriter, ev *claude.Event) {
	data := ev.Raw
	if data == nil {
		var err error
		data, err = ev.MarshalWire()
		if err != nil {
			return
		}
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	w.Flush()
}

// Collect drains the stream and returns the assembled non-streaming
// response. The same stage chain feeds both terminals, so the body matches
// what the SSE path would have streamed.
func Collect(ctx context.Context, s *Stream) (*claude.MessagesResponse, error) {
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				result, err := s.Result()
				if err != nil {
					return nil, err
				}
				return result, nil
			}
		case <-ctx.Done():
			s.Cancel()
			drain(s)
			return nil, claude.WrapError(claude.KindStreamCut, "client gone", ctx.Err())
		}
	}
}

// drain unblocks the pump after a cancel so its bookkeeping always runs.
func drain(s *Stream) {
	for range s.Events() {
	}
}
