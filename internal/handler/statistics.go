package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"claudepool/internal/circuit"
	"claudepool/internal/health"
	"claudepool/internal/keyset"
	"claudepool/internal/metrics"
	"claudepool/internal/pool"
	"claudepool/internal/scheduler"
	"claudepool/internal/session"
	"claudepool/internal/store"
	"claudepool/internal/toolcall"
)

// Statistics aggregates the live counters of every subsystem into one
// admin payload.
type Statistics struct {
	metrics  *metrics.Collector
	selector *scheduler.Selector
	sessions *session.Manager
	tracker  *toolcall.Tracker
	workers  *pool.Workers
	breakers *circuit.Manager
	health   *health.Monitor
	store    *store.Store
	keys     *keyset.Set
}

func NewStatistics(m *metrics.Collector, sel *scheduler.Selector, sess *session.Manager,
	tr *toolcall.Tracker, w *pool.Workers, br *circuit.Manager, hm *health.Monitor,
	st *store.Store, keys *keyset.Set) *Statistics {
	return &Statistics{
		metrics: m, selector: sel, sessions: sess, tracker: tr,
		workers: w, breakers: br, health: hm, store: st, keys: keys,
	}
}

// Get handles GET /statistics.
func (h *Statistics) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"requests":    h.metrics.Snapshot(),
		"selector":    h.selector.Stats(),
		"sessions":    h.sessions.Stats(),
		"tool_calls":  h.tracker.Stats(),
		"workers":     h.workers.Stats(),
		"breakers":    h.breakers.Stats(),
		"health":      h.health.Stats(),
		"accounts":    h.store.Len(),
		"client_keys": h.keys.Stats(),
	})
}
