package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"claudepool/internal/session"
	"claudepool/internal/store"
)

// Health serves the unauthenticated liveness endpoint.
type Health struct {
	version  string
	store    *store.Store
	sessions *session.Manager
}

func NewHealth(version string, st *store.Store, sess *session.Manager) *Health {
	return &Health{version: version, store: st, sessions: sess}
}

// Get handles GET /health.
func (h *Health) Get(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"version":  h.version,
		"accounts": h.store.Len(),
		"sessions": h.sessions.Live(),
	})
}
