package handler

import (
	"github.com/gin-gonic/gin"

	"claudepool/internal/keyset"
	"claudepool/internal/middleware"
)

// Handlers bundles everything the router mounts.
type Handlers struct {
	Messages   *Messages
	Accounts   *Accounts
	Settings   *Settings
	Statistics *Statistics
	Health     *Health

	ClientKeys *keyset.Set
	AdminKeys  *keyset.Set
}

// NewRouter assembles the HTTP surface: the open health endpoint, the
// client-keyed /v1 API and the admin-keyed /api/admin API.
func NewRouter(h Handlers) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.AccessLog())

	r.GET("/health", h.Health.Get)

	v1 := r.Group("/v1", middleware.ClientAuth(h.ClientKeys))
	{
		v1.POST("/messages", h.Messages.Create)
		v1.POST("/messages/count_tokens", h.Messages.CountTokens)
		v1.GET("/models", h.Messages.Models)
	}

	admin := r.Group("/api/admin", middleware.AdminAuth(h.AdminKeys))
	{
		admin.GET("/accounts", h.Accounts.List)
		admin.POST("/accounts", h.Accounts.Create)
		admin.GET("/accounts/:id", h.Accounts.Get)
		admin.PUT("/accounts/:id", h.Accounts.Update)
		admin.DELETE("/accounts/:id", h.Accounts.Delete)
		admin.POST("/accounts/:id/reauthenticate", h.Accounts.Reauthenticate)
		admin.POST("/accounts/:id/reset", h.Accounts.ResetBreaker)

		admin.POST("/accounts/oauth/authorize-url", h.Accounts.AuthorizeURL)
		admin.POST("/accounts/oauth/exchange", h.Accounts.Exchange)

		admin.GET("/settings", h.Settings.Get)
		admin.PUT("/settings", h.Settings.Put)

		admin.GET("/statistics", h.Statistics.Get)
	}

	return r
}
