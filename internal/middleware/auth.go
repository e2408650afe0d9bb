package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"claudepool/internal/claude"
	"claudepool/internal/keyset"
)

// ClientAuth guards the /v1 surface with the client key set. Keys arrive as
// x-api-key (Anthropic SDK convention) or a bearer token.
func ClientAuth(keys *keyset.Set) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !keys.Check(extractKey(c)) {
			status, body := claude.ResponseFor(
				claude.NewError(claude.KindUnauthorized, "invalid or missing api key"))
			c.AbortWithStatusJSON(status, body)
			return
		}
		c.Next()
	}
}

// AdminAuth guards the /api/admin surface with the admin key set.
func AdminAuth(keys *keyset.Set) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !keys.Check(extractKey(c)) {
			status, body := claude.ResponseFor(
				claude.NewError(claude.KindUnauthorized, "invalid or missing admin key"))
			c.AbortWithStatusJSON(status, body)
			return
		}
		c.Next()
	}
}

func extractKey(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	if auth := c.GetHeader("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
		return auth
	}
	return ""
}
