package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// AccessLog emits one structured line per request. Streaming responses log
// when the stream finishes, so the duration covers the full transfer.
func AccessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		evt := log.Info()
		if status >= 500 {
			evt = log.Error()
		} else if status >= 400 {
			evt = log.Warn()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Int("size", c.Writer.Size()).
			Str("client", c.ClientIP()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}

// Recovery turns panics into the uniform 500 body instead of a closed
// connection.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).
			Msg("handler panicked")
		c.AbortWithStatusJSON(500, gin.H{
			"detail": gin.H{"code": "internal_error", "message": "internal error"},
		})
	})
}
