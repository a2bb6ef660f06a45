package log

import (
	"net/url"
	"time"

	"github.com/gin-gonic/gin"
)

// ContextKeyHijacked marks a request whose connection was taken over by a
// WebSocket upgrade.
const ContextKeyHijacked = "connection_hijacked"

// MarkHijacked must be called before upgrading so GinLogger does not touch
// the hijacked ResponseWriter.
func MarkHijacked(c *gin.Context) {
	c.Set(ContextKeyHijacked, true)
}

// IsHijacked checks if the connection has been marked as hijacked.
func IsHijacked(c *gin.Context) bool {
	hijacked, exists := c.Get(ContextKeyHijacked)
	return exists && hijacked.(bool)
}

// GinLogger returns a Gin middleware that logs requests using zerolog.
func GinLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := redactQuery(c.Request.URL.Query())

		c.Next()

		// Writer.Status() on a hijacked connection makes gin write a header.
		if IsHijacked(c) {
			Info().
				Str("path", path).
				Dur("duration", time.Since(start)).
				Str("ip", c.ClientIP()).
				Msg("websocket closed")
			return
		}

		status := c.Writer.Status()
		if query != "" {
			path = path + "?" + query
		}

		event := Info()
		if status >= 500 {
			event = Error()
		} else if status >= 400 {
			event = Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP())

		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			event.Str("error", msg)
		}

		event.Msg("request")
	}
}

// redactQuery hides credentials passed as query parameters.
func redactQuery(q url.Values) string {
	if len(q) == 0 {
		return ""
	}
	if q.Has("token") {
		q.Set("token", "REDACTED")
	}
	return q.Encode()
}
