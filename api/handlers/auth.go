package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/remote-agent-terminal/termmux/internal/auth"
	"github.com/remote-agent-terminal/termmux/internal/log"
	"github.com/remote-agent-terminal/termmux/internal/metrics"
	"github.com/remote-agent-terminal/termmux/internal/protocol"
)

// ContextKeyUserID is where AuthMiddleware stores the caller's identity.
const ContextKeyUserID = "userID"

// AuthMiddleware rejects requests without a valid token. It runs before the
// WebSocket upgrade, so a bad handshake gets a plain 401.
func AuthMiddleware(verifier *auth.Verifier, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := verifier.Verify(auth.TokenFromRequest(c.Request))
		if err != nil {
			m.AuthFailed()
			log.Debug().Err(err).Str("path", c.Request.URL.Path).Str("client_ip", c.ClientIP()).Msg("authentication failed")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error: ErrorDetail{Code: protocol.CodeUnauthorized, Message: "Unauthorized"},
			})
			return
		}

		c.Set(ContextKeyUserID, userID)
		c.Next()
	}
}
