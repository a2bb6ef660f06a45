package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/termmux/internal/log"
	"github.com/remote-agent-terminal/termmux/internal/ws"
)

// WebSocketHandler upgrades authenticated requests and hands each
// connection to its own router.
type WebSocketHandler struct {
	sessions ws.Sessions
	upgrader *websocket.Upgrader
	opts     ws.Options

	// ctx outlives any single request and is cancelled at shutdown.
	ctx context.Context
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(ctx context.Context, sessions ws.Sessions, allowedOrigins []string, opts ws.Options) *WebSocketHandler {
	return &WebSocketHandler{
		sessions: sessions,
		upgrader: ws.NewUpgrader(allowedOrigins),
		opts:     opts,
		ctx:      ctx,
	}
}

// Connect handles GET /api/ws. The request has already been authenticated.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	userID := getUserID(c)
	log.MarkHijacked(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		log.Debug().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	ws.NewRouter(conn, userID, h.sessions, h.opts).Serve(h.ctx)
}

// RegisterRoutes registers the WebSocket route on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.Connect)
}
