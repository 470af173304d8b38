package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/termmux/internal/ws"
)

// WebSocketHandler handles WebSocket connections for terminal sessions.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	logger    zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler, logger zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{wsHandler: wsHandler, logger: logger}
}

// Attach handles GET /api/sessions/:id/attach. Bind failures, including
// unknown sessions, are reported over the socket as error messages.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	sessionID := c.Param("id")
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, sessionID); err != nil {
		// The upgrader has already written the HTTP error.
		h.logger.Debug().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/sessions/:id/attach", h.Attach)
}
