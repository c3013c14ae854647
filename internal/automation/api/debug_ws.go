package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// upgrader mirrors internal/notifications/websocket.Manager's upgrader
// construction; CheckOrigin is permissive here because the route sits
// behind RequireBearerToken rather than browser same-origin trust.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RegisterDebugRoutes registers the additive operator debug websocket
// endpoint (SPEC_FULL.md §6 [ADDED]): read-only, JWT-authenticated,
// tailing the whole event bus as raw JSON frames. It carries no control
// surface, only log tailing, in the spirit of the teacher's own
// WebSocket Manager.
func (h *Handler) RegisterDebugRoutes(router *gin.RouterGroup, jwtSecret string) {
	debug := router.Group("/automation/debug")
	debug.Use(RequireBearerToken(jwtSecret))
	debug.GET("/ws", h.debugWS)
}

func (h *Handler) debugWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade debug websocket connection", zap.Error(err))
		return
	}
	defer conn.Close()

	events, unsubscribe := h.engine.EventBus().SubscribeAll()
	defer unsubscribe()

	for ev := range events {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}
