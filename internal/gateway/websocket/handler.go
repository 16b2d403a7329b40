package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/justelson/agentscope/internal/common/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// The gateway serves a local UI; cross-origin is expected in dev.
		return true
	},
}

// Handler upgrades HTTP requests to WebSocket connections and binds them
// to the hub.
func Handler(hub *Hub, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.Error("WebSocket upgrade failed", zap.Error(err))
			return
		}

		client := NewClient(uuid.NewString(), conn, hub, log)
		hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	}
}
