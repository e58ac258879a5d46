package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/metrics"
)

// ServeWs upgrades /v1/ws. Authentication happens in-band: the first
// frame must be session.start or session.resume, answered by
// session.ready.
func (g *Gateway) ServeWs(c *gin.Context) {
	if err := validateOrigin(c.Request, g.limits.AllowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"code": "forbidden", "message": "origin not allowed"})
		return
	}
	if g.limiter != nil && !g.limiter.AllowWSConnect(c.Request.Context(), c.ClientIP()) {
		c.JSON(http.StatusTooManyRequests, gin.H{"code": "rate_limited", "message": "connection rate exceeded"})
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(g.limits.AllowedOrigins),
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	g.HandleConnection(conn)
}

// HandleConnection takes an established WebSocket connection and starts
// its pumps. Split from ServeWs so tests can drive a fake connection.
func (g *Gateway) HandleConnection(conn wsConnection) *Client {
	client := newClient(conn, g)

	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
	return client
}
