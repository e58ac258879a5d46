// Package health exposes the readiness endpoint.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/psolyx/envgate/internal/v1/logging"
)

// Pinger verifies a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler reports readiness based on store connectivity.
type Handler struct {
	store Pinger
}

// NewHandler creates the health handler.
func NewHandler(store Pinger) *Handler {
	return &Handler{store: store}
}

// Healthz returns 200 when the gateway can serve traffic.
func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		logging.Error(ctx, "health check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
