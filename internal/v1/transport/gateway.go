// Package transport adapts the gateway core to its client-facing
// surfaces: the WebSocket frame protocol, the SSE stream, and the HTTP
// session/rooms/inbox endpoints. All three share the same subscription,
// ack, and replay semantics.
package transport

import (
	"context"
	"time"

	"github.com/psolyx/envgate/internal/v1/cursor"
	"github.com/psolyx/envgate/internal/v1/hub"
	"github.com/psolyx/envgate/internal/v1/presence"
	"github.com/psolyx/envgate/internal/v1/registry"
	"github.com/psolyx/envgate/internal/v1/sequencer"
	"github.com/psolyx/envgate/internal/v1/session"
	"github.com/psolyx/envgate/internal/v1/types"
)

// Limits carries the transport-level tuning knobs.
type Limits struct {
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
	AllowedOrigins   []string
	GatewayID        string
}

// ConnectLimiter gates new WS connections and session establishment.
type ConnectLimiter interface {
	AllowWSConnect(ctx context.Context, ip string) bool
	AllowWSUser(ctx context.Context, userID types.UserIDType) bool
}

// Gateway bundles the core services behind the transports.
type Gateway struct {
	sessions  *session.Manager
	registry  *registry.Registry
	sequencer *sequencer.Coordinator
	hub       *hub.Hub
	cursors   *cursor.Service
	limiter   ConnectLimiter // optional
	presence  *presence.Tracker
	limits    Limits

	clock func() time.Time
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) { g.clock = clock }
}

// WithConnectLimiter attaches connection-rate gating.
func WithConnectLimiter(l ConnectLimiter) Option {
	return func(g *Gateway) { g.limiter = l }
}

// WithPresence attaches the last-seen tracker.
func WithPresence(p *presence.Tracker) Option {
	return func(g *Gateway) { g.presence = p }
}

// NewGateway wires the transport layer to the core services.
func NewGateway(sessions *session.Manager, reg *registry.Registry, seq *sequencer.Coordinator, h *hub.Hub, cursors *cursor.Service, limits Limits, opts ...Option) *Gateway {
	g := &Gateway{
		sessions:  sessions,
		registry:  reg,
		sequencer: seq,
		hub:       h,
		cursors:   cursors,
		limits:    limits,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) touchPresence(ctx context.Context, userID types.UserIDType) {
	if g.presence != nil {
		g.presence.Touch(ctx, userID)
	}
}
