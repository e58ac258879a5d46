// Package hub is the in-memory fan-out core: it tracks live subscriptions
// per conversation and drives each one in strict seq order over its
// bounded delivery queue.
package hub

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/metrics"
	"github.com/psolyx/envgate/internal/v1/store"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// StartResolver decides where a new subscription begins; the replay
// engine implements it.
type StartResolver interface {
	ResolveStart(ctx context.Context, sessionID types.SessionIDType, convID types.ConvIDType, fromSeq *types.Seq) (types.Seq, store.Window, error)
}

// Config carries the hub's fan-out tuning.
type Config struct {
	QueueLen                   int
	SlowConsumerGrace          time.Duration
	MaxSubscriptionsPerSession int
}

type sessionKey struct {
	sessionID types.SessionIDType
	convID    types.ConvIDType
}

// Hub serves as the central coordinator for all conversation fan-out.
type Hub struct {
	resolver StartResolver
	pager    Pager
	cfg      Config

	mu     sync.Mutex
	convs  map[types.ConvIDType]map[sessionKey]*Subscription
	bySess map[types.SessionIDType]map[sessionKey]*Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Hub.
func New(resolver StartResolver, pager Pager, cfg Config) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		resolver: resolver,
		pager:    pager,
		cfg:      cfg,
		convs:    make(map[types.ConvIDType]map[sessionKey]*Subscription),
		bySess:   make(map[types.SessionIDType]map[sessionKey]*Subscription),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe opens (or replaces) the subscription for (session, conv).
// On a pruned-window request the resolver's replay_window_exceeded error
// is returned and nothing is registered; the transport emits it as a
// single error frame.
func (h *Hub) Subscribe(ctx context.Context, sessionID types.SessionIDType, userID types.UserIDType, convID types.ConvIDType, transport string, fromSeq *types.Seq, sink Sink) (*Subscription, error) {
	start, _, err := h.resolver.ResolveStart(ctx, sessionID, convID, fromSeq)
	if err != nil {
		return nil, err
	}

	key := sessionKey{sessionID: sessionID, convID: convID}

	h.mu.Lock()
	if existing, ok := h.bySess[sessionID][key]; ok {
		// Exactly one active subscription per (session, conv): the new
		// one replaces the old.
		h.removeLocked(existing)
		h.mu.Unlock()
		existing.stop()
		h.mu.Lock()
	}
	if h.cfg.MaxSubscriptionsPerSession > 0 && len(h.bySess[sessionID]) >= h.cfg.MaxSubscriptionsPerSession {
		h.mu.Unlock()
		return nil, wire.NewError(wire.CodeRateLimited, "too many subscriptions on this session")
	}

	sub := newSubscription(sessionID, userID, convID, transport, start, sink, h.pager, h.cfg.QueueLen, h.cfg.SlowConsumerGrace, h.remove)
	if h.convs[convID] == nil {
		h.convs[convID] = make(map[sessionKey]*Subscription)
	}
	if h.bySess[sessionID] == nil {
		h.bySess[sessionID] = make(map[sessionKey]*Subscription)
	}
	h.convs[convID][key] = sub
	h.bySess[sessionID][key] = sub
	h.mu.Unlock()

	metrics.ActiveSubscriptions.WithLabelValues(string(convID)).Inc()
	logging.Debug(ctx, "subscription opened",
		zap.String("conv_id", string(convID)),
		zap.String("session_id", string(sessionID)),
		zap.Int64("from_seq", start),
		zap.String("transport", transport))

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		sub.run(h.ctx)
	}()
	return sub, nil
}

// Publish implements types.Publisher: the coordinator posts each accepted
// envelope here after it is durable. Offers never block on subscriber I/O.
func (h *Hub) Publish(ctx context.Context, row types.EnvelopeRow) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.convs[row.ConvID]))
	for _, sub := range h.convs[row.ConvID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.offer(row)
	}
}

// Unsubscribe closes the (session, conv) subscription if one exists.
func (h *Hub) Unsubscribe(sessionID types.SessionIDType, convID types.ConvIDType) {
	key := sessionKey{sessionID: sessionID, convID: convID}
	h.mu.Lock()
	sub, ok := h.bySess[sessionID][key]
	h.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// DropSession tears down every subscription owned by a session; called
// when its transport closes.
func (h *Hub) DropSession(sessionID types.SessionIDType) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.bySess[sessionID]))
	for _, sub := range h.bySess[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}

// MemberRemoved implements registry.RemovalWatcher: a removed member's
// live subscriptions close immediately.
func (h *Hub) MemberRemoved(convID types.ConvIDType, userID types.UserIDType) {
	h.mu.Lock()
	var affected []*Subscription
	for _, sub := range h.convs[convID] {
		if sub.UserID == userID {
			affected = append(affected, sub)
		}
	}
	h.mu.Unlock()
	for _, sub := range affected {
		sub.terminate(wire.NewError(wire.CodeNotMember, "membership revoked"))
	}
}

// SessionRevoked tears down a revoked session's subscriptions with an
// unauthorized terminal so transports close the connection.
func (h *Hub) SessionRevoked(sessionID types.SessionIDType) {
	h.mu.Lock()
	subs := make([]*Subscription, 0, len(h.bySess[sessionID]))
	for _, sub := range h.bySess[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()
	for _, sub := range subs {
		sub.terminate(wire.NewError(wire.CodeUnauthorized, "session revoked"))
	}
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()
	metrics.ActiveSubscriptions.WithLabelValues(string(sub.ConvID)).Dec()
}

func (h *Hub) removeLocked(sub *Subscription) {
	key := sessionKey{sessionID: sub.SessionID, convID: sub.ConvID}
	if cur, ok := h.convs[sub.ConvID][key]; ok && cur == sub {
		delete(h.convs[sub.ConvID], key)
		if len(h.convs[sub.ConvID]) == 0 {
			delete(h.convs, sub.ConvID)
		}
	}
	if cur, ok := h.bySess[sub.SessionID][key]; ok && cur == sub {
		delete(h.bySess[sub.SessionID], key)
		if len(h.bySess[sub.SessionID]) == 0 {
			delete(h.bySess, sub.SessionID)
		}
	}
}

// Shutdown stops every subscription task and waits for them to exit.
func (h *Hub) Shutdown(ctx context.Context) error {
	logging.Info(ctx, "shutting down fan-out hub")
	h.cancel()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
