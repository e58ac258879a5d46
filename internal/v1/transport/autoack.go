package transport

import (
	"context"

	"github.com/psolyx/envgate/internal/v1/cursor"
	"github.com/psolyx/envgate/internal/v1/hub"
	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// autoAckSink wraps a subscription sink and advances the durable cursor
// as events are delivered. Opt-in via conv.subscribe auto_ack; cursor
// writes are best effort and never fail the delivery.
type autoAckSink struct {
	inner     hub.Sink
	cursors   *cursor.Service
	sessionID types.SessionIDType
}

func newAutoAckSink(inner hub.Sink, cursors *cursor.Service, sessionID types.SessionIDType) *autoAckSink {
	return &autoAckSink{inner: inner, cursors: cursors, sessionID: sessionID}
}

func (s *autoAckSink) WriteEvent(ctx context.Context, row types.EnvelopeRow) error {
	if err := s.inner.WriteEvent(ctx, row); err != nil {
		return err
	}
	if err := s.cursors.Ack(context.WithoutCancel(ctx), s.sessionID, row.ConvID, row.Seq); err != nil {
		logging.Debug(ctx, "auto-ack cursor advance failed")
	}
	return nil
}

func (s *autoAckSink) SubscriptionClosed(convID types.ConvIDType, terminal *wire.Error) {
	s.inner.SubscriptionClosed(convID, terminal)
}
