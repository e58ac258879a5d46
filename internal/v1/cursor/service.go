// Package cursor tracks, per (session, conversation), the next sequence
// number the client has not yet acknowledged.
package cursor

import (
	"context"
	"errors"

	"github.com/psolyx/envgate/internal/v1/store"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// Service validates and applies cursor advances.
type Service struct {
	store store.Store
}

// New creates the cursor service.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// Ack applies conv.ack(conv_id, seq): next_seq_to_ack becomes
// max(current, seq+1), clamped to the conversation's log bounds. The ack
// never regresses the cursor.
func (s *Service) Ack(ctx context.Context, sessionID types.SessionIDType, convID types.ConvIDType, seq types.Seq) error {
	conv, err := s.store.GetConversation(ctx, convID)
	if errors.Is(err, store.ErrNotFound) {
		return wire.NewError(wire.CodeConvNotFound, "unknown conversation")
	}
	if err != nil {
		return wire.WrapError(wire.CodeStorageUnavailable, "cursor store unavailable", err)
	}

	// Valid acks reference an assigned seq: [1, next_seq).
	if seq < 1 || seq >= conv.NextSeq {
		return wire.NewError(wire.CodeInvalidAck, "seq outside the assigned range").
			WithDetail("latest_seq", conv.NextSeq-1)
	}

	if err := s.store.AdvanceCursor(ctx, sessionID, convID, seq+1); err != nil {
		return wire.WrapError(wire.CodeStorageUnavailable, "cursor store unavailable", err)
	}
	return nil
}

// Resolve returns the session's stored cursor for a conversation, or
// (defaultSeq, false) when no cursor exists yet.
func (s *Service) Resolve(ctx context.Context, sessionID types.SessionIDType, convID types.ConvIDType, defaultSeq types.Seq) (types.Seq, bool, error) {
	cur, err := s.store.GetCursor(ctx, sessionID, convID)
	if errors.Is(err, store.ErrNotFound) {
		return defaultSeq, false, nil
	}
	if err != nil {
		return 0, false, wire.WrapError(wire.CodeStorageUnavailable, "cursor store unavailable", err)
	}
	return cur.NextSeqToAck, true, nil
}
