// Package replay resolves subscription start points against the retained
// window and pages historical rows out of the store.
package replay

import (
	"context"
	"errors"

	"github.com/psolyx/envgate/internal/v1/cursor"
	"github.com/psolyx/envgate/internal/v1/store"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// PageSize is the read_range chunk used for the historical drain.
const PageSize = 256

// Engine serves from_seq reads and detects pruned-window requests.
type Engine struct {
	store   store.Store
	cursors *cursor.Service
}

// New creates the replay engine.
func New(st store.Store, cursors *cursor.Service) *Engine {
	return &Engine{store: st, cursors: cursors}
}

// ResolveStart decides where a subscription begins. A nil fromSeq resolves
// to the session's stored cursor, defaulting to the live edge (next_seq)
// on first subscribe. A request below earliest_retained_seq yields
// replay_window_exceeded carrying the current bounds.
func (e *Engine) ResolveStart(ctx context.Context, sessionID types.SessionIDType, convID types.ConvIDType, fromSeq *types.Seq) (types.Seq, store.Window, error) {
	_, window, err := e.store.ReadRange(ctx, convID, 0, 1)
	if errors.Is(err, store.ErrNotFound) {
		return 0, store.Window{}, wire.NewError(wire.CodeConvNotFound, "unknown conversation")
	}
	if err != nil {
		return 0, store.Window{}, wire.WrapError(wire.CodeStorageUnavailable, "replay store unavailable", err)
	}

	var start types.Seq
	if fromSeq != nil {
		start = *fromSeq
	} else {
		start, _, err = e.cursors.Resolve(ctx, sessionID, convID, window.NextSeq)
		if err != nil {
			return 0, store.Window{}, err
		}
	}

	// A cursor that lagged behind pruning is treated exactly like an
	// explicit out-of-window request: the client must restate its start.
	if start < window.EarliestRetainedSeq {
		return 0, window, wire.NewError(wire.CodeReplayWindowExceeded, "requested seq precedes the retained window").
			WithDetail("requested_from_seq", start).
			WithDetail("earliest_seq", window.EarliestRetainedSeq).
			WithDetail("latest_seq", window.NextSeq-1)
	}
	if start > window.NextSeq {
		start = window.NextSeq
	}
	return start, window, nil
}

// Page reads one chunk of history beginning at fromSeq. The second return
// is the window observed at read time; callers use NextSeq to decide when
// the drain has caught the live edge.
func (e *Engine) Page(ctx context.Context, convID types.ConvIDType, fromSeq types.Seq) ([]types.EnvelopeRow, store.Window, error) {
	rows, window, err := e.store.ReadRange(ctx, convID, fromSeq, PageSize)
	if errors.Is(err, store.ErrNotFound) {
		return nil, store.Window{}, wire.NewError(wire.CodeConvNotFound, "unknown conversation")
	}
	if err != nil {
		return nil, store.Window{}, wire.WrapError(wire.CodeStorageUnavailable, "replay store unavailable", err)
	}
	return rows, window, nil
}
