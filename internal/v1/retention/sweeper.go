// Package retention applies the pruning window: each conversation keeps
// at most MAX_RETAINED rows and/or RETAIN_MS of history, and dead
// sessions are cleared with their cursors.
package retention

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/metrics"
	"github.com/psolyx/envgate/internal/v1/store"
	"github.com/psolyx/envgate/internal/v1/types"
)

// SessionSweeper clears sessions past their resume window.
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Sweeper runs the retention pass on an interval.
type Sweeper struct {
	store    store.Store
	sessions SessionSweeper // optional
	policy   store.RetentionPolicy
	interval time.Duration
	clock    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Sweeper. A policy with no bounds still sweeps sessions.
func New(st store.Store, sessions SessionSweeper, policy store.RetentionPolicy, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    st,
		sessions: sessions,
		policy:   policy,
		interval: interval,
		clock:    time.Now,
	}
}

// Start launches the background loop.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// RunOnce applies one retention pass across all conversations.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if s.policy.Bounded() {
		convs, err := s.store.ListConversations(ctx)
		if err != nil {
			logging.Error(ctx, "retention sweep: listing conversations failed", zap.Error(err))
		} else {
			for _, conv := range convs {
				s.pruneConversation(ctx, conv)
			}
		}
	}

	if s.sessions != nil {
		if removed, err := s.sessions.SweepExpired(ctx); err != nil {
			logging.Error(ctx, "retention sweep: session expiry failed", zap.Error(err))
		} else if removed > 0 {
			logging.Info(ctx, "expired sessions removed", zap.Int64("count", removed))
		}
	}
}

// pruneConversation computes the strictest prune point allowed by the
// policy and applies it.
func (s *Sweeper) pruneConversation(ctx context.Context, conv types.Conversation) {
	upTo := conv.EarliestRetainedSeq

	if s.policy.MaxRetained > 0 {
		if byCount := conv.NextSeq - s.policy.MaxRetained; byCount > upTo {
			upTo = byCount
		}
	}

	if s.policy.RetainFor > 0 {
		cutoff := s.clock().Add(-s.policy.RetainFor).UnixMilli()
		byAge, err := s.store.SeqLowerBoundByTime(ctx, conv.ConvID, cutoff)
		if err != nil {
			logging.Error(ctx, "retention sweep: time bound failed",
				zap.String("conv_id", string(conv.ConvID)), zap.Error(err))
		} else if byAge > upTo {
			upTo = byAge
		}
	}

	if upTo <= conv.EarliestRetainedSeq {
		return
	}

	removed, err := s.store.Prune(ctx, conv.ConvID, upTo)
	if err != nil {
		logging.Error(ctx, "retention sweep: prune failed",
			zap.String("conv_id", string(conv.ConvID)), zap.Error(err))
		return
	}
	if removed > 0 {
		metrics.PrunedEnvelopes.Add(float64(removed))
		logging.Debug(ctx, "pruned conversation history",
			zap.String("conv_id", string(conv.ConvID)),
			zap.Int64("removed", removed),
			zap.Int64("earliest_retained_seq", upTo))
	}
}
