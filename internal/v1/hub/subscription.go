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

// Sink is the transport half of a subscription. WriteEvent may block while
// the peer drains; the hub bounds that wait and terminates the
// subscription as a slow consumer when the bound is exceeded.
type Sink interface {
	// WriteEvent delivers one envelope in seq order. It must respect ctx
	// and return its error on cancellation.
	WriteEvent(ctx context.Context, row types.EnvelopeRow) error
	// SubscriptionClosed reports the terminal error for the subscription
	// (nil for a clean unsubscribe). Called exactly once.
	SubscriptionClosed(convID types.ConvIDType, terminal *wire.Error)
}

// Pager reads historical rows during catch-up; the replay engine
// implements it.
type Pager interface {
	Page(ctx context.Context, convID types.ConvIDType, fromSeq types.Seq) ([]types.EnvelopeRow, store.Window, error)
}

// Subscription is one owned delivery task: a bounded queue fed by the hub
// and a pump goroutine writing to the transport sink in strict seq order.
type Subscription struct {
	SessionID types.SessionIDType
	UserID    types.UserIDType
	ConvID    types.ConvIDType
	Transport string // "ws" or "sse"

	sink  Sink
	pager Pager
	grace time.Duration // slow-consumer bound per sink write

	mu       sync.Mutex
	live     bool      // queue is authoritative; false while catching up from the store
	nextSeq  types.Seq // next seq to enqueue when live / to read when catching up
	stopped  bool
	terminal *wire.Error

	queue chan types.EnvelopeRow
	wake  chan struct{} // signals fall-behind to the pump
	quit  chan struct{} // closed by terminate; unblocks the pump
	done  chan struct{}

	cancel context.CancelFunc
	onStop func(*Subscription)
}

func newSubscription(sessionID types.SessionIDType, userID types.UserIDType, convID types.ConvIDType, transport string, startSeq types.Seq, sink Sink, pager Pager, queueLen int, grace time.Duration, onStop func(*Subscription)) *Subscription {
	return &Subscription{
		SessionID: sessionID,
		UserID:    userID,
		ConvID:    convID,
		Transport: transport,
		sink:      sink,
		pager:     pager,
		grace:     grace,
		nextSeq:   startSeq,
		queue:     make(chan types.EnvelopeRow, queueLen),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
		onStop:    onStop,
	}
}

// offer hands a freshly appended row to the subscription. It never blocks:
// a full queue or an out-of-order seq flips the subscription back into
// store catch-up, where the row will be read from the log instead.
func (s *Subscription) offer(row types.EnvelopeRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || !s.live {
		return
	}
	if row.Seq < s.nextSeq {
		return // already delivered or queued
	}
	if row.Seq > s.nextSeq {
		s.fallBehindLocked()
		return
	}
	select {
	case s.queue <- row:
		s.nextSeq = row.Seq + 1
		metrics.FanoutQueueDepth.Observe(float64(len(s.queue)))
	default:
		s.fallBehindLocked()
	}
}

func (s *Subscription) fallBehindLocked() {
	s.live = false
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run is the subscription's owned task. It alternates between store
// catch-up (paged reads) and live queue consumption, preserving strictly
// ascending seq across the boundary.
func (s *Subscription) run(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	defer s.finish()

	for {
		if !s.catchUp(ctx) {
			return
		}
		if !s.consumeLive(ctx) {
			return
		}
	}
}

// catchUp pages rows out of the store until the subscription reaches the
// live edge, then atomically flips to live mode. Returns false on
// termination.
func (s *Subscription) catchUp(ctx context.Context) bool {
	for {
		if ctx.Err() != nil || s.isStopped() {
			return false
		}
		from := s.currentNext()
		rows, window, err := s.pager.Page(ctx, s.ConvID, from)
		if err != nil {
			s.terminate(wire.AsError(err))
			return false
		}
		if len(rows) > 0 {
			for _, row := range rows {
				if row.Seq < s.currentNext() {
					continue
				}
				if !s.writeRow(ctx, row) {
					return false
				}
				s.setNext(row.Seq + 1)
			}
			continue
		}
		if s.currentNext() < window.NextSeq {
			// Rows between next and the edge were pruned out from under
			// us; skip forward rather than stall.
			s.setNext(window.EarliestRetainedSeq)
			continue
		}

		// Cutover: verify emptiness again while holding the offer gate so
		// a row published between the page read and the flip cannot be
		// missed. Publishes land in the store before they reach offer, so
		// an empty read under the lock proves the queue gate is current.
		s.mu.Lock()
		rows2, _, err := s.pager.Page(ctx, s.ConvID, s.nextSeq)
		if err != nil {
			s.mu.Unlock()
			s.terminate(wire.AsError(err))
			return false
		}
		if len(rows2) == 0 {
			s.live = true
			s.mu.Unlock()
			return true
		}
		s.mu.Unlock()
	}
}

// consumeLive pumps the bounded queue to the sink until fall-behind or
// termination. Returns false on termination.
func (s *Subscription) consumeLive(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.quit:
			return false
		case <-s.wake:
			// Fell behind; resume store catch-up. Drain anything already
			// queued first so order is preserved.
			for {
				select {
				case row := <-s.queue:
					if !s.writeRow(ctx, row) {
						return false
					}
				default:
					return true
				}
			}
		case row := <-s.queue:
			if !s.writeRow(ctx, row) {
				return false
			}
		}
	}
}

// writeRow pushes one row to the sink under the slow-consumer bound.
func (s *Subscription) writeRow(ctx context.Context, row types.EnvelopeRow) bool {
	writeCtx, cancel := context.WithTimeout(ctx, s.grace)
	err := s.sink.WriteEvent(writeCtx, row)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		metrics.SlowConsumerDisconnects.Inc()
		logging.Warn(ctx, "slow consumer disconnected",
			zap.String("conv_id", string(s.ConvID)),
			zap.String("session_id", string(s.SessionID)),
			zap.Int64("seq", row.Seq))
		s.terminate(wire.NewError(wire.CodeSlowConsumer, "delivery queue saturated"))
		return false
	}
	metrics.EventsDelivered.WithLabelValues(s.Transport).Inc()
	return true
}

// terminate marks the subscription dead with a terminal error.
func (s *Subscription) terminate(terminal *wire.Error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.terminal = terminal
	s.mu.Unlock()
	close(s.quit)
	if s.cancel != nil {
		s.cancel()
	}
}

// stop ends the subscription without an error (unsubscribe, transport close).
func (s *Subscription) stop() {
	s.terminate(nil)
}

func (s *Subscription) finish() {
	s.mu.Lock()
	terminal := s.terminal
	s.mu.Unlock()
	if s.onStop != nil {
		s.onStop(s)
	}
	s.sink.SubscriptionClosed(s.ConvID, terminal)
	close(s.done)
}

// Done is closed when the subscription's task has fully exited.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Subscription) currentNext() types.Seq {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextSeq
}

func (s *Subscription) setNext(seq types.Seq) {
	s.mu.Lock()
	if seq > s.nextSeq {
		s.nextSeq = seq
	}
	s.mu.Unlock()
}
