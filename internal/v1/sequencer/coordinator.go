// Package sequencer serializes envelope writes per conversation and owns the
// two core invariants: dense monotonic seq assignment and (conv_id, msg_id)
// idempotency. Appends are serial within a conversation and fully parallel
// across conversations.
package sequencer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/metrics"
	"github.com/psolyx/envgate/internal/v1/store"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// Authorizer gates sends on membership at acceptance time.
type Authorizer interface {
	Authorize(ctx context.Context, convID types.ConvIDType, userID types.UserIDType) error
}

// QuotaChecker enforces the per-device per-conversation send quota.
type QuotaChecker interface {
	AllowSend(ctx context.Context, deviceID types.DeviceIDType, convID types.ConvIDType) bool
}

// Request is one candidate envelope.
type Request struct {
	ConvID        types.ConvIDType
	Sender        types.UserIDType
	DeviceID      types.DeviceIDType
	MsgID         string
	Env           []byte
	OriginGateway string
	ConvHome      string
}

// Result mirrors the append contract: the assigned (or pre-existing) seq
// and timestamp, and whether the msg_id had already been accepted.
type Result struct {
	Seq       types.Seq
	TSMS      int64
	Duplicate bool
}

// storageAttempts bounds internal retries before the sender sees
// storage_unavailable. The envelope is never acked on a failed attempt.
const storageAttempts = 3

// Coordinator is the per-conversation single-writer region.
type Coordinator struct {
	store      store.Store
	authorizer Authorizer
	publisher  types.Publisher
	quota      QuotaChecker // optional

	maxEnvBytes int64
	clock       func() time.Time
	breaker     *gobreaker.CircuitBreaker

	mu    sync.Mutex
	locks map[types.ConvIDType]*sync.Mutex
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) { c.clock = clock }
}

// WithQuota attaches the send-quota checker.
func WithQuota(q QuotaChecker) Option {
	return func(c *Coordinator) { c.quota = q }
}

// New wires the coordinator to its store, authorizer, and publisher.
func New(st store.Store, authorizer Authorizer, publisher types.Publisher, maxEnvBytes int64, opts ...Option) *Coordinator {
	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("store").Set(stateVal)
		},
	}
	c := &Coordinator{
		store:       st,
		authorizer:  authorizer,
		publisher:   publisher,
		maxEnvBytes: maxEnvBytes,
		clock:       time.Now,
		breaker:     gobreaker.NewCircuitBreaker(settings),
		locks:       make(map[types.ConvIDType]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Append validates, serializes, durably writes, and publishes one
// envelope. The returned seq is only valid after the row is fsync-durable;
// callers may ack the sender as soon as Append returns.
func (c *Coordinator) Append(ctx context.Context, req Request) (Result, error) {
	if err := types.ValidateMsgID(req.MsgID); err != nil {
		return Result{}, wire.WrapError(wire.CodeInvalidFrame, err.Error(), err)
	}
	// An empty env is valid: handshake envelopes are a bare kind prefix.
	if int64(len(req.Env)) > c.maxEnvBytes {
		metrics.AppendsTotal.WithLabelValues("payload_too_large").Inc()
		return Result{}, wire.NewError(wire.CodePayloadTooLarge, "envelope exceeds size limit").
			WithDetail("max_env_bytes", c.maxEnvBytes)
	}

	if err := c.authorizer.Authorize(ctx, req.ConvID, req.Sender); err != nil {
		metrics.AppendsTotal.WithLabelValues("rejected").Inc()
		return Result{}, err
	}

	if c.quota != nil && !c.quota.AllowSend(ctx, req.DeviceID, req.ConvID) {
		metrics.AppendsTotal.WithLabelValues("rate_limited").Inc()
		return Result{}, wire.NewError(wire.CodeRateLimited, "send quota exceeded")
	}

	lock := c.convLock(req.ConvID)
	lock.Lock()
	defer lock.Unlock()

	start := c.clock()
	row := types.EnvelopeRow{
		ConvID:        req.ConvID,
		MsgID:         req.MsgID,
		SenderUserID:  req.Sender,
		Env:           req.Env,
		TSMS:          start.UnixMilli(),
		OriginGateway: req.OriginGateway,
		ConvHome:      req.ConvHome,
	}

	res, err := c.writeWithRetry(ctx, row)
	if err != nil {
		return Result{}, err
	}
	metrics.AppendDuration.Observe(c.clock().Sub(start).Seconds())

	if res.Duplicate {
		metrics.AppendsTotal.WithLabelValues("duplicate").Inc()
		logging.Debug(ctx, "duplicate append",
			zap.String("conv_id", string(req.ConvID)),
			zap.String("msg_id", req.MsgID),
			zap.Int64("seq", res.Seq))
		return Result{Seq: res.Seq, TSMS: res.TSMS, Duplicate: true}, nil
	}

	metrics.AppendsTotal.WithLabelValues("accepted").Inc()

	// Publish after durability; the hub sees each accepted envelope
	// exactly once. Duplicates are not republished.
	row.Seq = res.Seq
	c.publisher.Publish(ctx, row)

	return Result{Seq: res.Seq, TSMS: res.TSMS, Duplicate: false}, nil
}

// writeWithRetry runs the durable write behind the circuit breaker with a
// bounded retry policy. A failed attempt never assigns a seq the caller
// can observe; the store transaction rolls back whole.
func (c *Coordinator) writeWithRetry(ctx context.Context, row types.EnvelopeRow) (store.AppendResult, error) {
	var lastErr error
	for attempt := 0; attempt < storageAttempts; attempt++ {
		out, err := c.breaker.Execute(func() (interface{}, error) {
			return c.store.AppendEnvelope(ctx, row)
		})
		if err == nil {
			return out.(store.AppendResult), nil
		}
		if errors.Is(err, store.ErrNotFound) {
			metrics.AppendsTotal.WithLabelValues("rejected").Inc()
			return store.AppendResult{}, wire.NewError(wire.CodeConvNotFound, "unknown conversation")
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		lastErr = err
		select {
		case <-ctx.Done():
			metrics.AppendsTotal.WithLabelValues("storage_unavailable").Inc()
			return store.AppendResult{}, wire.WrapError(wire.CodeStorageUnavailable, "append cancelled", ctx.Err())
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	metrics.AppendsTotal.WithLabelValues("storage_unavailable").Inc()
	logging.Error(ctx, "append exhausted storage retries",
		zap.String("conv_id", string(row.ConvID)), zap.Error(lastErr))
	return store.AppendResult{}, wire.WrapError(wire.CodeStorageUnavailable, "storage unavailable", lastErr)
}

// convLock returns the serialization point for a conversation.
func (c *Coordinator) convLock(convID types.ConvIDType) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[convID]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[convID] = lock
	}
	return lock
}
