// Package bus relays accepted envelopes between gateway instances over
// Redis pub/sub. Relayed rows carry origin_gateway as pass-through
// metadata; the relay performs no routing decisions.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/metrics"
	"github.com/psolyx/envgate/internal/v1/types"
)

// channel is the cluster-wide relay channel.
const channel = "envgate:relay:v1"

// relayPayload is the standardized container for moving envelopes between
// gateway instances.
type relayPayload struct {
	ConvID        string `json:"conv_id"`
	Seq           int64  `json:"seq"`
	MsgID         string `json:"msg_id"`
	SenderUserID  string `json:"sender_user_id"`
	Env           []byte `json:"env"`
	TSMS          int64  `json:"ts_ms"`
	OriginGateway string `json:"origin_gateway"` // CRITICAL: used to prevent echo
	ConvHome      string `json:"conv_home,omitempty"`
}

// Relay handles all interaction with the Redis relay channel.
type Relay struct {
	client    *redis.Client
	cb        *gobreaker.CircuitBreaker
	gatewayID string

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRedisClient creates a robust Redis connection with sane timeouts.
func NewRedisClient(addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0, // Default DB
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	// Ping to verify connection immediately
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return rdb, nil
}

// NewRelay creates the relay on an existing Redis client.
func NewRelay(client *redis.Client, gatewayID string) *Relay {
	st := gobreaker.Settings{
		Name:        "redis",
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
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}
	return &Relay{
		client:    client,
		cb:        gobreaker.NewCircuitBreaker(st),
		gatewayID: gatewayID,
	}
}

// Publish forwards one accepted envelope to the other gateway instances.
// Best effort: relay failures never fail the originating append.
func (r *Relay) Publish(ctx context.Context, row types.EnvelopeRow) {
	if r == nil || r.client == nil {
		return // Single-instance mode, no Redis available
	}
	origin := row.OriginGateway
	if origin == "" {
		origin = r.gatewayID
	}
	_, err := r.cb.Execute(func() (interface{}, error) {
		msg := relayPayload{
			ConvID:        string(row.ConvID),
			Seq:           row.Seq,
			MsgID:         row.MsgID,
			SenderUserID:  string(row.SenderUserID),
			Env:           row.Env,
			TSMS:          row.TSMS,
			OriginGateway: origin,
			ConvHome:      row.ConvHome,
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal relay payload: %w", err)
		}
		return nil, r.client.Publish(ctx, channel, data).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			logging.Debug(ctx, "relay breaker open, dropping publish")
			return
		}
		logging.Warn(ctx, "relay publish failed", zap.Error(err))
	}
}

// Subscribe starts consuming relayed envelopes, handing rows from other
// gateways to handler (typically the local fan-out hub's Publish).
func (r *Relay) Subscribe(ctx context.Context, handler func(ctx context.Context, row types.EnvelopeRow)) {
	if r == nil || r.client == nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	sub := r.client.Subscribe(ctx, channel)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p relayPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					logging.Warn(ctx, "malformed relay payload", zap.Error(err))
					continue
				}
				if p.OriginGateway == r.gatewayID {
					continue // echo suppression
				}
				handler(ctx, types.EnvelopeRow{
					ConvID:        types.ConvIDType(p.ConvID),
					Seq:           p.Seq,
					MsgID:         p.MsgID,
					SenderUserID:  types.UserIDType(p.SenderUserID),
					Env:           p.Env,
					TSMS:          p.TSMS,
					OriginGateway: p.OriginGateway,
					ConvHome:      p.ConvHome,
				})
			}
		}
	}()
}

// Close stops the subscriber loop and waits for it to exit.
func (r *Relay) Close() error {
	if r == nil {
		return nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	return nil
}
