// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"github.com/psolyx/envgate/internal/v1/config"
	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/metrics"
	"github.com/psolyx/envgate/internal/v1/types"
)

// RateLimiter holds the rate limiter instances
type RateLimiter struct {
	apiGlobal   *limiter.Limiter
	apiPublic   *limiter.Limiter
	apiRooms    *limiter.Limiter
	apiMessages *limiter.Limiter
	wsIP        *limiter.Limiter
	wsUser      *limiter.Limiter
	sendQuota   *limiter.Limiter
	store       limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}
	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}
	apiRoomsRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIRooms)
	if err != nil {
		return nil, fmt.Errorf("invalid API rooms rate: %w", err)
	}
	apiMessagesRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIMessages)
	if err != nil {
		return nil, fmt.Errorf("invalid API messages rate: %w", err)
	}
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS User rate: %w", err)
	}
	sendQuotaRate, err := limiter.NewRateFromFormatted(fmt.Sprintf("%d-S", cfg.SendQPSPerDevice))
	if err != nil {
		return nil, fmt.Errorf("invalid send quota rate: %w", err)
	}

	// Create store
	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		// Fallback to memory store if Redis is disabled (e.g. dev mode without redis)
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		apiGlobal:   limiter.New(store, apiGlobalRate),
		apiPublic:   limiter.New(store, apiPublicRate),
		apiRooms:    limiter.New(store, apiRoomsRate),
		apiMessages: limiter.New(store, apiMessagesRate),
		wsIP:        limiter.New(store, wsIPRate),
		wsUser:      limiter.New(store, wsUserRate),
		sendQuota:   limiter.New(store, sendQuotaRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// AllowWSConnect checks the per-IP connection budget for /v1/ws upgrades.
func (rl *RateLimiter) AllowWSConnect(ctx context.Context, ip string) bool {
	lctx, err := rl.wsIP.Get(ctx, "ws:ip:"+ip)
	if err != nil {
		// Limiter store failure fails open: availability over strictness.
		logging.Warn(ctx, "ws ip limiter unavailable")
		return true
	}
	if lctx.Reached {
		metrics.RateLimitRejections.WithLabelValues("ws_ip").Inc()
		return false
	}
	return true
}

// AllowWSUser checks the per-user session establishment budget.
func (rl *RateLimiter) AllowWSUser(ctx context.Context, userID types.UserIDType) bool {
	lctx, err := rl.wsUser.Get(ctx, "ws:user:"+string(userID))
	if err != nil {
		logging.Warn(ctx, "ws user limiter unavailable")
		return true
	}
	if lctx.Reached {
		metrics.RateLimitRejections.WithLabelValues("ws_user").Inc()
		return false
	}
	return true
}

// AllowSend enforces the per-device per-conversation send quota. It
// satisfies the append coordinator's QuotaChecker.
func (rl *RateLimiter) AllowSend(ctx context.Context, deviceID types.DeviceIDType, convID types.ConvIDType) bool {
	lctx, err := rl.sendQuota.Get(ctx, "send:"+string(deviceID)+":"+string(convID))
	if err != nil {
		logging.Warn(ctx, "send quota limiter unavailable")
		return true
	}
	if lctx.Reached {
		metrics.RateLimitRejections.WithLabelValues("send_quota").Inc()
		return false
	}
	return true
}
