package ratelimit

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"

	"github.com/psolyx/envgate/internal/v1/metrics"
)

// limitBy runs one limiter against a key and aborts with 429 when reached.
func limitBy(c *gin.Context, l *limiter.Limiter, key, limitType string) bool {
	lctx, err := l.Get(c.Request.Context(), key)
	if err != nil {
		// Fail open on limiter store errors.
		return true
	}
	c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
	if lctx.Reached {
		metrics.RateLimitRejections.WithLabelValues(limitType).Inc()
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"code":    "rate_limited",
			"message": "rate limit exceeded",
		})
		return false
	}
	return true
}

// GlobalMiddleware applies the authenticated-user budget when a session is
// on the context, and the stricter per-IP budget otherwise.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID, ok := c.Get("user_id"); ok {
			if !limitBy(c, rl.apiGlobal, "api:user:"+userID.(string), "api_global") {
				return
			}
		} else {
			if !limitBy(c, rl.apiPublic, "api:ip:"+c.ClientIP(), "api_public") {
				return
			}
		}
		c.Next()
	}
}

// RoomsMiddleware guards the room administration endpoints.
func (rl *RateLimiter) RoomsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "rooms:ip:" + c.ClientIP()
		if userID, ok := c.Get("user_id"); ok {
			key = "rooms:user:" + userID.(string)
		}
		if !limitBy(c, rl.apiRooms, key, "api_rooms") {
			return
		}
		c.Next()
	}
}

// MessagesMiddleware guards the HTTP inbox.
func (rl *RateLimiter) MessagesMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := "messages:ip:" + c.ClientIP()
		if userID, ok := c.Get("user_id"); ok {
			key = "messages:user:" + userID.(string)
		}
		if !limitBy(c, rl.apiMessages, key, "api_messages") {
			return
		}
		c.Next()
	}
}
