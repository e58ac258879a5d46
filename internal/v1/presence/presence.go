// Package presence tracks coarse per-user last-seen timestamps in Redis.
// Best effort only: presence never blocks or fails a request.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/types"
)

const keyPrefix = "envgate:presence:"

// lastSeenTTL bounds how long a stale presence entry survives.
const lastSeenTTL = 7 * 24 * time.Hour

// Tracker records and reads last-seen marks.
type Tracker struct {
	client *redis.Client
	clock  func() time.Time
}

// New creates a Tracker. A nil client disables presence entirely.
func New(client *redis.Client) *Tracker {
	return &Tracker{client: client, clock: time.Now}
}

// Touch records activity for a user. Fire and forget.
func (t *Tracker) Touch(ctx context.Context, userID types.UserIDType) {
	if t == nil || t.client == nil {
		return
	}
	ms := t.clock().UnixMilli()
	if err := t.client.Set(ctx, keyPrefix+string(userID), strconv.FormatInt(ms, 10), lastSeenTTL).Err(); err != nil {
		logging.Debug(ctx, "presence touch failed")
	}
}

// LastSeen returns the user's last-seen timestamp when one is recorded.
func (t *Tracker) LastSeen(ctx context.Context, userID types.UserIDType) (int64, bool) {
	if t == nil || t.client == nil {
		return 0, false
	}
	val, err := t.client.Get(ctx, keyPrefix+string(userID)).Result()
	if err != nil {
		return 0, false
	}
	ms, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}
