package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client)
}

func TestTouchAndLastSeen(t *testing.T) {
	tr := newTestTracker(t)
	tr.clock = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	ctx := context.Background()

	_, ok := tr.LastSeen(ctx, "alice")
	assert.False(t, ok)

	tr.Touch(ctx, "alice")
	ms, ok := tr.LastSeen(ctx, "alice")
	assert.True(t, ok)
	assert.Equal(t, int64(1_700_000_000_000), ms)
}

func TestNilClientIsNoop(t *testing.T) {
	tr := New(nil)
	ctx := context.Background()

	tr.Touch(ctx, "alice")
	_, ok := tr.LastSeen(ctx, "alice")
	assert.False(t, ok)
}

func TestTouchOverwrites(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	tr.clock = func() time.Time { return time.UnixMilli(1000) }
	tr.Touch(ctx, "alice")
	tr.clock = func() time.Time { return time.UnixMilli(2000) }
	tr.Touch(ctx, "alice")

	ms, ok := tr.LastSeen(ctx, "alice")
	assert.True(t, ok)
	assert.Equal(t, int64(2000), ms)
}
