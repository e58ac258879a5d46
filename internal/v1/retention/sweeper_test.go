package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psolyx/envgate/internal/v1/store"
	"github.com/psolyx/envgate/internal/v1/types"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "retention.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func seed(t *testing.T, st *store.SQLiteStore, convID types.ConvIDType, n int, baseTS int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateConversation(ctx, convID, "alice", 1))
	for i := 1; i <= n; i++ {
		_, err := st.AppendEnvelope(ctx, types.EnvelopeRow{
			ConvID: convID, MsgID: string(rune('a' + i)), SenderUserID: "alice",
			Env: []byte{1}, TSMS: baseTS + int64(i*1000),
		})
		require.NoError(t, err)
	}
}

func TestRunOnce_CountBound(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "c1", 5, 0)

	s := New(st, nil, store.RetentionPolicy{MaxRetained: 3}, time.Minute)
	s.RunOnce(context.Background())

	rows, window, err := st.ReadRange(context.Background(), "c1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), window.EarliestRetainedSeq)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(3), rows[0].Seq)
}

func TestRunOnce_AgeBound(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "c1", 4, 0) // rows at ts 1000..4000

	s := New(st, nil, store.RetentionPolicy{RetainFor: time.Second}, time.Minute)
	s.clock = func() time.Time { return time.UnixMilli(3500) } // cutoff 2500

	s.RunOnce(context.Background())

	_, window, err := st.ReadRange(context.Background(), "c1", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), window.EarliestRetainedSeq)
}

func TestRunOnce_UnboundedPolicyKeepsEverything(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "c1", 5, 0)

	s := New(st, nil, store.RetentionPolicy{}, time.Minute)
	s.RunOnce(context.Background())

	rows, window, err := st.ReadRange(context.Background(), "c1", 1, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 5)
	assert.Equal(t, int64(1), window.EarliestRetainedSeq)
}

func TestRunOnce_MultipleConversations(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "c1", 5, 0)
	seed(t, st, "c2", 2, 0)

	s := New(st, nil, store.RetentionPolicy{MaxRetained: 3}, time.Minute)
	s.RunOnce(context.Background())

	_, w1, err := st.ReadRange(context.Background(), "c1", 1, 10)
	require.NoError(t, err)
	_, w2, err := st.ReadRange(context.Background(), "c2", 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(3), w1.EarliestRetainedSeq)
	assert.Equal(t, int64(1), w2.EarliestRetainedSeq, "a short log is untouched")
}

// stubSessions records sweep calls.
type stubSessions struct{ calls int }

func (s *stubSessions) SweepExpired(ctx context.Context) (int64, error) {
	s.calls++
	return 2, nil
}

func TestRunOnce_SweepsSessions(t *testing.T) {
	st := newTestStore(t)
	sessions := &stubSessions{}

	s := New(st, sessions, store.RetentionPolicy{}, time.Minute)
	s.RunOnce(context.Background())

	assert.Equal(t, 1, sessions.calls)
}

func TestStartStop(t *testing.T) {
	st := newTestStore(t)
	seed(t, st, "c1", 5, 0)

	s := New(st, nil, store.RetentionPolicy{MaxRetained: 3}, 10*time.Millisecond)
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		_, window, err := st.ReadRange(context.Background(), "c1", 1, 10)
		return err == nil && window.EarliestRetainedSeq == 3
	}, 5*time.Second, 10*time.Millisecond)

	s.Stop()
}
