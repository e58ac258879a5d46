package registry

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psolyx/envgate/internal/v1/store"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st)
}

// watcherRecorder records removal notifications.
type watcherRecorder struct {
	mu      sync.Mutex
	removed []string
}

func (w *watcherRecorder) MemberRemoved(convID types.ConvIDType, userID types.UserIDType) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.removed = append(w.removed, string(convID)+"/"+string(userID))
}

func TestCreate_OwnerEnrolled(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "c1", "alice", 1000))
	assert.NoError(t, r.Authorize(ctx, "c1", "alice"))

	members, err := r.Members(ctx, "c1", "alice")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, types.RoleOwner, members[0].Role)
}

func TestCreate_DuplicateConflicts(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "c1", "alice", 1000))
	err := r.Create(ctx, "c1", "bob", 2000)
	assert.ErrorIs(t, err, wire.NewError(wire.CodeConflict, ""))
}

func TestCreate_EmptyConvID(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Create(context.Background(), "", "alice", 1000)
	assert.ErrorIs(t, err, wire.NewError(wire.CodeInvalidFrame, ""))
}

func TestInvite_RequiresAdminRole(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "c1", "alice", 1000))
	require.NoError(t, r.Invite(ctx, "c1", "alice", "bob"))

	// A plain member cannot invite.
	err := r.Invite(ctx, "c1", "bob", "carol")
	assert.ErrorIs(t, err, wire.NewError(wire.CodeForbidden, ""))

	// A non-member cannot invite.
	err = r.Invite(ctx, "c1", "mallory", "carol")
	assert.ErrorIs(t, err, wire.NewError(wire.CodeNotMember, ""))
}

func TestInvite_Idempotent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "c1", "alice", 1000))
	require.NoError(t, r.Invite(ctx, "c1", "alice", "bob"))
	require.NoError(t, r.Invite(ctx, "c1", "alice", "bob"))

	members, err := r.Members(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Len(t, members, 2)
}

func TestAuthorize_NonMemberAndUnknownConv(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "c1", "alice", 1000))

	err := r.Authorize(ctx, "c1", "mallory")
	assert.ErrorIs(t, err, wire.NewError(wire.CodeNotMember, ""))

	err = r.Authorize(ctx, "ghost", "alice")
	assert.ErrorIs(t, err, wire.NewError(wire.CodeConvNotFound, ""))
}

func TestRemove_NotifiesWatcherAndRevokesAccess(t *testing.T) {
	r := newTestRegistry(t)
	w := &watcherRecorder{}
	r.SetRemovalWatcher(w)
	ctx := context.Background()

	require.NoError(t, r.Create(ctx, "c1", "alice", 1000))
	require.NoError(t, r.Invite(ctx, "c1", "alice", "bob"))
	require.NoError(t, r.Authorize(ctx, "c1", "bob"))

	require.NoError(t, r.Remove(ctx, "c1", "alice", "bob"))
	assert.Equal(t, []string{"c1/bob"}, w.removed)

	// Removal is effective immediately: authorization is rechecked.
	err := r.Authorize(ctx, "c1", "bob")
	assert.ErrorIs(t, err, wire.NewError(wire.CodeNotMember, ""))
}

func TestRemove_LastOwnerProtected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "c1", "alice", 1000))

	err := r.Remove(ctx, "c1", "alice", "alice")
	assert.ErrorIs(t, err, wire.NewError(wire.CodeForbidden, ""))
}

func TestPromoteDemote(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "c1", "alice", 1000))
	require.NoError(t, r.Invite(ctx, "c1", "alice", "bob"))

	require.NoError(t, r.Promote(ctx, "c1", "alice", "bob"))
	members, err := r.Members(ctx, "c1", "alice")
	require.NoError(t, err)
	roles := map[types.UserIDType]types.RoleType{}
	for _, m := range members {
		roles[m.UserID] = m.Role
	}
	assert.Equal(t, types.RoleAdmin, roles["bob"])

	// Admins may administer.
	require.NoError(t, r.Invite(ctx, "c1", "bob", "carol"))

	require.NoError(t, r.Demote(ctx, "c1", "alice", "bob"))
	err = r.Invite(ctx, "c1", "bob", "dave")
	assert.ErrorIs(t, err, wire.NewError(wire.CodeForbidden, ""))
}

func TestDemote_LastOwnerProtected(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "c1", "alice", 1000))

	err := r.Demote(ctx, "c1", "alice", "alice")
	assert.ErrorIs(t, err, wire.NewError(wire.CodeForbidden, ""))
}

func TestMembers_RequiresMembership(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "c1", "alice", 1000))

	_, err := r.Members(ctx, "c1", "mallory")
	assert.ErrorIs(t, err, wire.NewError(wire.CodeNotMember, ""))
}

func TestCreateDM_IdempotentOnPair(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	created, err := r.CreateDM(ctx, "dm-1", "alice", "bob", 1000)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.CreateDM(ctx, "dm-1", "alice", "bob", 2000)
	require.NoError(t, err)
	assert.False(t, created)

	// Both peers are owners and may send/subscribe.
	require.NoError(t, r.Authorize(ctx, "dm-1", "alice"))
	require.NoError(t, r.Authorize(ctx, "dm-1", "bob"))
}

func TestCacheInvalidationOnWrite(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Create(ctx, "c1", "alice", 1000))

	// Prime the cache.
	require.NoError(t, r.Authorize(ctx, "c1", "alice"))

	require.NoError(t, r.Invite(ctx, "c1", "alice", "bob"))
	// The fresh member is visible immediately, not after cache expiry.
	assert.NoError(t, r.Authorize(ctx, "c1", "bob"))
}
