// Package registry is the authoritative source for conversation membership
// and roles, and the authorization gate for every send and subscribe.
package registry

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/store"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// RemovalWatcher is notified when a user loses membership so live
// subscriptions can be torn down immediately.
type RemovalWatcher interface {
	MemberRemoved(convID types.ConvIDType, userID types.UserIDType)
}

// Registry answers membership questions with a read-mostly cache over the
// store; the cache invalidates on every registry write.
type Registry struct {
	store   store.Store
	watcher RemovalWatcher // optional

	mu    sync.RWMutex
	cache map[types.ConvIDType]map[types.UserIDType]types.RoleType
}

// New creates a Registry backed by the given store.
func New(st store.Store) *Registry {
	return &Registry{
		store: st,
		cache: make(map[types.ConvIDType]map[types.UserIDType]types.RoleType),
	}
}

// SetRemovalWatcher attaches the fan-out hub after construction; the
// registry is built before the hub, so wiring is two-phase.
func (r *Registry) SetRemovalWatcher(w RemovalWatcher) {
	r.watcher = w
}

// Create creates a conversation with caller as owner. Duplicate creation
// returns conflict.
func (r *Registry) Create(ctx context.Context, convID types.ConvIDType, caller types.UserIDType, nowMS int64) error {
	if convID == "" {
		return wire.NewError(wire.CodeInvalidFrame, "conv_id cannot be empty")
	}
	err := r.store.CreateConversation(ctx, convID, caller, nowMS)
	if errors.Is(err, store.ErrConflict) {
		return wire.NewError(wire.CodeConflict, "conversation already exists")
	}
	if err != nil {
		return wire.WrapError(wire.CodeStorageUnavailable, "registry store unavailable", err)
	}
	r.invalidate(convID)
	logging.Info(ctx, "conversation created",
		zap.String("conv_id", string(convID)), zap.String("owner", string(caller)))
	return nil
}

// CreateDM creates (or returns) the canonical two-member conversation for
// a user pair. Both members are owners. Idempotent on the pair.
func (r *Registry) CreateDM(ctx context.Context, convID types.ConvIDType, a, b types.UserIDType, nowMS int64) (created bool, err error) {
	err = r.store.CreateConversation(ctx, convID, a, nowMS)
	if errors.Is(err, store.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, wire.WrapError(wire.CodeStorageUnavailable, "registry store unavailable", err)
	}
	if err := r.store.UpsertMember(ctx, types.Member{ConvID: convID, UserID: b, Role: types.RoleOwner}); err != nil {
		return false, wire.WrapError(wire.CodeStorageUnavailable, "registry store unavailable", err)
	}
	r.invalidate(convID)
	return true, nil
}

// Invite adds userID as a member. Caller must be owner or admin.
func (r *Registry) Invite(ctx context.Context, convID types.ConvIDType, caller, userID types.UserIDType) error {
	if err := r.requireAdmin(ctx, convID, caller); err != nil {
		return err
	}
	if _, err := r.roleOf(ctx, convID, userID); err == nil {
		// Already a member; invite is idempotent.
		return nil
	}
	if err := r.store.UpsertMember(ctx, types.Member{ConvID: convID, UserID: userID, Role: types.RoleMember}); err != nil {
		return wire.WrapError(wire.CodeStorageUnavailable, "registry store unavailable", err)
	}
	r.invalidate(convID)
	return nil
}

// Remove removes userID from the conversation. Caller must be owner or
// admin; the last owner cannot be removed.
func (r *Registry) Remove(ctx context.Context, convID types.ConvIDType, caller, userID types.UserIDType) error {
	if err := r.requireAdmin(ctx, convID, caller); err != nil {
		return err
	}
	role, err := r.roleOf(ctx, convID, userID)
	if err != nil {
		return wire.NewError(wire.CodeNotMember, "user is not a member")
	}
	if role == types.RoleOwner {
		if owners, err := r.countOwners(ctx, convID); err != nil {
			return err
		} else if owners <= 1 {
			return wire.NewError(wire.CodeForbidden, "cannot remove the last owner")
		}
	}
	if err := r.store.RemoveMember(ctx, convID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wire.NewError(wire.CodeNotMember, "user is not a member")
		}
		return wire.WrapError(wire.CodeStorageUnavailable, "registry store unavailable", err)
	}
	r.invalidate(convID)
	if r.watcher != nil {
		r.watcher.MemberRemoved(convID, userID)
	}
	logging.Info(ctx, "member removed",
		zap.String("conv_id", string(convID)), zap.String("removed", string(userID)))
	return nil
}

// Promote raises userID to admin. Caller must be owner or admin.
func (r *Registry) Promote(ctx context.Context, convID types.ConvIDType, caller, userID types.UserIDType) error {
	return r.setRole(ctx, convID, caller, userID, types.RoleAdmin)
}

// Demote lowers userID to member. Caller must be owner or admin; the last
// owner cannot be demoted.
func (r *Registry) Demote(ctx context.Context, convID types.ConvIDType, caller, userID types.UserIDType) error {
	role, err := r.roleOf(ctx, convID, userID)
	if err != nil {
		return wire.NewError(wire.CodeNotMember, "user is not a member")
	}
	if role == types.RoleOwner {
		if owners, err := r.countOwners(ctx, convID); err != nil {
			return err
		} else if owners <= 1 {
			return wire.NewError(wire.CodeForbidden, "cannot demote the last owner")
		}
	}
	return r.setRole(ctx, convID, caller, userID, types.RoleMember)
}

func (r *Registry) setRole(ctx context.Context, convID types.ConvIDType, caller, userID types.UserIDType, role types.RoleType) error {
	if err := r.requireAdmin(ctx, convID, caller); err != nil {
		return err
	}
	if _, err := r.roleOf(ctx, convID, userID); err != nil {
		return wire.NewError(wire.CodeNotMember, "user is not a member")
	}
	if err := r.store.UpsertMember(ctx, types.Member{ConvID: convID, UserID: userID, Role: role}); err != nil {
		return wire.WrapError(wire.CodeStorageUnavailable, "registry store unavailable", err)
	}
	r.invalidate(convID)
	return nil
}

// Members lists the membership set. Caller must be a member.
func (r *Registry) Members(ctx context.Context, convID types.ConvIDType, caller types.UserIDType) ([]types.Member, error) {
	if err := r.Authorize(ctx, convID, caller); err != nil {
		return nil, err
	}
	members, err := r.store.ListMembers(ctx, convID)
	if err != nil {
		return nil, wire.WrapError(wire.CodeStorageUnavailable, "registry store unavailable", err)
	}
	return members, nil
}

// Authorize checks that userID may send to or subscribe on convID: the
// membership must exist at the time of acceptance.
func (r *Registry) Authorize(ctx context.Context, convID types.ConvIDType, userID types.UserIDType) error {
	if _, err := r.store.GetConversation(ctx, convID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wire.NewError(wire.CodeConvNotFound, "unknown conversation")
		}
		return wire.WrapError(wire.CodeStorageUnavailable, "registry store unavailable", err)
	}
	if _, err := r.roleOf(ctx, convID, userID); err != nil {
		return wire.NewError(wire.CodeNotMember, "not a member of this conversation")
	}
	return nil
}

func (r *Registry) requireAdmin(ctx context.Context, convID types.ConvIDType, caller types.UserIDType) error {
	if _, err := r.store.GetConversation(ctx, convID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return wire.NewError(wire.CodeConvNotFound, "unknown conversation")
		}
		return wire.WrapError(wire.CodeStorageUnavailable, "registry store unavailable", err)
	}
	role, err := r.roleOf(ctx, convID, caller)
	if err != nil {
		return wire.NewError(wire.CodeNotMember, "not a member of this conversation")
	}
	if !role.CanAdminister() {
		return wire.NewError(wire.CodeForbidden, "requires owner or admin role")
	}
	return nil
}

// roleOf resolves a member's role through the cache.
func (r *Registry) roleOf(ctx context.Context, convID types.ConvIDType, userID types.UserIDType) (types.RoleType, error) {
	r.mu.RLock()
	if roles, ok := r.cache[convID]; ok {
		role, member := roles[userID]
		r.mu.RUnlock()
		if !member {
			return types.RoleUnknown, store.ErrNotFound
		}
		return role, nil
	}
	r.mu.RUnlock()

	members, err := r.store.ListMembers(ctx, convID)
	if err != nil {
		return types.RoleUnknown, err
	}
	roles := make(map[types.UserIDType]types.RoleType, len(members))
	for _, m := range members {
		roles[m.UserID] = m.Role
	}
	r.mu.Lock()
	r.cache[convID] = roles
	r.mu.Unlock()

	role, member := roles[userID]
	if !member {
		return types.RoleUnknown, store.ErrNotFound
	}
	return role, nil
}

func (r *Registry) countOwners(ctx context.Context, convID types.ConvIDType) (int, error) {
	members, err := r.store.ListMembers(ctx, convID)
	if err != nil {
		return 0, wire.WrapError(wire.CodeStorageUnavailable, "registry store unavailable", err)
	}
	owners := 0
	for _, m := range members {
		if m.Role == types.RoleOwner {
			owners++
		}
	}
	return owners, nil
}

func (r *Registry) invalidate(convID types.ConvIDType) {
	r.mu.Lock()
	delete(r.cache, convID)
	r.mu.Unlock()
}
