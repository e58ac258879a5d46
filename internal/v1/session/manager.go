// Package session issues and validates gateway sessions. A session binds a
// user and device to two opaque bearer tokens: a short-lived session_token
// presented on every request and a longer-lived, device-bound resume_token
// used to re-establish the session after disconnects.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/psolyx/envgate/internal/v1/auth"
	"github.com/psolyx/envgate/internal/v1/logging"
	"github.com/psolyx/envgate/internal/v1/metrics"
	"github.com/psolyx/envgate/internal/v1/store"
	"github.com/psolyx/envgate/internal/v1/types"
	"github.com/psolyx/envgate/internal/v1/wire"
)

// Established is the result of session.start / session.resume. Token
// values here are plaintext; they are returned to the client once and
// never logged.
type Established struct {
	SessionID    types.SessionIDType
	UserID       types.UserIDType
	DeviceID     types.DeviceIDType
	SessionToken string
	ResumeToken  string
	ExpiresAtMS  int64
}

// Info is the redacted session view served by session.list.
type Info struct {
	SessionID   types.SessionIDType `json:"session_id"`
	DeviceID    types.DeviceIDType  `json:"device_id"`
	ExpiresAtMS int64               `json:"expires_at_ms"`
	Revoked     bool                `json:"revoked"`
	Current     bool                `json:"current"`
	LastSeenMS  int64               `json:"last_seen_ms,omitempty"`
}

// PresenceReader supplies coarse last-seen timestamps for session.list.
type PresenceReader interface {
	LastSeen(ctx context.Context, userID types.UserIDType) (int64, bool)
}

// Manager owns the session lifecycle.
type Manager struct {
	store     store.Store
	validator auth.TokenValidator
	presence  PresenceReader // optional

	sessionTTL         time.Duration
	resumeTTL          time.Duration
	maxSessionsPerUser int

	clock func() time.Time

	// Validation cache: token hash → session, invalidated on revocation.
	// Read-mostly; every live connection validates on each frame.
	mu    sync.RWMutex
	cache map[string]types.Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithPresence attaches a last-seen reader for session.list.
func WithPresence(p PresenceReader) Option {
	return func(m *Manager) { m.presence = p }
}

// NewManager wires the session manager to its store and token validator.
func NewManager(st store.Store, validator auth.TokenValidator, sessionTTL, resumeTTL time.Duration, maxSessionsPerUser int, opts ...Option) *Manager {
	m := &Manager{
		store:              st,
		validator:          validator,
		sessionTTL:         sessionTTL,
		resumeTTL:          resumeTTL,
		maxSessionsPerUser: maxSessionsPerUser,
		clock:              time.Now,
		cache:              make(map[string]types.Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start validates the bootstrap credential and issues a new session bound
// to deviceID.
func (m *Manager) Start(ctx context.Context, authToken string, deviceID types.DeviceIDType, deviceCredential string) (Established, error) {
	if authToken == "" || deviceID == "" {
		return Established{}, wire.NewError(wire.CodeUnauthorized, "missing credentials")
	}

	claims, err := m.validator.ValidateToken(authToken)
	if err != nil {
		logging.Warn(ctx, "session start rejected", zap.String("reason", "bad auth token"))
		return Established{}, wire.WrapError(wire.CodeUnauthorized, "invalid credential", err)
	}
	userID := types.UserIDType(claims.Subject)
	if userID == "" {
		return Established{}, wire.NewError(wire.CodeUnauthorized, "credential has no subject")
	}

	now := m.clock()
	active, err := m.store.CountActiveSessions(ctx, userID, now.UnixMilli())
	if err != nil {
		return Established{}, wire.WrapError(wire.CodeStorageUnavailable, "session store unavailable", err)
	}
	if m.maxSessionsPerUser > 0 && active >= m.maxSessionsPerUser {
		return Established{}, wire.NewError(wire.CodeRateLimited, "too many active sessions")
	}

	sessionToken, sessionHash, err := mintToken(sessionTokenPrefix)
	if err != nil {
		return Established{}, wire.WrapError(wire.CodeInternal, "token generation failed", err)
	}
	resumeToken, resumeHash, err := mintToken(resumeTokenPrefix)
	if err != nil {
		return Established{}, wire.WrapError(wire.CodeInternal, "token generation failed", err)
	}

	sess := types.Session{
		SessionID:        types.SessionIDType(uuid.NewString()),
		UserID:           userID,
		DeviceID:         deviceID,
		SessionTokenHash: sessionHash,
		ResumeTokenHash:  resumeHash,
		ExpiresAtMS:      now.Add(m.sessionTTL).UnixMilli(),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return Established{}, wire.WrapError(wire.CodeStorageUnavailable, "session store unavailable", err)
	}

	m.cachePut(sess)
	metrics.ActiveSessions.Inc()
	logging.Info(ctx, "session started",
		zap.String("session_id", string(sess.SessionID)),
		zap.String("user_id", string(userID)),
		zap.String("device_id", string(deviceID)))

	return Established{
		SessionID:    sess.SessionID,
		UserID:       userID,
		DeviceID:     deviceID,
		SessionToken: sessionToken,
		ResumeToken:  resumeToken,
		ExpiresAtMS:  sess.ExpiresAtMS,
	}, nil
}

// Resume rotates the session_token (and the resume_token) for a session
// identified by its resume token. The resume token stays bound to the
// device it was issued for.
func (m *Manager) Resume(ctx context.Context, resumeToken string) (Established, error) {
	if resumeToken == "" {
		return Established{}, wire.NewError(wire.CodeUnauthorized, "missing resume token")
	}

	sess, err := m.store.GetSessionByResumeTokenHash(ctx, HashToken(resumeToken))
	if errors.Is(err, store.ErrNotFound) {
		return Established{}, wire.NewError(wire.CodeUnauthorized, "unknown resume token")
	}
	if err != nil {
		return Established{}, wire.WrapError(wire.CodeStorageUnavailable, "session store unavailable", err)
	}

	now := m.clock()
	if sess.Revoked() {
		return Established{}, wire.NewError(wire.CodeUnauthorized, "session revoked")
	}
	// The resume window extends past session expiry: an expired session is
	// resumable until resumeTTL after its expiry, matching the longer-lived
	// token's contract.
	if now.UnixMilli() > sess.ExpiresAtMS+m.resumeTTL.Milliseconds() {
		return Established{}, wire.NewError(wire.CodeUnauthorized, "resume token expired")
	}

	m.cacheDrop(sess.SessionTokenHash)

	sessionToken, sessionHash, err := mintToken(sessionTokenPrefix)
	if err != nil {
		return Established{}, wire.WrapError(wire.CodeInternal, "token generation failed", err)
	}
	newResumeToken, resumeHash, err := mintToken(resumeTokenPrefix)
	if err != nil {
		return Established{}, wire.WrapError(wire.CodeInternal, "token generation failed", err)
	}

	expiresAt := now.Add(m.sessionTTL).UnixMilli()
	if err := m.store.RotateSessionTokens(ctx, sess.SessionID, sessionHash, resumeHash, expiresAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Established{}, wire.NewError(wire.CodeUnauthorized, "session revoked")
		}
		return Established{}, wire.WrapError(wire.CodeStorageUnavailable, "session store unavailable", err)
	}

	sess.SessionTokenHash = sessionHash
	sess.ResumeTokenHash = resumeHash
	sess.ExpiresAtMS = expiresAt
	m.cachePut(sess)

	logging.Info(ctx, "session resumed", zap.String("session_id", string(sess.SessionID)))

	return Established{
		SessionID:    sess.SessionID,
		UserID:       sess.UserID,
		DeviceID:     sess.DeviceID,
		SessionToken: sessionToken,
		ResumeToken:  newResumeToken,
		ExpiresAtMS:  expiresAt,
	}, nil
}

// Validate authenticates a session_token and returns the live session.
func (m *Manager) Validate(ctx context.Context, sessionToken string) (types.Session, error) {
	if sessionToken == "" {
		return types.Session{}, wire.NewError(wire.CodeUnauthorized, "missing session token")
	}
	return m.ValidateHash(ctx, HashToken(sessionToken))
}

// ValidateHash authenticates by token hash. Live connections retain only
// the hashed credential and re-check it on each frame and each heartbeat
// so revocation takes effect within one heartbeat interval.
func (m *Manager) ValidateHash(ctx context.Context, hash string) (types.Session, error) {
	m.mu.RLock()
	cached, ok := m.cache[hash]
	m.mu.RUnlock()

	sess := cached
	if !ok {
		var err error
		sess, err = m.store.GetSessionBySessionTokenHash(ctx, hash)
		if errors.Is(err, store.ErrNotFound) {
			return types.Session{}, wire.NewError(wire.CodeUnauthorized, "unknown session token")
		}
		if err != nil {
			return types.Session{}, wire.WrapError(wire.CodeStorageUnavailable, "session store unavailable", err)
		}
		m.cachePut(sess)
	}

	if sess.Revoked() {
		m.cacheDrop(hash)
		return types.Session{}, wire.NewError(wire.CodeUnauthorized, "session revoked")
	}
	if m.clock().UnixMilli() > sess.ExpiresAtMS {
		m.cacheDrop(hash)
		return types.Session{}, wire.NewError(wire.CodeUnauthorized, "session expired")
	}
	return sess, nil
}

// List returns the redacted sessions for a user. current marks the caller's
// own session.
func (m *Manager) List(ctx context.Context, userID types.UserIDType, current types.SessionIDType) ([]Info, error) {
	sessions, err := m.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return nil, wire.WrapError(wire.CodeStorageUnavailable, "session store unavailable", err)
	}

	var lastSeen int64
	if m.presence != nil {
		if ms, ok := m.presence.LastSeen(ctx, userID); ok {
			lastSeen = ms
		}
	}

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, Info{
			SessionID:   s.SessionID,
			DeviceID:    s.DeviceID,
			ExpiresAtMS: s.ExpiresAtMS,
			Revoked:     s.Revoked(),
			Current:     s.SessionID == current,
			LastSeenMS:  lastSeen,
		})
	}
	return out, nil
}

// Revoke revokes one session by id, or every session on a device when
// deviceID is set. includeSelf controls whether the caller's own session
// is revoked when it matches.
func (m *Manager) Revoke(ctx context.Context, userID types.UserIDType, sessionID types.SessionIDType, deviceID types.DeviceIDType, caller types.SessionIDType, includeSelf bool) (int, error) {
	sessions, err := m.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return 0, wire.WrapError(wire.CodeStorageUnavailable, "session store unavailable", err)
	}

	now := m.clock().UnixMilli()
	revoked := 0
	for _, s := range sessions {
		if s.Revoked() {
			continue
		}
		if sessionID != "" && s.SessionID != sessionID {
			continue
		}
		if deviceID != "" && s.DeviceID != deviceID {
			continue
		}
		if sessionID == "" && deviceID == "" {
			continue
		}
		if s.SessionID == caller && !includeSelf {
			continue
		}
		if err := m.revokeOne(ctx, s, now); err != nil {
			return revoked, err
		}
		revoked++
	}
	if revoked == 0 && sessionID != "" {
		return 0, wire.NewError(wire.CodeForbidden, "no matching session")
	}
	return revoked, nil
}

// Logout revokes the calling session.
func (m *Manager) Logout(ctx context.Context, sess types.Session) error {
	return m.revokeOne(ctx, sess, m.clock().UnixMilli())
}

// LogoutAll revokes every session belonging to the user, including the caller.
func (m *Manager) LogoutAll(ctx context.Context, userID types.UserIDType) (int, error) {
	sessions, err := m.store.ListSessionsByUser(ctx, userID)
	if err != nil {
		return 0, wire.WrapError(wire.CodeStorageUnavailable, "session store unavailable", err)
	}
	now := m.clock().UnixMilli()
	revoked := 0
	for _, s := range sessions {
		if s.Revoked() {
			continue
		}
		if err := m.revokeOne(ctx, s, now); err != nil {
			return revoked, err
		}
		revoked++
	}
	return revoked, nil
}

func (m *Manager) revokeOne(ctx context.Context, s types.Session, nowMS int64) error {
	if err := m.store.RevokeSession(ctx, s.SessionID, nowMS); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // already revoked
		}
		return wire.WrapError(wire.CodeStorageUnavailable, "session store unavailable", err)
	}
	m.cacheDrop(s.SessionTokenHash)
	metrics.ActiveSessions.Dec()
	logging.Info(ctx, "session revoked", zap.String("session_id", string(s.SessionID)))
	return nil
}

// SweepExpired deletes sessions past their resume window along with their
// cursors. Called by the retention sweeper.
func (m *Manager) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := m.clock().Add(-m.resumeTTL).UnixMilli()
	return m.store.DeleteExpiredSessions(ctx, cutoff)
}

func (m *Manager) cachePut(s types.Session) {
	m.mu.Lock()
	m.cache[s.SessionTokenHash] = s
	m.mu.Unlock()
}

func (m *Manager) cacheDrop(hash string) {
	m.mu.Lock()
	delete(m.cache, hash)
	m.mu.Unlock()
}
