// Package store provides durable persistence for the conversation log,
// sessions, memberships, and cursors.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/psolyx/envgate/internal/v1/types"
)

// Sentinel errors returned by Store implementations. Services translate
// these into wire codes; the store stays transport-agnostic.
var (
	ErrNotFound = errors.New("store: not found")
	ErrConflict = errors.New("store: conflict")
)

// AppendResult reports the outcome of an envelope append.
type AppendResult struct {
	Seq       types.Seq
	TSMS      int64
	Duplicate bool
}

// Window describes the currently-served replay range of a conversation.
type Window struct {
	EarliestRetainedSeq types.Seq
	NextSeq             types.Seq
}

// Store is the durable persistence interface. All methods are safe for
// concurrent use; per-conversation append serialization is the
// coordinator's job, not the store's.
type Store interface {
	// --- Conversation log ---

	// AppendEnvelope atomically checks (conv_id, msg_id) idempotency,
	// assigns row.Seq = next_seq, bumps next_seq, and writes the row.
	// The row is durable when the call returns. Returns the existing
	// row's (seq, ts_ms) with Duplicate=true when msg_id was already
	// accepted within retention. Returns ErrNotFound for unknown conv_id.
	AppendEnvelope(ctx context.Context, row types.EnvelopeRow) (AppendResult, error)

	// ReadRange returns rows with seq >= fromSeq in ascending order, at
	// most limit rows, plus the conversation's current window bounds.
	ReadRange(ctx context.Context, convID types.ConvIDType, fromSeq types.Seq, limit int) ([]types.EnvelopeRow, Window, error)

	// Prune removes rows with seq < upToSeq and advances
	// earliest_retained_seq. upToSeq is clamped to next_seq.
	Prune(ctx context.Context, convID types.ConvIDType, upToSeq types.Seq) (removed int64, err error)

	// SeqLowerBoundByTime returns the first retained seq whose ts_ms is at
	// or after cutoffMS, or next_seq when every retained row is older.
	// Used by the retention sweeper's age bound.
	SeqLowerBoundByTime(ctx context.Context, convID types.ConvIDType, cutoffMS int64) (types.Seq, error)

	// --- Conversations & membership ---

	// CreateConversation creates an empty conversation owned by ownerID.
	// Returns ErrConflict when conv_id already exists.
	CreateConversation(ctx context.Context, convID types.ConvIDType, ownerID types.UserIDType, nowMS int64) error

	GetConversation(ctx context.Context, convID types.ConvIDType) (types.Conversation, error)
	ListConversations(ctx context.Context) ([]types.Conversation, error)

	UpsertMember(ctx context.Context, m types.Member) error
	RemoveMember(ctx context.Context, convID types.ConvIDType, userID types.UserIDType) error
	GetMember(ctx context.Context, convID types.ConvIDType, userID types.UserIDType) (types.Member, error)
	ListMembers(ctx context.Context, convID types.ConvIDType) ([]types.Member, error)

	// --- Sessions ---

	CreateSession(ctx context.Context, s types.Session) error
	GetSessionByID(ctx context.Context, id types.SessionIDType) (types.Session, error)
	// GetSessionBySessionTokenHash resolves the short-lived bearer.
	GetSessionBySessionTokenHash(ctx context.Context, hash string) (types.Session, error)
	// GetSessionByResumeTokenHash resolves the device-bound resume token.
	GetSessionByResumeTokenHash(ctx context.Context, hash string) (types.Session, error)
	// RotateSessionTokens replaces token hashes and extends expiry.
	RotateSessionTokens(ctx context.Context, id types.SessionIDType, sessionTokenHash, resumeTokenHash string, expiresAtMS int64) error
	RevokeSession(ctx context.Context, id types.SessionIDType, nowMS int64) error
	ListSessionsByUser(ctx context.Context, userID types.UserIDType) ([]types.Session, error)
	CountActiveSessions(ctx context.Context, userID types.UserIDType, nowMS int64) (int, error)
	// DeleteExpiredSessions removes sessions (and their cursors) whose
	// expiry or revocation is older than cutoffMS.
	DeleteExpiredSessions(ctx context.Context, cutoffMS int64) (int64, error)

	// --- Cursors ---

	GetCursor(ctx context.Context, sessionID types.SessionIDType, convID types.ConvIDType) (types.Cursor, error)
	// AdvanceCursor sets next_seq_to_ack = max(current, nextSeqToAck);
	// it never regresses. Creates the cursor row on first use.
	AdvanceCursor(ctx context.Context, sessionID types.SessionIDType, convID types.ConvIDType, nextSeqToAck types.Seq) error

	// --- Lifecycle ---

	Ping(ctx context.Context) error
	Close() error
}

// RetentionPolicy bounds the retained window per conversation.
type RetentionPolicy struct {
	MaxRetained int64         // keep at most this many rows (0 = unbounded)
	RetainFor   time.Duration // keep rows at most this old (0 = unbounded)
}

// Bounded reports whether the policy prunes anything at all.
func (p RetentionPolicy) Bounded() bool {
	return p.MaxRetained > 0 || p.RetainFor > 0
}
