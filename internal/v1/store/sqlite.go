package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/psolyx/envgate/internal/v1/types"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." && !strings.HasPrefix(dbPath, ":memory:") {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	// Open database with WAL mode for better concurrency. synchronous=FULL
	// because an append must be fsync-durable before the sender is acked.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	PRAGMA foreign_keys = ON;

	CREATE TABLE IF NOT EXISTS rooms (
		conv_id TEXT PRIMARY KEY,
		created_at_ms INTEGER NOT NULL,
		earliest_retained_seq INTEGER NOT NULL DEFAULT 1,
		next_seq INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS members (
		conv_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		PRIMARY KEY (conv_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS envelopes (
		conv_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		msg_id TEXT NOT NULL,
		sender_user_id TEXT NOT NULL,
		env BLOB NOT NULL,
		ts_ms INTEGER NOT NULL,
		origin_gateway TEXT NOT NULL DEFAULT '',
		conv_home TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (conv_id, seq)
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_envelopes_msg_id ON envelopes(conv_id, msg_id);
	CREATE INDEX IF NOT EXISTS idx_envelopes_ts ON envelopes(conv_id, ts_ms);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		session_token_hash TEXT NOT NULL,
		resume_token_hash TEXT NOT NULL,
		expires_at_ms INTEGER NOT NULL,
		revoked_at_ms INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_token ON sessions(session_token_hash);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_resume ON sessions(resume_token_hash);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);

	CREATE TABLE IF NOT EXISTS cursors (
		session_id TEXT NOT NULL,
		conv_id TEXT NOT NULL,
		next_seq_to_ack INTEGER NOT NULL,
		PRIMARY KEY (session_id, conv_id)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Conversation log ---

// AppendEnvelope serializes the idempotency check, seq assignment, and row
// insert in one transaction. The coordinator guarantees one writer per
// conversation; the transaction guards against cross-process racers.
func (s *SQLiteStore) AppendEnvelope(ctx context.Context, row types.EnvelopeRow) (AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Idempotency: an existing (conv_id, msg_id) row within retention wins.
	var existingSeq, existingTS int64
	err = tx.QueryRowContext(ctx,
		`SELECT seq, ts_ms FROM envelopes WHERE conv_id = ? AND msg_id = ?`,
		string(row.ConvID), row.MsgID,
	).Scan(&existingSeq, &existingTS)
	if err == nil {
		if cErr := tx.Commit(); cErr != nil {
			return AppendResult{}, fmt.Errorf("commit idempotent read: %w", cErr)
		}
		return AppendResult{Seq: existingSeq, TSMS: existingTS, Duplicate: true}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, fmt.Errorf("idempotency lookup: %w", err)
	}

	var nextSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT next_seq FROM rooms WHERE conv_id = ?`, string(row.ConvID),
	).Scan(&nextSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return AppendResult{}, ErrNotFound
	}
	if err != nil {
		return AppendResult{}, fmt.Errorf("read next_seq: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO envelopes (conv_id, seq, msg_id, sender_user_id, env, ts_ms, origin_gateway, conv_home)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(row.ConvID), nextSeq, row.MsgID, string(row.SenderUserID),
		row.Env, row.TSMS, row.OriginGateway, row.ConvHome,
	); err != nil {
		return AppendResult{}, fmt.Errorf("insert envelope: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE rooms SET next_seq = ? WHERE conv_id = ?`,
		nextSeq+1, string(row.ConvID),
	); err != nil {
		return AppendResult{}, fmt.Errorf("bump next_seq: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("commit append: %w", err)
	}
	return AppendResult{Seq: nextSeq, TSMS: row.TSMS, Duplicate: false}, nil
}

// ReadRange returns rows in ascending seq plus the current window bounds.
func (s *SQLiteStore) ReadRange(ctx context.Context, convID types.ConvIDType, fromSeq types.Seq, limit int) ([]types.EnvelopeRow, Window, error) {
	var w Window
	err := s.db.QueryRowContext(ctx,
		`SELECT earliest_retained_seq, next_seq FROM rooms WHERE conv_id = ?`,
		string(convID),
	).Scan(&w.EarliestRetainedSeq, &w.NextSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, Window{}, ErrNotFound
	}
	if err != nil {
		return nil, Window{}, fmt.Errorf("read window: %w", err)
	}

	if limit <= 0 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT conv_id, seq, msg_id, sender_user_id, env, ts_ms, origin_gateway, conv_home
		 FROM envelopes WHERE conv_id = ? AND seq >= ? ORDER BY seq ASC LIMIT ?`,
		string(convID), fromSeq, limit,
	)
	if err != nil {
		return nil, Window{}, fmt.Errorf("query range: %w", err)
	}
	defer rows.Close()

	var out []types.EnvelopeRow
	for rows.Next() {
		var r types.EnvelopeRow
		var cid, sender string
		if err := rows.Scan(&cid, &r.Seq, &r.MsgID, &sender, &r.Env, &r.TSMS, &r.OriginGateway, &r.ConvHome); err != nil {
			return nil, Window{}, fmt.Errorf("scan envelope row: %w", err)
		}
		r.ConvID = types.ConvIDType(cid)
		r.SenderUserID = types.UserIDType(sender)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, Window{}, fmt.Errorf("iterate range: %w", err)
	}
	return out, w, nil
}

// Prune removes rows below upToSeq and advances earliest_retained_seq.
func (s *SQLiteStore) Prune(ctx context.Context, convID types.ConvIDType, upToSeq types.Seq) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var earliest, next int64
	err = tx.QueryRowContext(ctx,
		`SELECT earliest_retained_seq, next_seq FROM rooms WHERE conv_id = ?`,
		string(convID),
	).Scan(&earliest, &next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read bounds: %w", err)
	}

	if upToSeq > next {
		upToSeq = next
	}
	if upToSeq <= earliest {
		return 0, tx.Commit()
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM envelopes WHERE conv_id = ? AND seq < ?`,
		string(convID), upToSeq,
	)
	if err != nil {
		return 0, fmt.Errorf("delete pruned rows: %w", err)
	}
	removed, _ := res.RowsAffected()

	if _, err = tx.ExecContext(ctx,
		`UPDATE rooms SET earliest_retained_seq = ? WHERE conv_id = ?`,
		upToSeq, string(convID),
	); err != nil {
		return 0, fmt.Errorf("advance retained seq: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return removed, nil
}

// SeqLowerBoundByTime finds the age-bound prune point.
func (s *SQLiteStore) SeqLowerBoundByTime(ctx context.Context, convID types.ConvIDType, cutoffMS int64) (types.Seq, error) {
	var next int64
	err := s.db.QueryRowContext(ctx,
		`SELECT next_seq FROM rooms WHERE conv_id = ?`, string(convID),
	).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read next_seq: %w", err)
	}

	var bound sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MIN(seq) FROM envelopes WHERE conv_id = ? AND ts_ms >= ?`,
		string(convID), cutoffMS,
	).Scan(&bound)
	if err != nil {
		return 0, fmt.Errorf("find time bound: %w", err)
	}
	if !bound.Valid {
		return next, nil
	}
	return bound.Int64, nil
}

// --- Conversations & membership ---

// CreateConversation creates the log row and enrolls the owner atomically.
func (s *SQLiteStore) CreateConversation(ctx context.Context, convID types.ConvIDType, ownerID types.UserIDType, nowMS int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (conv_id, created_at_ms, earliest_retained_seq, next_seq)
		 VALUES (?, ?, 1, 1) ON CONFLICT(conv_id) DO NOTHING`,
		string(convID), nowMS,
	)
	if err != nil {
		return fmt.Errorf("insert room: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO members (conv_id, user_id, role) VALUES (?, ?, ?)`,
		string(convID), string(ownerID), string(types.RoleOwner),
	); err != nil {
		return fmt.Errorf("insert owner: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) GetConversation(ctx context.Context, convID types.ConvIDType) (types.Conversation, error) {
	var c types.Conversation
	var cid string
	err := s.db.QueryRowContext(ctx,
		`SELECT conv_id, created_at_ms, earliest_retained_seq, next_seq FROM rooms WHERE conv_id = ?`,
		string(convID),
	).Scan(&cid, &c.CreatedAtMS, &c.EarliestRetainedSeq, &c.NextSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Conversation{}, ErrNotFound
	}
	if err != nil {
		return types.Conversation{}, fmt.Errorf("scan conversation: %w", err)
	}
	c.ConvID = types.ConvIDType(cid)
	return c, nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context) ([]types.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT conv_id, created_at_ms, earliest_retained_seq, next_seq FROM rooms`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []types.Conversation
	for rows.Next() {
		var c types.Conversation
		var cid string
		if err := rows.Scan(&cid, &c.CreatedAtMS, &c.EarliestRetainedSeq, &c.NextSeq); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.ConvID = types.ConvIDType(cid)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertMember(ctx context.Context, m types.Member) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members (conv_id, user_id, role) VALUES (?, ?, ?)
		 ON CONFLICT(conv_id, user_id) DO UPDATE SET role = excluded.role`,
		string(m.ConvID), string(m.UserID), string(m.Role),
	)
	if err != nil {
		return fmt.Errorf("upsert member: %w", err)
	}
	return nil
}

func (s *SQLiteStore) RemoveMember(ctx context.Context, convID types.ConvIDType, userID types.UserIDType) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM members WHERE conv_id = ? AND user_id = ?`,
		string(convID), string(userID),
	)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetMember(ctx context.Context, convID types.ConvIDType, userID types.UserIDType) (types.Member, error) {
	var role string
	err := s.db.QueryRowContext(ctx,
		`SELECT role FROM members WHERE conv_id = ? AND user_id = ?`,
		string(convID), string(userID),
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Member{}, ErrNotFound
	}
	if err != nil {
		return types.Member{}, fmt.Errorf("scan member: %w", err)
	}
	return types.Member{ConvID: convID, UserID: userID, Role: types.RoleType(role)}, nil
}

func (s *SQLiteStore) ListMembers(ctx context.Context, convID types.ConvIDType) ([]types.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, role FROM members WHERE conv_id = ? ORDER BY user_id`,
		string(convID),
	)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	var out []types.Member
	for rows.Next() {
		var uid, role string
		if err := rows.Scan(&uid, &role); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out = append(out, types.Member{ConvID: convID, UserID: types.UserIDType(uid), Role: types.RoleType(role)})
	}
	return out, rows.Err()
}

// --- Sessions ---

func (s *SQLiteStore) CreateSession(ctx context.Context, sess types.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, device_id, session_token_hash, resume_token_hash, expires_at_ms, revoked_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, NULL)`,
		string(sess.SessionID), string(sess.UserID), string(sess.DeviceID),
		sess.SessionTokenHash, sess.ResumeTokenHash, sess.ExpiresAtMS,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanSession(row *sql.Row) (types.Session, error) {
	var sess types.Session
	var sid, uid, did string
	var revoked sql.NullInt64
	err := row.Scan(&sid, &uid, &did, &sess.SessionTokenHash, &sess.ResumeTokenHash, &sess.ExpiresAtMS, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Session{}, ErrNotFound
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.SessionID = types.SessionIDType(sid)
	sess.UserID = types.UserIDType(uid)
	sess.DeviceID = types.DeviceIDType(did)
	if revoked.Valid {
		sess.RevokedAtMS = revoked.Int64
	}
	return sess, nil
}

const sessionColumns = `session_id, user_id, device_id, session_token_hash, resume_token_hash, expires_at_ms, revoked_at_ms`

func (s *SQLiteStore) GetSessionByID(ctx context.Context, id types.SessionIDType) (types.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, string(id)))
}

func (s *SQLiteStore) GetSessionBySessionTokenHash(ctx context.Context, hash string) (types.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_token_hash = ?`, hash))
}

func (s *SQLiteStore) GetSessionByResumeTokenHash(ctx context.Context, hash string) (types.Session, error) {
	return s.scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE resume_token_hash = ?`, hash))
}

func (s *SQLiteStore) RotateSessionTokens(ctx context.Context, id types.SessionIDType, sessionTokenHash, resumeTokenHash string, expiresAtMS int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET session_token_hash = ?, resume_token_hash = ?, expires_at_ms = ?
		 WHERE session_id = ? AND revoked_at_ms IS NULL`,
		sessionTokenHash, resumeTokenHash, expiresAtMS, string(id),
	)
	if err != nil {
		return fmt.Errorf("rotate tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) RevokeSession(ctx context.Context, id types.SessionIDType, nowMS int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET revoked_at_ms = ? WHERE session_id = ? AND revoked_at_ms IS NULL`,
		nowMS, string(id),
	)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListSessionsByUser(ctx context.Context, userID types.UserIDType) ([]types.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY expires_at_ms DESC`,
		string(userID),
	)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []types.Session
	for rows.Next() {
		var sess types.Session
		var sid, uid, did string
		var revoked sql.NullInt64
		if err := rows.Scan(&sid, &uid, &did, &sess.SessionTokenHash, &sess.ResumeTokenHash, &sess.ExpiresAtMS, &revoked); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sess.SessionID = types.SessionIDType(sid)
		sess.UserID = types.UserIDType(uid)
		sess.DeviceID = types.DeviceIDType(did)
		if revoked.Valid {
			sess.RevokedAtMS = revoked.Int64
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CountActiveSessions(ctx context.Context, userID types.UserIDType, nowMS int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE user_id = ? AND revoked_at_ms IS NULL AND expires_at_ms > ?`,
		string(userID), nowMS,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, cutoffMS int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin expiry tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM cursors WHERE session_id IN (
			SELECT session_id FROM sessions
			WHERE expires_at_ms < ? OR (revoked_at_ms IS NOT NULL AND revoked_at_ms < ?)
		)`, cutoffMS, cutoffMS,
	); err != nil {
		return 0, fmt.Errorf("delete dead cursors: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE expires_at_ms < ? OR (revoked_at_ms IS NOT NULL AND revoked_at_ms < ?)`,
		cutoffMS, cutoffMS,
	)
	if err != nil {
		return 0, fmt.Errorf("delete dead sessions: %w", err)
	}
	removed, _ := res.RowsAffected()
	return removed, tx.Commit()
}

// --- Cursors ---

func (s *SQLiteStore) GetCursor(ctx context.Context, sessionID types.SessionIDType, convID types.ConvIDType) (types.Cursor, error) {
	var c types.Cursor
	err := s.db.QueryRowContext(ctx,
		`SELECT next_seq_to_ack FROM cursors WHERE session_id = ? AND conv_id = ?`,
		string(sessionID), string(convID),
	).Scan(&c.NextSeqToAck)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Cursor{}, ErrNotFound
	}
	if err != nil {
		return types.Cursor{}, fmt.Errorf("scan cursor: %w", err)
	}
	c.SessionID = sessionID
	c.ConvID = convID
	return c, nil
}

// AdvanceCursor is monotonic: MAX() in the upsert means a stale ack can
// never move the cursor backwards.
func (s *SQLiteStore) AdvanceCursor(ctx context.Context, sessionID types.SessionIDType, convID types.ConvIDType, nextSeqToAck types.Seq) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (session_id, conv_id, next_seq_to_ack) VALUES (?, ?, ?)
		 ON CONFLICT(session_id, conv_id) DO UPDATE SET next_seq_to_ack = MAX(next_seq_to_ack, excluded.next_seq_to_ack)`,
		string(sessionID), string(convID), nextSeqToAck,
	)
	if err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}
