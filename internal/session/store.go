// Package session persists sessions, conversation history, and agent
// invocation records in a SQL database. The embedded sqlite backend is the
// default; a postgres DSN swaps in pgx without touching callers.
// Concurrency is handled by database-level locking (transactions); sqlite
// additionally serializes writes globally, a documented limitation.
package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	// SQL drivers
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Schema creation SQL. Placeholders use ?; rebind converts for postgres.
const createSessionsSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id VARCHAR(64) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    status VARCHAR(20) NOT NULL,
    metadata TEXT
)`

const createSessionsUserIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id)`

const createSessionsResumeIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_resume ON sessions(user_id, status, updated_at)`

const createHistorySQL = `
CREATE TABLE IF NOT EXISTS conversation_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(64) NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    role VARCHAR(20) NOT NULL,
    content TEXT NOT NULL,
    seq INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    UNIQUE (session_id, seq)
)`

const createHistoryIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_history_session_seq ON conversation_history(session_id, seq)`

const createInvocationsSQL = `
CREATE TABLE IF NOT EXISTS agent_invocations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id VARCHAR(64) NOT NULL REFERENCES sessions(session_id) ON DELETE CASCADE,
    agent_name VARCHAR(255) NOT NULL,
    query TEXT NOT NULL,
    response TEXT,
    success BOOLEAN NOT NULL,
    error_message TEXT,
    duration_ms INTEGER NOT NULL,
    timestamp TIMESTAMP NOT NULL
)`

const createInvocationsSessionIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_invocations_session ON agent_invocations(session_id)`

const createInvocationsAgentIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_invocations_agent ON agent_invocations(agent_name)`

const createContextSQL = `
CREATE TABLE IF NOT EXISTS session_context (
    session_id VARCHAR(64) PRIMARY KEY REFERENCES sessions(session_id) ON DELETE CASCADE,
    last_agent_called VARCHAR(255),
    last_query TEXT,
    last_response TEXT,
    updated_at TIMESTAMP NOT NULL
)`

// Store is the SQL-backed session store.
type Store struct {
	db      *sql.DB
	dialect string
	logger  *zap.Logger
}

// Open connects to the session database identified by dsn and initializes
// the schema. A dsn with a postgres:// scheme selects the pgx driver;
// anything else is treated as a sqlite file path.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	var driver, dialect string
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		driver, dialect = "pgx", "postgres"
	} else {
		driver, dialect = "sqlite3", "sqlite"
		// Referential integrity for cascade deletes.
		if !strings.Contains(dsn, "_foreign_keys") {
			dsn += "?_foreign_keys=on"
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}
	if dialect == "sqlite" {
		// sqlite permits a single writer; cap the pool so writes queue in
		// the driver instead of failing with SQLITE_BUSY.
		db.SetMaxOpenConns(1)
	}

	s := &Store{db: db, dialect: dialect, logger: logger}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init session schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	statements := []string{
		createSessionsSQL,
		createSessionsUserIndexSQL,
		createSessionsResumeIndexSQL,
		createHistorySQL,
		createHistoryIndexSQL,
		createInvocationsSQL,
		createInvocationsSessionIndexSQL,
		createInvocationsAgentIndexSQL,
		createContextSQL,
	}
	for _, stmt := range statements {
		if s.dialect == "postgres" {
			stmt = strings.ReplaceAll(stmt, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Ping reports store reachability for health checks.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// rebind converts ?-style placeholders to $n for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// CreateSession creates a new active session for the user and returns its
// opaque identifier.
func (s *Store) CreateSession(ctx context.Context, userID string, metadata map[string]string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	var meta any
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("marshal session metadata: %w", err)
		}
		meta = string(b)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sessions (session_id, user_id, created_at, updated_at, status, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`),
		id, userID, now, now, string(StatusActive), meta,
	)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return id, nil
}

// GetSession returns the session with its ordered history, invocations,
// and routing context.
func (s *Store) GetSession(ctx context.Context, id string) (*Detail, error) {
	sess, err := s.getSession(ctx, id)
	if err != nil {
		return nil, err
	}

	history, err := s.History(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	invocations, err := s.Invocations(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load invocations: %w", err)
	}
	sctx, err := s.Context(ctx, id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load session context: %w", err)
	}

	return &Detail{Session: *sess, History: history, Invocations: invocations, Context: sctx}, nil
}

func (s *Store) getSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT session_id, user_id, created_at, updated_at, status, metadata
		FROM sessions WHERE session_id = ?`), id)

	var sess Session
	var meta sql.NullString
	var status string
	if err := row.Scan(&sess.ID, &sess.UserID, &sess.CreatedAt, &sess.UpdatedAt, &status, &meta); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = Status(status)
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return &sess, nil
}

// History returns the session's messages ordered by seq.
func (s *Store) History(ctx context.Context, id string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT session_id, role, content, seq, timestamp
		FROM conversation_history WHERE session_id = ? ORDER BY seq`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var role string
		if err := rows.Scan(&m.SessionID, &role, &m.Content, &m.Seq, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Invocations returns the session's invocation records in insertion order.
func (s *Store) Invocations(ctx context.Context, id string) ([]Invocation, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT session_id, agent_name, query, response, success, error_message, duration_ms, timestamp
		FROM agent_invocations WHERE session_id = ? ORDER BY id`), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var inv Invocation
		var response, errMsg sql.NullString
		if err := rows.Scan(&inv.SessionID, &inv.AgentName, &inv.Query, &response, &inv.Success,
			&errMsg, &inv.DurationMS, &inv.Timestamp); err != nil {
			return nil, err
		}
		inv.Response = response.String
		inv.ErrorMessage = errMsg.String
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Context returns the session's routing context, or nil when none has been
// recorded yet.
func (s *Store) Context(ctx context.Context, id string) (*Context, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT session_id, last_agent_called, last_query, last_response, updated_at
		FROM session_context WHERE session_id = ?`), id)

	var c Context
	var agent, query, response sql.NullString
	if err := row.Scan(&c.SessionID, &agent, &query, &response, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	c.LastAgentCalled = agent.String
	c.LastQuery = query.String
	c.LastResponse = response.String
	return &c, nil
}

// AppendMessage appends a message with the next monotonic seq and bumps the
// session's updated_at. The seq assignment and the insert run in one
// transaction. On sqlite the single-connection pool serializes appends; on
// postgres the session row is locked FOR UPDATE so two concurrent appends
// cannot read the same MAX(seq). The UNIQUE (session_id, seq) constraint
// backstops both.
func (s *Store) AppendMessage(ctx context.Context, id string, role Role, content string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	lockSQL := `SELECT session_id FROM sessions WHERE session_id = ?`
	if s.dialect == "postgres" {
		lockSQL += " FOR UPDATE"
	}
	var locked string
	if err := tx.QueryRowContext(ctx, s.rebind(lockSQL), id).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("check session: %w", err)
	}

	var seq int
	if err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_history WHERE session_id = ?`), id).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO conversation_history (session_id, role, content, seq, timestamp)
		VALUES (?, ?, ?, ?, ?)`),
		id, string(role), content, seq, now,
	); err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET updated_at = ? WHERE session_id = ?`), now, id); err != nil {
		return 0, fmt.Errorf("bump session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

// RecordInvocation stores a dispatch outcome and refreshes the session's
// routing context in the same transaction.
func (s *Store) RecordInvocation(ctx context.Context, inv Invocation) error {
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO agent_invocations (session_id, agent_name, query, response, success, error_message, duration_ms, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		inv.SessionID, inv.AgentName, inv.Query, inv.Response, inv.Success,
		inv.ErrorMessage, inv.DurationMS, inv.Timestamp,
	); err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}

	upsert := `
		INSERT INTO session_context (session_id, last_agent_called, last_query, last_response, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			last_agent_called = excluded.last_agent_called,
			last_query = excluded.last_query,
			last_response = excluded.last_response,
			updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, s.rebind(upsert),
		inv.SessionID, inv.AgentName, inv.Query, inv.Response, inv.Timestamp,
	); err != nil {
		return fmt.Errorf("upsert session context: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

// SetStatus updates a session's status.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`),
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set session status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a session; history, invocations, and context cascade via
// the schema's foreign keys.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM sessions WHERE session_id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveSessionForUser returns the most recent active session whose
// updated_at is strictly inside the activity window, or "" when none
// qualifies.
func (s *Store) ActiveSessionForUser(ctx context.Context, userID string, window time.Duration) (string, error) {
	cutoff := time.Now().UTC().Add(-window)
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT session_id FROM sessions
		WHERE user_id = ? AND status = ? AND updated_at > ?
		ORDER BY updated_at DESC LIMIT 1`),
		userID, string(StatusActive), cutoff,
	)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("find active session: %w", err)
	}
	return id, nil
}

// Cleanup deletes completed sessions older than ttlDays plus any session
// older than hardExpiryDays, and returns the number removed.
func (s *Store) Cleanup(ctx context.Context, ttlDays, hardExpiryDays int) (int64, error) {
	now := time.Now().UTC()
	completedCutoff := now.AddDate(0, 0, -ttlDays)
	hardCutoff := now.AddDate(0, 0, -hardExpiryDays)

	res, err := s.db.ExecContext(ctx, s.rebind(`
		DELETE FROM sessions
		WHERE (status = ? AND updated_at < ?) OR updated_at < ?`),
		string(StatusCompleted), completedCutoff, hardCutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info("session cleanup removed sessions", zap.Int64("count", n))
	}
	return n, nil
}
