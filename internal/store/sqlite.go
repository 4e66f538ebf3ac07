package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/agentrun/internal/domain"
	"github.com/ashureev/agentrun/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to keep SQLITE_BUSY rare
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if dbPath == ":memory:" {
		// Every connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

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
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		principal TEXT NOT NULL,
		autonomy TEXT NOT NULL,
		require_confirmation INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_activity_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_activity ON sessions(status, last_activity_at);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		tool_calls_json TEXT,
		tool_call_id TEXT,
		tokens INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		status TEXT NOT NULL,
		risk TEXT NOT NULL,
		decision TEXT NOT NULL,
		iteration INTEGER NOT NULL DEFAULT 0,
		message_seq INTEGER NOT NULL DEFAULT 0,
		resolved_by TEXT,
		reason TEXT,
		calls_json TEXT NOT NULL,
		results_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		resolved_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_plans_session ON plans(session_id, status);

	CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		id TEXT NOT NULL,
		type TEXT NOT NULL,
		plan_id TEXT,
		data_json TEXT,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_id, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// write runs a statement under the writer lock, retrying on SQLITE_BUSY.
func (s *SQLiteStore) write(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := shared.RetryOnConflict(ctx, op, writeAttempts, writeBaseDelay, func() error {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// PutSession creates or updates a session record.
func (s *SQLiteStore) PutSession(ctx context.Context, sess domain.Session) error {
	query := `
	INSERT INTO sessions (id, principal, autonomy, require_confirmation, status, created_at, last_activity_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		autonomy = excluded.autonomy,
		require_confirmation = excluded.require_confirmation,
		status = excluded.status,
		last_activity_at = excluded.last_activity_at`

	_, err := s.write(ctx, "upsert session", query,
		sess.ID, sess.Principal, sess.Autonomy.String(), sess.RequireConfirmation,
		string(sess.Status), sess.CreatedAt.UnixMilli(), sess.LastActivityAt.UnixMilli(),
	)
	return err
}

const sessionColumns = `id, principal, autonomy, require_confirmation, status, created_at, last_activity_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var (
		sess                domain.Session
		autonomy, status    string
		createdAt, activeAt int64
	)
	if err := row.Scan(&sess.ID, &sess.Principal, &autonomy, &sess.RequireConfirmation,
		&status, &createdAt, &activeAt); err != nil {
		return domain.Session{}, err
	}
	level, err := domain.ParseAutonomyLevel(autonomy)
	if err != nil {
		return domain.Session{}, fmt.Errorf("session %s: %w", sess.ID, err)
	}
	sess.Autonomy = level
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.UnixMilli(createdAt).UTC()
	sess.LastActivityAt = time.UnixMilli(activeAt).UTC()
	return sess, nil
}

// GetSession retrieves a session by id.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, ErrNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("scan session row: %w", err)
	}
	return sess, nil
}

// ListSessionsInactiveSince returns sessions idle since before cutoff.
func (s *SQLiteStore) ListSessionsInactiveSince(ctx context.Context, cutoff time.Time, statuses ...domain.SessionStatus) ([]domain.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE last_activity_at < ?`
	args := []any{cutoff.UnixMilli()}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY last_activity_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query inactive sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close inactive sessions rows", "error", closeErr)
		}
	}()

	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan inactive session row: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inactive sessions: %w", err)
	}
	return out, nil
}

// AppendMessage stores a transcript message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m domain.Message) error {
	var calls any
	if len(m.ToolCalls) > 0 {
		b, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		calls = string(b)
	}
	var callID any
	if m.ToolCallID != "" {
		callID = m.ToolCallID
	}

	query := `
	INSERT INTO messages (session_id, seq, role, content, tool_calls_json, tool_call_id, tokens, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.write(ctx, "insert message", query,
		m.SessionID, m.Seq, string(m.Role), m.Content, calls, callID, m.Tokens, m.Timestamp.UnixMilli(),
	)
	return err
}

// ListMessages returns a session's transcript ordered by seq.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT session_id, seq, role, content, tool_calls_json, tool_call_id, tokens, created_at
		FROM messages WHERE session_id = ? ORDER BY seq`
	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []domain.Message
	for rows.Next() {
		var (
			m         domain.Message
			role      string
			calls     sql.NullString
			callID    sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&m.SessionID, &m.Seq, &role, &m.Content, &calls, &callID, &m.Tokens, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		m.Role = domain.Role(role)
		m.ToolCallID = callID.String
		m.Timestamp = time.UnixMilli(createdAt).UTC()
		if calls.Valid && calls.String != "" {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of message %d: %w", m.Seq, err)
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// PutPlan creates or updates a plan record.
func (s *SQLiteStore) PutPlan(ctx context.Context, p domain.Plan) error {
	calls, err := json.Marshal(p.Calls)
	if err != nil {
		return fmt.Errorf("encode plan calls: %w", err)
	}
	var results any
	if len(p.Results) > 0 {
		b, err := json.Marshal(p.Results)
		if err != nil {
			return fmt.Errorf("encode plan results: %w", err)
		}
		results = string(b)
	}
	var resolvedAt any
	if p.ResolvedAt != nil {
		resolvedAt = p.ResolvedAt.UnixMilli()
	}

	query := `
	INSERT INTO plans (id, session_id, status, risk, decision, iteration, message_seq,
		resolved_by, reason, calls_json, results_json, created_at, updated_at, resolved_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		status = excluded.status,
		resolved_by = excluded.resolved_by,
		reason = excluded.reason,
		results_json = COALESCE(excluded.results_json, plans.results_json),
		updated_at = excluded.updated_at,
		resolved_at = COALESCE(excluded.resolved_at, plans.resolved_at)`

	_, err = s.write(ctx, "upsert plan", query,
		p.ID, p.SessionID, string(p.Status), p.Risk.String(), p.Decision.String(),
		p.Iteration, p.MessageSeq, p.ResolvedBy, p.Reason, string(calls), results,
		p.CreatedAt.UnixMilli(), p.UpdatedAt.UnixMilli(), resolvedAt,
	)
	return err
}

const planColumns = `id, session_id, status, risk, decision, iteration, message_seq,
	resolved_by, reason, calls_json, results_json, created_at, updated_at, resolved_at`

func scanPlan(row rowScanner) (domain.Plan, error) {
	var (
		p                    domain.Plan
		status, risk, dec    string
		resolvedBy, reason   sql.NullString
		calls                string
		results              sql.NullString
		createdAt, updatedAt int64
		resolvedAt           sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.SessionID, &status, &risk, &dec, &p.Iteration, &p.MessageSeq,
		&resolvedBy, &reason, &calls, &results, &createdAt, &updatedAt, &resolvedAt); err != nil {
		return domain.Plan{}, err
	}
	p.Status = domain.PlanStatus(status)
	if err := p.Risk.UnmarshalText([]byte(risk)); err != nil {
		return domain.Plan{}, fmt.Errorf("plan %s: %w", p.ID, err)
	}
	if err := p.Decision.UnmarshalText([]byte(dec)); err != nil {
		return domain.Plan{}, fmt.Errorf("plan %s: %w", p.ID, err)
	}
	p.ResolvedBy = resolvedBy.String
	p.Reason = reason.String
	if err := json.Unmarshal([]byte(calls), &p.Calls); err != nil {
		return domain.Plan{}, fmt.Errorf("decode calls of plan %s: %w", p.ID, err)
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &p.Results); err != nil {
			return domain.Plan{}, fmt.Errorf("decode results of plan %s: %w", p.ID, err)
		}
	}
	p.CreatedAt = time.UnixMilli(createdAt).UTC()
	p.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64).UTC()
		p.ResolvedAt = &t
	}
	return p, nil
}

// GetPlan retrieves a plan by id.
func (s *SQLiteStore) GetPlan(ctx context.Context, id string) (domain.Plan, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = ?`, id)
	p, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Plan{}, ErrNotFound
	}
	if err != nil {
		return domain.Plan{}, fmt.Errorf("scan plan row: %w", err)
	}
	return p, nil
}

// ListPlans returns a session's plans, oldest first.
func (s *SQLiteStore) ListPlans(ctx context.Context, sessionID string, statuses ...domain.PlanStatus) ([]domain.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE session_id = ?`
	args := []any{sessionID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query plans: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close plan rows", "error", closeErr)
		}
	}()

	var out []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate plans: %w", err)
	}
	return out, nil
}

// AppendEvent stores an event, ignoring duplicates.
func (s *SQLiteStore) AppendEvent(ctx context.Context, ev domain.Event) error {
	var data any
	if len(ev.Data) > 0 {
		b, err := json.Marshal(ev.Data)
		if err != nil {
			return fmt.Errorf("encode event data: %w", err)
		}
		data = string(b)
	}
	var planID any
	if ev.PlanID != "" {
		planID = ev.PlanID
	}

	query := `
	INSERT INTO events (session_id, seq, id, type, plan_id, data_json, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id, seq) DO NOTHING`
	_, err := s.write(ctx, "insert event", query,
		ev.SessionID, ev.Seq, ev.ID, string(ev.Type), planID, data, ev.Timestamp.UnixMilli(),
	)
	return err
}

// ListEvents returns events with seq > afterSeq, ordered by seq.
func (s *SQLiteStore) ListEvents(ctx context.Context, sessionID string, afterSeq int64, limit int) ([]domain.Event, error) {
	query := `
		SELECT session_id, seq, id, type, plan_id, data_json, created_at
		FROM events WHERE session_id = ? AND seq > ? ORDER BY seq`
	args := []any{sessionID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close event rows", "error", closeErr)
		}
	}()

	var out []domain.Event
	for rows.Next() {
		var (
			ev        domain.Event
			typ       string
			planID    sql.NullString
			data      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&ev.SessionID, &ev.Seq, &ev.ID, &typ, &planID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Type = domain.EventType(typ)
		ev.PlanID = planID.String
		ev.Timestamp = time.UnixMilli(createdAt).UTC()
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("decode data of event %d: %w", ev.Seq, err)
			}
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}

// LastEventSeq returns the highest stored seq for a session.
func (s *SQLiteStore) LastEventSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE session_id = ?`, sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query last event seq: %w", err)
	}
	return seq.Int64, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
