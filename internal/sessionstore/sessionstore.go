// Package sessionstore persists chat sessions in Postgres. History lives in a
// JSONB column; every operation is a single statement so concurrent appenders
// and the sweeper never see torn state.
package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrNotFound is returned when a session id does not exist.
var ErrNotFound = errors.New("session not found")

// Turn is one dialogue turn inside a session's history.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Session mirrors the sessions table.
type Session struct {
	ID           string    `json:"session_id"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary"`
	History      []Turn    `json:"history"`
	IsActive     bool      `json:"is_active"`
	IsSummarized bool      `json:"is_summarized"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// SummaryRow is the listing shape for summarized sessions.
type SummaryRow struct {
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Store struct {
	db *sql.DB
}

func Open(dbURL string) (*Store, error) {
	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Init creates the schema. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id UUID PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			summary TEXT NOT NULL DEFAULT '',
			history JSONB NOT NULL DEFAULT '[]'::jsonb,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			is_summarized BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_active_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_active_last ON sessions(is_active, last_active_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sessions schema: %w", err)
		}
	}
	return nil
}

// CreateSession inserts a new active session. Re-creating an existing id is a
// no-op, which makes session_start idempotent on reconnects.
func (s *Store) CreateSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id)
		VALUES ($1)
		ON CONFLICT (session_id) DO NOTHING;
	`, sessionID)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// AppendHistory appends one turn to the session's history, creating the
// session if it is missing, and marks it active with a fresh last_active_at.
func (s *Store) AppendHistory(ctx context.Context, sessionID, role, content string) error {
	turn, err := json.Marshal(Turn{Role: role, Content: content})
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, history, is_active, last_active_at, updated_at)
		VALUES ($1, jsonb_build_array($2::jsonb), TRUE, now(), now())
		ON CONFLICT (session_id) DO UPDATE SET
			history = sessions.history || $2::jsonb,
			is_active = TRUE,
			last_active_at = now(),
			updated_at = now();
	`, sessionID, string(turn))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// GetSession fetches one session. Returns ErrNotFound for unknown ids.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, title, summary, history, is_active, is_summarized,
			created_at, updated_at, last_active_at
		FROM sessions
		WHERE session_id = $1;
	`, sessionID)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// UpdateSessionSummary stores the summarizer's output and marks the session
// summarized; markInactive also retires it from sweep consideration.
func (s *Store) UpdateSessionSummary(ctx context.Context, sessionID, title, summary string, markInactive bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET title = $2,
			summary = $3,
			is_summarized = TRUE,
			is_active = CASE WHEN $4 THEN FALSE ELSE is_active END,
			updated_at = now()
		WHERE session_id = $1;
	`, sessionID, title, summary, markInactive)
	if err != nil {
		return fmt.Errorf("update session summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session summary rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveSessionsOlderThan returns ids of active sessions whose
// last_active_at is before the cutoff. This is the sweeper's work list.
func (s *Store) ListActiveSessionsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id
		FROM sessions
		WHERE is_active = TRUE AND last_active_at < $1
		ORDER BY last_active_at ASC;
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stale session rows: %w", err)
	}
	return ids, nil
}

// DeleteSession removes a session and reports whether it existed.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = $1;`, sessionID)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete session rows: %w", err)
	}
	return n > 0, nil
}

// ListSessions returns all sessions, most recently active first, without the
// full history (admin listing shape).
func (s *Store) ListSessions(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, title, summary, '[]'::jsonb, is_active, is_summarized,
			created_at, updated_at, last_active_at
		FROM sessions
		ORDER BY last_active_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("session rows: %w", err)
	}
	return out, nil
}

// ListSummaries returns summarized sessions, newest first.
func (s *Store) ListSummaries(ctx context.Context) ([]SummaryRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, title, summary, updated_at
		FROM sessions
		WHERE is_summarized = TRUE
		ORDER BY updated_at DESC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list summaries: %w", err)
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		if err := rows.Scan(&r.SessionID, &r.Title, &r.Summary, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summary rows: %w", err)
	}
	return out, nil
}

// FullTranscript renders a session's history as "ROLE: content" lines for the
// EXPAND tool. Missing sessions and empty histories come back as bracketed
// error strings rather than errors so the text can be spliced straight into a
// prompt.
func (s *Store) FullTranscript(ctx context.Context, sessionID string) string {
	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Sprintf("[Error: Session %s not found]", sessionID)
		}
		return fmt.Sprintf("[Error: could not load session %s]", sessionID)
	}
	if len(sess.History) == 0 {
		return fmt.Sprintf("[Error: Session %s has no messages]", sessionID)
	}
	return formatTranscript(sess.History)
}

func formatTranscript(history []Turn) string {
	var b strings.Builder
	for i, turn := range history {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "%s: %s", strings.ToUpper(turn.Role), turn.Content)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var historyJSON []byte
	if err := row.Scan(
		&sess.ID,
		&sess.Title,
		&sess.Summary,
		&historyJSON,
		&sess.IsActive,
		&sess.IsSummarized,
		&sess.CreatedAt,
		&sess.UpdatedAt,
		&sess.LastActiveAt,
	); err != nil {
		return nil, err
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &sess.History); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
	}
	return &sess, nil
}
