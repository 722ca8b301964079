// Package inferlog persists per-generation analytics records to an embedded
// SQLite database. Writes happen off the hot path: the engine hands records to
// Record via a goroutine so a slow disk never stalls token streaming.
package inferlog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Entry is one completed generation.
type Entry struct {
	ID           int64     `json:"id"`
	RequestID    string    `json:"request_id"`
	SessionID    string    `json:"session_id"`
	Model        string    `json:"model"`
	Adapter      string    `json:"adapter,omitempty"`
	Kind         string    `json:"kind"` // probe, final, summary, oneshot
	PromptChars  int       `json:"prompt_chars"`
	OutputChars  int       `json:"output_chars"`
	TokensIn     int       `json:"tokens_in"`
	TokensOut    int       `json:"tokens_out"`
	TokensPerSec float64   `json:"tokens_per_sec"`
	Chunks       int       `json:"chunks"`
	DurationMS   int64     `json:"duration_ms"`
	QueueWaitMS  int64     `json:"queue_wait_ms"`

	GPUPeakPct    float64 `json:"gpu_peak_pct"`
	GPUPeakTemp   float64 `json:"gpu_peak_temp"`
	GPUPeakPowerW float64 `json:"gpu_peak_power_w"`
	CPUPct        float64 `json:"cpu_pct"`
	RAMPct        float64 `json:"ram_pct"`

	ErrorMessage string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store wraps the analytics database. Single writer; SQLite in WAL mode.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create inference log directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL;",
		`CREATE TABLE IF NOT EXISTS inference_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			session_id TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL,
			adapter TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL,
			prompt_chars INTEGER NOT NULL DEFAULT 0,
			output_chars INTEGER NOT NULL DEFAULT 0,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			tokens_per_sec REAL NOT NULL DEFAULT 0,
			chunks INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			queue_wait_ms INTEGER NOT NULL DEFAULT 0,
			gpu_peak_pct REAL NOT NULL DEFAULT 0,
			gpu_peak_temp REAL NOT NULL DEFAULT 0,
			gpu_peak_power_w REAL NOT NULL DEFAULT 0,
			cpu_pct REAL NOT NULL DEFAULT 0,
			ram_pct REAL NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_inference_log_created ON inference_log(created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_inference_log_session ON inference_log(session_id, id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init inference_log schema: %w", err)
		}
	}
	return nil
}

// Insert writes one entry synchronously.
func (s *Store) Insert(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inference_log (
			request_id, session_id, model, adapter, kind,
			prompt_chars, output_chars, tokens_in, tokens_out, tokens_per_sec,
			chunks, duration_ms, queue_wait_ms,
			gpu_peak_pct, gpu_peak_temp, gpu_peak_power_w, cpu_pct, ram_pct,
			error, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
	`, e.RequestID, e.SessionID, e.Model, e.Adapter, e.Kind,
		e.PromptChars, e.OutputChars, e.TokensIn, e.TokensOut, e.TokensPerSec,
		e.Chunks, e.DurationMS, e.QueueWaitMS,
		e.GPUPeakPct, e.GPUPeakTemp, e.GPUPeakPowerW, e.CPUPct, e.RAMPct,
		e.ErrorMessage)
	if err != nil {
		return fmt.Errorf("insert inference entry: %w", err)
	}
	return nil
}

// Record inserts asynchronously and logs failures instead of returning them.
// The generation already succeeded or failed on its own terms; analytics must
// never change that outcome.
func (s *Store) Record(e Entry) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.Insert(ctx, e); err != nil {
			s.logger.Warn("inference log write failed", "request_id", e.RequestID, "error", err)
		}
	}()
}

// Recent returns the newest entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, session_id, model, adapter, kind,
			prompt_chars, output_chars, tokens_in, tokens_out, tokens_per_sec,
			chunks, duration_ms, queue_wait_ms,
			gpu_peak_pct, gpu_peak_temp, gpu_peak_power_w, cpu_pct, ram_pct,
			error, created_at
		FROM inference_log
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query inference log: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RequestID, &e.SessionID, &e.Model, &e.Adapter, &e.Kind,
			&e.PromptChars, &e.OutputChars, &e.TokensIn, &e.TokensOut, &e.TokensPerSec,
			&e.Chunks, &e.DurationMS, &e.QueueWaitMS,
			&e.GPUPeakPct, &e.GPUPeakTemp, &e.GPUPeakPowerW, &e.CPUPct, &e.RAMPct,
			&e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan inference entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("inference log rows: %w", err)
	}
	return out, nil
}
