// Package history persists finished build command summaries to a local
// SQLite database so past build outcomes survive restarts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/buildwatch/internal/engine"
)

// Entry is one recorded build command outcome.
type Entry struct {
	ID         int64     `json:"id"`
	Workspace  string    `json:"workspace"`
	Target     string    `json:"target,omitempty"`
	Outcome    string    `json:"outcome"`
	Status     string    `json:"status,omitempty"`
	TimedOut   bool      `json:"timedOut"`
	Errors     int       `json:"errors"`
	Warnings   int       `json:"warnings"`
	Total      int       `json:"total"`
	LastError  string    `json:"lastError,omitempty"`
	DurationMS int64     `json:"durationMs"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Store is a SQLite-backed build history.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open opens (and creates if needed) the history database at dbPath.
// Use ":memory:" for an in-memory database.
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS build_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		workspace TEXT NOT NULL,
		target TEXT NOT NULL DEFAULT '',
		outcome TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT '',
		timed_out INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		warnings INTEGER NOT NULL DEFAULT 0,
		total INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		finished_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_workspace ON build_history(workspace);
	CREATE INDEX IF NOT EXISTS idx_history_finished_at ON build_history(finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// RecordBuild persists one finished build summary. Implements
// engine.BuildRecorder.
func (s *Store) RecordBuild(ctx context.Context, summary *engine.BuildSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO build_history
		 (workspace, target, outcome, status, timed_out, errors, warnings, total, last_error, duration_ms, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		summary.Workspace,
		summary.Target,
		string(summary.Outcome),
		string(summary.Status),
		boolToInt(summary.TimedOut),
		summary.Diagnostics.Errors,
		summary.Diagnostics.Warnings,
		summary.Diagnostics.Total,
		summary.LastError,
		summary.Duration.Milliseconds(),
		time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert build history: %w", err)
	}
	return nil
}

// Recent returns the most recent entries, newest first. A non-empty
// workspace filters to that root; limit <= 0 means 50.
func (s *Store) Recent(ctx context.Context, workspace string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, workspace, target, outcome, status, timed_out, errors, warnings, total, last_error, duration_ms, finished_at
	          FROM build_history`
	args := []any{}
	if workspace != "" {
		query += " WHERE workspace = ?"
		args = append(args, workspace)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query build history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var timedOut int
		var finishedUnix int64
		if err := rows.Scan(&e.ID, &e.Workspace, &e.Target, &e.Outcome, &e.Status,
			&timedOut, &e.Errors, &e.Warnings, &e.Total, &e.LastError, &e.DurationMS, &finishedUnix); err != nil {
			return nil, fmt.Errorf("scan build history row: %w", err)
		}
		e.TimedOut = timedOut != 0
		e.FinishedAt = time.Unix(finishedUnix, 0).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Prune deletes entries older than keep, returning how many were removed.
func (s *Store) Prune(ctx context.Context, keep time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-keep).Unix()
	res, err := s.db.ExecContext(ctx, "DELETE FROM build_history WHERE finished_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune build history: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
