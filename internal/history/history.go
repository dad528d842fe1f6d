// Package history archives finished runs in a local SQLite database so they
// outlive the Redis state TTL.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one archived run.
type Entry struct {
	RunID      string    `json:"run_id"`
	Workflow   string    `json:"workflow"`
	Status     string    `json:"status"`
	Kind       string    `json:"kind,omitempty"`
	ExitCode   *int      `json:"exit_code,omitempty"`
	Email      string    `json:"email,omitempty"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Duration   float64   `json:"duration_seconds"`
}

// Archive is the SQLite-backed run history.
type Archive struct {
	db *sql.DB
}

// Open opens or creates the archive at path.
func Open(ctx context.Context, path string) (*Archive, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer at a time; SQLite serializes anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS runs (
			run_id      TEXT PRIMARY KEY,
			workflow    TEXT NOT NULL,
			status      TEXT NOT NULL,
			kind        TEXT NOT NULL DEFAULT '',
			exit_code   INTEGER,
			email       TEXT NOT NULL DEFAULT '',
			message     TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			started_at  INTEGER NOT NULL,
			finished_at INTEGER NOT NULL,
			duration    REAL NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS runs_finished ON runs (finished_at DESC)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Archive{db: db}, nil
}

// Close closes the database.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Record stores or replaces an entry.
func (a *Archive) Record(ctx context.Context, e Entry) error {
	var code sql.NullInt64
	if e.ExitCode != nil {
		code = sql.NullInt64{Int64: int64(*e.ExitCode), Valid: true}
	}
	_, err := a.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(run_id, workflow, status, kind, exit_code, email, message, error, started_at, finished_at, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.Workflow, e.Status, e.Kind, code, e.Email, e.Message, e.Error,
		e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(), e.Duration,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", e.RunID, err)
	}
	return nil
}

// Recent lists the newest entries first. A non-empty status filters by status.
func (a *Archive) Recent(ctx context.Context, status string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `SELECT run_id, workflow, status, kind, exit_code, email, message, error, started_at, finished_at, duration FROM runs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY finished_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := a.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e                 Entry
			code              sql.NullInt64
			started, finished int64
		)
		if err := rows.Scan(&e.RunID, &e.Workflow, &e.Status, &e.Kind, &code, &e.Email, &e.Message, &e.Error, &started, &finished, &e.Duration); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		if code.Valid {
			c := int(code.Int64)
			e.ExitCode = &c
		}
		e.StartedAt = time.UnixMilli(started).UTC()
		e.FinishedAt = time.UnixMilli(finished).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
