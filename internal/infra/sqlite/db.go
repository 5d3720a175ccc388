// Package sqlite provides SQLite-based persistent storage for Cerebrum.
// Uses WAL mode for concurrent reads and crash-safe writes.
// Holds the durable error-ingestion queue, the project progress log and the
// record of executed tasks per project.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver (no CGO required)
)

// DB wraps a SQLite connection with WAL mode and migrations.
type DB struct {
	db *sql.DB
}

// Open creates or opens the SQLite database at dir/state.db.
// Enables WAL mode, foreign keys, and 5-second busy timeout.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dir, "state.db")
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// SQLite is single-writer; one connection also makes job claims atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return d, nil
}

// Close cleanly shuts down the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Ping checks database connectivity.
func (d *DB) Ping() error {
	return d.db.Ping()
}

// migrate runs idempotent schema migrations.
func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS node_info (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		// ─── Error ingestion queue ─────────────────────────────────────
		`CREATE TABLE IF NOT EXISTS error_jobs (
			id          TEXT PRIMARY KEY,
			project_id  TEXT NOT NULL,
			user_id     TEXT NOT NULL DEFAULT '',
			event       TEXT NOT NULL,
			status      TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			next_run_at INTEGER NOT NULL,
			lease_owner TEXT NOT NULL DEFAULT '',
			lease_until INTEGER NOT NULL DEFAULT 0,
			last_error  TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_ready ON error_jobs(status, next_run_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_lease ON error_jobs(status, lease_until)`,

		// ─── Progress log (append-only) ────────────────────────────────
		`CREATE TABLE IF NOT EXISTS progress_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			project_id TEXT NOT NULL,
			user_id    TEXT NOT NULL DEFAULT '',
			step       TEXT NOT NULL,
			status     TEXT NOT NULL,
			message    TEXT NOT NULL DEFAULT '',
			at         INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_progress_project ON progress_log(project_id, id)`,

		// ─── Executed tasks (last version per project+key) ─────────────
		`CREATE TABLE IF NOT EXISTS project_tasks (
			project_id  TEXT NOT NULL,
			task_key    TEXT NOT NULL,
			name        TEXT NOT NULL,
			extension   TEXT NOT NULL,
			task_type   TEXT NOT NULL,
			payload     TEXT NOT NULL,
			executed_at INTEGER NOT NULL,
			PRIMARY KEY (project_id, task_key)
		)`,
	}

	for _, m := range migrations {
		if _, err := d.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	return nil
}

// ─── Node Info ──────────────────────────────────────────────────────────────

// SetNodeInfo stores a key-value pair in node_info.
func (d *DB) SetNodeInfo(ctx context.Context, key, value string) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO node_info (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

// GetNodeInfo retrieves a value from node_info. Missing keys return "".
func (d *DB) GetNodeInfo(ctx context.Context, key string) (string, error) {
	var value string
	err := d.db.QueryRowContext(ctx, `SELECT value FROM node_info WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// Timestamps are stored as unix milliseconds.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
