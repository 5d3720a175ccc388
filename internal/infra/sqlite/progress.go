package sqlite

import (
	"context"
	"time"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// ─── Progress Log ───────────────────────────────────────────────────────────

// Record appends a progress entry. Implements domain.ProgressRecorder.
func (d *DB) Record(ctx context.Context, e domain.ProgressEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO progress_log (project_id, user_id, step, status, message, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ProjectID, e.UserID, e.Step, string(e.Status), e.Message, toMillis(e.At),
	)
	return err
}

// ProjectProgress returns the latest limit entries for a project, oldest first.
func (d *DB) ProjectProgress(ctx context.Context, projectID string, limit int) ([]domain.ProgressEntry, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT project_id, user_id, step, status, message, at FROM (
			SELECT id, project_id, user_id, step, status, message, at
			FROM progress_log WHERE project_id = ? ORDER BY id DESC LIMIT ?
		 ) ORDER BY id ASC`,
		projectID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.ProgressEntry
	for rows.Next() {
		var e domain.ProgressEntry
		var status string
		var at int64
		if err := rows.Scan(&e.ProjectID, &e.UserID, &e.Step, &status, &e.Message, &at); err != nil {
			return nil, err
		}
		e.Status = domain.ProgressStatus(status)
		e.At = fromMillis(at)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
