package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// ─── Error Job Repository ───────────────────────────────────────────────────
// Jobs move pending → processing → done | pending (retry) | dead.
// A processing job whose lease expired is claimable again (at-least-once).

const jobColumns = `id, project_id, user_id, event, status, attempts, next_run_at,
	lease_owner, lease_until, last_error, created_at, updated_at`

// InsertJob persists a new job. The caller assigns ID and NextRunAt.
func (d *DB) InsertJob(ctx context.Context, job domain.ErrorJob) error {
	event, err := json.Marshal(job.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if job.Status == "" {
		job.Status = domain.JobPending
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	_, err = d.db.ExecContext(ctx,
		`INSERT INTO error_jobs (id, project_id, user_id, event, status, attempts, next_run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProjectID, job.UserID, string(event), string(job.Status),
		job.Attempts, toMillis(job.NextRunAt), toMillis(job.CreatedAt), toMillis(now),
	)
	return err
}

// ClaimJob atomically leases the next runnable job to owner.
// Returns nil, nil when nothing is runnable at now.
func (d *DB) ClaimJob(ctx context.Context, owner string, now time.Time, lease time.Duration) (*domain.ErrorJob, error) {
	nowMS := toMillis(now)
	row := d.db.QueryRowContext(ctx,
		`UPDATE error_jobs
		 SET status = ?, attempts = attempts + 1, lease_owner = ?, lease_until = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM error_jobs
			WHERE (status = ? AND next_run_at <= ?)
			   OR (status = ? AND lease_until <= ?)
			ORDER BY next_run_at, created_at
			LIMIT 1
		 )
		 RETURNING `+jobColumns,
		string(domain.JobProcessing), owner, toMillis(now.Add(lease)), nowMS,
		string(domain.JobPending), nowMS,
		string(domain.JobProcessing), nowMS,
	)
	return scanJob(row)
}

// CompleteJob marks a leased job done.
func (d *DB) CompleteJob(ctx context.Context, id, owner string) error {
	return d.finishJob(ctx, id, owner,
		`UPDATE error_jobs SET status = ?, lease_owner = '', lease_until = 0, updated_at = ?
		 WHERE id = ? AND lease_owner = ? AND status = ?`,
		string(domain.JobDone), toMillis(time.Now()), id, owner, string(domain.JobProcessing),
	)
}

// RetryJob returns a leased job to pending, runnable again at nextRun.
func (d *DB) RetryJob(ctx context.Context, id, owner string, nextRun time.Time, lastErr string) error {
	return d.finishJob(ctx, id, owner,
		`UPDATE error_jobs SET status = ?, next_run_at = ?, last_error = ?, lease_owner = '', lease_until = 0, updated_at = ?
		 WHERE id = ? AND lease_owner = ? AND status = ?`,
		string(domain.JobPending), toMillis(nextRun), lastErr, toMillis(time.Now()),
		id, owner, string(domain.JobProcessing),
	)
}

// KillJob moves a leased job to the dead-letter state.
func (d *DB) KillJob(ctx context.Context, id, owner, lastErr string) error {
	return d.finishJob(ctx, id, owner,
		`UPDATE error_jobs SET status = ?, last_error = ?, lease_owner = '', lease_until = 0, updated_at = ?
		 WHERE id = ? AND lease_owner = ? AND status = ?`,
		string(domain.JobDead), lastErr, toMillis(time.Now()),
		id, owner, string(domain.JobProcessing),
	)
}

// finishJob runs a lease-guarded transition. A lost lease reports ErrJobNotFound.
func (d *DB) finishJob(ctx context.Context, id, owner, query string, args ...any) error {
	result, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s (lease held by someone other than %s)", domain.ErrJobNotFound, id, owner)
	}
	return nil
}

// GetJob returns a job by ID, or nil if not found.
func (d *DB) GetJob(ctx context.Context, id string) (*domain.ErrorJob, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM error_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// QueueStats counts jobs per status.
func (d *DB) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats
	rows, err := d.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM error_jobs GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch domain.JobStatus(status) {
		case domain.JobPending:
			stats.Pending = n
		case domain.JobProcessing:
			stats.Processing = n
		case domain.JobDone:
			stats.Done = n
		case domain.JobDead:
			stats.Dead = n
		}
	}
	return stats, rows.Err()
}

// DeadJobs lists dead-lettered jobs, most recent first.
func (d *DB) DeadJobs(ctx context.Context, limit int) ([]domain.ErrorJob, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM error_jobs WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
		string(domain.JobDead), limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.ErrorJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// RequeueJob resets a dead job to pending with a fresh attempt budget.
func (d *DB) RequeueJob(ctx context.Context, id string, now time.Time) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE error_jobs SET status = ?, attempts = 0, next_run_at = ?, last_error = '', updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(domain.JobPending), toMillis(now), toMillis(now), id, string(domain.JobDead),
	)
	if err != nil {
		return err
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: no dead job %s", domain.ErrJobNotFound, id)
	}
	return nil
}

// PurgeJobs deletes done jobs last updated before cutoff.
func (d *DB) PurgeJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM error_jobs WHERE status = ? AND updated_at < ?`,
		string(domain.JobDone), toMillis(cutoff),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func scanJob(s scanner) (*domain.ErrorJob, error) {
	var j domain.ErrorJob
	var event, status string
	var nextRun, leaseUntil, created, updated int64

	err := s.Scan(&j.ID, &j.ProjectID, &j.UserID, &event, &status, &j.Attempts, &nextRun,
		&j.LeaseOwner, &leaseUntil, &j.LastError, &created, &updated)
	if err == sql.ErrNoRows {
		return nil, nil // Not found, no error
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(event), &j.Event); err != nil {
		return nil, fmt.Errorf("decode event for job %s: %w", j.ID, err)
	}

	j.Status = domain.JobStatus(status)
	j.NextRunAt = fromMillis(nextRun)
	j.LeaseUntil = fromMillis(leaseUntil)
	j.CreatedAt = fromMillis(created)
	j.UpdatedAt = fromMillis(updated)
	return &j, nil
}
