package sqlite

import (
	"context"
	"time"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// ─── Executed Tasks ─────────────────────────────────────────────────────────
// Implements domain.TaskRecorder. One row per (project, task key); re-running
// a task replaces the row with its latest payload.

// RecordTask upserts the executed version of task.
func (d *DB) RecordTask(ctx context.Context, projectID string, task domain.Task) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO project_tasks (project_id, task_key, name, extension, task_type, payload, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id, task_key) DO UPDATE SET
			name=excluded.name,
			extension=excluded.extension,
			task_type=excluded.task_type,
			payload=excluded.payload,
			executed_at=excluded.executed_at`,
		projectID, task.Key(), task.Name, task.Extension, string(task.Type), task.Payload,
		toMillis(time.Now()),
	)
	return err
}

// ProjectTasks returns every recorded task for a project in execution order.
func (d *DB) ProjectTasks(ctx context.Context, projectID string) ([]domain.RecordedTask, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT name, extension, task_type, payload, executed_at
		 FROM project_tasks WHERE project_id = ? ORDER BY executed_at, task_key`,
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.RecordedTask
	for rows.Next() {
		rt := domain.RecordedTask{ProjectID: projectID}
		var taskType string
		var at int64
		if err := rows.Scan(&rt.Task.Name, &rt.Task.Extension, &taskType, &rt.Task.Payload, &at); err != nil {
			return nil, err
		}
		rt.Task.Type = domain.TaskType(taskType)
		rt.ExecutedAt = fromMillis(at)
		tasks = append(tasks, rt)
	}
	return tasks, rows.Err()
}
