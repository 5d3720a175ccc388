package domain

import (
	"context"
	"time"
)

// ─── Collaborator Interfaces ────────────────────────────────────────────────
// These interfaces define the narrow boundaries the build loop needs from
// the rest of the product. Infrastructure implements them.

// FileStorage persists generated project files.
type FileStorage interface {
	// WriteFile creates or replaces fileName inside the project.
	WriteFile(ctx context.Context, projectID, fileName string, content []byte) error

	// ReadFile returns ErrFileNotFound when the file does not exist.
	ReadFile(ctx context.Context, projectID, fileName string) ([]byte, error)
}

// GenerationContext is passed alongside a prompt to the text generator.
type GenerationContext struct {
	ProjectID string
	UserID    string
	FileName  string
	System    string
}

// TextGenerator is the opaque, possibly slow, possibly failing LLM call.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string, gc GenerationContext) (string, error)
}

// ProgressRecorder is the append-only project progress log.
// Callers treat it as fire-and-forget: errors are logged, never propagated.
type ProgressRecorder interface {
	Record(ctx context.Context, entry ProgressEntry) error
}

// TaskRecorder remembers the last executed version of each task per project.
type TaskRecorder interface {
	RecordTask(ctx context.Context, projectID string, task Task) error
	ProjectTasks(ctx context.Context, projectID string) ([]RecordedTask, error)
}

// IdempotencyStore answers "has task T of project P already run?".
type IdempotencyStore interface {
	IsExecuted(ctx context.Context, projectID, taskKey string) (bool, error)
	MarkExecuted(ctx context.Context, projectID, taskKey string) error
	ClearAll(ctx context.Context, projectID string) (int, error)
}

// IssueCounter tracks issues currently being triaged per project.
type IssueCounter interface {
	Increment(ctx context.Context, projectID string) (int64, error)
	Decrement(ctx context.Context, projectID string) (int64, error)
	Get(ctx context.Context, projectID string) (int64, error)
}

// Lease is a held distributed lock. Release is idempotent.
type Lease interface {
	Release(ctx context.Context) error
	// Lost is closed if the lock could not be kept alive.
	Lost() <-chan struct{}
}

// Locker hands out mutually exclusive leases per key.
// Contention is reported as an error wrapping ErrLockBusy.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}
