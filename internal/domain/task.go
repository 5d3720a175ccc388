// Package domain: build task types.
// A Task is one unit of build work produced by the text-generation collaborator:
// submit batch → lock → check idempotency → execute → mark → unlock → cleanup.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskType categorizes the side effect a task performs.
type TaskType string

const (
	TaskCreate   TaskType = "Create"
	TaskModify   TaskType = "Modify"
	TaskInstall  TaskType = "Install"
	TaskGenerate TaskType = "Generate"
)

// Valid reports whether t is one of the known task types.
func (t TaskType) Valid() bool {
	switch t {
	case TaskCreate, TaskModify, TaskInstall, TaskGenerate:
		return true
	}
	return false
}

// ParseTaskType maps loosely-cased generator output ("create", "MODIFY") to a TaskType.
func ParseTaskType(s string) TaskType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create":
		return TaskCreate
	case "modify", "update", "edit":
		return TaskModify
	case "install":
		return TaskInstall
	case "generate":
		return TaskGenerate
	default:
		return TaskType(s)
	}
}

// Task is a unit of build work. Identity is (projectID, Name, Extension).
type Task struct {
	Name      string   `json:"name"`
	Extension string   `json:"extension"`
	Type      TaskType `json:"taskType"`
	Payload   string   `json:"payload"`
}

// Key returns the task's identity within a project, e.g. "index.html".
func (t Task) Key() string {
	return t.Name + "." + t.Extension
}

// FileName is the file a Create/Modify/Generate task materializes.
func (t Task) FileName() string {
	return t.Key()
}

// Validate checks the identity fields. A failure here is never retried.
func (t Task) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Extension) == "" {
		return fmt.Errorf("%w: missing extension for %q", ErrInvalidTask, t.Name)
	}
	if !t.Type.Valid() {
		return fmt.Errorf("%w: unknown task type %q for %s", ErrInvalidTask, t.Type, t.Key())
	}
	return nil
}

// TaskBatch is an ordered list of tasks for one project, executed as one logical build.
type TaskBatch struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Tasks     []Task `json:"tasks"`
}

// Outcome is the per-task result of a batch execution.
type Outcome string

const (
	OutcomeSkippedDuplicate   Outcome = "skipped-duplicate"
	OutcomeSucceeded          Outcome = "succeeded"
	OutcomeFailedAfterRetries Outcome = "failed-after-retries"
	OutcomeInvalid            Outcome = "invalid"
)

// TaskResult is one report entry. Analysis carries post-execution notes.
type TaskResult struct {
	Name       string  `json:"name"`
	Extension  string  `json:"extension"`
	TaskKey    string  `json:"taskKey"`
	Outcome    Outcome `json:"outcome"`
	Attempts   int     `json:"attempts"`
	Error      string  `json:"error,omitempty"`
	Analysis   string  `json:"analysis,omitempty"`
	DurationMS int64   `json:"durationMs"`
}

// ExecutionReport lists per-task outcomes in batch order.
type ExecutionReport struct {
	ProjectID   string       `json:"projectId"`
	UserID      string       `json:"userId"`
	StartedAt   time.Time    `json:"startedAt"`
	CompletedAt time.Time    `json:"completedAt"`
	Results     []TaskResult `json:"results"`
	Cleared     int          `json:"clearedRecords"`
}

// Count returns how many results have the given outcome.
func (r ExecutionReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Succeeded returns true when no task failed or was invalid.
func (r ExecutionReport) Succeeded() bool {
	return r.Count(OutcomeFailedAfterRetries) == 0 && r.Count(OutcomeInvalid) == 0
}

// RecordedTask is the last executed version of a task for a project.
type RecordedTask struct {
	ProjectID  string    `json:"projectId"`
	Task       Task      `json:"task"`
	ExecutedAt time.Time `json:"executedAt"`
}
