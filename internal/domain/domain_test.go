package domain

import (
	"errors"
	"testing"
)

// ─── Task Tests ─────────────────────────────────────────────────────────────

func TestTask_Key(t *testing.T) {
	task := Task{Name: "index", Extension: "html", Type: TaskCreate}
	if got := task.Key(); got != "index.html" {
		t.Errorf("Key() = %q, want %q", got, "index.html")
	}
}

func TestTask_Validate(t *testing.T) {
	tests := []struct {
		name    string
		task    Task
		wantErr bool
	}{
		{"valid create", Task{Name: "index", Extension: "html", Type: TaskCreate}, false},
		{"valid install", Task{Name: "deps", Extension: "sh", Type: TaskInstall}, false},
		{"missing name", Task{Extension: "html", Type: TaskCreate}, true},
		{"blank name", Task{Name: "  ", Extension: "html", Type: TaskCreate}, true},
		{"missing extension", Task{Name: "index", Type: TaskCreate}, true},
		{"unknown type", Task{Name: "index", Extension: "html", Type: "Delete"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.task.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTask) {
				t.Errorf("Validate() error = %v, want ErrInvalidTask", err)
			}
		})
	}
}

func TestParseTaskType(t *testing.T) {
	tests := []struct {
		in   string
		want TaskType
	}{
		{"create", TaskCreate},
		{"Modify", TaskModify},
		{"UPDATE", TaskModify},
		{" install ", TaskInstall},
		{"generate", TaskGenerate},
		{"Delete", TaskType("Delete")},
	}
	for _, tt := range tests {
		if got := ParseTaskType(tt.in); got != tt.want {
			t.Errorf("ParseTaskType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ─── Report Tests ───────────────────────────────────────────────────────────

func TestExecutionReport_Count(t *testing.T) {
	r := ExecutionReport{Results: []TaskResult{
		{Outcome: OutcomeSucceeded},
		{Outcome: OutcomeSucceeded},
		{Outcome: OutcomeSkippedDuplicate},
	}}
	if got := r.Count(OutcomeSucceeded); got != 2 {
		t.Errorf("Count(succeeded) = %d, want 2", got)
	}
	if !r.Succeeded() {
		t.Error("Succeeded() should be true with no failures")
	}

	r.Results = append(r.Results, TaskResult{Outcome: OutcomeInvalid})
	if r.Succeeded() {
		t.Error("Succeeded() should be false with an invalid task")
	}
}

// ─── Job Tests ──────────────────────────────────────────────────────────────

func TestErrorJob_IsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobPending, false},
		{JobProcessing, false},
		{JobDone, true},
		{JobDead, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			j := ErrorJob{Status: tt.status}
			if got := j.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
		})
	}
}
