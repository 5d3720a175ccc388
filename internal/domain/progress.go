// Package domain: user-facing build progress.
package domain

import "time"

// ProgressStatus is what the chat-facing collaborator shows the user.
type ProgressStatus string

const (
	ProgressBuildStarted  ProgressStatus = "build_started"
	ProgressStepSucceeded ProgressStatus = "step_succeeded"
	ProgressStepFailed    ProgressStatus = "step_failed"
	ProgressBuildComplete ProgressStatus = "build_complete"
	ProgressAdjusting     ProgressStatus = "adjustments_in_progress"
	ProgressStable        ProgressStatus = "stable"
	ProgressEscalated     ProgressStatus = "escalated"
)

// ProgressEntry is one append-only progress log line.
type ProgressEntry struct {
	ProjectID string         `json:"projectId"`
	UserID    string         `json:"userId"`
	Step      string         `json:"step"`
	Status    ProgressStatus `json:"status"`
	Message   string         `json:"message,omitempty"`
	At        time.Time      `json:"at"`
}
