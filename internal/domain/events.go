// Package domain: runtime error events and ingestion jobs.
package domain

import "time"

// EventType identifies which browser listener produced an ErrorEvent.
type EventType string

const (
	EventConsole       EventType = "console"
	EventPageError     EventType = "pageerror"
	EventRequestFailed EventType = "requestfailed"
)

// ErrorEvent is a single observation from a running generated site.
type ErrorEvent struct {
	URL       string    `json:"url"`
	Type      EventType `json:"type"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`

	// Optional detail. Level is the console API level; the rest come from
	// the injected page error hook.
	Level  string `json:"level,omitempty"`
	Source string `json:"source,omitempty"`
	Line   int64  `json:"line,omitempty"`
	Column int64  `json:"column,omitempty"`
}

// Severity is the triage class of an event.
type Severity string

const (
	SeverityCritical    Severity = "critical"
	SeverityNonCritical Severity = "non-critical"
)

// JobStatus tracks an ingestion job through the durable queue.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobDone       JobStatus = "done"
	JobDead       JobStatus = "dead"
)

// JobRequest is the queue ingress payload.
type JobRequest struct {
	Event     ErrorEvent `json:"event"`
	ProjectID string     `json:"projectId"`
	UserID    string     `json:"userId"`
}

// ErrorJob is a persisted ingestion job.
type ErrorJob struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	UserID     string     `json:"userId"`
	Event      ErrorEvent `json:"event"`
	Status     JobStatus  `json:"status"`
	Attempts   int        `json:"attempts"`
	NextRunAt  time.Time  `json:"nextRunAt"`
	LeaseOwner string     `json:"leaseOwner,omitempty"`
	LeaseUntil time.Time  `json:"leaseUntil,omitempty"`
	LastError  string     `json:"lastError,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the job will never be delivered again.
func (j *ErrorJob) IsTerminal() bool {
	return j.Status == JobDone || j.Status == JobDead
}

// QueueStats is a point-in-time view of the ingestion queue.
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Dead       int `json:"dead"`
}

// PageResult summarizes one observed page.
type PageResult struct {
	URL    string `json:"url"`
	Events int    `json:"events"`
	Error  string `json:"error,omitempty"`
}

// MonitorReport aggregates every observation of one Report call.
type MonitorReport struct {
	ProjectID string       `json:"projectId"`
	Events    []ErrorEvent `json:"events"`
	Pages     []PageResult `json:"pages"`
}
