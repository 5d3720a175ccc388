package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Task execution errors
	ErrInvalidTask        = errors.New("invalid task")
	ErrTransientExecution = errors.New("transient task execution failure")
	ErrCommandNotAllowed  = errors.New("command not allowed")

	// Lock contention is a signal, not a failure: another worker owns the key.
	ErrLockBusy = errors.New("lock held by another worker")

	// Storage errors
	ErrFileNotFound = errors.New("file not found")
	ErrInvalidPath  = errors.New("file path escapes project directory")

	// Queue errors
	ErrInvalidEvent    = errors.New("invalid error event")
	ErrQueueProcessing = errors.New("error job processing failed")
	ErrJobNotFound     = errors.New("error job not found")
	ErrQueueClosed     = errors.New("error queue is closed")

	// Runtime monitor errors
	ErrMonitorLaunch = errors.New("browser session failed to start")
	ErrMonitorClosed = errors.New("browser session manager is closed")

	// Counter errors
	ErrCounterUnderflow = errors.New("unresolved issue counter already at zero")

	// Feedback loop errors
	ErrRepairLimit     = errors.New("repair iteration limit reached, escalated")
	ErrNoTasksProduced = errors.New("generator produced no corrective tasks")

	// Text generation errors
	ErrGeneration  = errors.New("text generation failed")
	ErrCircuitOpen = errors.New("circuit breaker is open, service unavailable")
)
