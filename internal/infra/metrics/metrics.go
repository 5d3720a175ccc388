// Package metrics provides Prometheus metrics for Cerebrum.
// Covers task execution, locks, the error ingestion queue, the runtime
// monitor and the feedback loop.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Task Execution ─────────────────────────────────────────────────────────

// TasksExecuted tracks task results by type and outcome.
var TasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cerebrum",
	Name:      "tasks_executed_total",
	Help:      "Total tasks processed by outcome.",
}, []string{"type", "outcome"})

// TaskAttempts tracks how many attempts a task needed.
var TaskAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "cerebrum",
	Name:      "task_attempts",
	Help:      "Attempts per executed task.",
	Buckets:   []float64{1, 2, 3, 4, 5},
})

// TaskDuration tracks task execution time including retries.
var TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "cerebrum",
	Name:      "task_duration_seconds",
	Help:      "Task execution duration in seconds.",
	Buckets:   prometheus.DefBuckets,
}, []string{"type"})

// BatchesActive tracks batches currently executing on this worker.
var BatchesActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "cerebrum",
	Name:      "batches_active",
	Help:      "Number of task batches currently executing.",
})

// ─── Locks ──────────────────────────────────────────────────────────────────

// LockAcquisitions tracks lock attempts by result (acquired, busy, error).
var LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cerebrum",
	Name:      "lock_acquisitions_total",
	Help:      "Quorum lock acquisition attempts by result.",
}, []string{"result"})

// LockExtensions tracks auto-extension results.
var LockExtensions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cerebrum",
	Name:      "lock_extensions_total",
	Help:      "Lock auto-extensions by result.",
}, []string{"result"})

// ─── Error Ingestion Queue ──────────────────────────────────────────────────

// JobsEnqueued tracks queue ingress by result (queued, duplicate).
var JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cerebrum",
	Name:      "error_jobs_enqueued_total",
	Help:      "Error events offered to the ingestion queue by result.",
}, []string{"result"})

// JobsProcessed tracks job completions by result (done, retry, dead).
var JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cerebrum",
	Name:      "error_jobs_processed_total",
	Help:      "Error jobs processed by result.",
}, []string{"result"})

// EventsClassified tracks triage classification.
var EventsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cerebrum",
	Name:      "error_events_classified_total",
	Help:      "Error events by severity.",
}, []string{"severity"})

// ─── Runtime Monitor ────────────────────────────────────────────────────────

// BrowserSessions tracks live browser sessions (0 or 1 per process).
var BrowserSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "cerebrum",
	Name:      "browser_sessions_active",
	Help:      "Number of live headless browser sessions.",
})

// PagesObserved tracks observed pages by result.
var PagesObserved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cerebrum",
	Name:      "pages_observed_total",
	Help:      "Pages observed by the runtime monitor by result.",
}, []string{"result"})

// RuntimeEvents tracks captured runtime events by type.
var RuntimeEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cerebrum",
	Name:      "runtime_events_total",
	Help:      "Runtime events captured by type.",
}, []string{"type"})

// ─── Feedback Loop ──────────────────────────────────────────────────────────

// UnresolvedIssues tracks in-triage issues per project as last seen by this worker.
var UnresolvedIssues = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "cerebrum",
	Name:      "unresolved_issues",
	Help:      "Issues currently in triage per project.",
}, []string{"project"})

// CounterUnderflows tracks rejected decrements below zero.
var CounterUnderflows = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "cerebrum",
	Name:      "counter_underflow_total",
	Help:      "Decrements ignored because the count was already zero.",
})

// RepairCycles tracks resolver runs by result (submitted, escalated, failed).
var RepairCycles = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cerebrum",
	Name:      "repair_cycles_total",
	Help:      "Feedback loop repair cycles by result.",
}, []string{"result"})

// Verifications tracks autonomous verification runs by result (stable, errors, failed).
var Verifications = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "cerebrum",
	Name:      "verifications_total",
	Help:      "Autonomous verification runs by result.",
}, []string{"result"})

// ─── Text Generation ────────────────────────────────────────────────────────

// GenerationLatency tracks text-generation call duration.
var GenerationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "cerebrum",
	Name:      "generation_latency_seconds",
	Help:      "Text generation request duration in seconds.",
	Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
})

// ─── Health ─────────────────────────────────────────────────────────────────

// HealthCheckStatus tracks health check results (1=healthy, 0=unhealthy).
var HealthCheckStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "cerebrum",
	Name:      "health_check_status",
	Help:      "Health check result per component (1=healthy, 0=unhealthy).",
}, []string{"check"})
