// Package api provides the HTTP server for Cerebrum.
// It accepts build batches and runtime errors, exposes the error queue to
// operators and hosts the generated sites.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cerebrum-dev/cerebrum/internal/app/ingest"
	"github.com/cerebrum-dev/cerebrum/internal/domain"
	"github.com/cerebrum-dev/cerebrum/internal/health"
)

// ─── Collaborators ──────────────────────────────────────────────────────────

// BatchExecutor runs task batches. Implemented by executor.Engine.
type BatchExecutor interface {
	ExecuteBatch(ctx context.Context, batch domain.TaskBatch) (domain.ExecutionReport, error)
}

// RuntimeObserver watches deployed pages. Implemented by monitor.Monitor.
type RuntimeObserver interface {
	Report(ctx context.Context, baseURL, projectID string, targets []string) (domain.MonitorReport, error)
}

// ErrorQueue is the ingestion queue. Implemented by ingest.Queue.
type ErrorQueue interface {
	Enqueue(ctx context.Context, req domain.JobRequest) (ingest.EnqueueResult, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
	DeadJobs(ctx context.Context, limit int) ([]domain.ErrorJob, error)
	Requeue(ctx context.Context, id string) error
}

// ProgressLog reads project progress. Implemented by sqlite.DB.
type ProgressLog interface {
	ProjectProgress(ctx context.Context, projectID string, limit int) ([]domain.ProgressEntry, error)
}

// IssueReader reads the unresolved issue count. Implemented by kv.IssueCounter.
type IssueReader interface {
	Get(ctx context.Context, projectID string) (int64, error)
}

// SiteRoot maps a project to its files on disk. Implemented by storage.FS.
type SiteRoot interface {
	ProjectDir(projectID string) (string, error)
}

// HealthReporter exposes the latest health checks. Implemented by health.Checker.
type HealthReporter interface {
	Statuses() []health.Status
	IsHealthy() bool
}

// Deps wires the server. Nil collaborators disable their routes.
type Deps struct {
	Engine   BatchExecutor
	Monitor  RuntimeObserver
	Queue    ErrorQueue
	Progress ProgressLog
	Issues   IssueReader
	Sites    SiteRoot
	Health   HealthReporter
	// SiteURL returns the deployed root of a project.
	SiteURL func(projectID string) string
}

// Server is the Cerebrum HTTP API server.
type Server struct {
	deps           Deps
	metricsEnabled bool
	version        string
}

// NewServer creates a new API server.
func NewServer(deps Deps, version string) *Server {
	return &Server{deps: deps, version: version}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Get("/api/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version": s.version,
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Route("/projects/{projectId}", func(r chi.Router) {
			r.Post("/batches", s.handleBatch)
			r.Post("/runtime-errors", s.handleRuntimeErrors)
			r.Get("/progress", s.handleProgress)
			r.Get("/issues", s.handleIssues)
		})
		r.Post("/errors", s.handleEnqueue)
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", s.handleQueueStats)
			r.Get("/dead", s.handleDeadJobs)
			r.Post("/jobs/{id}/requeue", s.handleRequeue)
		})
	})

	// Prometheus metrics endpoint
	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	// Generated sites
	if s.deps.Sites != nil {
		r.Get("/sites/{projectId}", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
		})
		r.Get("/sites/{projectId}/*", s.handleSite)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.deps.Health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{
		"status": status,
		"checks": s.deps.Health.Statuses(),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": msg,
			"type":    "error",
		},
	})
}

// writeDomainError maps domain errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrInvalidEvent), errors.Is(err, domain.ErrInvalidTask), errors.Is(err, domain.ErrInvalidPath):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrFileNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrQueueClosed), errors.Is(err, domain.ErrMonitorLaunch),
		errors.Is(err, domain.ErrMonitorClosed), errors.Is(err, domain.ErrCircuitOpen):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeError(w, status, err.Error())
}

func notConfigured(w http.ResponseWriter, what string) {
	writeError(w, http.StatusNotImplemented, what+" is not configured")
}

// queryInt parses a positive integer query parameter.
func queryInt(r *http.Request, name string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil && v > 0 {
		return v
	}
	return def
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
