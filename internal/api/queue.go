package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// ─── Error Queue API (/v1/errors, /v1/queue/*) ──────────────────────────────

// --- POST /v1/errors (enqueue one runtime error) ---

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		notConfigured(w, "error queue")
		return
	}
	var req domain.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.deps.Queue.Enqueue(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}

// --- GET /v1/queue/stats ---

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		notConfigured(w, "error queue")
		return
	}
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- GET /v1/queue/dead ---

func (s *Server) handleDeadJobs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		notConfigured(w, "error queue")
		return
	}
	jobs, err := s.deps.Queue.DeadJobs(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if jobs == nil {
		jobs = []domain.ErrorJob{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs": jobs,
	})
}

// --- POST /v1/queue/jobs/{id}/requeue ---

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue == nil {
		notConfigured(w, "error queue")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Queue.Requeue(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": string(domain.JobPending),
	})
}
