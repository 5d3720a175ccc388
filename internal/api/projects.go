package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cerebrum-dev/cerebrum/internal/domain"
)

// ─── Project API (/v1/projects/{projectId}/*) ───────────────────────────────

// --- POST /batches (execute a task batch) ---

type batchRequest struct {
	UserID string        `json:"userId"`
	Tasks  []domain.Task `json:"tasks"`
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		notConfigured(w, "task engine")
		return
	}
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Tasks) == 0 {
		writeError(w, http.StatusBadRequest, "tasks is required")
		return
	}

	report, err := s.deps.Engine.ExecuteBatch(r.Context(), domain.TaskBatch{
		ProjectID: chi.URLParam(r, "projectId"),
		UserID:    req.UserID,
		Tasks:     req.Tasks,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- POST /runtime-errors (observe the deployed site) ---

type runtimeErrorsRequest struct {
	BaseURL string   `json:"baseUrl"`
	UserID  string   `json:"userId,omitempty"`
	Targets []string `json:"targets,omitempty"`
}

type runtimeErrorsResponse struct {
	Events     []domain.ErrorEvent `json:"events"`
	Pages      []domain.PageResult `json:"pages"`
	Enqueued   int                 `json:"enqueued"`
	Duplicates int                 `json:"duplicates"`
}

func (s *Server) handleRuntimeErrors(w http.ResponseWriter, r *http.Request) {
	if s.deps.Monitor == nil {
		notConfigured(w, "runtime monitor")
		return
	}
	projectID := chi.URLParam(r, "projectId")

	var req runtimeErrorsRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if strings.TrimSpace(req.BaseURL) == "" && s.deps.SiteURL != nil {
		req.BaseURL = s.deps.SiteURL(projectID)
	}
	if strings.TrimSpace(req.BaseURL) == "" {
		writeError(w, http.StatusBadRequest, "baseUrl is required")
		return
	}

	report, err := s.deps.Monitor.Report(r.Context(), req.BaseURL, projectID, req.Targets)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := runtimeErrorsResponse{Events: report.Events, Pages: report.Pages}

	if req.UserID != "" && s.deps.Queue != nil {
		for _, ev := range report.Events {
			res, err := s.deps.Queue.Enqueue(r.Context(), domain.JobRequest{Event: ev, ProjectID: projectID, UserID: req.UserID})
			if err != nil {
				log.Printf("[api] enqueue runtime error for %s: %v", projectID, err)
				continue
			}
			if res.Duplicate {
				resp.Duplicates++
			} else {
				resp.Enqueued++
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- GET /progress ---

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	if s.deps.Progress == nil {
		notConfigured(w, "progress log")
		return
	}
	entries, err := s.deps.Progress.ProjectProgress(r.Context(), chi.URLParam(r, "projectId"), queryInt(r, "limit", 200))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []domain.ProgressEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries": entries,
	})
}

// --- GET /issues (unresolved issue count) ---

func (s *Server) handleIssues(w http.ResponseWriter, r *http.Request) {
	if s.deps.Issues == nil {
		notConfigured(w, "issue counter")
		return
	}
	projectID := chi.URLParam(r, "projectId")
	n, err := s.deps.Issues.Get(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"projectId":  projectID,
		"unresolved": n,
	})
}

// --- GET /sites/{projectId}/* (static hosting) ---

func (s *Server) handleSite(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectId")
	dir, err := s.deps.Sites.ProjectDir(projectID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	http.StripPrefix("/sites/"+projectID, http.FileServer(http.Dir(dir))).ServeHTTP(w, r)
}
