package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/quire/internal/model"
	"github.com/seantiz/quire/internal/orchestrator"
	"github.com/seantiz/quire/internal/task"
)

const (
	maxJobBodySize = 256 << 20
	maxSmallBody   = 1 << 20 // 1 MB
)

// createJobRequest is the JSON body for POST /v1/jobs. Document data is
// base64 encoded.
type createJobRequest struct {
	Label string          `json:"label"`
	Mode  model.Mode      `json:"mode"`
	Files []task.Document `json:"files"`
	Steps []task.Step     `json:"steps"`
}

// completeJobRequest is the JSON body of the remote completion callback.
type completeJobRequest struct {
	Error  string         `json:"error"`
	Result *task.Document `json:"result"`
}

type listJobsResponse struct {
	Jobs []model.Job `json:"jobs"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJobBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	// A malformed request still becomes a job, which fails with the reason.
	id := s.orch.Enqueue(req.Files, req.Steps, req.Label, orchestrator.EnqueueOptions{Mode: req.Mode})
	job, ok := s.jobs.Job(id)
	if !ok {
		s.writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
		return
	}
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.jobs.Jobs()
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := jobs[:0]
		for _, j := range jobs {
			if string(j.Status) == status {
				filtered = append(filtered, j)
			}
		}
		jobs = filtered
	}
	s.writeJSON(w, http.StatusOK, listJobsResponse{Jobs: jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobs.Job(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if !s.orch.RemoveJob(chi.URLParam(r, "id")) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.CancelJob(id); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	job, _ := s.jobs.Job(id)
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	newID, err := s.orch.Retry(chi.URLParam(r, "id"))
	if err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	job, _ := s.jobs.Job(newID)
	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	var req completeJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxJobBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := chi.URLParam(r, "id")
	if err := s.orch.ReportRemote(r.Context(), id, orchestrator.RemoteOutcome{Error: req.Error, Result: req.Result}); err != nil {
		s.writeOrchestratorError(w, err)
		return
	}
	job, _ := s.jobs.Job(id)
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) writeOrchestratorError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownJob):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, orchestrator.ErrJobFinished),
		errors.Is(err, orchestrator.ErrNotRetryable),
		errors.Is(err, orchestrator.ErrNotRemote):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("job operation", "error", err)
		s.writeError(w, http.StatusInternalServerError, "job operation failed")
	}
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
