package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/campussim/internal/model"
	"github.com/seantiz/campussim/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createJobRequest is the JSON body for POST /v1/jobs.
type createJobRequest struct {
	Name   string       `json:"name"`
	Params model.Params `json:"params"`
}

// configErrorResponse reports every parameter problem at once.
type configErrorResponse struct {
	Error    string   `json:"error"`
	Problems []string `json:"problems"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// transitionsResponse is the JSON response for GET /v1/jobs/{id}/transitions.
type transitionsResponse struct {
	JobID       string             `json:"job_id"`
	Transitions []model.Transition `json:"transitions"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	j, err := s.engine.Submit(r.Context(), req.Name, req.Params)
	var cfgErr *model.ConfigError
	if errors.As(err, &cfgErr) {
		s.writeJSON(w, http.StatusBadRequest, configErrorResponse{
			Error:    "invalid job parameters",
			Problems: cfgErr.Problems,
		})
		return
	}
	if err != nil {
		s.logger.Error("submit job", "error", err)
		if j != nil {
			// The job exists and carries the failure reason.
			s.writeJSON(w, http.StatusServiceUnavailable, j)
			return
		}
		s.writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	s.writeJSON(w, http.StatusAccepted, j)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleListTransitions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	history, err := s.engine.Tracker().History(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("list transitions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list transitions")
		return
	}
	if history == nil {
		history = []model.Transition{}
	}

	s.writeJSON(w, http.StatusOK, transitionsResponse{JobID: id, Transitions: history})
}

func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Error("get job for result", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}

	res, err := s.store.GetResult(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		if j.State.Terminal() {
			s.writeError(w, http.StatusNotFound, "job finished without a result")
			return
		}
		s.writeError(w, http.StatusConflict, "result not available yet, job is "+string(j.State))
		return
	}
	if err != nil {
		s.logger.Error("get result", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get result")
		return
	}

	s.writeJSON(w, http.StatusOK, res)
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
