package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/lockstep/internal/config"
	"github.com/seantiz/lockstep/internal/engine"
	"github.com/seantiz/lockstep/internal/model"
	"github.com/seantiz/lockstep/internal/store"
	"github.com/seantiz/lockstep/internal/task"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// createRunRequest is the JSON body for POST /v1/runs. Distribution is an
// optional HCL document replacing the server's distribution for this run.
type createRunRequest struct {
	Steps        int                 `json:"steps"`
	Init         *task.InitMessage   `json:"init"`
	Context      task.ContextMessage `json:"context"`
	State        task.StateMessage   `json:"state"`
	Output       task.OutputMessage  `json:"output"`
	Distribution string              `json:"distribution,omitempty"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Init == nil || req.Init.Package == "" {
		s.writeError(w, http.StatusBadRequest, "init.package is required")
		return
	}
	if req.Steps < 0 {
		s.writeError(w, http.StatusBadRequest, "steps must not be negative")
		return
	}

	dist := s.dist
	if req.Distribution != "" {
		d, err := config.ParseRequestDistribution([]byte(req.Distribution))
		if err != nil {
			// Diagnostics quote evaluated values, so they stay in the log.
			s.logger.Warn("rejected request distribution", "error", err)
			s.writeError(w, http.StatusBadRequest, "invalid distribution")
			return
		}
		dist = d
	}

	run := &model.Run{
		ID:        model.NewID(),
		Status:    model.StatusPending,
		Steps:     req.Steps,
		CreatedAt: time.Now().UTC(),
	}
	plan := engine.Plan{
		Init:    *req.Init,
		Context: req.Context,
		State:   req.State,
		Output:  req.Output,
	}

	if err := s.engine.Submit(r.Context(), run, plan, dist); err != nil {
		if errors.Is(err, task.ErrInvalidMessage) || errors.Is(err, config.ErrInvalidDistribution) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCancelRun asks the engine to kill a run. The run reaches killed
// asynchronously, so the response carries the status at the time of the
// request.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	if err := s.engine.Cancel(run.ID); err != nil {
		if errors.Is(err, engine.ErrRunNotActive) {
			s.writeError(w, http.StatusConflict, "run is not active")
			return
		}
		s.logger.Error("cancel run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to cancel run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListPhases(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	phases, err := s.store.ListPhases(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("list phases", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list phases")
		return
	}
	s.writeJSON(w, http.StatusOK, phases)
}

// lookupRun loads the run named by the {id} URL parameter, writing a 404 or
// 500 response when it cannot.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get run", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return run, true
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
