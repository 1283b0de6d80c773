package api

import (
	"net/http"
)

type healthResponse struct {
	Status       string `json:"status"`
	LiveWorkers  int    `json:"live_workers"`
	TotalWorkers int    `json:"total_workers"`
}

// handleHealthz reports degraded with 503 once every worker slot is dead,
// since no phase can be dispatched until one is respawned.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	pool := s.engine.Pool()
	resp := healthResponse{
		Status:       "ok",
		LiveWorkers:  pool.Live(),
		TotalWorkers: pool.Size(),
	}
	status := http.StatusOK
	if resp.LiveWorkers == 0 {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
