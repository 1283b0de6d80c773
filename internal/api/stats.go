package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Phases        int            `json:"phases"`
	FailedPhases  int            `json:"failed_phases"`
	Retries       int            `json:"retries"`
	Faults        int            `json:"faults"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetRunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		AvgDurationMS: stats.AvgDurationMS,
		Phases:        stats.Phases,
		FailedPhases:  stats.FailedPhases,
		Retries:       stats.Retries,
		Faults:        stats.Faults,
	})
}
