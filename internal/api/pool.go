package api

import (
	"net/http"

	"github.com/seantiz/lockstep/internal/worker"
)

type poolResponse struct {
	Size  int               `json:"size"`
	Live  int               `json:"live"`
	Slots []worker.SlotInfo `json:"slots"`
}

func (s *Server) handleGetPool(w http.ResponseWriter, _ *http.Request) {
	pool := s.engine.Pool()
	s.writeJSON(w, http.StatusOK, poolResponse{
		Size:  pool.Size(),
		Live:  pool.Live(),
		Slots: pool.Slots(),
	})
}
