package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/lockstep/internal/model"
)

// handleStreamEvents streams partition and phase events of an active run as
// server-sent events, one JSON object per event named by its type. The
// stream ends with a done event when the run finishes.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if model.IsTerminal(run.Status) {
		w.WriteHeader(http.StatusOK)
		_ = writeSSEEvent(w, "done", run.Status)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A run that finished after the status check has a closed topic, so the
	// loop below exits at once.
	ch, unsub := s.engine.Broker().Subscribe(run.ID)
	defer unsub()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "stream complete")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Error("encode event", "run_id", run.ID, "seq", ev.Seq, "error", err)
				continue
			}
			if err := writeSSEEvent(w, ev.Type, string(data)); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// eventHistoryResponse is the JSON response for GET /v1/runs/{id}/events.
type eventHistoryResponse struct {
	RunID  string        `json:"run_id"`
	Events []model.Event `json:"events"`
}

func (s *Server) handleGetEventHistory(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}

	events, err := s.store.ListEvents(r.Context(), run.ID)
	if err != nil {
		s.logger.Error("list events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	s.writeJSON(w, http.StatusOK, eventHistoryResponse{
		RunID:  run.ID,
		Events: events,
	})
}

// writeSSEEvent writes a named event. Multi-line data is split so every
// segment gets its own data: prefix.
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	for seg := range strings.SplitSeq(data, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}
