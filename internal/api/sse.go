package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/DroneLeaf/petal-app-manager/internal/logging"
)

// handleLogStream serves GET /health/stream: a Server-Sent Events feed
// tailing the in-memory log ring buffer, replaying recent entries first
// and then every new entry as it is logged.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for _, entry := range s.log.Recent(1000, logging.LevelDebug) {
		writeSSEEntry(w, entry)
	}
	flusher.Flush()

	ch, unsubscribe := s.log.Subscribe(64)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEntry(w, entry)
			flusher.Flush()
		}
	}
}

func writeSSEEntry(w http.ResponseWriter, entry logging.Entry) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
