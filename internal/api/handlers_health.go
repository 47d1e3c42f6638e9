package api

import (
	"encoding/json"
	"net/http"
)

// handleLiveness always returns 200 once the process is running — it
// answers "is the process alive", not "is it useful".
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleReadiness returns 503 if any proxy in the current health snapshot
// reports "unhealthy", and 200 otherwise. Petal load state is not
// consulted.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	snap := s.publisher.Sample()
	for _, p := range snap.Proxies {
		if p.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleSnapshot returns the full health snapshot (every proxy's status,
// every petal's load state) as JSON.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap := s.publisher.Sample()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}
