package httpapi

import "net/http"

// handlePerfLatency serves the rolling turn stage window.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}
