package httpapi

import (
	"net/http"
	"strings"

	"github.com/ent0n29/livewire/internal/observability"
)

// handlePerfLatency serves the rolling stage window. ?stage=handshake narrows
// the response to one stage.
func (s *Server) handlePerfLatency(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.SnapshotStages()
	want := strings.TrimSpace(r.URL.Query().Get("stage"))
	if want == "" {
		respondJSON(w, http.StatusOK, snap)
		return
	}
	for _, st := range snap.Stages {
		if st.Stage == want {
			snap.Stages = []observability.StageStats{st}
			respondJSON(w, http.StatusOK, snap)
			return
		}
	}
	respondError(w, http.StatusNotFound, "unknown_stage", "no latency stage named "+want)
}
