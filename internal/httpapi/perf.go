package httpapi

import "net/http"

func (s *Server) handlePerfDispatch(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"kinds":        []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Metrics.SnapshotDispatch())
}
