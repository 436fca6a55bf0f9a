package server

import (
	"fmt"
	"net/http"
	"strconv"
)

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, fmt.Errorf("invalid limit %q: %w", v, errValidation))
			return
		}
		limit = n
	}
	entries, err := s.store.ListAudit(r.Context(), limit)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
