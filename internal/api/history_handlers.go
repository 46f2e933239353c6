package api

import (
	"net/http"

	"github.com/flowpbx/callbridge/internal/database"
	"github.com/flowpbx/callbridge/internal/database/models"
)

// handleHistory handles GET /api/v1/calls/history with optional limit,
// offset, direction and outcome query parameters.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, "call history not available")
		return
	}

	page, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	q := r.URL.Query()
	filter := database.CallLogFilter{
		Direction: q.Get("direction"),
		Outcome:   q.Get("outcome"),
		Limit:     page.Limit,
		Offset:    page.Offset,
	}
	if filter.Direction != "" && filter.Direction != "incoming" && filter.Direction != "outgoing" {
		writeError(w, http.StatusBadRequest, "direction must be incoming or outgoing")
		return
	}

	entries, total, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("history: failed to list calls", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if entries == nil {
		entries = []models.CallLogEntry{}
	}
	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  entries,
		Total:  total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}
