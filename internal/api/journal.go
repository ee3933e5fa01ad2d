package api

import (
	"net/http"
	"strconv"

	"github.com/nerrad567/sx4-core/internal/journal"
)

// handleListJournal returns route journal entries, most recent first.
//
// Query parameters: route, action, limit, offset.
func (s *Server) handleListJournal(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeUnavailable(w, "route journal not available")
		return
	}

	q := r.URL.Query()
	var filter journal.Filter

	ints := []struct {
		name string
		dst  *int
	}{
		{"route", &filter.RouteAddress},
		{"limit", &filter.Limit},
		{"offset", &filter.Offset},
	}
	for _, p := range ints {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			writeBadRequest(w, "invalid "+p.name+" parameter")
			return
		}
		*p.dst = n
	}

	switch action := q.Get("action"); action {
	case "", journal.ActionSet, journal.ActionClear, journal.ActionReject:
		filter.Action = action
	default:
		writeBadRequest(w, "invalid action parameter")
		return
	}

	result, err := s.journal.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("listing route journal", "error", err)
		writeInternalError(w, "failed to list route journal")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
