package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/sx4-core/internal/panel"
)

// handleListElements returns the panel elements ordered by address.
// Query parameter kind filters by element kind.
func (s *Server) handleListElements(w http.ResponseWriter, r *http.Request) {
	if s.layout == nil {
		writeUnavailable(w, "no layout loaded")
		return
	}

	elements := s.layout.Elements()
	if k := r.URL.Query().Get("kind"); k != "" {
		kind, err := panel.ParseKind(k)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		elements = s.layout.ByKind(kind)
	}

	infos := make([]panel.Info, len(elements))
	for i, e := range elements {
		infos[i] = e.Info()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"elements": infos,
		"count":    len(infos),
	})
}

// handleGetElement returns one element by primary address.
func (s *Server) handleGetElement(w http.ResponseWriter, r *http.Request) {
	if s.layout == nil {
		writeUnavailable(w, "no layout loaded")
		return
	}

	addr, err := strconv.Atoi(chi.URLParam(r, "addr"))
	if err != nil {
		writeBadRequest(w, "invalid element address")
		return
	}
	e, ok := s.layout.Get(addr)
	if !ok {
		writeNotFound(w, "element not found")
		return
	}
	writeJSON(w, http.StatusOK, e.Info())
}

// handleUnlockElements clears every lock flag.
func (s *Server) handleUnlockElements(w http.ResponseWriter, _ *http.Request) {
	if s.layout == nil {
		writeUnavailable(w, "no layout loaded")
		return
	}

	n := s.layout.UnlockAll()
	s.logger.Warn("all elements unlocked via api", "unlocked", n)
	writeJSON(w, http.StatusOK, map[string]int{"unlocked": n})
}
