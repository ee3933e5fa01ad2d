package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/sx4-core/internal/panel"
	"github.com/nerrad567/sx4-core/internal/route"
)

// setRouteRequest is the optional body of POST /routes/{addr}/set.
type setRouteRequest struct {
	Automatic bool `json:"automatic"`
	Train     int  `json:"train"`
}

// handleListRoutes returns every route ordered by address.
func (s *Server) handleListRoutes(w http.ResponseWriter, _ *http.Request) {
	if s.routes == nil {
		writeUnavailable(w, "route engine not available")
		return
	}

	routes := s.routes.Routes()
	infos := make([]route.Info, len(routes))
	for i, rt := range routes {
		infos[i] = rt.Info()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"routes": infos,
		"count":  len(infos),
	})
}

// handleGetRoute returns one route.
func (s *Server) handleGetRoute(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookupRoute(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rt.Info())
}

// handleSetRoute sets a route. Without a body the request is a manual one
// that takes the start sensor's train. Automatic requests may be rejected.
func (s *Server) handleSetRoute(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookupRoute(w, r)
	if !ok {
		return
	}

	req := setRouteRequest{Train: panel.NoTrain}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.Train < 0 {
		writeValidationError(w, "train must not be negative")
		return
	}

	if err := rt.Set(req.Automatic, req.Train); err != nil {
		if route.IsRejection(err) {
			writeConflict(w, err.Error())
			return
		}
		writeInternalError(w, err.Error())
		return
	}
	s.logger.Info("route set via api", "route", rt.Address(), "automatic", req.Automatic)
	writeJSON(w, http.StatusOK, rt.Info())
}

// handleClearRoute clears a route immediately.
func (s *Server) handleClearRoute(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookupRoute(w, r)
	if !ok {
		return
	}
	rt.Clear()
	s.logger.Info("route cleared via api", "route", rt.Address())
	writeJSON(w, http.StatusOK, rt.Info())
}

// handleReleaseRoute moves the deadline of an active route forward so it
// clears shortly.
func (s *Server) handleReleaseRoute(w http.ResponseWriter, r *http.Request) {
	rt, ok := s.lookupRoute(w, r)
	if !ok {
		return
	}
	if err := rt.ClearSoon(); err != nil {
		if errors.Is(err, route.ErrNotActive) {
			writeConflict(w, err.Error())
			return
		}
		writeInternalError(w, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rt.Info())
}

// lookupRoute resolves {addr}. It writes the error response itself.
func (s *Server) lookupRoute(w http.ResponseWriter, r *http.Request) (*route.Route, bool) {
	if s.routes == nil {
		writeUnavailable(w, "route engine not available")
		return nil, false
	}
	addr, err := strconv.Atoi(chi.URLParam(r, "addr"))
	if err != nil {
		writeBadRequest(w, "invalid route address")
		return nil, false
	}
	rt, ok := s.routes.Get(addr)
	if !ok {
		writeNotFound(w, "route not found")
		return nil, false
	}
	return rt, true
}
