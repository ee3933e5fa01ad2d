package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/sx4-core/internal/sx"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Order: request ID first so every later log line carries it.
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(bodyLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", s.handleListChannels)
			r.Get("/{ch}", s.handleGetChannel)
			r.Put("/{ch}", s.handleSetChannel)
		})

		r.Get("/power", s.handleGetPower)
		r.Put("/power", s.handleSetPower)

		r.Route("/elements", func(r chi.Router) {
			r.Get("/", s.handleListElements)
			r.Post("/unlock", s.handleUnlockElements)
			r.Get("/{addr}", s.handleGetElement)
		})

		r.Route("/routes", func(r chi.Router) {
			r.Get("/", s.handleListRoutes)

			r.Route("/{addr}", func(r chi.Router) {
				r.Get("/", s.handleGetRoute)
				r.Post("/set", s.handleSetRoute)
				r.Post("/clear", s.handleClearRoute)
				r.Post("/release", s.handleReleaseRoute)
			})
		})

		r.Get("/journal", s.handleListJournal)

		r.Get("/ws", s.handleWebSocket)
		r.Get("/sxnet", s.handleSXnet)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       s.version,
		"bus_connected": s.registry.ConnectionStatus() == sx.StatusConnected,
	})
}
