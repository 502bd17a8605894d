package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		// Health check (no auth required)
		r.Get("/health", s.handleHealth)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// WS ticket requires the API key; the socket itself is then
			// authenticated by the ticket.
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			r.Route("/fans", func(r chi.Router) {
				r.Get("/", s.handleListFans)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetFan)
					r.Put("/state", s.handleSetFanState)
					r.Get("/history", s.handleFanHistory)
				})
			})

			r.Post("/discover", s.handleDiscover)
			r.Get("/stats", s.handleStats)
		})

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"fans":    s.registry.Count(),
	})
}
