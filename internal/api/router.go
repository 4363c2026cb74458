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

		// Auth endpoints (no auth required)
		r.Post("/auth/login", s.handleLogin)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			// WS ticket requires authentication - user must be logged in to request a ticket
			r.Post("/auth/ws-ticket", s.handleWSTicket)

			// Entity endpoints
			r.Route("/entities", func(r chi.Router) {
				r.Get("/", s.handleListEntities)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetEntity)
					r.Get("/history", s.handleEntityHistory)
				})
			})

			// Tiered search over the entity cache
			r.Get("/search", s.handleSearch)

			// Service invocation, relayed to the hub
			r.Post("/services/{domain}/{service}", s.handleCallService)
		})

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth returns the server health status, hub connection state, and
// cache statistics.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
		"hub":     s.hub.Stats(),
		"cache":   s.cache.Stats(),
	})
}
