package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/devices/{id}", func(r chi.Router) {
			r.Get("/", s.HandleGetDevice)
			r.Post("/commands", s.HandleSubmitCommand)
		})

		r.Route("/commands", func(r chi.Router) {
			r.Get("/{id}", s.HandleGetCommand)
		})

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.HandleListSessions)
			r.Get("/stats", s.HandleSessionStats)
		})
	})
}
