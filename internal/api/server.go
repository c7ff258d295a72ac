// Package api exposes the gateway's ops surface: command submission
// and polling, session inspection and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleettrack/device-gateway/internal/auth"
	"github.com/fleettrack/device-gateway/internal/config"
	"github.com/fleettrack/device-gateway/internal/metrics"
	"github.com/fleettrack/device-gateway/internal/models"
	"github.com/fleettrack/device-gateway/internal/session"
)

// CommandService is the slice of the dispatcher the API drives.
type CommandService interface {
	Submit(ctx context.Context, device *models.Device, command string) (*models.CommandLog, error)
	Status(ctx context.Context, id uuid.UUID) (*models.CommandLog, error)
	PendingCount() int
}

// DeviceStore is the slice of the platform store the API reads.
type DeviceStore interface {
	GetDevice(ctx context.Context, id uuid.UUID) (*models.Device, error)
}

// RESTServer represents the REST API server
type RESTServer struct {
	config   *config.Config
	store    DeviceStore
	auth     *auth.JWTManager
	sessions *session.Registry
	commands CommandService
	metrics  *metrics.Collector
	router   chi.Router
	server   *http.Server
}

// NewRESTServer creates a new REST API server
func NewRESTServer(cfg *config.Config, store DeviceStore, sessions *session.Registry, commands CommandService, collector *metrics.Collector) *RESTServer {
	s := &RESTServer{
		config:   cfg,
		store:    store,
		auth:     auth.NewJWTManager(&cfg.JWT),
		sessions: sessions,
		commands: commands,
		metrics:  collector,
		router:   chi.NewRouter(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupRoutes configures all routes
func (s *RESTServer) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	// API routes
	s.router.Route("/api/v1", func(r chi.Router) {
		s.setupAPIRoutes(r)
	})
}

// ListenAndServe starts the server
func (s *RESTServer) ListenAndServe(addr string) error {
	s.server.Addr = addr
	log.Info().Str("addr", addr).Msg("Starting REST API server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// authMiddleware is the authentication middleware
func (s *RESTServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.respondError(w, http.StatusUnauthorized, "missing authorization header")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			s.respondError(w, http.StatusUnauthorized, "invalid authorization header")
			return
		}

		claims, err := s.auth.ValidateToken(parts[1])
		if err != nil {
			s.respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type claimsKey struct{}
