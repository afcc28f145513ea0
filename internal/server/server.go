// Package server provides the HTTP API surface of the worker.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/stoker/internal/config"
	"github.com/aristath/stoker/internal/database"
	"github.com/aristath/stoker/internal/events"
	"github.com/aristath/stoker/internal/queue"
)

// Config holds server configuration
type Config struct {
	Log      zerolog.Logger
	DB       *database.DB
	Repo     *queue.Repository
	Registry HandlerRegistryInterface
	Poll     PollTriggerInterface
	Events   *events.Manager
	Config   *config.Config
	Port     int
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	db     *database.DB
	port   int

	jobHandlers    *JobHandlers
	systemHandlers *SystemHandlers
	eventsStream   *EventsStreamHandler
	eventsWS       *EventsWSHandler
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		db:     cfg.DB,
		port:   cfg.Port,

		jobHandlers:    NewJobHandlers(cfg.Repo, cfg.Registry, cfg.Poll, cfg.Events, cfg.Config.MaxRetries, cfg.Log),
		systemHandlers: NewSystemHandlers(cfg.Repo, cfg.DB, cfg.Log),
		eventsStream:   NewEventsStreamHandler(cfg.Events.Bus(), cfg.Log),
		eventsWS:       NewEventsWSHandler(cfg.Events.Bus(), cfg.Log),
	}

	s.setupMiddleware()
	s.setupRoutes()

	// WriteTimeout stays unset so the event streams can outlive it. The
	// request timeout middleware covers the non-streaming routes instead.
	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		// Event streams hold their connection open, so they sit outside the
		// request timeout group.
		r.Get("/events/stream", s.eventsStream.ServeHTTP)
		r.Get("/events/ws", s.eventsWS.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Route("/jobs", func(r chi.Router) {
				r.Post("/", s.jobHandlers.HandleEnqueue)
				r.Get("/", s.jobHandlers.HandleList)
				r.Get("/{id}", s.jobHandlers.HandleGet)
				r.Post("/{id}/retry", s.jobHandlers.HandleRetry)
			})

			r.Route("/queue", func(r chi.Router) {
				r.Get("/stats", s.jobHandlers.HandleStats)
				r.Get("/types", s.jobHandlers.HandleTypes)
				r.Post("/poll", s.jobHandlers.HandlePoll)
			})

			r.Get("/system/status", s.systemHandlers.HandleSystemStatus)
		})
	})
}

// handleHealth handles health check requests. It pings the queue database
// so a wedged store reports as unhealthy.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.QuickCheck(r.Context()); err != nil {
		s.log.Error().Err(err).Msg("Health check failed")
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unhealthy",
			"error":  err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "stoker",
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
