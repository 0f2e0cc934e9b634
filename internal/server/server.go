// Package server provides the HTTP control plane of the deployer.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/deployer/internal/database"
	"github.com/aristath/deployer/internal/events"
	"github.com/aristath/deployer/internal/target"
)

// Config holds server configuration
type Config struct {
	Log     zerolog.Logger
	Targets *target.Service
	History HistoryReader
	Events  *events.Bus
	DB      *database.DB // optional, reported by the system status
	DataDir string
	Port    int
	DevMode bool
}

// Server represents the HTTP server
type Server struct {
	router         *chi.Mux
	server         *http.Server
	log            zerolog.Logger
	port           int
	targetHandlers *TargetHandlers
	systemHandlers *SystemHandlers
	eventsStream   *EventsStreamHandler
	statusMonitor  *StatusMonitor
	monitorCtx     context.Context
	stopMonitor    context.CancelFunc
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	monitorCtx, stopMonitor := context.WithCancel(context.Background())

	s := &Server{
		router:         chi.NewRouter(),
		log:            cfg.Log.With().Str("component", "server").Logger(),
		port:           cfg.Port,
		targetHandlers: NewTargetHandlers(cfg.Targets, cfg.History, cfg.Log),
		systemHandlers: NewSystemHandlers(cfg.Targets, cfg.Events, cfg.DB, cfg.DataDir, cfg.Log),
		eventsStream:   NewEventsStreamHandler(cfg.Events, cfg.Log),
		statusMonitor:  NewStatusMonitor(cfg.Events, cfg.Targets, cfg.Log),
		monitorCtx:     monitorCtx,
		stopMonitor:    stopMonitor,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	// no write timeout: deploy?wait=true and the event stream keep responses open
	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler returns the root handler, for embedding or tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5, "application/json"))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/1", func(r chi.Router) {
		s.targetHandlers.RegisterRoutes(r)

		r.Get("/system/status", s.systemHandlers.HandleSystemStatus)
		r.Get("/events/ws", s.eventsStream.ServeHTTP)
	})
}

// Start starts the status monitor and the HTTP server
func (s *Server) Start() error {
	s.statusMonitor.Start(s.monitorCtx, 60*time.Second)

	s.log.Info().Int("port", s.port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	s.stopMonitor()
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
