// Package api is the orchestrator's HTTP surface: status, manual commands,
// the detector's last frame and a server-sent event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/mattjoyce/shunter/internal/auth"
	"github.com/mattjoyce/shunter/internal/events"
	"github.com/mattjoyce/shunter/internal/journal"
	"github.com/mattjoyce/shunter/internal/log"
	"github.com/mattjoyce/shunter/internal/manual"
	"github.com/mattjoyce/shunter/internal/safety"
)

// StatusSource reports the loop's latest snapshot.
type StatusSource interface {
	Status() safety.Status
}

// Commander accepts manual overrides. *manual.Gateway satisfies it.
type Commander interface {
	Stop(ctx context.Context) (manual.Result, error)
	Forward(ctx context.Context, req manual.ForwardRequest) (manual.Result, error)
	Reverse(ctx context.Context, req manual.ReverseRequest) (manual.Result, error)
	Reset(ctx context.Context) error
}

// History answers the recent-activity part of /status. *journal.Journal satisfies it.
type History interface {
	RecentDetections(ctx context.Context, limit int) ([]journal.Detection, error)
	RecentCommands(ctx context.Context, limit int) ([]journal.Command, error)
	RecentTransitions(ctx context.Context, limit int) ([]journal.Transition, error)
}

// EventSource feeds /events. *events.Hub satisfies it.
type EventSource interface {
	SnapshotSince(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
}

// PipelineSource reports the data-path counters shown in /status.
type PipelineSource interface {
	Pipeline() PipelineStats
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens      []auth.TokenConfig
	CORSOrigins []string
	// RequestTimeout bounds how long a manual command waits for its write.
	RequestTimeout time.Duration
	// FrameURL is the detector's latest-frame endpoint. Empty disables /last_frame.
	FrameURL string
	// HistorySize caps each recent list in /status.
	HistorySize int
}

// Deps are the components the API reads from and writes to.
type Deps struct {
	Status  StatusSource
	Manual  Commander
	History History
	Events  EventSource
	// Pipeline is optional.
	Pipeline PipelineSource
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	client    *http.Client
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithHTTPClient sets the client used to fetch detector frames.
func WithHTTPClient(c *http.Client) Option { return func(s *Server) { s.client = c } }

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger, opts ...Option) *Server {
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 20
	}
	s := &Server{
		config:    config,
		deps:      deps,
		client:    &http.Client{Timeout: 5 * time.Second},
		logger:    log.Or(logger).With("component", "api"),
		startedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.setupRoutes() }

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.config.Listen,
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen, "auth", s.authEnabled())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	if len(s.config.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID", "X-Request-ID"},
			MaxAge:         300,
		}))
	}

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeStatusRO)).Get("/status", s.handleStatus)
		r.With(s.requireScopes(auth.ScopeStatusRO, auth.ScopeDetectorRO)).Get("/last_detection", s.handleLastDetection)
		r.With(s.requireScopes(auth.ScopeDetectorRO, auth.ScopeStatusRO)).Get("/last_frame", s.handleLastFrame)
		r.With(s.requireScopes(auth.ScopeEventsRO)).Get("/events", s.handleEvents)

		r.Route("/cmd", func(r chi.Router) {
			r.Use(s.requireScopes(auth.ScopeMotionRW))
			r.Post("/stop", s.handleStop)
			r.Post("/forward", s.handleForward)
			r.Post("/reverse", s.handleReverse)
			r.Post("/reset", s.handleReset)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
