// Package api exposes the worker pool and the command runner over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/forkpool/internal/auth"
	"github.com/mattjoyce/forkpool/internal/config"
	"github.com/mattjoyce/forkpool/internal/events"
	"github.com/mattjoyce/forkpool/internal/journal"
	"github.com/mattjoyce/forkpool/internal/metrics"
	"github.com/mattjoyce/forkpool/internal/pool"
	"github.com/mattjoyce/forkpool/internal/runner"
)

// Dispatcher is the part of pool.Pool the API drives.
type Dispatcher interface {
	SubmitResult(ctx context.Context, command string, payload map[string]any) pool.Outcome
	LaunchDetached(ctx context.Context, command string, payload map[string]any) bool
	Stats() pool.Stats
}

// CommandRunner runs synchronous commands.
type CommandRunner interface {
	Run(ctx context.Context, req runner.Request) (*runner.Result, error)
}

// JournalReader lists recent dispatches.
type JournalReader interface {
	Recent(ctx context.Context, limit int) ([]*journal.Entry, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is a single bearer token with every scope.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// MaxConcurrentRuns bounds simultaneous POST /v1/run requests.
	MaxConcurrentRuns int
	// MaxRunTimeout caps the timeout a caller may ask for.
	MaxRunTimeout time.Duration
	ConfigHash    string
}

// ConfigFromAPI converts the file configuration.
func ConfigFromAPI(c config.APIConfig) Config {
	tokens := make([]auth.TokenConfig, 0, len(c.Auth.Tokens))
	for _, t := range c.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return Config{Listen: c.Listen, APIKey: c.Auth.APIKey, Tokens: tokens}
}

// Server represents the HTTP API server.
type Server struct {
	config  Config
	keys    *auth.Keyring
	logger  *slog.Logger
	server  *http.Server
	runner  CommandRunner
	journal JournalReader
	events  *events.Hub

	// The pool is single-owner; handlers take poolMu around every call.
	poolMu sync.Mutex
	pool   Dispatcher

	startedAt    time.Time
	runSemaphore chan struct{}
}

// New creates a new API server instance. journal may be nil.
func New(config Config, d Dispatcher, r CommandRunner, j JournalReader, logger *slog.Logger) *Server {
	if config.MaxConcurrentRuns <= 0 {
		config.MaxConcurrentRuns = 8
	}
	if config.MaxRunTimeout <= 0 {
		config.MaxRunTimeout = 5 * time.Minute
	}
	return &Server{
		config:       config,
		keys:         auth.NewKeyring(config.APIKey, config.Tokens),
		pool:         d,
		runner:       r,
		journal:      j,
		logger:       logger,
		startedAt:    time.Now(),
		runSemaphore: make(chan struct{}, config.MaxConcurrentRuns),
	}
}

// WithEvents enables GET /v1/events, streaming what h publishes.
func (s *Server) WithEvents(h *events.Hub) *Server {
	s.events = h
	return s
}

// WithPool runs fn while holding the pool lock, for callers outside the
// API that share the same pool.
func (s *Server) WithPool(fn func(Dispatcher)) {
	s.poolMu.Lock()
	defer s.poolMu.Unlock()
	fn(s.pool)
}

// Start starts the HTTP server and blocks until ctx is done or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: s.config.MaxRunTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

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

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(config.ScopeJobsWrite)).Post("/jobs", s.handleSubmit)
		r.With(s.requireScopes(config.ScopeJobsWrite)).Post("/launch", s.handleLaunch)
		r.With(s.requireScopes(config.ScopeRunExec)).Post("/run", s.handleRun)
		r.With(s.requireScopes(config.ScopePoolRead)).Get("/pool", s.handlePool)
		r.With(s.requireScopes(config.ScopePoolRead)).Get("/journal", s.handleJournal)
		r.With(s.requireScopes(config.ScopePoolRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
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
