// Package api exposes the read-only inspection surface of a running keel
// instance: live process snapshots, the effective policy, the run ledger,
// and a lifecycle event stream. Nothing here can spawn or kill a process.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/drossel-lang/keel/internal/events"
	"github.com/drossel-lang/keel/internal/ledger"
	"github.com/drossel-lang/keel/internal/policy"
	"github.com/drossel-lang/keel/internal/proc"
)

// ProcessView is the table surface the API reads. *proc.Table satisfies it.
type ProcessView interface {
	Snapshots() []proc.Snapshot
	SnapshotOf(h proc.Handle) (proc.Snapshot, error)
	Occupied() int
	TotalSpawns() int
	Policy() *policy.Policy
}

// LedgerView is the optional run-ledger surface. Nil disables the endpoint.
type LedgerView interface {
	List(ctx context.Context, limit int) ([]ledger.Record, error)
	Get(ctx context.Context, spawnID string) (*ledger.Record, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token protecting everything except /healthz.
	// Empty disables the protected routes entirely.
	APIKey string
}

// Server is the HTTP inspection server.
type Server struct {
	config    Config
	table     ProcessView
	runs      LedgerView
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates the server. hub may not be nil; runs may be.
func New(config Config, table ProcessView, runs LedgerView, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		table:     table,
		runs:      runs,
		hub:       hub,
		logger:    logger.With("component", "api"),
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // /events streams indefinitely
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("inspection api starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("inspection api shutting down")
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

// Routes builds the router. Exported so tests can drive it with httptest.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/v1/processes", s.handleListProcesses)
		r.Get("/v1/processes/{handle}", s.handleGetProcess)
		r.Get("/v1/policy", s.handleGetPolicy)
		r.Get("/v1/ledger", s.handleListLedger)
		r.Get("/v1/ledger/{spawnID}", s.handleGetLedger)
		r.Get("/events", s.handleEvents)
	})

	return r
}

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
