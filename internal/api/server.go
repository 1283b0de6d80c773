package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seantiz/lockstep/internal/config"
	"github.com/seantiz/lockstep/internal/engine"
	"github.com/seantiz/lockstep/internal/store"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	// Event streams clear their own write deadline.
	writeTimeout = 30 * time.Second
)

// Server exposes the engine, its worker pool and the run journal over HTTP.
type Server struct {
	router *chi.Mux
	store  store.Store
	engine *engine.Engine
	dist   config.Distribution
	logger *slog.Logger
	addr   string
}

// NewServer wires the routes. dist applies to runs submitted without a
// distribution of their own.
func NewServer(addr string, s store.Store, eng *engine.Engine, dist config.Distribution, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		store:  s,
		engine: eng,
		dist:   dist,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(
		middleware.RequestID,
		middleware.Recoverer,
		srv.instrument,
		cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}),
	)

	srv.router.Get("/healthz", srv.handleHealthz)
	srv.router.Handle("/metrics", promhttp.Handler())
	srv.router.Route("/v1", func(r chi.Router) {
		r.Get("/pool", srv.handleGetPool)
		r.Get("/stats", srv.handleGetStats)
		r.Route("/runs", func(r chi.Router) {
			r.Post("/", srv.handleCreateRun)
			r.Get("/", srv.handleListRuns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", srv.handleGetRun)
				r.Delete("/", srv.handleCancelRun)
				r.Get("/phases", srv.handleListPhases)
				r.Get("/events", srv.handleGetEventHistory)
				r.Get("/events/stream", srv.handleStreamEvents)
			})
		})
	})

	return srv
}

// Router returns the configured router.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves until ctx is done, then shuts the listener down, kills the
// runs still executing and waits for them to record their final state.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	}

	// Killing runs first closes their event streams, which Shutdown would
	// otherwise wait on. The second pass catches runs submitted meanwhile.
	killed := s.engine.CancelAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutdown: %w", err)
	}
	killed += s.engine.CancelAll()
	s.engine.Wait()
	if killed > 0 {
		s.logger.Info("killed active runs", "count", killed)
	}

	s.logger.Info("server stopped")
	return nil
}
