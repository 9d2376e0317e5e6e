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

	"github.com/seantiz/quire/internal/jobstore"
	"github.com/seantiz/quire/internal/orchestrator"
	"github.com/seantiz/quire/internal/workerpool"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 60 * time.Second
)

// PoolStats reports worker pool occupancy.
type PoolStats interface {
	Stats() workerpool.Stats
}

// Server wraps the chi router and application dependencies.
type Server struct {
	router *chi.Mux
	jobs   *jobstore.Store
	orch   *orchestrator.Orchestrator
	pool   PoolStats
	logger *slog.Logger
	addr   string
}

// NewServer creates and configures a new HTTP server.
func NewServer(addr string, jobs *jobstore.Store, orch *orchestrator.Orchestrator, pool PoolStats, logger *slog.Logger) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		jobs:   jobs,
		orch:   orch,
		pool:   pool,
		logger: logger,
		addr:   addr,
	}

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Get("/events", s.handleJobEvents)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleDeleteJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
		r.Post("/{id}/retry", s.handleRetryJob)
		r.Post("/{id}/complete", s.handleCompleteJob)
	})

	s.router.Route("/v1/history", func(r chi.Router) {
		r.Get("/", s.handleListHistory)
		r.Delete("/", s.handleClearHistory)
		r.Get("/{id}/result", s.handleGetHistoryResult)
		r.Delete("/{id}", s.handleDeleteHistory)
	})

	s.router.Get("/v1/settings/{key}", s.handleGetSetting)
	s.router.Put("/v1/settings/{key}", s.handlePutSetting)
	s.router.Get("/v1/storage", s.handleGetStorage)
	s.router.Get("/v1/pool", s.handleGetPool)
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts the listener down
// gracefully.
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
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx).Error())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
