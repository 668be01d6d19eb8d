// Package api is the factory's inbound HTTP surface: the callback endpoints
// sandboxed workers report through, and the operator endpoints the CLI and
// dashboards read. Every write path delegates to the queue and worker
// managers; handlers never touch the store directly.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/anthropics/agent-factory/internal/config"
	"github.com/anthropics/agent-factory/internal/metrics"
	"github.com/anthropics/agent-factory/internal/queue"
	"github.com/anthropics/agent-factory/internal/ratelimit"
	"github.com/anthropics/agent-factory/internal/worker"
)

// Server serves the control API.
type Server struct {
	queue      *queue.Manager
	workers    *worker.Manager
	limiter    *ratelimit.Limiter
	aggregator *metrics.Aggregator
	collectors *metrics.Collectors
	cfg        config.ServerConfig
	logger     *zap.Logger
	router     chi.Router
}

// New wires the server and its routes.
func New(qm *queue.Manager, wm *worker.Manager, limiter *ratelimit.Limiter,
	agg *metrics.Aggregator, collectors *metrics.Collectors, gatherer prometheus.Gatherer,
	cfg config.ServerConfig, logger *zap.Logger) *Server {
	s := &Server{
		queue:      qm,
		workers:    wm,
		limiter:    limiter,
		aggregator: agg,
		collectors: collectors,
		cfg:        cfg,
		logger:     logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(s.recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins(),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
			MaxAge:         300,
		}))
		r.Use(s.authenticate)

		// Worker-facing callbacks, called from inside the sandbox.
		r.Post("/worker/register", s.handleRegister)
		r.Post("/worker/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/worker/{id}/lock", s.handleLock)
		r.Post("/worker/{id}/unlock", s.handleUnlock)
		r.Post("/worker/{id}/complete", s.handleComplete)
		r.Post("/worker/{id}/fail", s.handleFail)
		r.Post("/worker/{id}/stuck", s.handleStuck)

		// Operator surface.
		r.Post("/work", s.handleAddWork)
		r.Get("/work/{id}", s.handleGetWork)
		r.Post("/work/{id}/cancel", s.handleCancelWork)
		r.Post("/work/{id}/spec", s.handleAttachSpec)
		r.Get("/status", s.handleStatus)
		r.Get("/queue", s.handleQueue)
		r.Get("/workers", s.handleWorkers)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/workers/{id}/kill", s.handleKillWorker)
	})

	s.router = r
	return s
}

// Handler returns the routed HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until the context is cancelled, then drains in-flight requests
// within the shutdown timeout. No handler outlives the teardown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control api listening", zap.Int("port", s.cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("control api: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown control api: %w", err)
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("control api stopped")
	return nil
}

func (s *Server) corsOrigins() []string {
	if len(s.cfg.CORSOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.CORSOrigins
}
