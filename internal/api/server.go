package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mtr002/devboard-queue/internal/jobs"
	"github.com/mtr002/devboard-queue/internal/websocket"
	"github.com/mtr002/devboard-queue/internal/worker"
)

// Options wires the optional parts of the HTTP surface.
type Options struct {
	// Processor backs POST /process; nil answers 503.
	Processor *worker.Processor
	// Hub backs GET /ws; nil leaves the route unregistered.
	Hub *websocket.Hub
	// CleanupDays is the default retention for POST /maintenance/cleanup.
	CleanupDays int
	// RetryMaxRetries is the default for POST /maintenance/retry-failed.
	RetryMaxRetries int
	// MaxDrain caps the limit accepted by POST /process.
	MaxDrain        int
	Service         string
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	manager *jobs.Manager
	opts    Options
	log     zerolog.Logger
}

func NewServer(manager *jobs.Manager, log zerolog.Logger, opts Options) *Server {
	if opts.CleanupDays <= 0 {
		opts.CleanupDays = 30
	}
	if opts.RetryMaxRetries <= 0 {
		opts.RetryMaxRetries = jobs.DefaultMaxAttempts
	}
	if opts.MaxDrain <= 0 {
		opts.MaxDrain = defaultMaxDrain
	}
	if opts.Service == "" {
		opts.Service = "api-service"
	}
	return &Server{manager: manager, opts: opts, log: log}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.HandleHealth)
	r.Get("/health/ready", s.HandleReadiness)
	r.Get("/health/live", s.HandleLiveness)
	r.Handle("/metrics", promhttp.Handler())
	if s.opts.Hub != nil {
		r.Get("/ws", s.opts.Hub.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(s.correlationMiddleware)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{jobID}", s.handleGetJob)
			r.Get("/{jobID}/events", s.handleJobEvents)
		})
		r.Get("/stats", s.handleStats)
		r.Post("/process", s.handleProcess)

		r.Route("/maintenance", func(r chi.Router) {
			r.Post("/cleanup", s.handleCleanup)
			r.Post("/retry-failed", s.handleRetryFailed)
			r.Post("/reclaim", s.handleReclaim)
		})
	})

	return r
}

// ListenAndServe serves on addr until ctx is done, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Starting HTTP server")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}
	return nil
}
