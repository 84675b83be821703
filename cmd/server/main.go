package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtr002/devboard-queue/internal/api"
	"github.com/mtr002/devboard-queue/internal/app"
	"github.com/mtr002/devboard-queue/internal/config"
	"github.com/mtr002/devboard-queue/internal/events"
	"github.com/mtr002/devboard-queue/internal/logger"
	"github.com/mtr002/devboard-queue/internal/websocket"
)

func main() {
	var (
		configPath string
		noWorkers  bool
	)

	cmd := &cobra.Command{
		Use:          "server",
		Short:        "Serve the job queue HTTP API with an embedded worker pool",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, noWorkers)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "YAML config file")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API without processing jobs")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, noWorkers bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.Init(cfg.Service+"-api", cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("store", cfg.Store).Msg("Starting job queue server")

	hub := websocket.NewHub(log)
	go hub.Run(ctx)

	a, err := app.New(ctx, cfg, log, app.Options{Migrate: true, Sinks: []events.Sink{hub}})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialise")
		return err
	}
	defer a.Close()

	if !noWorkers {
		pool, err := a.Pool()
		if err != nil {
			return err
		}
		pool.Start()
		defer pool.Stop()
	}

	server := api.NewServer(a.Manager, log, api.Options{
		Processor:       a.Processor,
		Hub:             hub,
		CleanupDays:     cfg.Queue.CleanupDays,
		RetryMaxRetries: cfg.Queue.RetryMaxRetries,
		MaxDrain:        cfg.Queue.MaxDrain,
		Service:         cfg.Service + "-api",
	})
	if err := server.ListenAndServe(ctx, cfg.HTTP.Addr); err != nil {
		log.Error().Err(err).Msg("HTTP server stopped with error")
		return err
	}

	log.Info().Msg("Shutting down gracefully...")
	return nil
}
