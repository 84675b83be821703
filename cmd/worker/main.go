package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mtr002/devboard-queue/internal/app"
	"github.com/mtr002/devboard-queue/internal/config"
	"github.com/mtr002/devboard-queue/internal/grpc"
	"github.com/mtr002/devboard-queue/internal/logger"
	"github.com/mtr002/devboard-queue/internal/nats"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:          "worker",
		Short:        "Run the worker pool, gRPC queue service and NATS consumer",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "YAML config file")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.Init(cfg.Service+"-worker", cfg.Log.Level, cfg.Log.Format)
	log.Info().Msg("Starting worker service")

	a, err := app.New(ctx, cfg, log, app.Options{Migrate: true})
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialise")
		return err
	}
	defer a.Close()

	pool, err := a.Pool()
	if err != nil {
		return err
	}
	pool.Start()
	defer pool.Stop()

	if cfg.NATS.Enabled {
		consumer, err := nats.NewServer(cfg.NATS.URL, a.Manager, log)
		if err != nil {
			log.Error().Err(err).Msg("Failed to create NATS consumer")
			return err
		}
		defer consumer.Close()
		if err := consumer.Subscribe(); err != nil {
			return err
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS consumer started")
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.GRPC.Enabled {
		s := grpc.NewGRPCServer(grpc.NewServer(a.Manager, a.Processor, log))
		g.Go(func() error {
			return grpc.Serve(gctx, s, cfg.GRPC.Addr, log)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker service stopped with error")
		return err
	}
	log.Info().Msg("Shutting down gracefully...")
	return nil
}
