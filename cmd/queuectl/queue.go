package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mtr002/devboard-queue/internal/app"
	"github.com/mtr002/devboard-queue/internal/config"
	"github.com/mtr002/devboard-queue/internal/db"
	"github.com/mtr002/devboard-queue/internal/grpc"
	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
	"github.com/mtr002/devboard-queue/internal/logger"
)

// queue is what the commands need; it is served either by a direct store
// connection or by a remote worker over gRPC.
type queue interface {
	Enqueue(ctx context.Context, t interfaces.JobType, payload interfaces.Payload, opts jobs.CreateOptions) (*interfaces.Job, error)
	GetJob(ctx context.Context, jobID string) (*interfaces.Job, error)
	Stats(ctx context.Context) (*interfaces.QueueStats, error)
	Drain(ctx context.Context, limit int, types ...interfaces.JobType) (*grpc.DrainResponse, error)
	Cleanup(ctx context.Context, days int) (int64, error)
	RetryFailed(ctx context.Context, maxRetries int) (int64, error)
	Close() error
}

var errRemoteUnsupported = errors.New("command is not available over gRPC")

func loadConfig(flags *globalFlags) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger.Init("queuectl", cfg.Log.Level, "console"), nil
}

func openQueue(ctx context.Context, flags *globalFlags) (queue, error) {
	if flags.grpcAddr != "" {
		client, err := grpc.NewClient(flags.grpcAddr)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	a, err := openApp(ctx, flags)
	if err != nil {
		return nil, err
	}
	return &localQueue{app: a}, nil
}

func openApp(ctx context.Context, flags *globalFlags) (*app.App, error) {
	cfg, log, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if cfg.Store == config.StoreMemory {
		return nil, fmt.Errorf("queuectl needs the postgres store; the memory store lives inside a running server")
	}
	return app.New(ctx, cfg, log, app.Options{})
}

type localQueue struct {
	app *app.App
}

func (q *localQueue) Enqueue(ctx context.Context, t interfaces.JobType, payload interfaces.Payload, opts jobs.CreateOptions) (*interfaces.Job, error) {
	return q.app.Manager.CreateJob(ctx, t, payload, opts)
}

func (q *localQueue) GetJob(ctx context.Context, jobID string) (*interfaces.Job, error) {
	return q.app.Manager.GetByJobID(ctx, jobID)
}

func (q *localQueue) Stats(ctx context.Context) (*interfaces.QueueStats, error) {
	return q.app.Manager.QueueStats(ctx)
}

func (q *localQueue) Drain(ctx context.Context, limit int, types ...interfaces.JobType) (*grpc.DrainResponse, error) {
	res, err := q.app.Processor.Drain(ctx, limit, types...)
	if res == nil {
		return nil, err
	}
	return &grpc.DrainResponse{
		Processed: res.Processed,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
		Retried:   res.Retried,
		LeaseLost: res.LeaseLost,
	}, err
}

func (q *localQueue) Cleanup(ctx context.Context, days int) (int64, error) {
	return q.app.Manager.CleanupOlderThan(ctx, days)
}

func (q *localQueue) RetryFailed(ctx context.Context, maxRetries int) (int64, error) {
	return q.app.Manager.BulkRetryFailed(ctx, maxRetries)
}

func (q *localQueue) Close() error {
	q.app.Close()
	return nil
}

// migrate applies the schema without building the rest of the app.
func migrate(ctx context.Context, flags *globalFlags) error {
	cfg, log, err := loadConfig(flags)
	if err != nil {
		return err
	}
	database, err := db.Connect(ctx, cfg.DB)
	if err != nil {
		return err
	}
	defer database.Close()
	return db.RunMigrations(ctx, database, log)
}
