// Package app assembles the queue components the binaries share from a
// loaded configuration.
package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mtr002/devboard-queue/internal/config"
	"github.com/mtr002/devboard-queue/internal/db"
	"github.com/mtr002/devboard-queue/internal/events"
	"github.com/mtr002/devboard-queue/internal/handlers"
	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
	"github.com/mtr002/devboard-queue/internal/memstore"
	"github.com/mtr002/devboard-queue/internal/nats"
	"github.com/mtr002/devboard-queue/internal/worker"
)

// App holds the wired components.
type App struct {
	Config    *config.Config
	Store     interfaces.JobStore
	Manager   *jobs.Manager
	Processor *worker.Processor

	log     zerolog.Logger
	closers []func()
}

// Options select optional wiring.
type Options struct {
	// Migrate applies migrations after connecting to PostgreSQL.
	Migrate bool
	// Handlers overrides the forwarding handler set built from config.
	Handlers worker.HandlerSet
	// Sinks receive lifecycle events in addition to the store and log.
	Sinks []events.Sink
}

// New opens the configured store and builds the manager and processor.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger, opts Options) (*App, error) {
	a := &App{Config: cfg, log: log}

	store, err := a.openStore(ctx, opts.Migrate)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Store = store
	a.Manager = jobs.NewManager(store, log, cfg.ManagerOptions())

	sinks := events.Multi{events.NewStoreSink(store), events.NewLogSink(log)}
	sinks = append(sinks, opts.Sinks...)
	if cfg.NATS.PublishEvents {
		client, err := nats.NewClient(cfg.NATS.URL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		sinks = append(sinks, client)
		log.Info().Str("url", cfg.NATS.URL).Msg("Publishing job events to NATS")
	}

	set := opts.Handlers
	if set == nil {
		set = handlers.NewForwarder(cfg.Endpoints(), cfg.Handlers.Timeout, log)
	}
	policy := cfg.BackoffPolicy()
	a.Processor = worker.NewProcessor(a.Manager, set, log, worker.ProcessorOptions{
		Events:         sinks,
		Backoff:        &policy,
		HandlerTimeout: cfg.Worker.HandlerTimeout,
	})
	return a, nil
}

func (a *App) openStore(ctx context.Context, migrate bool) (interfaces.JobStore, error) {
	switch a.Config.Store {
	case config.StoreMemory:
		a.log.Warn().Msg("Using in-memory job store; jobs are lost on restart")
		return memstore.New(), nil
	case config.StorePostgres:
		database, err := db.Connect(ctx, a.Config.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = database.Close() })
		if migrate {
			if err := db.RunMigrations(ctx, database, a.log); err != nil {
				return nil, err
			}
		}
		return db.NewStore(database), nil
	default:
		return nil, fmt.Errorf("unknown store %q", a.Config.Store)
	}
}

// Pool builds a worker pool from the worker configuration.
func (a *App) Pool() (*worker.Pool, error) {
	types, err := a.Config.JobTypes()
	if err != nil {
		return nil, err
	}
	return worker.NewPool(a.Manager, a.Processor, a.log, worker.PoolConfig{
		Workers:         a.Config.Worker.Count,
		PollInterval:    a.Config.Worker.PollInterval,
		BatchSize:       a.Config.Worker.BatchSize,
		Types:           types,
		ReclaimInterval: a.Config.Worker.ReclaimInterval,
		StatsInterval:   a.Config.Worker.StatsInterval,
	}), nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
