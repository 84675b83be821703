package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
	"github.com/mtr002/devboard-queue/internal/metrics"
)

// PoolConfig tunes the long-running worker loop.
type PoolConfig struct {
	Workers      int
	PollInterval time.Duration
	// BatchSize bounds how many jobs one worker drains per tick.
	BatchSize int
	// Types restricts which job types this pool claims; empty means all.
	Types []interfaces.JobType
	// ReclaimInterval is how often lapsed leases are swept; zero disables
	// the sweep.
	ReclaimInterval time.Duration
	// StatsInterval is how often queue depth gauges are refreshed; zero
	// disables them.
	StatsInterval time.Duration
}

func (c *PoolConfig) setDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
}

// Pool represents a worker pool that polls the store for jobs
type Pool struct {
	manager   *jobs.Manager
	processor *Processor
	cfg       PoolConfig
	log       zerolog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewPool creates a new worker pool
func NewPool(manager *jobs.Manager, processor *Processor, log zerolog.Logger, cfg PoolConfig) *Pool {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		manager:   manager,
		processor: processor,
		cfg:       cfg,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start begins processing jobs with the configured number of workers
func (p *Pool) Start() {
	p.log.Info().
		Int("worker_count", p.cfg.Workers).
		Int("batch_size", p.cfg.BatchSize).
		Dur("poll_interval", p.cfg.PollInterval).
		Msg("Starting worker pool")
	metrics.ActiveWorkers.Set(float64(p.cfg.Workers))

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	if p.cfg.ReclaimInterval > 0 {
		p.wg.Add(1)
		go p.every(p.cfg.ReclaimInterval, p.reclaim)
	}
	if p.cfg.StatsInterval > 0 {
		p.wg.Add(1)
		go p.every(p.cfg.StatsInterval, p.refreshDepth)
	}
}

// Stop gracefully shuts down the worker pool. In-flight jobs finish first.
func (p *Pool) Stop() {
	p.log.Info().Msg("Stopping worker pool")
	p.cancel()
	p.wg.Wait()
	metrics.ActiveWorkers.Set(0)
	p.log.Info().Msg("Worker pool stopped")
}

// worker is the main worker goroutine that polls the store for jobs
func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := p.log.With().Int("worker_id", id).Logger()
	log.Info().Msg("Worker started")

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			log.Info().Msg("Worker shutting down")
			return
		case <-ticker.C:
			res, err := p.processor.Drain(p.ctx, p.cfg.BatchSize, p.cfg.Types...)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Error draining jobs")
			}
			if res != nil && res.Processed > 0 {
				log.Debug().
					Int("processed", res.Processed).
					Int("succeeded", res.Succeeded).
					Int("retried", res.Retried).
					Int("failed", res.Failed).
					Msg("Drained batch")
			}
		}
	}
}

func (p *Pool) every(interval time.Duration, fn func()) {
	defer p.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (p *Pool) reclaim() {
	n, err := p.processor.ReclaimExpired(p.ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.log.Error().Err(err).Msg("Lease reclaim failed")
		}
		return
	}
	if n > 0 {
		p.log.Info().Int("count", n).Msg("Reclaimed jobs with expired leases")
	}
}

func (p *Pool) refreshDepth() {
	stats, err := p.manager.QueueStats(p.ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			p.log.Error().Err(err).Msg("Failed to refresh queue depth")
		}
		return
	}
	for status, n := range stats.ByStatus {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(n))
	}
}
