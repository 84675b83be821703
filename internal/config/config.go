// Package config loads service configuration from an optional YAML file and
// then applies environment overrides with caarlos0/env/v11.
//
// Call [Load] once at startup and hand the sections to the components that
// need them.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/mtr002/devboard-queue/internal/backoff"
	"github.com/mtr002/devboard-queue/internal/db"
	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Service string `yaml:"service" env:"SERVICE_NAME"`
	// Store selects the JobStore: "postgres" or "memory".
	Store string `yaml:"store" env:"QUEUE_STORE"`

	DB       db.Config      `yaml:"database"`
	HTTP     HTTPConfig     `yaml:"http"`
	GRPC     GRPCConfig     `yaml:"grpc"`
	NATS     NATSConfig     `yaml:"nats"`
	Worker   WorkerConfig   `yaml:"worker"`
	Backoff  BackoffConfig  `yaml:"backoff"`
	Queue    QueueConfig    `yaml:"queue"`
	Log      LogConfig      `yaml:"log"`
	Handlers HandlersConfig `yaml:"handlers"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"HTTP_ADDR"`
}

type GRPCConfig struct {
	Enabled bool   `yaml:"enabled" env:"GRPC_ENABLED"`
	Addr    string `yaml:"addr" env:"GRPC_ADDR"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled" env:"NATS_ENABLED"`
	URL     string `yaml:"url" env:"NATS_URL"`
	// PublishEvents sends lifecycle events to jobs.events.<event>.
	PublishEvents bool `yaml:"publish_events" env:"NATS_PUBLISH_EVENTS"`
}

type WorkerConfig struct {
	// ID is stamped into locked_by; empty means a random id per process.
	ID              string        `yaml:"id" env:"WORKER_ID"`
	Count           int           `yaml:"count" env:"WORKER_COUNT"`
	PollInterval    time.Duration `yaml:"poll_interval" env:"WORKER_POLL_INTERVAL"`
	BatchSize       int           `yaml:"batch_size" env:"WORKER_BATCH_SIZE"`
	Types           []string      `yaml:"types" env:"WORKER_TYPES" envSeparator:","`
	Lease           time.Duration `yaml:"lease" env:"WORKER_LEASE"`
	ReclaimInterval time.Duration `yaml:"reclaim_interval" env:"WORKER_RECLAIM_INTERVAL"`
	StatsInterval   time.Duration `yaml:"stats_interval" env:"WORKER_STATS_INTERVAL"`
	HandlerTimeout  time.Duration `yaml:"handler_timeout" env:"WORKER_HANDLER_TIMEOUT"`
}

type BackoffConfig struct {
	Base   time.Duration `yaml:"base" env:"BACKOFF_BASE"`
	Max    time.Duration `yaml:"max" env:"BACKOFF_MAX"`
	Jitter time.Duration `yaml:"jitter" env:"BACKOFF_JITTER"`
}

type QueueConfig struct {
	DefaultMaxAttempts int `yaml:"default_max_attempts" env:"QUEUE_DEFAULT_MAX_ATTEMPTS"`
	CleanupDays        int `yaml:"cleanup_days" env:"QUEUE_CLEANUP_DAYS"`
	RetryMaxRetries    int `yaml:"retry_max_retries" env:"QUEUE_RETRY_MAX_RETRIES"`
	// MaxDrain caps the limit of one on-demand drain.
	MaxDrain           int `yaml:"max_drain" env:"QUEUE_MAX_DRAIN"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

type HandlersConfig struct {
	// Endpoints maps a job type to the URL its payload is posted to.
	// From the environment: HANDLER_ENDPOINTS="notification=http://...,ai_summary=http://...".
	Endpoints map[string]string `yaml:"endpoints" env:"HANDLER_ENDPOINTS" envSeparator:"," envKeyValSeparator:"="`
	Timeout   time.Duration     `yaml:"timeout" env:"HANDLER_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Service: "devboard-queue",
		Store:   StorePostgres,
		DB:      db.DefaultConfig(),
		HTTP:    HTTPConfig{Addr: ":8080"},
		GRPC:    GRPCConfig{Enabled: true, Addr: ":50051"},
		NATS:    NATSConfig{URL: "nats://localhost:4222"},
		Worker: WorkerConfig{
			Count:           4,
			PollInterval:    time.Second,
			BatchSize:       10,
			Lease:           10 * time.Minute,
			ReclaimInterval: 30 * time.Second,
			StatsInterval:   15 * time.Second,
			HandlerTimeout:  5 * time.Minute,
		},
		Backoff: BackoffConfig{
			Base:   backoff.DefaultBase,
			Max:    backoff.DefaultMax,
			Jitter: backoff.DefaultJitter,
		},
		Queue: QueueConfig{
			DefaultMaxAttempts: jobs.DefaultMaxAttempts,
			CleanupDays:        30,
			RetryMaxRetries:    jobs.DefaultMaxAttempts,
			MaxDrain:           100,
		},
		Log:      LogConfig{Level: "info", Format: "json"},
		Handlers: HandlersConfig{Timeout: 30 * time.Second},
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// path is non-empty, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Store == StorePostgres || c.Store == StoreMemory, "store must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	check(c.Worker.Count >= 1, "worker.count must be at least 1, got %d", c.Worker.Count)
	check(c.Worker.PollInterval > 0, "worker.poll_interval must be positive")
	check(c.Worker.BatchSize >= 1, "worker.batch_size must be at least 1, got %d", c.Worker.BatchSize)
	check(c.Worker.Lease >= 0, "worker.lease must not be negative")
	check(c.Worker.HandlerTimeout >= 0, "worker.handler_timeout must not be negative")
	// A handler outliving its lease would be reclaimed and run twice at once.
	check(c.Worker.Lease == 0 || (c.Worker.HandlerTimeout > 0 && c.Worker.HandlerTimeout < c.Worker.Lease),
		"worker.handler_timeout (%s) must be positive and shorter than worker.lease (%s)", c.Worker.HandlerTimeout, c.Worker.Lease)
	check(c.Backoff.Base > 0, "backoff.base must be positive")
	check(c.Backoff.Max >= c.Backoff.Base, "backoff.max must be at least backoff.base")
	check(c.Backoff.Jitter >= 0, "backoff.jitter must not be negative")
	check(c.Queue.DefaultMaxAttempts >= 1, "queue.default_max_attempts must be at least 1, got %d", c.Queue.DefaultMaxAttempts)
	check(c.Queue.CleanupDays >= 0, "queue.cleanup_days must not be negative, got %d", c.Queue.CleanupDays)
	check(c.Queue.MaxDrain >= 1, "queue.max_drain must be at least 1, got %d", c.Queue.MaxDrain)
	check(c.Queue.RetryMaxRetries >= 1, "queue.retry_max_retries must be at least 1, got %d", c.Queue.RetryMaxRetries)
	check(c.Log.Format == "json" || c.Log.Format == "console", "log.format must be json or console, got %q", c.Log.Format)

	if _, err := c.JobTypes(); err != nil {
		errs = append(errs, fmt.Errorf("worker.types: %w", err))
	}
	for t := range c.Handlers.Endpoints {
		check(interfaces.JobType(t).Valid(), "handlers.endpoints: unknown job type %q", t)
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// JobTypes parses Worker.Types.
func (c *Config) JobTypes() ([]interfaces.JobType, error) {
	return interfaces.ParseJobTypes(c.Worker.Types)
}

// BackoffPolicy builds the retry delay policy.
func (c *Config) BackoffPolicy() backoff.Policy {
	return backoff.Policy{Base: c.Backoff.Base, Max: c.Backoff.Max, Jitter: c.Backoff.Jitter}
}

// Endpoints returns the handler endpoints keyed by job type.
func (c *Config) Endpoints() map[interfaces.JobType]string {
	out := make(map[interfaces.JobType]string, len(c.Handlers.Endpoints))
	for t, url := range c.Handlers.Endpoints {
		out[interfaces.JobType(t)] = url
	}
	return out
}

// ManagerOptions maps the configuration onto jobs.Options.
func (c *Config) ManagerOptions() jobs.Options {
	return jobs.Options{
		DefaultMaxAttempts: c.Queue.DefaultMaxAttempts,
		WorkerID:           c.Worker.ID,
		Lease:              c.Worker.Lease,
	}
}
