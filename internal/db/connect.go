package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"
	"github.com/sethvargo/go-retry"
)

// Config describes how to reach PostgreSQL.
type Config struct {
	// URL, when set, wins over the discrete fields.
	URL             string        `yaml:"url" env:"DATABASE_URL"`
	Host            string        `yaml:"host" env:"DB_HOST"`
	Port            int           `yaml:"port" env:"DB_PORT"`
	User            string        `yaml:"user" env:"DB_USER"`
	Password        string        `yaml:"password" env:"DB_PASSWORD"`
	Name            string        `yaml:"name" env:"DB_NAME"`
	SSLMode         string        `yaml:"sslmode" env:"DB_SSLMODE"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DB_MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DB_MAX_IDLE_CONNS"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" env:"DB_CONN_MAX_IDLE_TIME"`
	ConnectRetries  uint64        `yaml:"connect_retries" env:"DB_CONNECT_RETRIES"`
}

// DefaultConfig returns settings for a local development database.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Name:            "devboard",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxIdleTime: 5 * time.Minute,
		ConnectRetries:  5,
	}
}

// DSN renders the connection string for lib/pq.
func (c Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Name,
	}
	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens the pool and waits for the database to answer, backing off
// between attempts so workers can start before PostgreSQL is ready.
func Connect(ctx context.Context, cfg Config) (*sql.DB, error) {
	database, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		database.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		database.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		database.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	b := retry.WithMaxRetries(cfg.ConnectRetries, retry.WithCappedDuration(10*time.Second, retry.NewExponential(500*time.Millisecond)))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		if err := database.PingContext(ctx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return database, nil
}
