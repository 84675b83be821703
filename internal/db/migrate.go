package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"

	"github.com/mtr002/devboard-queue/migrations"
)

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, database *sql.DB, log zerolog.Logger) error {
	goose.SetBaseFS(migrations.FS)
	goose.SetLogger(gooseLogger{log: log})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	if err := goose.UpContext(ctx, database, "."); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

type gooseLogger struct {
	log zerolog.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Info().Str("component", "migrations").Msgf(format, v...)
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Fatal().Str("component", "migrations").Msgf(format, v...)
}
