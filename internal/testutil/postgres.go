// Package testutil starts a disposable PostgreSQL for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"testing"

	"github.com/rs/zerolog"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mtr002/devboard-queue/internal/db"
)

// NewTestDB starts a Postgres testcontainer, applies the migrations and
// returns an open pool. The test is skipped under -short or when no
// container runtime is reachable. Cleanup is registered on t.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in -short mode")
	}
	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("devboard_test"),
		tcpostgres.WithUsername("devboard_test"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	connStr, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	database, err := db.Connect(ctx, db.Config{URL: connStr, ConnectRetries: 5})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	if err := db.RunMigrations(ctx, database, zerolog.Nop()); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	return database
}
