package app

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtr002/devboard-queue/internal/config"
	"github.com/mtr002/devboard-queue/internal/events"
	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
	"github.com/mtr002/devboard-queue/internal/worker"
)

func TestNewMemoryApp(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.StoreMemory
	cfg.Worker.Types = []string{"notification"}

	var seen []interfaces.EventKind
	a, err := New(context.Background(), &cfg, zerolog.Nop(), Options{
		Handlers: worker.HandlerFuncs{
			OnNotification: func(context.Context, *interfaces.Job) interfaces.JobResult {
				return worker.Success(nil)
			},
		},
		Sinks: []events.Sink{events.SinkFunc(func(_ context.Context, e *interfaces.JobEvent) error {
			seen = append(seen, e.Event)
			return nil
		})},
	})
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	job, err := a.Manager.CreateJob(ctx, interfaces.TypeNotification, nil, jobs.CreateOptions{})
	require.NoError(t, err)

	outcome, err := a.Processor.ProcessNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, interfaces.StatusCompleted, outcome.Status)
	assert.Equal(t, []interfaces.EventKind{interfaces.EventStarted, interfaces.EventCompleted}, seen)

	stored, err := a.Manager.ListEvents(ctx, job.JobID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	pool, err := a.Pool()
	require.NoError(t, err)
	assert.NotNil(t, pool)
}

func TestForwarderIsDefaultHandlerSet(t *testing.T) {
	cfg := config.Default()
	cfg.Store = config.StoreMemory

	a, err := New(context.Background(), &cfg, zerolog.Nop(), Options{})
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	_, err = a.Manager.CreateJob(ctx, interfaces.TypeBadgeAward, nil, jobs.CreateOptions{})
	require.NoError(t, err)

	// No endpoint is configured, so the job fails as a configuration error.
	outcome, err := a.Processor.ProcessNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, interfaces.StatusFailed, outcome.Status)
	assert.Contains(t, outcome.Result.Error, "no handler registered")
}
