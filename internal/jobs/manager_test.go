package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/memstore"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T, opts Options) (*Manager, *clock) {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	opts.Now = c.Now
	return NewManager(memstore.NewWithClock(c.Now), zerolog.Nop(), opts), c
}

func strPtr(s string) *string { return &s }

func TestCreateJobDefaults(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	job, err := m.CreateJob(ctx, interfaces.TypeAISummary, nil, CreateOptions{})
	require.NoError(t, err)

	assert.NotZero(t, job.ID)
	assert.Len(t, job.JobID, 36)
	assert.Equal(t, interfaces.StatusPending, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Equal(t, DefaultMaxAttempts, job.MaxAttempts)
	assert.Equal(t, 0, job.Priority)
	assert.NotNil(t, job.Payload)
	assert.Nil(t, job.ScheduledAt)

	other, err := m.CreateJob(ctx, interfaces.TypeAISummary, nil, CreateOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, job.JobID, other.JobID)
}

func TestCreateJobOptions(t *testing.T) {
	m, c := newTestManager(t, Options{DefaultMaxAttempts: 7})
	ctx := context.Background()
	at := c.Now().Add(time.Hour)

	job, err := m.CreateJob(ctx, interfaces.TypeReleaseNotes, interfaces.Payload{"tag": "v1.2.0"},
		CreateOptions{Priority: 10, MaxAttempts: 2, ScheduledAt: &at})
	require.NoError(t, err)
	assert.Equal(t, 10, job.Priority)
	assert.Equal(t, 2, job.MaxAttempts)
	require.NotNil(t, job.ScheduledAt)
	assert.Equal(t, at, *job.ScheduledAt)

	job, err = m.CreateJob(ctx, interfaces.TypeReleaseNotes, nil, CreateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 7, job.MaxAttempts)
}

func TestCreateJobValidation(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	_, err := m.CreateJob(ctx, "weekly_digest", nil, CreateOptions{})
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = m.CreateJob(ctx, interfaces.TypeNotification, nil, CreateOptions{MaxAttempts: -1})
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestClaimNextOrdering(t *testing.T) {
	m, c := newTestManager(t, Options{WorkerID: "w-1"})
	ctx := context.Background()

	a, err := m.CreateJob(ctx, interfaces.TypeNotification, nil, CreateOptions{Priority: 5})
	require.NoError(t, err)
	c.Advance(time.Second)
	b, err := m.CreateJob(ctx, interfaces.TypeNotification, nil, CreateOptions{Priority: 10})
	require.NoError(t, err)

	first, err := m.ClaimNext(ctx)
	require.NoError(t, err)
	second, err := m.ClaimNext(ctx)
	require.NoError(t, err)
	none, err := m.ClaimNext(ctx)
	require.NoError(t, err)

	assert.Equal(t, b.JobID, first.JobID)
	assert.Equal(t, a.JobID, second.JobID)
	assert.Nil(t, none)

	assert.Equal(t, interfaces.StatusProcessing, first.Status)
	assert.Equal(t, 1, first.Attempts)
	assert.Equal(t, "w-1", first.LockedBy)
	require.NotNil(t, first.StartedAt)
	assert.Equal(t, c.Now(), *first.StartedAt)
}

func TestClaimNextSkipsFutureJobs(t *testing.T) {
	m, c := newTestManager(t, Options{})
	ctx := context.Background()
	at := c.Now().Add(10 * time.Minute)

	_, err := m.CreateJob(ctx, interfaces.TypeNotification, nil, CreateOptions{ScheduledAt: &at})
	require.NoError(t, err)

	job, err := m.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	c.Advance(10 * time.Minute)
	job, err = m.ClaimNext(ctx)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestUpdateStatusTransitions(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	job, err := m.CreateJob(ctx, interfaces.TypeNotification, nil, CreateOptions{})
	require.NoError(t, err)

	_, err = m.UpdateStatus(ctx, job.ID, interfaces.StatusProcessing, interfaces.StatusUpdate{})
	assert.ErrorIs(t, err, interfaces.ErrInvalidTransition)

	_, err = m.UpdateStatus(ctx, job.ID, "paused", interfaces.StatusUpdate{})
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	_, err = m.ClaimNext(ctx)
	require.NoError(t, err)

	done, err := m.UpdateStatus(ctx, job.ID, interfaces.StatusCompleted, interfaces.StatusUpdate{
		Result: interfaces.Payload{"ok": true},
	})
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)
	assert.Nil(t, done.LeaseExpiresAt)

	_, err = m.UpdateStatus(ctx, job.ID, interfaces.StatusRetrying, interfaces.StatusUpdate{ErrorMessage: strPtr("late")})
	assert.ErrorIs(t, err, interfaces.ErrTerminalState)

	_, err = m.UpdateStatus(ctx, 9999, interfaces.StatusFailed, interfaces.StatusUpdate{})
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestLookupsDistinguishNotFound(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	job, err := m.CreateJob(ctx, interfaces.TypeBadgeAward, interfaces.Payload{"user": "octocat"}, CreateOptions{})
	require.NoError(t, err)

	byID, err := m.GetByID(ctx, job.ID)
	require.NoError(t, err)
	byJobID, err := m.GetByJobID(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, byID, byJobID)

	_, err = m.GetByID(ctx, job.ID+1)
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
	_, err = m.GetByJobID(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
}

func TestQueueStatsAndCountPending(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	for _, jt := range []interfaces.JobType{interfaces.TypeNotification, interfaces.TypeNotification, interfaces.TypeAISummary} {
		_, err := m.CreateJob(ctx, jt, nil, CreateOptions{})
		require.NoError(t, err)
	}
	claimed, err := m.ClaimNext(ctx, interfaces.TypeAISummary)
	require.NoError(t, err)
	_, err = m.UpdateStatus(ctx, claimed.ID, interfaces.StatusFailed, interfaces.StatusUpdate{ErrorMessage: strPtr("bad")})
	require.NoError(t, err)

	pending, err := m.CountPending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pending)

	stats, err := m.QueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Total)
	assert.EqualValues(t, 2, stats.ByStatus[interfaces.StatusPending])
	assert.EqualValues(t, 1, stats.ByStatus[interfaces.StatusFailed])
	assert.EqualValues(t, 0, stats.ByStatus[interfaces.StatusCompleted])
	assert.EqualValues(t, 2, stats.ByType[interfaces.TypeNotification][interfaces.StatusPending])
	assert.EqualValues(t, 1, stats.ByType[interfaces.TypeAISummary][interfaces.StatusFailed])
}

func TestCleanupOlderThan(t *testing.T) {
	m, c := newTestManager(t, Options{})
	ctx := context.Background()

	// finish creates a job that outranks everything queued, claims it and
	// moves it to status.
	finish := func(status interfaces.JobStatus, priority int) *interfaces.Job {
		job, err := m.CreateJob(ctx, interfaces.TypeAnalyticsRollup, nil, CreateOptions{Priority: priority})
		require.NoError(t, err)
		claimed, err := m.ClaimNext(ctx)
		require.NoError(t, err)
		require.Equal(t, job.ID, claimed.ID)
		_, err = m.UpdateStatus(ctx, job.ID, status, interfaces.StatusUpdate{ErrorMessage: strPtr("x")})
		require.NoError(t, err)
		return job
	}

	oldCompleted := finish(interfaces.StatusCompleted, 0)
	oldFailed := finish(interfaces.StatusFailed, 0)
	oldPending, err := m.CreateJob(ctx, interfaces.TypeAnalyticsRollup, nil, CreateOptions{Priority: -1})
	require.NoError(t, err)
	oldRetrying := finish(interfaces.StatusRetrying, 0)
	oldProcessing, err := m.CreateJob(ctx, interfaces.TypeAnalyticsRollup, nil, CreateOptions{Priority: 100})
	require.NoError(t, err)
	_, err = m.ClaimNext(ctx)
	require.NoError(t, err)

	c.Advance(31 * 24 * time.Hour)
	recent := finish(interfaces.StatusCompleted, 1000)

	n, err := m.CleanupOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	for _, gone := range []*interfaces.Job{oldCompleted, oldFailed} {
		_, err := m.GetByID(ctx, gone.ID)
		assert.ErrorIs(t, err, interfaces.ErrJobNotFound)
	}
	for _, kept := range []*interfaces.Job{oldPending, oldRetrying, oldProcessing, recent} {
		_, err := m.GetByID(ctx, kept.ID)
		assert.NoError(t, err)
	}

	_, err = m.CleanupOlderThan(ctx, -1)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestBulkRetryFailed(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	fail := func(attempts int) *interfaces.Job {
		job, err := m.CreateJob(ctx, interfaces.TypeCIFailureAnalysis, nil, CreateOptions{MaxAttempts: attempts})
		require.NoError(t, err)
		for i := 0; i < attempts; i++ {
			claimed, err := m.ClaimNext(ctx)
			require.NoError(t, err)
			require.NotNil(t, claimed)
			status := interfaces.StatusPending
			if i == attempts-1 {
				status = interfaces.StatusFailed
			}
			_, err = m.UpdateStatus(ctx, claimed.ID, status, interfaces.StatusUpdate{ErrorMessage: strPtr("boom")})
			require.NoError(t, err)
		}
		return job
	}

	once := fail(1)
	thrice := fail(3)

	n, err := m.BulkRetryFailed(ctx, 2)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	revived, err := m.GetByID(ctx, once.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRetrying, revived.Status)
	assert.Nil(t, revived.ErrorMessage)
	assert.Nil(t, revived.CompletedAt)
	assert.GreaterOrEqual(t, revived.MaxAttempts, revived.Attempts+1)

	untouched, err := m.GetByID(ctx, thrice.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusFailed, untouched.Status)

	claimed, err := m.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, once.ID, claimed.ID)
	assert.LessOrEqual(t, claimed.Attempts, claimed.MaxAttempts)

	_, err = m.BulkRetryFailed(ctx, 0)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestReclaimExpired(t *testing.T) {
	m, c := newTestManager(t, Options{Lease: 5 * time.Minute})
	ctx := context.Background()

	retryable, err := m.CreateJob(ctx, interfaces.TypeNotification, nil, CreateOptions{Priority: 2, MaxAttempts: 3})
	require.NoError(t, err)
	exhausted, err := m.CreateJob(ctx, interfaces.TypeNotification, nil, CreateOptions{Priority: 1, MaxAttempts: 1})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		claimed, err := m.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed.LeaseExpiresAt)
	}

	c.Advance(4 * time.Minute)
	reclaimed, err := m.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Empty(t, reclaimed)

	c.Advance(2 * time.Minute)
	reclaimed, err = m.ReclaimExpired(ctx)
	require.NoError(t, err)
	assert.Len(t, reclaimed, 2)

	got, err := m.GetByID(ctx, retryable.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusRetrying, got.Status)
	assert.True(t, got.Eligible(c.Now()))

	got, err = m.GetByID(ctx, exhausted.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusFailed, got.Status)
	assert.Equal(t, interfaces.LeaseExpiredMessage, got.Error())
}
