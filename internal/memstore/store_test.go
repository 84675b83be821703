package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtr002/devboard-queue/internal/interfaces"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newJob(jobID string, priority int) *interfaces.Job {
	return &interfaces.Job{
		JobID:       jobID,
		Type:        interfaces.TypeNotification,
		Status:      interfaces.StatusPending,
		Priority:    priority,
		Payload:     interfaces.Payload{"k": "v"},
		MaxAttempts: 3,
	}
}

func TestClaimOrdersByPriorityThenAge(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewWithClock(clock.Now)
	ctx := context.Background()

	require.NoError(t, s.CreateJob(ctx, newJob("a", 5)))
	clock.Advance(time.Second)
	require.NoError(t, s.CreateJob(ctx, newJob("b", 10)))
	clock.Advance(time.Second)
	require.NoError(t, s.CreateJob(ctx, newJob("c", 5)))

	var order []string
	for {
		j, err := s.ClaimNext(ctx, interfaces.ClaimParams{})
		require.NoError(t, err)
		if j == nil {
			break
		}
		order = append(order, j.JobID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, order)
}

func TestClaimRespectsTypeFilter(t *testing.T) {
	s := New()
	ctx := context.Background()

	j := newJob("summary", 0)
	j.Type = interfaces.TypeAISummary
	require.NoError(t, s.CreateJob(ctx, j))

	got, err := s.ClaimNext(ctx, interfaces.ClaimParams{Types: []interfaces.JobType{interfaces.TypeNotification}})
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = s.ClaimNext(ctx, interfaces.ClaimParams{Types: []interfaces.JobType{interfaces.TypeAISummary}})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "summary", got.JobID)
}

func TestClaimSetsLease(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewWithClock(clock.Now)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("a", 0)))

	j, err := s.ClaimNext(ctx, interfaces.ClaimParams{WorkerID: "w1", Lease: time.Minute})
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "w1", j.LockedBy)
	require.NotNil(t, j.LeaseExpiresAt)
	assert.Equal(t, clock.Now().Add(time.Minute), *j.LeaseExpiresAt)
	assert.Equal(t, 1, j.Attempts)
}

func TestUpdateWithStaleClaimIsRejected(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewWithClock(clock.Now)
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("a", 0)))

	first, err := s.ClaimNext(ctx, interfaces.ClaimParams{WorkerID: "w1", Lease: time.Second})
	require.NoError(t, err)
	clock.Advance(2 * time.Second)
	_, err = s.ReclaimExpired(ctx, clock.Now())
	require.NoError(t, err)

	// Reclaimed but not yet claimed again.
	_, err = s.UpdateStatus(ctx, first.ID, interfaces.StatusCompleted, interfaces.StatusUpdate{Claim: first.Claim()})
	assert.ErrorIs(t, err, interfaces.ErrLeaseLost)

	second, err := s.ClaimNext(ctx, interfaces.ClaimParams{WorkerID: "w2", Lease: time.Second})
	require.NoError(t, err)
	require.NotNil(t, second)

	_, err = s.UpdateStatus(ctx, first.ID, interfaces.StatusRetrying, interfaces.StatusUpdate{Claim: first.Claim()})
	assert.ErrorIs(t, err, interfaces.ErrLeaseLost)

	// Same worker, later attempt.
	sameWorker := &interfaces.ClaimToken{WorkerID: "w2", Attempts: first.Attempts}
	_, err = s.UpdateStatus(ctx, first.ID, interfaces.StatusCompleted, interfaces.StatusUpdate{Claim: sameWorker})
	assert.ErrorIs(t, err, interfaces.ErrLeaseLost)

	done, err := s.UpdateStatus(ctx, second.ID, interfaces.StatusCompleted, interfaces.StatusUpdate{Claim: second.Claim()})
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCompleted, done.Status)

	_, err = s.UpdateStatus(ctx, second.ID, interfaces.StatusCompleted, interfaces.StatusUpdate{Claim: second.Claim()})
	assert.ErrorIs(t, err, interfaces.ErrLeaseLost)
}

func TestReturnedJobsAreCopies(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("a", 0)))

	j, err := s.GetByJobID(ctx, "a")
	require.NoError(t, err)
	j.Payload["k"] = "mutated"
	j.Status = interfaces.StatusFailed

	again, err := s.GetByJobID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Payload["k"])
	assert.Equal(t, interfaces.StatusPending, again.Status)
}

func TestDuplicateJobIDRejected(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateJob(ctx, newJob("a", 0)))
	assert.Error(t, s.CreateJob(ctx, newJob("a", 0)))
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	s := New()
	ctx := context.Background()
	const jobs = 50
	for i := 0; i < jobs; i++ {
		require.NoError(t, s.CreateJob(ctx, newJob(string(rune('A'+i)), 0)))
	}

	var (
		mu      sync.Mutex
		claimed = make(map[int64]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := s.ClaimNext(ctx, interfaces.ClaimParams{})
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, claimed, jobs)
	for id, n := range claimed {
		assert.Equal(t, 1, n, "job %d claimed %d times", id, n)
	}
}
