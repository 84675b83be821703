// Package memstore is an in-process JobStore. It backs unit tests and the
// single-binary "memory" store mode; claims are serialized by one mutex so
// the exclusivity guarantees match the PostgreSQL store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mtr002/devboard-queue/internal/interfaces"
)

// Store keeps jobs and events in memory.
type Store struct {
	mu     sync.Mutex
	now    func() time.Time
	nextID int64
	jobs   map[int64]*interfaces.Job
	byJob  map[string]int64
	events []*interfaces.JobEvent
}

// New creates an empty store using the wall clock.
func New() *Store {
	return NewWithClock(time.Now)
}

// NewWithClock creates an empty store that reads time from now.
func NewWithClock(now func() time.Time) *Store {
	return &Store{
		now:   now,
		jobs:  make(map[int64]*interfaces.Job),
		byJob: make(map[string]int64),
	}
}

var _ interfaces.JobStore = (*Store)(nil)

// CreateJob inserts a copy of job and assigns its ID.
func (s *Store) CreateJob(_ context.Context, job *interfaces.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.byJob[job.JobID]; dup {
		return fmt.Errorf("failed to create job: duplicate job_id %s", job.JobID)
	}

	now := s.now()
	s.nextID++
	job.ID = s.nextID
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	s.jobs[job.ID] = clone(job)
	s.byJob[job.JobID] = job.ID
	return nil
}

// ClaimNext picks the highest priority, oldest eligible job.
func (s *Store) ClaimNext(_ context.Context, params interfaces.ClaimParams) (*interfaces.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *interfaces.Job
	for _, j := range s.jobs {
		if !j.Eligible(now) || !typeAllowed(j.Type, params.Types) {
			continue
		}
		if best == nil || claimsBefore(j, best) {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}

	best.Status = interfaces.StatusProcessing
	best.Attempts++
	best.StartedAt = timePtr(now)
	best.UpdatedAt = now
	best.LockedBy = params.WorkerID
	best.LeaseExpiresAt = nil
	if params.Lease > 0 {
		best.LeaseExpiresAt = timePtr(now.Add(params.Lease))
	}
	return clone(best), nil
}

// UpdateStatus applies status and the non-nil fields of update.
func (s *Store) UpdateStatus(_ context.Context, id int64, status interfaces.JobStatus, update interfaces.StatusUpdate) (*interfaces.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job with ID %d: %w", id, interfaces.ErrJobNotFound)
	}
	if update.Claim != nil && !update.Claim.Holds(j) {
		return nil, fmt.Errorf("job with ID %d is %s on attempt %d: %w", id, j.Status, j.Attempts, interfaces.ErrLeaseLost)
	}
	if j.Status.Terminal() {
		return nil, fmt.Errorf("job with ID %d is %s: %w", id, j.Status, interfaces.ErrTerminalState)
	}

	now := s.now()
	j.Status = status
	j.UpdatedAt = now
	if update.Result != nil {
		j.Result = update.Result.Clone()
	}
	if update.ErrorMessage != nil {
		msg := *update.ErrorMessage
		j.ErrorMessage = &msg
	}
	if update.ScheduledAt != nil {
		j.ScheduledAt = timePtr(*update.ScheduledAt)
	}
	if status != interfaces.StatusProcessing {
		j.LeaseExpiresAt = nil
	}
	if status.Terminal() {
		j.CompletedAt = timePtr(now)
	}
	return clone(j), nil
}

// GetByID returns the job with primary key id.
func (s *Store) GetByID(_ context.Context, id int64) (*interfaces.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job with ID %d: %w", id, interfaces.ErrJobNotFound)
	}
	return clone(j), nil
}

// GetByJobID returns the job with the external identifier jobID.
func (s *Store) GetByJobID(_ context.Context, jobID string) (*interfaces.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byJob[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, interfaces.ErrJobNotFound)
	}
	return clone(s.jobs[id]), nil
}

// ListJobs returns matching jobs, newest first.
func (s *Store) ListJobs(_ context.Context, filter interfaces.ListFilter) ([]*interfaces.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*interfaces.Job
	for _, j := range s.jobs {
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		if filter.Type != "" && j.Type != filter.Type {
			continue
		}
		out = append(out, clone(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// CountByStatus counts jobs in status.
func (s *Store) CountByStatus(_ context.Context, status interfaces.JobStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, j := range s.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

// Stats aggregates counts by status and type.
func (s *Store) Stats(_ context.Context) (*interfaces.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := interfaces.NewQueueStats()
	for _, j := range s.jobs {
		stats.Add(j.Type, j.Status, 1)
	}
	return stats, nil
}

// DeleteTerminalBefore removes terminal jobs completed before cutoff.
func (s *Store) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if !j.Status.Terminal() || j.CompletedAt == nil || !j.CompletedAt.Before(cutoff) {
			continue
		}
		delete(s.byJob, j.JobID)
		delete(s.jobs, id)
		n++
	}
	return n, nil
}

// ResetFailed revives failed jobs that have fewer than maxRetries attempts.
func (s *Store) ResetFailed(_ context.Context, maxRetries int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var n int64
	for _, j := range s.jobs {
		if j.Status != interfaces.StatusFailed || j.Attempts >= maxRetries {
			continue
		}
		j.Status = interfaces.StatusRetrying
		j.ErrorMessage = nil
		j.ScheduledAt = nil
		j.CompletedAt = nil
		if j.MaxAttempts < j.Attempts+1 {
			j.MaxAttempts = j.Attempts + 1
		}
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

// ReclaimExpired releases processing jobs whose lease lapsed before now.
func (s *Store) ReclaimExpired(_ context.Context, now time.Time) ([]*interfaces.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*interfaces.Job
	for _, j := range s.jobs {
		if j.Status != interfaces.StatusProcessing || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		msg := interfaces.LeaseExpiredMessage
		j.ErrorMessage = &msg
		j.LeaseExpiresAt = nil
		j.UpdatedAt = now
		if j.CanRetry() {
			j.Status = interfaces.StatusRetrying
			j.ScheduledAt = timePtr(now)
		} else {
			j.Status = interfaces.StatusFailed
			j.CompletedAt = timePtr(now)
		}
		out = append(out, clone(j))
	}
	return out, nil
}

// RecordEvent appends event.
func (s *Store) RecordEvent(_ context.Context, event *interfaces.JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := *event
	e.ID = int64(len(s.events) + 1)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.Metadata = event.Metadata.Clone()
	s.events = append(s.events, &e)
	event.ID = e.ID
	event.CreatedAt = e.CreatedAt
	return nil
}

// ListEvents returns events for jobID in insertion order.
func (s *Store) ListEvents(_ context.Context, jobID string) ([]*interfaces.JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*interfaces.JobEvent
	for _, e := range s.events {
		if e.JobID == jobID {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

func claimsBefore(a, b *interfaces.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func typeAllowed(t interfaces.JobType, allowed []interfaces.JobType) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == t {
			return true
		}
	}
	return false
}

func clone(j *interfaces.Job) *interfaces.Job {
	c := *j
	c.Payload = j.Payload.Clone()
	c.Result = j.Result.Clone()
	if j.ErrorMessage != nil {
		msg := *j.ErrorMessage
		c.ErrorMessage = &msg
	}
	c.ScheduledAt = copyTime(j.ScheduledAt)
	c.StartedAt = copyTime(j.StartedAt)
	c.CompletedAt = copyTime(j.CompletedAt)
	c.LeaseExpiresAt = copyTime(j.LeaseExpiresAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(*t)
}

func timePtr(t time.Time) *time.Time { return &t }
