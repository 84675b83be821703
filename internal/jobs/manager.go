package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/logger"
	"github.com/mtr002/devboard-queue/internal/metrics"
)

// Manager is the queue API over a JobStore: creation, claiming, status
// transitions, inspection and maintenance.
type Manager struct {
	store              interfaces.JobStore
	log                zerolog.Logger
	defaultMaxAttempts int
	workerID           string
	lease              time.Duration
	now                func() time.Time
}

// NewManager creates a new job manager
func NewManager(store interfaces.JobStore, log zerolog.Logger, opts Options) *Manager {
	if opts.DefaultMaxAttempts <= 0 {
		opts.DefaultMaxAttempts = DefaultMaxAttempts
	}
	if opts.WorkerID == "" {
		opts.WorkerID = uuid.New().String()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Manager{
		store:              store,
		log:                log,
		defaultMaxAttempts: opts.DefaultMaxAttempts,
		workerID:           opts.WorkerID,
		lease:              opts.Lease,
		now:                opts.Now,
	}
}

// Store exposes the underlying store for event sinks and health checks.
func (m *Manager) Store() interfaces.JobStore { return m.store }

// WorkerID identifies this manager in locked_by.
func (m *Manager) WorkerID() string { return m.workerID }

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.now() }

// CreateJob enqueues a new pending job with a fresh job_id.
func (m *Manager) CreateJob(ctx context.Context, jobType interfaces.JobType, payload interfaces.Payload, opts CreateOptions) (*interfaces.Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("%w: unknown job type %q", interfaces.ErrInvalidArgument, jobType)
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if payload == nil {
		payload = interfaces.Payload{}
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = m.defaultMaxAttempts
	}

	job := &interfaces.Job{
		JobID:       uuid.New().String(),
		Type:        jobType,
		Status:      interfaces.StatusPending,
		Priority:    opts.Priority,
		Payload:     payload,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		ScheduledAt: opts.ScheduledAt,
	}

	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	metrics.JobsSubmittedTotal.WithLabelValues(string(job.Type)).Inc()
	log := logger.WithJob(m.log, job.JobID, string(job.Type))
	log.Info().Int("priority", job.Priority).Int("max_attempts", job.MaxAttempts).Msg("Job submitted")
	return job, nil
}

// ClaimNext claims the best eligible job, optionally restricted to types.
// It returns nil, nil when no job is available.
func (m *Manager) ClaimNext(ctx context.Context, types ...interfaces.JobType) (*interfaces.Job, error) {
	job, err := m.store.ClaimNext(ctx, interfaces.ClaimParams{
		Types:    types,
		WorkerID: m.workerID,
		Lease:    m.lease,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// UpdateStatus applies a post-processing status. Moving a job into
// processing is reserved to ClaimNext.
func (m *Manager) UpdateStatus(ctx context.Context, id int64, status interfaces.JobStatus, update interfaces.StatusUpdate) (*interfaces.Job, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", interfaces.ErrInvalidArgument, status)
	}
	if status == interfaces.StatusProcessing {
		return nil, fmt.Errorf("%w: only a claim may move a job to processing", interfaces.ErrInvalidTransition)
	}

	job, err := m.store.UpdateStatus(ctx, id, status, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update job %d to %s: %w", id, status, err)
	}
	return job, nil
}

// GetByID looks a job up by primary key.
func (m *Manager) GetByID(ctx context.Context, id int64) (*interfaces.Job, error) {
	return m.store.GetByID(ctx, id)
}

// GetByJobID looks a job up by its external job_id.
func (m *Manager) GetByJobID(ctx context.Context, jobID string) (*interfaces.Job, error) {
	return m.store.GetByJobID(ctx, jobID)
}

// ListJobs returns jobs for inspection, newest first.
func (m *Manager) ListJobs(ctx context.Context, filter interfaces.ListFilter) ([]*interfaces.Job, error) {
	return m.store.ListJobs(ctx, filter)
}

// ListEvents returns the lifecycle events recorded for jobID.
func (m *Manager) ListEvents(ctx context.Context, jobID string) ([]*interfaces.JobEvent, error) {
	return m.store.ListEvents(ctx, jobID)
}

// CountPending counts jobs that were never claimed.
func (m *Manager) CountPending(ctx context.Context) (int64, error) {
	return m.store.CountByStatus(ctx, interfaces.StatusPending)
}

// QueueStats returns counts by status and job type.
func (m *Manager) QueueStats(ctx context.Context) (*interfaces.QueueStats, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return stats, nil
}

// CleanupOlderThan deletes terminal jobs completed more than days ago.
func (m *Manager) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, fmt.Errorf("%w: days must not be negative, got %d", interfaces.ErrInvalidArgument, days)
	}
	cutoff := m.now().Add(-time.Duration(days) * 24 * time.Hour)

	n, err := m.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up jobs: %w", err)
	}

	m.log.Info().Int("days", days).Time("cutoff", cutoff).Int64("deleted", n).Msg("Cleaned up terminal jobs")
	return n, nil
}

// BulkRetryFailed revives failed jobs with fewer than maxRetries attempts.
func (m *Manager) BulkRetryFailed(ctx context.Context, maxRetries int) (int64, error) {
	if maxRetries < 1 {
		return 0, fmt.Errorf("%w: max_retries must be positive, got %d", interfaces.ErrInvalidArgument, maxRetries)
	}

	n, err := m.store.ResetFailed(ctx, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to retry failed jobs: %w", err)
	}

	m.log.Info().Int("max_retries", maxRetries).Int64("reset", n).Msg("Reset failed jobs for retry")
	return n, nil
}

// ReclaimExpired releases processing jobs whose lease has lapsed and
// returns them in their new state.
func (m *Manager) ReclaimExpired(ctx context.Context) ([]*interfaces.Job, error) {
	jobs, err := m.store.ReclaimExpired(ctx, m.now())
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim jobs: %w", err)
	}

	for _, job := range jobs {
		metrics.JobsReclaimedTotal.WithLabelValues(string(job.Type)).Inc()
		log := logger.WithJob(m.log, job.JobID, string(job.Type))
		log.Warn().
			Str("status", string(job.Status)).
			Int("attempts", job.Attempts).
			Int("max_attempts", job.MaxAttempts).
			Msg("Reclaimed job with expired lease")
	}
	return jobs, nil
}

// Ping checks the store.
func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
