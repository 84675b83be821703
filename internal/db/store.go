package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/mtr002/devboard-queue/internal/interfaces"
)

const jobColumns = `id, job_id, job_type, status, priority, payload, result, error_message,
	attempts, max_attempts, scheduled_at, started_at, completed_at, locked_by,
	lease_expires_at, created_at, updated_at`

const defaultListLimit = 100

// Store handles database operations for jobs
type Store struct {
	db *sql.DB
}

// NewStore creates a new database store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var _ interfaces.JobStore = (*Store)(nil)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*interfaces.Job, error) {
	job := &interfaces.Job{}
	var (
		errMsg, lockedBy                                   sql.NullString
		scheduledAt, startedAt, completedAt, leaseExpiresAt sql.NullTime
	)

	err := row.Scan(
		&job.ID, &job.JobID, &job.Type, &job.Status, &job.Priority, &job.Payload, &job.Result, &errMsg,
		&job.Attempts, &job.MaxAttempts, &scheduledAt, &startedAt, &completedAt, &lockedBy,
		&leaseExpiresAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	job.LockedBy = lockedBy.String
	job.ScheduledAt = nullTime(scheduledAt)
	job.StartedAt = nullTime(startedAt)
	job.CompletedAt = nullTime(completedAt)
	job.LeaseExpiresAt = nullTime(leaseExpiresAt)
	return job, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// CreateJob inserts a new job into the database
func (s *Store) CreateJob(ctx context.Context, job *interfaces.Job) error {
	query := `
		INSERT INTO jobs (job_id, job_type, status, priority, payload, attempts, max_attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), $6, $7, $8)
		RETURNING id, created_at, updated_at
	`

	err := s.db.QueryRowContext(ctx, query,
		job.JobID, job.Type, job.Status, job.Priority, job.Payload,
		job.Attempts, job.MaxAttempts, job.ScheduledAt,
	).Scan(&job.ID, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// ClaimNext marks the best eligible job as processing in one statement. The
// inner SELECT locks its row with SKIP LOCKED, so concurrent claimers move on
// to the next candidate instead of both taking the same one.
func (s *Store) ClaimNext(ctx context.Context, params interfaces.ClaimParams) (*interfaces.Job, error) {
	query := `
		UPDATE jobs
		SET status = 'processing',
			attempts = attempts + 1,
			started_at = NOW(),
			updated_at = NOW(),
			locked_by = $2,
			lease_expires_at = CASE
				WHEN $3::bigint > 0 THEN NOW() + $3::bigint * INTERVAL '1 millisecond'
				ELSE NULL
			END
		WHERE id = (
			SELECT id FROM jobs
			WHERE status IN ('pending', 'retrying')
				AND (scheduled_at IS NULL OR scheduled_at <= NOW())
				AND ($1::text[] IS NULL OR job_type = ANY($1::text[]))
			ORDER BY priority DESC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	var types []string
	for _, t := range params.Types {
		types = append(types, string(t))
	}
	lockedBy := sql.NullString{String: params.WorkerID, Valid: params.WorkerID != ""}

	job, err := scanJob(s.db.QueryRowContext(ctx, query, pq.Array(types), lockedBy, params.Lease.Milliseconds()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // No eligible jobs
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return job, nil
}

// UpdateStatus applies a status transition. Terminal rows are never changed,
// and an update carrying a claim only lands while that claim still holds the
// row.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status interfaces.JobStatus, update interfaces.StatusUpdate) (*interfaces.Job, error) {
	query := `
		UPDATE jobs
		SET status = $2::text,
			result = COALESCE($3::jsonb, result),
			error_message = COALESCE($4::text, error_message),
			scheduled_at = COALESCE($5::timestamptz, scheduled_at),
			lease_expires_at = CASE WHEN $2::text = 'processing' THEN lease_expires_at ELSE NULL END,
			completed_at = CASE WHEN $2::text IN ('completed', 'failed') THEN NOW() ELSE completed_at END,
			updated_at = NOW()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
			AND ($7::int IS NULL OR (
				status = 'processing'
				AND locked_by IS NOT DISTINCT FROM $6::text
				AND attempts = $7::int
			))
		RETURNING ` + jobColumns

	var (
		claimedBy      sql.NullString
		claimedAttempt sql.NullInt64
	)
	if c := update.Claim; c != nil {
		claimedBy = sql.NullString{String: c.WorkerID, Valid: c.WorkerID != ""}
		claimedAttempt = sql.NullInt64{Int64: int64(c.Attempts), Valid: true}
	}

	job, err := scanJob(s.db.QueryRowContext(ctx, query,
		id, string(status), update.Result, update.ErrorMessage, update.ScheduledAt, claimedBy, claimedAttempt))
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	current, getErr := s.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if update.Claim != nil && !update.Claim.Holds(current) {
		return nil, fmt.Errorf("job with ID %d is %s on attempt %d: %w", id, current.Status, current.Attempts, interfaces.ErrLeaseLost)
	}
	return nil, fmt.Errorf("job with ID %d is %s: %w", id, current.Status, interfaces.ErrTerminalState)
}

// GetByID retrieves a job by primary key
func (s *Store) GetByID(ctx context.Context, id int64) (*interfaces.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job with ID %d: %w", id, interfaces.ErrJobNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// GetByJobID retrieves a job by its external job_id
func (s *Store) GetByJobID(ctx context.Context, jobID string) (*interfaces.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	job, err := scanJob(s.db.QueryRowContext(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", jobID, interfaces.ErrJobNotFound)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return job, nil
}

// ListJobs retrieves jobs matching filter, newest first
func (s *Store) ListJobs(ctx context.Context, filter interfaces.ListFilter) ([]*interfaces.Job, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		conds = append(conds, fmt.Sprintf("job_type = $%d", len(args)))
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*interfaces.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return jobs, nil
}

// CountByStatus counts jobs in status
func (s *Store) CountByStatus(ctx context.Context, status interfaces.JobStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return n, nil
}

// Stats aggregates job counts by type and status
func (s *Store) Stats(ctx context.Context) (*interfaces.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_type, status, COUNT(*) FROM jobs GROUP BY job_type, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	stats := interfaces.NewQueueStats()
	for rows.Next() {
		var (
			jobType interfaces.JobType
			status  interfaces.JobStatus
			n       int64
		)
		if err := rows.Scan(&jobType, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.Add(jobType, status, n)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return stats, nil
}

// DeleteTerminalBefore removes completed and failed jobs finished before cutoff
func (s *Store) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM jobs
		WHERE status IN ('completed', 'failed') AND completed_at < $1
	`

	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete jobs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// ResetFailed moves failed jobs with attempts below maxRetries back to
// retrying. max_attempts is raised when needed so the revived job has at
// least one attempt left.
func (s *Store) ResetFailed(ctx context.Context, maxRetries int) (int64, error) {
	query := `
		UPDATE jobs
		SET status = 'retrying',
			error_message = NULL,
			scheduled_at = NULL,
			completed_at = NULL,
			max_attempts = GREATEST(max_attempts, attempts + 1),
			updated_at = NOW()
		WHERE status = 'failed' AND attempts < $1
	`

	result, err := s.db.ExecContext(ctx, query, maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed jobs: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rowsAffected, nil
}

// ReclaimExpired releases processing jobs whose lease lapsed before now.
// Jobs with attempts left become retrying and immediately eligible; the rest
// fail.
func (s *Store) ReclaimExpired(ctx context.Context, now time.Time) ([]*interfaces.Job, error) {
	query := `
		UPDATE jobs
		SET status = CASE WHEN attempts < max_attempts THEN 'retrying' ELSE 'failed' END,
			scheduled_at = CASE WHEN attempts < max_attempts THEN $1::timestamptz ELSE scheduled_at END,
			completed_at = CASE WHEN attempts < max_attempts THEN completed_at ELSE $1::timestamptz END,
			error_message = $2,
			lease_expires_at = NULL,
			updated_at = $1::timestamptz
		WHERE status = 'processing'
			AND lease_expires_at IS NOT NULL
			AND lease_expires_at < $1::timestamptz
		RETURNING ` + jobColumns

	rows, err := s.db.QueryContext(ctx, query, now, interfaces.LeaseExpiredMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*interfaces.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return jobs, nil
}

// RecordEvent appends a lifecycle event
func (s *Store) RecordEvent(ctx context.Context, event *interfaces.JobEvent) error {
	query := `
		INSERT INTO job_events (job_id, job_type, event, metadata)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING id, created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		event.JobID, string(event.JobType), string(event.Event), event.Metadata,
	).Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	return nil
}

// ListEvents returns the events recorded for jobID, oldest first
func (s *Store) ListEvents(ctx context.Context, jobID string) ([]*interfaces.JobEvent, error) {
	query := `
		SELECT id, job_id, job_type, event, metadata, created_at
		FROM job_events WHERE job_id = $1 ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*interfaces.JobEvent
	for rows.Next() {
		e := &interfaces.JobEvent{}
		if err := rows.Scan(&e.ID, &e.JobID, &e.JobType, &e.Event, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return events, nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
