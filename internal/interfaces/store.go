package interfaces

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusRetrying   JobStatus = "retrying"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusPending,
	StatusProcessing,
	StatusRetrying,
	StatusCompleted,
	StatusFailed,
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusRetrying:
		return true
	}
	return false
}

// Terminal reports whether no further claiming may happen from s.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Claimable reports whether a job in status s may be claimed once its
// scheduled time has elapsed.
func (s JobStatus) Claimable() bool {
	return s == StatusPending || s == StatusRetrying
}

// JobType tags the kind of work a job carries. The set is closed.
type JobType string

const (
	TypeAISummary           JobType = "ai_summary"
	TypeNotification        JobType = "notification"
	TypeAnalyticsRollup     JobType = "analytics_rollup"
	TypeBadgeAward          JobType = "badge_award"
	TypeIssueClassification JobType = "issue_classification"
	TypeReleaseNotes        JobType = "release_notes"
	TypeCIFailureAnalysis   JobType = "ci_failure_analysis"
)

// AllJobTypes lists every job type the queue accepts.
var AllJobTypes = []JobType{
	TypeAISummary,
	TypeNotification,
	TypeAnalyticsRollup,
	TypeBadgeAward,
	TypeIssueClassification,
	TypeReleaseNotes,
	TypeCIFailureAnalysis,
}

// Valid reports whether t belongs to the closed set of job types.
func (t JobType) Valid() bool {
	for _, known := range AllJobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseJobTypes converts raw strings into job types, rejecting unknown ones.
func ParseJobTypes(raw []string) ([]JobType, error) {
	types := make([]JobType, 0, len(raw))
	for _, r := range raw {
		if r == "" {
			continue
		}
		t := JobType(r)
		if !t.Valid() {
			return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidArgument, r)
		}
		types = append(types, t)
	}
	return types, nil
}

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrTerminalState     = errors.New("job is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidArgument   = errors.New("invalid argument")
	// ErrLeaseLost means a result arrived for a claim that no longer owns
	// the job, usually because its lease lapsed and the job was reclaimed.
	ErrLeaseLost = errors.New("job is no longer held by this claim")
)

// LeaseExpiredMessage is the error_message written when a processing job is
// reclaimed because its lease expired before a result was recorded.
const LeaseExpiredMessage = "lease expired while processing"

// Job represents a job in the queue
type Job struct {
	ID             int64      `json:"id"`
	JobID          string     `json:"job_id"`
	Type           JobType    `json:"job_type"`
	Status         JobStatus  `json:"status"`
	Priority       int        `json:"priority"`
	Payload        Payload    `json:"payload"`
	Result         Payload    `json:"result,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	ScheduledAt    *time.Time `json:"scheduled_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	LockedBy       string     `json:"locked_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// String returns a string representation of the job
func (j *Job) String() string {
	return fmt.Sprintf("Job{JobID: %s, Type: %s, Status: %s, Attempts: %d/%d}",
		j.JobID, j.Type, j.Status, j.Attempts, j.MaxAttempts)
}

// CanRetry returns true if the job has attempts left
func (j *Job) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// Claim returns the identity of the claim that produced this copy of the job.
func (j *Job) Claim() *ClaimToken {
	return &ClaimToken{WorkerID: j.LockedBy, Attempts: j.Attempts}
}

// Eligible reports whether the job may be claimed at now.
func (j *Job) Eligible(now time.Time) bool {
	if !j.Status.Claimable() {
		return false
	}
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

// Error returns the error message or an empty string.
func (j *Job) Error() string {
	if j.ErrorMessage == nil {
		return ""
	}
	return *j.ErrorMessage
}

// JobResult is what a handler reports back for one execution.
type JobResult struct {
	Success bool    `json:"success"`
	Data    Payload `json:"data,omitempty"`
	Error   string  `json:"error,omitempty"`
}

// ClaimParams narrows and annotates a claim.
type ClaimParams struct {
	// Types restricts the claim to these job types; empty means any.
	Types []JobType
	// WorkerID is recorded in locked_by.
	WorkerID string
	// Lease, when positive, sets lease_expires_at to claim time plus Lease.
	Lease time.Duration
}

// StatusUpdate carries the optional fields applied alongside a status change.
// Nil fields leave the stored value untouched.
type StatusUpdate struct {
	Result       Payload
	ErrorMessage *string
	ScheduledAt  *time.Time
	// Claim, when set, restricts the update to a job still processing under
	// that claim. Any other state yields ErrLeaseLost.
	Claim        *ClaimToken
}

// ClaimToken identifies one claim of a job: the worker recorded in
// locked_by and the attempt number the claim produced.
type ClaimToken struct {
	WorkerID string
	Attempts int
}

// Holds reports whether job is still processing under this claim.
func (c *ClaimToken) Holds(job *Job) bool {
	return job.Status == StatusProcessing && job.LockedBy == c.WorkerID && job.Attempts == c.Attempts
}

// ListFilter selects jobs for listing. Zero values mean no restriction.
type ListFilter struct {
	Status JobStatus
	Type   JobType
	Limit  int
}

// QueueStats aggregates job counts for observability.
type QueueStats struct {
	Total    int64                           `json:"total"`
	ByStatus map[JobStatus]int64             `json:"by_status"`
	ByType   map[JobType]map[JobStatus]int64 `json:"by_type"`
}

// NewQueueStats returns stats with every status present at zero.
func NewQueueStats() *QueueStats {
	s := &QueueStats{
		ByStatus: make(map[JobStatus]int64, len(AllStatuses)),
		ByType:   make(map[JobType]map[JobStatus]int64),
	}
	for _, st := range AllStatuses {
		s.ByStatus[st] = 0
	}
	return s
}

// Add records n jobs of type t in status st.
func (s *QueueStats) Add(t JobType, st JobStatus, n int64) {
	s.Total += n
	s.ByStatus[st] += n
	byStatus, ok := s.ByType[t]
	if !ok {
		byStatus = make(map[JobStatus]int64)
		s.ByType[t] = byStatus
	}
	byStatus[st] += n
}

// EventKind names a lifecycle event.
type EventKind string

const (
	EventStarted   EventKind = "started"
	EventCompleted EventKind = "completed"
	EventRetrying  EventKind = "retrying"
	EventFailed    EventKind = "failed"
	EventReclaimed EventKind = "reclaimed"
)

// JobEvent is one append-only lifecycle record.
type JobEvent struct {
	ID        int64     `json:"id,omitempty"`
	JobID     string    `json:"job_id"`
	JobType   JobType   `json:"job_type"`
	Event     EventKind `json:"event"`
	Metadata  Payload   `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// JobStore interface defines the database operations needed by the manager
type JobStore interface {
	// CreateJob inserts job and fills in the store-assigned fields.
	CreateJob(ctx context.Context, job *Job) error
	// ClaimNext atomically moves the best eligible job to processing.
	// It returns nil, nil when nothing is eligible.
	ClaimNext(ctx context.Context, params ClaimParams) (*Job, error)
	UpdateStatus(ctx context.Context, id int64, status JobStatus, update StatusUpdate) (*Job, error)
	GetByID(ctx context.Context, id int64) (*Job, error)
	GetByJobID(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context, filter ListFilter) ([]*Job, error)
	CountByStatus(ctx context.Context, status JobStatus) (int64, error)
	Stats(ctx context.Context) (*QueueStats, error)
	// DeleteTerminalBefore removes completed and failed jobs whose
	// completed_at is before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// ResetFailed moves failed jobs with attempts < maxRetries back to retrying.
	ResetFailed(ctx context.Context, maxRetries int) (int64, error)
	// ReclaimExpired releases processing jobs whose lease lapsed before now.
	ReclaimExpired(ctx context.Context, now time.Time) ([]*Job, error)
	RecordEvent(ctx context.Context, event *JobEvent) error
	ListEvents(ctx context.Context, jobID string) ([]*JobEvent, error)
	Ping(ctx context.Context) error
}
