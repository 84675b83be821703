package jobs

import (
	"fmt"
	"time"

	"github.com/mtr002/devboard-queue/internal/interfaces"
)

// DefaultMaxAttempts applies when a job is created without an explicit cap.
const DefaultMaxAttempts = 3

// CreateOptions are the optional knobs of CreateJob.
type CreateOptions struct {
	Priority int
	// MaxAttempts of 0 means the manager default.
	MaxAttempts int
	// ScheduledAt delays first eligibility; nil means immediately.
	ScheduledAt *time.Time
}

func (o CreateOptions) validate() error {
	if o.MaxAttempts < 0 {
		return fmt.Errorf("%w: max_attempts must not be negative, got %d", interfaces.ErrInvalidArgument, o.MaxAttempts)
	}
	return nil
}

// Options configure a Manager.
type Options struct {
	DefaultMaxAttempts int
	// WorkerID is stamped into locked_by on claim.
	WorkerID string
	// Lease bounds how long a claimed job may stay processing before the
	// reclaim sweep releases it. Zero disables leases.
	Lease time.Duration
	// Now overrides the clock, mainly for tests.
	Now func() time.Time
}
