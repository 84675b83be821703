package nats

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
)

// JobSubmissionMessage is published on JobSubmitSubject to enqueue a job.
type JobSubmissionMessage struct {
	Type        string             `json:"type"`
	Payload     interfaces.Payload `json:"payload,omitempty"`
	Priority    int                `json:"priority,omitempty"`
	MaxAttempts int                `json:"max_attempts,omitempty"`
	ScheduledAt *time.Time         `json:"scheduled_at,omitempty"`
}

// JobStatusMessage answers a submission that carried a reply subject.
type JobStatusMessage struct {
	JobID  string `json:"job_id,omitempty"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// DecodeSubmission parses and validates a submission body.
func DecodeSubmission(data []byte) (*JobSubmissionMessage, error) {
	var msg JobSubmissionMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: malformed job submission: %v", interfaces.ErrInvalidArgument, err)
	}
	if !interfaces.JobType(msg.Type).Valid() {
		return nil, fmt.Errorf("%w: unknown job type %q", interfaces.ErrInvalidArgument, msg.Type)
	}
	if msg.MaxAttempts < 0 {
		return nil, fmt.Errorf("%w: max_attempts must not be negative", interfaces.ErrInvalidArgument)
	}
	return &msg, nil
}

// CreateOptions maps the message onto enqueue options.
func (m *JobSubmissionMessage) CreateOptions() jobs.CreateOptions {
	return jobs.CreateOptions{
		Priority:    m.Priority,
		MaxAttempts: m.MaxAttempts,
		ScheduledAt: m.ScheduledAt,
	}
}

// EventSubject is the subject a lifecycle event is published on.
func EventSubject(kind interfaces.EventKind) string {
	return JobEventsSubjectPrefix + string(kind)
}
