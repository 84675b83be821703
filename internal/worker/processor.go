package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mtr002/devboard-queue/internal/backoff"
	"github.com/mtr002/devboard-queue/internal/events"
	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
	"github.com/mtr002/devboard-queue/internal/logger"
	"github.com/mtr002/devboard-queue/internal/metrics"
)

// ProcessorOptions configure a Processor.
type ProcessorOptions struct {
	// Events receives lifecycle events; nil discards them.
	Events events.Sink
	// Backoff defaults to backoff.Default().
	Backoff *backoff.Policy
	// HandlerTimeout bounds the context passed to handlers. Zero means no
	// deadline beyond the caller's.
	HandlerTimeout time.Duration
}

// Processor claims jobs, runs their handlers and applies the results.
type Processor struct {
	manager        *jobs.Manager
	handlers       HandlerSet
	events         events.Sink
	backoff        backoff.Policy
	handlerTimeout time.Duration
	log            zerolog.Logger
}

// NewProcessor creates a processor dispatching to handlers.
func NewProcessor(manager *jobs.Manager, handlers HandlerSet, log zerolog.Logger, opts ProcessorOptions) *Processor {
	sink := opts.Events
	if sink == nil {
		sink = events.Discard
	}
	policy := backoff.Default()
	if opts.Backoff != nil {
		policy = *opts.Backoff
	}

	return &Processor{
		manager:        manager,
		handlers:       handlers,
		events:         sink,
		backoff:        policy,
		handlerTimeout: opts.HandlerTimeout,
		log:            log,
	}
}

// Outcome describes what happened to one processed job.
type Outcome struct {
	ID          int64                `json:"id"`
	JobID       string               `json:"job_id"`
	Type        interfaces.JobType   `json:"job_type"`
	Status      interfaces.JobStatus `json:"status"`
	Attempts    int                  `json:"attempts"`
	Result      interfaces.JobResult `json:"result"`
	NextRetryAt *time.Time           `json:"next_retry_at,omitempty"`
	Duration    time.Duration        `json:"duration_ns"`
	// LeaseLost is set when the result was discarded because the job had
	// been reclaimed before it could be recorded.
	LeaseLost   bool                 `json:"lease_lost,omitempty"`
}

// BatchResult aggregates a Drain call. Failed counts terminal failures,
// Retried counts attempts that were rescheduled and LeaseLost counts results
// discarded after a reclaim.
type BatchResult struct {
	Processed int       `json:"processed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Retried   int       `json:"retried"`
	LeaseLost int       `json:"lease_lost"`
	Results   []Outcome `json:"results"`
}

func (b *BatchResult) add(o *Outcome) {
	b.Processed++
	switch {
	case o.LeaseLost:
		b.LeaseLost++
	case o.Status == interfaces.StatusCompleted:
		b.Succeeded++
	case o.Status == interfaces.StatusRetrying:
		b.Retried++
	case o.Status == interfaces.StatusFailed:
		b.Failed++
	}
	b.Results = append(b.Results, *o)
}

// ProcessNext claims and processes one job. It returns nil, nil when the
// queue has nothing eligible. Store errors abort the attempt and are
// returned; handler failures never are.
func (p *Processor) ProcessNext(ctx context.Context, types ...interfaces.JobType) (*Outcome, error) {
	job, err := p.manager.ClaimNext(ctx, types...)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, nil
	}
	return p.process(ctx, job)
}

// Drain processes jobs until limit have been handled, the queue runs dry,
// ctx is cancelled or the store fails. The partial result is returned
// alongside any error.
func (p *Processor) Drain(ctx context.Context, limit int, types ...interfaces.JobType) (*BatchResult, error) {
	if limit < 1 {
		return nil, fmt.Errorf("%w: limit must be positive, got %d", interfaces.ErrInvalidArgument, limit)
	}

	res := &BatchResult{Results: make([]Outcome, 0, min(limit, 64))}
	for res.Processed < limit {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		outcome, err := p.ProcessNext(ctx, types...)
		if err != nil {
			return res, err
		}
		if outcome == nil {
			break
		}
		res.add(outcome)
	}
	return res, nil
}

func (p *Processor) process(ctx context.Context, job *interfaces.Job) (*Outcome, error) {
	log := logger.WithJob(p.log, job.JobID, string(job.Type))
	log.Info().Int("attempt", job.Attempts).Int("max_attempts", job.MaxAttempts).Msg("Processing job")

	// Results are applied even if the caller is shutting down, so the row
	// does not stay in processing.
	applyCtx := context.WithoutCancel(ctx)

	p.emit(applyCtx, job, interfaces.EventStarted, interfaces.Payload{
		"attempt":      job.Attempts,
		"max_attempts": job.MaxAttempts,
		"worker_id":    p.manager.WorkerID(),
	})

	handler, err := Lookup(p.handlers, job.Type)
	if err != nil {
		outcome, applyErr := p.failConfiguration(applyCtx, job, err)
		if errors.Is(applyErr, interfaces.ErrLeaseLost) {
			return p.leaseLost(job, Failure(err), applyErr), nil
		}
		return outcome, applyErr
	}

	started := time.Now()
	res := p.run(ctx, handler, job)
	duration := time.Since(started)
	metrics.JobProcessingDuration.WithLabelValues(string(job.Type)).Observe(duration.Seconds())

	var outcome *Outcome
	switch {
	case res.Success:
		outcome, err = p.complete(applyCtx, job, res)
	case job.CanRetry():
		outcome, err = p.retry(applyCtx, job, res)
	default:
		outcome, err = p.fail(applyCtx, job, res)
	}
	if errors.Is(err, interfaces.ErrLeaseLost) {
		outcome, err = p.leaseLost(job, res, err), nil
	}
	if err != nil {
		return nil, err
	}
	outcome.Duration = duration
	return outcome, nil
}

func (p *Processor) run(ctx context.Context, h Handler, job *interfaces.Job) interfaces.JobResult {
	if p.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.handlerTimeout)
		defer cancel()
	}
	return invoke(ctx, h, job)
}

func (p *Processor) complete(ctx context.Context, job *interfaces.Job, res interfaces.JobResult) (*Outcome, error) {
	data := res.Data
	if data == nil {
		data = interfaces.Payload{}
	}

	updated, err := p.manager.UpdateStatus(ctx, job.ID, interfaces.StatusCompleted, interfaces.StatusUpdate{
		Result: data,
		Claim:  job.Claim(),
	})
	if err != nil {
		return nil, err
	}

	metrics.JobsCompletedTotal.WithLabelValues(string(job.Type)).Inc()
	logger.WithJob(p.log, job.JobID, string(job.Type)).Info().Int("attempt", job.Attempts).Msg("Job completed")
	p.emit(ctx, job, interfaces.EventCompleted, interfaces.Payload{"attempt": job.Attempts})
	return newOutcome(updated, res, nil), nil
}

func (p *Processor) retry(ctx context.Context, job *interfaces.Job, res interfaces.JobResult) (*Outcome, error) {
	delay := p.backoff.Delay(job.Attempts)
	next := p.manager.Now().Add(delay)
	msg := res.Error

	updated, err := p.manager.UpdateStatus(ctx, job.ID, interfaces.StatusRetrying, interfaces.StatusUpdate{
		ErrorMessage: &msg,
		ScheduledAt:  &next,
		Claim:        job.Claim(),
	})
	if err != nil {
		return nil, err
	}

	metrics.JobsRetriedTotal.WithLabelValues(string(job.Type)).Inc()
	logger.WithJob(p.log, job.JobID, string(job.Type)).Warn().
		Int("attempt", job.Attempts).
		Int("max_attempts", job.MaxAttempts).
		Str("error", msg).
		Dur("delay", delay).
		Time("next_retry_at", next).
		Msg("Job failed, will retry")
	p.emit(ctx, job, interfaces.EventRetrying, interfaces.Payload{
		"attempt":       job.Attempts,
		"error":         msg,
		"next_retry_at": next.UTC().Format(time.RFC3339Nano),
	})
	return newOutcome(updated, res, &next), nil
}

func (p *Processor) fail(ctx context.Context, job *interfaces.Job, res interfaces.JobResult) (*Outcome, error) {
	msg := res.Error
	updated, err := p.manager.UpdateStatus(ctx, job.ID, interfaces.StatusFailed, interfaces.StatusUpdate{
		ErrorMessage: &msg,
		Claim:        job.Claim(),
	})
	if err != nil {
		return nil, err
	}

	metrics.JobsFailedTotal.WithLabelValues(string(job.Type), metrics.ReasonExhausted).Inc()
	logger.WithJob(p.log, job.JobID, string(job.Type)).Error().
		Int("attempts", job.Attempts).
		Str("error", msg).
		Msg("Job permanently failed")
	p.emit(ctx, job, interfaces.EventFailed, interfaces.Payload{
		"attempt": job.Attempts,
		"error":   msg,
		"reason":  metrics.ReasonExhausted,
	})
	return newOutcome(updated, res, nil), nil
}

// failConfiguration fails the job at once: no handler means no retry can
// succeed, so backoff is skipped.
func (p *Processor) failConfiguration(ctx context.Context, job *interfaces.Job, cause error) (*Outcome, error) {
	res := Failure(cause)
	updated, err := p.manager.UpdateStatus(ctx, job.ID, interfaces.StatusFailed, interfaces.StatusUpdate{
		ErrorMessage: &res.Error,
		Claim:        job.Claim(),
	})
	if err != nil {
		return nil, err
	}

	metrics.JobsFailedTotal.WithLabelValues(string(job.Type), metrics.ReasonConfiguration).Inc()
	logger.WithJob(p.log, job.JobID, string(job.Type)).Error().Err(cause).Msg("Job failed: no handler")
	p.emit(ctx, job, interfaces.EventFailed, interfaces.Payload{
		"attempt": job.Attempts,
		"error":   res.Error,
		"reason":  metrics.ReasonConfiguration,
	})
	return newOutcome(updated, res, nil), nil
}

// leaseLost drops a result whose claim no longer owns the job. The row
// belongs to the reclaim sweep or to the worker that claimed it next.
func (p *Processor) leaseLost(job *interfaces.Job, res interfaces.JobResult, cause error) *Outcome {
	metrics.JobsLeaseLostTotal.WithLabelValues(string(job.Type)).Inc()
	logger.WithJob(p.log, job.JobID, string(job.Type)).Warn().
		Err(cause).
		Int("attempt", job.Attempts).
		Bool("success", res.Success).
		Msg("Discarding result of reclaimed job")

	outcome := newOutcome(job, res, nil)
	outcome.LeaseLost = true
	return outcome
}

// ReclaimExpired releases jobs whose lease lapsed and records a reclaimed
// event for each.
func (p *Processor) ReclaimExpired(ctx context.Context) (int, error) {
	reclaimed, err := p.manager.ReclaimExpired(ctx)
	if err != nil {
		return 0, err
	}
	for _, job := range reclaimed {
		p.emit(ctx, job, interfaces.EventReclaimed, interfaces.Payload{
			"status":   string(job.Status),
			"attempts": job.Attempts,
		})
	}
	return len(reclaimed), nil
}

// emit records an event; failures are logged and otherwise ignored.
func (p *Processor) emit(ctx context.Context, job *interfaces.Job, kind interfaces.EventKind, meta interfaces.Payload) {
	event := &interfaces.JobEvent{
		JobID:     job.JobID,
		JobType:   job.Type,
		Event:     kind,
		Metadata:  meta,
		CreatedAt: p.manager.Now(),
	}
	if err := p.events.Record(ctx, event); err != nil {
		logger.WithJob(p.log, job.JobID, string(job.Type)).Warn().
			Err(err).
			Str("event", string(kind)).
			Msg("Failed to record job event")
	}
}

func newOutcome(job *interfaces.Job, res interfaces.JobResult, next *time.Time) *Outcome {
	return &Outcome{
		ID:          job.ID,
		JobID:       job.JobID,
		Type:        job.Type,
		Status:      job.Status,
		Attempts:    job.Attempts,
		Result:      res,
		NextRetryAt: next,
	}
}
