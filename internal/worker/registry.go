package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/mtr002/devboard-queue/internal/interfaces"
)

// Handler executes one job and reports the outcome. Handlers must be safe to
// run more than once for the same job: delivery is at-least-once.
type Handler func(ctx context.Context, job *interfaces.Job) interfaces.JobResult

// HandlerSet has one method per job type. Adding a job type means adding a
// method here, which breaks every implementation until it handles the new
// type; Lookup is the only place that maps tags to methods.
type HandlerSet interface {
	AISummary(ctx context.Context, job *interfaces.Job) interfaces.JobResult
	Notification(ctx context.Context, job *interfaces.Job) interfaces.JobResult
	AnalyticsRollup(ctx context.Context, job *interfaces.Job) interfaces.JobResult
	BadgeAward(ctx context.Context, job *interfaces.Job) interfaces.JobResult
	IssueClassification(ctx context.Context, job *interfaces.Job) interfaces.JobResult
	ReleaseNotes(ctx context.Context, job *interfaces.Job) interfaces.JobResult
	CIFailureAnalysis(ctx context.Context, job *interfaces.Job) interfaces.JobResult
}

// ErrNoHandler marks a configuration error: retrying cannot help.
var ErrNoHandler = errors.New("no handler registered for job type")

// partialSet is implemented by sets that may leave some types unhandled.
type partialSet interface {
	Handles(t interfaces.JobType) bool
}

// Lookup returns the handler for t.
func Lookup(set HandlerSet, t interfaces.JobType) (Handler, error) {
	if set == nil {
		return nil, fmt.Errorf("%w %q", ErrNoHandler, t)
	}
	if p, ok := set.(partialSet); ok && !p.Handles(t) {
		return nil, fmt.Errorf("%w %q", ErrNoHandler, t)
	}

	switch t {
	case interfaces.TypeAISummary:
		return set.AISummary, nil
	case interfaces.TypeNotification:
		return set.Notification, nil
	case interfaces.TypeAnalyticsRollup:
		return set.AnalyticsRollup, nil
	case interfaces.TypeBadgeAward:
		return set.BadgeAward, nil
	case interfaces.TypeIssueClassification:
		return set.IssueClassification, nil
	case interfaces.TypeReleaseNotes:
		return set.ReleaseNotes, nil
	case interfaces.TypeCIFailureAnalysis:
		return set.CIFailureAnalysis, nil
	}
	return nil, fmt.Errorf("%w %q", ErrNoHandler, t)
}

// HandlerFuncs builds a HandlerSet from plain functions. A nil field leaves
// that type unhandled.
type HandlerFuncs struct {
	OnAISummary           Handler
	OnNotification        Handler
	OnAnalyticsRollup     Handler
	OnBadgeAward          Handler
	OnIssueClassification Handler
	OnReleaseNotes        Handler
	OnCIFailureAnalysis   Handler
}

var _ HandlerSet = HandlerFuncs{}

func (h HandlerFuncs) field(t interfaces.JobType) Handler {
	switch t {
	case interfaces.TypeAISummary:
		return h.OnAISummary
	case interfaces.TypeNotification:
		return h.OnNotification
	case interfaces.TypeAnalyticsRollup:
		return h.OnAnalyticsRollup
	case interfaces.TypeBadgeAward:
		return h.OnBadgeAward
	case interfaces.TypeIssueClassification:
		return h.OnIssueClassification
	case interfaces.TypeReleaseNotes:
		return h.OnReleaseNotes
	case interfaces.TypeCIFailureAnalysis:
		return h.OnCIFailureAnalysis
	}
	return nil
}

// Handles reports whether a function is set for t.
func (h HandlerFuncs) Handles(t interfaces.JobType) bool { return h.field(t) != nil }

func (h HandlerFuncs) call(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	fn := h.field(job.Type)
	if fn == nil {
		return Failuref("%v %q", ErrNoHandler, job.Type)
	}
	return fn(ctx, job)
}

func (h HandlerFuncs) AISummary(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return h.call(ctx, job)
}

func (h HandlerFuncs) Notification(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return h.call(ctx, job)
}

func (h HandlerFuncs) AnalyticsRollup(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return h.call(ctx, job)
}

func (h HandlerFuncs) BadgeAward(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return h.call(ctx, job)
}

func (h HandlerFuncs) IssueClassification(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return h.call(ctx, job)
}

func (h HandlerFuncs) ReleaseNotes(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return h.call(ctx, job)
}

func (h HandlerFuncs) CIFailureAnalysis(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return h.call(ctx, job)
}

// Success builds a successful result.
func Success(data interfaces.Payload) interfaces.JobResult {
	return interfaces.JobResult{Success: true, Data: data}
}

// Failure builds a failed result from err.
func Failure(err error) interfaces.JobResult {
	if err == nil {
		return interfaces.JobResult{Success: false, Error: "unknown error"}
	}
	return interfaces.JobResult{Success: false, Error: err.Error()}
}

// Failuref builds a failed result from a format string.
func Failuref(format string, args ...any) interfaces.JobResult {
	return interfaces.JobResult{Success: false, Error: fmt.Sprintf(format, args...)}
}

// invoke runs h and turns a panic into a failed result.
func invoke(ctx context.Context, h Handler, job *interfaces.Job) (res interfaces.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			res = Failuref("handler panic: %v", r)
		}
	}()

	res = h(ctx, job)
	if !res.Success && res.Error == "" {
		res.Error = "handler reported failure without an error message"
	}
	return res
}
