// Package events records job lifecycle events. Sinks are best-effort: the
// processor logs their errors and carries on.
package events

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/mtr002/devboard-queue/internal/interfaces"
)

// Sink receives lifecycle events.
type Sink interface {
	Record(ctx context.Context, event *interfaces.JobEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, event *interfaces.JobEvent) error

func (f SinkFunc) Record(ctx context.Context, event *interfaces.JobEvent) error {
	return f(ctx, event)
}

// StoreSink appends events to the job store's event table.
type StoreSink struct {
	store interfaces.JobStore
}

func NewStoreSink(store interfaces.JobStore) *StoreSink {
	return &StoreSink{store: store}
}

func (s *StoreSink) Record(ctx context.Context, event *interfaces.JobEvent) error {
	return s.store.RecordEvent(ctx, event)
}

// LogSink writes events to a zerolog logger at debug level.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Record(_ context.Context, event *interfaces.JobEvent) error {
	s.log.Debug().
		Str("job_id", event.JobID).
		Str("job_type", string(event.JobType)).
		Str("event", string(event.Event)).
		Interface("metadata", event.Metadata).
		Msg("Job event")
	return nil
}

// Multi fans an event out to every sink, even when earlier ones fail, and
// joins their errors.
type Multi []Sink

func (m Multi) Record(ctx context.Context, event *interfaces.JobEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = SinkFunc(func(context.Context, *interfaces.JobEvent) error { return nil })
