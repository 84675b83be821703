// Package handlers holds the HandlerSet the worker binaries run. Job
// semantics live in downstream services; each job type is forwarded as an
// HTTP POST to the endpoint configured for it.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/worker"
)

const maxErrorBody = 512

// Request is the body posted to a job endpoint.
type Request struct {
	JobID    string             `json:"job_id"`
	JobType  interfaces.JobType `json:"job_type"`
	Attempt  int                `json:"attempt"`
	Priority int                `json:"priority"`
	Payload  interfaces.Payload `json:"payload"`
}

// Forwarder posts jobs to per-type HTTP endpoints.
type Forwarder struct {
	client    *http.Client
	endpoints map[interfaces.JobType]string
	log       zerolog.Logger
}

var _ worker.HandlerSet = (*Forwarder)(nil)

// NewForwarder builds a Forwarder. Types without an endpoint are reported as
// unhandled so the processor fails them as configuration errors.
func NewForwarder(endpoints map[interfaces.JobType]string, timeout time.Duration, log zerolog.Logger) *Forwarder {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	eps := make(map[interfaces.JobType]string, len(endpoints))
	for t, url := range endpoints {
		if url != "" {
			eps[t] = url
		}
	}
	return &Forwarder{
		client:    &http.Client{Timeout: timeout},
		endpoints: eps,
		log:       log,
	}
}

// Handles reports whether t has an endpoint.
func (f *Forwarder) Handles(t interfaces.JobType) bool {
	_, ok := f.endpoints[t]
	return ok
}

func (f *Forwarder) AISummary(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return f.forward(ctx, job)
}

func (f *Forwarder) Notification(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return f.forward(ctx, job)
}

func (f *Forwarder) AnalyticsRollup(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return f.forward(ctx, job)
}

func (f *Forwarder) BadgeAward(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return f.forward(ctx, job)
}

func (f *Forwarder) IssueClassification(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return f.forward(ctx, job)
}

func (f *Forwarder) ReleaseNotes(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return f.forward(ctx, job)
}

func (f *Forwarder) CIFailureAnalysis(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	return f.forward(ctx, job)
}

func (f *Forwarder) forward(ctx context.Context, job *interfaces.Job) interfaces.JobResult {
	url, ok := f.endpoints[job.Type]
	if !ok {
		return worker.Failuref("no endpoint configured for job type %q", job.Type)
	}

	body, err := json.Marshal(Request{
		JobID:    job.JobID,
		JobType:  job.Type,
		Attempt:  job.Attempts,
		Priority: job.Priority,
		Payload:  job.Payload,
	})
	if err != nil {
		return worker.Failure(fmt.Errorf("failed to marshal job request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return worker.Failure(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", job.JobID)

	resp, err := f.client.Do(req)
	if err != nil {
		return worker.Failure(fmt.Errorf("request to %s failed: %w", url, err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return worker.Failure(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > maxErrorBody {
			snippet = snippet[:maxErrorBody]
		}
		f.log.Debug().Str("job_id", job.JobID).Int("status", resp.StatusCode).Msg("Endpoint rejected job")
		return worker.Failuref("endpoint returned %d: %s", resp.StatusCode, snippet)
	}

	result := interfaces.Payload{"status_code": resp.StatusCode}
	var decoded map[string]any
	if len(data) > 0 && json.Unmarshal(data, &decoded) == nil {
		result = decoded
	}
	return worker.Success(result)
}
