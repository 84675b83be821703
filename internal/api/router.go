package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
	"github.com/mtr002/devboard-queue/internal/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	defaultDrain     = 10
	defaultMaxDrain  = 100
)

type ctxKey struct{}

func (s *Server) correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		w.Header().Set("X-Correlation-ID", correlationID)

		log := logger.WithCorrelationID(s.log, correlationID)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("Received request")

		ctx := context.WithValue(r.Context(), ctxKey{}, correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func getCorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKey{}).(string); ok {
		return id
	}
	return ""
}

type createJobRequest struct {
	Type        string             `json:"type"`
	Payload     interfaces.Payload `json:"payload"`
	Priority    int                `json:"priority"`
	MaxAttempts int                `json:"max_attempts"`
	ScheduledAt *time.Time         `json:"scheduled_at"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	log := logger.WithCorrelationID(s.log, getCorrelationID(r.Context()))

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("Invalid JSON request")
		s.writeError(w, r, fmt.Errorf("%w: invalid JSON: %v", interfaces.ErrInvalidArgument, err))
		return
	}
	if req.Type == "" {
		s.writeError(w, r, fmt.Errorf("%w: job type is required", interfaces.ErrInvalidArgument))
		return
	}

	job, err := s.manager.CreateJob(r.Context(), interfaces.JobType(req.Type), req.Payload, jobs.CreateOptions{
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	log.Info().Str("job_id", job.JobID).Msg("Job submitted successfully")
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := interfaces.ListFilter{
		Status: interfaces.JobStatus(q.Get("status")),
		Type:   interfaces.JobType(q.Get("type")),
		Limit:  defaultListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: unknown status %q", interfaces.ErrInvalidArgument, filter.Status))
		return
	}
	if filter.Type != "" && !filter.Type.Valid() {
		s.writeError(w, r, fmt.Errorf("%w: unknown job type %q", interfaces.ErrInvalidArgument, filter.Type))
		return
	}
	limit, err := intParam(r, "limit", defaultListLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	filter.Limit = min(max(limit, 1), maxListLimit)

	list, err := s.manager.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*interfaces.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.GetByJobID(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if _, err := s.manager.GetByJobID(r.Context(), jobID); err != nil {
		s.writeError(w, r, err)
		return
	}
	events, err := s.manager.ListEvents(r.Context(), jobID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*interfaces.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "events": events})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.QueueStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.opts.Processor == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "job processing is not enabled on this server"})
		return
	}
	limit, err := intParam(r, "limit", defaultDrain)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit = min(limit, s.opts.MaxDrain)
	var raw []string
	if v := r.URL.Query().Get("types"); v != "" {
		raw = strings.Split(v, ",")
	}
	types, err := interfaces.ParseJobTypes(raw)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.opts.Processor.Drain(r.Context(), limit, types...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", s.opts.CleanupDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.manager.CleanupOlderThan(r.Context(), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deleted": n, "days": days})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	maxRetries, err := intParam(r, "max_retries", s.opts.RetryMaxRetries)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	n, err := s.manager.BulkRetryFailed(r.Context(), maxRetries)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": n, "max_retries": maxRetries})
}

func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	var n int
	if s.opts.Processor != nil {
		var err error
		n, err = s.opts.Processor.ReclaimExpired(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	} else {
		reclaimed, err := s.manager.ReclaimExpired(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		n = len(reclaimed)
	}
	writeJSON(w, http.StatusOK, map[string]any{"reclaimed": n})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", interfaces.ErrInvalidArgument, name, v)
	}
	return n, nil
}

type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrJobNotFound):
		code = http.StatusNotFound
	case errors.Is(err, interfaces.ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, interfaces.ErrTerminalState), errors.Is(err, interfaces.ErrInvalidTransition),
		errors.Is(err, interfaces.ErrLeaseLost):
		code = http.StatusConflict
	}

	correlationID := getCorrelationID(r.Context())
	if code == http.StatusInternalServerError {
		log := logger.WithCorrelationID(s.log, correlationID)
		log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error(), CorrelationID: correlationID})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
