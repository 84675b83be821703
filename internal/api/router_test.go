package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mtr002/devboard-queue/internal/events"
	"github.com/mtr002/devboard-queue/internal/interfaces"
	"github.com/mtr002/devboard-queue/internal/jobs"
	"github.com/mtr002/devboard-queue/internal/memstore"
	"github.com/mtr002/devboard-queue/internal/worker"
)

type testAPI struct {
	handler http.Handler
	manager *jobs.Manager
}

func newTestAPI(t *testing.T, withProcessor bool) *testAPI {
	t.Helper()
	store := memstore.New()
	manager := jobs.NewManager(store, zerolog.Nop(), jobs.Options{})

	opts := Options{}
	if withProcessor {
		opts.Processor = worker.NewProcessor(manager, worker.HandlerFuncs{
			OnNotification: func(context.Context, *interfaces.Job) interfaces.JobResult {
				return worker.Success(interfaces.Payload{"sent": true})
			},
			OnAISummary: func(context.Context, *interfaces.Job) interfaces.JobResult {
				return worker.Failuref("model unavailable")
			},
		}, zerolog.Nop(), worker.ProcessorOptions{Events: events.NewStoreSink(store)})
	}

	return &testAPI{
		handler: NewServer(manager, zerolog.Nop(), opts).Handler(),
		manager: manager,
	}
}

func (a *testAPI) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestCreateAndGetJob(t *testing.T) {
	api := newTestAPI(t, false)

	rec := api.do(t, http.MethodPost, "/jobs", `{"type":"notification","payload":{"user_id":"u-1"},"priority":7}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))

	created := decode[interfaces.Job](t, rec)
	assert.Equal(t, interfaces.TypeNotification, created.Type)
	assert.Equal(t, interfaces.StatusPending, created.Status)
	assert.Equal(t, 7, created.Priority)
	assert.Equal(t, jobs.DefaultMaxAttempts, created.MaxAttempts)

	rec = api.do(t, http.MethodGet, "/jobs/"+created.JobID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[interfaces.Job](t, rec)
	assert.Equal(t, created.JobID, got.JobID)
	assert.Equal(t, "u-1", got.Payload["user_id"])
}

func TestCreateJobValidation(t *testing.T) {
	api := newTestAPI(t, false)

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"type":`},
		{"missing type", `{"payload":{}}`},
		{"unknown type", `{"type":"weekly_digest"}`},
		{"negative attempts", `{"type":"notification","max_attempts":-1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.do(t, http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, decode[errorResponse](t, rec).Error)
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	api := newTestAPI(t, false)

	rec := api.do(t, http.MethodGet, "/jobs/does-not-exist", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = api.do(t, http.MethodGet, "/jobs/does-not-exist/events", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsFilters(t *testing.T) {
	api := newTestAPI(t, false)
	ctx := context.Background()
	for _, jt := range []interfaces.JobType{interfaces.TypeNotification, interfaces.TypeBadgeAward, interfaces.TypeBadgeAward} {
		_, err := api.manager.CreateJob(ctx, jt, nil, jobs.CreateOptions{})
		require.NoError(t, err)
	}

	rec := api.do(t, http.MethodGet, "/jobs?type=badge_award", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Jobs  []interfaces.Job `json:"jobs"`
		Count int              `json:"count"`
	}](t, rec)
	assert.Equal(t, 2, body.Count)

	rec = api.do(t, http.MethodGet, "/jobs?status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"jobs":[]`)

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/jobs?status=paused", "").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodGet, "/jobs?limit=ten", "").Code)
}

func TestProcessEndpoint(t *testing.T) {
	api := newTestAPI(t, true)
	ctx := context.Background()

	ok, err := api.manager.CreateJob(ctx, interfaces.TypeNotification, nil, jobs.CreateOptions{})
	require.NoError(t, err)
	_, err = api.manager.CreateJob(ctx, interfaces.TypeAISummary, nil, jobs.CreateOptions{})
	require.NoError(t, err)

	rec := api.do(t, http.MethodPost, "/process?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[worker.BatchResult](t, rec)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Retried)
	assert.Equal(t, 0, res.Failed)

	rec = api.do(t, http.MethodGet, "/jobs/"+ok.JobID+"/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	evs := decode[struct {
		Events []interfaces.JobEvent `json:"events"`
	}](t, rec)
	require.Len(t, evs.Events, 2)
	assert.Equal(t, interfaces.EventStarted, evs.Events[0].Event)
	assert.Equal(t, interfaces.EventCompleted, evs.Events[1].Event)

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/process?types=nope", "").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/process?limit=0", "").Code)
}

func TestProcessDisabled(t *testing.T) {
	api := newTestAPI(t, false)
	assert.Equal(t, http.StatusServiceUnavailable, api.do(t, http.MethodPost, "/process", "").Code)
}

func TestProcessClampsLimit(t *testing.T) {
	manager := jobs.NewManager(memstore.New(), zerolog.Nop(), jobs.Options{})
	processor := worker.NewProcessor(manager, worker.HandlerFuncs{
		OnBadgeAward: func(context.Context, *interfaces.Job) interfaces.JobResult {
			return worker.Success(nil)
		},
	}, zerolog.Nop(), worker.ProcessorOptions{})
	api := &testAPI{
		handler: NewServer(manager, zerolog.Nop(), Options{Processor: processor, MaxDrain: 2}).Handler(),
		manager: manager,
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := manager.CreateJob(ctx, interfaces.TypeBadgeAward, nil, jobs.CreateOptions{})
		require.NoError(t, err)
	}

	rec := api.do(t, http.MethodPost, "/process?limit=100000", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[worker.BatchResult](t, rec)
	assert.Equal(t, 2, res.Processed)

	pending, err := manager.CountPending(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
}

func TestStatsAndMaintenance(t *testing.T) {
	api := newTestAPI(t, false)
	ctx := context.Background()

	job, err := api.manager.CreateJob(ctx, interfaces.TypeReleaseNotes, nil, jobs.CreateOptions{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = api.manager.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = api.manager.UpdateStatus(ctx, job.ID, interfaces.StatusFailed, interfaces.StatusUpdate{})
	require.NoError(t, err)

	rec := api.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[interfaces.QueueStats](t, rec)
	assert.EqualValues(t, 1, stats.ByStatus[interfaces.StatusFailed])

	rec = api.do(t, http.MethodPost, "/maintenance/retry-failed?max_retries=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode[map[string]float64](t, rec)["reset"])

	rec = api.do(t, http.MethodPost, "/maintenance/cleanup", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode[map[string]float64](t, rec)["deleted"])

	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/maintenance/cleanup?days=-1", "").Code)
	assert.Equal(t, http.StatusBadRequest, api.do(t, http.MethodPost, "/maintenance/retry-failed?max_retries=0", "").Code)

	rec = api.do(t, http.MethodPost, "/maintenance/reclaim", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decode[map[string]float64](t, rec)["reclaimed"])
}

type downStore struct {
	*memstore.Store
}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealthEndpoints(t *testing.T) {
	api := newTestAPI(t, false)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rec := api.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	down := NewServer(jobs.NewManager(downStore{memstore.New()}, zerolog.Nop(), jobs.Options{}), zerolog.Nop(), Options{}).Handler()
	rec := httptest.NewRecorder()
	down.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", decode[ReadinessResponse](t, rec).Status)
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t, false)
	_, err := api.manager.CreateJob(context.Background(), interfaces.TypeBadgeAward, nil, jobs.CreateOptions{})
	require.NoError(t, err)

	rec := api.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "jobs_submitted_total")
}
