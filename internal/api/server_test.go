package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"story-pipeline/internal/config"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/models"
	"story-pipeline/internal/queue"
	"story-pipeline/internal/ratelimit"
	"story-pipeline/internal/store"
	"story-pipeline/internal/worker"
)

type fakeRunner struct {
	calls []worker.RunOptions
	res   worker.RunResult
	err   error
}

func (f *fakeRunner) RunBatch(_ context.Context, opts worker.RunOptions) (worker.RunResult, error) {
	f.calls = append(f.calls, opts)
	res := f.res
	if res.Results == nil {
		res.Results = []worker.JobOutcome{}
	}
	return res, f.err
}

type fakeJobs struct {
	rows    []models.JobRow
	counts  map[string]int
	reset   []string
	pingErr error
}

func (f *fakeJobs) Ping(context.Context) error { return f.pingErr }

func (f *fakeJobs) GetJob(_ context.Context, id string) (models.GenerationJob, error) {
	for _, row := range f.rows {
		if row.ID == id {
			return row.GenerationJob, nil
		}
	}
	return models.GenerationJob{}, fmt.Errorf("get job %s: %w", id, store.ErrJobNotFound)
}

func (f *fakeJobs) AuditTrail(_ context.Context, jobID string) ([]models.AuditLog, error) {
	return []models.AuditLog{{JobID: jobID, Event: "claimed", Detail: "cron-1-abcdef"}}, nil
}

func (f *fakeJobs) ListJobs(_ context.Context, limit, offset int) ([]models.JobRow, error) {
	if offset >= len(f.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	return f.rows[offset:end], nil
}

func (f *fakeJobs) CountJobs(context.Context) (int, error) { return len(f.rows), nil }

func (f *fakeJobs) JobStatusCounts(context.Context) (map[string]int, error) { return f.counts, nil }

func (f *fakeJobs) ResetJob(_ context.Context, id string) error {
	if id == "missing" {
		return fmt.Errorf("reset job %s: %w", id, store.ErrJobNotFound)
	}
	f.reset = append(f.reset, id)
	return nil
}

type fakeDeadLetters struct{ items []queue.DeadLetter }

func (f *fakeDeadLetters) Peek(context.Context, int64) ([]queue.DeadLetter, error) { return f.items, nil }
func (f *fakeDeadLetters) Depth(context.Context) (int64, error)                     { return int64(len(f.items)), nil }

func (f *fakeDeadLetters) Remove(_ context.Context, jobID string) error {
	kept := f.items[:0]
	for _, item := range f.items {
		if item.JobID != jobID {
			kept = append(kept, item)
		}
	}
	f.items = kept
	return nil
}

type fakeLimiter struct {
	remaining int
	err       error
	keys      []string
}

func (f *fakeLimiter) Allow(_ context.Context, key string) (ratelimit.Decision, error) {
	f.keys = append(f.keys, key)
	if f.err != nil {
		return ratelimit.Decision{}, f.err
	}
	if f.remaining <= 0 {
		return ratelimit.Decision{RetryAfter: 1500 * time.Millisecond}, nil
	}
	f.remaining--
	return ratelimit.Decision{Allowed: true, Remaining: float64(f.remaining)}, nil
}

type fixture struct {
	runner  *fakeRunner
	jobs    *fakeJobs
	dead    *fakeDeadLetters
	limiter *fakeLimiter
	handler http.Handler
}

func newFixture(mutate func(*config.Config)) *fixture {
	cfg := config.Config{
		CronSecret:    "cron-secret",
		AdminSecret:   "admin-secret",
		CronMaxLimit:  1,
		AdminMaxLimit: 20,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f := &fixture{
		runner:  &fakeRunner{},
		jobs:    &fakeJobs{counts: map[string]int{"queued": 2, "running": 0, "succeeded": 5, "failed": 1}},
		dead:    &fakeDeadLetters{},
		limiter: &fakeLimiter{remaining: 100},
	}
	f.handler = New(cfg, f.runner, f.jobs, f.dead, f.limiter, logger.Nop()).Router()
	return f
}

func (f *fixture) do(method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCronRequiresSecret(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodPost, "/api/cron/generate", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/cron/generate", "admin-secret", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.runner.calls)
}

func TestCronWithoutConfiguredSecretIsMisconfigured(t *testing.T) {
	f := newFixture(func(c *config.Config) { c.CronSecret = "" })
	rec := f.do(http.MethodGet, "/api/cron/generate", "anything", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Server misconfigured"}`, rec.Body.String())
	assert.Empty(t, f.runner.calls)
}

func TestCronCapsLimit(t *testing.T) {
	f := newFixture(func(c *config.Config) { c.GenerateAudio = true })
	f.runner.res = worker.RunResult{
		Success:        true,
		NewJobsCreated: 3,
		Processed:      1,
		Succeeded:      1,
		Results:        []worker.JobOutcome{{ScenarioSlug: "home-bedroom-igji31", Success: true}},
	}

	rec := f.do(http.MethodPost, "/api/cron/generate", "cron-secret", `{"limit": 50, "dryRun": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.runner.calls, 1)
	opts := f.runner.calls[0]
	assert.Equal(t, 1, opts.Limit)
	assert.True(t, opts.DryRun)
	assert.True(t, opts.GenerateAudio)
	assert.Equal(t, "cron", opts.LockPrefix)
	assert.Equal(t, []string{"trigger:cron"}, f.limiter.keys)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 3, body["newJobsCreated"])
	assert.EqualValues(t, 1, body["processed"])
	results := body["results"].([]any)
	require.Len(t, results, 1)
	first := results[0].(map[string]any)
	assert.Equal(t, "home-bedroom-igji31", first["scenarioSlug"])
	assert.NotContains(t, first, "error")
	assert.NotContains(t, body, "error")
}

func TestCronGetUsesDefaults(t *testing.T) {
	f := newFixture(func(c *config.Config) { c.CronMaxLimit = 3 })
	rec := f.do(http.MethodGet, "/api/cron/generate", "cron-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, 1, f.runner.calls[0].Limit)
	assert.False(t, f.runner.calls[0].GenerateAudio)
}

func TestAdminGenerate(t *testing.T) {
	f := newFixture(nil)

	rec := f.do(http.MethodPost, "/api/admin/generate", "cron-secret", `{"limit": 5}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/api/admin/generate", "admin-secret", `{"limit": 5.9, "generateAudio": true}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.runner.calls, 1)
	assert.Equal(t, 5, f.runner.calls[0].Limit)
	assert.True(t, f.runner.calls[0].GenerateAudio)
	assert.Equal(t, "manual", f.runner.calls[0].LockPrefix)

	f.do(http.MethodPost, "/api/admin/generate", "admin-secret", `{"limit": 500}`)
	assert.Equal(t, 20, f.runner.calls[1].Limit)

	f.do(http.MethodPost, "/api/admin/generate", "admin-secret", `not json`)
	assert.Equal(t, 1, f.runner.calls[2].Limit)
}

func TestTriggerBatchErrorIs500(t *testing.T) {
	f := newFixture(nil)
	f.runner.res = worker.RunResult{Processed: 1, Failed: 1}
	f.runner.err = fmt.Errorf("process a: SILICONFLOW_API_KEY: %w", config.ErrNotConfigured)

	rec := f.do(http.MethodPost, "/api/admin/generate", "admin-secret", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "not configured")
	assert.EqualValues(t, 1, body["failed"])
}

func TestTriggerRateLimited(t *testing.T) {
	f := newFixture(nil)
	f.limiter.remaining = 1

	rec := f.do(http.MethodPost, "/api/cron/generate", "cron-secret", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodPost, "/api/cron/generate", "cron-secret", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))
	assert.Len(t, f.runner.calls, 1)
}

func TestTriggerLimiterFailure(t *testing.T) {
	f := newFixture(nil)
	f.limiter.err = errors.New("redis down")
	rec := f.do(http.MethodPost, "/api/admin/generate", "admin-secret", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, f.runner.calls)
}

func TestAdminListJobs(t *testing.T) {
	f := newFixture(nil)
	for i := 0; i < 3; i++ {
		f.jobs.rows = append(f.jobs.rows, models.JobRow{
			GenerationJob: models.GenerationJob{ID: fmt.Sprintf("job-%d", i), Status: models.StatusQueued},
			ScenarioSlug:  fmt.Sprintf("slug-%d", i),
		})
	}

	rec := f.do(http.MethodGet, "/api/admin/jobs?limit=2&offset=1", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body jobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Total)
	require.Len(t, body.Jobs, 2)
	assert.Equal(t, "job-1", body.Jobs[0].ID)
	assert.Equal(t, "slug-2", body.Jobs[1].ScenarioSlug)

	rec = f.do(http.MethodGet, "/api/admin/jobs?limit=abc", "admin-secret", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/admin/jobs?offset=10", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"jobs":[]`)
}

func TestAdminJobCounts(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(http.MethodGet, "/api/admin/jobs/counts", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"counts":{"queued":2,"running":0,"succeeded":5,"failed":1}}`, rec.Body.String())
}

func TestReadyz(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.jobs.pingErr = errors.New("connection refused")
	rec = f.do(http.MethodGet, "/readyz", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAdminGetJob(t *testing.T) {
	f := newFixture(nil)
	f.jobs.rows = []models.JobRow{{GenerationJob: models.GenerationJob{ID: "job-1", Status: models.StatusFailed, AttemptCount: 2}}}

	rec := f.do(http.MethodGet, "/api/admin/jobs/job-1", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body jobDetailResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Job.AttemptCount)
	require.Len(t, body.Audit, 1)
	assert.Equal(t, "claimed", body.Audit[0].Event)

	rec = f.do(http.MethodGet, "/api/admin/jobs/nope", "admin-secret", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/api/admin/jobs/job-1", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminResetJob(t *testing.T) {
	f := newFixture(nil)
	f.dead.items = []queue.DeadLetter{{JobID: "job-7"}, {JobID: "job-8"}}

	rec := f.do(http.MethodPost, "/api/admin/jobs/job-7/reset", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"job-7"}, f.jobs.reset)
	require.Len(t, f.dead.items, 1)
	assert.Equal(t, "job-8", f.dead.items[0].JobID)

	rec = f.do(http.MethodPost, "/api/admin/jobs/missing/reset", "admin-secret", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminDeadLetters(t *testing.T) {
	f := newFixture(nil)
	rec := f.do(http.MethodGet, "/api/admin/dead-letters", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"items":[],"depth":0}`, rec.Body.String())

	f.dead.items = []queue.DeadLetter{{JobID: "job-1", ScenarioSlug: "a", Attempts: 5, Error: "HTTP 500"}}
	rec = f.do(http.MethodGet, "/api/admin/dead-letters", "admin-secret", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"jobId":"job-1"`)
	assert.Contains(t, rec.Body.String(), `"depth":1`)
}

func TestCapLimit(t *testing.T) {
	v := func(f float64) *float64 { return &f }
	assert.Equal(t, 1, capLimit(nil, 20))
	assert.Equal(t, 1, capLimit(v(0), 20))
	assert.Equal(t, 1, capLimit(v(-3), 20))
	assert.Equal(t, 7, capLimit(v(7.8), 20))
	assert.Equal(t, 20, capLimit(v(1e9), 20))
	assert.Equal(t, 1, capLimit(v(5), 0))
}
