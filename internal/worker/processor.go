package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"story-pipeline/internal/logger"
	"story-pipeline/internal/models"
	"story-pipeline/internal/telemetry"
)

// JobSource is the slice of the job store a batch needs.
type JobSource interface {
	CreateMissingJobs(ctx context.Context) (int, error)
	FailAbandonedJobs(ctx context.Context) (int, error)
	ClaimNextJob(ctx context.Context, lockID string) (models.ClaimedJob, bool, error)
}

// JobRunner processes one claimed job.
type JobRunner interface {
	Process(ctx context.Context, job models.ClaimedJob, opts ProcessOptions) (ProcessResult, error)
}

// Processor runs bounded batches: reconcile, then claim and process jobs one
// at a time until the limit is reached or nothing is eligible.
type Processor struct {
	jobs          JobSource
	pipeline      JobRunner
	interJobDelay time.Duration
	sleep         func(ctx context.Context, d time.Duration) error
	newLockID     func(prefix string) string
	log           *logger.Logger
}

func NewProcessor(jobs JobSource, pipeline JobRunner, interJobDelay time.Duration, log *logger.Logger) *Processor {
	if log == nil {
		log = logger.Nop()
	}
	return &Processor{
		jobs:          jobs,
		pipeline:      pipeline,
		interJobDelay: interJobDelay,
		sleep:         sleepContext,
		newLockID:     NewLockID,
		log:           log,
	}
}

// RunOptions controls one batch. LockPrefix also labels the batch in metrics.
type RunOptions struct {
	Limit         int
	DryRun        bool
	GenerateAudio bool
	LockPrefix    string
}

// JobOutcome is the per-job line of a batch summary.
type JobOutcome struct {
	ScenarioSlug string `json:"scenarioSlug"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

// RunResult summarizes a batch.
type RunResult struct {
	Success        bool         `json:"success"`
	LockID         string       `json:"lockId"`
	NewJobsCreated int          `json:"newJobsCreated"`
	Processed      int          `json:"processed"`
	Succeeded      int          `json:"succeeded"`
	Failed         int          `json:"failed"`
	Results        []JobOutcome `json:"results"`
}

// NewLockID returns "<prefix>-<unix millis>-<6 random chars>".
func NewLockID(prefix string) string {
	if prefix == "" {
		prefix = "manual"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixMilli(), suffix)
}

// ClampLimit treats anything below one as one.
func ClampLimit(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// RunBatch processes at most opts.Limit jobs. Job failures are counted in the
// result; the error is set only when the batch itself could not continue.
func (p *Processor) RunBatch(ctx context.Context, opts RunOptions) (RunResult, error) {
	limit := ClampLimit(opts.Limit)
	prefix := opts.LockPrefix
	if prefix == "" {
		prefix = "manual"
	}
	lockID := p.newLockID(prefix)
	log := p.log.With("lock_id", lockID, "limit", limit, "dry_run", opts.DryRun)
	res := RunResult{LockID: lockID, Results: []JobOutcome{}}

	fail := func(err error) (RunResult, error) {
		telemetry.BatchRuns.WithLabelValues(prefix, "error").Inc()
		log.Error("batch aborted", "error", err, "processed", res.Processed)
		return res, err
	}

	created, err := p.jobs.CreateMissingJobs(ctx)
	if err != nil {
		return fail(fmt.Errorf("create missing jobs: %w", err))
	}
	res.NewJobsCreated = created
	telemetry.JobsCreated.Add(float64(created))
	if created > 0 {
		log.Info("queued jobs for new scenarios", "created", created)
	}

	abandoned, err := p.jobs.FailAbandonedJobs(ctx)
	if err != nil {
		return fail(fmt.Errorf("fail abandoned jobs: %w", err))
	}
	if abandoned > 0 {
		log.Warn("failed jobs abandoned on their last attempt", "count", abandoned)
	}

	for i := 0; i < limit; i++ {
		job, ok, err := p.jobs.ClaimNextJob(ctx, lockID)
		if err != nil {
			return fail(fmt.Errorf("claim job: %w", err))
		}
		if !ok {
			log.Info("no eligible jobs left")
			break
		}
		telemetry.JobsClaimed.Inc()
		res.Processed++

		if opts.DryRun {
			log.Info("dry run: claimed job without processing", "job_id", job.JobID, "scenario_slug", job.Scenario.Slug)
			res.record(JobOutcome{ScenarioSlug: job.Scenario.Slug, Success: true})
		} else {
			out, err := p.pipeline.Process(ctx, job, ProcessOptions{GenerateAudio: opts.GenerateAudio})
			res.record(JobOutcome{ScenarioSlug: job.Scenario.Slug, Success: out.Success, Error: out.Error})
			if err != nil {
				return fail(fmt.Errorf("process %s: %w", job.Scenario.Slug, err))
			}
		}

		if i < limit-1 && p.interJobDelay > 0 {
			if err := p.sleep(ctx, p.interJobDelay); err != nil {
				return fail(err)
			}
		}
	}

	res.Success = true
	telemetry.BatchRuns.WithLabelValues(prefix, "ok").Inc()
	log.Info("batch finished", "processed", res.Processed, "succeeded", res.Succeeded, "failed", res.Failed)
	return res, nil
}

// maxDisplayError bounds the error text echoed back in a batch summary.
const maxDisplayError = 500

func (r *RunResult) record(o JobOutcome) {
	if runes := []rune(o.Error); len(runes) > maxDisplayError {
		o.Error = string(runes[:maxDisplayError])
	}
	if o.Success {
		r.Succeeded++
	} else {
		r.Failed++
	}
	r.Results = append(r.Results, o)
}
