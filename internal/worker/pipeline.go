package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"story-pipeline/internal/config"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/models"
	"story-pipeline/internal/queue"
	"story-pipeline/internal/store"
	"story-pipeline/internal/telemetry"
)

const finalizeTimeout = 15 * time.Second

// StoryStore persists pipeline output and records job outcomes.
type StoryStore interface {
	UpsertStoryWithVocabulary(ctx context.Context, scenarioID, slug string, content models.StoryContent, phrases []models.KeyPhrase) (string, error)
	UpdateStoryAudioURL(ctx context.Context, scenarioID, audioURL string) error
	MarkJobSucceeded(ctx context.Context, jobID, lockID string) error
	MarkJobFailed(ctx context.Context, jobID, lockID, message string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

type StoryGenerator interface {
	GenerateStory(ctx context.Context, sc models.Scenario) (*models.GeneratedStory, error)
}

type Narrator interface {
	Synthesize(ctx context.Context, body string) ([]byte, error)
}

type AudioUploader interface {
	UploadAudio(ctx context.Context, slug string, audio []byte) (string, error)
}

// DeadLetterSink receives jobs whose last allowed attempt failed.
type DeadLetterSink interface {
	Push(ctx context.Context, dl queue.DeadLetter) error
}

// PipelineDeps wires a Pipeline. Narrator, Uploader and DeadLetters may be nil.
type PipelineDeps struct {
	Store          StoryStore
	Generator      StoryGenerator
	Narrator       Narrator
	Uploader       AudioUploader
	DeadLetters    DeadLetterSink
	Retry          RetryPolicy
	MaxJobAttempts int
	Log            *logger.Logger
}

// Pipeline turns one claimed job into a stored story, optionally with audio.
type Pipeline struct {
	store          StoryStore
	generator      StoryGenerator
	narrator       Narrator
	uploader       AudioUploader
	deadLetters    DeadLetterSink
	retry          RetryPolicy
	maxJobAttempts int
	log            *logger.Logger
	now            func() time.Time
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	log := deps.Log
	if log == nil {
		log = logger.Nop()
	}
	maxAttempts := deps.MaxJobAttempts
	if maxAttempts < 1 {
		maxAttempts = 5
	}
	return &Pipeline{
		store:          deps.Store,
		generator:      deps.Generator,
		narrator:       deps.Narrator,
		uploader:       deps.Uploader,
		deadLetters:    deps.DeadLetters,
		retry:          deps.Retry,
		maxJobAttempts: maxAttempts,
		log:            log,
		now:            time.Now,
	}
}

type ProcessOptions struct {
	GenerateAudio bool
}

// ProcessResult reports one job. Error carries the stage error when Success is false.
type ProcessResult struct {
	ScenarioSlug string
	Success      bool
	Error        string
	StoryID      string
	AudioURL     string
	PhraseCount  int
}

type stageOutput struct {
	storyID     string
	audioURL    string
	phraseCount int
}

// Process runs every stage for job and records the outcome on the job row.
// A stage failure is reported in the result, not as an error; the returned
// error is reserved for outcomes that could not be recorded and for missing
// configuration, which would fail every remaining job the same way.
func (p *Pipeline) Process(ctx context.Context, job models.ClaimedJob, opts ProcessOptions) (ProcessResult, error) {
	log := p.log.With(
		"job_id", job.JobID,
		"scenario_slug", job.Scenario.Slug,
		"lock_id", job.LockID,
		"attempt", job.AttemptCount,
	)
	res := ProcessResult{ScenarioSlug: job.Scenario.Slug}
	log.Info("generating story", "with_audio", opts.GenerateAudio)

	out, stageErr := p.run(ctx, log, job, opts)

	// Outcomes are recorded even when the batch context has been cancelled.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if stageErr == nil {
		res.Success = true
		res.StoryID = out.storyID
		res.AudioURL = out.audioURL
		res.PhraseCount = out.phraseCount
		if err := p.store.MarkJobSucceeded(fctx, job.JobID, job.LockID); err != nil {
			if errors.Is(err, store.ErrLockLost) {
				log.Warn("lock lost before success was recorded")
				return res, nil
			}
			return res, fmt.Errorf("record success for %s: %w", job.Scenario.Slug, err)
		}
		telemetry.JobsSucceeded.Inc()
		log.Info("story generated", "story_id", out.storyID, "key_phrases", out.phraseCount, "audio_url", out.audioURL)
		return res, nil
	}

	res.Error = stageErr.Error()
	telemetry.JobsFailed.Inc()
	log.Error("story generation failed", "error", stageErr)

	if err := p.store.MarkJobFailed(fctx, job.JobID, job.LockID, res.Error); err != nil {
		if !errors.Is(err, store.ErrLockLost) {
			return res, fmt.Errorf("record failure for %s: %w (job error: %v)", job.Scenario.Slug, err, stageErr)
		}
		log.Warn("lock lost before failure was recorded")
	} else if job.AttemptCount >= p.maxJobAttempts {
		p.deadLetter(fctx, log, job, res.Error)
	}

	if errors.Is(stageErr, config.ErrNotConfigured) {
		return res, stageErr
	}
	return res, nil
}

func (p *Pipeline) run(ctx context.Context, log *logger.Logger, job models.ClaimedJob, opts ProcessOptions) (stageOutput, error) {
	var out stageOutput
	sc := job.Scenario
	if p.generator == nil {
		return out, fmt.Errorf("story generator: %w", config.ErrNotConfigured)
	}

	started := time.Now()
	story, err := withRetries(ctx, p.retry, log, "story", func(ctx context.Context) (*models.GeneratedStory, error) {
		return p.generator.GenerateStory(ctx, sc)
	})
	observeStage("story", started)
	if err != nil {
		return out, fmt.Errorf("generate story: %w", err)
	}

	started = time.Now()
	storyID, err := p.store.UpsertStoryWithVocabulary(ctx, sc.ID, sc.Slug, models.StoryContent{
		Title: story.Title,
		Body:  story.BodyMarkdown,
	}, story.KeyPhrases)
	observeStage("save", started)
	if err != nil {
		return out, fmt.Errorf("save story: %w", err)
	}
	out.storyID = storyID
	out.phraseCount = len(story.KeyPhrases)

	if !opts.GenerateAudio {
		return out, nil
	}
	if p.narrator == nil || p.uploader == nil {
		return out, fmt.Errorf("audio generation: %w", config.ErrNotConfigured)
	}

	started = time.Now()
	audio, err := withRetries(ctx, p.retry, log, "speech", func(ctx context.Context) ([]byte, error) {
		return p.narrator.Synthesize(ctx, story.BodyMarkdown)
	})
	observeStage("speech", started)
	if err != nil {
		return out, fmt.Errorf("generate audio: %w", err)
	}

	started = time.Now()
	url, err := p.uploader.UploadAudio(ctx, sc.Slug, audio)
	observeStage("upload", started)
	if err != nil {
		return out, fmt.Errorf("upload audio: %w", err)
	}
	if err := p.store.UpdateStoryAudioURL(ctx, sc.ID, url); err != nil {
		return out, fmt.Errorf("save audio url: %w", err)
	}
	out.audioURL = url
	return out, nil
}

func (p *Pipeline) deadLetter(ctx context.Context, log *logger.Logger, job models.ClaimedJob, msg string) {
	telemetry.JobsDeadLettered.Inc()
	log.Warn("job used its last attempt", "max_attempts", p.maxJobAttempts)
	if err := p.store.AppendAudit(ctx, job.JobID, "dead_letter", msg); err != nil {
		log.Warn("dead letter audit not recorded", "error", err)
	}
	if p.deadLetters == nil {
		return
	}
	err := p.deadLetters.Push(ctx, queue.DeadLetter{
		JobID:        job.JobID,
		ScenarioSlug: job.Scenario.Slug,
		Attempts:     job.AttemptCount,
		Error:        msg,
		RecordedAt:   p.now().UTC(),
	})
	if err != nil {
		log.Warn("dead letter not recorded", "error", err)
	}
}

func observeStage(stage string, started time.Time) {
	telemetry.StageDuration.WithLabelValues(stage).Observe(time.Since(started).Seconds())
}
