package worker

import (
	"context"
	"fmt"

	"story-pipeline/internal/config"
	"story-pipeline/internal/llm"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/storage"
	"story-pipeline/internal/store"
)

// NewProcessorFromConfig builds the batch processor on top of st with the
// text, speech and audio storage clients configured in cfg. dead may be nil.
func NewProcessorFromConfig(ctx context.Context, cfg config.Config, st *store.Store, dead DeadLetterSink, log *logger.Logger) (*Processor, error) {
	audio, err := storage.NewAudioStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("audio storage: %w", err)
	}
	pipeline := NewPipeline(PipelineDeps{
		Store:          st,
		Generator:      llm.NewStoryClient(cfg, log),
		Narrator:       llm.NewSpeechClient(cfg, log),
		Uploader:       audio,
		DeadLetters:    dead,
		Retry:          RetryPolicyFromConfig(cfg),
		MaxJobAttempts: st.MaxAttempts(),
		Log:            log.With("component", "pipeline"),
	})
	return NewProcessor(st, pipeline, cfg.InterJobDelay, log.With("component", "batch")), nil
}
