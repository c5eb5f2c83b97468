package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"

	"story-pipeline/internal/config"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/queue"
	"story-pipeline/internal/store"
	"story-pipeline/internal/telemetry"
	workerproc "story-pipeline/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log = log.With("service", "scheduler")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := cfg.RequireDatabase(); err != nil {
		log.Fatal("database not configured", "error", err)
	}
	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		log.Fatal("migrations", "error", err)
	}
	st, err := store.Open(ctx, cfg)
	if err != nil {
		log.Fatal("connect postgres", "error", err)
	}
	defer st.Close()

	redisClient := queue.NewClient(cfg)
	defer redisClient.Close()
	deadLetters := queue.NewDeadLetters(redisClient, cfg.DeadLetterKey)

	processor, err := workerproc.NewProcessorFromConfig(ctx, cfg, st, deadLetters, log)
	if err != nil {
		log.Fatal("build processor", "error", err)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", "error", err)
		}
	}()

	scheduler := cron.New(cron.WithChain(
		cron.Recover(cronLogger{log}),
		cron.SkipIfStillRunning(cronLogger{log}),
	))
	_, err = scheduler.AddFunc(cfg.CronSchedule, func() {
		res, err := processor.RunBatch(ctx, workerproc.RunOptions{
			Limit:         cfg.CronMaxLimit,
			GenerateAudio: cfg.GenerateAudio,
			LockPrefix:    "cron",
		})
		if err != nil {
			log.Error("scheduled batch failed", "error", err)
			return
		}
		if counts, err := st.JobStatusCounts(ctx); err == nil {
			telemetry.RecordStatusCounts(counts)
		}
		log.Info("scheduled batch done", "created", res.NewJobsCreated, "succeeded", res.Succeeded, "failed", res.Failed)
	})
	if err != nil {
		log.Fatal("invalid CRON_SCHEDULE", "schedule", cfg.CronSchedule, "error", err)
	}

	log.Info("scheduler started", "schedule", cfg.CronSchedule, "limit", cfg.CronMaxLimit, "with_audio", cfg.GenerateAudio)
	scheduler.Start()

	<-ctx.Done()
	log.Info("stopping scheduler")
	<-scheduler.Stop().Done()
}

// cronLogger adapts the structured logger to cron.Logger.
type cronLogger struct{ log *logger.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Error(msg, append(keysAndValues, "error", err)...)
}
