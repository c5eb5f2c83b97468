package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "story-pipeline/internal/api"
	"story-pipeline/internal/config"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/queue"
	"story-pipeline/internal/ratelimit"
	"story-pipeline/internal/store"
	"story-pipeline/internal/worker"
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
	log = log.With("service", "api")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
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
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	processor, err := worker.NewProcessorFromConfig(ctx, cfg, st, deadLetters, log)
	if err != nil {
		log.Fatal("build processor", "error", err)
	}

	server := api.New(cfg, processor, st, deadLetters, limiter, log)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info("api listening", "port", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown", "error", err)
	}
}
