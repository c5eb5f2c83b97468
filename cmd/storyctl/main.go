package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"story-pipeline/internal/config"
	"story-pipeline/internal/logger"
	"story-pipeline/internal/store"
)

var (
	cfg    config.Config
	appLog *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:           "storyctl",
	Short:         "Operate the story generation pipeline",
	Long:          `Seed the scenario catalog, apply migrations, inspect the job queue and run generation batches from a shell.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		if cfg, err = config.Load(); err != nil {
			return err
		}
		if appLog, err = logger.New(cfg.Env); err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		appLog = appLog.With("service", "storyctl", "command", cmd.Name())
		return nil
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if appLog != nil {
			appLog.Sync()
		}
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, seedCmd, peekCmd, runCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "storyctl: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// openStore connects to Postgres; callers close the store.
func openStore(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return st, nil
}
