package main

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/spf13/cobra"

	"story-pipeline/internal/queue"
	"story-pipeline/internal/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one generation batch",
	Long: `Reconcile missing jobs, then claim and process jobs one at a time.
Without --limit the batch keeps going until no job is eligible. Exits non-zero
when any job failed.`,
	Args: cobra.NoArgs,
	RunE: runBatch,
}

var (
	runLimit      int
	runDryRun     bool
	runWithAudio  bool
	runLockPrefix string
)

func init() {
	runCmd.Flags().IntVarP(&runLimit, "limit", "n", 0, "Maximum jobs to process (0 drains the queue)")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Claim jobs without generating anything")
	runCmd.Flags().BoolVar(&runWithAudio, "with-audio", false, "Narrate stories and upload the audio")
	runCmd.Flags().StringVar(&runLockPrefix, "lock-prefix", "local", "Prefix for the batch lock id")
}

func runBatch(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	redisClient := queue.NewClient(cfg)
	defer redisClient.Close()
	deadLetters := queue.NewDeadLetters(redisClient, cfg.DeadLetterKey)

	processor, err := worker.NewProcessorFromConfig(ctx, cfg, st, deadLetters, appLog)
	if err != nil {
		return err
	}

	limit := runLimit
	if limit <= 0 {
		limit = math.MaxInt32
	}
	res, runErr := processor.RunBatch(ctx, worker.RunOptions{
		Limit:         limit,
		DryRun:        runDryRun,
		GenerateAudio: runWithAudio,
		LockPrefix:    runLockPrefix,
	})

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if runErr != nil {
		return runErr
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", res.Failed, res.Processed)
	}
	return nil
}
