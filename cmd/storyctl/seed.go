package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"story-pipeline/internal/catalog"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the scenario catalog into the database",
	Long: `Upsert categories, places and scenarios from a YAML catalog file.
Seeding the same file twice changes nothing. Jobs for new scenarios are queued
by the next batch run.`,
	Args: cobra.NoArgs,
	RunE: runSeed,
}

var seedFile string

func init() {
	seedCmd.Flags().StringVarP(&seedFile, "file", "f", "catalog.yaml", "Catalog file (category -> place -> seed texts)")
}

func runSeed(cmd *cobra.Command, _ []string) error {
	seeds, err := catalog.Load(seedFile)
	if err != nil {
		return err
	}
	if len(seeds) == 0 {
		return fmt.Errorf("%s: no scenarios found", seedFile)
	}

	st, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()

	written, err := st.SeedCatalog(cmd.Context(), seeds)
	if err != nil {
		return err
	}
	appLog.Info("catalog seeded", "file", seedFile, "scenarios", written)
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d scenarios from %s\n", written, seedFile)
	return nil
}
