package main

import (
	"github.com/spf13/cobra"

	"story-pipeline/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(_ *cobra.Command, _ []string) error {
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
		return err
	}
	appLog.Info("schema up to date")
	return nil
}
