package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"story-pipeline/internal/models"
)

var peekCmd = &cobra.Command{
	Use:   "peek",
	Short: "Show the next scenario a batch would claim and the job counts",
	Args:  cobra.NoArgs,
	RunE:  runPeek,
}

func runPeek(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	out := cmd.OutOrStdout()
	slug, ok, err := st.PeekNextScenarioSlug(ctx)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(out, "next: %s\n", slug)
	} else {
		fmt.Fprintln(out, "next: (nothing eligible)")
	}

	counts, err := st.JobStatusCounts(ctx)
	if err != nil {
		return err
	}
	for _, status := range models.JobStatuses {
		fmt.Fprintf(out, "%-10s %d\n", status, counts[status])
	}
	return nil
}
