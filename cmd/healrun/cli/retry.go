package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var retryNotes string

var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a failed job",
	Args:  cobra.ExactArgs(1),
	RunE:  runRetry,
}

func init() {
	retryCmd.Flags().StringVarP(&retryNotes, "notes", "n", "", "Notes or guidance for the retry")
	rootCmd.AddCommand(retryCmd)
}

func runRetry(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	q, store, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	jobID, err := resolveJob(cmd.Context(), store, args[0])
	if err != nil {
		return err
	}
	job, err := q.Requeue(cmd.Context(), jobID, retryNotes)
	if err != nil {
		return fmt.Errorf("retry %s: %w", jobID, err)
	}

	if jsonOut {
		printJSON(cmd.OutOrStdout(), map[string]any{"job_id": job.ID, "status": job.Status, "notes": job.Notes})
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %s reset to %s.\n", job.ID, job.Status)
	return nil
}
