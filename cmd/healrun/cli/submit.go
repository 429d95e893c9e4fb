package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"healrun/internal/queue"
)

var (
	submitIssue    string
	submitRepo     string
	submitTitle    string
	submitLabels   []string
	submitPriority string
	submitPosition int64
	submitNotes    string
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Queue a fix job",
	Long:  "Queue a fix job directly in the database. A running daemon picks it up on its next poll.",
	RunE:  runSubmit,
}

func init() {
	submitCmd.Flags().StringVar(&submitIssue, "issue", "", "issue reference (required)")
	submitCmd.Flags().StringVar(&submitRepo, "repo", "", "repository key (required)")
	submitCmd.Flags().StringVar(&submitTitle, "title", "", "issue title")
	submitCmd.Flags().StringSliceVarP(&submitLabels, "label", "l", nil, "issue label (repeatable)")
	submitCmd.Flags().StringVarP(&submitPriority, "priority", "p", "", "urgent, high, normal or low (default: from rules)")
	submitCmd.Flags().Int64Var(&submitPosition, "position", 0, "manual queue position; claimed before computed order")
	submitCmd.Flags().StringVarP(&submitNotes, "notes", "n", "", "notes passed to code generation")
	_ = submitCmd.MarkFlagRequired("issue")
	_ = submitCmd.MarkFlagRequired("repo")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	q, store, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	sub := queue.Submission{
		IssueRef: submitIssue,
		RepoKey:  submitRepo,
		Title:    submitTitle,
		Labels:   submitLabels,
		Priority: submitPriority,
		Notes:    submitNotes,
	}
	if cmd.Flags().Changed("position") {
		if submitPosition < 0 {
			return fmt.Errorf("invalid --position %d; expected >= 0", submitPosition)
		}
		pos := submitPosition
		sub.Position = &pos
	}

	job, err := q.Enqueue(cmd.Context(), sub)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		printJSON(out, map[string]any{
			"job_id":         job.ID,
			"priority":       job.Priority.String(),
			"queue_position": job.QueuePosition,
		})
		return nil
	}
	fmt.Fprintf(out, "Queued %s (%s priority, position %d).\n", job.ID, job.Priority, job.QueuePosition)
	return nil
}
