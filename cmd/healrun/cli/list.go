package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"healrun/internal/db"
)

var (
	listStatus string
	listRepo   string
	listLimit  int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs with filters",
	RunE:  runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "all", "filter by status")
	listCmd.Flags().StringVar(&listRepo, "repo", "", "filter by repository key")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum rows (0 for all)")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	status, err := normalizeListStatus(listStatus)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	jobs, err := store.ListJobs(cmd.Context(), status, listRepo, listLimit)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		if jobs == nil {
			jobs = []db.Job{}
		}
		printJSON(out, jobs)
		return nil
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "No jobs found. Run 'hr submit' to queue one.")
		return nil
	}

	rows := make([][]string, 0, len(jobs))
	counts := map[string]int{}
	for _, j := range jobs {
		counts[j.Status]++
		rows = append(rows, []string{
			db.ShortID(j.ID),
			styledStatus(j.Status, 10),
			j.Priority.String(),
			truncate(j.RepoKey, 20),
			fmt.Sprintf("%d", j.Attempts),
			truncate(j.ErrorCategory, 14),
			truncate(jobLabel(j), 40),
		})
	}
	fmt.Fprint(out, table(
		[]int{8, 10, 8, 20, 5, 14, 40},
		[]string{"JOB", "STATUS", "PRIORITY", "REPO", "HEAL", "CATEGORY", "ISSUE"},
		rows,
	))
	fmt.Fprintf(out, "Total: %d jobs (%d pending, %d active, %d succeeded, %d failed)\n",
		len(jobs), counts[db.StatusPending],
		counts[db.StatusClaimed]+counts[db.StatusRunning]+counts[db.StatusRetrying],
		counts[db.StatusSucceeded], counts[db.StatusFailed])
	return nil
}

func jobLabel(j db.Job) string {
	if strings.TrimSpace(j.Title) == "" {
		return j.IssueRef
	}
	return j.IssueRef + " " + j.Title
}

func normalizeListStatus(status string) (string, error) {
	switch status {
	case "all", db.StatusPending, db.StatusClaimed, db.StatusRunning, db.StatusRetrying, db.StatusSucceeded, db.StatusFailed:
		return status, nil
	default:
		return "", fmt.Errorf("invalid --status %q (expected one of: all, pending, claimed, running, retrying, succeeded, failed)", status)
	}
}
