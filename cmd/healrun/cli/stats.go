package cli

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"healrun/internal/db"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue counts and held repository locks",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	q, store, err := openQueue(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := q.Stats(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if jsonOut {
		printJSON(out, stats)
		return nil
	}
	renderQueueStats(out, stats)
	return nil
}

var statusOrder = []string{
	db.StatusPending, db.StatusClaimed, db.StatusRunning,
	db.StatusRetrying, db.StatusSucceeded, db.StatusFailed,
}

func renderQueueStats(out io.Writer, stats db.QueueStats) {
	fmt.Fprintln(out, titleStyle.Render("Queue"))
	for _, s := range statusOrder {
		fmt.Fprintln(out, kv(s, fmt.Sprintf("%d", stats.ByStatus[s])))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Open by priority"))
	for _, p := range []db.Priority{db.PriorityUrgent, db.PriorityHigh, db.PriorityNormal, db.PriorityLow} {
		fmt.Fprintln(out, kv(p.String(), fmt.Sprintf("%d", stats.ByPriority[p.String()])))
	}

	if len(stats.ByRepo) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, titleStyle.Render("Open by repository"))
		repos := make([]string, 0, len(stats.ByRepo))
		for r := range stats.ByRepo {
			repos = append(repos, r)
		}
		sort.Strings(repos)
		for _, r := range repos {
			fmt.Fprintln(out, kv(truncate(r, 15), fmt.Sprintf("%d", stats.ByRepo[r])))
		}
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Repository locks"))
	if len(stats.Locks) == 0 {
		fmt.Fprintln(out, dimStyle.Render("none"))
		return
	}
	rows := make([][]string, 0, len(stats.Locks))
	for _, l := range stats.Locks {
		rows = append(rows, []string{truncate(l.RepoKey, 24), db.ShortID(l.JobID), truncate(l.WorkerID, 12), l.AcquiredAt})
	}
	fmt.Fprint(out, table([]int{24, 8, 12, 20}, []string{"REPO", "JOB", "WORKER", "SINCE"}, rows))
}
