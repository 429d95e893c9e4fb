package cli

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"healrun/internal/cost"
	"healrun/internal/db"
	"healrun/internal/metrics"
)

var (
	metricsWindow string
	metricsJob    string
	metricsLimit  int
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Summarize execution runs: success rate, cost, duration, failures",
	RunE:  runMetrics,
}

func init() {
	metricsCmd.Flags().StringVarP(&metricsWindow, "window", "w", "24", "window in hours, a duration like 90m, or all")
	metricsCmd.Flags().StringVar(&metricsJob, "job", "", "list individual runs for one job instead")
	metricsCmd.Flags().IntVar(&metricsLimit, "limit", 20, "maximum runs listed with --job")
	rootCmd.AddCommand(metricsCmd)
}

func runMetrics(cmd *cobra.Command, args []string) error {
	window, err := metrics.ParseWindow(metricsWindow)
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

	out := cmd.OutOrStdout()
	if metricsJob != "" {
		jobID, err := resolveJob(cmd.Context(), store, metricsJob)
		if err != nil {
			return err
		}
		runs, err := store.ListExecutionMetrics(cmd.Context(), jobID, metricsLimit)
		if err != nil {
			return err
		}
		if jsonOut {
			printJSON(out, runs)
			return nil
		}
		renderRuns(out, jobID, runs)
		return nil
	}

	sum, err := metrics.Summarize(cmd.Context(), store, window, time.Now())
	if err != nil {
		return err
	}
	if jsonOut {
		printJSON(out, sum)
		return nil
	}
	renderSummary(out, sum)
	return nil
}

func renderSummary(out io.Writer, sum metrics.Summary) {
	fmt.Fprintln(out, titleStyle.Render("Execution metrics ("+sum.Window+")"))
	fmt.Fprintln(out, kv("runs", fmt.Sprintf("%d", sum.TotalRuns)))
	fmt.Fprintln(out, kv("completed", fmt.Sprintf("%d", sum.Completed)))
	fmt.Fprintln(out, kv("failed", fmt.Sprintf("%d", sum.Failed)))
	fmt.Fprintln(out, kv("success rate", fmt.Sprintf("%.1f%%", sum.SuccessRate*100)))
	fmt.Fprintln(out, kv("total cost", cost.FormatUSD(sum.TotalCost)))
	fmt.Fprintln(out, kv("avg duration", fmt.Sprintf("%.1fs", sum.AvgDuration)))
	fmt.Fprintln(out, kv("tokens", fmt.Sprintf("%d", sum.TotalTokens)))

	if len(sum.ErrorCategories) == 0 {
		return
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, titleStyle.Render("Failures by category"))
	cats := make([]string, 0, len(sum.ErrorCategories))
	for c := range sum.ErrorCategories {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, j int) bool {
		if sum.ErrorCategories[cats[i]] != sum.ErrorCategories[cats[j]] {
			return sum.ErrorCategories[cats[i]] > sum.ErrorCategories[cats[j]]
		}
		return cats[i] < cats[j]
	})
	for _, c := range cats {
		fmt.Fprintln(out, kv(c, fmt.Sprintf("%d", sum.ErrorCategories[c])))
	}
}

func renderRuns(out io.Writer, jobID string, runs []db.ExecutionMetrics) {
	if len(runs) == 0 {
		fmt.Fprintf(out, "No runs recorded for %s.\n", jobID)
		return
	}
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		outcome := styledStatus(db.StatusSucceeded, 9)
		if !r.Success {
			outcome = styledStatus(db.StatusFailed, 9)
		}
		rows = append(rows, []string{
			truncate(r.RunID, 8),
			outcome,
			fmt.Sprintf("%d", r.SelfHealAttempts),
			fmt.Sprintf("%.1fs", float64(r.DurationMS)/1000),
			cost.FormatUSD(r.CostUSD),
			fmt.Sprintf("%d/%d", r.InputTokens, r.OutputTokens),
			truncate(r.ErrorCategory, 14),
			r.StartedAt,
		})
	}
	fmt.Fprint(out, table(
		[]int{8, 9, 4, 8, 8, 13, 14, 20},
		[]string{"RUN", "OUTCOME", "HEAL", "TIME", "COST", "TOKENS", "CATEGORY", "STARTED"},
		rows,
	))
}
