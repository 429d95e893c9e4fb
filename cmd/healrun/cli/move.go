package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var moveClear bool

var moveCmd = &cobra.Command{
	Use:   "move <job-id> [position]",
	Short: "Pin a pending job to a manual queue position",
	Long:  "Pin a pending job to a manual queue position. Pinned jobs are claimed before all others, lowest position first. Use --clear to return the job to computed order.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runMove,
}

func init() {
	moveCmd.Flags().BoolVar(&moveClear, "clear", false, "remove the manual position")
	rootCmd.AddCommand(moveCmd)
}

func runMove(cmd *cobra.Command, args []string) error {
	var pos *int64
	switch {
	case moveClear && len(args) == 2:
		return fmt.Errorf("--clear cannot be combined with a position")
	case !moveClear && len(args) != 2:
		return fmt.Errorf("a position is required unless --clear is set")
	case !moveClear:
		n, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid position %q; expected an integer >= 0", args[1])
		}
		pos = &n
	}

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
	if err := q.Move(cmd.Context(), jobID, pos); err != nil {
		return fmt.Errorf("move %s: %w", jobID, err)
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		printJSON(out, map[string]any{"job_id": jobID, "manual_position": pos})
		return nil
	}
	if pos == nil {
		fmt.Fprintf(out, "Job %s returned to computed order.\n", jobID)
		return nil
	}
	fmt.Fprintf(out, "Job %s pinned at position %d.\n", jobID, *pos)
	return nil
}
