package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"healrun/internal/notify"
)

var notifyTestRepo string

var notifyCmd = &cobra.Command{
	Use:   "notify",
	Short: "Work with outcome notification channels",
}

var notifyTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a sample failed-job notification to every configured channel",
	Args:  cobra.NoArgs,
	RunE:  runNotifyTest,
}

func init() {
	notifyTestCmd.Flags().StringVar(&notifyTestRepo, "repo", "", "repository key shown in the sample payload")
	notifyCmd.AddCommand(notifyTestCmd)
	rootCmd.AddCommand(notifyCmd)
}

type notifyTestOutput struct {
	Success bool                   `json:"success"`
	Results []notify.ChannelResult `json:"results"`
	Error   string                 `json:"error,omitempty"`
}

func runNotifyTest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	payload := notify.TestPayload()
	if notifyTestRepo != "" {
		payload.RepoKey = notifyTestRepo
		payload.IssueRef = notifyTestRepo + "#1"
	}

	results, err := notify.SendTest(cmd.Context(), notify.BuildSenders(cfg.Notifications, nil), payload, 5*time.Second)
	out := cmd.OutOrStdout()
	if jsonOut {
		view := notifyTestOutput{Success: err == nil, Results: results}
		if err != nil {
			view.Error = err.Error()
		}
		printJSON(out, view)
		return err
	}

	for _, r := range results {
		switch {
		case r.Success:
			fmt.Fprintf(out, "%s %s\n", cell(labelStyle, r.Channel, 10), statusStyle["succeeded"].Render("ok"))
		case r.Error != "":
			fmt.Fprintf(out, "%s %s %s\n", cell(labelStyle, r.Channel, 10), statusStyle["failed"].Render("failed"), dimStyle.Render(r.Error))
		default:
			fmt.Fprintf(out, "%s %s\n", cell(labelStyle, r.Channel, 10), statusStyle["failed"].Render("failed"))
		}
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Notification test succeeded.")
	return nil
}
