package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"healrun/internal/config"
	"healrun/internal/httputil"
	"healrun/internal/ratelimit"
)

var limitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "Show rate limiter buckets from the running daemon",
	RunE:  runLimits,
}

func init() {
	rootCmd.AddCommand(limitsCmd)
}

type limitsView struct {
	Live    bool                    `json:"live"`
	Buckets []ratelimit.BucketState `json:"buckets"`
}

func runLimits(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	view := limitsView{Live: true}
	view.Buckets, err = fetchLimits(cmd.Context(), cfg)
	if err != nil {
		// Daemon down: show the configured buckets as if full.
		view.Live = false
		view.Buckets = configuredLimits(cfg)
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		printJSON(out, view)
		return nil
	}
	renderLimits(out, view)
	return nil
}

func fetchLimits(ctx context.Context, cfg *config.Config) ([]ratelimit.BucketState, error) {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	url := "http://" + cfg.Daemon.IntakeAddr + "/stats/limits"
	resp, err := httputil.Do(ctx, nil, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}, httputil.Policy{Attempts: 1})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &httputil.StatusError{StatusCode: resp.StatusCode}
	}
	var buckets []ratelimit.BucketState
	if err := json.NewDecoder(resp.Body).Decode(&buckets); err != nil {
		return nil, fmt.Errorf("decode limits: %w", err)
	}
	return buckets, nil
}

func configuredLimits(cfg *config.Config) []ratelimit.BucketState {
	out := make([]ratelimit.BucketState, 0, len(cfg.RateLimits))
	for _, rl := range cfg.RateLimits {
		out = append(out, ratelimit.BucketState{
			Service:    rl.Service,
			Capacity:   rl.Capacity,
			RefillRate: rl.RefillRate,
			Tokens:     rl.Capacity,
		})
	}
	return out
}

func renderLimits(out io.Writer, view limitsView) {
	title := "Rate limits"
	if !view.Live {
		title += " (daemon not reachable; configured values)"
	}
	fmt.Fprintln(out, titleStyle.Render(title))
	rows := make([][]string, 0, len(view.Buckets))
	for _, b := range view.Buckets {
		rows = append(rows, []string{
			b.Service,
			fmt.Sprintf("%.2f", b.Tokens),
			fmt.Sprintf("%g", b.Capacity),
			fmt.Sprintf("%g/s", b.RefillRate),
		})
	}
	fmt.Fprint(out, table([]int{12, 8, 8, 10}, []string{"SERVICE", "TOKENS", "CAPACITY", "REFILL"}, rows))
}
