package metrics

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"healrun/internal/db"
)

// Querier aggregates persisted runs. *db.Store satisfies it.
type Querier interface {
	AggregateExecutionMetrics(ctx context.Context, since time.Time) (db.MetricsAggregate, error)
}

// Summary is the metrics report over a time window.
type Summary struct {
	Window          string         `json:"window"`
	TotalRuns       int            `json:"total_runs"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	SuccessRate     float64        `json:"success_rate"`
	TotalCost       float64        `json:"total_cost"`
	AvgDuration     float64        `json:"avg_duration"`
	TotalTokens     int64          `json:"total_tokens"`
	ErrorCategories map[string]int `json:"error_categories"`
}

// ParseWindow reads a window as a whole number of hours ("24"), a Go
// duration ("90m"), or "all"/"" for no bound (returned as 0).
func ParseWindow(s string) (time.Duration, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if v == "" || v == "all" {
		return 0, nil
	}
	if h, err := strconv.Atoi(v); err == nil {
		if h <= 0 {
			return 0, fmt.Errorf("window must be positive, got %q", s)
		}
		return time.Duration(h) * time.Hour, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid window %q (want hours, a duration or \"all\")", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive, got %q", s)
	}
	return d, nil
}

// Summarize reports runs started within window before now. A zero window
// covers all runs. SuccessRate is completed/total in [0,1]; AvgDuration is
// in seconds.
func Summarize(ctx context.Context, q Querier, window time.Duration, now time.Time) (Summary, error) {
	var since time.Time
	label := "all"
	if window > 0 {
		since = now.Add(-window)
		label = window.String()
	}

	agg, err := q.AggregateExecutionMetrics(ctx, since)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize metrics: %w", err)
	}

	s := Summary{
		Window:          label,
		TotalRuns:       agg.TotalRuns,
		Completed:       agg.Completed,
		Failed:          agg.Failed,
		TotalCost:       round(agg.TotalCost, 6),
		AvgDuration:     round(agg.AvgDurationMS/1000, 3),
		TotalTokens:     agg.TotalTokens,
		ErrorCategories: agg.ErrorCategories,
	}
	if s.ErrorCategories == nil {
		s.ErrorCategories = map[string]int{}
	}
	if agg.TotalRuns > 0 {
		s.SuccessRate = round(float64(agg.Completed)/float64(agg.TotalRuns), 4)
	}
	return s, nil
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
