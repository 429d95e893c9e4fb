package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrMetricsExists is returned when a run id already has a metrics row.
var ErrMetricsExists = errors.New("execution metrics already recorded for run")

// ExecutionMetrics is the accounting row written once per run.
type ExecutionMetrics struct {
	RunID            string  `db:"run_id" json:"run_id"`
	JobID            string  `db:"job_id" json:"job_id"`
	Provider         string  `db:"provider" json:"provider"`
	StartedAt        string  `db:"started_at" json:"started_at"`
	EndedAt          string  `db:"ended_at" json:"ended_at"`
	DurationMS       int64   `db:"duration_ms" json:"duration_ms"`
	InputTokens      int64   `db:"input_tokens" json:"input_tokens"`
	OutputTokens     int64   `db:"output_tokens" json:"output_tokens"`
	CachedTokens     int64   `db:"cached_tokens" json:"cached_tokens"`
	CostUSD          float64 `db:"cost_usd" json:"cost_usd"`
	SelfHealAttempts int     `db:"self_heal_attempts" json:"self_heal_attempts"`
	Success          bool    `db:"success" json:"success"`
	ErrorCategory    string  `db:"error_category" json:"error_category,omitempty"`
	ErrorMessage     string  `db:"error_message" json:"error_message,omitempty"`
}

// InsertExecutionMetrics writes m. A second insert for the same run id fails
// with ErrMetricsExists.
func (s *Store) InsertExecutionMetrics(ctx context.Context, m ExecutionMetrics) error {
	success := 0
	if m.Success {
		success = 1
	}
	_, err := s.Writer.ExecContext(ctx, `
INSERT INTO execution_metrics(
    run_id, job_id, provider, started_at, ended_at, duration_ms,
    input_tokens, output_tokens, cached_tokens, cost_usd,
    self_heal_attempts, success, error_category, error_message
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.RunID, m.JobID, m.Provider, m.StartedAt, m.EndedAt, m.DurationMS,
		m.InputTokens, m.OutputTokens, m.CachedTokens, m.CostUSD,
		m.SelfHealAttempts, success, m.ErrorCategory, trimMessage(m.ErrorMessage))
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) &&
			(sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique) {
			return fmt.Errorf("%w: %s", ErrMetricsExists, m.RunID)
		}
		return fmt.Errorf("insert execution metrics %s: %w", m.RunID, err)
	}
	return nil
}

// ListExecutionMetrics returns rows for jobID (all jobs when empty), newest
// first.
func (s *Store) ListExecutionMetrics(ctx context.Context, jobID string, limit int) ([]ExecutionMetrics, error) {
	q := `
SELECT run_id, job_id, provider, started_at, ended_at, duration_ms,
       input_tokens, output_tokens, cached_tokens, cost_usd,
       self_heal_attempts, success, error_category, error_message
FROM execution_metrics`
	var args []any
	if jobID != "" {
		q += ` WHERE job_id = ?`
		args = append(args, jobID)
	}
	q += ` ORDER BY started_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	out := []ExecutionMetrics{}
	if err := s.rx.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list execution metrics: %w", err)
	}
	return out, nil
}

// MetricsAggregate holds raw totals over a window of runs.
type MetricsAggregate struct {
	TotalRuns       int     `db:"total_runs"`
	Completed       int     `db:"completed"`
	Failed          int     `db:"failed"`
	TotalCost       float64 `db:"total_cost"`
	AvgDurationMS   float64 `db:"avg_duration_ms"`
	TotalTokens     int64   `db:"total_tokens"`
	ErrorCategories map[string]int
}

// AggregateExecutionMetrics totals runs started at or after since. A zero
// since covers every run.
func (s *Store) AggregateExecutionMetrics(ctx context.Context, since time.Time) (MetricsAggregate, error) {
	from := ""
	if !since.IsZero() {
		from = FormatTime(since)
	}

	var agg MetricsAggregate
	if err := s.rx.GetContext(ctx, &agg, `
SELECT COUNT(*) AS total_runs,
       COALESCE(SUM(success), 0) AS completed,
       COALESCE(SUM(1 - success), 0) AS failed,
       COALESCE(SUM(cost_usd), 0.0) AS total_cost,
       COALESCE(AVG(duration_ms), 0.0) AS avg_duration_ms,
       COALESCE(SUM(input_tokens + output_tokens + cached_tokens), 0) AS total_tokens
FROM execution_metrics
WHERE started_at >= ?`, from); err != nil {
		return MetricsAggregate{}, fmt.Errorf("aggregate execution metrics: %w", err)
	}

	var rows []countRow
	if err := s.rx.SelectContext(ctx, &rows, `
SELECT CASE WHEN error_category = '' THEN 'unknown' ELSE error_category END AS k,
       COUNT(*) AS n
FROM execution_metrics
WHERE started_at >= ? AND success = 0
GROUP BY k`, from); err != nil {
		return MetricsAggregate{}, fmt.Errorf("aggregate error categories: %w", err)
	}
	agg.ErrorCategories = make(map[string]int, len(rows))
	for _, r := range rows {
		agg.ErrorCategories[r.Key] = r.Count
	}
	return agg, nil
}

// PruneExecutionMetrics deletes rows that ended before now-olderThan.
func (s *Store) PruneExecutionMetrics(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	cutoff := FormatTime(time.Now().Add(-olderThan))
	res, err := s.Writer.ExecContext(ctx, `DELETE FROM execution_metrics WHERE ended_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune execution metrics: %w", err)
	}
	return res.RowsAffected()
}
