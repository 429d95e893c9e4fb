package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Pruner deletes old rows. *db.Store satisfies it.
type Pruner interface {
	PruneExecutionMetrics(ctx context.Context, olderThan time.Duration) (int64, error)
	DeleteOldNotificationEvents(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Retention holds how long metrics rows and delivered notification events
// are kept. A zero duration keeps rows forever.
type Retention struct {
	Metrics       time.Duration
	Notifications time.Duration
}

// Enabled reports whether any kind of row is ever pruned.
func (r Retention) Enabled() bool {
	return r.Metrics > 0 || r.Notifications > 0
}

// prune runs one retention pass.
func prune(ctx context.Context, p Pruner, r Retention) error {
	runs, err := p.PruneExecutionMetrics(ctx, r.Metrics)
	if err != nil {
		return err
	}
	events, err := p.DeleteOldNotificationEvents(ctx, r.Notifications)
	if err != nil {
		return err
	}
	if runs > 0 || events > 0 {
		slog.Info("retention: pruned", "metrics_rows", runs, "notification_events", events)
	}
	return nil
}

// newRetentionCron schedules prune on spec (standard five-field cron or a
// descriptor such as @daily). The returned scheduler is not started.
func newRetentionCron(ctx context.Context, spec string, p Pruner, r Retention) (*cron.Cron, error) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	_, err := c.AddFunc(spec, func() {
		if err := prune(ctx, p, r); err != nil && ctx.Err() == nil {
			slog.Warn("retention: prune failed", "err", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule retention %q: %w", spec, err)
	}
	return c, nil
}
