package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"healrun/internal/db"
)

const (
	defaultSendTimeout    = 10 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultCleanupEvery   = 6 * time.Hour
	defaultMaxSendAttempt = 5
	// LimiterService is the rate limiter bucket that gates deliveries.
	LimiterService = "notify"
)

// Outbox is the store surface the dispatcher drains. *db.Store satisfies it.
type Outbox interface {
	ClaimNextNotificationEvent(ctx context.Context, maxAttempts int) (db.NotificationEvent, bool, error)
	FinishNotificationEvent(ctx context.Context, id int64, status, reason string) error
	RecoverNotificationEvents(ctx context.Context, maxAttempts int) (recovered, skipped int64, err error)
	GetJob(ctx context.Context, jobID string) (db.Job, error)
}

// Limiter gates deliveries. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Acquire(ctx context.Context, service string, cost float64, timeout time.Duration) error
}

type Dispatcher struct {
	outbox       Outbox
	senders      []Sender
	triggers     map[string]struct{}
	limiter      Limiter
	sendTimeout  time.Duration
	pollEvery    time.Duration
	cleanupEvery time.Duration
	maxAttempts  int
}

func NewDispatcher(outbox Outbox, senders []Sender, triggers []string) *Dispatcher {
	return &Dispatcher{
		outbox:       outbox,
		senders:      senders,
		triggers:     TriggerSet(triggers),
		sendTimeout:  defaultSendTimeout,
		pollEvery:    defaultPollInterval,
		cleanupEvery: defaultCleanupEvery,
		maxAttempts:  defaultMaxSendAttempt,
	}
}

// WithLimiter gates each delivery on the notify bucket.
func (d *Dispatcher) WithLimiter(l Limiter) *Dispatcher {
	d.limiter = l
	return d
}

// WithMaxAttempts bounds deliveries per event; n <= 0 keeps the default.
func (d *Dispatcher) WithMaxAttempts(n int) *Dispatcher {
	if n > 0 {
		d.maxAttempts = n
	}
	return d
}

// Run drains the outbox until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	if d.outbox == nil {
		return
	}
	d.recover(ctx)

	pollTicker := time.NewTicker(d.pollEvery)
	defer pollTicker.Stop()
	cleanupTicker := time.NewTicker(d.cleanupEvery)
	defer cleanupTicker.Stop()

	for {
		processed, err := d.runOnce(ctx)
		if err != nil && ctx.Err() == nil {
			slog.Warn("notify: dispatch failed", "err", err)
		}
		if processed && ctx.Err() == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
		case <-cleanupTicker.C:
			d.recover(ctx)
		}
	}
}

func (d *Dispatcher) recover(ctx context.Context) {
	recovered, skipped, err := d.outbox.RecoverNotificationEvents(ctx, d.maxAttempts)
	if err != nil {
		slog.Warn("notify: recover events failed", "err", err)
		return
	}
	if recovered > 0 || skipped > 0 {
		slog.Info("notify: recovered events", "recovered", recovered, "skipped", skipped)
	}
}

func (d *Dispatcher) runOnce(ctx context.Context) (bool, error) {
	event, ok, err := d.outbox.ClaimNextNotificationEvent(ctx, d.maxAttempts)
	if err != nil || !ok {
		return false, err
	}
	return true, d.processEvent(ctx, event)
}

func (d *Dispatcher) processEvent(ctx context.Context, event db.NotificationEvent) error {
	if len(d.senders) == 0 {
		return d.finish(ctx, event, db.NotificationStatusSkipped, "no notification channels configured")
	}
	if _, ok := d.triggers[event.EventType]; !ok {
		return d.finish(ctx, event, db.NotificationStatusSkipped, "trigger disabled")
	}

	job, err := d.outbox.GetJob(ctx, event.JobID)
	if errors.Is(err, db.ErrJobNotFound) {
		return d.finish(ctx, event, db.NotificationStatusSkipped, "job not found")
	}
	if err != nil {
		_ = d.finish(ctx, event, db.NotificationStatusFailed, err.Error())
		return fmt.Errorf("load job for event %d: %w", event.ID, err)
	}

	if d.limiter != nil {
		if err := d.limiter.Acquire(ctx, LimiterService, 1, d.sendTimeout); err != nil {
			_ = d.finish(ctx, event, db.NotificationStatusFailed, err.Error())
			return fmt.Errorf("event %d: %w", event.ID, err)
		}
	}

	results := SendAll(ctx, d.senders, PayloadForJob(event.EventType, job), d.sendTimeout)
	if anySucceeded(results) {
		for _, r := range results {
			if !r.Success {
				slog.Warn("notify: channel send failed", "channel", r.Channel, "job", db.ShortID(event.JobID), "event", event.EventType, "err", r.Error)
			}
		}
		return d.finish(ctx, event, db.NotificationStatusSent, "")
	}

	summary := summarizeFailures(results)
	if summary == "" {
		summary = "all channels failed"
	}
	if err := d.finish(ctx, event, db.NotificationStatusFailed, summary); err != nil {
		return err
	}
	return fmt.Errorf("send event %d failed: %s", event.ID, summary)
}

func (d *Dispatcher) finish(ctx context.Context, event db.NotificationEvent, status, reason string) error {
	// A cancelled dispatcher still records the outcome of a send it made.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.outbox.FinishNotificationEvent(ctx, event.ID, status, reason); err != nil {
		return fmt.Errorf("mark event %d %s: %w", event.ID, status, err)
	}
	return nil
}
