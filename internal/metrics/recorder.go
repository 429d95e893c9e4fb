// Package metrics accounts for every execution run: tokens, cost, duration
// and outcome, persisted once per run.
package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"healrun/internal/classify"
	"healrun/internal/cost"
	"healrun/internal/db"
	"healrun/internal/observability"
)

// ErrAlreadyFinalized is returned by a second Finish on the same run.
var ErrAlreadyFinalized = errors.New("metrics: run already finalized")

// Sink persists finalized runs. *db.Store satisfies it.
type Sink interface {
	InsertExecutionMetrics(ctx context.Context, m db.ExecutionMetrics) error
}

// Recorder opens runs and prices their usage.
type Recorder struct {
	sink  Sink
	rates cost.Table
	now   func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(sink Sink, rates cost.Table, opts ...Option) *Recorder {
	if rates == nil {
		rates = cost.DefaultRates
	}
	r := &Recorder{sink: sink, rates: rates, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Begin starts the clock on a new run for jobID.
func (r *Recorder) Begin(jobID, provider string) *Run {
	return &Run{
		rec:      r,
		id:       uuid.NewString(),
		jobID:    jobID,
		provider: provider,
		started:  r.now(),
	}
}

// Run accumulates usage for one execution and is finalized exactly once.
type Run struct {
	rec      *Recorder
	id       string
	jobID    string
	provider string
	started  time.Time

	mu        sync.Mutex
	usage     cost.Usage
	costUSD   float64
	selfHeal  int
	finalized bool
	record    db.ExecutionMetrics
}

func (r *Run) ID() string { return r.id }

// AddUsage adds u to the running totals and reprices them. It returns the
// new totals.
func (r *Run) AddUsage(u cost.Usage) (cost.Usage, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usage = r.usage.Add(u)
	r.costUSD = r.rec.rates.Calculate(r.provider, r.usage)
	return r.usage, r.costUSD
}

// SetSelfHealAttempts records how many fix attempts the run has made.
func (r *Run) SetSelfHealAttempts(n int) {
	r.mu.Lock()
	r.selfHeal = n
	r.mu.Unlock()
}

// Usage returns the accumulated token counts and cost.
func (r *Run) Usage() (cost.Usage, float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usage, r.costUSD
}

// Finish stamps the end time and outcome and writes the record. Only the
// first call writes; later calls return the first record and
// ErrAlreadyFinalized. A failed run without a category is recorded as
// unknown.
func (r *Run) Finish(ctx context.Context, success bool, category, message string) (db.ExecutionMetrics, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return r.record, ErrAlreadyFinalized
	}
	r.finalized = true

	ended := r.rec.now()
	if success {
		category, message = "", ""
	} else if strings.TrimSpace(category) == "" {
		category = classify.Unknown
	}
	duration := ended.Sub(r.started)
	if duration < 0 {
		duration = 0
	}

	r.record = db.ExecutionMetrics{
		RunID:            r.id,
		JobID:            r.jobID,
		Provider:         r.provider,
		StartedAt:        db.FormatTime(r.started),
		EndedAt:          db.FormatTime(ended),
		DurationMS:       duration.Milliseconds(),
		InputTokens:      r.usage.InputTokens,
		OutputTokens:     r.usage.OutputTokens,
		CachedTokens:     r.usage.CachedTokens,
		CostUSD:          r.costUSD,
		SelfHealAttempts: r.selfHeal,
		Success:          success,
		ErrorCategory:    category,
		ErrorMessage:     message,
	}

	outcome := "failed"
	if success {
		outcome = "succeeded"
	}
	observability.RunsFinished.WithLabelValues(outcome, category).Inc()
	observability.RunDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	observability.RunCost.WithLabelValues(r.provider).Add(r.costUSD)

	if err := r.rec.sink.InsertExecutionMetrics(ctx, r.record); err != nil {
		return r.record, err
	}
	return r.record, nil
}
