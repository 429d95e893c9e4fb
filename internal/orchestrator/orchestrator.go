// Package orchestrator drives one job through generate, verify and bounded
// self-heal, and accounts for the run on every exit path.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"healrun/internal/classify"
	"healrun/internal/codegen"
	"healrun/internal/cost"
	"healrun/internal/db"
	"healrun/internal/metrics"
	"healrun/internal/observability"
	"healrun/internal/queue"
	"healrun/internal/verify"
)

// FatalExecutionError is an unexpected failure that ended a run outside the
// self-heal loop: a collaborator error, a store error or a rate limit
// timeout.
type FatalExecutionError struct {
	JobID    string
	Category string
	Err      error
}

func (e *FatalExecutionError) Error() string {
	return fmt.Sprintf("job %s: fatal execution error (%s): %v", e.JobID, e.Category, e.Err)
}

func (e *FatalExecutionError) Unwrap() error { return e.Err }

// JobControl is the slice of the queue the runner drives. *queue.Queue
// satisfies it.
type JobControl interface {
	Start(ctx context.Context, jobID string) error
	BeginFix(ctx context.Context, jobID string) (int, error)
	ResumeAttempt(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID string, outcome queue.Outcome) (db.Job, error)
}

// Limiter gates collaborator calls. *ratelimit.Limiter satisfies it.
type Limiter interface {
	Acquire(ctx context.Context, service string, cost float64, timeout time.Duration) error
}

// Workspaces resolves the directory a job works in.
type Workspaces interface {
	Prepare(repoKey string) (string, error)
}

type Config struct {
	MaxSelfHeal      int
	CodegenService   string
	BuildService     string
	CodegenCost      float64
	BuildCost        float64
	AcquireTimeout   time.Duration
	MaxFailureOutput int
}

func (c Config) withDefaults() Config {
	if c.MaxSelfHeal < 0 {
		c.MaxSelfHeal = 0
	}
	if c.CodegenService == "" {
		c.CodegenService = "codegen"
	}
	if c.BuildService == "" {
		c.BuildService = "build"
	}
	if c.CodegenCost <= 0 {
		c.CodegenCost = 1
	}
	if c.BuildCost <= 0 {
		c.BuildCost = 1
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 2 * time.Minute
	}
	if c.MaxFailureOutput <= 0 {
		c.MaxFailureOutput = 16 * 1024
	}
	return c
}

// Deps are the runner's collaborators. Classifier may be nil, which uses the
// default rules.
type Deps struct {
	Jobs       JobControl
	Generator  codegen.Generator
	Verifier   verify.Verifier
	Limiter    Limiter
	Recorder   *metrics.Recorder
	Classifier *classify.Classifier
	Workspaces Workspaces
}

// Runner executes claimed jobs. It is safe for concurrent use by several
// workers as long as its collaborators are.
type Runner struct {
	Deps
	cfg Config
}

func New(deps Deps, cfg Config) *Runner {
	if deps.Classifier == nil {
		deps.Classifier = classify.Default()
	}
	return &Runner{Deps: deps, cfg: cfg.withDefaults()}
}

// Report summarizes a finished run.
type Report struct {
	JobID    string
	RunID    string
	Status   string
	Attempts int
	Category string
	Message  string
	Usage    cost.Usage
	CostUSD  float64
	Duration time.Duration
}

// run is the mutable outcome of one Run call, read by the finalizer.
type run struct {
	job      db.Job
	metrics  *metrics.Run
	success  bool
	attempts int
	category string
	message  string
}

// Run executes a claimed job to a terminal state. Build failures that
// exhaust the self-heal bound end as a FAILED job with a nil error; other
// failures return *FatalExecutionError. In every case, including a panic,
// the run's metrics are persisted once and the job is released before Run
// returns or the panic continues. A metrics write that fails is joined into
// the returned error as a *queue.StoreError.
func (r *Runner) Run(ctx context.Context, job db.Job) (rep Report, err error) {
	st := &run{
		job:      job,
		metrics:  r.Recorder.Begin(job.ID, r.Generator.Name()),
		attempts: job.Attempts,
	}
	rep = Report{JobID: job.ID, RunID: st.metrics.ID()}

	defer func() {
		panicVal := recover()
		if panicVal != nil {
			st.success = false
			st.category = "panic"
			st.message = fmt.Sprintf("panic: %v", panicVal)
			slog.Error("run panicked", "job", job.ID, "run", rep.RunID, "panic", panicVal)
		}

		finErr := r.finalize(ctx, st, &rep)
		if panicVal != nil {
			if finErr != nil {
				slog.Error("finalize after panic failed", "job", job.ID, "run", rep.RunID, "err", finErr)
			}
			panic(panicVal)
		}
		if finErr != nil {
			err = errors.Join(err, finErr)
		}
	}()

	return rep, r.execute(ctx, st)
}

func (r *Runner) execute(ctx context.Context, st *run) error {
	jobID := st.job.ID
	if err := r.Jobs.Start(ctx, jobID); err != nil {
		return r.fatal(st, err)
	}
	dir, err := r.Workspaces.Prepare(st.job.RepoKey)
	if err != nil {
		return r.fatal(st, fmt.Errorf("prepare workspace: %w", err))
	}

	req := codegen.Request{
		JobID:    jobID,
		IssueRef: st.job.IssueRef,
		RepoKey:  st.job.RepoKey,
		Title:    st.job.Title,
		Notes:    st.job.Notes,
		WorkDir:  dir,
		Attempt:  st.attempts,
	}

	for {
		slog.Info("attempt started", "job", jobID, "attempt", req.Attempt)

		if err := r.Limiter.Acquire(ctx, r.cfg.CodegenService, r.cfg.CodegenCost, r.cfg.AcquireTimeout); err != nil {
			return r.fatal(st, fmt.Errorf("codegen: %w", err))
		}
		gen, err := r.Generator.Generate(ctx, req)
		// Usage from a failed call is still billed.
		st.metrics.AddUsage(gen.Usage)
		if err != nil {
			return r.fatal(st, fmt.Errorf("codegen: %w", err))
		}

		if err := r.Limiter.Acquire(ctx, r.cfg.BuildService, r.cfg.BuildCost, r.cfg.AcquireTimeout); err != nil {
			return r.fatal(st, fmt.Errorf("build: %w", err))
		}
		res, err := r.Verifier.Verify(ctx, verify.Request{
			JobID:   jobID,
			WorkDir: dir,
			Changes: gen.Changes,
			Attempt: req.Attempt,
		})
		if err != nil {
			return r.fatal(st, fmt.Errorf("build: %w", err))
		}
		if res.Passed {
			st.success = true
			slog.Info("build passed", "job", jobID, "attempt", req.Attempt)
			return nil
		}

		if st.attempts >= r.cfg.MaxSelfHeal {
			st.category = r.Classifier.Classify(res.Output)
			st.message = fmt.Sprintf("build failed after %d self-heal attempts: %s", st.attempts, summarize(res.Output))
			slog.Warn("self-heal exhausted", "job", jobID, "attempts", st.attempts, "category", st.category)
			return nil
		}

		n, err := r.Jobs.BeginFix(ctx, jobID)
		if err != nil {
			return r.fatal(st, err)
		}
		st.attempts = n
		st.metrics.SetSelfHealAttempts(n)
		observability.SelfHealAttempts.Inc()
		slog.Info("build failed, starting fix attempt", "job", jobID, "attempt", n, "max", r.cfg.MaxSelfHeal)

		if err := r.Jobs.ResumeAttempt(ctx, jobID); err != nil {
			return r.fatal(st, err)
		}
		req.Attempt = n
		req.FailureOutput = tail(res.Output, r.cfg.MaxFailureOutput)
	}
}

func (r *Runner) fatal(st *run, err error) error {
	st.success = false
	st.category = r.Classifier.Classify(err.Error())
	st.message = err.Error()
	return &FatalExecutionError{JobID: st.job.ID, Category: st.category, Err: err}
}

// finalize persists the metrics record and releases the job. It runs on a
// context detached from ctx so a cancelled run is still accounted for. The
// job is released even when the metrics write fails; that failure comes back
// as a *queue.StoreError.
func (r *Runner) finalize(ctx context.Context, st *run, rep *Report) error {
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	st.metrics.SetSelfHealAttempts(st.attempts)
	rec, metricsErr := st.metrics.Finish(finCtx, st.success, st.category, st.message)
	if metricsErr != nil {
		slog.Error("failed to persist execution metrics", "job", st.job.ID, "run", rec.RunID, "err", metricsErr)
		metricsErr = &queue.StoreError{Op: "record metrics", Err: metricsErr}
	}

	rep.Attempts = st.attempts
	rep.Category = rec.ErrorCategory
	rep.Message = st.message
	rep.Usage = cost.Usage{InputTokens: rec.InputTokens, OutputTokens: rec.OutputTokens, CachedTokens: rec.CachedTokens}
	rep.CostUSD = rec.CostUSD
	rep.Duration = time.Duration(rec.DurationMS) * time.Millisecond
	rep.Status = db.StatusFailed
	if st.success {
		rep.Status = db.StatusSucceeded
	}

	_, relErr := r.Jobs.Release(finCtx, st.job.ID, queue.Outcome{
		Success:  st.success,
		Category: rec.ErrorCategory,
		Message:  st.message,
	})
	if relErr != nil {
		slog.Error("failed to release job", "job", st.job.ID, "err", relErr)
		relErr = fmt.Errorf("release job %s: %w", st.job.ID, relErr)
	}
	return errors.Join(metricsErr, relErr)
}

// tail keeps the last n bytes of s, where build tools print the failure.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "... (truncated)\n" + s[len(s)-n:]
}

// summarize returns the last non-empty line of output.
func summarize(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			if len(l) > 200 {
				l = l[:200]
			}
			return l
		}
	}
	return "no output"
}
