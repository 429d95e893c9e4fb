// Package queue orders submitted jobs and hands them to workers one
// repository at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"healrun/internal/db"
	"healrun/internal/observability"
)

// Store is the persistence the queue needs. *db.Store satisfies it.
type Store interface {
	CreateJob(ctx context.Context, in db.NewJob) (db.Job, error)
	ClaimJob(ctx context.Context, workerID string) (*db.Job, error)
	TransitionJob(ctx context.Context, jobID, from, to string) error
	BeginRetry(ctx context.Context, jobID string) (int, error)
	ReleaseJob(ctx context.Context, jobID, to, category, message string) (db.Job, error)
	RequeueJob(ctx context.Context, jobID, notes string) (db.Job, error)
	SetManualPosition(ctx context.Context, jobID string, pos *int64) error
	RecoverInFlightJobs(ctx context.Context) (int64, error)
	QueueStats(ctx context.Context) (db.QueueStats, error)
}

// StoreError wraps a backend failure. Callers own retry policy.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// wrap leaves domain errors (unknown job, bad transition) untouched and marks
// everything else as a store failure.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, db.ErrJobNotFound) || errors.Is(err, db.ErrInvalidTransition) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Submission is an incoming unit of work.
type Submission struct {
	IssueRef string
	RepoKey  string
	Title    string
	Labels   []string
	// Priority is an explicit hint; empty means derive from rules.
	Priority string
	// Position, when set, overrides computed ordering.
	Position *int64
	Notes    string
}

// Outcome is how a run ended.
type Outcome struct {
	Success  bool
	Category string
	Message  string
}

// Queue is the priority queue and claimer.
type Queue struct {
	store Store
	rules []Rule
}

// New returns a Queue over store. A nil rule list uses DefaultRules.
func New(store Store, rules []Rule) *Queue {
	if rules == nil {
		rules = DefaultRules()
	}
	return &Queue{store: store, rules: rules}
}

// Enqueue creates a pending job. An explicit priority hint wins over the
// rule list; an unparseable hint is an error.
func (q *Queue) Enqueue(ctx context.Context, sub Submission) (db.Job, error) {
	sub.IssueRef = strings.TrimSpace(sub.IssueRef)
	sub.RepoKey = strings.TrimSpace(sub.RepoKey)
	if sub.IssueRef == "" {
		return db.Job{}, errors.New("enqueue: issue ref is required")
	}
	if sub.RepoKey == "" {
		return db.Job{}, errors.New("enqueue: repo key is required")
	}

	priority := Assign(q.rules, sub.Labels, sub.Title)
	if strings.TrimSpace(sub.Priority) != "" {
		p, err := db.ParsePriority(sub.Priority)
		if err != nil {
			return db.Job{}, fmt.Errorf("enqueue: %w", err)
		}
		priority = p
	}

	j, err := q.store.CreateJob(ctx, db.NewJob{
		IssueRef:       sub.IssueRef,
		RepoKey:        sub.RepoKey,
		Title:          sub.Title,
		Labels:         sub.Labels,
		Priority:       priority,
		ManualPosition: sub.Position,
		Notes:          sub.Notes,
	})
	if err != nil {
		return db.Job{}, wrap("enqueue", err)
	}
	observability.JobsEnqueued.WithLabelValues(priority.String()).Inc()
	return j, nil
}

// Claim returns the next eligible job for workerID, or nil. It never waits.
func (q *Queue) Claim(ctx context.Context, workerID string) (*db.Job, error) {
	j, err := q.store.ClaimJob(ctx, workerID)
	if err != nil {
		return nil, wrap("claim", err)
	}
	if j != nil {
		observability.JobsClaimed.WithLabelValues(workerID).Inc()
	}
	return j, nil
}

// Release ends a job with outcome and frees its repository.
func (q *Queue) Release(ctx context.Context, jobID string, outcome Outcome) (db.Job, error) {
	to := db.StatusFailed
	category := outcome.Category
	if outcome.Success {
		to = db.StatusSucceeded
		category = ""
	}
	j, err := q.store.ReleaseJob(ctx, jobID, to, category, outcome.Message)
	return j, wrap("release", err)
}

// Start moves a claimed job to running.
func (q *Queue) Start(ctx context.Context, jobID string) error {
	return wrap("start", q.store.TransitionJob(ctx, jobID, db.StatusClaimed, db.StatusRunning))
}

// BeginFix records one more self-heal attempt and marks the job retrying.
// It returns the attempt count after the increment.
func (q *Queue) BeginFix(ctx context.Context, jobID string) (int, error) {
	n, err := q.store.BeginRetry(ctx, jobID)
	return n, wrap("begin fix", err)
}

// ResumeAttempt moves a retrying job back to running.
func (q *Queue) ResumeAttempt(ctx context.Context, jobID string) error {
	return wrap("resume", q.store.TransitionJob(ctx, jobID, db.StatusRetrying, db.StatusRunning))
}

// Requeue puts a failed job back at the end of its priority band.
func (q *Queue) Requeue(ctx context.Context, jobID, notes string) (db.Job, error) {
	j, err := q.store.RequeueJob(ctx, jobID, notes)
	return j, wrap("requeue", err)
}

// Move sets or clears a pending job's manual position.
func (q *Queue) Move(ctx context.Context, jobID string, pos *int64) error {
	return wrap("move", q.store.SetManualPosition(ctx, jobID, pos))
}

// Recover returns in-flight jobs to pending after a crash.
func (q *Queue) Recover(ctx context.Context) (int64, error) {
	n, err := q.store.RecoverInFlightJobs(ctx)
	return n, wrap("recover", err)
}

// Stats reports counts by priority, repo and status plus held locks.
func (q *Queue) Stats(ctx context.Context) (db.QueueStats, error) {
	s, err := q.store.QueueStats(ctx)
	if err != nil {
		return db.QueueStats{}, wrap("stats", err)
	}
	for status, n := range s.ByStatus {
		observability.QueueDepth.WithLabelValues(status).Set(float64(n))
	}
	return s, nil
}
