// Package worker runs independent claimers that feed jobs to the runner.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"healrun/internal/db"
	"healrun/internal/orchestrator"
	"healrun/internal/ratelimit"
)

// Claimer hands out the next eligible job. *queue.Queue satisfies it.
type Claimer interface {
	Claim(ctx context.Context, workerID string) (*db.Job, error)
}

// Executor runs a claimed job to a terminal state. *orchestrator.Runner
// satisfies it.
type Executor interface {
	Run(ctx context.Context, job db.Job) (orchestrator.Report, error)
}

// Requeuer puts a failed job back in the queue. *queue.Queue satisfies it.
type Requeuer interface {
	Requeue(ctx context.Context, jobID, notes string) (db.Job, error)
}

// Pool manages N worker goroutines. Workers share nothing but the store:
// each polls on its own jittered ticker and any of them may take a wake hint.
type Pool struct {
	n        int
	prefix   string
	claimer  Claimer
	exec     Executor
	wake     <-chan struct{}
	interval time.Duration

	requeuer    Requeuer
	maxRequeues int
	requeueMu   sync.Mutex
	requeued    map[string]int

	wg         sync.WaitGroup
	stopLoops  context.CancelFunc
	cancelRuns context.CancelFunc
}

// NewPool builds a pool of n workers named prefix-0..prefix-(n-1). wake may
// be nil.
func NewPool(n int, prefix string, claimer Claimer, exec Executor, wake <-chan struct{}, interval time.Duration) *Pool {
	if n < 1 {
		n = 1
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Pool{
		n:        n,
		prefix:   prefix,
		claimer:  claimer,
		exec:     exec,
		wake:     wake,
		interval: interval,
	}
}

// WithRequeue sends a job whose run ended on a rate limit timeout back to
// pending, at most limit times per job. Other failures stay terminal.
func (p *Pool) WithRequeue(r Requeuer, limit int) *Pool {
	p.requeuer = r
	p.maxRequeues = limit
	p.requeued = make(map[string]int)
	return p
}

func (p *Pool) Start(ctx context.Context) {
	loopCtx, stopLoops := context.WithCancel(ctx)
	runCtx, cancelRuns := context.WithCancel(ctx)
	p.stopLoops, p.cancelRuns = stopLoops, cancelRuns
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.worker(loopCtx, runCtx, fmt.Sprintf("%s-%d", p.prefix, i))
	}
}

// Stop stops claiming and waits for in-flight runs. If ctx ends first the
// runs are cancelled, which finalizes them as failed.
func (p *Pool) Stop(ctx context.Context) {
	if p.stopLoops == nil {
		return
	}
	p.stopLoops()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("worker drain timed out, cancelling in-flight runs")
		p.cancelRuns()
		<-done
	}
	p.cancelRuns()
}

func (p *Pool) worker(loopCtx, runCtx context.Context, id string) {
	defer p.wg.Done()
	slog.Debug("worker started", "worker", id)

	// Spread first polls so workers do not claim in lockstep.
	poll := time.NewTimer(jitter(p.interval))
	defer poll.Stop()
	wake := p.wake

	for {
		select {
		case <-loopCtx.Done():
			slog.Debug("worker stopping", "worker", id)
			return
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			p.drain(loopCtx, runCtx, id)
		case <-poll.C:
			p.drain(loopCtx, runCtx, id)
			poll.Reset(jitter(p.interval))
		}
	}
}

// drain claims and runs jobs until none is eligible or the pool stops.
func (p *Pool) drain(loopCtx, runCtx context.Context, id string) {
	for loopCtx.Err() == nil {
		job, err := p.claimer.Claim(loopCtx, id)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Error("claim job failed", "worker", id, "err", err)
			}
			return
		}
		if job == nil {
			return
		}
		p.process(runCtx, id, *job)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job db.Job) {
	// The runner has already released the job by the time a panic gets here.
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic", "worker", workerID, "job", job.ID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	slog.Info("worker processing job", "worker", workerID, "job", job.ID, "repo", job.RepoKey, "priority", job.Priority.String())

	rep, err := p.exec.Run(ctx, job)
	if err != nil {
		if errors.Is(err, ratelimit.ErrTimeout) && p.requeue(ctx, workerID, job.ID) {
			return
		}
		p.forget(job.ID)
		slog.Error("run failed", "worker", workerID, "job", job.ID, "err", err)
		return
	}
	p.forget(job.ID)
	slog.Info("run finished", "worker", workerID, "job", job.ID, "status", rep.Status,
		"attempts", rep.Attempts, "category", rep.Category, "cost_usd", rep.CostUSD, "duration", rep.Duration)
}

// requeue returns the job to pending if its requeue budget allows.
func (p *Pool) requeue(ctx context.Context, workerID, jobID string) bool {
	if p.requeuer == nil || p.maxRequeues <= 0 {
		return false
	}
	p.requeueMu.Lock()
	n := p.requeued[jobID]
	if n >= p.maxRequeues {
		delete(p.requeued, jobID)
		p.requeueMu.Unlock()
		slog.Warn("rate limit requeues exhausted", "worker", workerID, "job", jobID, "requeues", n)
		return false
	}
	p.requeued[jobID] = n + 1
	p.requeueMu.Unlock()

	if _, err := p.requeuer.Requeue(context.WithoutCancel(ctx), jobID, ""); err != nil {
		slog.Error("requeue after rate limit timeout failed", "worker", workerID, "job", jobID, "err", err)
		p.forget(jobID)
		return false
	}
	slog.Info("rate limited, job requeued", "worker", workerID, "job", jobID, "requeue", n+1, "max", p.maxRequeues)
	return true
}

func (p *Pool) forget(jobID string) {
	if p.requeuer == nil {
		return
	}
	p.requeueMu.Lock()
	delete(p.requeued, jobID)
	p.requeueMu.Unlock()
}

// jitter returns d scaled by a random factor in [0.5, 1.5).
func jitter(d time.Duration) time.Duration {
	return d/2 + time.Duration(rand.Int64N(int64(d)))
}
