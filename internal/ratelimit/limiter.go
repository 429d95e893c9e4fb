// Package ratelimit implements per-service token buckets with lazy refill.
//
// Each configured service owns an independent bucket guarded by its own
// mutex, so a saturated service never delays callers of another one. There is
// no background timer: tokens are topped up from elapsed time whenever a
// bucket is touched.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"healrun/internal/observability"
)

var (
	// ErrTimeout is wrapped by *TimeoutError when an acquire gives up.
	ErrTimeout = errors.New("rate limit timeout")
	// ErrUnknownService is returned for services that were never configured.
	ErrUnknownService = errors.New("rate limit: unknown service")
	// ErrCostExceedsCapacity is returned when a request can never be satisfied.
	ErrCostExceedsCapacity = errors.New("rate limit: cost exceeds bucket capacity")
)

// TimeoutError reports an acquire that ran out of time.
type TimeoutError struct {
	Service string
	Cost    float64
	Waited  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rate limit timeout: service %s: %.2f tokens not available after %s", e.Service, e.Cost, e.Waited)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// BucketState is a point-in-time view of one bucket.
type BucketState struct {
	Service    string    `json:"service"`
	Capacity   float64   `json:"capacity"`
	RefillRate float64   `json:"refill_rate"`
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// BucketStore persists bucket snapshots across restarts. It is optional;
// without one, buckets start full on every process start.
type BucketStore interface {
	Load(ctx context.Context, service string) (BucketState, bool, error)
	Save(ctx context.Context, state BucketState) error
}

type bucket struct {
	mu         sync.Mutex
	capacity   float64
	rate       float64
	tokens     float64
	lastRefill time.Time
}

// refill must be called with mu held.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

// Limiter holds one bucket per service.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	store  BucketStore
	logger *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleep overrides how Acquire waits between checks.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

// WithStore enables snapshot persistence.
func WithStore(store BucketStore) Option {
	return func(l *Limiter) { l.store = store }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New returns an empty Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		sleep:   sleepWithContext,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Configure creates or reconfigures the bucket for service. A new bucket
// starts full unless the store holds a snapshot for it. Reconfiguring keeps
// the current token count, clamped to the new capacity.
func (l *Limiter) Configure(ctx context.Context, service string, capacity, refillRate float64) error {
	if service == "" {
		return errors.New("rate limit: service name is required")
	}
	if capacity <= 0 {
		return fmt.Errorf("rate limit: service %s: capacity must be > 0", service)
	}
	if refillRate < 0 {
		return fmt.Errorf("rate limit: service %s: refill rate must be >= 0", service)
	}

	l.mu.RLock()
	b, ok := l.buckets[service]
	l.mu.RUnlock()
	if ok {
		b.reconfigure(l.now(), capacity, refillRate)
		return nil
	}

	// The bucket is published only once any snapshot has been applied, so no
	// caller can spend tokens the snapshot is about to take away.
	now := l.now()
	fresh := &bucket{capacity: capacity, rate: refillRate, tokens: capacity, lastRefill: now}
	l.restore(ctx, service, fresh, now)

	l.mu.Lock()
	if b, ok = l.buckets[service]; !ok {
		l.buckets[service] = fresh
	}
	l.mu.Unlock()
	if ok {
		b.reconfigure(l.now(), capacity, refillRate)
	}
	return nil
}

// reconfigure changes capacity and rate, keeping the current token count
// clamped to the new capacity.
func (b *bucket) reconfigure(now time.Time, capacity, refillRate float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now)
	b.capacity = capacity
	b.rate = refillRate
	if b.tokens > capacity {
		b.tokens = capacity
	}
}

// restore applies the stored snapshot for service to an unpublished bucket.
// Store failures are logged and leave the bucket full.
func (l *Limiter) restore(ctx context.Context, service string, b *bucket, now time.Time) {
	if l.store == nil {
		return
	}
	state, found, err := l.store.Load(ctx, service)
	if err != nil {
		l.logger.Warn("rate limit: load bucket snapshot failed", "service", service, "err", err)
		return
	}
	if !found {
		return
	}
	b.tokens = clamp(state.Tokens, 0, b.capacity)
	if !state.LastRefill.IsZero() && !state.LastRefill.After(now) {
		b.lastRefill = state.LastRefill
		b.refill(now)
	}
	l.logger.Debug("rate limit: restored bucket", "service", service, "tokens", b.tokens)
}

// Acquire takes cost tokens from service's bucket, waiting up to timeout for
// them to refill. A timeout <= 0 makes a single non-blocking attempt.
// Cancelling ctx aborts the wait with ctx's error.
func (l *Limiter) Acquire(ctx context.Context, service string, cost float64, timeout time.Duration) error {
	l.mu.RLock()
	b, ok := l.buckets[service]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, service)
	}
	if cost < 0 {
		return fmt.Errorf("rate limit: service %s: negative cost %.2f", service, cost)
	}

	start := l.now()
	deadline := start.Add(timeout)

	for {
		now := l.now()

		b.mu.Lock()
		if cost > b.capacity {
			b.mu.Unlock()
			return fmt.Errorf("%w: service %s: cost %.2f > capacity %.2f", ErrCostExceedsCapacity, service, cost, b.capacity)
		}
		b.refill(now)
		if b.tokens >= cost {
			b.tokens -= cost
			state := BucketState{
				Service:    service,
				Capacity:   b.capacity,
				RefillRate: b.rate,
				Tokens:     b.tokens,
				LastRefill: b.lastRefill,
			}
			b.mu.Unlock()

			observability.RateLimitWait.WithLabelValues(service).Observe(now.Sub(start).Seconds())
			observability.RateLimitTokens.WithLabelValues(service).Set(state.Tokens)
			l.persist(ctx, state)
			return nil
		}
		deficit := cost - b.tokens
		rate := b.rate
		b.mu.Unlock()

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			observability.RateLimitTimeouts.WithLabelValues(service).Inc()
			return &TimeoutError{Service: service, Cost: cost, Waited: now.Sub(start)}
		}

		wait := remaining
		if rate > 0 {
			if need := time.Duration(deficit / rate * float64(time.Second)); need < wait {
				wait = need
			}
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Snapshot returns the current state of service's bucket, refilled to now.
func (l *Limiter) Snapshot(service string) (BucketState, error) {
	l.mu.RLock()
	b, ok := l.buckets[service]
	l.mu.RUnlock()
	if !ok {
		return BucketState{}, fmt.Errorf("%w: %s", ErrUnknownService, service)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(l.now())
	return BucketState{
		Service:    service,
		Capacity:   b.capacity,
		RefillRate: b.rate,
		Tokens:     b.tokens,
		LastRefill: b.lastRefill,
	}, nil
}

// Services returns configured service names in sorted order.
func (l *Limiter) Services() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.buckets))
	for name := range l.buckets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (l *Limiter) persist(ctx context.Context, state BucketState) {
	if l.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := l.store.Save(saveCtx, state); err != nil {
		l.logger.Warn("rate limit: save bucket snapshot failed", "service", state.Service, "err", err)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
