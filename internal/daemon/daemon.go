// Package daemon wires the store, queue, limiter, runner, worker pool,
// intake server and notification dispatcher into one process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"healrun/internal/classify"
	"healrun/internal/codegen"
	"healrun/internal/config"
	"healrun/internal/db"
	"healrun/internal/intake"
	"healrun/internal/metrics"
	"healrun/internal/notify"
	"healrun/internal/orchestrator"
	"healrun/internal/queue"
	"healrun/internal/ratelimit"
	"healrun/internal/verify"
	"healrun/internal/worker"
	"healrun/internal/workspace"
)

// Daemon is a fully wired process. Build it with New, then call Serve.
type Daemon struct {
	cfg        *config.Config
	store      *db.Store
	rdb        *redis.Client
	queue      *queue.Queue
	limiter    *ratelimit.Limiter
	pool       *worker.Pool
	intake     *intake.Server
	dispatcher *notify.Dispatcher
	retention  *cron.Cron

	listener net.Listener
	wake     chan struct{}

	// bgCtx outlives the signal context so in-flight work can finish during
	// the drain window.
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

// Run starts the daemon and blocks until SIGINT or SIGTERM.
func Run(cfg *config.Config) error {
	if err := WritePID(cfg.Daemon.PIDFile); err != nil {
		return err
	}
	defer RemovePID(cfg.Daemon.PIDFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	go func() {
		<-ctx.Done()
		// Force-exit on second signal.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Error("second signal received, forcing exit")
		os.Exit(1)
	}()

	return d.Serve(ctx)
}

// New opens the store, recovers interrupted jobs and builds every component.
// Nothing runs until Serve.
func New(ctx context.Context, cfg *config.Config) (_ *Daemon, err error) {
	d := &Daemon{cfg: cfg, wake: make(chan struct{}, 1)}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.store, err = db.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	rules, err := PriorityRules(cfg.PriorityRules)
	if err != nil {
		return nil, err
	}
	d.queue = queue.New(d.store, rules)

	recovered, err := d.queue.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("crash recovery: %w", err)
	}
	if recovered > 0 {
		slog.Info("recovered in-flight jobs", "count", recovered)
	}

	if err := d.buildLimiter(ctx); err != nil {
		return nil, err
	}

	runner, err := d.buildRunner()
	if err != nil {
		return nil, err
	}

	d.pool = worker.NewPool(cfg.Daemon.Workers, "worker", d.queue, runner, d.wake, cfg.Daemon.PollInterval).
		WithRequeue(d.queue, cfg.Daemon.RateLimitRequeues)

	d.intake = intake.NewServer(intake.Options{
		Token: cfg.Daemon.IntakeSecret,
		Rate:  cfg.Daemon.IntakeRate,
		Burst: cfg.Daemon.IntakeBurst,
	}, d.queue, d.store, d.wake).WithLimits(d.limiter)

	d.dispatcher = notify.NewDispatcher(d.store, notify.BuildSenders(cfg.Notifications, nil), cfg.Notifications.Triggers).
		WithLimiter(d.limiter).
		WithMaxAttempts(cfg.Notifications.MaxAttempts)

	d.bgCtx, d.bgCancel = context.WithCancel(context.WithoutCancel(ctx))
	keep := Retention{Metrics: cfg.Metrics.Retention, Notifications: cfg.Notifications.Retention}
	if cfg.Metrics.PruneSchedule != "" && keep.Enabled() {
		d.retention, err = newRetentionCron(d.bgCtx, cfg.Metrics.PruneSchedule, d.store, keep)
		if err != nil {
			return nil, err
		}
	}

	d.listener, err = net.Listen("tcp", cfg.Daemon.IntakeAddr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Daemon.IntakeAddr, err)
	}
	return d, nil
}

// PriorityRules compiles configured priority rules. An empty list yields nil,
// which the queue treats as its defaults.
func PriorityRules(specs []config.PriorityRule) ([]queue.Rule, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	qs := make([]queue.RuleSpec, len(specs))
	for i, r := range specs {
		qs[i] = queue.RuleSpec(r)
	}
	rules, err := queue.CompileRules(qs)
	if err != nil {
		return nil, fmt.Errorf("priority rules: %w", err)
	}
	return rules, nil
}

func (d *Daemon) buildLimiter(ctx context.Context) error {
	opts := []ratelimit.Option{ratelimit.WithLogger(slog.Default())}
	if d.cfg.RateLimiter.Persist == "redis" {
		rdb, err := ratelimit.DialRedis(ctx, d.cfg.Redis.URL, d.cfg.Redis.Password)
		if err != nil {
			return err
		}
		d.rdb = rdb
		opts = append(opts, ratelimit.WithStore(ratelimit.NewRedisStore(rdb, d.cfg.Redis.SnapshotTTL)))
	}
	d.limiter = ratelimit.New(opts...)
	for _, rl := range d.cfg.RateLimits {
		if err := d.limiter.Configure(ctx, rl.Service, rl.Capacity, rl.RefillRate); err != nil {
			return fmt.Errorf("configure rate limit %s: %w", rl.Service, err)
		}
	}
	return nil
}

func (d *Daemon) buildRunner() (*orchestrator.Runner, error) {
	cfg := d.cfg
	gen, err := codegen.New(cfg.Codegen.Provider, codegen.AnthropicConfig{
		APIKey:    cfg.Codegen.APIKey,
		BaseURL:   cfg.Codegen.BaseURL,
		Model:     cfg.Codegen.Model,
		MaxTokens: cfg.Codegen.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	verifier, err := verify.NewCommandVerifier(cfg.Build.Command, cfg.Build.Timeout)
	if err != nil {
		return nil, fmt.Errorf("build command: %w", err)
	}
	ws, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		return nil, err
	}

	errorRules := make([]classify.RuleSpec, len(cfg.ErrorRules))
	for i, r := range cfg.ErrorRules {
		errorRules[i] = classify.RuleSpec{Pattern: r.Pattern, Category: r.Category}
	}
	custom, err := classify.Compile(errorRules)
	if err != nil {
		return nil, fmt.Errorf("error rules: %w", err)
	}

	return orchestrator.New(orchestrator.Deps{
		Jobs:       d.queue,
		Generator:  gen,
		Verifier:   verifier,
		Limiter:    d.limiter,
		Recorder:   metrics.NewRecorder(d.store, cfg.PricingTable()),
		Classifier: classify.WithDefaults(custom),
		Workspaces: ws,
	}, orchestrator.Config{
		MaxSelfHeal:      cfg.Codegen.MaxSelfHeal,
		AcquireTimeout:   cfg.Codegen.AcquireTimeout,
		MaxFailureOutput: cfg.Codegen.MaxFailureOutput,
	}), nil
}

// Addr is the address the intake server listens on.
func (d *Daemon) Addr() string {
	return d.listener.Addr().String()
}

// Serve runs every component until ctx ends, then drains: intake stops
// accepting, workers finish their runs (cancelled after ShutdownTimeout),
// and the dispatcher and retention scheduler stop last.
func (d *Daemon) Serve(ctx context.Context) error {
	httpSrv := &http.Server{
		Handler:           d.intake,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("intake server starting", "addr", d.Addr())
		if err := httpSrv.Serve(d.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	d.pool.Start(d.bgCtx)

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.dispatcher.Run(d.bgCtx)
	}()

	if d.retention != nil {
		d.retention.Start()
	}

	slog.Info("daemon started", "workers", d.cfg.Daemon.Workers, "provider", d.cfg.Codegen.Provider,
		"max_self_heal", d.cfg.Codegen.MaxSelfHeal)

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping...")
	case runErr = <-serveErr:
		slog.Error("intake server error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Daemon.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("intake shutdown", "err", err)
	}
	d.pool.Stop(shutdownCtx)
	if d.retention != nil {
		<-d.retention.Stop().Done()
	}
	d.bgCancel()
	wg.Wait()

	slog.Info("daemon stopped")
	return runErr
}

// Close releases the listener, Redis client and store. It is safe to call
// more than once.
func (d *Daemon) Close() {
	if d.bgCancel != nil {
		d.bgCancel()
	}
	if d.listener != nil {
		_ = d.listener.Close()
		d.listener = nil
	}
	if d.rdb != nil {
		_ = d.rdb.Close()
		d.rdb = nil
	}
	if d.store != nil {
		_ = d.store.Close()
		d.store = nil
	}
}
