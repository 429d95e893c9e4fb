package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"healrun/internal/config"
	"healrun/internal/daemon"
	"healrun/internal/httputil"
	"healrun/internal/observability"
)

var foreground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the healrun daemon",
	RunE:  runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (don't daemonize)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	return runStartWith(loadConfig, daemon.IsRunning, runForeground, runBackground)
}

type startRunnerFunc func(*config.Config) error

func runStartWith(
	loadConfigFn func() (*config.Config, error),
	isDaemonRunning func(string) bool,
	runForegroundFn startRunnerFunc,
	runBackgroundFn startRunnerFunc,
) error {
	cfg, err := loadConfigFn()
	if err != nil {
		return err
	}
	if isDaemonRunning(cfg.Daemon.PIDFile) {
		return fmt.Errorf("daemon is already running (see %s)", cfg.Daemon.PIDFile)
	}
	if foreground {
		return runForegroundFn(cfg)
	}
	return runBackgroundFn(cfg)
}

// runForeground configures logging from the config and runs the daemon in
// the current process. Logs go to stderr; the background child has its
// stderr redirected to the log file.
func runForeground(cfg *config.Config) error {
	format := cfg.LogFormat
	if rootCmd.PersistentFlags().Changed("log-format") {
		format = logFormat
	}
	logger, err := observability.NewLogger(os.Stderr, format, verbose || cfg.SlogLevel() == slog.LevelDebug)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	fmt.Println("Starting healrun daemon in foreground...")
	return daemon.Run(cfg)
}

// runBackground re-execs the current binary with --foreground as a detached
// child process, then waits until its intake server reports healthy.
func runBackground(cfg *config.Config) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}

	childArgs := []string{"start", "--foreground"}
	if cfgPath != "" {
		childArgs = append(childArgs, "--config", cfgPath)
	}

	logPath := cfg.LogFile
	if logPath == "" {
		logPath = filepath.Join(filepath.Dir(cfg.Daemon.PIDFile), "healrun.log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	child := exec.Command(exe, childArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	// A zombie still passes kill(pid, 0), so reap the child to catch early exits.
	waitCh := make(chan error, 1)
	go func() { waitCh <- child.Wait() }()

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := waitReady(ctx, cfg.Daemon.IntakeAddr, waitCh); err != nil {
		return fmt.Errorf("%w; check logs at %s", err, logPath)
	}

	fmt.Printf("Daemon started (pid %d). Log: %s\n", child.Process.Pid, logPath)
	return nil
}

const startupTimeout = 10 * time.Second

// waitReady polls the intake health endpoint until it answers 200. It fails
// early when exited delivers, which means the child died during startup.
// An address with an ephemeral port cannot be dialed; the child then only
// has to survive a short grace period.
func waitReady(ctx context.Context, addr string, exited <-chan error) error {
	if _, port, err := net.SplitHostPort(addr); err != nil || port == "0" {
		select {
		case err := <-exited:
			return childExitError(err)
		case <-time.After(500 * time.Millisecond):
			return nil
		}
	}

	url := "http://" + addr + "/health"
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case err := <-exited:
			return childExitError(err)
		case <-ctx.Done():
			return fmt.Errorf("daemon not healthy after %s", startupTimeout)
		case <-tick.C:
		}
		resp, err := httputil.Do(ctx, nil, func(ctx context.Context) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		}, httputil.Policy{Attempts: 1})
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			return nil
		}
	}
}

func childExitError(err error) error {
	if err != nil {
		return fmt.Errorf("daemon exited immediately (%v)", err)
	}
	return fmt.Errorf("daemon exited immediately")
}
