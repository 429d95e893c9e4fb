package cli

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"healrun/internal/daemon"
)

var (
	stopWait    bool
	stopTimeout time.Duration
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the healrun daemon",
	Long:  "Sends SIGTERM to the daemon. Running jobs drain for up to daemon.shutdown_timeout; with --wait the command blocks until the process is gone.",
	RunE:  runStop,
}

func init() {
	stopCmd.Flags().BoolVar(&stopWait, "wait", false, "block until the daemon has exited")
	stopCmd.Flags().DurationVar(&stopTimeout, "timeout", 0, "how long --wait blocks (default: shutdown_timeout plus 5s)")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	pidFile := cfg.Daemon.PIDFile
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("daemon not running (no PID file)")
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find process %d: %w", pid, err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Stale pid file left by a crashed daemon.
		daemon.RemovePID(pidFile)
		return fmt.Errorf("signal process %d: %w", pid, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Stopping daemon (pid %d)...\n", pid)
	if !stopWait {
		return nil
	}

	timeout := stopTimeout
	if timeout <= 0 {
		timeout = cfg.Daemon.ShutdownTimeout + 5*time.Second
	}
	if !waitForExit(func() bool { return daemon.IsRunning(pidFile) }, timeout, 200*time.Millisecond) {
		return fmt.Errorf("daemon (pid %d) still running after %s", pid, timeout)
	}
	fmt.Fprintln(out, "Daemon stopped.")
	return nil
}

// waitForExit polls running until it reports false or timeout elapses.
func waitForExit(running func() bool, timeout, interval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for running() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(interval)
	}
	return true
}
