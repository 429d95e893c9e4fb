package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"healrun/internal/config"
	"healrun/internal/daemon"
	"healrun/internal/db"
	"healrun/internal/observability"
	"healrun/internal/queue"
)

var (
	cfgPath   string
	verbose   bool
	jsonOut   bool
	logFormat string
	version   = config.Version
	commit    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "hr",
	Short:   "healrun: self-healing code execution runner",
	Long:    "healrun queues fix jobs, generates code for them, verifies each change with your build command and feeds failures back until the build passes or the retry budget runs out.",
	Version: fmt.Sprintf("%s (%s)", version, commit),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := observability.NewLogger(os.Stderr, logFormat, verbose)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output JSON")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format: text, json or tint")
}

func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

// resolveConfigPath determines which config file to use.
// Priority: --config flag > ./healrun.toml > ~/.config/healrun/config.toml.
// The global path is returned even when missing; Load then uses defaults.
func resolveConfigPath() (string, error) {
	if cfgPath != "" {
		return cfgPath, nil
	}
	if _, err := os.Stat("healrun.toml"); err == nil {
		return "healrun.toml", nil
	}
	return config.GlobalConfigPath()
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	return config.Load(path)
}

func openStore(cfg *config.Config) (*db.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	// Clean up orphaned WAL sidecar files if the main DB was deleted.
	if _, err := os.Stat(cfg.DBPath); os.IsNotExist(err) {
		_ = os.Remove(cfg.DBPath + "-shm")
		_ = os.Remove(cfg.DBPath + "-wal")
	}
	return db.Open(cfg.DBPath)
}

// openQueue opens the store and wraps it in a queue using the configured
// priority rules. The caller closes the store.
func openQueue(cfg *config.Config) (*queue.Queue, *db.Store, error) {
	rules, err := daemon.PriorityRules(cfg.PriorityRules)
	if err != nil {
		return nil, nil, err
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return queue.New(store, rules), store, nil
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// resolveJob resolves a full or partial job ID from CLI args.
func resolveJob(ctx context.Context, store *db.Store, arg string) (string, error) {
	return store.ResolveJobID(ctx, arg)
}
