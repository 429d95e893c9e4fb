package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"healrun/internal/cost"
)

const Version = "0.1.0"

// Credentials holds secrets loaded from credentials.toml.
type Credentials struct {
	AnthropicAPIKey string `toml:"anthropic_api_key"`
	IntakeSecret    string `toml:"intake_secret"`
	RedisPassword   string `toml:"redis_password"`
	WebhookSecret   string `toml:"webhook_secret"`
}

// LoadCredentials reads credentials.toml. Returns an empty Credentials if
// the file does not exist. Warns if the file has insecure permissions.
func LoadCredentials() (*Credentials, error) {
	path, err := CredentialsPath()
	if err != nil {
		return &Credentials{}, nil
	}

	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return &Credentials{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat credentials: %w", err)
	}

	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		slog.Warn("credentials file has insecure permissions",
			"path", path, "mode", fmt.Sprintf("%04o", perm))
	}

	creds := &Credentials{}
	if _, err := toml.DecodeFile(path, creds); err != nil {
		return nil, fmt.Errorf("decode credentials %s: %w", path, err)
	}
	return creds, nil
}

// SaveCredentials writes credentials.toml with 0600 permissions.
func SaveCredentials(creds *Credentials) error {
	path, err := CredentialsPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(creds); err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), fs.FileMode(0o600)); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return nil
}

type Config struct {
	DBPath        string `toml:"db_path"`
	WorkspaceRoot string `toml:"workspace_root"`
	LogLevel      string `toml:"log_level"`
	LogFormat     string `toml:"log_format"`
	LogFile       string `toml:"log_file"`

	Daemon        DaemonConfig         `toml:"daemon"`
	Codegen       CodegenConfig        `toml:"codegen"`
	Build         BuildConfig          `toml:"build"`
	RateLimits    []RateLimitConfig    `toml:"rate_limits"`
	RateLimiter   RateLimiterConfig    `toml:"rate_limiter"`
	Redis         RedisConfig          `toml:"redis"`
	PriorityRules []PriorityRule       `toml:"priority_rules"`
	ErrorRules    []ErrorRule          `toml:"error_rules"`
	Pricing       map[string]cost.Rate `toml:"pricing"`
	Notifications NotificationsConfig  `toml:"notifications"`
	Metrics       MetricsConfig        `toml:"metrics"`

	// Resolved at runtime (not in TOML).
	BaseDir string `toml:"-"`

	meta toml.MetaData
}

type DaemonConfig struct {
	IntakeAddr      string        `toml:"intake_addr"`
	IntakeSecret    string        `toml:"intake_secret"`
	IntakeRate      float64       `toml:"intake_rate"`
	IntakeBurst     int           `toml:"intake_burst"`
	Workers         int           `toml:"workers"`
	PollInterval    time.Duration `toml:"poll_interval"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	PIDFile         string        `toml:"pid_file"`

	// RateLimitRequeues is how many times a job whose run timed out waiting
	// on a rate limiter goes back to pending. Zero leaves it failed.
	RateLimitRequeues int `toml:"rate_limit_requeues"`
}

type CodegenConfig struct {
	Provider         string        `toml:"provider"`
	Model            string        `toml:"model"`
	MaxTokens        int64         `toml:"max_tokens"`
	BaseURL          string        `toml:"base_url"`
	APIKey           string        `toml:"api_key"`
	MaxSelfHeal      int           `toml:"max_self_heal"`
	AcquireTimeout   time.Duration `toml:"acquire_timeout"`
	MaxFailureOutput int           `toml:"max_failure_output"`
}

type BuildConfig struct {
	Command string        `toml:"command"`
	Timeout time.Duration `toml:"timeout"`
}

// RateLimitConfig is one token bucket.
type RateLimitConfig struct {
	Service    string  `toml:"service"`
	Capacity   float64 `toml:"capacity"`
	RefillRate float64 `toml:"refill_rate"`
}

type RateLimiterConfig struct {
	// Persist is "memory" or "redis".
	Persist string `toml:"persist"`
}

type RedisConfig struct {
	URL         string        `toml:"url"`
	Password    string        `toml:"password"`
	SnapshotTTL time.Duration `toml:"snapshot_ttl"`
}

// PriorityRule assigns a priority to matching issues. Empty matchers are
// ignored; all non-empty matchers must match.
type PriorityRule struct {
	Label         string `toml:"label"`
	TitleContains string `toml:"title_contains"`
	TitleRegex    string `toml:"title_regex"`
	Priority      string `toml:"priority"`
}

// ErrorRule maps a failure-text pattern to a category.
type ErrorRule struct {
	Pattern  string `toml:"pattern"`
	Category string `toml:"category"`
}

type NotificationsConfig struct {
	WebhookURL    string        `toml:"webhook_url"`
	WebhookSecret string        `toml:"webhook_secret"`
	SlackWebhook  string        `toml:"slack_webhook"`
	Triggers      []string      `toml:"triggers"`
	MaxAttempts   int           `toml:"max_attempts"`
	Retention     time.Duration `toml:"retention"`
}

// MetricsConfig controls pruning of execution metrics. A zero Retention
// keeps every run's record forever.
type MetricsConfig struct {
	Retention     time.Duration `toml:"retention"`
	PruneSchedule string        `toml:"prune_schedule"`
}

const (
	TriggerSucceeded = "succeeded"
	TriggerFailed    = "failed"
)

var defaultNotificationTriggers = []string{TriggerSucceeded, TriggerFailed}

var defaultRateLimits = []RateLimitConfig{
	{Service: "codegen", Capacity: 5, RefillRate: 1},
	{Service: "build", Capacity: 3, RefillRate: 0.5},
	{Service: "notify", Capacity: 10, RefillRate: 2},
}

// Load reads the config at path, overlays .env, credentials.toml and
// environment variables, then validates. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg, err := decode(path)
	if err != nil {
		return nil, err
	}
	fileSecrets := cfg.secrets()
	applyDefaults(cfg)
	applyCredentialsAndEnv(cfg)
	warnSecretsInFile(fileSecrets)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	resolvePaths(cfg)
	return cfg, nil
}

func decode(path string) (*Config, error) {
	cfg := &Config{}
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		slog.Debug("config file not found, using defaults", "path", path)
	}
	cfg.BaseDir = filepath.Dir(path)
	cfg.meta = md
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	layout := resolveLayoutOrRelative()
	if cfg.DBPath == "" {
		cfg.DBPath = layout.DBFile()
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = layout.WorkspaceDir()
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogFile == "" {
		cfg.LogFile = layout.LogFile()
	}

	d := &cfg.Daemon
	if d.IntakeAddr == "" {
		d.IntakeAddr = "127.0.0.1:9850"
	}
	if d.IntakeRate == 0 {
		d.IntakeRate = 5
	}
	if d.IntakeBurst == 0 {
		d.IntakeBurst = 20
	}
	if d.Workers == 0 {
		d.Workers = 3
	}
	if d.PollInterval == 0 {
		d.PollInterval = 5 * time.Second
	}
	if d.ShutdownTimeout == 0 {
		d.ShutdownTimeout = 30 * time.Second
	}
	if d.PIDFile == "" {
		d.PIDFile = layout.PIDFile()
	}
	if !cfg.meta.IsDefined("daemon", "rate_limit_requeues") {
		d.RateLimitRequeues = 3
	}

	c := &cfg.Codegen
	if c.Provider == "" {
		c.Provider = "claude"
	}
	if c.Model == "" {
		c.Model = "claude-sonnet-4-5"
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	// Zero is a valid bound, so only an absent key gets the default.
	if !cfg.meta.IsDefined("codegen", "max_self_heal") {
		c.MaxSelfHeal = 2
	}
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 2 * time.Minute
	}
	if c.MaxFailureOutput == 0 {
		c.MaxFailureOutput = 16 * 1024
	}

	if cfg.Build.Command == "" {
		cfg.Build.Command = "go test ./..."
	}
	if cfg.Build.Timeout == 0 {
		cfg.Build.Timeout = 10 * time.Minute
	}

	// Configured buckets replace defaults per service; missing ones are added.
	for _, def := range defaultRateLimits {
		if !slices.ContainsFunc(cfg.RateLimits, func(r RateLimitConfig) bool { return r.Service == def.Service }) {
			cfg.RateLimits = append(cfg.RateLimits, def)
		}
	}
	if cfg.RateLimiter.Persist == "" {
		cfg.RateLimiter.Persist = "memory"
	}
	if cfg.Redis.SnapshotTTL == 0 {
		cfg.Redis.SnapshotTTL = 24 * time.Hour
	}

	if cfg.Notifications.Triggers == nil {
		cfg.Notifications.Triggers = slices.Clone(defaultNotificationTriggers)
	}
	if cfg.Notifications.MaxAttempts == 0 {
		cfg.Notifications.MaxAttempts = 5
	}
	if cfg.Notifications.Retention == 0 {
		cfg.Notifications.Retention = 7 * 24 * time.Hour
	}
	if cfg.Metrics.PruneSchedule == "" {
		cfg.Metrics.PruneSchedule = "@daily"
	}
}

type secretSnapshot struct {
	apiKey, intake, redis, webhook bool
}

func (cfg *Config) secrets() secretSnapshot {
	return secretSnapshot{
		apiKey:  cfg.Codegen.APIKey != "",
		intake:  cfg.Daemon.IntakeSecret != "",
		redis:   cfg.Redis.Password != "",
		webhook: cfg.Notifications.WebhookSecret != "",
	}
}

// applyCredentialsAndEnv merges secrets from credentials.toml, then .env,
// then the environment. Priority (highest first): env > .env > credentials.toml
// > config file. .env never overrides variables already set.
func applyCredentialsAndEnv(cfg *Config) {
	creds, err := LoadCredentials()
	if err != nil {
		slog.Warn("failed to load credentials", "error", err)
	}
	if creds != nil {
		setIf(&cfg.Codegen.APIKey, creds.AnthropicAPIKey)
		setIf(&cfg.Daemon.IntakeSecret, creds.IntakeSecret)
		setIf(&cfg.Redis.Password, creds.RedisPassword)
		setIf(&cfg.Notifications.WebhookSecret, creds.WebhookSecret)
	}

	dotenv := filepath.Join(cfg.BaseDir, ".env")
	if _, err := os.Stat(dotenv); err == nil {
		if err := godotenv.Load(dotenv); err != nil {
			slog.Warn("failed to load .env", "path", dotenv, "error", err)
		}
	}

	setIf(&cfg.Codegen.APIKey, os.Getenv("ANTHROPIC_API_KEY"))
	setIf(&cfg.Daemon.IntakeSecret, os.Getenv("HEALRUN_INTAKE_SECRET"))
	setIf(&cfg.Redis.URL, os.Getenv("HEALRUN_REDIS_URL"))
	setIf(&cfg.Redis.Password, os.Getenv("HEALRUN_REDIS_PASSWORD"))
	setIf(&cfg.Notifications.WebhookSecret, os.Getenv("HEALRUN_WEBHOOK_SECRET"))
	setIf(&cfg.DBPath, os.Getenv("HEALRUN_DB_PATH"))
}

func setIf(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// warnSecretsInFile warns only for secrets literally written in the config
// file, not those merged in later.
func warnSecretsInFile(s secretSnapshot) {
	if s.apiKey {
		slog.Warn("codegen.api_key found in config file; prefer credentials.toml or ANTHROPIC_API_KEY")
	}
	if s.intake {
		slog.Warn("daemon.intake_secret found in config file; prefer credentials.toml or HEALRUN_INTAKE_SECRET")
	}
	if s.redis {
		slog.Warn("redis.password found in config file; prefer credentials.toml or HEALRUN_REDIS_PASSWORD")
	}
	if s.webhook {
		slog.Warn("notifications.webhook_secret found in config file; prefer credentials.toml or HEALRUN_WEBHOOK_SECRET")
	}
}

func validate(cfg *Config) error {
	switch cfg.Codegen.Provider {
	case "claude", "codex":
	case "anthropic":
		if cfg.Codegen.APIKey == "" {
			return fmt.Errorf("codegen.provider anthropic needs an api key (ANTHROPIC_API_KEY or credentials.toml)")
		}
	default:
		return fmt.Errorf("unsupported codegen.provider: %q (must be claude, codex or anthropic)", cfg.Codegen.Provider)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log_level: %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json", "tint":
	default:
		return fmt.Errorf("unsupported log_format: %q (must be text, json or tint)", cfg.LogFormat)
	}
	if cfg.Codegen.MaxSelfHeal < 0 {
		return fmt.Errorf("codegen.max_self_heal must be >= 0, got %d", cfg.Codegen.MaxSelfHeal)
	}
	if cfg.Daemon.RateLimitRequeues < 0 {
		return fmt.Errorf("daemon.rate_limit_requeues must be >= 0, got %d", cfg.Daemon.RateLimitRequeues)
	}
	if cfg.Daemon.Workers < 1 {
		return fmt.Errorf("daemon.workers must be >= 1, got %d", cfg.Daemon.Workers)
	}
	if cfg.Daemon.IntakeRate < 0 || cfg.Daemon.IntakeBurst < 0 {
		return fmt.Errorf("daemon.intake_rate and daemon.intake_burst must not be negative")
	}
	if cfg.Metrics.Retention < 0 || cfg.Notifications.Retention < 0 {
		return fmt.Errorf("metrics.retention and notifications.retention must not be negative")
	}
	if strings.TrimSpace(cfg.Build.Command) == "" {
		return fmt.Errorf("build.command is required")
	}

	seen := map[string]bool{}
	for i, r := range cfg.RateLimits {
		name := strings.TrimSpace(r.Service)
		if name == "" {
			return fmt.Errorf("rate_limits[%d]: service is required", i)
		}
		if seen[name] {
			return fmt.Errorf("rate_limits: duplicate service %q", name)
		}
		seen[name] = true
		if r.Capacity <= 0 || r.RefillRate <= 0 {
			return fmt.Errorf("rate_limits %q: capacity and refill_rate must be positive", name)
		}
	}

	switch cfg.RateLimiter.Persist {
	case "memory":
	case "redis":
		if cfg.Redis.URL == "" {
			return fmt.Errorf("rate_limiter.persist = \"redis\" needs redis.url (or HEALRUN_REDIS_URL)")
		}
	default:
		return fmt.Errorf("unsupported rate_limiter.persist: %q (must be memory or redis)", cfg.RateLimiter.Persist)
	}

	for i, r := range cfg.PriorityRules {
		if r.Label == "" && r.TitleContains == "" && r.TitleRegex == "" {
			return fmt.Errorf("priority_rules[%d]: at least one of label, title_contains, title_regex is required", i)
		}
		if r.Priority == "" {
			return fmt.Errorf("priority_rules[%d]: priority is required", i)
		}
	}
	for i, r := range cfg.ErrorRules {
		if r.Pattern == "" || strings.TrimSpace(r.Category) == "" {
			return fmt.Errorf("error_rules[%d]: pattern and category are required", i)
		}
	}
	for provider, rate := range cfg.Pricing {
		if rate.Input < 0 || rate.Output < 0 || rate.CachedInput < 0 {
			return fmt.Errorf("pricing.%s: rates must not be negative", provider)
		}
	}

	normalizedTriggers, err := validateNotificationsConfig(cfg.Notifications)
	if err != nil {
		return err
	}
	cfg.Notifications.Triggers = normalizedTriggers
	return nil
}

func validateNotificationsConfig(cfg NotificationsConfig) ([]string, error) {
	if cfg.WebhookURL != "" {
		if err := validateWebhookURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("invalid notifications.webhook_url: %w", err)
		}
	}
	if cfg.SlackWebhook != "" {
		if err := validateWebhookURL(cfg.SlackWebhook); err != nil {
			return nil, fmt.Errorf("invalid notifications.slack_webhook: %w", err)
		}
	}
	normalized, err := normalizeTriggers(cfg.Triggers)
	if err != nil {
		return nil, fmt.Errorf("invalid notifications.triggers: %w", err)
	}
	return normalized, nil
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("must use http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func normalizeTriggers(triggers []string) ([]string, error) {
	out := make([]string, 0, len(triggers))
	for i, trigger := range triggers {
		normalized := strings.ToLower(strings.TrimSpace(trigger))
		switch normalized {
		case "":
			return nil, fmt.Errorf("trigger at index %d is empty", i)
		case TriggerSucceeded, TriggerFailed:
		default:
			return nil, fmt.Errorf("unsupported trigger %q", normalized)
		}
		if !slices.Contains(out, normalized) {
			out = append(out, normalized)
		}
	}
	return out, nil
}

func resolvePaths(cfg *Config) {
	cfg.DBPath = absPath(cfg.BaseDir, cfg.DBPath)
	cfg.WorkspaceRoot = absPath(cfg.BaseDir, cfg.WorkspaceRoot)
	cfg.Daemon.PIDFile = absPath(cfg.BaseDir, cfg.Daemon.PIDFile)
	if cfg.LogFile != "" {
		cfg.LogFile = absPath(cfg.BaseDir, cfg.LogFile)
	}
}

func absPath(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// RateLimit returns the bucket config for service.
func (cfg *Config) RateLimit(service string) (RateLimitConfig, bool) {
	for _, r := range cfg.RateLimits {
		if r.Service == service {
			return r, true
		}
	}
	return RateLimitConfig{}, false
}

// PricingTable returns the default rates with configured overrides applied.
func (cfg *Config) PricingTable() cost.Table {
	return cost.DefaultRates.Merge(cfg.Pricing)
}

func (cfg *Config) SlogLevel() slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
