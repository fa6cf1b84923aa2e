package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Provider kinds understood by the webhook layer. The set is closed; an
// unknown kind fails at startup.
const (
	KindGitHub   = "github"
	KindJira     = "jira"
	KindSlack    = "slack"
	KindSentry   = "sentry"
	KindTelegram = "telegram"
	KindGeneric  = "generic"
)

var knownKinds = map[string]bool{
	KindGitHub: true, KindJira: true, KindSlack: true,
	KindSentry: true, KindTelegram: true, KindGeneric: true,
}

// ReplyConfig tells the dispatcher where a finished task's result goes.
type ReplyConfig struct {
	// Kind is "log", "http" or "telegram". Empty means log only.
	Kind           string            `yaml:"kind"`
	URL            string            `yaml:"url"`
	Headers        map[string]string `yaml:"headers"`
	Secret         string            `yaml:"secret"`
	Token          string            `yaml:"token"`
	APIEndpoint    string            `yaml:"api_endpoint"`
	Markdown       bool              `yaml:"markdown"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
}

// ProviderConfig configures one webhook endpoint (/webhooks/<name>).
type ProviderConfig struct {
	Kind                   string      `yaml:"kind"`
	Secret                 string      `yaml:"secret"`
	BotIdentity            string      `yaml:"bot_identity"`
	MentionPrefix          string      `yaml:"mention_prefix"`
	DefaultCommand         string      `yaml:"default_command"`
	FreshnessWindowSeconds int         `yaml:"freshness_window_seconds"`
	EventTypes             []string    `yaml:"event_types"`
	SessionID              string      `yaml:"session_id"`
	Reply                  ReplyConfig `yaml:"reply"`
}

// FreshnessWindow returns the signed-timestamp tolerance for the provider.
func (p ProviderConfig) FreshnessWindow() time.Duration {
	return time.Duration(p.FreshnessWindowSeconds) * time.Second
}

type ExecutorConfig struct {
	Binary             string   `yaml:"binary"`
	Args               []string `yaml:"args"`
	ResumeFlag         string   `yaml:"resume_flag"`
	ProfilesDir        string   `yaml:"profiles_dir"`
	DefaultProfile     string   `yaml:"default_profile"`
	GracePeriodSeconds int      `yaml:"grace_period_seconds"`
	MaxLineBytes       int      `yaml:"max_line_bytes"`
}

type QueueConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// DSN is the sqlite path for the queue. Empty shares the store database.
	DSN              string `yaml:"dsn"`
	PopTimeoutMillis int    `yaml:"pop_timeout_ms"`
	LeaseSeconds     int    `yaml:"lease_seconds"`
}

type StoreConfig struct {
	DSN string `yaml:"dsn"`
}

type ReconcileConfig struct {
	IntervalSeconds    int `yaml:"interval_seconds"`
	BaseBackoffSeconds int `yaml:"base_backoff_seconds"`
	MaxBackoffSeconds  int `yaml:"max_backoff_seconds"`
	MaxAttempts        int `yaml:"max_attempts"`
}

// RateLimitConfig bounds webhook requests per client address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	BindAddr           string `yaml:"bind_addr"`
	LogLevel           string `yaml:"log_level"`
	AuthToken          string `yaml:"auth_token"`

	// AllowOrigins controls which Origin headers are accepted for browser WS connections.
	AllowOrigins []string `yaml:"allow_origins"`

	// Maximum pending tasks before chat submissions are refused. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// Bounded drain timeout (seconds) used on shutdown.
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// Retention for task_events (days). 0 keeps everything.
	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`

	// CommandsFile is the versioned static command source. Relative paths
	// resolve against HomeDir.
	CommandsFile string `yaml:"commands_file"`

	Providers map[string]ProviderConfig `yaml:"providers"`
	Executor  ExecutorConfig            `yaml:"executor"`
	Queue     QueueConfig               `yaml:"queue"`
	Store     StoreConfig               `yaml:"store"`
	Reconcile ReconcileConfig           `yaml:"reconcile"`
	RateLimit RateLimitConfig           `yaml:"rate_limit"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// CommandsPath returns the absolute static command file path.
func (c Config) CommandsPath() string {
	if filepath.IsAbs(c.CommandsFile) {
		return c.CommandsFile
	}
	return filepath.Join(c.HomeDir, c.CommandsFile)
}

// StorePath returns the sqlite path for the task store.
func (c Config) StorePath() string {
	if c.Store.DSN == "" {
		return filepath.Join(c.HomeDir, "relay.db")
	}
	return c.Store.DSN
}

func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// ProviderNames returns configured provider names in sorted order.
func (c Config) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "max=%d|timeout=%d|bind=%s|log=%s|queue=%s|exec=%s|origins=%v",
		c.MaxConcurrentTasks, c.TaskTimeoutSeconds, c.BindAddr, c.LogLevel,
		c.Queue.Backend, c.Executor.Binary, c.AllowOrigins)
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		fmt.Fprintf(h, "|%s:%s:%s:%s:%v", name, p.Kind, p.MentionPrefix, p.DefaultCommand, p.EventTypes)
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		MaxConcurrentTasks:      5,
		TaskTimeoutSeconds:      int((30 * time.Minute).Seconds()),
		BindAddr:                "127.0.0.1:18790",
		LogLevel:                "info",
		DrainTimeoutSeconds:     10,
		RetentionTaskEventsDays: 30,
		CommandsFile:            "commands.yaml",
		Executor: ExecutorConfig{
			Binary:             "claude",
			Args:               []string{"-p", "--output-format", "stream-json", "--verbose"},
			ResumeFlag:         "--resume",
			DefaultProfile:     "default",
			GracePeriodSeconds: 5,
			MaxLineBytes:       1 << 20,
		},
		Queue: QueueConfig{
			Backend:          "sqlite",
			PopTimeoutMillis: 1000,
			LeaseSeconds:     60,
		},
		Reconcile: ReconcileConfig{
			IntervalSeconds:    15,
			BaseBackoffSeconds: 5,
			MaxBackoffSeconds:  300,
			MaxAttempts:        6,
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: 120,
			BurstSize:         20,
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "gorelay",
			SampleRate:  1.0,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("GORELAY_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".gorelay")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create gorelay home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 5
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((30 * time.Minute).Seconds())
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 10
	}
	if strings.TrimSpace(cfg.CommandsFile) == "" {
		cfg.CommandsFile = "commands.yaml"
	}
	if cfg.Executor.Binary == "" {
		cfg.Executor.Binary = "claude"
	}
	if cfg.Executor.DefaultProfile == "" {
		cfg.Executor.DefaultProfile = "default"
	}
	if cfg.Executor.GracePeriodSeconds <= 0 {
		cfg.Executor.GracePeriodSeconds = 5
	}
	if cfg.Executor.MaxLineBytes <= 0 {
		cfg.Executor.MaxLineBytes = 1 << 20
	}
	if cfg.Executor.ProfilesDir == "" {
		cfg.Executor.ProfilesDir = filepath.Join(cfg.HomeDir, "profiles")
	}
	cfg.Queue.Backend = strings.ToLower(strings.TrimSpace(cfg.Queue.Backend))
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "sqlite"
	}
	if cfg.Queue.PopTimeoutMillis <= 0 {
		cfg.Queue.PopTimeoutMillis = 1000
	}
	if cfg.Queue.LeaseSeconds <= 0 {
		cfg.Queue.LeaseSeconds = 60
	}
	if cfg.Reconcile.IntervalSeconds <= 0 {
		cfg.Reconcile.IntervalSeconds = 15
	}
	if cfg.Reconcile.BaseBackoffSeconds <= 0 {
		cfg.Reconcile.BaseBackoffSeconds = 5
	}
	if cfg.Reconcile.MaxBackoffSeconds <= 0 {
		cfg.Reconcile.MaxBackoffSeconds = 300
	}
	if cfg.Reconcile.MaxAttempts <= 0 {
		cfg.Reconcile.MaxAttempts = 6
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 20
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "gorelay"
	}

	for name, p := range cfg.Providers {
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Kind == "" {
			p.Kind = strings.ToLower(name)
		}
		if p.MentionPrefix == "" {
			p.MentionPrefix = "@agent"
		}
		if p.FreshnessWindowSeconds <= 0 {
			p.FreshnessWindowSeconds = 300
		}
		cfg.Providers[name] = p
	}
}

func validate(cfg Config) error {
	for _, name := range cfg.ProviderNames() {
		p := cfg.Providers[name]
		if !knownKinds[p.Kind] {
			return fmt.Errorf("provider %q: unknown kind %q", name, p.Kind)
		}
		switch p.Reply.Kind {
		case "", "log", "http", "telegram":
		default:
			return fmt.Errorf("provider %q: unknown reply kind %q", name, p.Reply.Kind)
		}
		if p.Reply.Kind == "http" && p.Reply.URL == "" {
			return fmt.Errorf("provider %q: reply.url is required for http replies", name)
		}
	}
	switch cfg.Queue.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("GORELAY_MAX_CONCURRENT_TASKS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxConcurrentTasks = v
		}
	}
	if raw := os.Getenv("GORELAY_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GORELAY_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("GORELAY_QUEUE_BACKEND"); raw != "" {
		cfg.Queue.Backend = raw
	}
	if raw := os.Getenv("GORELAY_QUEUE_DSN"); raw != "" {
		cfg.Queue.DSN = raw
	}
	if raw := os.Getenv("GORELAY_STORE_DSN"); raw != "" {
		cfg.Store.DSN = raw
	}
	if raw := os.Getenv("GORELAY_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("GORELAY_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("GORELAY_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("GORELAY_EXECUTOR_BINARY"); raw != "" {
		cfg.Executor.Binary = raw
	}
	for name, p := range cfg.Providers {
		if raw := os.Getenv(providerSecretEnv(name)); raw != "" {
			p.Secret = raw
			cfg.Providers[name] = p
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		for name, p := range cfg.Providers {
			if p.Reply.Kind == "telegram" && p.Reply.Token == "" {
				p.Reply.Token = raw
				cfg.Providers[name] = p
			}
		}
	}
}

// providerSecretEnv maps a provider name to its secret override variable,
// e.g. "github-main" -> GORELAY_GITHUB_MAIN_SECRET.
func providerSecretEnv(name string) string {
	upper := strings.ToUpper(name)
	upper = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
	return "GORELAY_" + upper + "_SECRET"
}
