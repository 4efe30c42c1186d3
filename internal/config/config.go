package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TelegramConfig configures the Telegram channel (inbound feed + outbound notifier).
type TelegramConfig struct {
	Token   string `yaml:"token"`
	OwnerID int64  `yaml:"owner_id"`
	Enabled bool   `yaml:"enabled"`
}

// ChannelsConfig groups messaging platform integrations.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// LLMConfig configures the classification/assistant capability.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic", "openai".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	// TimeoutSeconds bounds each Classify/Respond call. Default 60.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SchedulerConfig controls the notification driver.
type SchedulerConfig struct {
	// TickSeconds is the driver interval. Default 60, max 300.
	TickSeconds int `yaml:"tick_seconds"`
	// DeadlineLookaheadHours defines "approaching" for escalation. Default 24.
	DeadlineLookaheadHours int `yaml:"deadline_lookahead_hours"`
	// ProbeParallelism bounds concurrent completion probes. Default 4.
	ProbeParallelism int `yaml:"probe_parallelism"`
	// ConversationRetentionHours is the context window horizon. Default 4.
	ConversationRetentionHours int `yaml:"conversation_retention_hours"`
}

// TriageConfig controls low-confidence classification handling.
type TriageConfig struct {
	// ConfidenceThreshold below which classifications are queued. Default 60.
	ConfidenceThreshold int `yaml:"confidence_threshold"`
	// AutoCreateThreshold above which a task-like classification becomes a
	// task without asking. Default 80.
	AutoCreateThreshold int `yaml:"auto_create_threshold"`
}

// OtelConfig configures telemetry export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Triage    TriageConfig    `yaml:"triage"`
	LLM       LLMConfig       `yaml:"llm"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Otel      OtelConfig      `yaml:"otel"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Scheduler: SchedulerConfig{
			TickSeconds:                60,
			DeadlineLookaheadHours:     24,
			ProbeParallelism:           4,
			ConversationRetentionHours: 4,
		},
		Triage: TriageConfig{
			ConfidenceThreshold: 60,
			AutoCreateThreshold: 80,
		},
		LLM: LLMConfig{
			Provider:       "google",
			TimeoutSeconds: 60,
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("MINDER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".minder")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads config.yaml under homeDir, applies env overrides and defaults.
// A missing file is not an error; defaults apply.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create minder home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}
	if v := os.Getenv("TELEGRAM_OWNER_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Channels.Telegram.OwnerID = id
		}
	}
	if v := os.Getenv("MINDER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MINDER_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
}

// LLMAPIKey returns the API key for the configured provider, env vars first.
func (c Config) LLMAPIKey() string {
	envMap := map[string]string{
		"google":    "GOOGLE_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[c.LLM.Provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	return c.LLM.APIKey
}

// TickInterval returns the scheduler tick as a duration, clamped to [10s, 5m].
func (c Config) TickInterval() time.Duration {
	d := time.Duration(c.Scheduler.TickSeconds) * time.Second
	if d < 10*time.Second {
		d = 10 * time.Second
	}
	if d > 5*time.Minute {
		d = 5 * time.Minute
	}
	return d
}

// DeadlineLookahead returns the escalation lookahead window.
func (c Config) DeadlineLookahead() time.Duration {
	return time.Duration(c.Scheduler.DeadlineLookaheadHours) * time.Hour
}

// ConversationRetention returns the context window horizon.
func (c Config) ConversationRetention() time.Duration {
	return time.Duration(c.Scheduler.ConversationRetentionHours) * time.Hour
}

// Fingerprint returns a stable hash of the active config for change detection.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "tick=%d|lookahead=%d|probes=%d|retention=%d|threshold=%d|log=%s|model=%s",
		c.Scheduler.TickSeconds, c.Scheduler.DeadlineLookaheadHours, c.Scheduler.ProbeParallelism,
		c.Scheduler.ConversationRetentionHours, c.Triage.ConfidenceThreshold, c.LogLevel, c.LLM.Model)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "minder.db")
	}
	if cfg.Scheduler.TickSeconds <= 0 {
		cfg.Scheduler.TickSeconds = 60
	}
	if cfg.Scheduler.DeadlineLookaheadHours <= 0 {
		cfg.Scheduler.DeadlineLookaheadHours = 24
	}
	if cfg.Scheduler.ProbeParallelism <= 0 {
		cfg.Scheduler.ProbeParallelism = 4
	}
	if cfg.Scheduler.ConversationRetentionHours <= 0 {
		cfg.Scheduler.ConversationRetentionHours = 4
	}
	if cfg.Triage.ConfidenceThreshold <= 0 || cfg.Triage.ConfidenceThreshold > 100 {
		cfg.Triage.ConfidenceThreshold = 60
	}
	if cfg.Triage.AutoCreateThreshold <= 0 || cfg.Triage.AutoCreateThreshold > 100 {
		cfg.Triage.AutoCreateThreshold = 80
	}
	if cfg.LLM.Provider == "" || cfg.LLM.Provider == "gemini" {
		cfg.LLM.Provider = "google"
	}
	if cfg.LLM.TimeoutSeconds <= 0 {
		cfg.LLM.TimeoutSeconds = 60
	}
}
