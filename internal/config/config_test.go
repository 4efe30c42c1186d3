package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Scheduler.TickSeconds != 60 {
		t.Errorf("TickSeconds = %d, want 60", cfg.Scheduler.TickSeconds)
	}
	if cfg.Scheduler.DeadlineLookaheadHours != 24 {
		t.Errorf("DeadlineLookaheadHours = %d, want 24", cfg.Scheduler.DeadlineLookaheadHours)
	}
	if cfg.Scheduler.ConversationRetentionHours != 4 {
		t.Errorf("ConversationRetentionHours = %d, want 4", cfg.Scheduler.ConversationRetentionHours)
	}
	if cfg.Triage.ConfidenceThreshold != 60 {
		t.Errorf("ConfidenceThreshold = %d, want 60", cfg.Triage.ConfidenceThreshold)
	}
	if cfg.DBPath != filepath.Join(dir, "minder.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yaml := `
log_level: debug
scheduler:
  tick_seconds: 30
  deadline_lookahead_hours: 48
triage:
  confidence_threshold: 70
llm:
  provider: anthropic
  model: claude-sonnet-4-5
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Scheduler.TickSeconds != 30 {
		t.Errorf("TickSeconds = %d, want 30", cfg.Scheduler.TickSeconds)
	}
	if cfg.Scheduler.DeadlineLookaheadHours != 48 {
		t.Errorf("DeadlineLookaheadHours = %d, want 48", cfg.Scheduler.DeadlineLookaheadHours)
	}
	if cfg.Triage.ConfidenceThreshold != 70 {
		t.Errorf("ConfidenceThreshold = %d, want 70", cfg.Triage.ConfidenceThreshold)
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", cfg.LLM.Provider)
	}
}

func TestLoadFromBadYAML(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{{{not yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("expected error for malformed config.yaml")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "12345678:AAtesttesttesttesttesttesttesttest")
	t.Setenv("TELEGRAM_OWNER_ID", "424242")
	t.Setenv("MINDER_LOG_LEVEL", "warn")

	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram should be enabled when token is set")
	}
	if cfg.Channels.Telegram.OwnerID != 424242 {
		t.Errorf("OwnerID = %d, want 424242", cfg.Channels.Telegram.OwnerID)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}
}

func TestTickIntervalClamped(t *testing.T) {
	cfg := defaultConfig()
	cfg.Scheduler.TickSeconds = 1
	if got := cfg.TickInterval(); got != 10*time.Second {
		t.Errorf("TickInterval = %v, want 10s floor", got)
	}
	cfg.Scheduler.TickSeconds = 3600
	if got := cfg.TickInterval(); got != 5*time.Minute {
		t.Errorf("TickInterval = %v, want 5m ceiling", got)
	}
}

func TestHomeDirEnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("MINDER_HOME", dir)
	if got := HomeDir(); got != dir {
		t.Errorf("HomeDir = %q, want %q", got, dir)
	}
}

func TestFingerprintChangesWithConfig(t *testing.T) {
	a := defaultConfig()
	b := defaultConfig()
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("identical configs should share a fingerprint")
	}
	b.Scheduler.TickSeconds = 120
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint should change when tick interval changes")
	}
}
