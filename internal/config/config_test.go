package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/epochtick/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("expected default addr 0.0.0.0:8080, got %s", cfg.Server.Addr())
	}
	if cfg.Scheduler.TickInterval != 100*time.Millisecond {
		t.Errorf("expected default tick interval 100ms, got %s", cfg.Scheduler.TickInterval)
	}
	if cfg.Log.Format != config.LogJSON {
		t.Errorf("expected default log format json, got %s", cfg.Log.Format)
	}
	if !cfg.DeadLetter.Enabled {
		t.Error("dead-letter journal must be enabled by default")
	}
	if cfg.Webhook.URL != "" {
		t.Error("webhook must be disabled by default")
	}
	if cfg.Auth.Enabled {
		t.Error("auth must be disabled by default")
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Server.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
server:
  port: 9999
  host: "127.0.0.1"
scheduler:
  tick_interval: 250ms
  max_batch_size: 50
log:
  level: debug
  format: console
webhook:
  url: "https://hooks.example.com/events"
  secret: "s3cret"
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Server.Port)
	}
	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Scheduler.TickInterval != 250*time.Millisecond {
		t.Errorf("expected tick interval 250ms, got %s", cfg.Scheduler.TickInterval)
	}
	if cfg.Scheduler.MaxBatchSize != 50 {
		t.Errorf("expected max_batch_size 50, got %d", cfg.Scheduler.MaxBatchSize)
	}
	if cfg.Log.Format != config.LogConsole {
		t.Errorf("expected console format, got %s", cfg.Log.Format)
	}
	if cfg.Webhook.URL != "https://hooks.example.com/events" {
		t.Errorf("unexpected webhook url %s", cfg.Webhook.URL)
	}
	// Unset fields keep their defaults.
	if cfg.Webhook.Timeout != 5*time.Second {
		t.Errorf("expected default webhook timeout 5s (unchanged), got %s", cfg.Webhook.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid: %v", err)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "server: [invalid: yaml: {{{}}")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EPOCHTICK_PORT", "7070")
	t.Setenv("EPOCHTICK_AUTH_API_KEY", "key-123")
	t.Setenv("EPOCHTICK_LOG_LEVEL", "warn")
	t.Setenv("EPOCHTICK_DEADLETTER_PATH", "/tmp/dl.db")

	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("expected port 7070 from env, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "key-123" {
		t.Errorf("api key env must enable auth, got %+v", cfg.Auth)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("expected log level warn, got %s", cfg.Log.Level)
	}
	if cfg.DeadLetter.Path != "/tmp/dl.db" {
		t.Errorf("expected deadletter path from env, got %s", cfg.DeadLetter.Path)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"port zero":          func(c *config.Config) { c.Server.Port = 0 },
		"port too large":     func(c *config.Config) { c.Server.Port = 99999 },
		"zero tick":          func(c *config.Config) { c.Scheduler.TickInterval = 0 },
		"zero batch":         func(c *config.Config) { c.Scheduler.MaxBatchSize = 0 },
		"negative ahead":     func(c *config.Config) { c.Scheduler.MaxScheduleAhead = -time.Second },
		"unknown level":      func(c *config.Config) { c.Log.Level = "chatty" },
		"unknown format":     func(c *config.Config) { c.Log.Format = "xml" },
		"empty dl path":      func(c *config.Config) { c.DeadLetter.Path = "" },
		"relative webhook":   func(c *config.Config) { c.Webhook.URL = "/hook" },
		"webhook no timeout": func(c *config.Config) { c.Webhook.URL = "http://x"; c.Webhook.Timeout = 0 },
		"auth without key":   func(c *config.Config) { c.Auth.Enabled = true },
		"zero rps":           func(c *config.Config) { c.RateLimit.RPS = 0 },
		"zero burst":         func(c *config.Config) { c.RateLimit.Burst = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected validation error")
			}
		})
	}
}

func TestValidate_DisabledDeadLetterNeedsNoPath(t *testing.T) {
	cfg := config.Default()
	cfg.DeadLetter.Enabled = false
	cfg.DeadLetter.Path = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
