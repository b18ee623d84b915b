// Package config holds all configuration types and loading logic for epochtick.
// Fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an epochtick server instance.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Log        LogConfig        `yaml:"log"`
	DeadLetter DeadLetterConfig `yaml:"deadletter"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	Auth       AuthConfig       `yaml:"auth"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

// ServerConfig holds network settings for the HTTP API.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// SchedulerConfig controls the tick driver and what callers may schedule.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	MaxBatchSize int           `yaml:"max_batch_size"`
	// MaxScheduleAhead caps how far in the future a timestamp can be set.
	// Zero disables the cap.
	MaxScheduleAhead time.Duration `yaml:"max_schedule_ahead"`
}

// LogFormat selects the zap encoder.
type LogFormat string

const (
	LogJSON    LogFormat = "json"
	LogConsole LogFormat = "console"
)

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string    `yaml:"level"` // debug | info | warn | error
	Format LogFormat `yaml:"format"`
}

// DeadLetterConfig controls the journal of failed dispatches.
type DeadLetterConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WebhookConfig forwards every dispatched event to an HTTP endpoint.
// An empty URL disables the webhook sink.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebSocketConfig controls live topic subscriptions.
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// RateLimitConfig is the per-client-IP token bucket applied to the HTTP API.
type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Scheduler: SchedulerConfig{
			TickInterval:     100 * time.Millisecond,
			MaxBatchSize:     1000,
			MaxScheduleAhead: 30 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: LogJSON,
		},
		DeadLetter: DeadLetterConfig{
			Enabled: true,
			Path:    "./data/deadletter.db",
		},
		Webhook: WebhookConfig{
			Timeout: 5 * time.Second,
		},
		WebSocket: WebSocketConfig{Enabled: true},
		Metrics:   MetricsConfig{Enabled: true},
		RateLimit: RateLimitConfig{
			RPS:   100,
			Burst: 200,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	EPOCHTICK_PORT             — sets server.port
//	EPOCHTICK_LOG_LEVEL        — sets log.level
//	EPOCHTICK_AUTH_API_KEY     — sets auth.api_key and enables auth
//	EPOCHTICK_DEADLETTER_PATH  — sets deadletter.path
//	EPOCHTICK_WEBHOOK_URL      — sets webhook.url
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EPOCHTICK_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("EPOCHTICK_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("EPOCHTICK_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("EPOCHTICK_DEADLETTER_PATH"); v != "" {
		cfg.DeadLetter.Path = v
	}
	if v := os.Getenv("EPOCHTICK_WEBHOOK_URL"); v != "" {
		cfg.Webhook.URL = v
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Scheduler.TickInterval <= 0 {
		return errors.New("scheduler.tick_interval must be positive")
	}
	if c.Scheduler.MaxBatchSize < 1 {
		return errors.New("scheduler.max_batch_size must be at least 1")
	}
	if c.Scheduler.MaxScheduleAhead < 0 {
		return errors.New("scheduler.max_schedule_ahead must be >= 0")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(`log.level must be one of "debug", "info", "warn", "error", got %q`, c.Log.Level)
	}
	switch c.Log.Format {
	case LogJSON, LogConsole:
	default:
		return fmt.Errorf(`log.format must be "json" or "console", got %q`, c.Log.Format)
	}
	if c.DeadLetter.Enabled && c.DeadLetter.Path == "" {
		return errors.New("deadletter.path must not be empty when deadletter is enabled")
	}
	if c.Webhook.URL != "" {
		u, err := url.Parse(c.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("webhook.url must be an absolute http(s) URL, got %q", c.Webhook.URL)
		}
		if c.Webhook.Timeout <= 0 {
			return errors.New("webhook.timeout must be positive")
		}
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return errors.New("rate_limit.rps must be positive and rate_limit.burst at least 1")
	}
	return nil
}
