package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blecentral/internal/central"
)

// Config holds all application configuration.
type Config struct {
	Scan     ScanConfig    `yaml:"scan"`
	Connect  ConnectConfig `yaml:"connect"`
	Queues   QueueConfig   `yaml:"queues"`
	Trace    TraceConfig   `yaml:"trace"`
	LogLevel string        `yaml:"log_level"`
}

// ScanConfig holds scan settings.
type ScanConfig struct {
	AutoStart       bool          `yaml:"auto_start"`        // scan as soon as the adapter powers on
	StartsPerWindow int           `yaml:"starts_per_window"` // scan starts allowed per window
	Window          time.Duration `yaml:"window"`
}

// ConnectConfig holds connection lifecycle settings.
type ConnectConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	BackoffMax time.Duration `yaml:"backoff_max"`
	Breaker    BreakerConfig `yaml:"breaker"`
}

// BreakerConfig controls when repeated connect failures suppress retries.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// QueueConfig sizes the engine's internal queues.
type QueueConfig struct {
	EventBuffer int `yaml:"event_buffer"` // per subscriber
	Inbox       int `yaml:"inbox"`        // per peripheral
}

// TraceConfig controls export of connect and GATT operation spans.
type TraceConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blecentral")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Scan: ScanConfig{
			AutoStart:       true,
			StartsPerWindow: 5,
			Window:          30 * time.Second,
		},
		Connect: ConnectConfig{
			Timeout:    10 * time.Second,
			BackoffMax: 30 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Cooldown:    30 * time.Second,
			},
		},
		Queues: QueueConfig{
			EventBuffer: 256,
			Inbox:       64,
		},
		Trace: TraceConfig{
			Exporter: "stdout",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading tilde in path is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Scan.StartsPerWindow <= 0 {
		return fmt.Errorf("scan.starts_per_window must be > 0")
	}
	if c.Scan.Window <= 0 {
		return fmt.Errorf("scan.window must be > 0")
	}

	if c.Connect.Timeout <= 0 {
		return fmt.Errorf("connect.timeout must be > 0")
	}
	if c.Connect.BackoffMax < time.Second {
		return fmt.Errorf("connect.backoff_max must be at least 1s, got %s", c.Connect.BackoffMax)
	}
	if c.Connect.Breaker.MaxFailures == 0 {
		return fmt.Errorf("connect.breaker.max_failures must be > 0")
	}
	if c.Connect.Breaker.Cooldown <= 0 {
		return fmt.Errorf("connect.breaker.cooldown must be > 0")
	}

	if c.Queues.EventBuffer <= 0 {
		return fmt.Errorf("queues.event_buffer must be > 0")
	}
	if c.Queues.Inbox <= 0 {
		return fmt.Errorf("queues.inbox must be > 0")
	}

	switch c.Trace.Exporter {
	case "", "noop", "stdout":
	default:
		return fmt.Errorf("trace.exporter must be \"stdout\" or \"noop\", got %q", c.Trace.Exporter)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// EngineOptions maps the config onto engine options.
func (c *Config) EngineOptions(logger *slog.Logger) central.Options {
	return central.Options{
		ConnectTimeout:      c.Connect.Timeout,
		BreakerMaxFailures:  c.Connect.Breaker.MaxFailures,
		BreakerCooldown:     c.Connect.Breaker.Cooldown,
		BackoffMax:          c.Connect.BackoffMax,
		ScanStartsPerWindow: c.Scan.StartsPerWindow,
		ScanWindow:          c.Scan.Window,
		AutoScan:            c.Scan.AutoStart,
		EventBuffer:         c.Queues.EventBuffer,
		InboxSize:           c.Queues.Inbox,
		Logger:              logger,
	}
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
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

const defaultHeader = `# blecentral configuration
# Durations use Go syntax: 500ms, 10s, 1m.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the path written, or "" when a config
// already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
