package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if !cfg.Scan.AutoStart {
		t.Error("Scan.AutoStart should default to true")
	}
	if cfg.Scan.StartsPerWindow != 5 {
		t.Errorf("Scan.StartsPerWindow = %d, want 5", cfg.Scan.StartsPerWindow)
	}
	if cfg.Scan.Window != 30*time.Second {
		t.Errorf("Scan.Window = %v, want 30s", cfg.Scan.Window)
	}
	if cfg.Connect.Timeout != 10*time.Second {
		t.Errorf("Connect.Timeout = %v, want 10s", cfg.Connect.Timeout)
	}
	if cfg.Connect.Breaker.MaxFailures != 5 {
		t.Errorf("Connect.Breaker.MaxFailures = %d, want 5", cfg.Connect.Breaker.MaxFailures)
	}
	if cfg.Trace.Enabled {
		t.Error("Trace.Enabled should default to false")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
scan:
  auto_start: false
  starts_per_window: 3
  window: 1m
connect:
  timeout: 5s
  backoff_max: 2m
  breaker:
    max_failures: 2
    cooldown: 45s
queues:
  event_buffer: 64
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Scan.AutoStart {
		t.Error("Scan.AutoStart = true, want false")
	}
	if cfg.Scan.StartsPerWindow != 3 {
		t.Errorf("Scan.StartsPerWindow = %d, want 3", cfg.Scan.StartsPerWindow)
	}
	if cfg.Scan.Window != time.Minute {
		t.Errorf("Scan.Window = %v, want 1m", cfg.Scan.Window)
	}
	if cfg.Connect.Timeout != 5*time.Second {
		t.Errorf("Connect.Timeout = %v, want 5s", cfg.Connect.Timeout)
	}
	if cfg.Connect.BackoffMax != 2*time.Minute {
		t.Errorf("Connect.BackoffMax = %v, want 2m", cfg.Connect.BackoffMax)
	}
	if cfg.Connect.Breaker.MaxFailures != 2 {
		t.Errorf("Connect.Breaker.MaxFailures = %d, want 2", cfg.Connect.Breaker.MaxFailures)
	}
	if cfg.Connect.Breaker.Cooldown != 45*time.Second {
		t.Errorf("Connect.Breaker.Cooldown = %v, want 45s", cfg.Connect.Breaker.Cooldown)
	}
	if cfg.Queues.EventBuffer != 64 {
		t.Errorf("Queues.EventBuffer = %d, want 64", cfg.Queues.EventBuffer)
	}
	// Unset fields keep their defaults.
	if cfg.Queues.Inbox != 64 {
		t.Errorf("Queues.Inbox = %d, want default 64", cfg.Queues.Inbox)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	if err := os.WriteFile(filepath.Join(tmpHome, "ble.yaml"), []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load("~/ble.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "warn")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("connect:\n  timeout: soon\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should fail for an unparseable duration")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero scan starts",
			modify:  func(c *Config) { c.Scan.StartsPerWindow = 0 },
			wantErr: true,
		},
		{
			name:    "zero scan window",
			modify:  func(c *Config) { c.Scan.Window = 0 },
			wantErr: true,
		},
		{
			name:    "zero connect timeout",
			modify:  func(c *Config) { c.Connect.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "backoff cap below one second",
			modify:  func(c *Config) { c.Connect.BackoffMax = 500 * time.Millisecond },
			wantErr: true,
		},
		{
			name:    "zero breaker failures",
			modify:  func(c *Config) { c.Connect.Breaker.MaxFailures = 0 },
			wantErr: true,
		},
		{
			name:    "zero breaker cooldown",
			modify:  func(c *Config) { c.Connect.Breaker.Cooldown = 0 },
			wantErr: true,
		},
		{
			name:    "zero event buffer",
			modify:  func(c *Config) { c.Queues.EventBuffer = 0 },
			wantErr: true,
		},
		{
			name:    "negative inbox",
			modify:  func(c *Config) { c.Queues.Inbox = -1 },
			wantErr: true,
		},
		{
			name:    "unsupported trace exporter",
			modify:  func(c *Config) { c.Trace.Exporter = "jaeger" },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := Default()
	cfg.Connect.Timeout = 3 * time.Second
	cfg.Scan.AutoStart = false
	logger := slog.Default()

	opts := cfg.EngineOptions(logger)

	if opts.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %v, want 3s", opts.ConnectTimeout)
	}
	if opts.AutoScan {
		t.Error("AutoScan = true, want false")
	}
	if opts.BreakerMaxFailures != cfg.Connect.Breaker.MaxFailures {
		t.Errorf("BreakerMaxFailures = %d, want %d", opts.BreakerMaxFailures, cfg.Connect.Breaker.MaxFailures)
	}
	if opts.ScanWindow != cfg.Scan.Window {
		t.Errorf("ScanWindow = %v, want %v", opts.ScanWindow, cfg.Scan.Window)
	}
	if opts.InboxSize != cfg.Queues.Inbox {
		t.Errorf("InboxSize = %d, want %d", opts.InboxSize, cfg.Queues.Inbox)
	}
	if opts.Logger != logger {
		t.Error("Logger not passed through")
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "blecentral", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# blecentral") {
		t.Error("written config should start with header comment")
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Connect.Timeout != 10*time.Second {
		t.Errorf("written config Connect.Timeout = %v, want 10s", cfg.Connect.Timeout)
	}
	if cfg.Scan.StartsPerWindow != 5 {
		t.Errorf("written config Scan.StartsPerWindow = %d, want 5", cfg.Scan.StartsPerWindow)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "blecentral")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
