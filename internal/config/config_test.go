package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.DBPath == "" {
		t.Error("DBPath should not be empty")
	}
	if cfg.Scan.TimeoutSeconds != 10 {
		t.Errorf("Scan.TimeoutSeconds = %d, want 10", cfg.Scan.TimeoutSeconds)
	}
	if cfg.Connection.ReconnectMaxAttempts != 5 {
		t.Errorf("Connection.ReconnectMaxAttempts = %d, want 5", cfg.Connection.ReconnectMaxAttempts)
	}
	if cfg.Poll.IntervalSeconds != 300 {
		t.Errorf("Poll.IntervalSeconds = %d, want 300", cfg.Poll.IntervalSeconds)
	}
	if !cfg.History.Adaptive {
		t.Error("History.Adaptive should default to true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
log_level: debug
db_path: /tmp/aranet-test.db
scan:
  timeout_seconds: 5
connection:
  connect_timeout_seconds: 15
  reconnect_max_attempts: 3
poll:
  interval_seconds: 60
  adaptive: false
devices:
  - alias: living-room
    address: "AA:BB:CC:DD:EE:FF"
  - alias: basement
    address: "11:22:33:44:55:66"
    poll_interval_seconds: 600
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

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.DBPath != "/tmp/aranet-test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/aranet-test.db")
	}
	if cfg.Scan.TimeoutSeconds != 5 {
		t.Errorf("Scan.TimeoutSeconds = %d, want 5", cfg.Scan.TimeoutSeconds)
	}
	if cfg.Connection.ConnectTimeoutSeconds != 15 {
		t.Errorf("Connection.ConnectTimeoutSeconds = %d, want 15", cfg.Connection.ConnectTimeoutSeconds)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Connection.OpTimeoutSeconds != 5 {
		t.Errorf("Connection.OpTimeoutSeconds = %d, want default 5", cfg.Connection.OpTimeoutSeconds)
	}
	if cfg.Poll.Adaptive {
		t.Error("Poll.Adaptive = true, want false")
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("Devices length = %d, want 2", len(cfg.Devices))
	}
	if cfg.Devices[1].PollIntervalSeconds != 600 {
		t.Errorf("Devices[1].PollIntervalSeconds = %d, want 600", cfg.Devices[1].PollIntervalSeconds)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
db_path: ~/data/aranet.db
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

	expected := filepath.Join(home, "data/aranet.db")
	if cfg.DBPath != expected {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
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
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "invalid" },
			wantErr: true,
		},
		{
			name:    "empty db path",
			modify:  func(c *Config) { c.DBPath = "" },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Scan.TimeoutSeconds = 0 },
			wantErr: true,
		},
		{
			name:    "zero reconnect attempts",
			modify:  func(c *Config) { c.Connection.ReconnectMaxAttempts = 0 },
			wantErr: true,
		},
		{
			name:    "zero poll interval",
			modify:  func(c *Config) { c.Poll.IntervalSeconds = 0 },
			wantErr: true,
		},
		{
			name: "device without address",
			modify: func(c *Config) {
				c.Devices = []DeviceConfig{{Alias: "x"}}
			},
			wantErr: true,
		},
		{
			name: "duplicate alias",
			modify: func(c *Config) {
				c.Devices = []DeviceConfig{
					{Alias: "x", Address: "AA"},
					{Alias: "x", Address: "BB"},
				}
			},
			wantErr: true,
		},
		{
			name: "duplicate address",
			modify: func(c *Config) {
				c.Devices = []DeviceConfig{
					{Alias: "x", Address: "AA"},
					{Alias: "y", Address: "AA"},
				}
			},
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

func TestResolve(t *testing.T) {
	cfg := Default()
	cfg.Devices = []DeviceConfig{
		{Alias: "living-room", Address: "AA:BB", PollIntervalSeconds: 600},
	}

	got := cfg.Resolve("living-room")
	if got.Address != "AA:BB" || got.PollIntervalSeconds != 600 {
		t.Errorf("Resolve(alias) = %+v", got)
	}

	got = cfg.Resolve("AA:BB")
	if got.Alias != "living-room" {
		t.Errorf("Resolve(address) = %+v", got)
	}

	// Unknown names pass through as ad hoc addresses.
	got = cfg.Resolve("11:22:33:44:55:66")
	if got.Address != "11:22:33:44:55:66" || got.Alias != "" {
		t.Errorf("Resolve(unknown) = %+v", got)
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

	expectedDir := filepath.Join(tmpHome, ".config", "aranet")
	expectedPath := filepath.Join(expectedDir, "config.yaml")

	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	// Verify file exists and contains valid YAML
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}

	content := string(data)

	// Should have a header comment
	if !strings.HasPrefix(content, "# aranet") {
		t.Error("written config should start with header comment")
	}

	// Should be valid YAML that parses into a Config
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}

	// Values should match defaults
	if cfg.Scan.TimeoutSeconds != 10 {
		t.Errorf("written config Scan.TimeoutSeconds = %d, want 10", cfg.Scan.TimeoutSeconds)
	}
	if cfg.Poll.IntervalSeconds != 300 {
		t.Errorf("written config Poll.IntervalSeconds = %d, want 300", cfg.Poll.IntervalSeconds)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	// Create config dir and file manually first
	configDir := filepath.Join(tmpHome, ".config", "aranet")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("db_path: /custom/aranet.db\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	// WriteDefault should return ("", nil) without overwriting
	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	// Verify the original content is untouched
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
