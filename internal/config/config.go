// Package config loads and validates the YAML application configuration:
// logging, database location, connection tuning, polling cadence, and the
// set of known devices with their aliases.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	DBPath     string           `yaml:"db_path"`
	Scan       ScanConfig       `yaml:"scan"`
	Connection ConnectionConfig `yaml:"connection"`
	History    HistoryConfig    `yaml:"history"`
	Poll       PollConfig       `yaml:"poll"`
	Devices    []DeviceConfig   `yaml:"devices"`
}

// ScanConfig holds discovery settings.
type ScanConfig struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// ConnectionConfig holds per-device connection tuning.
type ConnectionConfig struct {
	ConnectTimeoutSeconds    int `yaml:"connect_timeout_seconds"`
	OpTimeoutSeconds         int `yaml:"op_timeout_seconds"`
	ReconnectMaxDelaySeconds int `yaml:"reconnect_max_delay_seconds"`
	ReconnectMaxAttempts     int `yaml:"reconnect_max_attempts"`
}

// HistoryConfig holds history download pacing.
type HistoryConfig struct {
	ReadDelayMillis int  `yaml:"read_delay_ms"`
	Adaptive        bool `yaml:"adaptive"`
}

// PollConfig holds the watch-mode polling cadence.
type PollConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	// Adaptive aligns polling with each sensor's own measurement interval
	// instead of using a fixed cadence.
	Adaptive bool `yaml:"adaptive"`
}

// DeviceConfig names one known sensor. The address is the platform device
// identity (MAC, or CoreBluetooth UUID on macOS).
type DeviceConfig struct {
	Alias   string `yaml:"alias"`
	Address string `yaml:"address"`
	// PollIntervalSeconds overrides the global polling cadence (0 = global).
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "aranet")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dbPath := filepath.Join(home, ".local", "share", "aranet", "aranet.db")

	return &Config{
		LogLevel: "info",
		DBPath:   dbPath,
		Scan: ScanConfig{
			TimeoutSeconds: 10,
		},
		Connection: ConnectionConfig{
			ConnectTimeoutSeconds:    30,
			OpTimeoutSeconds:         5,
			ReconnectMaxDelaySeconds: 30,
			ReconnectMaxAttempts:     5,
		},
		History: HistoryConfig{
			ReadDelayMillis: 50,
			Adaptive:        true,
		},
		Poll: PollConfig{
			IntervalSeconds: 300,
			Adaptive:        true,
		},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled with
// defaults. Tilde (~) in db_path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.DBPath = expandTilde(cfg.DBPath)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}

	if c.Scan.TimeoutSeconds <= 0 {
		return fmt.Errorf("scan.timeout_seconds must be > 0")
	}
	if c.Connection.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("connection.connect_timeout_seconds must be > 0")
	}
	if c.Connection.OpTimeoutSeconds <= 0 {
		return fmt.Errorf("connection.op_timeout_seconds must be > 0")
	}
	if c.Connection.ReconnectMaxDelaySeconds <= 0 {
		return fmt.Errorf("connection.reconnect_max_delay_seconds must be > 0")
	}
	if c.Connection.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("connection.reconnect_max_attempts must be > 0")
	}
	if c.History.ReadDelayMillis < 0 {
		return fmt.Errorf("history.read_delay_ms must be >= 0")
	}
	if c.Poll.IntervalSeconds <= 0 {
		return fmt.Errorf("poll.interval_seconds must be > 0")
	}

	aliases := make(map[string]bool, len(c.Devices))
	addresses := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Address == "" {
			return fmt.Errorf("devices[%d].address must not be empty", i)
		}
		if addresses[d.Address] {
			return fmt.Errorf("duplicate device address %q", d.Address)
		}
		addresses[d.Address] = true
		if d.Alias != "" {
			if aliases[d.Alias] {
				return fmt.Errorf("duplicate device alias %q", d.Alias)
			}
			aliases[d.Alias] = true
		}
		if d.PollIntervalSeconds < 0 {
			return fmt.Errorf("devices[%d].poll_interval_seconds must be >= 0", i)
		}
	}

	return nil
}

// Resolve maps a device alias or raw address to its configured entry.
// Unknown names resolve to an entry with the input as the address, so ad hoc
// addresses work without configuration.
func (c *Config) Resolve(aliasOrAddress string) DeviceConfig {
	for _, d := range c.Devices {
		if d.Alias == aliasOrAddress || d.Address == aliasOrAddress {
			return d
		}
	}
	return DeviceConfig{Address: aliasOrAddress}
}

// WriteDefault writes a commented default config to the default path if no
// config exists yet. Returns the written path, or "" when a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(DefaultConfigDir(), 0o755); err != nil {
		return "", fmt.Errorf("create config directory: %w", err)
	}

	cfg := Default()
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encode default config: %w", err)
	}

	header := "# aranet configuration\n" +
		"# Devices may be given aliases for use on the command line:\n" +
		"#   devices:\n" +
		"#     - alias: living-room\n" +
		"#       address: \"AA:BB:CC:DD:EE:FF\"\n\n"
	if err := os.WriteFile(path, append([]byte(header), body...), 0o644); err != nil {
		return "", fmt.Errorf("write default config: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level string to a slog.Level.
// Unknown values default to info.
func ParseLogLevel(s string) slog.Level {
	switch s {
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
