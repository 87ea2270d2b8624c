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

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/chaz8081/bonsense/internal/ble"
	"github.com/chaz8081/bonsense/internal/monitor"
)

// Config holds all application configuration.
type Config struct {
	Device     DeviceConfig     `yaml:"device"`
	Scan       ScanConfig       `yaml:"scan"`
	Connection ConnectionConfig `yaml:"connection"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	LogLevel   string           `yaml:"log_level"`
}

// DeviceConfig identifies the sensor peripheral.
type DeviceConfig struct {
	Names              []string `yaml:"names"` // case-insensitive substrings of the advertised name
	ServiceUUID        string   `yaml:"service_uuid"`
	CharacteristicUUID string   `yaml:"characteristic_uuid"`
}

// ScanConfig holds scan session settings.
type ScanConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	StopOnTarget bool          `yaml:"stop_on_target"`
}

// ConnectionConfig holds connection session settings.
type ConnectionConfig struct {
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	Notify            bool          `yaml:"notify"`
}

// MonitorConfig holds the polling daemon settings.
type MonitorConfig struct {
	AutoConnect  bool          `yaml:"auto_connect"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ReconnectMax int           `yaml:"reconnect_max"` // backoff cap in seconds
	HistorySize  int           `yaml:"history_size"`

	BreakerFailures uint32        `yaml:"breaker_failures"` // consecutive failed connects before pausing
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bonsense")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Names:              []string{ble.DefaultDeviceName, "MoistureSensor"},
			ServiceUUID:        ble.MoistureServiceUUID,
			CharacteristicUUID: ble.MoistureCharUUID,
		},
		Scan: ScanConfig{
			Timeout:      10 * time.Second,
			StopOnTarget: true,
		},
		Connection: ConnectionConfig{
			ConnectTimeout:    10 * time.Second,
			ReadTimeout:       5 * time.Second,
			DisconnectTimeout: 3 * time.Second,
		},
		Monitor: MonitorConfig{
			AutoConnect:  true,
			PollInterval: 5 * time.Second,
			ReconnectMax: 30,
			HistorySize:  24,

			BreakerFailures: 5,
			BreakerCooldown: 2 * time.Minute,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A leading ~ in path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Device.ServiceUUID = normalizeUUID(cfg.Device.ServiceUUID)
	cfg.Device.CharacteristicUUID = normalizeUUID(cfg.Device.CharacteristicUUID)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if len(c.Device.Names) == 0 {
		return fmt.Errorf("device.names must not be empty")
	}
	for i, n := range c.Device.Names {
		if strings.TrimSpace(n) == "" {
			return fmt.Errorf("device.names[%d] must not be blank", i)
		}
	}

	if _, err := uuid.Parse(c.Device.ServiceUUID); err != nil {
		return fmt.Errorf("device.service_uuid: %w", err)
	}
	if _, err := uuid.Parse(c.Device.CharacteristicUUID); err != nil {
		return fmt.Errorf("device.characteristic_uuid: %w", err)
	}

	durations := []struct {
		key string
		d   time.Duration
	}{
		{"scan.timeout", c.Scan.Timeout},
		{"connection.connect_timeout", c.Connection.ConnectTimeout},
		{"connection.read_timeout", c.Connection.ReadTimeout},
		{"connection.disconnect_timeout", c.Connection.DisconnectTimeout},
		{"monitor.poll_interval", c.Monitor.PollInterval},
		{"monitor.breaker_cooldown", c.Monitor.BreakerCooldown},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", d.key, d.d)
		}
	}

	if c.Monitor.ReconnectMax <= 0 {
		return fmt.Errorf("monitor.reconnect_max must be > 0")
	}
	if c.Monitor.HistorySize <= 0 {
		return fmt.Errorf("monitor.history_size must be > 0")
	}
	if c.Monitor.BreakerFailures == 0 {
		return fmt.Errorf("monitor.breaker_failures must be > 0")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// SlogLevel maps log_level to a slog.Level. Unknown values map to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
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

// CentralOptions builds the central's options from the config.
func (c *Config) CentralOptions(logger *slog.Logger) ble.Options {
	return ble.Options{
		Names:             append([]string(nil), c.Device.Names...),
		ServiceUUID:       c.Device.ServiceUUID,
		CharUUID:          c.Device.CharacteristicUUID,
		ScanTimeout:       c.Scan.Timeout,
		StopOnTarget:      c.Scan.StopOnTarget,
		ConnectTimeout:    c.Connection.ConnectTimeout,
		ReadTimeout:       c.Connection.ReadTimeout,
		DisconnectTimeout: c.Connection.DisconnectTimeout,
		Notify:            c.Connection.Notify,
		Logger:            logger,
	}
}

// MonitorOptions builds the monitor's options from the config.
func (c *Config) MonitorOptions(logger *slog.Logger) monitor.Options {
	opts := monitor.DefaultOptions()
	opts.AutoConnect = c.Monitor.AutoConnect
	opts.PollInterval = c.Monitor.PollInterval
	opts.ReconnectMax = time.Duration(c.Monitor.ReconnectMax) * time.Second
	opts.BreakerFailures = c.Monitor.BreakerFailures
	opts.BreakerCooldown = c.Monitor.BreakerCooldown
	opts.Logger = logger
	return opts
}

const defaultHeader = `# bonsense configuration
# Durations use Go syntax: 500ms, 10s, 1m.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the written path, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	dir := DefaultConfigDir()
	if dir == "" {
		return "", errors.New("cannot determine home directory")
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// normalizeUUID lower-cases a parseable UUID into canonical form and
// leaves anything else for Validate to reject.
func normalizeUUID(s string) string {
	u, err := uuid.Parse(strings.TrimSpace(s))
	if err != nil {
		return s
	}
	return u.String()
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
