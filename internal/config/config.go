package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/enose-collector/internal/ble"
	"github.com/chaz8081/enose-collector/internal/schema"
	"github.com/chaz8081/enose-collector/internal/sink"
)

// Output drivers.
const (
	DriverCSV      = "csv"
	DriverPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	Device   DeviceConfig  `yaml:"device"`
	Scan     ScanConfig    `yaml:"scan"`
	Schema   SchemaConfig  `yaml:"schema"`
	Output   OutputConfig  `yaml:"output"`
	Metrics  MetricsConfig `yaml:"metrics"`
	LogLevel string        `yaml:"log_level"`
}

// DeviceConfig identifies the peripheral and its data characteristic.
type DeviceConfig struct {
	Name               string `yaml:"name"`
	ServiceUUID        string `yaml:"service_uuid"`
	CharacteristicUUID string `yaml:"characteristic_uuid"`
}

// ScanConfig holds discovery and retry timing.
type ScanConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	Backoff          time.Duration `yaml:"backoff"`
	LivenessInterval time.Duration `yaml:"liveness_interval"`
}

// SchemaConfig selects the packet layout.
type SchemaConfig struct {
	Layout        string `yaml:"layout"` // "legacy" or "lockin"
	FrequenciesHz []int  `yaml:"frequencies_hz"`
	Channels      int    `yaml:"channels"`
	FieldCount    int    `yaml:"field_count"` // optional cross-check, 0 disables
}

// OutputConfig selects where records go.
type OutputConfig struct {
	Driver string `yaml:"driver"` // "csv" or "postgres"
	Path   string `yaml:"path"`   // csv; empty means a timestamped file in the working directory
	DSN    string `yaml:"dsn"`    // postgres
	Table  string `yaml:"table"`  // postgres
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "enose-collector")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultOutputPath returns the timestamped CSV name used when output.path is
// empty, e.g. e-nose_lockin_data_20250314_092653.csv.
func DefaultOutputPath(layout string, now time.Time) string {
	if layout == "" {
		layout = schema.LayoutLockIn
	}
	return "e-nose_" + layout + "_data_" + now.Format("20060102_150405") + ".csv"
}

// Default returns a Config matching the lock-in firmware.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name:               ble.DefaultDeviceName,
			ServiceUUID:        ble.ServiceUUID,
			CharacteristicUUID: ble.CharacteristicUUID,
		},
		Scan: ScanConfig{
			Timeout:          10 * time.Second,
			Backoff:          5 * time.Second,
			LivenessInterval: time.Second,
		},
		Schema: SchemaConfig{
			Layout:        schema.LayoutLockIn,
			FrequenciesHz: append([]int(nil), schema.DefaultFrequenciesHz...),
			Channels:      schema.DefaultChannels,
		},
		Output: OutputConfig{
			Driver: DriverCSV,
			Table:  sink.DefaultTable,
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in output.path is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Output.Path = expandTilde(cfg.Output.Path)

	return cfg, nil
}

// Validate checks the config for invalid values, including whether the
// schema section describes a buildable layout.
func (c *Config) Validate() error {
	if c.Device.Name == "" {
		return fmt.Errorf("device.name must not be empty")
	}
	if c.Device.ServiceUUID == "" || c.Device.CharacteristicUUID == "" {
		return fmt.Errorf("device.service_uuid and device.characteristic_uuid must not be empty")
	}

	if c.Scan.Timeout <= 0 {
		return fmt.Errorf("scan.timeout must be > 0")
	}
	if c.Scan.Backoff <= 0 {
		return fmt.Errorf("scan.backoff must be > 0")
	}
	if c.Scan.LivenessInterval <= 0 {
		return fmt.Errorf("scan.liveness_interval must be > 0")
	}

	if _, err := c.BuildSchema(); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	switch c.Output.Driver {
	case DriverCSV:
	case DriverPostgres:
		if c.Output.DSN == "" {
			return fmt.Errorf("output.dsn must be set when output.driver is %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("output.driver must be \"csv\" or \"postgres\", got %q", c.Output.Driver)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// BuildSchema returns the packet layout described by the schema section.
func (c *Config) BuildSchema() (*schema.Schema, error) {
	return schema.ForLayout(c.Schema.Layout, c.Schema.FrequenciesHz, c.Schema.Channels, c.Schema.FieldCount)
}

// ManagerOptions converts the device and scan sections for ble.NewManager.
func (c *Config) ManagerOptions() ble.ManagerOptions {
	return ble.ManagerOptions{
		DeviceName:         c.Device.Name,
		ServiceUUID:        c.Device.ServiceUUID,
		CharacteristicUUID: c.Device.CharacteristicUUID,
		ScanTimeout:        c.Scan.Timeout,
		Backoff:            c.Scan.Backoff,
		LivenessInterval:   c.Scan.LivenessInterval,
	}
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values mean
// info.
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

const defaultConfigYAML = `# enose-collector configuration
device:
  name: E-Nose_V2_LockIn
  service_uuid: bea5692f-939d-4e5a-bfa9-80d3efb8e3cb
  characteristic_uuid: b13493c7-5499-4b0a-a3d9-66eea53f382c

scan:
  timeout: 10s
  backoff: 5s
  liveness_interval: 1s

schema:
  layout: lockin # or legacy
  frequencies_hz: [100, 1000, 5000, 10000, 50000, 100000]
  channels: 4
  field_count: 0 # set to the firmware's field count to cross-check

output:
  driver: csv # or postgres
  path: "" # empty writes e-nose_<layout>_data_<timestamp>.csv
  dsn: ""
  table: enose_records

metrics:
  addr: "" # e.g. :9464

log_level: info
`

// WriteDefault writes the default config file if none exists. It returns the
// path written, or "" when a config is already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultConfigYAML), 0o644); err != nil {
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
