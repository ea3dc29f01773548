package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/enose-collector/internal/schema"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Device.Name != "E-Nose_V2_LockIn" {
		t.Errorf("Device.Name = %q, want %q", cfg.Device.Name, "E-Nose_V2_LockIn")
	}
	if cfg.Scan.Timeout != 10*time.Second {
		t.Errorf("Scan.Timeout = %v, want 10s", cfg.Scan.Timeout)
	}
	if cfg.Scan.Backoff != 5*time.Second {
		t.Errorf("Scan.Backoff = %v, want 5s", cfg.Scan.Backoff)
	}
	if cfg.Schema.Layout != "lockin" {
		t.Errorf("Schema.Layout = %q, want %q", cfg.Schema.Layout, "lockin")
	}
	if cfg.Output.Driver != "csv" {
		t.Errorf("Output.Driver = %q, want %q", cfg.Output.Driver, "csv")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestDefaultDoesNotAliasSchemaDefaults(t *testing.T) {
	cfg := Default()
	cfg.Schema.FrequenciesHz[0] = 1
	if schema.DefaultFrequenciesHz[0] != 100 {
		t.Error("Default() must copy the frequency list")
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
device:
  name: E-Nose_Bench
scan:
  timeout: 3s
  backoff: 500ms
  liveness_interval: 250ms
schema:
  layout: lockin
  frequencies_hz: [1000, 5000]
  channels: 2
  field_count: 18
output:
  driver: postgres
  dsn: postgres://enose@localhost/enose?sslmode=disable
  table: bench
metrics:
  addr: ":9464"
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

	if cfg.Device.Name != "E-Nose_Bench" {
		t.Errorf("Device.Name = %q, want %q", cfg.Device.Name, "E-Nose_Bench")
	}
	if cfg.Device.ServiceUUID != "bea5692f-939d-4e5a-bfa9-80d3efb8e3cb" {
		t.Errorf("Device.ServiceUUID = %q, want default", cfg.Device.ServiceUUID)
	}
	if cfg.Scan.Timeout != 3*time.Second {
		t.Errorf("Scan.Timeout = %v, want 3s", cfg.Scan.Timeout)
	}
	if cfg.Scan.Backoff != 500*time.Millisecond {
		t.Errorf("Scan.Backoff = %v, want 500ms", cfg.Scan.Backoff)
	}
	if cfg.Scan.LivenessInterval != 250*time.Millisecond {
		t.Errorf("Scan.LivenessInterval = %v, want 250ms", cfg.Scan.LivenessInterval)
	}
	if len(cfg.Schema.FrequenciesHz) != 2 || cfg.Schema.Channels != 2 {
		t.Errorf("Schema = %+v, want 2 frequencies x 2 channels", cfg.Schema)
	}
	if cfg.Output.Driver != "postgres" || cfg.Output.Table != "bench" {
		t.Errorf("Output = %+v, want postgres/bench", cfg.Output)
	}
	if cfg.Metrics.Addr != ":9464" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9464")
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}

	s, err := cfg.BuildSchema()
	if err != nil {
		t.Fatalf("BuildSchema() error = %v", err)
	}
	if s.Len() != 18 {
		t.Errorf("BuildSchema().Len() = %d, want 18", s.Len())
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("cannot determine home directory")
	}

	yamlContent := `
output:
  path: ~/enose/run.csv
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

	expected := filepath.Join(home, "enose/run.csv")
	if cfg.Output.Path != expected {
		t.Errorf("Output.Path = %q, want %q", cfg.Output.Path, expected)
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestLoadBadDuration(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("scan:\n  timeout: soon\n"), 0644); err != nil {
		t.Fatal(err)
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
			name:    "legacy layout",
			modify:  func(c *Config) { c.Schema.Layout = "legacy" },
			wantErr: false,
		},
		{
			name:    "empty device name",
			modify:  func(c *Config) { c.Device.Name = "" },
			wantErr: true,
		},
		{
			name:    "empty characteristic uuid",
			modify:  func(c *Config) { c.Device.CharacteristicUUID = "" },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Scan.Timeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative backoff",
			modify:  func(c *Config) { c.Scan.Backoff = -time.Second },
			wantErr: true,
		},
		{
			name:    "zero liveness interval",
			modify:  func(c *Config) { c.Scan.LivenessInterval = 0 },
			wantErr: true,
		},
		{
			name:    "unknown layout",
			modify:  func(c *Config) { c.Schema.Layout = "fft" },
			wantErr: true,
		},
		{
			name:    "matching field count",
			modify:  func(c *Config) { c.Schema.FieldCount = 58 },
			wantErr: false,
		},
		{
			name:    "stale field count",
			modify:  func(c *Config) { c.Schema.FieldCount = 42 },
			wantErr: true,
		},
		{
			name:    "no channels",
			modify:  func(c *Config) { c.Schema.Channels = 0 },
			wantErr: true,
		},
		{
			name:    "postgres without dsn",
			modify:  func(c *Config) { c.Output.Driver = "postgres" },
			wantErr: true,
		},
		{
			name:    "unknown driver",
			modify:  func(c *Config) { c.Output.Driver = "parquet" },
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

func TestValidateFieldCountMismatchIsSchemaError(t *testing.T) {
	cfg := Default()
	cfg.Schema.FieldCount = 42
	if err := cfg.Validate(); !errors.Is(err, schema.ErrInvalidSchema) {
		t.Errorf("Validate() error = %v, want ErrInvalidSchema", err)
	}
}

func TestManagerOptions(t *testing.T) {
	cfg := Default()
	cfg.Scan.Backoff = 2 * time.Second
	opts := cfg.ManagerOptions()
	if opts.DeviceName != cfg.Device.Name {
		t.Errorf("DeviceName = %q, want %q", opts.DeviceName, cfg.Device.Name)
	}
	if opts.Backoff != 2*time.Second {
		t.Errorf("Backoff = %v, want 2s", opts.Backoff)
	}
	if opts.ScanTimeout != cfg.Scan.Timeout || opts.LivenessInterval != cfg.Scan.LivenessInterval {
		t.Errorf("timing not carried over: %+v", opts)
	}
}

func TestDefaultOutputPath(t *testing.T) {
	now := time.Date(2025, 3, 14, 9, 26, 53, 0, time.Local)
	tests := []struct {
		layout string
		want   string
	}{
		{"lockin", "e-nose_lockin_data_20250314_092653.csv"},
		{"legacy", "e-nose_legacy_data_20250314_092653.csv"},
		{"", "e-nose_lockin_data_20250314_092653.csv"},
	}
	for _, tt := range tests {
		t.Run(tt.layout, func(t *testing.T) {
			if got := DefaultOutputPath(tt.layout, now); got != tt.want {
				t.Errorf("DefaultOutputPath(%q) = %q, want %q", tt.layout, got, tt.want)
			}
		})
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

	expectedPath := filepath.Join(tmpHome, ".config", "enose-collector", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# enose-collector") {
		t.Error("written config should start with header comment")
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}

	// Loading the written file gives back the defaults.
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() of written config error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
	def := Default()
	if cfg.Scan != def.Scan {
		t.Errorf("written config Scan = %+v, want %+v", cfg.Scan, def.Scan)
	}
	if cfg.Device != def.Device {
		t.Errorf("written config Device = %+v, want %+v", cfg.Device, def.Device)
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "enose-collector")
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
