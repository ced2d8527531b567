// Package config handles TOML and YAML configuration for tether.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Store      StoreConfig      `toml:"store" yaml:"store"`
	Scheduler  SchedulerConfig  `toml:"scheduler" yaml:"scheduler"`
	Connection ConnectionConfig `toml:"connection" yaml:"connection"`
	Selection  SelectionConfig  `toml:"selection" yaml:"selection"`
	Journal    JournalConfig    `toml:"journal" yaml:"journal"`
	OTEL       OTELConfig       `toml:"otel" yaml:"otel"`
	Metrics    HTTPConfig       `toml:"metrics" yaml:"metrics"`
	Log        LogConfig        `toml:"log" yaml:"log"`
}

// StoreConfig locates the assigned-server database.
type StoreConfig struct {
	Dir string `toml:"dir" yaml:"dir"`
}

// SchedulerConfig controls how often the store is polled for changes.
type SchedulerConfig struct {
	IntervalStr    string        `toml:"interval" yaml:"interval"`
	Interval       time.Duration `toml:"-" yaml:"-"`
	TaskTimeoutStr string        `toml:"task_timeout" yaml:"task_timeout"`
	TaskTimeout    time.Duration `toml:"-" yaml:"-"`
}

// ConnectionConfig holds Jupyter connection settings.
type ConnectionConfig struct {
	ProbeTimeoutStr      string        `toml:"probe_timeout" yaml:"probe_timeout"`
	ProbeTimeout         time.Duration `toml:"-" yaml:"-"`
	KeepaliveIntervalStr string        `toml:"keepalive_interval" yaml:"keepalive_interval"`
	KeepaliveInterval    time.Duration `toml:"-" yaml:"-"`
	KeepaliveTimeoutStr  string        `toml:"keepalive_timeout" yaml:"keepalive_timeout"`
	KeepaliveTimeout     time.Duration `toml:"-" yaml:"-"`
	AbandonGraceStr      string        `toml:"abandon_grace" yaml:"abandon_grace"`
	AbandonGrace         time.Duration `toml:"-" yaml:"-"`
	DisposeTimeoutStr    string        `toml:"dispose_timeout" yaml:"dispose_timeout"`
	DisposeTimeout       time.Duration `toml:"-" yaml:"-"`
}

// SelectionConfig filters the servers eligible for binding.
type SelectionConfig struct {
	ExcludeVariants []string          `toml:"exclude_variants" yaml:"exclude_variants"`
	IncludeLabels   map[string]string `toml:"include_labels" yaml:"include_labels"`
	ExcludeLabels   map[string]string `toml:"exclude_labels" yaml:"exclude_labels"`
	PolicyDir       string            `toml:"policy_dir" yaml:"policy_dir"`
}

// JournalConfig holds connection journal settings.
type JournalConfig struct {
	Enabled       bool   `toml:"enabled" yaml:"enabled"`
	Dir           string `toml:"dir" yaml:"dir"`
	MaxFileSize   int64  `toml:"max_file_size" yaml:"max_file_size"`
	RetentionDays int    `toml:"retention_days" yaml:"retention_days"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint" yaml:"endpoint"`
	Insecure    bool          `toml:"insecure" yaml:"insecure"`
	ServiceName string        `toml:"service_name" yaml:"service_name"`
	Traces      TracesConfig  `toml:"traces" yaml:"traces"`
	Metrics     MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled" yaml:"enabled"`
	SampleRate float64 `toml:"sample_rate" yaml:"sample_rate"`
}

// MetricsConfig holds OTLP metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`
}

// HTTPConfig holds the metrics and health endpoint settings.
type HTTPConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Addr    string `toml:"addr" yaml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level   string `toml:"level" yaml:"level"`
	Console bool   `toml:"console" yaml:"console"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{
		Journal: JournalConfig{Enabled: true},
		Metrics: HTTPConfig{Enabled: true},
	}
	applyDefaults(cfg)
	// Defaults always parse.
	_ = parseDurations(cfg)
	return cfg
}

// Load reads and parses a config file. Files ending in .yaml or .yml are
// parsed as YAML, everything else as TOML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{
		Journal: JournalConfig{Enabled: true},
		Metrics: HTTPConfig{Enabled: true},
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = defaultDataDir()
	}
	if cfg.Scheduler.IntervalStr == "" {
		cfg.Scheduler.IntervalStr = "5s"
	}
	if cfg.Scheduler.TaskTimeoutStr == "" {
		cfg.Scheduler.TaskTimeoutStr = "3s"
	}
	setDefault(&cfg.Connection.ProbeTimeoutStr, "10s")
	setDefault(&cfg.Connection.KeepaliveIntervalStr, "30s")
	setDefault(&cfg.Connection.KeepaliveTimeoutStr, "10s")
	setDefault(&cfg.Connection.AbandonGraceStr, "2s")
	setDefault(&cfg.Connection.DisposeTimeoutStr, "10s")
	if cfg.Journal.Dir == "" {
		cfg.Journal.Dir = filepath.Join(cfg.Store.Dir, "journal")
	}
	if cfg.Journal.MaxFileSize == 0 {
		cfg.Journal.MaxFileSize = 10 * 1024 * 1024
	}
	if cfg.Journal.RetentionDays == 0 {
		cfg.Journal.RetentionDays = 30
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "tether"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9464"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func setDefault(s *string, def string) {
	if *s == "" {
		*s = def
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tether"
	}
	return filepath.Join(home, ".tether")
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		str  string
		dst  *time.Duration
	}{
		{"scheduler.interval", cfg.Scheduler.IntervalStr, &cfg.Scheduler.Interval},
		{"scheduler.task_timeout", cfg.Scheduler.TaskTimeoutStr, &cfg.Scheduler.TaskTimeout},
		{"connection.probe_timeout", cfg.Connection.ProbeTimeoutStr, &cfg.Connection.ProbeTimeout},
		{"connection.keepalive_interval", cfg.Connection.KeepaliveIntervalStr, &cfg.Connection.KeepaliveInterval},
		{"connection.keepalive_timeout", cfg.Connection.KeepaliveTimeoutStr, &cfg.Connection.KeepaliveTimeout},
		{"connection.abandon_grace", cfg.Connection.AbandonGraceStr, &cfg.Connection.AbandonGrace},
		{"connection.dispose_timeout", cfg.Connection.DisposeTimeoutStr, &cfg.Connection.DisposeTimeout},
	}
	for _, f := range fields {
		d, err := time.ParseDuration(f.str)
		if err != nil {
			return fmt.Errorf("parse %s %q: %w", f.name, f.str, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler: interval must be positive (got %v)", c.Scheduler.Interval)
	}
	if c.Scheduler.TaskTimeout < 0 {
		return fmt.Errorf("scheduler: task_timeout must not be negative (got %v)", c.Scheduler.TaskTimeout)
	}
	if c.Connection.KeepaliveInterval <= 0 {
		return fmt.Errorf("connection: keepalive_interval must be positive (got %v)", c.Connection.KeepaliveInterval)
	}
	if c.Connection.ProbeTimeout <= 0 {
		return fmt.Errorf("connection: probe_timeout must be positive (got %v)", c.Connection.ProbeTimeout)
	}
	if c.Connection.AbandonGrace < 0 {
		return fmt.Errorf("connection: abandon_grace must not be negative (got %v)", c.Connection.AbandonGrace)
	}
	if c.Journal.MaxFileSize < 0 {
		return fmt.Errorf("journal: max_file_size must not be negative")
	}
	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		return fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate)
	}
	switch strings.ToLower(c.Log.Level) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log: unknown level %q", c.Log.Level)
	}
	return nil
}
