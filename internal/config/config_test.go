package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	content := `
[store]
dir = "/var/lib/tether"

[scheduler]
interval = "10s"
task_timeout = "4s"

[connection]
probe_timeout = "5s"
keepalive_interval = "1m"
abandon_grace = "500ms"

[selection]
exclude_variants = ["cpu"]
policy_dir = "/etc/tether/policies"

[selection.include_labels]
team = "ml"

[journal]
enabled = false
retention_days = 7

[otel]
endpoint = "localhost:4317"
insecure = true
service_name = "tether-dev"

[otel.traces]
enabled = true
sample_rate = 1.0

[otel.metrics]
enabled = true

[metrics]
addr = ":9000"

[log]
level = "debug"
console = true
`
	path := writeTempConfig(t, "config.toml", content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "/var/lib/tether", cfg.Store.Dir)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 4*time.Second, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, 5*time.Second, cfg.Connection.ProbeTimeout)
	assert.Equal(t, time.Minute, cfg.Connection.KeepaliveInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.Connection.AbandonGrace)
	assert.Equal(t, []string{"cpu"}, cfg.Selection.ExcludeVariants)
	assert.Equal(t, map[string]string{"team": "ml"}, cfg.Selection.IncludeLabels)
	assert.Equal(t, "/etc/tether/policies", cfg.Selection.PolicyDir)
	assert.False(t, cfg.Journal.Enabled)
	assert.Equal(t, "/var/lib/tether/journal", cfg.Journal.Dir)
	assert.Equal(t, 7, cfg.Journal.RetentionDays)
	assert.Equal(t, "localhost:4317", cfg.OTEL.Endpoint)
	assert.True(t, cfg.OTEL.Insecure)
	assert.Equal(t, "tether-dev", cfg.OTEL.ServiceName)
	assert.True(t, cfg.OTEL.Traces.Enabled)
	assert.Equal(t, 1.0, cfg.OTEL.Traces.SampleRate)
	assert.True(t, cfg.OTEL.Metrics.Enabled)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9000", cfg.Metrics.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Console)
	require.NoError(t, cfg.Validate())
}

func TestLoad_YAML(t *testing.T) {
	content := `
store:
  dir: /tmp/tether
scheduler:
  interval: 2s
selection:
  exclude_labels:
    tier: preemptible
log:
  level: warn
`
	path := writeTempConfig(t, "config.yaml", content)
	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "/tmp/tether", cfg.Store.Dir)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, map[string]string{"tier": "preemptible"}, cfg.Selection.ExcludeLabels)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 30*time.Second, cfg.Connection.KeepaliveInterval)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeTempConfig(t, "config.toml", "")
	cfg, err := Load(path)

	require.NoError(t, err)
	// Check defaults are applied
	assert.NotEmpty(t, cfg.Store.Dir)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 3*time.Second, cfg.Scheduler.TaskTimeout)
	assert.Equal(t, 10*time.Second, cfg.Connection.ProbeTimeout)
	assert.Equal(t, 10*time.Second, cfg.Connection.DisposeTimeout)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, int64(10*1024*1024), cfg.Journal.MaxFileSize)
	assert.Equal(t, "tether", cfg.OTEL.ServiceName)
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestDefault_MatchesEmptyFile(t *testing.T) {
	path := writeTempConfig(t, "config.toml", "")
	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, loaded, Default())
	require.NoError(t, Default().Validate())
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	require.Error(t, err)
}

func TestLoad_InvalidTOML(t *testing.T) {
	content := `
[store
dir = 1
`
	path := writeTempConfig(t, "config.toml", content)
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := `
[connection]
keepalive_interval = "not-a-duration"
`
	path := writeTempConfig(t, "config.toml", content)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection.keepalive_interval")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero interval", func(c *Config) { c.Scheduler.Interval = 0 }, "interval must be positive"},
		{"negative grace", func(c *Config) { c.Connection.AbandonGrace = -time.Second }, "abandon_grace"},
		{"sample rate", func(c *Config) { c.OTEL.Traces.SampleRate = 1.5 }, "sample_rate"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "unknown level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	err := os.WriteFile(path, []byte(content), 0644)
	require.NoError(t, err)
	return path
}
