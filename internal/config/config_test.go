package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 60, cfg.Poll.IntervalSecs)
	assert.Equal(t, 4, cfg.Fetch.Concurrency)
	assert.Equal(t, 15, cfg.Fetch.TaskTimeoutSecs)
	assert.Equal(t, 5, cfg.Ship.MaxRetries)
	assert.Equal(t, 64, cfg.Ship.QueueSize)
	assert.Equal(t, 500, cfg.Ship.BackoffInitialMs)
	assert.Equal(t, 30, cfg.Ship.BackoffMaxSecs)
	assert.Equal(t, 30, cfg.Ship.DrainGraceSecs)
	assert.Equal(t, 64_000, cfg.Sink.GzipThreshold)
	assert.Equal(t, "weather-relay.db", cfg.Journal.Path)
	assert.True(t, cfg.Ops.Enabled)
	assert.Equal(t, 8080, cfg.Ops.Port)
	assert.Empty(t, cfg.Cities)
	assert.False(t, cfg.Sources.File.Enabled)
	assert.False(t, cfg.Sources.OpenWeather.Enabled)
	assert.Equal(t, "https://api.openweathermap.org", cfg.Sources.OpenWeather.BaseURL)
	assert.InDelta(t, 1.0, cfg.Sources.OpenWeather.RatePerSec, 0.001)
	assert.Equal(t, 1, cfg.Sources.OpenWeather.Burst)
	assert.False(t, cfg.Sources.WeatherAPI.Enabled)
	assert.Equal(t, "https://api.weatherapi.com", cfg.Sources.WeatherAPI.BaseURL)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
cities:
  - Berlin
  - Lagos
sink:
  listener: listener.logz.io
  token: t0ken
poll:
  interval_secs: 30
sources:
  openweather:
    enabled: true
    key: ow-key
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"Berlin", "Lagos"}, cfg.Cities)
	assert.Equal(t, "listener.logz.io", cfg.Sink.Listener)
	assert.Equal(t, "t0ken", cfg.Sink.Token)
	assert.Equal(t, 30, cfg.Poll.IntervalSecs)
	assert.True(t, cfg.Sources.OpenWeather.Enabled)
	assert.Equal(t, "ow-key", cfg.Sources.OpenWeather.Key)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	// Defaults still apply for unset values
	assert.Equal(t, "https://api.openweathermap.org", cfg.Sources.OpenWeather.BaseURL)
	assert.Equal(t, 5, cfg.Ship.MaxRetries)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
poll:
  interval_secs: 30
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("RELAY_POLL_INTERVAL_SECS", "10")
	t.Setenv("RELAY_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, 10, cfg.Poll.IntervalSecs)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("RELAY_SINK_TOKEN", "env-token")
	t.Setenv("RELAY_SOURCES_OPENWEATHER_KEY", "env-key")
	t.Setenv("RELAY_FETCH_CONCURRENCY", "9")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Sink.Token)
	assert.Equal(t, "env-key", cfg.Sources.OpenWeather.Key)
	assert.Equal(t, 9, cfg.Fetch.Concurrency)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validConfig returns a Config that passes validation.
func validConfig() *Config {
	cfg := &Config{}
	cfg.Cities = []string{"Berlin"}
	cfg.Sources.File.Enabled = true
	cfg.Sources.File.Path = "observations.csv"
	cfg.Sink.Listener = "listener.logz.io"
	cfg.Sink.Token = "t0ken"
	cfg.Sink.GzipThreshold = 64_000
	cfg.Poll.IntervalSecs = 60
	cfg.Fetch.Concurrency = 4
	cfg.Fetch.TaskTimeoutSecs = 15
	cfg.Ship.MaxRetries = 5
	cfg.Ship.QueueSize = 64
	cfg.Ship.BackoffInitialMs = 500
	cfg.Ship.BackoffMaxSecs = 30
	cfg.Ship.DrainGraceSecs = 30
	cfg.Journal.Path = "weather-relay.db"
	cfg.Ops.Enabled = true
	cfg.Ops.Port = 8080
	return cfg
}

func TestValidate_AllPresent(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestValidate_MissingSink(t *testing.T) {
	cfg := validConfig()
	cfg.Sink.Listener = ""
	cfg.Sink.Token = ""

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sink.listener is required")
	assert.Contains(t, err.Error(), "sink.token is required")
}

func TestValidate_NoCities(t *testing.T) {
	cfg := validConfig()
	cfg.Cities = nil

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cities must not be empty")
}

func TestValidate_BlankCity(t *testing.T) {
	cfg := validConfig()
	cfg.Cities = []string{"Berlin", ""}

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cities[1] is required")
}

func TestValidate_NoSourceEnabled(t *testing.T) {
	cfg := validConfig()
	cfg.Sources.File.Enabled = false

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "at least one source must be enabled")
}

func TestValidate_EnabledProviderNeedsKey(t *testing.T) {
	cfg := validConfig()
	cfg.Sources.OpenWeather.Enabled = true
	cfg.Sources.OpenWeather.BaseURL = "https://api.openweathermap.org"

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sources.openweather.key is required when enabled is true")
}

func TestValidate_EnabledFileSourceNeedsPath(t *testing.T) {
	cfg := validConfig()
	cfg.Sources.File.Path = ""

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sources.file.path is required when enabled is true")
}

func TestValidate_BurstRequiredWithRate(t *testing.T) {
	cfg := validConfig()
	cfg.Sources.WeatherAPI.RatePerSec = 2.0
	cfg.Sources.WeatherAPI.Burst = 0

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "sources.weatherapi.burst must be >= 1 when rate_per_sec is set")
}

func TestValidate_PollInterval(t *testing.T) {
	cfg := validConfig()
	cfg.Poll.IntervalSecs = 0

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "poll.interval_secs must be > 0")
}

func TestValidate_OpsPortBounds(t *testing.T) {
	cfg := validConfig()

	cfg.Ops.Port = 0
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ops.port must be between 1 and 65535")

	cfg.Ops.Port = 70000
	err = cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "ops.port must be between 1 and 65535")

	// Port is not checked when the endpoint is off.
	cfg.Ops.Enabled = false
	cfg.Ops.Port = 0
	assert.NoError(t, cfg.Validate())
}

func TestValidate_AccumulatesProblems(t *testing.T) {
	cfg := validConfig()
	cfg.Cities = nil
	cfg.Sink.Token = ""
	cfg.Fetch.Concurrency = 0

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cities must not be empty")
	assert.Contains(t, err.Error(), "sink.token is required")
	assert.Contains(t, err.Error(), "fetch.concurrency must be > 0")
}
