package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "mixsignal.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "data", cfg.Source.Dir)
	assert.Equal(t, 90, cfg.Pipeline.WindowDays)
	assert.Equal(t, "equal_weight", cfg.Pipeline.MTAMode)
	assert.Equal(t, 10, cfg.Pipeline.MinMarkovSequences)
	assert.Equal(t, 30, cfg.Pipeline.DecisionWindowDays)
	assert.Equal(t, 2, cfg.Pipeline.MaxConcurrentRuns)
	assert.InDelta(t, 7.0, cfg.MMM.HalfLife, 0.001)
	assert.InDelta(t, 1.0, cfg.MMM.Lambda, 0.001)
	assert.True(t, cfg.MMM.FitIntercept)
	assert.Equal(t, 14, cfg.MMM.MinObservations)
	assert.True(t, cfg.MMM.Bootstrap.Enabled)
	assert.Equal(t, 500, cfg.MMM.Bootstrap.Resamples)
	assert.Equal(t, 7, cfg.MMM.Bootstrap.BlockLength)
	assert.Equal(t, "mean_abs", cfg.Reconcile.Metric)
	assert.InDelta(t, 0.15, cfg.Reconcile.Threshold, 0.001)
	assert.InDelta(t, 20.0, cfg.Decision.StepPct, 0.001)
	assert.InDelta(t, 0.4, cfg.Decision.Weights.Fit, 0.001)
	assert.Equal(t, 30, cfg.Optimizer.LookbackDays)
	assert.Equal(t, 200, cfg.Optimizer.MaxIterations)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 6, cfg.Server.TriggerRatePerMinute)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 3, cfg.Notify.Retry.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Notify.Retry.InitialBackoff)
	assert.Equal(t, "mixsignal.pipeline", cfg.Notify.Kafka.Topic)
	assert.False(t, cfg.Monitoring.Enabled)
	assert.Equal(t, 20, cfg.Monitoring.LookbackRuns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	assert.NoError(t, cfg.Validate("serve"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/mixsignal
source:
  dir: /srv/snapshots
  channels: [meta, google]
pipeline:
  mta_mode: markov
mmm:
  channel_half_life:
    google: 2
    meta: 5.5
  bootstrap:
    resamples: 200
notify:
  retry:
    initial_backoff: 2s
log:
  level: debug
  format: console
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "/srv/snapshots", cfg.Source.Dir)
	assert.Equal(t, []string{"meta", "google"}, cfg.Source.Channels)
	assert.Equal(t, "markov", cfg.Pipeline.MTAMode)
	assert.Equal(t, 200, cfg.MMM.Bootstrap.Resamples)
	assert.Equal(t, map[string]float64{"google": 2, "meta": 5.5}, cfg.MMM.ChannelHalfLife)
	assert.Equal(t, 2*time.Second, cfg.Notify.Retry.InitialBackoff)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.Equal(t, 90, cfg.Pipeline.WindowDays)
	assert.Equal(t, 7, cfg.MMM.Bootstrap.BlockLength)
}

func TestLoadExplicitPath(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  window_days: 60\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 60, cfg.Pipeline.WindowDays)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("MIXSIGNAL_STORE_DRIVER", "postgres")
	t.Setenv("MIXSIGNAL_LOG_LEVEL", "warn")
	t.Setenv("MIXSIGNAL_SERVER_API_KEY", "secret")

	cfg, err := Load("")
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "secret", cfg.Server.APIKey)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("MIXSIGNAL_PIPELINE_WINDOW_DAYS", "45")
	t.Setenv("MIXSIGNAL_MMM_BOOTSTRAP_ENABLED", "false")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Pipeline.WindowDays)
	assert.False(t, cfg.MMM.Bootstrap.Enabled)
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

// validDefaults returns a Config with the defaults validation depends on.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Source.Dir = "data"
	cfg.Pipeline.WindowDays = 90
	cfg.Pipeline.MTAMode = "equal_weight"
	cfg.Pipeline.DecisionWindowDays = 30
	cfg.Pipeline.MaxConcurrentRuns = 2
	cfg.MMM.Lambda = 1
	cfg.MMM.HalfLife = 7
	cfg.Reconcile.Threshold = 0.15
	cfg.Server.Port = 8080
	return cfg
}

func TestValidateQuery_OnlyChecksStore(t *testing.T) {
	cfg := &Config{}
	assert.NoError(t, cfg.Validate("query"))

	cfg.Store.Driver = "postgres"
	err := cfg.Validate("query")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required for postgres")

	cfg.Store.Driver = "mysql"
	err = cfg.Validate("query")
	assert.Contains(t, err.Error(), `store.driver "mysql"`)
}

func TestValidateRun_CollectsAllErrors(t *testing.T) {
	cfg := validDefaults()
	cfg.Source.Dir = ""
	cfg.Pipeline.MTAMode = "shapley"
	cfg.Pipeline.DecisionWindowDays = 120
	cfg.MMM.Lambda = 0

	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source.dir is required")
	assert.Contains(t, err.Error(), "pipeline.mta_mode")
	assert.Contains(t, err.Error(), "decision_window_days")
	assert.Contains(t, err.Error(), "mmm.lambda must be > 0")
}

func TestValidateRun_ChannelHalfLife(t *testing.T) {
	cfg := validDefaults()
	cfg.MMM.ChannelHalfLife = map[string]float64{"meta": 3}
	assert.NoError(t, cfg.Validate("run"))

	cfg.MMM.ChannelHalfLife["google"] = 0
	err := cfg.Validate("run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mmm.channel_half_life.google must be > 0")
}

func TestValidateConcurrencyBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Pipeline.MaxConcurrentRuns = 0
	err := cfg.Validate("run")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "max_concurrent_runs must be between 1 and 16")

	cfg.Pipeline.MaxConcurrentRuns = 17
	assert.Error(t, cfg.Validate("run"))

	cfg.Pipeline.MaxConcurrentRuns = 16
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateServe(t *testing.T) {
	cfg := validDefaults()
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")

	cfg.Server.Port = 8080
	cfg.Monitoring.Enabled = true
	err = cfg.Validate("serve")
	assert.Contains(t, err.Error(), "monitoring.webhook_url is required")

	// Server settings are not checked for plain runs.
	assert.NoError(t, cfg.Validate("run"))
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
