//go:build !integration

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mixsignal/internal/config"
	"github.com/sells-group/mixsignal/internal/model"
	"github.com/sells-group/mixsignal/internal/reconcile"
)

// loadTestConfig loads defaults plus yaml into the package-level cfg.
func loadTestConfig(t *testing.T, yaml string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml += "\nstore:\n  driver: sqlite\n  database_url: " + filepath.Join(dir, "test.db") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	c, err := config.Load(path)
	require.NoError(t, err)
	prev := cfg
	cfg = c
	t.Cleanup(func() { cfg = prev })
}

func TestInitStore_SQLite(t *testing.T) {
	loadTestConfig(t, "")

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck
	require.NoError(t, st.Ping(context.Background()))
}

func TestInitStore_UnknownDriver(t *testing.T) {
	loadTestConfig(t, "")
	cfg.Store.Driver = "mongo"

	_, err := initStore(context.Background())
	assert.Error(t, err)
}

func TestPipelineOptions_MapsConfig(t *testing.T) {
	loadTestConfig(t, `
pipeline:
  window_days: 60
  decision_window_days: 14
  mta_mode: markov
  min_markov_sequences: 5
  max_concurrent_runs: 3
mmm:
  lambda: 2.5
  half_life: 4
  bootstrap:
    enabled: false
reconcile:
  metric: hellinger
  threshold: 0.2
decision:
  step_pct: 10
  weights:
    fit: 0.5
    alignment: 0.3
    sample: 0.2
`)

	opts, err := pipelineOptions()
	require.NoError(t, err)
	assert.Equal(t, 60, opts.WindowDays)
	assert.Equal(t, 14, opts.DecisionWindowDays)
	assert.Equal(t, 3, opts.MaxConcurrentRuns)
	assert.Equal(t, model.MTAMarkov, opts.Attribution.Mode)
	assert.Equal(t, 5, opts.Attribution.MinMarkovSequences)
	assert.Equal(t, 2.5, opts.MMM.Lambda)
	assert.Equal(t, 4.0, opts.MMM.HalfLife)
	assert.False(t, opts.MMM.Bootstrap.Enabled)
	assert.NotNil(t, opts.MMM.Profile)
	assert.Equal(t, reconcile.Hellinger, opts.ReconcileMetric)
	assert.Equal(t, 0.2, opts.ReconcileThreshold)
	assert.Equal(t, 10.0, opts.Decision.StepPct)
	assert.Equal(t, 0.5, opts.Decision.Weights.Fit)
}

func TestPipelineOptions_ChannelProfile(t *testing.T) {
	profile := filepath.Join(t.TempDir(), "profile.yaml")
	require.NoError(t, os.WriteFile(profile, []byte("channels:\n  tiktok:\n    category: social\n"), 0o600))
	loadTestConfig(t, "mmm:\n  channel_profile: "+profile+"\n")

	opts, err := pipelineOptions()
	require.NoError(t, err)
	assert.Equal(t, 7.0, opts.MMM.Profile.HalfLife("tiktok", 1))

	cfg.MMM.ChannelProfile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = pipelineOptions()
	assert.Error(t, err)
}

func TestPipelineOptions_ChannelHalfLife(t *testing.T) {
	loadTestConfig(t, "mmm:\n  channel_half_life:\n    meta: 4\n    tiktok: 9\n")

	opts, err := pipelineOptions()
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"meta": 4, "tiktok": 9}, opts.MMM.ChannelHalfLife)
	assert.Equal(t, 3.0, opts.MMM.Profile.HalfLife("google", 7), "unpinned channels keep the profile default")
}

func TestPipelineOptions_BadMetric(t *testing.T) {
	loadTestConfig(t, "reconcile:\n  metric: cosine\n")

	_, err := pipelineOptions()
	assert.Error(t, err)
}

func TestServiceOptions_MapsConfig(t *testing.T) {
	loadTestConfig(t, "optimizer:\n  lookback_days: 14\nserver:\n  cache_size: 8\n")

	opts := serviceOptions()
	assert.Equal(t, 14, opts.LookbackDays)
	assert.Equal(t, 8, opts.CacheSize)
	assert.Equal(t, 200, opts.Optimizer.MaxIterations)
	assert.Equal(t, reconcile.MeanAbs, opts.ReconcileMetric)
}

func TestNotifySinks(t *testing.T) {
	loadTestConfig(t, "")
	assert.Empty(t, notifySinks())

	cfg.Notify.WebhookURL = "http://localhost:9/hook"
	cfg.Notify.Kafka.Brokers = []string{"localhost:9092", "localhost:9093"}
	sinks := notifySinks()
	require.Len(t, sinks, 2)
	assert.Equal(t, "webhook", sinks[0].Name())
	assert.Equal(t, "kafka:mixsignal.pipeline", sinks[1].Name())
	closeSinks(sinks)
}

func TestInitPipeline_AndQuery(t *testing.T) {
	loadTestConfig(t, "source:\n  dir: "+t.TempDir()+"\n")
	ctx := context.Background()

	env, err := initPipeline(ctx, "serve")
	require.NoError(t, err)
	defer env.Close()
	assert.NotNil(t, env.Pipeline)
	assert.NotNil(t, env.Service.Orchestrator())
	assert.NotNil(t, env.Registry)

	q, err := initQuery(ctx)
	require.NoError(t, err)
	defer q.Close()
	assert.Nil(t, q.Pipeline)
	assert.Nil(t, q.Service.Orchestrator())
}

func TestInitPipeline_InvalidConfig(t *testing.T) {
	loadTestConfig(t, "pipeline:\n  window_days: 0\n")

	_, err := initPipeline(context.Background(), "run")
	assert.Error(t, err)
}

func TestRunRequestFromFlags(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().Uint64Var(&runSeed, "seed", 0, "")
	t.Cleanup(func() { runSeed, runStart, runEnd, runMTAMode = 0, "", "", "" })

	require.NoError(t, cmd.Flags().Set("seed", "42"))
	runStart, runEnd, runMTAMode = "2024-01-01", "2024-03-31", "markov"

	req, err := runRequestFromFlags(cmd)
	require.NoError(t, err)
	require.NotNil(t, req.Seed)
	assert.Equal(t, uint64(42), *req.Seed)
	assert.Equal(t, "2024-01-01", req.Start.Format(model.DateLayout))
	assert.Equal(t, "2024-03-31", req.End.Format(model.DateLayout))
	assert.Equal(t, model.MTAMarkov, req.MTAMode)

	runEnd = "31/03/2024"
	_, err = runRequestFromFlags(cmd)
	assert.Equal(t, model.CodeInvalidInput, model.ErrorCode(err))
}

func TestRunRequestFromFlags_SeedUnset(t *testing.T) {
	cmd := &cobra.Command{}
	cmd.Flags().Uint64Var(&runSeed, "seed", 0, "")

	req, err := runRequestFromFlags(cmd)
	require.NoError(t, err)
	assert.Nil(t, req.Seed)
	assert.Nil(t, req.Start)
	assert.Nil(t, req.End)
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"a": 1}))
	assert.Equal(t, "{\n  \"a\": 1\n}\n", buf.String())
}

func TestResolvePort(t *testing.T) {
	assert.Equal(t, 9000, resolvePort(9000, &config.Config{Server: config.ServerConfig{Port: 8081}}))
	assert.Equal(t, 8081, resolvePort(0, &config.Config{Server: config.ServerConfig{Port: 8081}}))
	assert.Equal(t, 8080, resolvePort(0, nil))
}
