//go:build !integration

package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mixsignal/internal/model"
)

func sampleRuns() []model.PipelineRun {
	now := time.Date(2024, 4, 1, 9, 30, 0, 0, time.UTC)
	return []model.PipelineRun{
		{
			RunID:       "abc12345-6789-0000-0000-000000000000",
			Seed:        42,
			CreatedAt:   now,
			WindowStart: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			WindowEnd:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
			Diagnostics: &model.MMMDiagnostics{R2: 0.8, StabilityIndex: 0.9},
			Attribution: &model.AttributionSummary{Orders: 100, TotalRevenue: 1000, AttributedRevenue: 800},
		},
		{
			RunID:       "def12345-6789-0000-0000-000000000000",
			Seed:        7,
			CreatedAt:   now.Add(-48 * time.Hour),
			WindowStart: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
			WindowEnd:   time.Date(2024, 3, 29, 0, 0, 0, 0, time.UTC),
			Diagnostics: &model.MMMDiagnostics{R2: 0.4, StabilityIndex: 0.3, LowConfidence: true},
			Attribution: &model.AttributionSummary{Orders: 50, TotalRevenue: 1000, AttributedRevenue: 400},
		},
	}
}

func TestFormatRunsList(t *testing.T) {
	var buf bytes.Buffer
	formatRunsList(&buf, sampleRuns())

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "WINDOW")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "0.800")
	assert.Contains(t, output, "0.30*")
	assert.Contains(t, output, "2024-04-01 09:30")
}

func TestFormatRunsList_NoDiagnostics(t *testing.T) {
	var buf bytes.Buffer
	formatRunsList(&buf, []model.PipelineRun{{RunID: "short", CreatedAt: time.Now()}})
	assert.Contains(t, buf.String(), "short")
	assert.Contains(t, buf.String(), "-")
}

func TestComputeRunStats(t *testing.T) {
	s := computeRunStats(sampleRuns())

	assert.Equal(t, 2, s.Total)
	assert.Equal(t, 1, s.LowConfidence)
	assert.InDelta(t, 0.6, s.AvgR2, 1e-9)
	assert.InDelta(t, 0.6, s.AvgStability, 1e-9)
	assert.Equal(t, 150, s.Orders)
	assert.InDelta(t, 0.6, s.AttributedRate, 1e-9)
}

func TestComputeRunStats_Empty(t *testing.T) {
	s := computeRunStats(nil)
	assert.Equal(t, runStats{}, s)
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, computeRunStats(sampleRuns()))

	output := buf.String()
	assert.Contains(t, output, "Total runs:")
	assert.Contains(t, output, "Low confidence:")
	assert.Contains(t, output, "60.0%")
}

func TestRunsSince(t *testing.T) {
	runs := sampleRuns()
	recent := runsSince(runs, runs[0].CreatedAt.Add(-time.Hour))
	require.Len(t, recent, 1)
	assert.Equal(t, runs[0].RunID, recent[0].RunID)
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
}
