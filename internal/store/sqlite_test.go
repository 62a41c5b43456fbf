package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mixsignal/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Migrate(context.Background()))
	assert.NoError(t, st.Ping(context.Background()))
}

func TestSQLite_CommitRunRoundTrip(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	created := time.Date(2024, 1, 3, 10, 0, 0, 123, time.UTC)
	a := testArtifacts("run-1", created)
	require.NoError(t, st.CommitRun(ctx, a))

	run, err := st.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), run.Seed)
	assert.True(t, created.Equal(run.CreatedAt))
	assert.Equal(t, date("2024-01-01"), run.WindowStart)
	assert.Equal(t, "snap-run-1", run.DataSnapshotID)
	require.NotNil(t, run.Diagnostics)
	assert.Equal(t, 0.99, run.Diagnostics.R2)
	require.NotNil(t, run.Attribution)
	assert.Equal(t, model.MTAEqualWeight, run.Attribution.MTAMode)

	results, err := st.ListMMMResults(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "google", results[0].Channel)
	assert.Nil(t, results[0].ConfidenceIntervalLow)
	assert.True(t, results[0].LowConfidence)
	require.NotNil(t, results[1].ConfidenceIntervalHigh)
	assert.Equal(t, 50.0, *results[1].ConfidenceIntervalHigh)

	events, err := st.ListAttributionEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.MethodClickID, events[0].Method)
	assert.Equal(t, date("2024-01-01"), events[0].Date)

	rec, err := st.GetReconciliation(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, rec.InstabilityFlagged)
	assert.Equal(t, a.Reconciliation.Channels, rec.Channels)

	decisions, err := st.ListDecisions(ctx, DecisionFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	assert.Equal(t, "google", decisions[0].Channel)
	assert.Equal(t, []string{}, decisions[0].RiskFlags)
	assert.Equal(t, []string{model.FlagHighDisagreement}, decisions[1].RiskFlags)
	assert.Equal(t, 0.7, decisions[1].Reasoning.MTASupport)
}

func TestSQLite_UnifiedMetricsFilter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CommitRun(ctx, testArtifacts("run-1", time.Now())))

	all, err := st.ListUnifiedMetrics(ctx, MetricsFilter{RunID: "run-1"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.NotNil(t, all[0].ROAS)
	assert.Equal(t, 1.0, *all[0].ROAS)
	assert.Nil(t, all[1].ROAS)
	assert.Equal(t, "google", all[1].Channel)

	day2, err := st.ListUnifiedMetrics(ctx, MetricsFilter{RunID: "run-1", Start: date("2024-01-02"), End: date("2024-01-02")})
	require.NoError(t, err)
	assert.Len(t, day2, 2)

	meta, err := st.ListUnifiedMetrics(ctx, MetricsFilter{RunID: "run-1", Channel: "meta"})
	require.NoError(t, err)
	assert.Len(t, meta, 2)
}

func TestSQLite_LatestAndListRuns(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.LatestRun(ctx)
	assert.True(t, errors.Is(err, model.ErrNotFound))

	base := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.CommitRun(ctx, testArtifacts("run-a", base)))
	require.NoError(t, st.CommitRun(ctx, testArtifacts("run-b", base.Add(time.Hour))))

	latest, err := st.LatestRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-b", latest.RunID)

	runs, err := st.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-a", runs[1].RunID)

	runs, err = st.ListRuns(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLite_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	_, err := st.GetRun(ctx, "missing")
	assert.Equal(t, model.CodeNotFound, model.ErrorCode(err))
	_, err = st.GetReconciliation(ctx, "missing")
	assert.Equal(t, model.CodeNotFound, model.ErrorCode(err))
	_, err = st.GetDecision(ctx, "missing")
	assert.Equal(t, model.CodeNotFound, model.ErrorCode(err))
	_, err = st.UpdateDecisionStatus(ctx, "missing", model.DecisionApproved)
	assert.Equal(t, model.CodeNotFound, model.ErrorCode(err))
}

func TestSQLite_ReconciliationRowPerChannel(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CommitRun(ctx, testArtifacts("run-1", time.Now())))
	require.NoError(t, st.CommitRun(ctx, testArtifacts("run-2", time.Now())))

	var n int
	require.NoError(t, st.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reconciliation_channels WHERE run_id = ?`, "run-1").Scan(&n))
	assert.Equal(t, 2, n)

	rec, err := st.GetReconciliation(ctx, "run-2")
	require.NoError(t, err)
	require.Len(t, rec.Channels, 2)
	assert.Equal(t, "google", rec.Channels[0].Channel)
	assert.False(t, rec.Channels[0].InBoth)
	assert.True(t, rec.Channels[1].InBoth)
}

func TestSQLite_CommitRunIsAtomic(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := testArtifacts("run-1", time.Now())
	a.Attribution[1].EventID = a.Attribution[0].EventID
	require.Error(t, st.CommitRun(ctx, a))

	_, err := st.GetRun(ctx, "run-1")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	results, err := st.ListMMMResults(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSQLite_CommitRunRejectsForeignArtifacts(t *testing.T) {
	st := newTestSQLiteStore(t)
	a := testArtifacts("run-1", time.Now())
	a.Decisions[0].RunID = "run-2"

	err := st.CommitRun(context.Background(), a)
	require.Error(t, err)
	assert.Equal(t, model.CodeDataIntegrity, model.ErrorCode(err))

	err = st.CommitRun(context.Background(), &model.RunArtifacts{})
	assert.Equal(t, model.CodeInvalidInput, model.ErrorCode(err))
}

func TestSQLite_UpdateDecisionStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	require.NoError(t, st.CommitRun(ctx, testArtifacts("run-1", time.Now().Add(-time.Hour))))

	d, err := st.UpdateDecisionStatus(ctx, "run-1-d2", model.DecisionApproved)
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApproved, d.Status)

	got, err := st.GetDecision(ctx, "run-1-d2")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionApproved, got.Status)
	assert.True(t, got.UpdatedAt.After(got.CreatedAt))

	// Approved decisions are final.
	_, err = st.UpdateDecisionStatus(ctx, "run-1-d2", model.DecisionRejected)
	require.Error(t, err)
	assert.Equal(t, model.CodeInvalidInput, model.ErrorCode(err))

	_, err = st.UpdateDecisionStatus(ctx, "run-1-d1", model.DecisionPending)
	assert.Equal(t, model.CodeInvalidInput, model.ErrorCode(err))

	_, err = st.UpdateDecisionStatus(ctx, "run-1-d1", "maybe")
	assert.Equal(t, model.CodeInvalidInput, model.ErrorCode(err))

	approved, err := st.ListDecisions(ctx, DecisionFilter{Status: model.DecisionApproved})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	assert.Equal(t, "meta", approved[0].Channel)
}

func TestOpen(t *testing.T) {
	st, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "open.db"))
	require.NoError(t, err)
	assert.NoError(t, st.Close())

	_, err = Open(context.Background(), "mongo", "")
	assert.Error(t, err)
}
