package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mixsignal/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

func anyArgs(n int) []any {
	args := make([]any, n)
	for i := range args {
		args[i] = pgxmock.AnyArg()
	}
	return args
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS pipeline_runs`).WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Ping(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	mock.ExpectExec(`SELECT 1`).WillReturnError(fmt.Errorf("connection refused"))

	err := s.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres: ping")
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT run_id, seed, created_at.*FROM pipeline_runs WHERE run_id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.Equal(t, model.CodeNotFound, model.ErrorCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	a := testArtifacts("run-1", time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO pipeline_runs`).WithArgs(anyArgs(10)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"mmm_results"}, mmmColumns).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"attribution_events"}, eventColumns).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"unified_metrics"}, metricColumns).WillReturnResult(3)
	mock.ExpectExec(`INSERT INTO reconciliation_reports`).
		WithArgs("run-1", a.Reconciliation.WindowStart, a.Reconciliation.WindowEnd, "mean_abs", 0.15, 0.3, true).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"reconciliation_channels"}, reconciliationColumns).WillReturnResult(2)
	mock.ExpectCopyFrom(pgx.Identifier{"decisions"}, decisionColumns).WillReturnResult(2)
	mock.ExpectCommit()

	require.NoError(t, s.CommitRun(context.Background(), a))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CommitRun_RollsBack(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	a := testArtifacts("run-1", time.Now())

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO pipeline_runs`).WithArgs(anyArgs(10)...).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"mmm_results"}, mmmColumns).WillReturnError(fmt.Errorf("disk full"))
	mock.ExpectRollback()

	err := s.CommitRun(context.Background(), a)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY INTO mmm_results")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReconciliation(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	start, end := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM reconciliation_reports WHERE run_id = \$1`).WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"run_id", "window_start", "window_end", "metric", "threshold",
			"disagreement_score", "instability_flagged"}).
			AddRow("run-1", start, end, "mean_abs", 0.15, 0.3, true))
	mock.ExpectQuery(`FROM reconciliation_channels WHERE run_id = \$1 ORDER BY channel`).WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"channel", "attribution_share", "mmm_share", "abs_diff", "in_both"}).
			AddRow("google", 0.4, 0.7, 0.3, true).
			AddRow("meta", 0.6, 0.3, 0.3, true))

	rec, err := s.GetReconciliation(context.Background(), "run-1")
	require.NoError(t, err)
	assert.True(t, rec.InstabilityFlagged)
	require.Len(t, rec.Channels, 2)
	assert.Equal(t, "meta", rec.Channels[1].Channel)
	assert.Equal(t, 0.6, rec.Channels[1].AttributionShare)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListMMMResults(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	lo, hi := 30.0, 50.0

	rows := pgxmock.NewRows([]string{"run_id", "channel", "coefficient", "goodness_of_fit_r2", "ci_low", "ci_high",
		"model_version", "adstock_half_life", "saturation_scale", "elasticity", "vif", "low_confidence"}).
		AddRow("run-1", "meta", 41.5, 0.99, &lo, &hi, "mmm-1.0+ridge+log1p", 7.0, 0.001, 0.4, 1.2, false)
	mock.ExpectQuery(`FROM mmm_results WHERE run_id = \$1`).WithArgs("run-1").WillReturnRows(rows)

	out, err := s.ListMMMResults(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 41.5, out[0].Coefficient)
	require.NotNil(t, out[0].ConfidenceIntervalHigh)
	assert.Equal(t, 50.0, *out[0].ConfidenceIntervalHigh)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateDecisionStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM decisions WHERE decision_id = \$1 FOR UPDATE`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := s.UpdateDecisionStatus(context.Background(), "missing", model.DecisionApproved)
	require.Error(t, err)
	assert.Equal(t, model.CodeNotFound, model.ErrorCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateDecisionStatus_InvalidStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	_, err := s.UpdateDecisionStatus(context.Background(), "d1", "maybe")
	require.Error(t, err)
	assert.Equal(t, model.CodeInvalidInput, model.ErrorCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
