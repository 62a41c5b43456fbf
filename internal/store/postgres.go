package store

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mixsignal/internal/db"
	"github.com/sells-group/mixsignal/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.NewPool(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id              TEXT PRIMARY KEY,
	seed                TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	window_start        DATE NOT NULL,
	window_end          DATE NOT NULL,
	data_snapshot_id    TEXT NOT NULL,
	mta_version         TEXT NOT NULL,
	mmm_version         TEXT NOT NULL,
	mmm_diagnostics     JSONB,
	attribution_summary JSONB
);

CREATE TABLE IF NOT EXISTS mmm_results (
	run_id             TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	channel            TEXT NOT NULL,
	coefficient        DOUBLE PRECISION NOT NULL,
	goodness_of_fit_r2 DOUBLE PRECISION NOT NULL,
	ci_low             DOUBLE PRECISION,
	ci_high            DOUBLE PRECISION,
	model_version      TEXT NOT NULL,
	adstock_half_life  DOUBLE PRECISION NOT NULL,
	saturation_scale   DOUBLE PRECISION NOT NULL,
	elasticity         DOUBLE PRECISION NOT NULL,
	vif                DOUBLE PRECISION NOT NULL,
	low_confidence     BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (run_id, channel)
);

CREATE TABLE IF NOT EXISTS attribution_events (
	event_id           TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	order_id           TEXT NOT NULL,
	date               DATE NOT NULL,
	channel            TEXT NOT NULL,
	campaign_id        TEXT NOT NULL DEFAULT '',
	attributed_revenue DOUBLE PRECISION NOT NULL,
	method             TEXT NOT NULL,
	confidence         DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS unified_metrics (
	run_id             TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	date               DATE NOT NULL,
	channel            TEXT NOT NULL,
	spend              DOUBLE PRECISION NOT NULL,
	attributed_revenue DOUBLE PRECISION NOT NULL,
	roas               DOUBLE PRECISION,
	mer                DOUBLE PRECISION,
	cac                DOUBLE PRECISION,
	new_customers      DOUBLE PRECISION NOT NULL,
	revenue_new        DOUBLE PRECISION NOT NULL,
	revenue_returning  DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (run_id, date, channel)
);

CREATE TABLE IF NOT EXISTS reconciliation_reports (
	run_id              TEXT PRIMARY KEY REFERENCES pipeline_runs(run_id),
	window_start        DATE NOT NULL,
	window_end          DATE NOT NULL,
	metric              TEXT NOT NULL,
	threshold           DOUBLE PRECISION NOT NULL,
	disagreement_score  DOUBLE PRECISION NOT NULL,
	instability_flagged BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS reconciliation_channels (
	run_id            TEXT NOT NULL REFERENCES reconciliation_reports(run_id),
	channel           TEXT NOT NULL,
	attribution_share DOUBLE PRECISION NOT NULL,
	mmm_share         DOUBLE PRECISION NOT NULL,
	abs_diff          DOUBLE PRECISION NOT NULL,
	in_both           BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (run_id, channel)
);

CREATE TABLE IF NOT EXISTS decisions (
	decision_id        TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	channel            TEXT NOT NULL,
	recommended_action TEXT NOT NULL,
	budget_change_pct  DOUBLE PRECISION NOT NULL,
	projected_impact   DOUBLE PRECISION NOT NULL,
	confidence_score   DOUBLE PRECISION NOT NULL,
	risk_flags         JSONB NOT NULL,
	reasoning          JSONB NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (run_id, channel)
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_created_at ON pipeline_runs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_attribution_events_run_id ON attribution_events(run_id);
CREATE INDEX IF NOT EXISTS idx_unified_metrics_date ON unified_metrics(run_id, date);
CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);
`

var (
	mmmColumns = []string{"run_id", "channel", "coefficient", "goodness_of_fit_r2", "ci_low", "ci_high",
		"model_version", "adstock_half_life", "saturation_scale", "elasticity", "vif", "low_confidence"}
	eventColumns = []string{"event_id", "run_id", "order_id", "date", "channel", "campaign_id",
		"attributed_revenue", "method", "confidence"}
	metricColumns = []string{"run_id", "date", "channel", "spend", "attributed_revenue", "roas", "mer", "cac",
		"new_customers", "revenue_new", "revenue_returning"}
	reconciliationColumns = []string{"run_id", "channel", "attribution_share", "mmm_share", "abs_diff", "in_both"}
	decisionColumns       = []string{"decision_id", "run_id", "channel", "recommended_action", "budget_change_pct",
		"projected_impact", "confidence_score", "risk_flags", "reasoning", "status", "created_at", "updated_at"}
)

// Ping checks the connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

// Migrate creates the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// CommitRun writes a run and all its artifacts in one transaction, using
// COPY for the row-heavy tables.
func (s *PostgresStore) CommitRun(ctx context.Context, a *model.RunArtifacts) error {
	if err := checkArtifacts(a); err != nil {
		return err
	}
	diag, err := nullableJSON(a.Run.Diagnostics)
	if err != nil {
		return err
	}
	summary, err := nullableJSON(a.Run.Attribution)
	if err != nil {
		return err
	}
	decisionRows, err := decisionCopyRows(a.Decisions)
	if err != nil {
		return err
	}

	r := a.Run
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO pipeline_runs (run_id, seed, created_at, window_start, window_end, data_snapshot_id, mta_version, mmm_version, mmm_diagnostics, attribution_summary)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			r.RunID, strconv.FormatUint(r.Seed, 10), r.CreatedAt, r.WindowStart, r.WindowEnd,
			r.DataSnapshotID, r.MTAVersion, r.MMMVersion, diag, summary,
		); err != nil {
			return eris.Wrapf(err, "postgres: insert run %s", r.RunID)
		}

		mmmRows := make([][]any, 0, len(a.MMMResults))
		for _, m := range a.MMMResults {
			mmmRows = append(mmmRows, []any{m.RunID, m.Channel, m.Coefficient, m.GoodnessOfFitR2,
				m.ConfidenceIntervalLow, m.ConfidenceIntervalHigh, m.ModelVersion, m.AdstockHalfLife,
				m.SaturationScale, m.Elasticity, m.VIF, m.LowConfidence})
		}
		if _, err := db.CopyFrom(ctx, tx, "mmm_results", mmmColumns, mmmRows); err != nil {
			return err
		}

		eventRows := make([][]any, 0, len(a.Attribution))
		for _, e := range a.Attribution {
			eventRows = append(eventRows, []any{e.EventID, e.RunID, e.OrderID, e.Date, e.Channel,
				e.CampaignID, e.AttributedRevenue, string(e.Method), e.Confidence})
		}
		if _, err := db.CopyFrom(ctx, tx, "attribution_events", eventColumns, eventRows); err != nil {
			return err
		}

		metricRows := make([][]any, 0, len(a.Metrics))
		for _, m := range a.Metrics {
			metricRows = append(metricRows, []any{m.RunID, m.Date, m.Channel, m.Spend, m.AttributedRevenue,
				m.ROAS, m.MER, m.CAC, m.NewCustomers, m.RevenueNew, m.RevenueReturning})
		}
		if _, err := db.CopyFrom(ctx, tx, "unified_metrics", metricColumns, metricRows); err != nil {
			return err
		}

		rec := a.Reconciliation
		if _, err := tx.Exec(ctx,
			`INSERT INTO reconciliation_reports (run_id, window_start, window_end, metric, threshold, disagreement_score, instability_flagged)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			rec.RunID, rec.WindowStart, rec.WindowEnd, rec.Metric, rec.Threshold,
			rec.DisagreementScore, rec.InstabilityFlagged,
		); err != nil {
			return eris.Wrap(err, "postgres: insert reconciliation")
		}
		if _, err := db.CopyFrom(ctx, tx, "reconciliation_channels", reconciliationColumns, reconciliationRows(&rec)); err != nil {
			return err
		}

		_, err := db.CopyFrom(ctx, tx, "decisions", decisionColumns, decisionRows)
		return err
	})
}

func decisionCopyRows(decisions []model.Decision) ([][]any, error) {
	rows := make([][]any, 0, len(decisions))
	for _, d := range decisions {
		flags, err := marshalJSON(d.RiskFlags)
		if err != nil {
			return nil, err
		}
		reasoning, err := marshalJSON(d.Reasoning)
		if err != nil {
			return nil, err
		}
		rows = append(rows, []any{d.DecisionID, d.RunID, d.Channel, string(d.RecommendedAction),
			d.BudgetChangePct, d.ProjectedImpact, d.ConfidenceScore, flags, reasoning,
			string(d.Status), d.CreatedAt, d.UpdatedAt})
	}
	return rows, nil
}

const pgRunColumns = `run_id, seed, created_at, window_start, window_end, data_snapshot_id, mta_version, mmm_version, mmm_diagnostics, attribution_summary`

func scanPostgresRun(row pgx.Row) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var seed string
	var diag, summary []byte
	if err := row.Scan(&r.RunID, &seed, &r.CreatedAt, &r.WindowStart, &r.WindowEnd, &r.DataSnapshotID,
		&r.MTAVersion, &r.MMMVersion, &diag, &summary); err != nil {
		return nil, err
	}
	var err error
	if r.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return nil, eris.Wrapf(err, "postgres: parse seed %q", seed)
	}
	if r.Diagnostics, err = unmarshalJSON[model.MMMDiagnostics](diag); err != nil {
		return nil, err
	}
	if r.Attribution, err = unmarshalJSON[model.AttributionSummary](summary); err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRun returns a committed run.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM pipeline_runs WHERE run_id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("run", runID)
	}
	return r, eris.Wrapf(err, "postgres: get run %s", runID)
}

// LatestRun returns the most recently created run.
func (s *PostgresStore) LatestRun(ctx context.Context) (*model.PipelineRun, error) {
	r, err := scanPostgresRun(s.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM pipeline_runs ORDER BY created_at DESC, run_id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("run", "latest")
	}
	return r, eris.Wrap(err, "postgres: latest run")
}

// ListRuns returns runs newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.pool.Query(ctx, `SELECT `+pgRunColumns+` FROM pipeline_runs ORDER BY created_at DESC, run_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanPostgresRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// ListMMMResults returns a run's channel fits ordered by channel.
func (s *PostgresStore) ListMMMResults(ctx context.Context, runID string) ([]model.MMMResult, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, channel, coefficient, goodness_of_fit_r2, ci_low, ci_high, model_version, adstock_half_life, saturation_scale, elasticity, vif, low_confidence
		FROM mmm_results WHERE run_id = $1 ORDER BY channel`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list mmm results %s", runID)
	}
	defer rows.Close()

	var out []model.MMMResult
	for rows.Next() {
		var m model.MMMResult
		if err := rows.Scan(&m.RunID, &m.Channel, &m.Coefficient, &m.GoodnessOfFitR2,
			&m.ConfidenceIntervalLow, &m.ConfidenceIntervalHigh, &m.ModelVersion, &m.AdstockHalfLife,
			&m.SaturationScale, &m.Elasticity, &m.VIF, &m.LowConfidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan mmm result")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list mmm results iterate")
}

// ListAttributionEvents returns a run's attribution events.
func (s *PostgresStore) ListAttributionEvents(ctx context.Context, runID string) ([]model.AttributionEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, run_id, order_id, date, channel, campaign_id, attributed_revenue, method, confidence
		FROM attribution_events WHERE run_id = $1 ORDER BY date, order_id, channel`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list attribution events %s", runID)
	}
	defer rows.Close()

	var out []model.AttributionEvent
	for rows.Next() {
		var e model.AttributionEvent
		var method string
		if err := rows.Scan(&e.EventID, &e.RunID, &e.OrderID, &e.Date, &e.Channel, &e.CampaignID,
			&e.AttributedRevenue, &method, &e.Confidence); err != nil {
			return nil, eris.Wrap(err, "postgres: scan attribution event")
		}
		e.Method = model.AttributionMethod(method)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list attribution events iterate")
}

// ListUnifiedMetrics returns metric rows ordered by date then channel.
func (s *PostgresStore) ListUnifiedMetrics(ctx context.Context, f MetricsFilter) ([]model.UnifiedMetricRow, error) {
	query := `SELECT run_id, date, channel, spend, attributed_revenue, roas, mer, cac, new_customers, revenue_new, revenue_returning
		FROM unified_metrics WHERE 1=1`
	var args []any
	if f.RunID != "" {
		args = append(args, f.RunID)
		query += ` AND run_id = $` + strconv.Itoa(len(args))
	}
	if !f.Start.IsZero() {
		args = append(args, f.Start)
		query += ` AND date >= $` + strconv.Itoa(len(args))
	}
	if !f.End.IsZero() {
		args = append(args, f.End)
		query += ` AND date <= $` + strconv.Itoa(len(args))
	}
	if f.Channel != "" {
		args = append(args, f.Channel)
		query += ` AND channel = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY date, channel`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list unified metrics")
	}
	defer rows.Close()

	var out []model.UnifiedMetricRow
	for rows.Next() {
		var m model.UnifiedMetricRow
		if err := rows.Scan(&m.RunID, &m.Date, &m.Channel, &m.Spend, &m.AttributedRevenue, &m.ROAS, &m.MER,
			&m.CAC, &m.NewCustomers, &m.RevenueNew, &m.RevenueReturning); err != nil {
			return nil, eris.Wrap(err, "postgres: scan unified metric")
		}
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list unified metrics iterate")
}

// GetReconciliation returns a run's reconciliation report.
func (s *PostgresStore) GetReconciliation(ctx context.Context, runID string) (*model.ReconciliationReport, error) {
	var r model.ReconciliationReport
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, window_start, window_end, metric, threshold, disagreement_score, instability_flagged
		FROM reconciliation_reports WHERE run_id = $1`, runID,
	).Scan(&r.RunID, &r.WindowStart, &r.WindowEnd, &r.Metric, &r.Threshold, &r.DisagreementScore, &r.InstabilityFlagged)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("reconciliation", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get reconciliation %s", runID)
	}

	r.Channels = []model.ChannelReconciliation{}
	rows, err := s.pool.Query(ctx,
		`SELECT channel, attribution_share, mmm_share, abs_diff, in_both
		FROM reconciliation_channels WHERE run_id = $1 ORDER BY channel`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list reconciliation channels %s", runID)
	}
	defer rows.Close()

	for rows.Next() {
		var c model.ChannelReconciliation
		if err := rows.Scan(&c.Channel, &c.AttributionShare, &c.MMMShare, &c.AbsDiff, &c.InBoth); err != nil {
			return nil, eris.Wrap(err, "postgres: scan reconciliation channel")
		}
		r.Channels = append(r.Channels, c)
	}
	return &r, eris.Wrap(rows.Err(), "postgres: list reconciliation channels iterate")
}

const pgDecisionColumns = `decision_id, run_id, channel, recommended_action, budget_change_pct, projected_impact, confidence_score, risk_flags, reasoning, status, created_at, updated_at`

func scanPostgresDecision(row pgx.Row) (*model.Decision, error) {
	var d model.Decision
	var action, status string
	var flags, reasoning []byte
	if err := row.Scan(&d.DecisionID, &d.RunID, &d.Channel, &action, &d.BudgetChangePct, &d.ProjectedImpact,
		&d.ConfidenceScore, &flags, &reasoning, &status, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.RecommendedAction = model.Action(action)
	d.Status = model.DecisionStatus(status)

	var err error
	if d.RiskFlags, err = riskFlags(flags); err != nil {
		return nil, err
	}
	rs, err := unmarshalJSON[model.Reasoning](reasoning)
	if err != nil {
		return nil, err
	}
	if rs != nil {
		d.Reasoning = *rs
	}
	return &d, nil
}

// ListDecisions returns decisions newest run first, then by channel.
func (s *PostgresStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]model.Decision, error) {
	query := `SELECT ` + pgDecisionColumns + ` FROM decisions WHERE 1=1`
	var args []any
	if f.RunID != "" {
		args = append(args, f.RunID)
		query += ` AND run_id = $` + strconv.Itoa(len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += ` ORDER BY created_at DESC, channel LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		d, err := scanPostgresDecision(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

// GetDecision returns one decision.
func (s *PostgresStore) GetDecision(ctx context.Context, decisionID string) (*model.Decision, error) {
	d, err := scanPostgresDecision(s.pool.QueryRow(ctx, `SELECT `+pgDecisionColumns+` FROM decisions WHERE decision_id = $1`, decisionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("decision", decisionID)
	}
	return d, eris.Wrapf(err, "postgres: get decision %s", decisionID)
}

// UpdateDecisionStatus moves a pending decision to approved or rejected.
// The row is locked for the duration of the check.
func (s *PostgresStore) UpdateDecisionStatus(ctx context.Context, decisionID string, status model.DecisionStatus) (*model.Decision, error) {
	if !status.Valid() {
		return nil, model.NewInvalidInput("unknown decision status %q", status)
	}

	var out *model.Decision
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		d, err := scanPostgresDecision(tx.QueryRow(ctx,
			`SELECT `+pgDecisionColumns+` FROM decisions WHERE decision_id = $1 FOR UPDATE`, decisionID))
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound("decision", decisionID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: get decision %s", decisionID)
		}
		if !d.Status.CanTransition(status) {
			return transitionError(decisionID, d.Status, status)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx,
			`UPDATE decisions SET status = $1, updated_at = $2 WHERE decision_id = $3`,
			string(status), now, decisionID,
		); err != nil {
			return eris.Wrapf(err, "postgres: update decision %s", decisionID)
		}
		d.Status = status
		d.UpdatedAt = now
		out = d
		return nil
	})
	return out, err
}
