package store

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/mixsignal/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	run_id              TEXT PRIMARY KEY,
	seed                TEXT NOT NULL,
	created_at          TEXT NOT NULL,
	window_start        TEXT NOT NULL,
	window_end          TEXT NOT NULL,
	data_snapshot_id    TEXT NOT NULL,
	mta_version         TEXT NOT NULL,
	mmm_version         TEXT NOT NULL,
	mmm_diagnostics     TEXT,
	attribution_summary TEXT
);

CREATE TABLE IF NOT EXISTS mmm_results (
	run_id             TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	channel            TEXT NOT NULL,
	coefficient        REAL NOT NULL,
	goodness_of_fit_r2 REAL NOT NULL,
	ci_low             REAL,
	ci_high            REAL,
	model_version      TEXT NOT NULL,
	adstock_half_life  REAL NOT NULL,
	saturation_scale   REAL NOT NULL,
	elasticity         REAL NOT NULL,
	vif                REAL NOT NULL,
	low_confidence     INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, channel)
);

CREATE TABLE IF NOT EXISTS attribution_events (
	event_id           TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	order_id           TEXT NOT NULL,
	date               TEXT NOT NULL,
	channel            TEXT NOT NULL,
	campaign_id        TEXT NOT NULL DEFAULT '',
	attributed_revenue REAL NOT NULL,
	method             TEXT NOT NULL,
	confidence         REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS unified_metrics (
	run_id             TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	date               TEXT NOT NULL,
	channel            TEXT NOT NULL,
	spend              REAL NOT NULL,
	attributed_revenue REAL NOT NULL,
	roas               REAL,
	mer                REAL,
	cac                REAL,
	new_customers      REAL NOT NULL,
	revenue_new        REAL NOT NULL,
	revenue_returning  REAL NOT NULL,
	PRIMARY KEY (run_id, date, channel)
);

CREATE TABLE IF NOT EXISTS reconciliation_reports (
	run_id              TEXT PRIMARY KEY REFERENCES pipeline_runs(run_id),
	window_start        TEXT NOT NULL,
	window_end          TEXT NOT NULL,
	metric              TEXT NOT NULL,
	threshold           REAL NOT NULL,
	disagreement_score  REAL NOT NULL,
	instability_flagged INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS reconciliation_channels (
	run_id            TEXT NOT NULL REFERENCES reconciliation_reports(run_id),
	channel           TEXT NOT NULL,
	attribution_share REAL NOT NULL,
	mmm_share         REAL NOT NULL,
	abs_diff          REAL NOT NULL,
	in_both           INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, channel)
);

CREATE TABLE IF NOT EXISTS decisions (
	decision_id        TEXT PRIMARY KEY,
	run_id             TEXT NOT NULL REFERENCES pipeline_runs(run_id),
	channel            TEXT NOT NULL,
	recommended_action TEXT NOT NULL,
	budget_change_pct  REAL NOT NULL,
	projected_impact   REAL NOT NULL,
	confidence_score   REAL NOT NULL,
	risk_flags         TEXT NOT NULL,
	reasoning          TEXT NOT NULL,
	status             TEXT NOT NULL DEFAULT 'pending',
	created_at         TEXT NOT NULL,
	updated_at         TEXT NOT NULL,
	UNIQUE (run_id, channel)
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_created_at ON pipeline_runs(created_at);
CREATE INDEX IF NOT EXISTS idx_attribution_events_run_id ON attribution_events(run_id);
CREATE INDEX IF NOT EXISTS idx_unified_metrics_date ON unified_metrics(run_id, date);
CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status);
`

// Migrate creates the schema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func day(t time.Time) string { return t.Format(model.DateLayout) }

// stampLayout is fixed width so timestamps sort lexically.
const stampLayout = "2006-01-02T15:04:05.000000000Z"

func stamp(t time.Time) string { return t.UTC().Format(stampLayout) }

func parseDay(s string) (time.Time, error) {
	t, err := time.Parse(model.DateLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse date %q", s)
}

func parseStamp(s string) (time.Time, error) {
	t, err := time.Parse(stampLayout, s)
	return t, eris.Wrapf(err, "sqlite: parse timestamp %q", s)
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

// CommitRun writes a run and all its artifacts in one transaction.
func (s *SQLiteStore) CommitRun(ctx context.Context, a *model.RunArtifacts) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin commit run")
	}
	defer tx.Rollback() //nolint:errcheck

	r := a.Run
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO pipeline_runs (run_id, seed, created_at, window_start, window_end, data_snapshot_id, mta_version, mmm_version, mmm_diagnostics, attribution_summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, strconv.FormatUint(r.Seed, 10), stamp(r.CreatedAt), day(r.WindowStart), day(r.WindowEnd),
		r.DataSnapshotID, r.MTAVersion, r.MMMVersion, nullString(diag), nullString(summary),
	); err != nil {
		return eris.Wrapf(err, "sqlite: insert run %s", r.RunID)
	}

	mmmRows := make([][]any, 0, len(a.MMMResults))
	for _, m := range a.MMMResults {
		mmmRows = append(mmmRows, []any{m.RunID, m.Channel, m.Coefficient, m.GoodnessOfFitR2,
			m.ConfidenceIntervalLow, m.ConfidenceIntervalHigh, m.ModelVersion, m.AdstockHalfLife,
			m.SaturationScale, m.Elasticity, m.VIF, m.LowConfidence})
	}
	if err := execMany(ctx, tx, `INSERT INTO mmm_results (run_id, channel, coefficient, goodness_of_fit_r2, ci_low, ci_high, model_version, adstock_half_life, saturation_scale, elasticity, vif, low_confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, mmmRows); err != nil {
		return eris.Wrap(err, "sqlite: insert mmm results")
	}

	eventRows := make([][]any, 0, len(a.Attribution))
	for _, e := range a.Attribution {
		eventRows = append(eventRows, []any{e.EventID, e.RunID, e.OrderID, day(e.Date), e.Channel,
			e.CampaignID, e.AttributedRevenue, string(e.Method), e.Confidence})
	}
	if err := execMany(ctx, tx, `INSERT INTO attribution_events (event_id, run_id, order_id, date, channel, campaign_id, attributed_revenue, method, confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, eventRows); err != nil {
		return eris.Wrap(err, "sqlite: insert attribution events")
	}

	metricRows := make([][]any, 0, len(a.Metrics))
	for _, m := range a.Metrics {
		metricRows = append(metricRows, []any{m.RunID, day(m.Date), m.Channel, m.Spend, m.AttributedRevenue,
			m.ROAS, m.MER, m.CAC, m.NewCustomers, m.RevenueNew, m.RevenueReturning})
	}
	if err := execMany(ctx, tx, `INSERT INTO unified_metrics (run_id, date, channel, spend, attributed_revenue, roas, mer, cac, new_customers, revenue_new, revenue_returning)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, metricRows); err != nil {
		return eris.Wrap(err, "sqlite: insert unified metrics")
	}

	rec := a.Reconciliation
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO reconciliation_reports (run_id, window_start, window_end, metric, threshold, disagreement_score, instability_flagged)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, day(rec.WindowStart), day(rec.WindowEnd), rec.Metric, rec.Threshold,
		rec.DisagreementScore, rec.InstabilityFlagged,
	); err != nil {
		return eris.Wrap(err, "sqlite: insert reconciliation")
	}
	if err := execMany(ctx, tx, `INSERT INTO reconciliation_channels (run_id, channel, attribution_share, mmm_share, abs_diff, in_both)
		VALUES (?, ?, ?, ?, ?, ?)`, reconciliationRows(&rec)); err != nil {
		return eris.Wrap(err, "sqlite: insert reconciliation channels")
	}

	decisionRows := make([][]any, 0, len(a.Decisions))
	for _, d := range a.Decisions {
		flags, err := marshalJSON(d.RiskFlags)
		if err != nil {
			return err
		}
		reasoning, err := marshalJSON(d.Reasoning)
		if err != nil {
			return err
		}
		decisionRows = append(decisionRows, []any{d.DecisionID, d.RunID, d.Channel, string(d.RecommendedAction),
			d.BudgetChangePct, d.ProjectedImpact, d.ConfidenceScore, string(flags), string(reasoning),
			string(d.Status), stamp(d.CreatedAt), stamp(d.UpdatedAt)})
	}
	if err := execMany(ctx, tx, `INSERT INTO decisions (decision_id, run_id, channel, recommended_action, budget_change_pct, projected_impact, confidence_score, risk_flags, reasoning, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, decisionRows); err != nil {
		return eris.Wrap(err, "sqlite: insert decisions")
	}

	return eris.Wrapf(tx.Commit(), "sqlite: commit run %s", r.RunID)
}

func execMany(ctx context.Context, tx *sql.Tx, query string, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close() //nolint:errcheck
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return err
		}
	}
	return nil
}

func nullString(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}

const sqliteRunColumns = `run_id, seed, created_at, window_start, window_end, data_snapshot_id, mta_version, mmm_version, mmm_diagnostics, attribution_summary`

// GetRun returns a committed run.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM pipeline_runs WHERE run_id = ?`, runID)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", runID)
	}
	return r, eris.Wrapf(err, "sqlite: get run %s", runID)
}

// LatestRun returns the most recently created run.
func (s *SQLiteStore) LatestRun(ctx context.Context) (*model.PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteRunColumns+` FROM pipeline_runs ORDER BY created_at DESC, run_id DESC LIMIT 1`)
	r, err := scanSQLiteRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("run", "latest")
	}
	return r, eris.Wrap(err, "sqlite: latest run")
}

// ListRuns returns runs newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteRunColumns+` FROM pipeline_runs ORDER BY created_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.PipelineRun
	for rows.Next() {
		r, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scannable) (*model.PipelineRun, error) {
	var r model.PipelineRun
	var seed, created, start, end string
	var diag, summary sql.NullString
	if err := row.Scan(&r.RunID, &seed, &created, &start, &end, &r.DataSnapshotID,
		&r.MTAVersion, &r.MMMVersion, &diag, &summary); err != nil {
		return nil, err
	}

	var err error
	if r.Seed, err = strconv.ParseUint(seed, 10, 64); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse seed %q", seed)
	}
	if r.CreatedAt, err = parseStamp(created); err != nil {
		return nil, err
	}
	if r.WindowStart, err = parseDay(start); err != nil {
		return nil, err
	}
	if r.WindowEnd, err = parseDay(end); err != nil {
		return nil, err
	}
	if r.Diagnostics, err = unmarshalJSON[model.MMMDiagnostics]([]byte(diag.String)); err != nil {
		return nil, err
	}
	if r.Attribution, err = unmarshalJSON[model.AttributionSummary]([]byte(summary.String)); err != nil {
		return nil, err
	}
	return &r, nil
}

// ListMMMResults returns a run's channel fits ordered by channel.
func (s *SQLiteStore) ListMMMResults(ctx context.Context, runID string) ([]model.MMMResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, channel, coefficient, goodness_of_fit_r2, ci_low, ci_high, model_version, adstock_half_life, saturation_scale, elasticity, vif, low_confidence
		FROM mmm_results WHERE run_id = ? ORDER BY channel`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list mmm results %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.MMMResult
	for rows.Next() {
		var m model.MMMResult
		var lo, hi sql.NullFloat64
		if err := rows.Scan(&m.RunID, &m.Channel, &m.Coefficient, &m.GoodnessOfFitR2, &lo, &hi,
			&m.ModelVersion, &m.AdstockHalfLife, &m.SaturationScale, &m.Elasticity, &m.VIF, &m.LowConfidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan mmm result")
		}
		m.ConfidenceIntervalLow, m.ConfidenceIntervalHigh = nullFloat(lo), nullFloat(hi)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list mmm results iterate")
}

// ListAttributionEvents returns a run's attribution events.
func (s *SQLiteStore) ListAttributionEvents(ctx context.Context, runID string) ([]model.AttributionEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_id, run_id, order_id, date, channel, campaign_id, attributed_revenue, method, confidence
		FROM attribution_events WHERE run_id = ? ORDER BY date, order_id, channel`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list attribution events %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	var out []model.AttributionEvent
	for rows.Next() {
		var e model.AttributionEvent
		var date, method string
		if err := rows.Scan(&e.EventID, &e.RunID, &e.OrderID, &date, &e.Channel, &e.CampaignID,
			&e.AttributedRevenue, &method, &e.Confidence); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan attribution event")
		}
		if e.Date, err = parseDay(date); err != nil {
			return nil, err
		}
		e.Method = model.AttributionMethod(method)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list attribution events iterate")
}

// ListUnifiedMetrics returns metric rows ordered by date then channel.
func (s *SQLiteStore) ListUnifiedMetrics(ctx context.Context, f MetricsFilter) ([]model.UnifiedMetricRow, error) {
	query := `SELECT run_id, date, channel, spend, attributed_revenue, roas, mer, cac, new_customers, revenue_new, revenue_returning
		FROM unified_metrics WHERE 1=1`
	var args []any
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if !f.Start.IsZero() {
		query += ` AND date >= ?`
		args = append(args, day(f.Start))
	}
	if !f.End.IsZero() {
		query += ` AND date <= ?`
		args = append(args, day(f.End))
	}
	if f.Channel != "" {
		query += ` AND channel = ?`
		args = append(args, f.Channel)
	}
	query += ` ORDER BY date, channel`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list unified metrics")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.UnifiedMetricRow
	for rows.Next() {
		var m model.UnifiedMetricRow
		var date string
		var roas, mer, cac sql.NullFloat64
		if err := rows.Scan(&m.RunID, &date, &m.Channel, &m.Spend, &m.AttributedRevenue, &roas, &mer, &cac,
			&m.NewCustomers, &m.RevenueNew, &m.RevenueReturning); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan unified metric")
		}
		if m.Date, err = parseDay(date); err != nil {
			return nil, err
		}
		m.ROAS, m.MER, m.CAC = nullFloat(roas), nullFloat(mer), nullFloat(cac)
		out = append(out, m)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list unified metrics iterate")
}

// GetReconciliation returns a run's reconciliation report.
func (s *SQLiteStore) GetReconciliation(ctx context.Context, runID string) (*model.ReconciliationReport, error) {
	var r model.ReconciliationReport
	var start, end string
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, window_start, window_end, metric, threshold, disagreement_score, instability_flagged
		FROM reconciliation_reports WHERE run_id = ?`, runID,
	).Scan(&r.RunID, &start, &end, &r.Metric, &r.Threshold, &r.DisagreementScore, &r.InstabilityFlagged)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("reconciliation", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get reconciliation %s", runID)
	}
	if r.WindowStart, err = parseDay(start); err != nil {
		return nil, err
	}
	if r.WindowEnd, err = parseDay(end); err != nil {
		return nil, err
	}

	r.Channels = []model.ChannelReconciliation{}
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, attribution_share, mmm_share, abs_diff, in_both
		FROM reconciliation_channels WHERE run_id = ? ORDER BY channel`, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list reconciliation channels %s", runID)
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var c model.ChannelReconciliation
		if err := rows.Scan(&c.Channel, &c.AttributionShare, &c.MMMShare, &c.AbsDiff, &c.InBoth); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan reconciliation channel")
		}
		r.Channels = append(r.Channels, c)
	}
	return &r, eris.Wrap(rows.Err(), "sqlite: list reconciliation channels iterate")
}

const sqliteDecisionColumns = `decision_id, run_id, channel, recommended_action, budget_change_pct, projected_impact, confidence_score, risk_flags, reasoning, status, created_at, updated_at`

func scanSQLiteDecision(row scannable) (*model.Decision, error) {
	var d model.Decision
	var action, flags, reasoning, status, created, updated string
	if err := row.Scan(&d.DecisionID, &d.RunID, &d.Channel, &action, &d.BudgetChangePct, &d.ProjectedImpact,
		&d.ConfidenceScore, &flags, &reasoning, &status, &created, &updated); err != nil {
		return nil, err
	}
	d.RecommendedAction = model.Action(action)
	d.Status = model.DecisionStatus(status)

	var err error
	if d.RiskFlags, err = riskFlags([]byte(flags)); err != nil {
		return nil, err
	}
	rs, err := unmarshalJSON[model.Reasoning]([]byte(reasoning))
	if err != nil {
		return nil, err
	}
	if rs != nil {
		d.Reasoning = *rs
	}
	if d.CreatedAt, err = parseStamp(created); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseStamp(updated); err != nil {
		return nil, err
	}
	return &d, nil
}

// ListDecisions returns decisions newest run first, then by channel.
func (s *SQLiteStore) ListDecisions(ctx context.Context, f DecisionFilter) ([]model.Decision, error) {
	query := `SELECT ` + sqliteDecisionColumns + ` FROM decisions WHERE 1=1`
	var args []any
	if f.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, f.RunID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += ` ORDER BY created_at DESC, channel LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Decision
	for rows.Next() {
		d, err := scanSQLiteDecision(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

// GetDecision returns one decision.
func (s *SQLiteStore) GetDecision(ctx context.Context, decisionID string) (*model.Decision, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteDecisionColumns+` FROM decisions WHERE decision_id = ?`, decisionID)
	d, err := scanSQLiteDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("decision", decisionID)
	}
	return d, eris.Wrapf(err, "sqlite: get decision %s", decisionID)
}

// UpdateDecisionStatus moves a pending decision to approved or rejected.
func (s *SQLiteStore) UpdateDecisionStatus(ctx context.Context, decisionID string, status model.DecisionStatus) (*model.Decision, error) {
	if !status.Valid() {
		return nil, model.NewInvalidInput("unknown decision status %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin update decision")
	}
	defer tx.Rollback() //nolint:errcheck

	d, err := scanSQLiteDecision(tx.QueryRowContext(ctx,
		`SELECT `+sqliteDecisionColumns+` FROM decisions WHERE decision_id = ?`, decisionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("decision", decisionID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get decision %s", decisionID)
	}
	if !d.Status.CanTransition(status) {
		return nil, transitionError(decisionID, d.Status, status)
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE decisions SET status = ?, updated_at = ? WHERE decision_id = ? AND status = ?`,
		string(status), stamp(now), decisionID, string(d.Status),
	); err != nil {
		return nil, eris.Wrapf(err, "sqlite: update decision %s", decisionID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrapf(err, "sqlite: commit decision %s", decisionID)
	}

	d.Status = status
	d.UpdatedAt = now
	return d, nil
}
