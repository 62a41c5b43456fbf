package store

import (
	"time"

	"github.com/sells-group/mixsignal/internal/model"
)

func ptr(v float64) *float64 { return &v }

func date(s string) time.Time {
	t, _ := time.Parse(model.DateLayout, s)
	return t
}

func testArtifacts(runID string, created time.Time) *model.RunArtifacts {
	return &model.RunArtifacts{
		Run: model.PipelineRun{
			RunID:          runID,
			Seed:           18446744073709551615,
			CreatedAt:      created,
			WindowStart:    date("2024-01-01"),
			WindowEnd:      date("2024-01-02"),
			DataSnapshotID: "snap-" + runID,
			MTAVersion:     "mta-1.0+equal_weight",
			MMMVersion:     "mmm-1.0+ridge+log1p",
			Diagnostics:    &model.MMMDiagnostics{Observations: 2, R2: 0.99},
			Attribution:    &model.AttributionSummary{Orders: 2, MTAMode: model.MTAEqualWeight},
		},
		MMMResults: []model.MMMResult{
			{RunID: runID, Channel: "meta", Coefficient: 41.5, GoodnessOfFitR2: 0.99,
				ConfidenceIntervalLow: ptr(30), ConfidenceIntervalHigh: ptr(50), ModelVersion: "mmm-1.0+ridge+log1p", VIF: 1.2},
			{RunID: runID, Channel: "google", Coefficient: 20.9, GoodnessOfFitR2: 0.99, ModelVersion: "mmm-1.0+ridge+log1p", LowConfidence: true},
		},
		Attribution: []model.AttributionEvent{
			{EventID: runID + "-e1", RunID: runID, OrderID: "o1", Date: date("2024-01-01"), Channel: "meta",
				AttributedRevenue: 100, Method: model.MethodClickID, Confidence: 1},
			{EventID: runID + "-e2", RunID: runID, OrderID: "o2", Date: date("2024-01-02"), Channel: "google",
				AttributedRevenue: 50, Method: model.MethodMTA, Confidence: 0.5},
		},
		Metrics: []model.UnifiedMetricRow{
			{RunID: runID, Date: date("2024-01-01"), Channel: "meta", Spend: 100, AttributedRevenue: 100, ROAS: ptr(1), MER: ptr(1.5), CAC: ptr(100), NewCustomers: 1, RevenueNew: 100},
			{RunID: runID, Date: date("2024-01-02"), Channel: "google", Spend: 0, AttributedRevenue: 50, RevenueReturning: 50},
			{RunID: runID, Date: date("2024-01-02"), Channel: "meta", Spend: 40},
		},
		Reconciliation: model.ReconciliationReport{
			RunID: runID, WindowStart: date("2024-01-01"), WindowEnd: date("2024-01-02"),
			Metric: "mean_abs", Threshold: 0.15, DisagreementScore: 0.3, InstabilityFlagged: true,
			Channels: []model.ChannelReconciliation{
				{Channel: "google", AttributionShare: 0, MMMShare: 0.6, AbsDiff: 0.6},
				{Channel: "meta", AttributionShare: 0.7, MMMShare: 0.4, AbsDiff: 0.3, InBoth: true},
			},
		},
		Decisions: []model.Decision{
			{DecisionID: runID + "-d1", RunID: runID, Channel: "google", RecommendedAction: model.ActionHold,
				RiskFlags: []string{}, Status: model.DecisionPending, CreatedAt: created, UpdatedAt: created},
			{DecisionID: runID + "-d2", RunID: runID, Channel: "meta", RecommendedAction: model.ActionScaleDown,
				BudgetChangePct: -12.5, ProjectedImpact: -40, ConfidenceScore: 0.62,
				RiskFlags: []string{model.FlagHighDisagreement}, Reasoning: model.Reasoning{MTASupport: 0.7, MMMSupport: 0.4},
				Status: model.DecisionPending, CreatedAt: created, UpdatedAt: created},
		},
	}
}
