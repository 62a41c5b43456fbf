package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mixsignal/internal/decision"
	"github.com/sells-group/mixsignal/internal/model"
	"github.com/sells-group/mixsignal/internal/store"
)

// HealthSnapshot holds a point-in-time view of pipeline health.
type HealthSnapshot struct {
	// In-process runs (most recent LookbackRuns tracked by the orchestrator).
	RunsTracked   int     `json:"runs_tracked"`
	RunsCompleted int     `json:"runs_completed"`
	RunsFailed    int     `json:"runs_failed"`
	RunsCancelled int     `json:"runs_cancelled"`
	RunsActive    int     `json:"runs_active"`
	FailureRate   float64 `json:"failure_rate"`

	// Persisted runs.
	RunsPersisted      int     `json:"runs_persisted"`
	InstabilityFlagged int     `json:"instability_flagged"`
	InstabilityRate    float64 `json:"instability_rate"`

	// Latest persisted run.
	LatestRunID          string     `json:"latest_run_id,omitempty"`
	LatestRunAt          *time.Time `json:"latest_run_at,omitempty"`
	LatestWindowEnd      *time.Time `json:"latest_window_end,omitempty"`
	LatestDecisions      int        `json:"latest_decisions"`
	LatestLowConfidence  int        `json:"latest_low_confidence"`
	LatestMeanConfidence float64    `json:"latest_mean_confidence"`
	DataAgeHours         float64    `json:"data_age_hours"`

	LookbackRuns int       `json:"lookback_runs"`
	CollectedAt  time.Time `json:"collected_at"`
}

// RunLister exposes the orchestrator's run registry.
type RunLister interface {
	Runs() []model.RunContext
}

// Collector gathers health data from the store and the run registry.
type Collector struct {
	store store.Store
	runs  RunLister
	now   func() time.Time
}

// NewCollector creates a collector. runs may be nil when no orchestrator
// is running in-process.
func NewCollector(st store.Store, runs RunLister) *Collector {
	return &Collector{
		store: st,
		runs:  runs,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Collect builds a snapshot over the most recent lookbackRuns runs.
func (c *Collector) Collect(ctx context.Context, lookbackRuns int) (*HealthSnapshot, error) {
	if lookbackRuns <= 0 {
		lookbackRuns = 20
	}
	now := c.now()
	snap := &HealthSnapshot{LookbackRuns: lookbackRuns, CollectedAt: now}

	if c.runs != nil {
		tracked := c.runs.Runs()
		if len(tracked) > lookbackRuns {
			tracked = tracked[:lookbackRuns]
		}
		snap.RunsTracked = len(tracked)
		for _, rc := range tracked {
			switch rc.State {
			case model.RunCompleted:
				snap.RunsCompleted++
			case model.RunFailed:
				snap.RunsFailed++
			case model.RunCancelled:
				snap.RunsCancelled++
			default:
				snap.RunsActive++
			}
		}
		if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
			snap.FailureRate = float64(snap.RunsFailed) / float64(finished)
		}
	}

	runs, err := c.store.ListRuns(ctx, lookbackRuns)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}
	snap.RunsPersisted = len(runs)
	for _, r := range runs {
		report, err := c.store.GetReconciliation(ctx, r.RunID)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: reconciliation for run %s", r.RunID)
		}
		if report.InstabilityFlagged {
			snap.InstabilityFlagged++
		}
	}
	if snap.RunsPersisted > 0 {
		snap.InstabilityRate = float64(snap.InstabilityFlagged) / float64(snap.RunsPersisted)
	}

	if len(runs) == 0 {
		return snap, nil
	}
	latest := runs[0]
	snap.LatestRunID = latest.RunID
	snap.LatestRunAt = &latest.CreatedAt
	snap.LatestWindowEnd = &latest.WindowEnd
	// Data for the window's last day is complete at the following midnight.
	snap.DataAgeHours = now.Sub(latest.WindowEnd.AddDate(0, 0, 1)).Hours()

	decisions, err := c.store.ListDecisions(ctx, store.DecisionFilter{RunID: latest.RunID})
	if err != nil {
		return nil, eris.Wrapf(err, "monitoring: decisions for run %s", latest.RunID)
	}
	summary := decision.Summarize(decisions)
	snap.LatestDecisions = summary.Total
	snap.LatestMeanConfidence = summary.MeanConfidence
	for _, d := range decisions {
		for _, f := range d.RiskFlags {
			if f == model.FlagLowConfidence {
				snap.LatestLowConfidence++
				break
			}
		}
	}
	return snap, nil
}
