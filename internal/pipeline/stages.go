package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/mixsignal/internal/attribution"
	"github.com/sells-group/mixsignal/internal/decision"
	"github.com/sells-group/mixsignal/internal/metrics"
	"github.com/sells-group/mixsignal/internal/mmm"
	"github.com/sells-group/mixsignal/internal/model"
	"github.com/sells-group/mixsignal/internal/reconcile"
	"github.com/sells-group/mixsignal/internal/source"
)

// Stage names reported on RunContext.Stage and the stage histogram.
const (
	StageLoad        = "load"
	StageValidate    = "validate"
	StageModel       = "attribution+mmm"
	StageAttribution = "attribution"
	StageMMM         = "mmm"
	StageUnify       = "unify"
	StageReconcile   = "reconcile"
	StageDecide      = "decide"
	StageCommit      = "commit"
)

// run executes every stage and commits the artifacts. Nothing is written
// unless all stages succeed.
func (o *Orchestrator) run(ctx context.Context, e *entry) error {
	rc := o.snapshot(e)
	w := model.NewWindow(rc.WindowStart, rc.WindowEnd)
	log := zap.L().With(zap.String("run_id", rc.RunID), zap.Stringer("window", w))
	log.Info("pipeline: run started", zap.String("mta_mode", string(rc.MTAMode)))

	var series *model.RawSeries
	if err := o.stage(e, log, StageLoad, func() error {
		var err error
		series, err = o.provider.Load(ctx, w)
		return err
	}); err != nil {
		return err
	}

	var spend []model.ChannelSpend
	if err := o.stage(e, log, StageValidate, func() error {
		if err := source.Validate(series); err != nil {
			return err
		}
		var err error
		spend, err = metrics.AggregateSpend(series.Ads)
		return err
	}); err != nil {
		return err
	}

	seed := rc.Seed
	if !e.seedSet {
		seed = SeedFor(series.SnapshotID)
	}
	o.update(e, func(rc *model.RunContext) {
		rc.Seed = seed
		rc.DataSnapshotID = series.SnapshotID
	})

	attrCfg := o.opts.Attribution
	attrCfg.Mode = rc.MTAMode
	var (
		attr *attribution.Result
		fit  *mmm.Output
	)
	if err := o.stage(e, log, StageModel, func() error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return o.timed(log, StageAttribution, func() error {
				var err error
				attr, err = attribution.Attribute(attrCfg, series.Orders, series.Clicks, series.Journeys)
				return err
			})
		})
		g.Go(func() error {
			return o.timed(log, StageMMM, func() error {
				var err error
				fit, err = mmm.Fit(gctx, o.opts.MMM, mmm.BuildInput(w, spend, series.Orders), seed)
				return err
			})
		})
		return g.Wait()
	}); err != nil {
		return err
	}

	runID := rc.RunID
	for i := range attr.Events {
		attr.Events[i].RunID = runID
	}
	for i := range fit.Results {
		fit.Results[i].RunID = runID
	}
	o.update(e, func(rc *model.RunContext) {
		rc.MTAVersion = attr.Summary.ModelVersion
		rc.MMMVersion = fit.Version
	})

	var rows []model.UnifiedMetricRow
	o.step(e, log, StageUnify, func() {
		rows = metrics.Unify(spend, attr.Events, series.Orders)
		for i := range rows {
			rows[i].RunID = runID
		}
	})

	var report *model.ReconciliationReport
	if err := o.stage(e, log, StageReconcile, func() error {
		var err error
		report, err = reconcile.New(o.opts.ReconcileMetric, o.opts.ReconcileThreshold).Reconcile(ctx,
			&reconcile.EventShares{Events: attr.Events},
			&reconcile.ContributionShares{Curves: fit.Curves, Spend: spend},
			w)
		if err != nil {
			return err
		}
		report.RunID = runID
		return nil
	}); err != nil {
		return err
	}

	var decisions []model.Decision
	o.step(e, log, StageDecide, func() {
		dw := model.TrailingWindow(w.End, min(o.opts.DecisionWindowDays, w.Days()))
		decisions = o.engine.Decide(decisionInput(runID, fit, report, rows, dw, w.Days(), o.now()))
	})

	return o.stage(e, log, StageCommit, func() error {
		return o.store.CommitRun(ctx, &model.RunArtifacts{
			Run: model.PipelineRun{
				RunID:          runID,
				Seed:           seed,
				CreatedAt:      rc.CreatedAt,
				WindowStart:    w.Start,
				WindowEnd:      w.End,
				DataSnapshotID: series.SnapshotID,
				MTAVersion:     attr.Summary.ModelVersion,
				MMMVersion:     fit.Version,
				Diagnostics:    &fit.Diagnostics,
				Attribution:    &attr.Summary,
			},
			MMMResults:     fit.Results,
			Attribution:    attr.Events,
			Metrics:        rows,
			Reconciliation: *report,
			Decisions:      decisions,
		})
	})
}

func decisionInput(runID string, fit *mmm.Output, report *model.ReconciliationReport, rows []model.UnifiedMetricRow, dw model.Window, sampleDays int, now time.Time) decision.Input {
	return decision.Input{
		RunID:          runID,
		Results:        fit.Results,
		Reconciliation: report,
		Spend:          metrics.SpendByChannel(metrics.Filter(rows, dw, "")),
		Days:           dw.Days(),
		SampleDays:     sampleDays,
		Now:            now,
	}
}

// stage marks the run's current stage and times fn.
func (o *Orchestrator) stage(e *entry, log *zap.Logger, name string, fn func() error) error {
	o.update(e, func(rc *model.RunContext) { rc.Stage = name })
	return o.timed(log, name, fn)
}

// step runs a stage that cannot fail.
func (o *Orchestrator) step(e *entry, log *zap.Logger, name string, fn func()) {
	o.update(e, func(rc *model.RunContext) { rc.Stage = name })
	start := time.Now()
	fn()
	o.observe(log, name, time.Since(start), nil)
}

// timed runs fn and wraps its error with the stage name.
func (o *Orchestrator) timed(log *zap.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	o.observe(log, name, time.Since(start), err)
	if err != nil {
		return eris.Wrapf(err, "pipeline: stage %s", name)
	}
	return nil
}

// observe logs a stage's duration and records it on the stage histogram.
func (o *Orchestrator) observe(log *zap.Logger, name string, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	o.metrics.StageDuration.WithLabelValues(name, outcome).Observe(elapsed.Seconds())

	if err != nil {
		log.Warn("pipeline: stage failed",
			zap.String("stage", name),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
		return
	}
	log.Debug("pipeline: stage complete",
		zap.String("stage", name),
		zap.Duration("duration", elapsed),
	)
}
