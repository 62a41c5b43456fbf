// Package service exposes the mixsignal operations shared by the CLI and
// the HTTP API.
package service

import (
	"context"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mixsignal/internal/decision"
	"github.com/sells-group/mixsignal/internal/mmm"
	"github.com/sells-group/mixsignal/internal/model"
	"github.com/sells-group/mixsignal/internal/optimizer"
	"github.com/sells-group/mixsignal/internal/pipeline"
	"github.com/sells-group/mixsignal/internal/reconcile"
	"github.com/sells-group/mixsignal/internal/store"
)

// DefaultCacheSize is the number of runs whose artifacts stay cached.
const DefaultCacheSize = 64

// Options configures the read side of the service.
type Options struct {
	Optimizer          optimizer.Config
	LookbackDays       int
	ReconcileMetric    reconcile.Metric
	ReconcileThreshold float64
	CacheSize          int
}

// DefaultOptions returns the standard query settings.
func DefaultOptions() Options {
	return Options{
		Optimizer:          optimizer.DefaultConfig(),
		LookbackDays:       30,
		ReconcileMetric:    reconcile.MeanAbs,
		ReconcileThreshold: reconcile.DefaultThreshold,
		CacheSize:          DefaultCacheSize,
	}
}

// runData is the immutable part of a committed run the read paths share.
type runData struct {
	run     model.PipelineRun
	results []model.MMMResult
	curves  map[string]mmm.ResponseCurve
	metrics []model.UnifiedMetricRow
}

// Service implements every mixsignal operation. The orchestrator is nil for
// read-only callers; trigger operations then fail with InvalidInput.
type Service struct {
	store store.Store
	orch  *pipeline.Orchestrator
	opts  Options
	cache *lru.Cache[string, *runData]
}

// New builds a service over st and, optionally, a running orchestrator.
func New(st store.Store, orch *pipeline.Orchestrator, opts Options) (*Service, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 30
	}
	metric, err := reconcile.ParseMetric(string(opts.ReconcileMetric))
	if err != nil {
		return nil, err
	}
	opts.ReconcileMetric = metric
	cache, err := lru.New[string, *runData](opts.CacheSize)
	if err != nil {
		return nil, eris.Wrap(err, "service: create cache")
	}
	return &Service{store: st, orch: orch, opts: opts, cache: cache}, nil
}

// Orchestrator returns the orchestrator, or nil for read-only services.
func (s *Service) Orchestrator() *pipeline.Orchestrator { return s.orch }

// RunRequest parameterizes a trigger. Zero fields take configured defaults.
type RunRequest struct {
	Seed    *uint64       `json:"seed,omitempty"`
	Start   *time.Time    `json:"start,omitempty"`
	End     *time.Time    `json:"end,omitempty"`
	MTAMode model.MTAMode `json:"mta_mode,omitempty"`
}

func (s *Service) params(req RunRequest) (pipeline.Params, error) {
	if s.orch == nil {
		return pipeline.Params{}, model.NewInvalidInput("service: pipeline is not available in this mode")
	}
	p := pipeline.Params{Seed: req.Seed, MTAMode: req.MTAMode}
	switch {
	case req.Start != nil && req.End != nil:
		p.Window = model.NewWindow(*req.Start, *req.End)
		if !p.Window.Valid() {
			return p, model.NewInvalidInput("start %s is after end %s",
				req.Start.Format(model.DateLayout), req.End.Format(model.DateLayout))
		}
	case req.End != nil:
		p.Window = model.TrailingWindow(*req.End, s.orch.Options().WindowDays)
	case req.Start != nil:
		return p, model.NewInvalidInput("start requires end")
	}
	return p, nil
}

// Run triggers an asynchronous run and returns its Idle context. The run is
// detached from ctx so it outlives the caller's request.
func (s *Service) Run(ctx context.Context, req RunRequest) (*model.RunContext, error) {
	p, err := s.params(req)
	if err != nil {
		return nil, err
	}
	return s.orch.Trigger(context.WithoutCancel(ctx), p)
}

// RunSync runs the pipeline to completion. A failed run returns its final
// context together with the error.
func (s *Service) RunSync(ctx context.Context, req RunRequest) (*model.RunContext, error) {
	p, err := s.params(req)
	if err != nil {
		return nil, err
	}
	return s.orch.RunSync(ctx, p)
}

// Cancel cancels an Idle run.
func (s *Service) Cancel(ctx context.Context, runID string) (*model.RunContext, error) {
	if s.orch == nil {
		return nil, model.NewInvalidInput("service: pipeline is not available in this mode")
	}
	return s.orch.Cancel(ctx, runID)
}

// RunStatus returns a tracked run's live context, falling back to the
// committed record for runs this process did not execute.
func (s *Service) RunStatus(ctx context.Context, runID string) (*model.RunContext, error) {
	if s.orch != nil {
		rc, err := s.orch.Status(runID)
		if err == nil {
			return rc, nil
		}
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &model.RunContext{
		RunID:          run.RunID,
		Seed:           run.Seed,
		WindowStart:    run.WindowStart,
		WindowEnd:      run.WindowEnd,
		State:          model.RunCompleted,
		CreatedAt:      run.CreatedAt,
		FinishedAt:     &run.CreatedAt,
		DataSnapshotID: run.DataSnapshotID,
		MTAVersion:     run.MTAVersion,
		MMMVersion:     run.MMMVersion,
	}, nil
}

// MMMStatus summarizes the most recent model run.
type MMMStatus struct {
	LastRunID   string                `json:"last_run_id,omitempty"`
	LastRunAt   *time.Time            `json:"last_run_at,omitempty"`
	Status      string                `json:"status"`
	ActiveRuns  int                   `json:"active_runs"`
	LastError   string                `json:"last_error_code,omitempty"`
	Diagnostics *model.MMMDiagnostics `json:"mmm_diagnostics,omitempty"`
}

// StatusNeverRun is reported before any run has been committed or tracked.
const StatusNeverRun = "never_run"

// MMMStatus reports the latest committed run, overridden by a newer tracked
// run that is still in flight or failed.
func (s *Service) MMMStatus(ctx context.Context) (*MMMStatus, error) {
	out := &MMMStatus{Status: StatusNeverRun}
	latest, err := s.store.LatestRun(ctx)
	switch {
	case err == nil:
		out.LastRunID = latest.RunID
		out.LastRunAt = &latest.CreatedAt
		out.Status = string(model.RunCompleted)
		out.Diagnostics = latest.Diagnostics
	case errors.Is(err, model.ErrNotFound):
	default:
		return nil, err
	}

	if s.orch == nil {
		return out, nil
	}
	runs := s.orch.Runs()
	for _, rc := range runs {
		if !rc.State.Terminal() {
			out.ActiveRuns++
		}
	}
	if len(runs) == 0 {
		return out, nil
	}
	newest := runs[0]
	if out.LastRunAt == nil || newest.CreatedAt.After(*out.LastRunAt) {
		if newest.State != model.RunCompleted {
			out.Status = string(newest.State)
			out.LastError = newest.ErrorCode
		}
		out.LastRunID = newest.RunID
		created := newest.CreatedAt
		out.LastRunAt = &created
	}
	return out, nil
}

// ListRuns returns committed runs, newest first.
func (s *Service) ListRuns(ctx context.Context, limit int) ([]model.PipelineRun, error) {
	return s.store.ListRuns(ctx, limit)
}

// GetRun returns a committed run.
func (s *Service) GetRun(ctx context.Context, runID string) (*model.PipelineRun, error) {
	data, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	run := data.run
	return &run, nil
}

// MMMResults returns per-channel model results for runID, or for the latest
// run when runID is empty.
func (s *Service) MMMResults(ctx context.Context, runID string) ([]model.MMMResult, error) {
	data, err := s.load(ctx, runID)
	if err != nil {
		return nil, err
	}
	return append([]model.MMMResult(nil), data.results...), nil
}

// UnifiedMetrics returns the latest run's rows in [start, end], optionally
// for one channel.
func (s *Service) UnifiedMetrics(ctx context.Context, start, end time.Time, channel string) ([]model.UnifiedMetricRow, error) {
	w, err := window(start, end)
	if err != nil {
		return nil, err
	}
	latest, err := s.store.LatestRun(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.ListUnifiedMetrics(ctx, store.MetricsFilter{
		RunID:   latest.RunID,
		Start:   w.Start,
		End:     w.End,
		Channel: channel,
	})
}

// Decisions lists decisions, optionally filtered by status and run.
func (s *Service) Decisions(ctx context.Context, status, runID string, limit int) ([]model.Decision, error) {
	f := store.DecisionFilter{RunID: runID, Limit: limit}
	if status != "" {
		st := model.DecisionStatus(status)
		if !st.Valid() {
			return nil, model.NewInvalidInput("unknown decision status %q", status)
		}
		f.Status = st
	}
	return s.store.ListDecisions(ctx, f)
}

// DecisionSummary aggregates the decisions of runID, or of the latest run.
func (s *Service) DecisionSummary(ctx context.Context, runID string) (*model.DecisionSummary, error) {
	if runID == "" {
		latest, err := s.store.LatestRun(ctx)
		if err != nil {
			return nil, err
		}
		runID = latest.RunID
	}
	decisions, err := s.store.ListDecisions(ctx, store.DecisionFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	summary := decision.Summarize(decisions)
	summary.RunID = runID
	return &summary, nil
}

// UpdateDecisionStatus approves or rejects a pending decision.
func (s *Service) UpdateDecisionStatus(ctx context.Context, decisionID, status string) (*model.Decision, error) {
	st := model.DecisionStatus(status)
	if st != model.DecisionApproved && st != model.DecisionRejected {
		return nil, model.NewInvalidInput("status must be approved or rejected, got %q", status)
	}
	d, err := s.store.UpdateDecisionStatus(ctx, decisionID, st)
	if err != nil {
		return nil, err
	}
	zap.L().Info("service: decision reviewed",
		zap.String("decision_id", decisionID),
		zap.String("channel", d.Channel),
		zap.String("status", status),
	)
	return d, nil
}

// Reconciliation returns the latest run's report. With a window it
// recomputes attribution and MMM shares over that part of the run.
func (s *Service) Reconciliation(ctx context.Context, start, end time.Time) (*model.ReconciliationReport, error) {
	latest, err := s.store.LatestRun(ctx)
	if err != nil {
		return nil, err
	}
	if start.IsZero() && end.IsZero() {
		return s.store.GetReconciliation(ctx, latest.RunID)
	}

	w, err := window(start, end)
	if err != nil {
		return nil, err
	}
	w, ok := intersect(w, latest.Window())
	if !ok {
		return nil, model.NewInvalidInput("window %s..%s is outside run window %s",
			start.Format(model.DateLayout), end.Format(model.DateLayout), latest.Window())
	}

	data, err := s.load(ctx, latest.RunID)
	if err != nil {
		return nil, err
	}
	events, err := s.store.ListAttributionEvents(ctx, latest.RunID)
	if err != nil {
		return nil, err
	}
	report, err := reconcile.New(s.opts.ReconcileMetric, s.opts.ReconcileThreshold).Reconcile(ctx,
		&reconcile.EventShares{Events: events},
		&reconcile.ContributionShares{Curves: data.curves, Spend: channelSpend(data.metrics)},
		w)
	if err != nil {
		return nil, err
	}
	report.RunID = latest.RunID
	return report, nil
}

// OptimizeBudget allocates total over the latest run's response curves for
// the configured lookback.
func (s *Service) OptimizeBudget(ctx context.Context, total float64) (*optimizer.Allocation, error) {
	data, err := s.load(ctx, "")
	if err != nil {
		return nil, err
	}
	current, days := s.currentSpend(data)
	return optimizer.Optimize(s.opts.Optimizer, total, data.curves, current, days)
}

// Simulate projects the revenue change of relative spend deltas against the
// latest run's curves. Nothing is persisted.
func (s *Service) Simulate(ctx context.Context, deltas map[string]float64) (*optimizer.Simulation, error) {
	data, err := s.load(ctx, "")
	if err != nil {
		return nil, err
	}
	current, days := s.currentSpend(data)
	return optimizer.Simulate(data.curves, current, deltas, days)
}

// Health reports store reachability and active runs.
type Health struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	ActiveRuns  int    `json:"active_runs"`
	Subscribers int    `json:"event_subscribers"`
}

// Health pings the store.
func (s *Service) Health(ctx context.Context) *Health {
	h := &Health{Status: "ok", Store: "ok"}
	if err := s.store.Ping(ctx); err != nil {
		h.Status = "degraded"
		h.Store = err.Error()
	}
	if s.orch != nil {
		for _, rc := range s.orch.Runs() {
			if !rc.State.Terminal() {
				h.ActiveRuns++
			}
		}
		h.Subscribers = s.orch.Broker().Subscribers()
	}
	return h
}

// load returns the cached artifacts of runID, or of the latest run when
// runID is empty. Committed runs never change, so entries never go stale.
func (s *Service) load(ctx context.Context, runID string) (*runData, error) {
	if runID == "" {
		latest, err := s.store.LatestRun(ctx)
		if err != nil {
			return nil, err
		}
		runID = latest.RunID
	}
	if data, ok := s.cache.Get(runID); ok {
		return data, nil
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	results, err := s.store.ListMMMResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListUnifiedMetrics(ctx, store.MetricsFilter{RunID: runID})
	if err != nil {
		return nil, err
	}
	data := &runData{
		run:     *run,
		results: results,
		curves:  mmm.CurvesFromResults(results),
		metrics: rows,
	}
	s.cache.Add(runID, data)
	return data, nil
}

// currentSpend totals each channel's spend over the trailing lookback of
// the run's window.
func (s *Service) currentSpend(data *runData) (map[string]float64, int) {
	w := data.run.Window()
	days := min(s.opts.LookbackDays, w.Days())
	lookback := model.TrailingWindow(w.End, days)
	current := map[string]float64{}
	for _, r := range data.metrics {
		if lookback.Contains(r.Date) {
			current[r.Channel] += r.Spend
		}
	}
	return current, days
}

func channelSpend(rows []model.UnifiedMetricRow) []model.ChannelSpend {
	out := make([]model.ChannelSpend, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.ChannelSpend{Date: r.Date, Channel: r.Channel, Spend: r.Spend})
	}
	return out
}

func window(start, end time.Time) (model.Window, error) {
	if start.IsZero() || end.IsZero() {
		return model.Window{}, model.NewInvalidInput("start and end are required")
	}
	w := model.NewWindow(start, end)
	if !w.Valid() {
		return w, model.NewInvalidInput("start %s is after end %s",
			start.Format(model.DateLayout), end.Format(model.DateLayout))
	}
	return w, nil
}

func intersect(a, b model.Window) (model.Window, bool) {
	w := model.Window{Start: a.Start, End: a.End}
	if b.Start.After(w.Start) {
		w.Start = b.Start
	}
	if b.End.Before(w.End) {
		w.End = b.End
	}
	return w, w.Valid()
}
