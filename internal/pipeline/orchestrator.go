// Package pipeline orchestrates attribution, MMM, reconciliation and
// decisions into committed runs.
package pipeline

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/sells-group/mixsignal/internal/attribution"
	"github.com/sells-group/mixsignal/internal/decision"
	"github.com/sells-group/mixsignal/internal/mmm"
	"github.com/sells-group/mixsignal/internal/model"
	"github.com/sells-group/mixsignal/internal/reconcile"
	"github.com/sells-group/mixsignal/internal/source"
	"github.com/sells-group/mixsignal/internal/store"
)

// maxTracked bounds how many finished runs the registry remembers.
const maxTracked = 256

// Options tunes every run. Zero values take defaults.
type Options struct {
	WindowDays         int
	DecisionWindowDays int
	MaxConcurrentRuns  int
	Attribution        attribution.Config
	MMM                mmm.Config
	ReconcileMetric    reconcile.Metric
	ReconcileThreshold float64
	Decision           decision.Config
}

// DefaultOptions returns the standard run configuration.
func DefaultOptions() Options {
	return Options{
		WindowDays:         90,
		DecisionWindowDays: 30,
		MaxConcurrentRuns:  2,
		Attribution: attribution.Config{
			Mode:               model.MTAEqualWeight,
			MinMarkovSequences: attribution.DefaultMinMarkovSequences,
		},
		MMM:                mmm.DefaultConfig(),
		ReconcileMetric:    reconcile.MeanAbs,
		ReconcileThreshold: reconcile.DefaultThreshold,
		Decision:           decision.DefaultConfig(),
	}
}

// Params are per-trigger overrides.
type Params struct {
	// Seed drives the bootstrap. Nil derives it from the data snapshot.
	Seed *uint64
	// Window defaults to the trailing WindowDays ending yesterday (UTC).
	Window model.Window
	// MTAMode defaults to the configured attribution mode.
	MTAMode model.MTAMode
}

type entry struct {
	rc      model.RunContext
	seedSet bool
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// Orchestrator runs the pipeline and tracks run state. At most one run per
// snapshot key (provider name and window) is in flight at a time.
type Orchestrator struct {
	provider source.Provider
	store    store.Store
	broker   *Broker
	opts     Options
	metrics  *Metrics
	engine   *decision.Engine
	slots    *semaphore.Weighted
	now      func() time.Time

	mu     sync.Mutex
	runs   map[string]*entry
	active map[string]string
	order  []string
}

// New validates opts and builds an orchestrator. A nil broker or metrics
// gets a private instance.
func New(provider source.Provider, st store.Store, broker *Broker, opts Options, m *Metrics) (*Orchestrator, error) {
	if opts.WindowDays < 1 {
		return nil, model.NewInvalidInput("pipeline: window_days must be >= 1")
	}
	if opts.DecisionWindowDays < 1 {
		opts.DecisionWindowDays = opts.WindowDays
	}
	if opts.MaxConcurrentRuns < 1 {
		opts.MaxConcurrentRuns = 1
	}
	if !opts.Attribution.Mode.Valid() {
		return nil, model.NewInvalidInput("pipeline: unknown mta mode %q", opts.Attribution.Mode)
	}
	if err := opts.MMM.Validate(); err != nil {
		return nil, err
	}
	if _, err := reconcile.ParseMetric(string(opts.ReconcileMetric)); err != nil {
		return nil, err
	}
	engine, err := decision.NewEngine(opts.Decision)
	if err != nil {
		return nil, err
	}
	if broker == nil {
		broker = NewBroker(0)
	}
	if m == nil {
		m = NewMetrics(nil)
	}
	broker.dropped = m.EventsDropped.Inc

	return &Orchestrator{
		provider: provider,
		store:    st,
		broker:   broker,
		opts:     opts,
		metrics:  m,
		engine:   engine,
		slots:    semaphore.NewWeighted(int64(opts.MaxConcurrentRuns)),
		now:      func() time.Time { return time.Now().UTC() },
		runs:     map[string]*entry{},
		active:   map[string]string{},
	}, nil
}

// Broker returns the event broker runs publish to.
func (o *Orchestrator) Broker() *Broker { return o.broker }

// Options returns the run configuration.
func (o *Orchestrator) Options() Options { return o.opts }

// SeedFor derives the default bootstrap seed from a data snapshot id.
func SeedFor(snapshotID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(snapshotID))
	return h.Sum64()
}

// Trigger registers a run and starts it in the background. The returned
// context is Idle; ctx can cancel the run only until it starts running.
func (o *Orchestrator) Trigger(ctx context.Context, p Params) (*model.RunContext, error) {
	e, err := o.register(ctx, p)
	if err != nil {
		return nil, err
	}
	rc := o.snapshot(e)
	go o.execute(e) //nolint:errcheck
	return rc, nil
}

// RunSync runs the pipeline to completion and returns the final context.
// The error is the run's failure, if any.
func (o *Orchestrator) RunSync(ctx context.Context, p Params) (*model.RunContext, error) {
	e, err := o.register(ctx, p)
	if err != nil {
		return nil, err
	}
	runErr := o.execute(e)
	return o.snapshot(e), runErr
}

// Status returns the current context of a tracked run.
func (o *Orchestrator) Status(runID string) (*model.RunContext, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.runs[runID]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "pipeline: run %s", runID)
	}
	rc := e.rc
	return &rc, nil
}

// Runs lists tracked runs, newest first.
func (o *Orchestrator) Runs() []model.RunContext {
	o.mu.Lock()
	out := make([]model.RunContext, 0, len(o.runs))
	for _, e := range o.runs {
		out = append(out, e.rc)
	}
	o.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RunID > out[j].RunID
	})
	return out
}

// Wait blocks until the run reaches a terminal state or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, runID string) (*model.RunContext, error) {
	o.mu.Lock()
	e, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "pipeline: run %s", runID)
	}
	select {
	case <-e.done:
		return o.snapshot(e), nil
	case <-ctx.Done():
		return o.snapshot(e), eris.Wrapf(ctx.Err(), "pipeline: wait for run %s", runID)
	}
}

// Cancel stops a run that has not started running yet.
func (o *Orchestrator) Cancel(ctx context.Context, runID string) (*model.RunContext, error) {
	o.mu.Lock()
	e, ok := o.runs[runID]
	if !ok {
		o.mu.Unlock()
		return nil, eris.Wrapf(model.ErrNotFound, "pipeline: run %s", runID)
	}
	if e.rc.State != model.RunIdle {
		state := e.rc.State
		o.mu.Unlock()
		return nil, model.NewInvalidInput("run %s is %s; only idle runs can be cancelled", runID, state)
	}
	e.cancel()
	o.mu.Unlock()

	return o.Wait(ctx, runID)
}

func (o *Orchestrator) register(ctx context.Context, p Params) (*entry, error) {
	w := p.Window
	if w.Start.IsZero() && w.End.IsZero() {
		w = model.TrailingWindow(o.now().AddDate(0, 0, -1), o.opts.WindowDays)
	}
	if !w.Valid() {
		return nil, model.NewInvalidInput("pipeline: invalid window %s", w)
	}
	mode := p.MTAMode
	if mode == "" {
		mode = o.opts.Attribution.Mode
	}
	if !mode.Valid() {
		return nil, model.NewInvalidInput("pipeline: unknown mta mode %q", mode)
	}
	key := o.provider.Name() + "|" + w.String()

	o.mu.Lock()
	defer o.mu.Unlock()
	if running, ok := o.active[key]; ok {
		o.metrics.Rejected.Inc()
		return nil, eris.Wrap(&model.AlreadyRunningError{SnapshotKey: key, RunID: running}, "pipeline: trigger")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		rc: model.RunContext{
			RunID:       uuid.NewString(),
			SnapshotKey: key,
			WindowStart: w.Start,
			WindowEnd:   w.End,
			MTAMode:     mode,
			State:       model.RunIdle,
			CreatedAt:   o.now(),
		},
		ctx:    runCtx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if p.Seed != nil {
		e.rc.Seed = *p.Seed
		e.seedSet = true
	}
	o.runs[e.rc.RunID] = e
	o.active[key] = e.rc.RunID
	o.order = append(o.order, e.rc.RunID)
	return e, nil
}

func (o *Orchestrator) snapshot(e *entry) *model.RunContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	rc := e.rc
	return &rc
}

func (o *Orchestrator) update(e *entry, fn func(rc *model.RunContext)) {
	o.mu.Lock()
	fn(&e.rc)
	o.mu.Unlock()
}

// execute waits Idle for a slot, then runs detached from the trigger's
// cancellation until it completes or fails.
func (o *Orchestrator) execute(e *entry) error {
	defer e.cancel()

	if err := o.slots.Acquire(e.ctx, 1); err != nil {
		return o.finish(e, eris.Wrap(err, "pipeline: cancelled before start"), true)
	}
	o.mu.Lock()
	if e.ctx.Err() != nil {
		o.mu.Unlock()
		o.slots.Release(1)
		return o.finish(e, eris.Wrap(e.ctx.Err(), "pipeline: cancelled before start"), true)
	}
	started := o.now()
	e.rc.State = model.RunRunning
	e.rc.StartedAt = &started
	o.mu.Unlock()

	o.metrics.InFlight.Inc()
	err := o.run(context.WithoutCancel(e.ctx), e)
	o.metrics.InFlight.Dec()
	o.slots.Release(1)

	return o.finish(e, err, false)
}

func (o *Orchestrator) finish(e *entry, err error, cancelled bool) error {
	now := o.now()

	o.mu.Lock()
	switch {
	case cancelled:
		e.rc.State = model.RunCancelled
		e.rc.ErrorMessage = "cancelled before start"
	case err != nil:
		e.rc.State = model.RunFailed
		e.rc.ErrorCode = model.ErrorCode(err)
		e.rc.ErrorMessage = err.Error()
	default:
		e.rc.State = model.RunCompleted
	}
	e.rc.Stage = ""
	e.rc.FinishedAt = &now
	delete(o.active, e.rc.SnapshotKey)
	o.evictLocked()
	rc := e.rc
	o.mu.Unlock()

	o.metrics.Runs.WithLabelValues(string(rc.State)).Inc()
	log := zap.L().With(zap.String("run_id", rc.RunID), zap.String("status", string(rc.State)))
	if rc.State == model.RunFailed {
		log.Error("pipeline: run failed", zap.String("error_code", rc.ErrorCode), zap.Error(err))
	} else {
		log.Info("pipeline: run finished")
	}

	o.broker.Publish(rc.Event(now))
	close(e.done)
	return err
}

// evictLocked forgets the oldest finished runs beyond maxTracked.
func (o *Orchestrator) evictLocked() {
	for len(o.order) > maxTracked {
		id := o.order[0]
		if e, ok := o.runs[id]; ok && !e.rc.State.Terminal() {
			return
		}
		o.order = o.order[1:]
		delete(o.runs, id)
	}
}
