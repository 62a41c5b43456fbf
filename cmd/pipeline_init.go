package main

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mixsignal/internal/attribution"
	"github.com/sells-group/mixsignal/internal/decision"
	"github.com/sells-group/mixsignal/internal/mmm"
	"github.com/sells-group/mixsignal/internal/model"
	"github.com/sells-group/mixsignal/internal/notify"
	"github.com/sells-group/mixsignal/internal/optimizer"
	"github.com/sells-group/mixsignal/internal/pipeline"
	"github.com/sells-group/mixsignal/internal/reconcile"
	"github.com/sells-group/mixsignal/internal/service"
	"github.com/sells-group/mixsignal/internal/source"
	"github.com/sells-group/mixsignal/internal/store"
)

// pipelineEnv holds the store, orchestrator and service used by the
// run/serve/query commands.
type pipelineEnv struct {
	Store    store.Store
	Pipeline *pipeline.Orchestrator // nil in query mode
	Service  *service.Service
	Registry *prometheus.Registry
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initPipeline builds the full environment for mode "run" or "serve".
// Callers should defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	opts, err := pipelineOptions()
	if err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	provider := source.NewCSV(cfg.Source.Dir, cfg.Source.Channels)
	orch, err := pipeline.New(provider, st, pipeline.NewBroker(0), opts, pipeline.NewMetrics(reg))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	svc, err := service.New(st, orch, serviceOptions())
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	zap.L().Info("pipeline initialized",
		zap.String("source", provider.Name()),
		zap.String("store", cfg.Store.Driver),
		zap.Int("window_days", opts.WindowDays),
		zap.String("mta_mode", string(opts.Attribution.Mode)),
	)

	return &pipelineEnv{Store: st, Pipeline: orch, Service: svc, Registry: reg}, nil
}

// initQuery builds a read-only environment with no orchestrator.
func initQuery(ctx context.Context) (*pipelineEnv, error) {
	if err := cfg.Validate("query"); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := service.New(st, nil, serviceOptions())
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &pipelineEnv{Store: st, Service: svc}, nil
}

// pipelineOptions maps the loaded config onto orchestrator options.
func pipelineOptions() (pipeline.Options, error) {
	opts := pipeline.DefaultOptions()
	p := cfg.Pipeline
	opts.WindowDays = p.WindowDays
	opts.DecisionWindowDays = p.DecisionWindowDays
	opts.MaxConcurrentRuns = p.MaxConcurrentRuns
	opts.Attribution = attribution.Config{
		Mode:               model.MTAMode(p.MTAMode),
		MinMarkovSequences: p.MinMarkovSequences,
	}

	m := cfg.MMM
	opts.MMM.HalfLife = m.HalfLife
	opts.MMM.Lambda = m.Lambda
	opts.MMM.SaturationScale = m.SaturationScale
	opts.MMM.FitIntercept = m.FitIntercept
	opts.MMM.Trend = m.Trend
	opts.MMM.WeeklySeasonality = m.WeeklySeasonality
	opts.MMM.MinObservations = m.MinObservations
	opts.MMM.Bootstrap = mmm.BootstrapConfig{
		Enabled:         m.Bootstrap.Enabled,
		Resamples:       m.Bootstrap.Resamples,
		BlockLength:     m.Bootstrap.BlockLength,
		Workers:         m.Bootstrap.Workers,
		MinSuccessRatio: m.Bootstrap.MinSuccessRatio,
	}
	if m.ChannelProfile != "" {
		profile, err := mmm.LoadProfile(m.ChannelProfile)
		if err != nil {
			return opts, err
		}
		opts.MMM.Profile = profile
	}
	if len(m.ChannelHalfLife) > 0 {
		opts.MMM.ChannelHalfLife = make(map[string]float64, len(m.ChannelHalfLife))
		for ch, hl := range m.ChannelHalfLife {
			opts.MMM.ChannelHalfLife[source.Channel(ch)] = hl
		}
	}

	metric, err := reconcile.ParseMetric(cfg.Reconcile.Metric)
	if err != nil {
		return opts, err
	}
	opts.ReconcileMetric = metric
	opts.ReconcileThreshold = cfg.Reconcile.Threshold

	d := cfg.Decision
	opts.Decision = decision.Config{
		ProfitabilityThreshold: d.ProfitabilityThreshold,
		StepPct:                d.StepPct,
		LowConfidence:          d.LowConfidence,
		SmallSampleDays:        d.SmallSampleDays,
		FullSampleDays:         d.FullSampleDays,
		Weights: decision.Weights{
			Fit:       d.Weights.Fit,
			Alignment: d.Weights.Alignment,
			Sample:    d.Weights.Sample,
		},
	}
	return opts, nil
}

// serviceOptions maps the loaded config onto query options.
func serviceOptions() service.Options {
	opts := service.DefaultOptions()
	opts.Optimizer = optimizer.Config{
		Tolerance:     cfg.Optimizer.Tolerance,
		MaxIterations: cfg.Optimizer.MaxIterations,
	}
	opts.LookbackDays = cfg.Optimizer.LookbackDays
	if metric, err := reconcile.ParseMetric(cfg.Reconcile.Metric); err == nil {
		opts.ReconcileMetric = metric
	}
	opts.ReconcileThreshold = cfg.Reconcile.Threshold
	opts.CacheSize = cfg.Server.CacheSize
	return opts
}

// notifySinks builds the completion sinks named in config.
func notifySinks() []notify.Sink {
	var sinks []notify.Sink
	n := cfg.Notify
	if n.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(n.WebhookURL, n.Retry))
	}
	if len(n.Kafka.Brokers) > 0 && n.Kafka.Topic != "" {
		sinks = append(sinks, notify.NewKafka(strings.Join(n.Kafka.Brokers, ","), n.Kafka.Topic, n.Retry))
	}
	return sinks
}

// startNotifier forwards terminal run events to the configured sinks until
// ctx is done.
func startNotifier(ctx context.Context, broker *pipeline.Broker) {
	sinks := notifySinks()
	if len(sinks) == 0 {
		return
	}
	events, unsubscribe := broker.Subscribe()
	go func() {
		defer unsubscribe()
		defer closeSinks(sinks)
		notify.Forward(ctx, events, sinks...)
	}()
	names := make([]string, len(sinks))
	for i, s := range sinks {
		names[i] = s.Name()
	}
	zap.L().Info("notifier started", zap.Strings("sinks", names))
}

func closeSinks(sinks []notify.Sink) {
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				zap.L().Warn("notifier: close sink", zap.String("sink", s.Name()), zap.Error(err))
			}
		}
	}
}
