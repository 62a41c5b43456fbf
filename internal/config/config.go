// Package config loads mixsignal configuration from file and environment.
package config

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/mixsignal/internal/resilience"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	MMM        MMMConfig        `yaml:"mmm" mapstructure:"mmm"`
	Reconcile  ReconcileConfig  `yaml:"reconcile" mapstructure:"reconcile"`
	Decision   DecisionConfig   `yaml:"decision" mapstructure:"decision"`
	Optimizer  OptimizerConfig  `yaml:"optimizer" mapstructure:"optimizer"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SourceConfig points at the raw CSV snapshot.
type SourceConfig struct {
	Dir      string   `yaml:"dir" mapstructure:"dir"`
	Channels []string `yaml:"channels" mapstructure:"channels"`
}

// PipelineConfig configures run windows and scheduling.
type PipelineConfig struct {
	WindowDays           int    `yaml:"window_days" mapstructure:"window_days"`
	MTAMode              string `yaml:"mta_mode" mapstructure:"mta_mode"`
	MinMarkovSequences   int    `yaml:"min_markov_sequences" mapstructure:"min_markov_sequences"`
	DecisionWindowDays   int    `yaml:"decision_window_days" mapstructure:"decision_window_days"`
	MaxConcurrentRuns    int    `yaml:"max_concurrent_runs" mapstructure:"max_concurrent_runs"`
	ScheduleIntervalMins int    `yaml:"schedule_interval_minutes" mapstructure:"schedule_interval_minutes"`
}

// MMMConfig configures the marketing mix model.
type MMMConfig struct {
	HalfLife          float64            `yaml:"half_life" mapstructure:"half_life"`
	ChannelProfile    string             `yaml:"channel_profile" mapstructure:"channel_profile"`
	ChannelHalfLife   map[string]float64 `yaml:"channel_half_life" mapstructure:"channel_half_life"`
	Lambda            float64            `yaml:"lambda" mapstructure:"lambda"`
	SaturationScale   float64            `yaml:"saturation_scale" mapstructure:"saturation_scale"`
	FitIntercept      bool               `yaml:"fit_intercept" mapstructure:"fit_intercept"`
	Trend             bool               `yaml:"trend" mapstructure:"trend"`
	WeeklySeasonality bool               `yaml:"weekly_seasonality" mapstructure:"weekly_seasonality"`
	MinObservations   int                `yaml:"min_observations" mapstructure:"min_observations"`
	Bootstrap         BootstrapConfig    `yaml:"bootstrap" mapstructure:"bootstrap"`
}

// BootstrapConfig configures coefficient intervals.
type BootstrapConfig struct {
	Enabled         bool    `yaml:"enabled" mapstructure:"enabled"`
	Resamples       int     `yaml:"resamples" mapstructure:"resamples"`
	BlockLength     int     `yaml:"block_length" mapstructure:"block_length"`
	Workers         int     `yaml:"workers" mapstructure:"workers"`
	MinSuccessRatio float64 `yaml:"min_success_ratio" mapstructure:"min_success_ratio"`
}

// ReconcileConfig configures the attribution/MMM comparison.
type ReconcileConfig struct {
	Metric    string  `yaml:"metric" mapstructure:"metric"`
	Threshold float64 `yaml:"threshold" mapstructure:"threshold"`
}

// DecisionConfig configures decision rules.
type DecisionConfig struct {
	ProfitabilityThreshold float64       `yaml:"profitability_threshold" mapstructure:"profitability_threshold"`
	StepPct                float64       `yaml:"step_pct" mapstructure:"step_pct"`
	LowConfidence          float64       `yaml:"low_confidence" mapstructure:"low_confidence"`
	SmallSampleDays        int           `yaml:"small_sample_days" mapstructure:"small_sample_days"`
	FullSampleDays         int           `yaml:"full_sample_days" mapstructure:"full_sample_days"`
	Weights                WeightsConfig `yaml:"weights" mapstructure:"weights"`
}

// WeightsConfig blends the confidence inputs.
type WeightsConfig struct {
	Fit       float64 `yaml:"fit" mapstructure:"fit"`
	Alignment float64 `yaml:"alignment" mapstructure:"alignment"`
	Sample    float64 `yaml:"sample" mapstructure:"sample"`
}

// OptimizerConfig configures budget allocation.
type OptimizerConfig struct {
	LookbackDays  int     `yaml:"lookback_days" mapstructure:"lookback_days"`
	Tolerance     float64 `yaml:"tolerance" mapstructure:"tolerance"`
	MaxIterations int     `yaml:"max_iterations" mapstructure:"max_iterations"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port                 int      `yaml:"port" mapstructure:"port"`
	APIKey               string   `yaml:"api_key" mapstructure:"api_key"`
	CORSOrigins          []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	TriggerRatePerMinute int      `yaml:"trigger_rate_per_minute" mapstructure:"trigger_rate_per_minute"`
	CacheSize            int      `yaml:"cache_size" mapstructure:"cache_size"`
}

// NotifyConfig configures completion notification sinks.
type NotifyConfig struct {
	WebhookURL string                 `yaml:"webhook_url" mapstructure:"webhook_url"`
	Kafka      KafkaConfig            `yaml:"kafka" mapstructure:"kafka"`
	Retry      resilience.RetryConfig `yaml:"retry" mapstructure:"retry"`
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// MonitoringConfig configures run-health alerting.
type MonitoringConfig struct {
	Enabled                  bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalMins        int     `yaml:"check_interval_minutes" mapstructure:"check_interval_minutes"`
	LookbackRuns             int     `yaml:"lookback_runs" mapstructure:"lookback_runs"`
	FailureRateThreshold     float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	InstabilityRateThreshold float64 `yaml:"instability_rate_threshold" mapstructure:"instability_rate_threshold"`
	LowConfidenceThreshold   float64 `yaml:"low_confidence_threshold" mapstructure:"low_confidence_threshold"`
	StaleAfterHours          int     `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
	WebhookURL               string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment. An empty path looks
// for config.yaml in the working directory.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("MIXSIGNAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "mixsignal.db")
	v.SetDefault("source.dir", "data")
	v.SetDefault("source.channels", []string{})
	v.SetDefault("pipeline.window_days", 90)
	v.SetDefault("pipeline.mta_mode", "equal_weight")
	v.SetDefault("pipeline.min_markov_sequences", 10)
	v.SetDefault("pipeline.decision_window_days", 30)
	v.SetDefault("pipeline.max_concurrent_runs", 2)
	v.SetDefault("pipeline.schedule_interval_minutes", 0)
	v.SetDefault("mmm.half_life", 7.0)
	v.SetDefault("mmm.lambda", 1.0)
	v.SetDefault("mmm.saturation_scale", 0.0)
	v.SetDefault("mmm.fit_intercept", true)
	v.SetDefault("mmm.trend", false)
	v.SetDefault("mmm.weekly_seasonality", false)
	v.SetDefault("mmm.min_observations", 14)
	v.SetDefault("mmm.bootstrap.enabled", true)
	v.SetDefault("mmm.bootstrap.resamples", 500)
	v.SetDefault("mmm.bootstrap.block_length", 7)
	v.SetDefault("mmm.bootstrap.workers", 0)
	v.SetDefault("mmm.bootstrap.min_success_ratio", 0.8)
	v.SetDefault("reconcile.metric", "mean_abs")
	v.SetDefault("reconcile.threshold", 0.15)
	v.SetDefault("decision.profitability_threshold", 1.0)
	v.SetDefault("decision.step_pct", 20.0)
	v.SetDefault("decision.low_confidence", 0.3)
	v.SetDefault("decision.small_sample_days", 28)
	v.SetDefault("decision.full_sample_days", 90)
	v.SetDefault("decision.weights.fit", 0.4)
	v.SetDefault("decision.weights.alignment", 0.4)
	v.SetDefault("decision.weights.sample", 0.2)
	v.SetDefault("optimizer.lookback_days", 30)
	v.SetDefault("optimizer.tolerance", 1e-9)
	v.SetDefault("optimizer.max_iterations", 200)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.trigger_rate_per_minute", 6)
	v.SetDefault("server.cache_size", 64)
	v.SetDefault("notify.webhook_url", "")
	v.SetDefault("notify.kafka.brokers", []string{})
	v.SetDefault("notify.kafka.topic", "mixsignal.pipeline")
	v.SetDefault("notify.retry.max_attempts", 3)
	v.SetDefault("notify.retry.initial_backoff", 500*time.Millisecond)
	v.SetDefault("notify.retry.max_backoff", 10*time.Second)
	v.SetDefault("notify.retry.multiplier", 2.0)
	v.SetDefault("notify.retry.jitter_fraction", 0.25)
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.check_interval_minutes", 15)
	v.SetDefault("monitoring.lookback_runs", 20)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.instability_rate_threshold", 0.5)
	v.SetDefault("monitoring.low_confidence_threshold", 0.3)
	v.SetDefault("monitoring.stale_after_hours", 48)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional when no explicit path was given)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on and reports every
// problem at once. Modes: "run" (pipeline triggers), "serve" (run plus the
// HTTP API), "query" (store reads only).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "serve":
		errs = append(errs, c.validatePipeline()...)
		if mode == "serve" {
			errs = append(errs, c.validateServer()...)
		}
	case "query":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	errs = append(errs, c.validateStore()...)

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "", "sqlite":
	case "postgres", "postgresql", "pg":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not sqlite or postgres", c.Store.Driver))
	}
	return errs
}

func (c *Config) validatePipeline() []string {
	var errs []string
	if c.Source.Dir == "" {
		errs = append(errs, "source.dir is required")
	}
	p := c.Pipeline
	if p.WindowDays < 1 {
		errs = append(errs, "pipeline.window_days must be >= 1")
	}
	if p.MTAMode != "equal_weight" && p.MTAMode != "markov" {
		errs = append(errs, fmt.Sprintf("pipeline.mta_mode %q must be equal_weight or markov", p.MTAMode))
	}
	if p.DecisionWindowDays < 1 || p.DecisionWindowDays > p.WindowDays {
		errs = append(errs, "pipeline.decision_window_days must be between 1 and window_days")
	}
	if p.MaxConcurrentRuns < 1 || p.MaxConcurrentRuns > 16 {
		errs = append(errs, "pipeline.max_concurrent_runs must be between 1 and 16")
	}
	if p.ScheduleIntervalMins < 0 {
		errs = append(errs, "pipeline.schedule_interval_minutes must be >= 0")
	}
	if c.MMM.Lambda <= 0 {
		errs = append(errs, "mmm.lambda must be > 0")
	}
	if c.MMM.HalfLife <= 0 {
		errs = append(errs, "mmm.half_life must be > 0")
	}
	for _, ch := range slices.Sorted(maps.Keys(c.MMM.ChannelHalfLife)) {
		if c.MMM.ChannelHalfLife[ch] <= 0 {
			errs = append(errs, fmt.Sprintf("mmm.channel_half_life.%s must be > 0", ch))
		}
	}
	if c.Reconcile.Threshold < 0 || c.Reconcile.Threshold > 1 {
		errs = append(errs, "reconcile.threshold must be in [0,1]")
	}
	return errs
}

func (c *Config) validateServer() []string {
	var errs []string
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be > 0 and <= 65535")
	}
	if c.Server.TriggerRatePerMinute < 0 {
		errs = append(errs, "server.trigger_rate_per_minute must be >= 0")
	}
	if c.Monitoring.Enabled && c.Monitoring.WebhookURL == "" {
		errs = append(errs, "monitoring.webhook_url is required when monitoring is enabled")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
