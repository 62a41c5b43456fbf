package decision

import (
	"strings"

	"github.com/sells-group/mixsignal/internal/model"
)

// Config holds decision rule thresholds and confidence weights.
type Config struct {
	ProfitabilityThreshold float64 `json:"profitability_threshold"`
	StepPct                float64 `json:"step_pct"`
	LowConfidence          float64 `json:"low_confidence"`
	SmallSampleDays        int     `json:"small_sample_days"`
	FullSampleDays         int     `json:"full_sample_days"`
	Weights                Weights `json:"weights"`
}

// Weights blend the three confidence inputs.
type Weights struct {
	Fit       float64 `json:"fit"`
	Alignment float64 `json:"alignment"`
	Sample    float64 `json:"sample"`
}

// DefaultConfig returns the production rule set.
func DefaultConfig() Config {
	return Config{
		ProfitabilityThreshold: 1.0,
		StepPct:                20,
		LowConfidence:          0.3,
		SmallSampleDays:        28,
		FullSampleDays:         90,
		Weights:                Weights{Fit: 0.4, Alignment: 0.4, Sample: 0.2},
	}
}

// Validate checks the config and returns all problems at once.
func (c Config) Validate() error {
	var errs []string
	if c.ProfitabilityThreshold <= 0 {
		errs = append(errs, "profitability_threshold must be > 0")
	}
	if c.StepPct < 0 || c.StepPct > 100 {
		errs = append(errs, "step_pct must be in [0,100]")
	}
	if c.LowConfidence < 0 || c.LowConfidence > 1 {
		errs = append(errs, "low_confidence must be in [0,1]")
	}
	if c.FullSampleDays < 1 {
		errs = append(errs, "full_sample_days must be >= 1")
	}
	w := c.Weights
	if w.Fit < 0 || w.Alignment < 0 || w.Sample < 0 {
		errs = append(errs, "weights must be non-negative")
	}
	if w.Fit+w.Alignment+w.Sample <= 0 {
		errs = append(errs, "weights must not all be zero")
	}
	if len(errs) > 0 {
		return model.NewInvalidInput("decision config: %s", strings.Join(errs, "; "))
	}
	return nil
}
