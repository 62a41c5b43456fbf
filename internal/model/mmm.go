package model

// MMMResult holds one channel's fitted coefficient for a run.
type MMMResult struct {
	RunID                  string   `json:"run_id"`
	Channel                string   `json:"channel"`
	Coefficient            float64  `json:"coefficient"`
	GoodnessOfFitR2        float64  `json:"goodness_of_fit_r2"`
	ConfidenceIntervalLow  *float64 `json:"confidence_interval_low"`
	ConfidenceIntervalHigh *float64 `json:"confidence_interval_high"`
	ModelVersion           string   `json:"model_version"`
	AdstockHalfLife        float64  `json:"adstock_half_life"`
	SaturationScale        float64  `json:"saturation_scale"`
	Elasticity             float64  `json:"elasticity"`
	VIF                    float64  `json:"vif"`
	LowConfidence          bool     `json:"low_confidence"`
}

// CISpansZero reports whether the bootstrap interval straddles zero.
func (r MMMResult) CISpansZero() bool {
	if r.ConfidenceIntervalLow == nil || r.ConfidenceIntervalHigh == nil {
		return false
	}
	return *r.ConfidenceIntervalLow < 0 && *r.ConfidenceIntervalHigh > 0
}

// MMMDiagnostics are run-level fit statistics.
type MMMDiagnostics struct {
	Observations        int     `json:"observations"`
	R2                  float64 `json:"r2"`
	AdjustedR2          float64 `json:"adjusted_r2"`
	MAPE                float64 `json:"mape"`
	Intercept           float64 `json:"intercept"`
	Lambda              float64 `json:"lambda"`
	StabilityIndex      float64 `json:"stability_index"`
	BootstrapRequested  int     `json:"bootstrap_requested"`
	BootstrapSucceeded  int     `json:"bootstrap_succeeded"`
	BootstrapFailed     int     `json:"bootstrap_failed"`
	LowConfidence       bool    `json:"low_confidence"`
	LowConfidenceReason string  `json:"low_confidence_reason,omitempty"`
}
