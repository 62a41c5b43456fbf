package model

import "time"

// ChannelReconciliation compares the two share signals for one channel.
type ChannelReconciliation struct {
	Channel          string  `json:"channel"`
	AttributionShare float64 `json:"attribution_share"`
	MMMShare         float64 `json:"mmm_share"`
	AbsDiff          float64 `json:"abs_diff"`
	InBoth           bool    `json:"in_both"`
}

// ReconciliationReport is the attribution vs MMM comparison for a window.
type ReconciliationReport struct {
	RunID              string                  `json:"run_id"`
	WindowStart        time.Time               `json:"window_start"`
	WindowEnd          time.Time               `json:"window_end"`
	Metric             string                  `json:"metric"`
	Threshold          float64                 `json:"threshold"`
	DisagreementScore  float64                 `json:"disagreement_score"`
	InstabilityFlagged bool                    `json:"instability_flagged"`
	Channels           []ChannelReconciliation `json:"channels"`
}

// Channel returns the entry for ch, if present.
func (r *ReconciliationReport) Channel(ch string) (ChannelReconciliation, bool) {
	if r == nil {
		return ChannelReconciliation{}, false
	}
	for _, c := range r.Channels {
		if c.Channel == ch {
			return c, true
		}
	}
	return ChannelReconciliation{}, false
}

// Contributes reports whether ch pushed the report over the instability threshold.
func (r *ReconciliationReport) Contributes(ch string) bool {
	if r == nil || !r.InstabilityFlagged {
		return false
	}
	c, ok := r.Channel(ch)
	return ok && c.InBoth && c.AbsDiff > r.Threshold
}
