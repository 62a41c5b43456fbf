package model

import "time"

// AttributionMethod identifies which attributor produced an event.
type AttributionMethod string

const (
	MethodClickID AttributionMethod = "click_id"
	MethodMTA     AttributionMethod = "mta"
)

// MTAMode selects the multi-touch algorithm.
type MTAMode string

const (
	MTAEqualWeight MTAMode = "equal_weight"
	MTAMarkov      MTAMode = "markov"
)

// Valid reports whether m is a known mode.
func (m MTAMode) Valid() bool {
	return m == MTAEqualWeight || m == MTAMarkov
}

// AttributionEvent credits part of an order's revenue to one channel.
type AttributionEvent struct {
	EventID           string            `json:"event_id"`
	RunID             string            `json:"run_id"`
	OrderID           string            `json:"order_id"`
	Date              time.Time         `json:"date"`
	Channel           string            `json:"channel"`
	CampaignID        string            `json:"campaign_id,omitempty"`
	AttributedRevenue float64           `json:"attributed_revenue"`
	Method            AttributionMethod `json:"method"`
	Confidence        float64           `json:"confidence"`
}

// AttributionSummary describes one attribution pass.
type AttributionSummary struct {
	Orders              int     `json:"orders"`
	ClickIDMatched      int     `json:"click_id_matched"`
	MTAAttributed       int     `json:"mta_attributed"`
	Unattributable      int     `json:"unattributable"`
	TotalRevenue        float64 `json:"total_revenue"`
	AttributedRevenue   float64 `json:"attributed_revenue"`
	UnattributedRevenue float64 `json:"unattributed_revenue"`
	MTAMode             MTAMode `json:"mta_mode"`
	ModelVersion        string  `json:"model_version"`
}
