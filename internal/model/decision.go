package model

import "time"

// Action is a recommended budget move.
type Action string

const (
	ActionScaleUp   Action = "scale_up"
	ActionScaleDown Action = "scale_down"
	ActionHold      Action = "hold"
)

// DecisionStatus tracks review of a decision.
type DecisionStatus string

const (
	DecisionPending  DecisionStatus = "pending"
	DecisionApproved DecisionStatus = "approved"
	DecisionRejected DecisionStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s DecisionStatus) Valid() bool {
	switch s {
	case DecisionPending, DecisionApproved, DecisionRejected:
		return true
	}
	return false
}

// CanTransition reports whether a decision may move from s to next.
func (s DecisionStatus) CanTransition(next DecisionStatus) bool {
	return s == DecisionPending && (next == DecisionApproved || next == DecisionRejected)
}

// Risk flag names.
const (
	FlagLowConfidence      = "low_confidence"
	FlagHighDisagreement   = "high_disagreement"
	FlagSmallSample        = "small_sample"
	FlagCISpansZero        = "ci_spans_zero"
	FlagDegenerateFit      = "degenerate_fit"
	FlagZeroSpend          = "zero_spend"
	FlagMissingMMM         = "missing_mmm_signal"
	FlagMissingAttribution = "missing_attribution_signal"
)

// Reasoning records the signals behind a decision.
type Reasoning struct {
	MTASupport     float64 `json:"mta_support"`
	MMMSupport     float64 `json:"mmm_support"`
	AlignmentScore float64 `json:"alignment_score"`
	MarginalROAS   float64 `json:"marginal_roas"`
	CurrentSpend   float64 `json:"current_spend"`
}

// Decision is a recommended action for one channel in one run.
type Decision struct {
	DecisionID        string         `json:"decision_id"`
	RunID             string         `json:"run_id"`
	Channel           string         `json:"channel"`
	RecommendedAction Action         `json:"recommended_action"`
	BudgetChangePct   float64        `json:"budget_change_pct"`
	ProjectedImpact   float64        `json:"projected_impact"`
	ConfidenceScore   float64        `json:"confidence_score"`
	RiskFlags         []string       `json:"risk_flags"`
	Reasoning         Reasoning      `json:"reasoning"`
	Status            DecisionStatus `json:"status"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// DecisionSummary aggregates decisions for review.
type DecisionSummary struct {
	RunID          string                 `json:"run_id"`
	Total          int                    `json:"total"`
	ByAction       map[Action]int         `json:"by_action"`
	ByStatus       map[DecisionStatus]int `json:"by_status"`
	TopScaleUp     *Decision              `json:"top_scale_up,omitempty"`
	FlaggedRisky   int                    `json:"flagged_risky"`
	MeanConfidence float64                `json:"mean_confidence"`
}
