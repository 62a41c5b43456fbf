package model

import "time"

// UnifiedMetricRow merges spend and attributed revenue for one channel-day.
// Ratios are nil when their denominator is zero.
type UnifiedMetricRow struct {
	RunID             string    `json:"run_id"`
	Date              time.Time `json:"date"`
	Channel           string    `json:"channel"`
	Spend             float64   `json:"spend"`
	AttributedRevenue float64   `json:"attributed_revenue"`
	ROAS              *float64  `json:"roas"`
	MER               *float64  `json:"mer"`
	CAC               *float64  `json:"cac"`
	NewCustomers      float64   `json:"new_customers"`
	RevenueNew        float64   `json:"revenue_new"`
	RevenueReturning  float64   `json:"revenue_returning"`
}
