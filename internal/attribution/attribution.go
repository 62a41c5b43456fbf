// Package attribution assigns order revenue to channels by click id and by
// multi-touch attribution over touchpoint paths.
package attribution

import (
	"math"

	"go.uber.org/zap"

	"github.com/sells-group/mixsignal/internal/model"
)

// DefaultTolerance is the relative tolerance for per-order revenue sums.
const DefaultTolerance = 1e-6

// Config controls an attribution pass.
type Config struct {
	Mode               model.MTAMode
	MinMarkovSequences int
	Tolerance          float64
}

// Result is the output of Attribute.
type Result struct {
	Events         []model.AttributionEvent
	Unattributable []model.RevenueEvent
	Summary        model.AttributionSummary
}

// Attribute runs click-id attribution, then MTA on the orders it left
// unmatched, and verifies that every order's events sum to its revenue.
func Attribute(cfg Config, orders []model.RevenueEvent, clicks []model.AdClick, journeys []model.Journey) (*Result, error) {
	if !cfg.Mode.Valid() {
		return nil, model.NewInvalidInput("unknown mta mode %q", cfg.Mode)
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultTolerance
	}

	clickEvents, unmatched := AttributeClickIDs(orders, IndexClicks(clicks))
	mta := NewMTA(cfg.Mode, cfg.MinMarkovSequences, unmatched, journeys)

	res := &Result{Events: clickEvents}
	res.Summary.Orders = len(orders)
	res.Summary.ClickIDMatched = len(orders) - len(unmatched)
	res.Summary.MTAMode = mta.Mode()
	res.Summary.ModelVersion = mta.Version()

	for _, o := range unmatched {
		events := mta.Attribute(o)
		if len(events) == 0 {
			if o.Revenue != 0 {
				res.Unattributable = append(res.Unattributable, o)
				res.Summary.Unattributable++
				res.Summary.UnattributedRevenue += o.Revenue
			}
			continue
		}
		res.Summary.MTAAttributed++
		res.Events = append(res.Events, events...)
	}

	for _, o := range orders {
		res.Summary.TotalRevenue += o.Revenue
	}
	for _, e := range res.Events {
		res.Summary.AttributedRevenue += e.AttributedRevenue
	}

	if res.Summary.Unattributable > 0 {
		zap.L().Info("attribution: unattributable revenue",
			zap.Int("orders", res.Summary.Unattributable),
			zap.Float64("revenue", res.Summary.UnattributedRevenue),
		)
	}

	if err := CheckOrderSums(orders, res.Events, res.Unattributable, cfg.Tolerance); err != nil {
		return nil, err
	}
	got := res.Summary.AttributedRevenue + res.Summary.UnattributedRevenue
	if !withinTolerance(got, res.Summary.TotalRevenue, cfg.Tolerance) {
		return nil, model.NewDataIntegrity("", "attributed %.6f + unattributed %.6f != total %.6f",
			res.Summary.AttributedRevenue, res.Summary.UnattributedRevenue, res.Summary.TotalRevenue)
	}
	return res, nil
}

// CheckOrderSums verifies that each order's events sum to its revenue.
// Orders listed as unattributable are expected to have no events.
func CheckOrderSums(orders []model.RevenueEvent, events []model.AttributionEvent, unattributable []model.RevenueEvent, tol float64) error {
	sums := make(map[string]float64, len(orders))
	for _, e := range events {
		sums[e.OrderID] += e.AttributedRevenue
	}
	skip := make(map[string]bool, len(unattributable))
	for _, o := range unattributable {
		skip[o.OrderID] = true
	}
	for _, o := range orders {
		got := sums[o.OrderID]
		if skip[o.OrderID] {
			if got != 0 {
				return model.NewDataIntegrity(o.OrderID, "unattributable order has %.6f attributed", got)
			}
			continue
		}
		if !withinTolerance(got, o.Revenue, tol) {
			return model.NewDataIntegrity(o.OrderID, "attributed %.6f != revenue %.6f", got, o.Revenue)
		}
	}
	return nil
}

func withinTolerance(got, want, tol float64) bool {
	diff := math.Abs(got - want)
	if want == 0 {
		return diff <= tol
	}
	return diff <= tol*math.Abs(want)
}
