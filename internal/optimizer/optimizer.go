// Package optimizer allocates a fixed budget across channels to maximize
// revenue predicted by MMM response curves.
package optimizer

import (
	"math"
	"sort"

	"github.com/sells-group/mixsignal/internal/mmm"
	"github.com/sells-group/mixsignal/internal/model"
)

// Config bounds the bisection search.
type Config struct {
	Tolerance     float64 `json:"tolerance"`
	MaxIterations int     `json:"max_iterations"`
}

// DefaultConfig returns the standard search bounds.
func DefaultConfig() Config {
	return Config{Tolerance: 1e-9, MaxIterations: 200}
}

// Allocation is an optimized spend plan over Days.
type Allocation struct {
	TotalBudget                   float64            `json:"total_budget"`
	Days                          int                `json:"days"`
	Recommended                   map[string]float64 `json:"recommended_allocation"`
	Current                       map[string]float64 `json:"current_spend"`
	PredictedRevenueAtCurrent     float64            `json:"predicted_revenue_at_current"`
	PredictedRevenueAtRecommended float64            `json:"predicted_revenue_at_recommended"`
	MarginalReturn                float64            `json:"marginal_return"`
}

// Optimize maximizes Σ R_c(S_c) subject to Σ S_c = total and S_c >= 0.
// Each curve is concave, so the optimum equalizes marginal returns across
// funded channels. The common level λ is found by bisection and each
// channel's spend is read off the inverse marginal.
func Optimize(cfg Config, total float64, curves map[string]mmm.ResponseCurve, current map[string]float64, days int) (*Allocation, error) {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = DefaultConfig().Tolerance
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	if math.IsNaN(total) || math.IsInf(total, 0) || total <= 0 {
		return nil, model.NewInfeasible("total budget must be positive, got %v", total)
	}

	channels := make([]string, 0, len(curves))
	for ch := range curves {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	var active []string
	var hi float64
	for _, ch := range channels {
		c := curves[ch]
		if c.Coefficient <= 0 || c.Scale <= 0 {
			continue
		}
		active = append(active, ch)
		hi = math.Max(hi, c.Marginal(0, days))
	}
	if len(active) == 0 {
		return nil, model.NewInfeasible("no channel has a positive response")
	}

	spendAt := func(lambda float64) (map[string]float64, float64) {
		out := make(map[string]float64, len(active))
		var sum float64
		for _, ch := range active {
			s := curves[ch].SpendAtMarginal(lambda, days)
			out[ch] = s
			sum += s
		}
		return out, sum
	}

	lo := 0.0
	for i := 0; i < cfg.MaxIterations && hi-lo > cfg.Tolerance*hi; i++ {
		mid := lo + (hi-lo)/2
		if _, sum := spendAt(mid); sum > total {
			lo = mid
		} else {
			hi = mid
		}
	}

	alloc, sum := spendAt(hi)
	residual := total - sum
	if sum > 0 {
		for _, ch := range active {
			alloc[ch] += residual * alloc[ch] / sum
		}
	} else {
		alloc[bestAtZero(active, curves, days)] = total
	}

	out := &Allocation{
		TotalBudget:    total,
		Days:           days,
		Recommended:    make(map[string]float64, len(channels)),
		Current:        make(map[string]float64, len(channels)),
		MarginalReturn: hi,
	}
	for _, ch := range channels {
		c := curves[ch]
		out.Recommended[ch] = alloc[ch]
		out.Current[ch] = current[ch]
		out.PredictedRevenueAtRecommended += c.Response(alloc[ch], days)
		out.PredictedRevenueAtCurrent += c.Response(current[ch], days)
	}
	return out, nil
}

// bestAtZero picks the channel with the steepest curve at zero spend,
// breaking ties by name.
func bestAtZero(active []string, curves map[string]mmm.ResponseCurve, days int) string {
	best := active[0]
	for _, ch := range active[1:] {
		if curves[ch].Marginal(0, days) > curves[best].Marginal(0, days) {
			best = ch
		}
	}
	return best
}

// Simulation is the projected effect of fractional spend changes.
type Simulation struct {
	Days                  int                `json:"days"`
	ProjectedRevenueDelta float64            `json:"projected_revenue_delta"`
	ChannelRevenueDelta   map[string]float64 `json:"channel_revenue_delta"`
	CurrentSpend          map[string]float64 `json:"current_spend"`
	NewSpend              map[string]float64 `json:"new_spend"`
}

// Simulate applies new = current*(1+delta) per channel, floored at zero,
// and reports the change in predicted revenue. Nothing is persisted.
func Simulate(curves map[string]mmm.ResponseCurve, current map[string]float64, deltas map[string]float64, days int) (*Simulation, error) {
	for ch, d := range deltas {
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, model.NewInvalidInput("spend delta for %s is not finite", ch)
		}
		if _, ok := curves[ch]; !ok {
			return nil, model.NewInvalidInput("no response curve for channel %s", ch)
		}
	}

	sim := &Simulation{
		Days:                days,
		ChannelRevenueDelta: make(map[string]float64, len(curves)),
		CurrentSpend:        make(map[string]float64, len(curves)),
		NewSpend:            make(map[string]float64, len(curves)),
	}
	channels := make([]string, 0, len(curves))
	for ch := range curves {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	for _, ch := range channels {
		c := curves[ch]
		cur := current[ch]
		next := math.Max(0, cur*(1+deltas[ch]))
		delta := c.Response(next, days) - c.Response(cur, days)

		sim.CurrentSpend[ch] = cur
		sim.NewSpend[ch] = next
		sim.ChannelRevenueDelta[ch] = delta
		sim.ProjectedRevenueDelta += delta
	}
	return sim, nil
}
