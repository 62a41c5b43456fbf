package mmm

import (
	"math"

	"github.com/sells-group/mixsignal/internal/model"
)

// ResponseCurve is a channel's fitted revenue response to spend. It treats
// spend as a constant daily rate, so adstock sits at its steady state
// spend/(1-decay).
type ResponseCurve struct {
	Channel     string  `json:"channel"`
	Coefficient float64 `json:"coefficient"`
	Scale       float64 `json:"scale"`
	Decay       float64 `json:"decay"`
}

// CurveFromResult rebuilds the curve from a persisted result.
func CurveFromResult(r model.MMMResult) ResponseCurve {
	return ResponseCurve{
		Channel:     r.Channel,
		Coefficient: r.Coefficient,
		Scale:       r.SaturationScale,
		Decay:       Decay(r.AdstockHalfLife),
	}
}

// CurvesFromResults keys curves by channel.
func CurvesFromResults(results []model.MMMResult) map[string]ResponseCurve {
	out := make(map[string]ResponseCurve, len(results))
	for _, r := range results {
		out[r.Channel] = CurveFromResult(r)
	}
	return out
}

// gain is the saturation slope at zero applied to steady-state adstock.
func (c ResponseCurve) gain() float64 {
	return c.Scale / (1 - c.Decay)
}

// Daily returns revenue per day at a constant daily spend.
func (c ResponseCurve) Daily(spend float64) float64 {
	if spend <= 0 {
		return 0
	}
	return c.Coefficient * math.Log1p(c.gain()*spend)
}

// DailyMarginal is the derivative of Daily.
func (c ResponseCurve) DailyMarginal(spend float64) float64 {
	if spend < 0 {
		spend = 0
	}
	k := c.gain()
	return c.Coefficient * k / (1 + k*spend)
}

// Response returns revenue over a period of days for total spend.
func (c ResponseCurve) Response(total float64, days int) float64 {
	d := float64(max(days, 1))
	return d * c.Daily(total/d)
}

// Marginal returns dResponse/dTotal over a period of days.
func (c ResponseCurve) Marginal(total float64, days int) float64 {
	d := float64(max(days, 1))
	return c.DailyMarginal(total / d)
}

// SpendAtMarginal inverts Marginal: the period spend at which the marginal
// return equals lambda, floored at zero.
func (c ResponseCurve) SpendAtMarginal(lambda float64, days int) float64 {
	if c.Coefficient <= 0 || lambda <= 0 || c.Scale <= 0 {
		return 0
	}
	d := float64(max(days, 1))
	s := d * (c.Coefficient/lambda - 1/c.gain())
	if s < 0 {
		return 0
	}
	return s
}
