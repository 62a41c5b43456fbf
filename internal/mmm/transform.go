package mmm

import "math"

// Decay converts an adstock half-life in days to a per-day carryover factor.
// A non-positive half-life means no carryover.
func Decay(halfLife float64) float64 {
	if halfLife <= 0 {
		return 0
	}
	return math.Pow(0.5, 1/halfLife)
}

// Adstock applies geometric carryover: a[t] = s[t] + decay*a[t-1].
func Adstock(spend []float64, decay float64) []float64 {
	out := make([]float64, len(spend))
	var carry float64
	for i, s := range spend {
		carry = s + decay*carry
		out[i] = carry
	}
	return out
}

// Saturate applies log1p(x*scale) element-wise.
func Saturate(x []float64, scale float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range x {
		out[i] = math.Log1p(v * scale)
	}
	return out
}

// AutoScale returns 1/mean(x), or 1 when the mean is zero.
func AutoScale(x []float64) float64 {
	if len(x) == 0 {
		return 1
	}
	var sum float64
	for _, v := range x {
		sum += v
	}
	mean := sum / float64(len(x))
	if mean <= 0 {
		return 1
	}
	return 1 / mean
}
