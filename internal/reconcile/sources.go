package reconcile

import (
	"context"
	"math"

	"github.com/sells-group/mixsignal/internal/mmm"
	"github.com/sells-group/mixsignal/internal/model"
)

// EventShares derives channel shares from attribution events. An empty
// Methods slice accepts every method.
type EventShares struct {
	Label   string
	Events  []model.AttributionEvent
	Methods []model.AttributionMethod
}

// Name implements ShareSource.
func (s *EventShares) Name() string {
	if s.Label == "" {
		return "attribution"
	}
	return s.Label
}

// Shares implements ShareSource.
func (s *EventShares) Shares(_ context.Context, w model.Window) (map[string]float64, error) {
	totals := map[string]float64{}
	for _, e := range s.Events {
		if !w.Contains(e.Date) || !s.accepts(e.Method) {
			continue
		}
		totals[e.Channel] += e.AttributedRevenue
	}
	return Normalize(totals), nil
}

func (s *EventShares) accepts(m model.AttributionMethod) bool {
	if len(s.Methods) == 0 {
		return true
	}
	for _, want := range s.Methods {
		if want == m {
			return true
		}
	}
	return false
}

// ContributionShares derives channel shares from MMM response curves
// evaluated at each channel's spend in the window. Negative contributions
// count as zero.
type ContributionShares struct {
	Curves map[string]mmm.ResponseCurve
	Spend  []model.ChannelSpend
}

// Name implements ShareSource.
func (s *ContributionShares) Name() string { return "mmm" }

// Shares implements ShareSource.
func (s *ContributionShares) Shares(_ context.Context, w model.Window) (map[string]float64, error) {
	spend := map[string]float64{}
	for _, r := range s.Spend {
		if w.Contains(r.Date) {
			spend[r.Channel] += r.Spend
		}
	}
	days := w.Days()
	contrib := make(map[string]float64, len(s.Curves))
	for ch, c := range s.Curves {
		contrib[ch] = math.Max(0, c.Response(spend[ch], days))
	}
	return Normalize(contrib), nil
}

// Normalize converts non-negative totals into shares summing to 1. Keys
// are kept even when every total is zero.
func Normalize(totals map[string]float64) map[string]float64 {
	var sum float64
	for _, v := range totals {
		sum += math.Max(0, v)
	}
	out := make(map[string]float64, len(totals))
	for ch, v := range totals {
		if sum > 0 {
			out[ch] = math.Max(0, v) / sum
		} else {
			out[ch] = 0
		}
	}
	return out
}
