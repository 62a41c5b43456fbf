package attribution

import (
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/mixsignal/internal/model"
)

// MTAVersion is the base version stamped on MTA output.
const MTAVersion = "mta-1.0"

// DefaultMinMarkovSequences is the fewest paths the Markov model will fit on.
const DefaultMinMarkovSequences = 10

// MTA attributes orders across their touchpoint paths.
type MTA struct {
	requested model.MTAMode
	applied   model.MTAMode
	weights   map[string]float64
}

// NewMTA prepares an attributor. In Markov mode it fits removal effects on the
// paths of orders plus any non-converting journeys, falling back to equal
// weights when there are too few paths or the chain cannot be solved.
func NewMTA(mode model.MTAMode, minSequences int, orders []model.RevenueEvent, journeys []model.Journey) *MTA {
	if minSequences <= 0 {
		minSequences = DefaultMinMarkovSequences
	}
	m := &MTA{requested: mode, applied: model.MTAEqualWeight}
	if mode != model.MTAMarkov {
		return m
	}

	var converting [][]string
	for _, o := range orders {
		if len(o.Touchpoints) > 0 {
			converting = append(converting, o.Touchpoints)
		}
	}
	var lost [][]string
	for _, j := range journeys {
		if len(j.Touchpoints) > 0 {
			lost = append(lost, j.Touchpoints)
		}
	}

	if len(converting)+len(lost) < minSequences {
		zap.L().Warn("attribution: too few paths for markov, using equal weight",
			zap.Int("paths", len(converting)+len(lost)),
			zap.Int("required", minSequences),
		)
		return m
	}

	effects, err := RemovalEffects(converting, lost)
	if err != nil {
		zap.L().Warn("attribution: markov solve failed, using equal weight", zap.Error(err))
		return m
	}
	m.weights = effects
	m.applied = model.MTAMarkov
	return m
}

// Mode returns the mode actually applied.
func (m *MTA) Mode() model.MTAMode { return m.applied }

// Version exposes the applied mode, e.g. "mta-1.0+markov".
func (m *MTA) Version() string {
	return MTAVersion + "+" + string(m.applied)
}

// Weights returns the normalized Markov removal effects, nil in equal-weight mode.
func (m *MTA) Weights() map[string]float64 {
	return m.weights
}

// Attribute splits an order's revenue across the distinct channels on its
// path. It returns nil for orders with no touchpoints or zero revenue.
func (m *MTA) Attribute(o model.RevenueEvent) []model.AttributionEvent {
	if len(o.Touchpoints) == 0 || o.Revenue == 0 {
		return nil
	}
	channels, counts := distinct(o.Touchpoints)
	if len(channels) == 0 {
		return nil
	}

	shares := make([]float64, len(channels))
	var total float64
	if m.applied == model.MTAMarkov {
		for i, ch := range channels {
			shares[i] = m.weights[ch]
			total += shares[i]
		}
	}
	if total <= 0 {
		var n float64
		for _, c := range counts {
			n += float64(c)
		}
		for i, ch := range channels {
			shares[i] = float64(counts[ch]) / n
		}
		total = 1
	}

	events := make([]model.AttributionEvent, 0, len(channels))
	var assigned float64
	for i, ch := range channels {
		share := shares[i] / total
		amount := o.Revenue * share
		// Last channel absorbs rounding so the order sums exactly.
		if i == len(channels)-1 {
			amount = o.Revenue - assigned
		}
		assigned += amount
		events = append(events, model.AttributionEvent{
			EventID:           uuid.NewString(),
			OrderID:           o.OrderID,
			Date:              o.Date,
			Channel:           ch,
			AttributedRevenue: amount,
			Method:            model.MethodMTA,
			Confidence:        share,
		})
	}
	return events
}

// distinct returns channels in first-seen order with their occurrence counts.
func distinct(path []string) ([]string, map[string]int) {
	counts := make(map[string]int, len(path))
	var order []string
	for _, ch := range path {
		if ch == "" {
			continue
		}
		if counts[ch] == 0 {
			order = append(order, ch)
		}
		counts[ch]++
	}
	return order, counts
}
