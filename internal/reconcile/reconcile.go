// Package reconcile compares per-channel share signals from independent
// attribution methods and flags unstable disagreement.
package reconcile

import (
	"context"
	"math"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mixsignal/internal/model"
)

// DefaultThreshold is the disagreement score above which a report is flagged.
const DefaultThreshold = 0.15

// ShareSource yields each channel's share of revenue or contribution over a
// window. Shares are non-negative and sum to 1 unless the source is empty.
type ShareSource interface {
	Name() string
	Shares(ctx context.Context, w model.Window) (map[string]float64, error)
}

// Metric is a symmetric distance between two share distributions, bounded
// in [0,1].
type Metric string

const (
	MeanAbs        Metric = "mean_abs"
	TotalVariation Metric = "total_variation"
	Hellinger      Metric = "hellinger"
)

// ParseMetric validates a metric name; empty means MeanAbs.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case "", MeanAbs:
		return MeanAbs, nil
	case TotalVariation, Hellinger:
		return Metric(s), nil
	}
	return "", model.NewInvalidInput("unknown reconciliation metric %q", s)
}

// Reconciler compares two share sources.
type Reconciler struct {
	Metric    Metric
	Threshold float64
}

// New returns a Reconciler, defaulting an unset threshold.
func New(metric Metric, threshold float64) *Reconciler {
	if metric == "" {
		metric = MeanAbs
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Reconciler{Metric: metric, Threshold: threshold}
}

// Reconcile pulls shares from both sources for w and compares them.
func (r *Reconciler) Reconcile(ctx context.Context, attribution, mmm ShareSource, w model.Window) (*model.ReconciliationReport, error) {
	a, err := attribution.Shares(ctx, w)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: %s shares", attribution.Name())
	}
	m, err := mmm.Shares(ctx, w)
	if err != nil {
		return nil, eris.Wrapf(err, "reconcile: %s shares", mmm.Name())
	}
	rep := r.Compare(a, m)
	rep.WindowStart = w.Start
	rep.WindowEnd = w.End
	return rep, nil
}

// Compare scores two share maps. Channels missing from one side are listed
// with 0 for that side and left out of the score.
func (r *Reconciler) Compare(attribution, mmm map[string]float64) *model.ReconciliationReport {
	names := make(map[string]struct{}, len(attribution)+len(mmm))
	for ch := range attribution {
		names[ch] = struct{}{}
	}
	for ch := range mmm {
		names[ch] = struct{}{}
	}
	channels := make([]string, 0, len(names))
	for ch := range names {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	rep := &model.ReconciliationReport{Metric: string(r.Metric), Threshold: r.Threshold}
	var a, m []float64
	for _, ch := range channels {
		av, inA := attribution[ch]
		mv, inM := mmm[ch]
		c := model.ChannelReconciliation{
			Channel:          ch,
			AttributionShare: av,
			MMMShare:         mv,
			AbsDiff:          math.Abs(av - mv),
			InBoth:           inA && inM,
		}
		if c.InBoth {
			a = append(a, av)
			m = append(m, mv)
		}
		rep.Channels = append(rep.Channels, c)
	}

	rep.DisagreementScore = Distance(r.Metric, a, m)
	rep.InstabilityFlagged = rep.DisagreementScore > r.Threshold
	return rep
}

// Distance computes metric over aligned share vectors.
func Distance(metric Metric, a, m []float64) float64 {
	if len(a) == 0 {
		return 0
	}
	switch metric {
	case TotalVariation:
		an, mn := normalize(a), normalize(m)
		var sum float64
		for i := range an {
			sum += math.Abs(an[i] - mn[i])
		}
		return clamp01(sum / 2)
	case Hellinger:
		an, mn := normalize(a), normalize(m)
		if sum(an) == 0 && sum(mn) == 0 {
			return 0
		}
		var bc float64
		for i := range an {
			bc += math.Sqrt(an[i] * mn[i])
		}
		return clamp01(math.Sqrt(math.Max(0, 1-bc)))
	default:
		var sum float64
		for i := range a {
			sum += math.Abs(a[i] - m[i])
		}
		return clamp01(sum / float64(len(a)))
	}
}

// normalize rescales to sum 1. An all-zero vector stays zero.
func normalize(v []float64) []float64 {
	var total float64
	for _, x := range v {
		total += math.Max(0, x)
	}
	out := make([]float64, len(v))
	if total == 0 {
		return out
	}
	for i, x := range v {
		out[i] = math.Max(0, x) / total
	}
	return out
}

func sum(v []float64) float64 {
	var total float64
	for _, x := range v {
		total += x
	}
	return total
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
