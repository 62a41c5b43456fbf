// Package decision turns fitted and reconciled signals into recommended
// per-channel budget actions.
package decision

import (
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/mixsignal/internal/mmm"
	"github.com/sells-group/mixsignal/internal/model"
)

// Input is everything the engine reads for one run.
type Input struct {
	RunID          string
	Results        []model.MMMResult
	Reconciliation *model.ReconciliationReport
	// Spend is each channel's total spend over Days.
	Spend      map[string]float64
	Days       int
	SampleDays int
	Now        time.Time
}

// Engine applies the decision rules.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and returns an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Confidence blends fit quality, alignment with attribution and sample size
// into [0,1]. It is non-decreasing in each argument.
func (e *Engine) Confidence(r2, alignment float64, sampleDays int) float64 {
	w := e.cfg.Weights
	total := w.Fit + w.Alignment + w.Sample
	fit := clamp01(finite(r2))
	sample := math.Min(1, float64(max(sampleDays, 0))/float64(e.cfg.FullSampleDays))
	return clamp01((w.Fit*fit + w.Alignment*clamp01(alignment) + w.Sample*sample) / total)
}

// Decide returns one pending decision per channel seen in either signal,
// ordered by channel.
func (e *Engine) Decide(in Input) []model.Decision {
	results := make(map[string]model.MMMResult, len(in.Results))
	names := map[string]struct{}{}
	for _, r := range in.Results {
		results[r.Channel] = r
		names[r.Channel] = struct{}{}
	}
	if in.Reconciliation != nil {
		for _, c := range in.Reconciliation.Channels {
			names[c.Channel] = struct{}{}
		}
	}
	channels := make([]string, 0, len(names))
	for ch := range names {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	out := make([]model.Decision, 0, len(channels))
	for _, ch := range channels {
		out = append(out, e.decideChannel(ch, results, in, now))
	}
	return out
}

func (e *Engine) decideChannel(ch string, results map[string]model.MMMResult, in Input, now time.Time) model.Decision {
	res, hasMMM := results[ch]
	rec, hasRec := in.Reconciliation.Channel(ch)
	hasAttribution := hasRec && (rec.InBoth || rec.AttributionShare > 0)
	spend := in.Spend[ch]

	alignment := 0.0
	if hasRec && rec.InBoth {
		alignment = 1 - rec.AbsDiff
	}
	contributes := in.Reconciliation.Contributes(ch)

	curve := mmm.CurveFromResult(res)
	var marginal float64
	if hasMMM {
		marginal = curve.Marginal(spend, in.Days)
	}

	action := model.ActionHold
	switch {
	case !hasMMM:
	case res.Coefficient < 0 || contributes:
		action = model.ActionScaleDown
	case marginal >= e.cfg.ProfitabilityThreshold && hasRec && rec.InBoth && rec.AbsDiff <= in.Reconciliation.Threshold:
		action = model.ActionScaleUp
	}

	r2 := 0.0
	if hasMMM {
		r2 = res.GoodnessOfFitR2
	}
	confidence := e.Confidence(r2, alignment, in.SampleDays)

	pct := budgetChange(action, round2(e.cfg.StepPct*confidence))
	var impact float64
	if hasMMM && pct != 0 {
		impact = curve.Response(spend*(1+pct/100), in.Days) - curve.Response(spend, in.Days)
	}

	flags := map[string]bool{
		model.FlagLowConfidence:      confidence < e.cfg.LowConfidence,
		model.FlagHighDisagreement:   contributes,
		model.FlagSmallSample:        in.SampleDays < e.cfg.SmallSampleDays,
		model.FlagCISpansZero:        hasMMM && res.CISpansZero(),
		model.FlagDegenerateFit:      hasMMM && res.LowConfidence,
		model.FlagZeroSpend:          spend == 0,
		model.FlagMissingMMM:         !hasMMM,
		model.FlagMissingAttribution: !hasAttribution,
	}

	return model.Decision{
		DecisionID:        uuid.NewString(),
		RunID:             in.RunID,
		Channel:           ch,
		RecommendedAction: action,
		BudgetChangePct:   pct,
		ProjectedImpact:   impact,
		ConfidenceScore:   confidence,
		RiskFlags:         sortedFlags(flags),
		Reasoning: model.Reasoning{
			MTASupport:     rec.AttributionShare,
			MMMSupport:     rec.MMMShare,
			AlignmentScore: alignment,
			MarginalROAS:   marginal,
			CurrentSpend:   spend,
		},
		Status:    model.DecisionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Summarize counts decisions by action and status and picks the most
// confident scale-up.
func Summarize(decisions []model.Decision) model.DecisionSummary {
	s := model.DecisionSummary{
		Total:    len(decisions),
		ByAction: map[model.Action]int{},
		ByStatus: map[model.DecisionStatus]int{},
	}
	var confSum float64
	for i := range decisions {
		d := decisions[i]
		if s.RunID == "" {
			s.RunID = d.RunID
		}
		s.ByAction[d.RecommendedAction]++
		s.ByStatus[d.Status]++
		confSum += d.ConfidenceScore
		for _, f := range d.RiskFlags {
			if f == model.FlagLowConfidence || f == model.FlagHighDisagreement {
				s.FlaggedRisky++
				break
			}
		}
		if d.RecommendedAction != model.ActionScaleUp {
			continue
		}
		if s.TopScaleUp == nil || d.ConfidenceScore > s.TopScaleUp.ConfidenceScore ||
			(d.ConfidenceScore == s.TopScaleUp.ConfidenceScore && d.Channel < s.TopScaleUp.Channel) {
			top := d
			s.TopScaleUp = &top
		}
	}
	if s.Total > 0 {
		s.MeanConfidence = confSum / float64(s.Total)
	}
	return s
}

func sortedFlags(flags map[string]bool) []string {
	out := make([]string, 0, len(flags))
	for f, on := range flags {
		if on {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// budgetChange signs magnitude by action. A zero change is always +0.
func budgetChange(action model.Action, magnitude float64) float64 {
	if magnitude == 0 {
		return 0
	}
	switch action {
	case model.ActionScaleUp:
		return magnitude
	case model.ActionScaleDown:
		return -magnitude
	}
	return 0
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
