// Package mmm fits a marketing-mix model: adstock and saturation transforms
// per channel, a ridge regression of daily revenue on the transformed
// series, and block-bootstrap confidence intervals for the coefficients.
package mmm

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/sells-group/mixsignal/internal/model"
)

// Version identifies the estimator and saturation form.
const Version = "mmm-1.0+ridge+log1p"

// maxHealthyVIF marks channels whose coefficient is unreliable.
const maxHealthyVIF = 10.0

// Config holds run-level MMM hyperparameters.
type Config struct {
	HalfLife          float64            `json:"half_life"`
	ChannelHalfLife   map[string]float64 `json:"channel_half_life,omitempty"`
	Profile           *Profile           `json:"-"`
	Lambda            float64            `json:"lambda"`
	SaturationScale   float64            `json:"saturation_scale"`
	FitIntercept      bool               `json:"fit_intercept"`
	Trend             bool               `json:"trend"`
	WeeklySeasonality bool               `json:"weekly_seasonality"`
	MinObservations   int                `json:"min_observations"`
	Bootstrap         BootstrapConfig    `json:"bootstrap"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HalfLife:        7,
		Profile:         DefaultProfile(),
		Lambda:          1.0,
		FitIntercept:    true,
		MinObservations: 14,
		Bootstrap: BootstrapConfig{
			Enabled:         true,
			Resamples:       500,
			BlockLength:     7,
			MinSuccessRatio: 0.8,
		},
	}
}

// Validate returns every configuration problem at once.
func (c Config) Validate() error {
	var errs []string
	if c.Lambda <= 0 {
		errs = append(errs, "lambda must be > 0")
	}
	if c.HalfLife < 0 {
		errs = append(errs, "half_life must be >= 0")
	}
	for ch, hl := range c.ChannelHalfLife {
		if hl < 0 {
			errs = append(errs, "channel_half_life."+ch+" must be >= 0")
		}
	}
	if c.SaturationScale < 0 {
		errs = append(errs, "saturation_scale must be >= 0")
	}
	if c.MinObservations < 1 {
		errs = append(errs, "min_observations must be >= 1")
	}
	if c.Bootstrap.Enabled {
		if c.Bootstrap.Resamples < 1 {
			errs = append(errs, "bootstrap.resamples must be >= 1")
		}
		if c.Bootstrap.MinSuccessRatio < 0 || c.Bootstrap.MinSuccessRatio > 1 {
			errs = append(errs, "bootstrap.min_success_ratio must be in [0,1]")
		}
	}
	if len(errs) > 0 {
		return model.NewInvalidInput("mmm config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// halfLifeFor resolves a channel's half-life: run override, then profile,
// then the global default.
func (c Config) halfLifeFor(channel string) float64 {
	if hl, ok := c.ChannelHalfLife[channel]; ok {
		return hl
	}
	return c.Profile.HalfLife(channel, c.HalfLife)
}

// Input is a dense daily panel: one spend series per channel and one
// revenue series, aligned on Dates.
type Input struct {
	Dates    []time.Time
	Channels []string
	Spend    map[string][]float64
	Revenue  []float64
}

// BuildInput zero-fills the window so every channel has a value every day.
func BuildInput(w model.Window, spend []model.ChannelSpend, orders []model.RevenueEvent) Input {
	dates := w.Dates()
	pos := make(map[time.Time]int, len(dates))
	for i, d := range dates {
		pos[d] = i
	}

	in := Input{Dates: dates, Spend: map[string][]float64{}, Revenue: make([]float64, len(dates))}
	for _, s := range spend {
		i, ok := pos[model.Day(s.Date)]
		if !ok {
			continue
		}
		series, ok := in.Spend[s.Channel]
		if !ok {
			series = make([]float64, len(dates))
			in.Spend[s.Channel] = series
			in.Channels = append(in.Channels, s.Channel)
		}
		series[i] += s.Spend
	}
	for _, o := range orders {
		if i, ok := pos[model.Day(o.Date)]; ok {
			in.Revenue[i] += o.Revenue
		}
	}
	sort.Strings(in.Channels)
	return in
}

// Output is a fitted model.
type Output struct {
	Version     string
	Results     []model.MMMResult
	Curves      map[string]ResponseCurve
	Diagnostics model.MMMDiagnostics
}

// Fit transforms each channel's spend, solves the ridge regression and,
// when enabled, bootstraps coefficient intervals. Coefficients depend only
// on the input and config; seed only drives the bootstrap.
func Fit(ctx context.Context, cfg Config, in Input, seed uint64) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	n := len(in.Dates)
	if n < cfg.MinObservations {
		return nil, model.NewInsufficientData(n, cfg.MinObservations, "")
	}
	if len(in.Channels) == 0 {
		return nil, model.NewInsufficientData(n, cfg.MinObservations, "no channel spend in window")
	}
	var totalRevenue float64
	for _, v := range in.Revenue {
		totalRevenue += v
	}
	if totalRevenue == 0 {
		return nil, model.NewInsufficientData(n, cfg.MinObservations, "revenue is zero on every day")
	}

	k := len(in.Channels)
	cols := k
	if cfg.Trend {
		cols++
	}
	if cfg.WeeklySeasonality {
		cols += 6
	}

	x := mat.NewDense(n, cols, nil)
	scales := make([]float64, k)
	halfLives := make([]float64, k)
	decays := make([]float64, k)
	for j, ch := range in.Channels {
		halfLives[j] = cfg.halfLifeFor(ch)
		decays[j] = Decay(halfLives[j])
		ad := Adstock(in.Spend[ch], decays[j])
		scales[j] = cfg.SaturationScale
		if scales[j] <= 0 {
			scales[j] = AutoScale(ad)
		}
		for i, v := range Saturate(ad, scales[j]) {
			x.Set(i, j, v)
		}
	}
	col := k
	if cfg.Trend {
		for i := 0; i < n; i++ {
			if n > 1 {
				x.Set(i, col, float64(i)/float64(n-1))
			}
		}
		col++
	}
	if cfg.WeeklySeasonality {
		for i, d := range in.Dates {
			// Sunday is the baseline.
			if wd := int(d.Weekday()); wd > 0 {
				x.Set(i, col+wd-1, 1)
			}
		}
	}

	fit, err := fitRidge(x, in.Revenue, cfg.Lambda, cfg.FitIntercept)
	if err != nil {
		return nil, err
	}
	pred := fit.predict(x)
	r2, adj, mape := goodnessOfFit(in.Revenue, pred, cols, cfg.FitIntercept)
	vifs := vif(x, k)

	diag := model.MMMDiagnostics{
		Observations: n,
		R2:           finiteOrZero(r2),
		AdjustedR2:   finiteOrZero(adj),
		MAPE:         finiteOrZero(mape),
		Intercept:    fit.intercept,
		Lambda:       cfg.Lambda,
	}
	var reasons []string
	degenerate := math.IsNaN(r2) || math.IsInf(r2, 0) || r2 <= 0
	if degenerate {
		reasons = append(reasons, "degenerate goodness of fit")
	}
	if fit.illPosed {
		degenerate = true
		reasons = append(reasons, "ill-conditioned design")
	}
	for j, v := range vifs {
		if v > maxHealthyVIF {
			reasons = append(reasons, "collinear channel "+in.Channels[j])
		}
	}
	if len(reasons) > 0 {
		diag.LowConfidence = true
		diag.LowConfidenceReason = strings.Join(reasons, "; ")
		zap.L().Warn("mmm: low confidence fit", zap.String("reason", diag.LowConfidenceReason))
	}

	out := &Output{Version: Version, Curves: make(map[string]ResponseCurve, k)}
	meanRevenue := totalRevenue / float64(n)
	for j, ch := range in.Channels {
		curve := ResponseCurve{Channel: ch, Coefficient: fit.coef[j], Scale: scales[j], Decay: decays[j]}
		out.Curves[ch] = curve

		var spendSum float64
		for _, v := range in.Spend[ch] {
			spendSum += v
		}
		meanSpend := spendSum / float64(n)

		res := model.MMMResult{
			Channel:         ch,
			Coefficient:     fit.coef[j],
			GoodnessOfFitR2: finiteOrZero(r2),
			ModelVersion:    Version,
			AdstockHalfLife: halfLives[j],
			SaturationScale: scales[j],
			Elasticity:      curve.DailyMarginal(meanSpend) * meanSpend / meanRevenue,
			VIF:             vifs[j],
			LowConfidence:   degenerate || vifs[j] > maxHealthyVIF,
		}
		out.Results = append(out.Results, res)
	}

	if cfg.Bootstrap.Enabled {
		diag.BootstrapRequested = cfg.Bootstrap.Resamples
		resid := make([]float64, n)
		for i := range resid {
			resid[i] = in.Revenue[i] - pred[i]
		}
		bs, err := bootstrap(ctx, cfg.Bootstrap, x, pred, resid, cfg.Lambda, cfg.FitIntercept, seed)
		if bs != nil {
			diag.BootstrapSucceeded = bs.succeeded
			diag.BootstrapFailed = bs.failed
		}
		if err != nil {
			return nil, err
		}
		var widthSum float64
		for j := range out.Results {
			lo, hi := bs.intervals[j].low, bs.intervals[j].high
			out.Results[j].ConfidenceIntervalLow = &lo
			out.Results[j].ConfidenceIntervalHigh = &hi
			widthSum += math.Min(1, (hi-lo)/math.Max(math.Abs(out.Results[j].Coefficient), 1e-9))
		}
		diag.StabilityIndex = clamp01(1 - widthSum/float64(k))
	}

	zap.L().Info("mmm: fit complete",
		zap.Int("observations", n),
		zap.Int("channels", k),
		zap.Float64("r2", diag.R2),
		zap.Bool("low_confidence", diag.LowConfidence),
		zap.Int("bootstrap_failed", diag.BootstrapFailed),
	)

	out.Diagnostics = diag
	return out, nil
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
