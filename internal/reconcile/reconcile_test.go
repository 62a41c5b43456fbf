package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mixsignal/internal/mmm"
	"github.com/sells-group/mixsignal/internal/model"
)

func TestCompare_TwoChannelDisagreement(t *testing.T) {
	r := New(MeanAbs, 0.15)
	rep := r.Compare(
		map[string]float64{"meta": 0.6, "google": 0.4},
		map[string]float64{"meta": 0.3, "google": 0.7},
	)
	assert.InDelta(t, 0.3, rep.DisagreementScore, 1e-12)
	assert.True(t, rep.InstabilityFlagged)
	require.Len(t, rep.Channels, 2)
	assert.Equal(t, "google", rep.Channels[0].Channel)
	assert.True(t, rep.Contributes("meta"))
	assert.True(t, rep.Contributes("google"))
}

func TestCompare_IdenticalIsZero(t *testing.T) {
	shares := map[string]float64{"meta": 0.5, "google": 0.3, "bing": 0.2}
	for _, metric := range []Metric{MeanAbs, TotalVariation, Hellinger} {
		rep := New(metric, 0).Compare(shares, shares)
		assert.InDelta(t, 0, rep.DisagreementScore, 1e-12, metric)
		assert.False(t, rep.InstabilityFlagged, metric)
	}
}

func TestCompare_Symmetric(t *testing.T) {
	a := map[string]float64{"meta": 0.7, "google": 0.2, "bing": 0.1}
	m := map[string]float64{"meta": 0.1, "google": 0.5, "bing": 0.4}
	for _, metric := range []Metric{MeanAbs, TotalVariation, Hellinger} {
		r := New(metric, 0.15)
		ab := r.Compare(a, m).DisagreementScore
		ba := r.Compare(m, a).DisagreementScore
		assert.Equal(t, ab, ba, metric)
		assert.GreaterOrEqual(t, ab, 0.0)
		assert.LessOrEqual(t, ab, 1.0)
	}
}

func TestCompare_OneSidedChannelsExcluded(t *testing.T) {
	rep := New(MeanAbs, 0.15).Compare(
		map[string]float64{"meta": 0.5, "google": 0.5},
		map[string]float64{"meta": 0.5, "bing": 0.5},
	)
	assert.InDelta(t, 0, rep.DisagreementScore, 1e-12)

	google, ok := rep.Channel("google")
	require.True(t, ok)
	assert.False(t, google.InBoth)
	assert.Equal(t, 0.0, google.MMMShare)

	bing, ok := rep.Channel("bing")
	require.True(t, ok)
	assert.Equal(t, 0.0, bing.AttributionShare)
}

func TestCompare_NoCommonChannels(t *testing.T) {
	rep := New(Hellinger, 0.15).Compare(map[string]float64{"a": 1}, map[string]float64{"b": 1})
	assert.Equal(t, 0.0, rep.DisagreementScore)
	assert.False(t, rep.InstabilityFlagged)
}

func TestDistance_Bounds(t *testing.T) {
	assert.InDelta(t, 1, Distance(TotalVariation, []float64{1, 0}, []float64{0, 1}), 1e-12)
	assert.InDelta(t, 1, Distance(Hellinger, []float64{1, 0}, []float64{0, 1}), 1e-12)
	assert.InDelta(t, 1, Distance(MeanAbs, []float64{1, 0}, []float64{0, 1}), 1e-12)
	assert.Equal(t, 0.0, Distance(Hellinger, []float64{0, 0}, []float64{0, 0}))
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, MeanAbs, m)

	m, err = ParseMetric("hellinger")
	require.NoError(t, err)
	assert.Equal(t, Hellinger, m)

	_, err = ParseMetric("kl")
	assert.Error(t, err)
}

func day(n int) time.Time {
	return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func TestEventShares(t *testing.T) {
	src := &EventShares{Events: []model.AttributionEvent{
		{Date: day(0), Channel: "meta", AttributedRevenue: 30, Method: model.MethodClickID},
		{Date: day(1), Channel: "google", AttributedRevenue: 10, Method: model.MethodMTA},
		{Date: day(1), Channel: "meta", AttributedRevenue: 60, Method: model.MethodMTA},
		{Date: day(9), Channel: "bing", AttributedRevenue: 500, Method: model.MethodMTA},
	}}
	w := model.NewWindow(day(0), day(1))

	shares, err := src.Shares(context.Background(), w)
	require.NoError(t, err)
	assert.InDelta(t, 0.9, shares["meta"], 1e-12)
	assert.InDelta(t, 0.1, shares["google"], 1e-12)
	assert.NotContains(t, shares, "bing")
	assert.Equal(t, "attribution", src.Name())

	clickOnly := &EventShares{Label: "click_id", Events: src.Events, Methods: []model.AttributionMethod{model.MethodClickID}}
	shares, err = clickOnly.Shares(context.Background(), w)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"meta": 1}, shares)
}

func TestContributionShares(t *testing.T) {
	curve := mmm.ResponseCurve{Coefficient: 10, Scale: 0.01, Decay: 0}
	src := &ContributionShares{
		Curves: map[string]mmm.ResponseCurve{
			"meta":   curve,
			"google": curve,
			"bing":   {Coefficient: -5, Scale: 0.01},
		},
		Spend: []model.ChannelSpend{
			{Date: day(0), Channel: "meta", Spend: 100},
			{Date: day(0), Channel: "google", Spend: 100},
			{Date: day(0), Channel: "bing", Spend: 100},
		},
	}
	shares, err := src.Shares(context.Background(), model.NewWindow(day(0), day(0)))
	require.NoError(t, err)
	assert.InDelta(t, 0.5, shares["meta"], 1e-12)
	assert.InDelta(t, 0.5, shares["google"], 1e-12)
	assert.Equal(t, 0.0, shares["bing"])
}

type failingSource struct{}

func (failingSource) Name() string { return "broken" }
func (failingSource) Shares(context.Context, model.Window) (map[string]float64, error) {
	return nil, errors.New("boom")
}

func TestReconcile_UsesSourcesAndWindow(t *testing.T) {
	w := model.NewWindow(day(0), day(1))
	a := &EventShares{Events: []model.AttributionEvent{{Date: day(0), Channel: "meta", AttributedRevenue: 1}}}
	m := &EventShares{Label: "other", Events: []model.AttributionEvent{{Date: day(0), Channel: "meta", AttributedRevenue: 5}}}

	rep, err := New(MeanAbs, 0.15).Reconcile(context.Background(), a, m, w)
	require.NoError(t, err)
	assert.Equal(t, w.Start, rep.WindowStart)
	assert.Equal(t, 0.0, rep.DisagreementScore)

	_, err = New(MeanAbs, 0.15).Reconcile(context.Background(), a, failingSource{}, w)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}
