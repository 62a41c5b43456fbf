package attribution

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/mixsignal/internal/model"
)

func day(n int) time.Time {
	return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func sumByOrder(events []model.AttributionEvent) map[string]float64 {
	out := map[string]float64{}
	for _, e := range events {
		out[e.OrderID] += e.AttributedRevenue
	}
	return out
}

func TestEqualWeight_TwoTouchpoints(t *testing.T) {
	orders := []model.RevenueEvent{
		{OrderID: "o-1", Date: day(0), Revenue: 100, Touchpoints: []string{"meta", "google"}},
	}

	res, err := Attribute(Config{Mode: model.MTAEqualWeight}, orders, nil, nil)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)

	assert.Equal(t, "meta", res.Events[0].Channel)
	assert.Equal(t, "google", res.Events[1].Channel)
	assert.InDelta(t, 50.0, res.Events[0].AttributedRevenue, 1e-9)
	assert.InDelta(t, 50.0, res.Events[1].AttributedRevenue, 1e-9)
	for _, e := range res.Events {
		assert.Equal(t, model.MethodMTA, e.Method)
	}
	assert.Equal(t, "mta-1.0+equal_weight", res.Summary.ModelVersion)
}

func TestEqualWeight_RepeatedChannelGetsPositionalCredit(t *testing.T) {
	m := NewMTA(model.MTAEqualWeight, 0, nil, nil)
	events := m.Attribute(model.RevenueEvent{
		OrderID: "o-1", Revenue: 90, Touchpoints: []string{"meta", "google", "meta"},
	})
	require.Len(t, events, 2)
	assert.InDelta(t, 60.0, events[0].AttributedRevenue, 1e-9)
	assert.InDelta(t, 30.0, events[1].AttributedRevenue, 1e-9)
}

func TestClickID_FirstSeenWins(t *testing.T) {
	clicks := []model.AdClick{
		{ClickID: "c1", Date: day(2), Channel: "google", CampaignID: "g-2"},
		{ClickID: "c1", Date: day(1), Channel: "meta", CampaignID: "m-1"},
		{ClickID: "c1", Date: day(1), Channel: "bing", CampaignID: "b-1"},
		{ClickID: "c2", Date: day(1), Channel: "bing", CampaignID: "b-1"},
		{ClickID: "c2", Date: day(1), Channel: "pinterest", CampaignID: "p-1"},
	}
	idx := IndexClicks(clicks)

	c, ok := idx.Lookup(" c1 ")
	require.True(t, ok)
	assert.Equal(t, "meta", c.Channel)

	c, ok = idx.Lookup("c2")
	require.True(t, ok)
	assert.Equal(t, "bing", c.Channel)
}

func TestClickID_FullCreditAndPassThrough(t *testing.T) {
	orders := []model.RevenueEvent{
		{OrderID: "o-1", Date: day(0), Revenue: 120, ClickID: "c1", Touchpoints: []string{"google"}},
		{OrderID: "o-2", Date: day(0), Revenue: 80, ClickID: "missing", Touchpoints: []string{"google"}},
		{OrderID: "o-3", Date: day(0), Revenue: 40},
	}
	clicks := []model.AdClick{{ClickID: "c1", Date: day(0), Channel: "meta", CampaignID: "m-1"}}

	res, err := Attribute(Config{Mode: model.MTAEqualWeight}, orders, clicks, nil)
	require.NoError(t, err)

	require.Len(t, res.Events, 2)
	assert.Equal(t, model.MethodClickID, res.Events[0].Method)
	assert.Equal(t, "meta", res.Events[0].Channel)
	assert.Equal(t, "m-1", res.Events[0].CampaignID)
	assert.InDelta(t, 1.0, res.Events[0].Confidence, 1e-12)
	assert.Equal(t, "google", res.Events[1].Channel)

	assert.Equal(t, 1, res.Summary.ClickIDMatched)
	assert.Equal(t, 1, res.Summary.MTAAttributed)
	assert.Equal(t, 1, res.Summary.Unattributable)
	assert.InDelta(t, 40.0, res.Summary.UnattributedRevenue, 1e-9)
	assert.InDelta(t, 240.0, res.Summary.TotalRevenue, 1e-9)
	assert.InDelta(t, 200.0, res.Summary.AttributedRevenue, 1e-9)
}

func TestAttribute_OrderSumsHold(t *testing.T) {
	var orders []model.RevenueEvent
	paths := [][]string{
		{"meta"}, {"meta", "google"}, {"google", "bing", "meta"}, {"pinterest", "pinterest", "google"},
		{"bing"}, {"meta", "bing"}, {"google"}, {"meta", "google", "bing", "pinterest"},
		{"google", "meta"}, {"bing", "google"}, {"meta", "meta"}, {"pinterest"},
	}
	for i, p := range paths {
		orders = append(orders, model.RevenueEvent{
			OrderID:     string(rune('a' + i)),
			Date:        day(i % 3),
			Revenue:     17.31 * float64(i+1),
			Touchpoints: p,
		})
	}

	for _, mode := range []model.MTAMode{model.MTAEqualWeight, model.MTAMarkov} {
		res, err := Attribute(Config{Mode: mode, MinMarkovSequences: 5}, orders, nil, nil)
		require.NoError(t, err, mode)
		sums := sumByOrder(res.Events)
		for _, o := range orders {
			assert.LessOrEqual(t, math.Abs(sums[o.OrderID]-o.Revenue), 1e-6*o.Revenue, "%s order %s", mode, o.OrderID)
		}
	}
}

func TestAttribute_UnknownMode(t *testing.T) {
	_, err := Attribute(Config{Mode: "linear"}, nil, nil, nil)
	require.Error(t, err)
	assert.Equal(t, model.CodeInvalidInput, model.ErrorCode(err))
}

func TestCheckOrderSums_Mismatch(t *testing.T) {
	orders := []model.RevenueEvent{{OrderID: "o-1", Revenue: 100}}
	events := []model.AttributionEvent{{OrderID: "o-1", AttributedRevenue: 99}}

	err := CheckOrderSums(orders, events, nil, DefaultTolerance)
	require.Error(t, err)
	var integrity *model.DataIntegrityError
	require.True(t, errors.As(err, &integrity))
	assert.Equal(t, "o-1", integrity.Key)
}

func TestMarkov_FallsBackWithFewPaths(t *testing.T) {
	orders := []model.RevenueEvent{
		{OrderID: "o-1", Revenue: 10, Touchpoints: []string{"meta", "google"}},
	}
	m := NewMTA(model.MTAMarkov, 10, orders, nil)
	assert.Equal(t, model.MTAEqualWeight, m.Mode())
	assert.Equal(t, "mta-1.0+equal_weight", m.Version())
	assert.Nil(t, m.Weights())
}

func TestMarkov_AppliedVersion(t *testing.T) {
	var orders []model.RevenueEvent
	for i := 0; i < 10; i++ {
		orders = append(orders, model.RevenueEvent{OrderID: string(rune('a' + i)), Revenue: 10, Touchpoints: []string{"meta", "google"}})
	}
	m := NewMTA(model.MTAMarkov, 10, orders, nil)
	assert.Equal(t, model.MTAMarkov, m.Mode())
	assert.Equal(t, "mta-1.0+markov", m.Version())
}
