// Package metrics merges spend and attributed revenue into per-day,
// per-channel rows with derived efficiency ratios.
package metrics

import (
	"sort"
	"time"

	"github.com/sells-group/mixsignal/internal/model"
)

type key struct {
	date    time.Time
	channel string
}

// AggregateSpend sums raw ad rows into one ChannelSpend per (date, channel),
// rejecting a campaign that appears twice on the same day.
func AggregateSpend(rows []model.AdRow) ([]model.ChannelSpend, error) {
	seen := make(map[string]bool, len(rows))
	agg := map[key]*model.ChannelSpend{}
	for _, r := range rows {
		d := model.Day(r.Date)
		id := r.Channel + "|" + d.Format(model.DateLayout) + "|" + r.CampaignID
		if seen[id] {
			return nil, model.NewDataIntegrity(id, "duplicate ad row")
		}
		seen[id] = true

		k := key{d, r.Channel}
		cs, ok := agg[k]
		if !ok {
			cs = &model.ChannelSpend{Date: d, Channel: r.Channel}
			agg[k] = cs
		}
		cs.Spend += r.Spend
		cs.Impressions += r.Impressions
		cs.Clicks += r.Clicks
	}

	out := make([]model.ChannelSpend, 0, len(agg))
	for _, cs := range agg {
		out = append(out, *cs)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Channel < out[j].Channel
	})
	return out, nil
}

// Unify builds UnifiedMetricRows over the outer join of spend and
// attribution. MER is portfolio-wide for the day and includes revenue that
// could not be attributed.
func Unify(spend []model.ChannelSpend, events []model.AttributionEvent, orders []model.RevenueEvent) []model.UnifiedMetricRow {
	byOrder := make(map[string]model.RevenueEvent, len(orders))
	dayRevenue := map[time.Time]float64{}
	for _, o := range orders {
		byOrder[o.OrderID] = o
		dayRevenue[model.Day(o.Date)] += o.Revenue
	}

	rows := map[key]*model.UnifiedMetricRow{}
	get := func(d time.Time, ch string) *model.UnifiedMetricRow {
		k := key{model.Day(d), ch}
		r, ok := rows[k]
		if !ok {
			r = &model.UnifiedMetricRow{Date: k.date, Channel: ch}
			rows[k] = r
		}
		return r
	}

	daySpend := map[time.Time]float64{}
	for _, s := range spend {
		get(s.Date, s.Channel).Spend += s.Spend
		daySpend[model.Day(s.Date)] += s.Spend
	}

	for _, e := range events {
		r := get(e.Date, e.Channel)
		r.AttributedRevenue += e.AttributedRevenue
		o, ok := byOrder[e.OrderID]
		if !ok {
			continue
		}
		if o.IsNewCustomer {
			r.RevenueNew += e.AttributedRevenue
			if o.Revenue != 0 {
				r.NewCustomers += e.AttributedRevenue / o.Revenue
			}
		} else {
			r.RevenueReturning += e.AttributedRevenue
		}
	}

	out := make([]model.UnifiedMetricRow, 0, len(rows))
	for k, r := range rows {
		r.ROAS = ratio(r.AttributedRevenue, r.Spend)
		r.CAC = ratio(r.Spend, r.NewCustomers)
		r.MER = ratio(dayRevenue[k.date], daySpend[k.date])
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Channel < out[j].Channel
	})
	return out
}

// Filter keeps rows inside w and, when channel is set, for that channel.
func Filter(rows []model.UnifiedMetricRow, w model.Window, channel string) []model.UnifiedMetricRow {
	var out []model.UnifiedMetricRow
	for _, r := range rows {
		if !w.Contains(r.Date) {
			continue
		}
		if channel != "" && r.Channel != channel {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SpendByChannel totals spend per channel across rows.
func SpendByChannel(rows []model.UnifiedMetricRow) map[string]float64 {
	out := map[string]float64{}
	for _, r := range rows {
		out[r.Channel] += r.Spend
	}
	return out
}

func ratio(num, den float64) *float64 {
	if den == 0 {
		return nil
	}
	v := num / den
	return &v
}
