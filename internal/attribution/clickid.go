package attribution

import (
	"strings"

	"github.com/google/uuid"

	"github.com/sells-group/mixsignal/internal/model"
)

// ClickIndex maps a click id to the click that owns it.
type ClickIndex map[string]model.AdClick

// IndexClicks builds a ClickIndex. When a click id repeats, the earliest date
// wins and ties keep the first record in log order.
func IndexClicks(clicks []model.AdClick) ClickIndex {
	idx := make(ClickIndex, len(clicks))
	for _, c := range clicks {
		id := strings.TrimSpace(c.ClickID)
		if id == "" {
			continue
		}
		prev, seen := idx[id]
		if !seen || c.Date.Before(prev.Date) {
			idx[id] = c
		}
	}
	return idx
}

// Lookup returns the click for id, if any.
func (idx ClickIndex) Lookup(id string) (model.AdClick, bool) {
	id = strings.TrimSpace(id)
	if id == "" {
		return model.AdClick{}, false
	}
	c, ok := idx[id]
	return c, ok
}

// AttributeClickIDs credits every order with a matching click id entirely to
// the click's channel. Orders without a match are returned for MTA.
func AttributeClickIDs(orders []model.RevenueEvent, idx ClickIndex) (events []model.AttributionEvent, unmatched []model.RevenueEvent) {
	for _, o := range orders {
		click, ok := idx.Lookup(o.ClickID)
		if !ok || click.Channel == "" {
			unmatched = append(unmatched, o)
			continue
		}
		if o.Revenue == 0 {
			continue
		}
		events = append(events, model.AttributionEvent{
			EventID:           uuid.NewString(),
			OrderID:           o.OrderID,
			Date:              o.Date,
			Channel:           click.Channel,
			CampaignID:        click.CampaignID,
			AttributedRevenue: o.Revenue,
			Method:            model.MethodClickID,
			Confidence:        1.0,
		})
	}
	return events, unmatched
}
