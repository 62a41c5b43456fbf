// Package source supplies raw spend, order, and click series for a window.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/cases"

	"github.com/sells-group/mixsignal/internal/model"
)

// Provider loads the raw series for a window. Implementations must only
// return rows whose dates fall inside the window.
type Provider interface {
	Name() string
	Load(ctx context.Context, w model.Window) (*model.RawSeries, error)
}

// Channel normalizes a channel label for joins across files.
func Channel(s string) string {
	// Casers carry state and are not shared across goroutines.
	return cases.Fold().String(strings.TrimSpace(s))
}

// Memory is an in-process provider over a fixed series.
type Memory struct {
	Label  string
	Series model.RawSeries
}

// Name implements Provider.
func (m *Memory) Name() string {
	if m.Label == "" {
		return "memory"
	}
	return m.Label
}

// Load implements Provider.
func (m *Memory) Load(ctx context.Context, w model.Window) (*model.RawSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "source: memory load")
	}
	if !w.Valid() {
		return nil, model.NewInvalidInput("source: invalid window %s", w)
	}
	out := Bound(&m.Series, w)
	out.Source = m.Name()
	if err := Validate(out); err != nil {
		return nil, err
	}
	out.SnapshotID = SnapshotID(out)
	return out, nil
}

// Bound copies the rows of s that fall inside w.
func Bound(s *model.RawSeries, w model.Window) *model.RawSeries {
	out := &model.RawSeries{Source: s.Source, Window: w}
	for _, a := range s.Ads {
		if w.Contains(a.Date) {
			out.Ads = append(out.Ads, a)
		}
	}
	for _, o := range s.Orders {
		if w.Contains(o.Date) {
			out.Orders = append(out.Orders, o)
		}
	}
	for _, c := range s.Clicks {
		if w.Contains(c.Date) {
			out.Clicks = append(out.Clicks, c)
		}
	}
	out.Journeys = append(out.Journeys, s.Journeys...)
	return out
}

// Validate rejects series that would corrupt downstream sums.
func Validate(s *model.RawSeries) error {
	seen := make(map[string]struct{}, len(s.Orders))
	for _, o := range s.Orders {
		if o.OrderID == "" {
			return model.NewDataIntegrity("order", "order on %s has no order_id", o.Date.Format(model.DateLayout))
		}
		if _, dup := seen[o.OrderID]; dup {
			return model.NewDataIntegrity(o.OrderID, "duplicate order_id")
		}
		seen[o.OrderID] = struct{}{}
		if o.Revenue < 0 {
			return model.NewDataIntegrity(o.OrderID, "negative revenue %v", o.Revenue)
		}
	}
	for _, a := range s.Ads {
		if a.Spend < 0 {
			return model.NewDataIntegrity(a.Channel+"|"+a.CampaignID, "negative spend %v on %s", a.Spend, a.Date.Format(model.DateLayout))
		}
	}
	return nil
}

// SnapshotID is a content hash over the canonical form of the series. Ads,
// orders and journeys hash independently of row order. The click log hashes
// in load order, since that order breaks click-id ties.
func SnapshotID(s *model.RawSeries) string {
	var lines []string
	day := func(t time.Time) string { return t.Format(model.DateLayout) }

	for _, a := range s.Ads {
		lines = append(lines, fmt.Sprintf("ad|%s|%s|%s|%g|%d|%d",
			day(a.Date), a.Channel, a.CampaignID, a.Spend, a.Impressions, a.Clicks))
	}
	for _, o := range s.Orders {
		lines = append(lines, fmt.Sprintf("order|%s|%s|%g|%t|%s|%s",
			o.OrderID, day(o.Date), o.Revenue, o.IsNewCustomer, o.ClickID, strings.Join(o.Touchpoints, ">")))
	}
	for _, j := range s.Journeys {
		lines = append(lines, "journey|"+strings.Join(j.Touchpoints, ">"))
	}
	sort.Strings(lines)
	for _, c := range s.Clicks {
		lines = append(lines, fmt.Sprintf("click|%s|%s|%s|%s", c.ClickID, day(c.Date), c.CampaignID, c.Channel))
	}

	h := sha256.New()
	h.Write([]byte(s.Window.String()))
	for _, l := range lines {
		h.Write([]byte{'\n'})
		h.Write([]byte(l))
	}
	return hex.EncodeToString(h.Sum(nil))
}
