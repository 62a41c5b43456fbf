package model

import (
	"fmt"
	"time"
)

// DateLayout is the calendar-day format used in raw files and query params.
const DateLayout = "2006-01-02"

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Window is an inclusive calendar-day range.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewWindow builds a window from two dates, normalizing both to days.
func NewWindow(start, end time.Time) Window {
	return Window{Start: Day(start), End: Day(end)}
}

// TrailingWindow returns the `days`-long window ending on end.
func TrailingWindow(end time.Time, days int) Window {
	end = Day(end)
	if days < 1 {
		days = 1
	}
	return Window{Start: end.AddDate(0, 0, -(days - 1)), End: end}
}

// Contains reports whether t falls on a day inside the window.
func (w Window) Contains(t time.Time) bool {
	d := Day(t)
	return !d.Before(w.Start) && !d.After(w.End)
}

// Days returns the number of calendar days covered.
func (w Window) Days() int {
	if w.End.Before(w.Start) {
		return 0
	}
	return int(w.End.Sub(w.Start).Hours()/24) + 1
}

// Dates enumerates every day in the window.
func (w Window) Dates() []time.Time {
	n := w.Days()
	out := make([]time.Time, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, w.Start.AddDate(0, 0, i))
	}
	return out
}

// Valid reports whether the window is non-empty.
func (w Window) Valid() bool {
	return !w.Start.IsZero() && !w.End.IsZero() && !w.End.Before(w.Start)
}

func (w Window) String() string {
	return fmt.Sprintf("%s..%s", w.Start.Format(DateLayout), w.End.Format(DateLayout))
}

// ChannelSpend is one day of spend for a channel, aggregated across campaigns.
type ChannelSpend struct {
	Date        time.Time `json:"date"`
	Channel     string    `json:"channel"`
	Spend       float64   `json:"spend"`
	Impressions int64     `json:"impressions"`
	Clicks      int64     `json:"clicks"`
}

// AdRow is a raw per-campaign ad row before channel aggregation.
type AdRow struct {
	Date         time.Time `json:"date"`
	Channel      string    `json:"channel"`
	CampaignID   string    `json:"campaign_id"`
	CampaignName string    `json:"campaign_name,omitempty"`
	Spend        float64   `json:"spend"`
	Impressions  int64     `json:"impressions"`
	Clicks       int64     `json:"clicks"`
}

// RevenueEvent is a single order.
type RevenueEvent struct {
	OrderID       string    `json:"order_id"`
	Date          time.Time `json:"date"`
	Revenue       float64   `json:"revenue"`
	IsNewCustomer bool      `json:"is_new_customer"`
	ClickID       string    `json:"click_id,omitempty"`
	Touchpoints   []string  `json:"touchpoints,omitempty"`
}

// AdClick is a tracked ad click.
type AdClick struct {
	ClickID      string    `json:"click_id"`
	Date         time.Time `json:"date"`
	CampaignID   string    `json:"campaign_id"`
	CampaignName string    `json:"campaign_name,omitempty"`
	Channel      string    `json:"channel"`
}

// Journey is a touchpoint path that did not convert.
type Journey struct {
	Touchpoints []string `json:"touchpoints"`
}

// RawSeries is everything a run reads from the provider for one window.
type RawSeries struct {
	Source     string         `json:"source"`
	Window     Window         `json:"window"`
	SnapshotID string         `json:"snapshot_id"`
	Ads        []AdRow        `json:"ads"`
	Orders     []RevenueEvent `json:"orders"`
	Clicks     []AdClick      `json:"clicks"`
	Journeys   []Journey      `json:"journeys,omitempty"`
}

// TotalRevenue sums order revenue.
func (r *RawSeries) TotalRevenue() float64 {
	var total float64
	for _, o := range r.Orders {
		total += o.Revenue
	}
	return total
}
