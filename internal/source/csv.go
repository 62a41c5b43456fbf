package source

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mixsignal/internal/model"
)

const (
	adsSuffix    = "_ads.csv"
	ordersFile   = "orders.csv"
	clicksFile   = "clicks.csv"
	journeysFile = "journeys.csv"
)

type adRecord struct {
	Date         string  `csv:"date"`
	CampaignID   string  `csv:"campaign_id"`
	CampaignName string  `csv:"campaign_name,omitempty"`
	Spend        float64 `csv:"spend"`
	Impressions  int64   `csv:"impressions,omitempty"`
	Clicks       int64   `csv:"clicks,omitempty"`
}

type orderRecord struct {
	OrderID       string   `csv:"order_id"`
	OrderDate     string   `csv:"order_date"`
	Revenue       float64  `csv:"revenue"`
	NetRevenue    *float64 `csv:"net_revenue,omitempty"`
	IsNewCustomer string   `csv:"is_new_customer,omitempty"`
	ClickID       string   `csv:"click_id,omitempty"`
	UTMSource     string   `csv:"utm_source,omitempty"`
	UTMMedium     string   `csv:"utm_medium,omitempty"`
	UTMCampaign   string   `csv:"utm_campaign,omitempty"`
	Touchpoints   string   `csv:"touchpoints,omitempty"`
}

type clickRecord struct {
	ClickID      string `csv:"click_id"`
	Date         string `csv:"date"`
	CampaignID   string `csv:"campaign_id"`
	CampaignName string `csv:"campaign_name,omitempty"`
	Channel      string `csv:"channel"`
}

type journeyRecord struct {
	Touchpoints string `csv:"touchpoints"`
}

// CSV reads a directory snapshot of per-channel ad exports plus order,
// click, and optional journey files.
type CSV struct {
	Dir string
	// Channels limits which <channel>_ads.csv files are read. Empty reads
	// every ads file in Dir.
	Channels []string
}

// NewCSV creates a CSV provider rooted at dir.
func NewCSV(dir string, channels []string) *CSV {
	return &CSV{Dir: dir, Channels: channels}
}

// Name implements Provider.
func (p *CSV) Name() string {
	return "csv:" + filepath.Clean(p.Dir)
}

// Load implements Provider.
func (p *CSV) Load(ctx context.Context, w model.Window) (*model.RawSeries, error) {
	if !w.Valid() {
		return nil, model.NewInvalidInput("source: invalid window %s", w)
	}
	log := zap.L().With(zap.String("dir", p.Dir), zap.Stringer("window", w))

	files, channels, err := p.adFiles()
	if err != nil {
		return nil, err
	}

	series := &model.RawSeries{Source: p.Name(), Window: w}
	for _, ch := range channels {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "source: load cancelled")
		}
		rows, err := p.readAds(ch, files[ch], w)
		if err != nil {
			return nil, err
		}
		series.Ads = append(series.Ads, rows...)
	}

	if series.Orders, err = p.readOrders(w); err != nil {
		return nil, err
	}
	if series.Clicks, err = p.readClicks(w); err != nil {
		return nil, err
	}
	if series.Journeys, err = p.readJourneys(); err != nil {
		return nil, err
	}

	if err := Validate(series); err != nil {
		return nil, err
	}
	series.SnapshotID = SnapshotID(series)

	log.Info("source: loaded csv snapshot",
		zap.Int("channels", len(channels)),
		zap.Int("ad_rows", len(series.Ads)),
		zap.Int("orders", len(series.Orders)),
		zap.Int("clicks", len(series.Clicks)),
		zap.Int("journeys", len(series.Journeys)),
		zap.String("snapshot_id", series.SnapshotID),
	)
	return series, nil
}

// adFiles maps each folded channel name to its ads file.
func (p *CSV) adFiles() (map[string]string, []string, error) {
	matches, err := filepath.Glob(filepath.Join(p.Dir, "*"+adsSuffix))
	if err != nil {
		return nil, nil, eris.Wrap(err, "source: list ads files")
	}
	files := make(map[string]string, len(matches))
	for _, m := range matches {
		files[Channel(strings.TrimSuffix(filepath.Base(m), adsSuffix))] = m
	}

	var channels []string
	if len(p.Channels) > 0 {
		for _, ch := range p.Channels {
			ch = Channel(ch)
			if _, ok := files[ch]; !ok {
				return nil, nil, eris.Errorf("source: no %s%s in %s", ch, adsSuffix, p.Dir)
			}
			channels = append(channels, ch)
		}
	} else {
		for ch := range files {
			channels = append(channels, ch)
		}
	}
	sort.Strings(channels)
	return files, channels, nil
}

func (p *CSV) readAds(channel, path string, w model.Window) ([]model.AdRow, error) {
	name := filepath.Base(path)
	var out []model.AdRow
	err := decodeFile(path, true, []string{"date", "campaign_id", "spend"}, func(line int, rec *adRecord) error {
		d, err := parseDate(rec.Date)
		if err != nil {
			return model.NewDataIntegrity(name+":"+strconv.Itoa(line), "bad date %q", rec.Date)
		}
		if !w.Contains(d) {
			return nil
		}
		out = append(out, model.AdRow{
			Date:         d,
			Channel:      channel,
			CampaignID:   strings.TrimSpace(rec.CampaignID),
			CampaignName: strings.TrimSpace(rec.CampaignName),
			Spend:        rec.Spend,
			Impressions:  rec.Impressions,
			Clicks:       rec.Clicks,
		})
		return nil
	})
	return out, err
}

func (p *CSV) readOrders(w model.Window) ([]model.RevenueEvent, error) {
	var out []model.RevenueEvent
	err := decodeFile(filepath.Join(p.Dir, ordersFile), true, []string{"order_id", "order_date", "revenue"}, func(line int, rec *orderRecord) error {
		d, err := parseDate(rec.OrderDate)
		if err != nil {
			return model.NewDataIntegrity(ordersFile+":"+strconv.Itoa(line), "bad order_date %q", rec.OrderDate)
		}
		if !w.Contains(d) {
			return nil
		}
		revenue := rec.Revenue
		if rec.NetRevenue != nil {
			revenue = *rec.NetRevenue
		}
		out = append(out, model.RevenueEvent{
			OrderID:       strings.TrimSpace(rec.OrderID),
			Date:          d,
			Revenue:       revenue,
			IsNewCustomer: parseBool(rec.IsNewCustomer),
			ClickID:       strings.TrimSpace(rec.ClickID),
			Touchpoints:   touchpoints(rec.Touchpoints, rec.UTMSource),
		})
		return nil
	})
	return out, err
}

func (p *CSV) readClicks(w model.Window) ([]model.AdClick, error) {
	var out []model.AdClick
	err := decodeFile(filepath.Join(p.Dir, clicksFile), false, []string{"click_id", "date", "channel"}, func(line int, rec *clickRecord) error {
		d, err := parseDate(rec.Date)
		if err != nil {
			return model.NewDataIntegrity(clicksFile+":"+strconv.Itoa(line), "bad date %q", rec.Date)
		}
		if !w.Contains(d) {
			return nil
		}
		out = append(out, model.AdClick{
			ClickID:      strings.TrimSpace(rec.ClickID),
			Date:         d,
			CampaignID:   strings.TrimSpace(rec.CampaignID),
			CampaignName: strings.TrimSpace(rec.CampaignName),
			Channel:      Channel(rec.Channel),
		})
		return nil
	})
	return out, err
}

func (p *CSV) readJourneys() ([]model.Journey, error) {
	var out []model.Journey
	err := decodeFile(filepath.Join(p.Dir, journeysFile), false, []string{"touchpoints"}, func(_ int, rec *journeyRecord) error {
		if tp := touchpoints(rec.Touchpoints, ""); len(tp) > 0 {
			out = append(out, model.Journey{Touchpoints: tp})
		}
		return nil
	})
	return out, err
}

// decodeFile streams a CSV file into fn one record at a time. A missing
// optional file yields no rows.
func decodeFile[T any](path string, required bool, columns []string, fn func(line int, rec *T) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && !required {
			return nil
		}
		return eris.Wrapf(err, "source: open %s", filepath.Base(path))
	}
	defer f.Close() //nolint:errcheck

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	dec, err := csvutil.NewDecoder(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return eris.Wrapf(err, "source: read header of %s", filepath.Base(path))
	}
	if missing := missingColumns(dec.Header(), columns); len(missing) > 0 {
		return model.NewDataIntegrity(filepath.Base(path), "missing columns %s", strings.Join(missing, ", "))
	}

	for line := 2; ; line++ {
		var rec T
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return model.NewDataIntegrity(filepath.Base(path)+":"+strconv.Itoa(line), "%v", err)
		}
		if err := fn(line, &rec); err != nil {
			return err
		}
	}
}

func missingColumns(header, want []string) []string {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[strings.TrimSpace(h)] = true
	}
	var missing []string
	for _, c := range want {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	return missing
}

func parseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(model.DateLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return model.Day(t), nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes":
		return true
	}
	return false
}

// touchpoints splits a pipe-separated path, falling back to the UTM source.
func touchpoints(raw, utmSource string) []string {
	var out []string
	for _, tp := range strings.Split(raw, "|") {
		if ch := Channel(tp); ch != "" {
			out = append(out, ch)
		}
	}
	if len(out) == 0 {
		if ch := Channel(utmSource); ch != "" {
			out = []string{ch}
		}
	}
	return out
}
