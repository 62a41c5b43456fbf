package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mixsignal/internal/config"
	"github.com/sells-group/mixsignal/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertInstability    AlertType = "model_instability"
	AlertLowConfidence  AlertType = "low_confidence"
	AlertStaleData      AlertType = "stale_data"
)

// minFinishedRuns is the fewest finished runs a failure rate is judged on.
const minFinishedRuns = 3

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a HealthSnapshot against configured thresholds
// and sends alerts via webhook when thresholds are breached.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("monitoring", "post alert")
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry:  retry,
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *HealthSnapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	finished := snap.RunsCompleted + snap.RunsFailed
	if finished >= minFinishedRuns && snap.FailureRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.FailureRate*100, a.cfg.FailureRateThreshold*100, snap.RunsFailed, finished,
			),
			Details: map[string]any{
				"failure_rate": snap.FailureRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.RunsPersisted >= 2 && snap.InstabilityRate > a.cfg.InstabilityRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertInstability,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d of the last %d runs flagged attribution/MMM disagreement",
				snap.InstabilityFlagged, snap.RunsPersisted,
			),
			Details: map[string]any{
				"instability_rate": snap.InstabilityRate,
				"threshold":        a.cfg.InstabilityRateThreshold,
			},
			Timestamp: now,
		})
	}

	if snap.LatestDecisions > 0 && snap.LatestMeanConfidence < a.cfg.LowConfidenceThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertLowConfidence,
			Severity: "medium",
			Message: fmt.Sprintf(
				"Run %s mean decision confidence %.2f is below %.2f",
				snap.LatestRunID, snap.LatestMeanConfidence, a.cfg.LowConfidenceThreshold,
			),
			Details: map[string]any{
				"run_id":          snap.LatestRunID,
				"mean_confidence": snap.LatestMeanConfidence,
				"low_confidence":  snap.LatestLowConfidence,
				"decisions":       snap.LatestDecisions,
			},
			Timestamp: now,
		})
	}

	if a.cfg.StaleAfterHours > 0 && snap.LatestRunAt != nil && snap.DataAgeHours > float64(a.cfg.StaleAfterHours) {
		alerts = append(alerts, Alert{
			Type:     AlertStaleData,
			Severity: "high",
			Message: fmt.Sprintf(
				"Latest run %s covers data %.0fh old (limit %dh)",
				snap.LatestRunID, snap.DataAgeHours, a.cfg.StaleAfterHours,
			),
			Details: map[string]any{
				"run_id":         snap.LatestRunID,
				"data_age_hours": snap.DataAgeHours,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	return resilience.Do(ctx, a.retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
		if err != nil {
			return eris.Wrap(err, "monitoring: create webhook request")
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(req)
		if err != nil {
			return eris.Wrap(err, "monitoring: webhook request")
		}
		defer resp.Body.Close() //nolint:errcheck

		return resilience.StatusError("monitoring: webhook", resp.StatusCode)
	})
}
