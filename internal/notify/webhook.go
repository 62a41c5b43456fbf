package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mixsignal/internal/model"
	"github.com/sells-group/mixsignal/internal/resilience"
)

// Webhook posts each event as JSON to a URL.
type Webhook struct {
	url     string
	client  *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.Breaker
}

// NewWebhook creates a webhook sink.
func NewWebhook(url string, retry resilience.RetryConfig) *Webhook {
	retry.OnRetry = resilience.RetryLogger("webhook", "post event")
	return &Webhook{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		retry:   retry,
		breaker: resilience.NewBreaker(5, time.Minute),
	}
}

// Name implements Sink.
func (w *Webhook) Name() string { return "webhook" }

// Send implements Sink.
func (w *Webhook) Send(ctx context.Context, ev model.RunEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}
	return w.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.Do(ctx, w.retry, func(ctx context.Context) error {
			return w.post(ctx, payload)
		})
	})
}

func (w *Webhook) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "notify: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "notify: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	return resilience.StatusError("notify: webhook", resp.StatusCode)
}
