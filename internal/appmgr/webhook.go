package appmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/lenslab/lenscloud/internal/observe"
)

// SessionRequest is the webhook body that asks an App server to open a
// WebSocket back to the cloud for a user session.
type SessionRequest struct {
	Type         string    `json:"type"`
	SessionID    string    `json:"sessionId"`
	UserID       string    `json:"userId"`
	WebsocketURL string    `json:"augmentOSWebsocketUrl"`
	Timestamp    time.Time `json:"timestamp"`
}

// sessionRequestType is the discriminator App servers switch on.
const sessionRequestType = "session_request"

// WebhookClient delivers session_request webhooks with a bounded retry
// budget and per-attempt timeouts.
type WebhookClient struct {
	client   *http.Client
	attempts int
	timeout  time.Duration
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewWebhookClient creates a WebhookClient. attempts and timeout must be
// positive (config defaults guarantee that).
func NewWebhookClient(attempts int, timeout time.Duration, metrics *observe.Metrics, log *slog.Logger) *WebhookClient {
	return &WebhookClient{
		client:   &http.Client{Timeout: timeout},
		attempts: attempts,
		timeout:  timeout,
		metrics:  metrics,
		log:      log,
	}
}

// Deliver POSTs req to url, retrying on failure with linear backoff.
// Any 2xx response counts as accepted. The context bounds the whole
// delivery including backoff sleeps.
func (w *WebhookClient) Deliver(ctx context.Context, url string, req SessionRequest) error {
	req.Type = sessionRequestType
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now()
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("appmgr: marshal webhook: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= w.attempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(attempt-1) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return fmt.Errorf("appmgr: webhook to %s: %w", url, ctx.Err())
			}
		}

		lastErr = w.post(ctx, url, body)
		if lastErr == nil {
			w.metrics.WebhookAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "ok")))
			return nil
		}
		w.metrics.WebhookAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "error")))
		w.log.Warn("webhook attempt failed",
			"url", url,
			"attempt", attempt,
			"error", lastErr,
		)
	}
	return fmt.Errorf("appmgr: webhook to %s after %d attempts: %w", url, w.attempts, lastErr)
}

func (w *WebhookClient) post(ctx context.Context, url string, body []byte) error {
	attemptCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	w.metrics.WebhookDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
