// Package webhook notifies callers when a run reaches a terminal status.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/freema/regforge/internal/logger"
	"github.com/freema/regforge/internal/metrics"
)

// Payload is the webhook request body. Credentials other than the email are
// never sent; callers fetch them from the credentials endpoint.
type Payload struct {
	RunID        string    `json:"run_id"`
	Workflow     string    `json:"workflow"`
	Status       string    `json:"status"`
	Kind         string    `json:"kind,omitempty"`
	Message      string    `json:"message,omitempty"`
	Error        string    `json:"error,omitempty"`
	ExitCode     *int      `json:"exit_code,omitempty"`
	Email        string    `json:"email,omitempty"`
	AccountSaved bool      `json:"account_saved"`
	TraceID      string    `json:"trace_id,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Sender delivers HMAC-SHA256 signed callbacks. Failed deliveries are retried
// with a delay that grows fivefold per attempt.
type Sender struct {
	client     *http.Client
	secret     string
	maxRetries int
	baseDelay  time.Duration
}

func NewSender(secret string, maxRetries int, baseDelay time.Duration) *Sender {
	return &Sender{
		client: &http.Client{
			Timeout:   10 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		secret:     secret,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
	}
}

// Send posts payload to callbackURL. Every attempt carries the same delivery
// ID so receivers can drop duplicates. Client errors other than 408 and 429
// are final.
func (s *Sender) Send(ctx context.Context, callbackURL string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	log := logger.FromContext(ctx).With("url", callbackURL, "run_id", payload.RunID)
	headers := http.Header{}
	headers.Set("Content-Type", "application/json")
	headers.Set("X-Signature-256", "sha256="+Sign(s.secret, body))
	headers.Set("X-RegForge-Event", "run."+payload.Status)
	headers.Set("X-RegForge-Delivery", uuid.NewString())

	delay := s.baseDelay
	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if attempt > 0 {
			log.Info("webhook retry", "attempt", attempt, "delay", delay)
			select {
			case <-ctx.Done():
				metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 5
		}

		retry, err := s.deliver(ctx, callbackURL, body, headers)
		if err == nil {
			log.Info("webhook delivered", "attempt", attempt)
			metrics.WebhookDeliveries.WithLabelValues("success").Inc()
			return nil
		}
		lastErr = err
		log.Warn("webhook attempt failed", "attempt", attempt, "error", err)
		if !retry {
			break
		}
	}

	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	return fmt.Errorf("delivering webhook to %s: %w", callbackURL, lastErr)
}

func (s *Sender) deliver(ctx context.Context, url string, body []byte, headers http.Header) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	req.Header = headers.Clone()

	resp, err := s.client.Do(req)
	if err != nil {
		return true, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return true, fmt.Errorf("status %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
