package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ashita-ai/kokoro/internal/auth"
	"github.com/ashita-ai/kokoro/internal/model"
)

const webhookTimeout = 10 * time.Second

// DeliveryError is a non-2xx response from the webhook endpoint.
type DeliveryError struct {
	StatusCode int
	Body       string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook: status %d: %s", e.StatusCode, e.Body)
}

// Permanent reports whether redelivering the same payload can ever
// succeed. Rejections for malformed payloads, unknown rooms, and
// oversized bodies are final; everything else is worth another attempt.
func (e *DeliveryError) Permanent() bool {
	switch e.StatusCode {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusRequestEntityTooLarge:
		return true
	}
	return false
}

// WebhookClient posts the end-of-session transcript to the backend. Delivery
// is a single attempt with no in-process retry; undeliverable payloads go to
// the spool when one is configured. Safe to share across room sessions.
type WebhookClient struct {
	url    string
	secret string
	client *http.Client
}

// NewWebhookClient creates a client for the backend webhook endpoint. An
// empty secret disables request signing.
func NewWebhookClient(url, secret string) *WebhookClient {
	return &WebhookClient{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

// Deliver posts the payload once. Any non-2xx response is an error; the
// caller decides whether to log or propagate.
func (c *WebhookClient) Deliver(ctx context.Context, payload model.TranscriptWebhook) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.secret != "" {
		req.Header.Set(auth.WebhookSignatureHeader, auth.SignWebhook(c.secret, body))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &DeliveryError{StatusCode: resp.StatusCode, Body: string(excerpt)}
	}
	return nil
}
