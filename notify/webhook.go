package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hazyhaar/topos/guard"
)

// Webhook POSTs notifications as JSON to an external endpoint. Targets are
// vetted against private and loopback addresses on every send; payloads are
// HMAC-signed when a secret is configured.
type Webhook struct {
	url          string
	secret       []byte
	client       *http.Client
	allowPrivate bool
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

// WithSecret enables X-Signature-256 HMAC signing of the payload.
func WithSecret(secret []byte) WebhookOption {
	return func(w *Webhook) { w.secret = secret }
}

// WithPrivateTargets disables the SSRF guard. Meant for endpoints on the
// machine itself.
func WithPrivateTargets() WebhookOption {
	return func(w *Webhook) { w.allowPrivate = true }
}

// NewWebhook returns a Webhook sink for the given endpoint.
func NewWebhook(url string, opts ...WebhookOption) (*Webhook, error) {
	if url == "" {
		return nil, fmt.Errorf("notify: webhook url is required")
	}
	w := &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(w)
	}
	if len(w.secret) > 0 {
		if err := guard.ValidateSecret(w.secret); err != nil {
			return nil, err
		}
	}
	return w, nil
}

func (w *Webhook) Notify(ctx context.Context, n Notification) error {
	if !w.allowPrivate {
		if err := guard.ValidateURL(w.url); err != nil {
			return &DeliveryError{Sink: "webhook", Cause: err}
		}
	}

	body, err := json.Marshal(n)
	if err != nil {
		return &DeliveryError{Sink: "webhook", Cause: fmt.Errorf("marshal: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return &DeliveryError{Sink: "webhook", Cause: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if len(w.secret) > 0 {
		mac := hmac.New(sha256.New, w.secret)
		mac.Write(body)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return &DeliveryError{Sink: "webhook", Cause: fmt.Errorf("POST: %w", err)}
	}
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &DeliveryError{Sink: "webhook", Cause: fmt.Errorf("endpoint returned %d", resp.StatusCode)}
	}
	return nil
}
