package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"gatekit/core"
)

// Webhook posts queued notifications to configured HTTP endpoints, the
// boundary to the portal's outbound delivery queue. It wraps a Memory sink
// so the recency-based duplicate check keeps working locally.
type Webhook struct {
	client    *http.Client
	endpoints []string
	local     *Memory
}

// WebhookOption configures a Webhook sink.
type WebhookOption func(*Webhook)

// WithClient overrides the HTTP client (defaults to 2s timeout).
func WithClient(c *http.Client) WebhookOption {
	return func(w *Webhook) {
		if c != nil {
			w.client = c
		}
	}
}

// NewWebhook creates a webhook sink.
func NewWebhook(endpoints []string, retention time.Duration, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		client: &http.Client{Timeout: 2 * time.Second},
		local:  NewMemory(retention),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.endpoints = append([]string{}, endpoints...)
	return w
}

// Enqueue records the notification locally and posts it to all endpoints.
// Delivery errors are ignored; the local record still suppresses duplicates.
func (w *Webhook) Enqueue(ctx context.Context, user core.UserID, n core.Notification) error {
	if err := w.local.Enqueue(ctx, user, n); err != nil {
		return err
	}
	if len(w.endpoints) == 0 {
		return nil
	}
	payload := struct {
		UserID core.UserID       `json:"user_id"`
		Notice core.Notification `json:"notification"`
	}{UserID: user, Notice: n}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	for _, ep := range w.endpoints {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep, bytes.NewReader(body))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		_, _ = w.client.Do(req)
	}
	return nil
}

func (w *Webhook) RecentlySent(ctx context.Context, user core.UserID, title string, window time.Duration) (bool, error) {
	return w.local.RecentlySent(ctx, user, title, window)
}
