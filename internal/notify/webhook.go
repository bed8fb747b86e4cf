package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pitabwire/intraflow/internal/observability"
)

// WebhookMessenger posts messages as JSON to a mail or chat gateway. Calls
// go through a Breaker so an unavailable gateway fails fast.
type WebhookMessenger struct {
	url     string
	token   string
	client  *http.Client
	breaker *Breaker
}

type webhookPayload struct {
	To        []string `json:"to"`
	Subject   string   `json:"subject"`
	Body      string   `json:"body"`
	Kind      string   `json:"kind"`
	RequestID string   `json:"requestId"`
	DisplayID string   `json:"displayId"`
}

// NewWebhookMessenger creates a messenger posting to url. token, when set, is
// sent as a bearer token.
func NewWebhookMessenger(url, token string, timeout time.Duration, breaker *Breaker) *WebhookMessenger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookMessenger{
		url:     url,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

// Name implements Messenger.
func (w *WebhookMessenger) Name() string { return "webhook" }

// Send posts msg to every recipient with an email address.
func (w *WebhookMessenger) Send(ctx context.Context, msg Message) error {
	var to []string
	for _, r := range msg.Recipients {
		if r.Email != "" {
			to = append(to, r.Email)
		}
	}
	if len(to) == 0 {
		return nil
	}

	body, err := json.Marshal(webhookPayload{
		To:        to,
		Subject:   msg.Title,
		Body:      msg.Body,
		Kind:      msg.Kind,
		RequestID: msg.RequestID,
		DisplayID: msg.DisplayID,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	return w.breaker.Do(func() error {
		return w.post(ctx, body)
	})
}

func (w *WebhookMessenger) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	observability.InjectTraceHeaders(ctx, req.Header)
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return &rejectedError{status: resp.StatusCode}
	}
	return nil
}
