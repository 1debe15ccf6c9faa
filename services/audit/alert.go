package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Escalation describes an audit record that keeps failing to reach the store
type Escalation struct {
	Event     string    `json:"event"`
	RequestID string    `json:"request_id"`
	LogID     string    `json:"log_id"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Alerter notifies operators about escalated records
type Alerter interface {
	Alert(ctx context.Context, e Escalation) error
}

// WebhookAlerter posts escalations as JSON to a URL
type WebhookAlerter struct {
	url    string
	client *http.Client
}

// NewWebhookAlerter creates an alerter for url
func NewWebhookAlerter(url string, timeout time.Duration) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: timeout}}
}

func (w *WebhookAlerter) Alert(ctx context.Context, e Escalation) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal escalation: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}
	return nil
}
