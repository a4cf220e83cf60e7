package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Provider posts a plain-text message to an incoming webhook URL. The URL
// is per tenant, so it is an argument rather than provider state.
type Provider interface {
	PostWebhook(ctx context.Context, webhookURL string, message string) error
}

type NoOpProvider struct{}

func (p *NoOpProvider) PostWebhook(ctx context.Context, webhookURL string, message string) error {
	return nil
}

type WebhookProvider struct {
	client *http.Client
}

func NewWebhookProvider() *WebhookProvider {
	return &WebhookProvider{
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *WebhookProvider) PostWebhook(ctx context.Context, webhookURL string, message string) error {
	payload, err := json.Marshal(map[string]string{"text": message})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
