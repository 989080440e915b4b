package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Provider interface {
	Send(ctx context.Context, message, recipient string) error
}

// NewProvider picks a provider by name. Unknown names fall back to logging;
// a bare http(s) URL is treated as a webhook endpoint.
func NewProvider(kind, webhookURL, webhookToken string, logger zerolog.Logger) Provider {
	switch kind {
	case "", "stub", "log":
		return LogProvider{Logger: logger}
	case "noop":
		return NoopProvider{}
	case "fail":
		return FailProvider{}
	case "webhook":
		if webhookURL == "" {
			return LogProvider{Logger: logger}
		}
		return NewWebhookProvider(webhookURL, webhookToken)
	default:
		if strings.HasPrefix(kind, "http://") || strings.HasPrefix(kind, "https://") {
			return NewWebhookProvider(kind, webhookToken)
		}
		return LogProvider{Logger: logger}
	}
}

type LogProvider struct {
	Logger zerolog.Logger
}

func (p LogProvider) Send(_ context.Context, message, recipient string) error {
	p.Logger.Info().Str("recipient", recipient).Str("message", message).Msg("notification")
	return nil
}

type NoopProvider struct{}

func (NoopProvider) Send(context.Context, string, string) error {
	return nil
}

type FailProvider struct{}

func (FailProvider) Send(context.Context, string, string) error {
	return errors.New("provider failure")
}

type WebhookProvider struct {
	url    string
	token  string
	client *http.Client
}

func NewWebhookProvider(url, token string) *WebhookProvider {
	return &WebhookProvider{url: url, token: token, client: &http.Client{Timeout: 5 * time.Second}}
}

func (p *WebhookProvider) Send(ctx context.Context, message, recipient string) error {
	body, err := json.Marshal(map[string]string{
		"recipient": recipient,
		"message":   message,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider rejected request: %s", resp.Status)
	}
	return nil
}
