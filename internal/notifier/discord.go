package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var errNoWebhook = errors.New("webhook URL is not set")

// Notifier delivers a short human readable message about a transfer.
type Notifier interface {
	Notify(ctx context.Context, content string) error
}

// WebhookError is returned when the webhook answers with a non-2xx status.
type WebhookError struct {
	StatusCode int
	Body       string
}

func (e *WebhookError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook failed with status %d", e.StatusCode)
	}

	return fmt.Sprintf("webhook failed with status %d: %s", e.StatusCode, e.Body)
}

type discordMessage struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

// DiscordNotifier posts messages to a Discord webhook.
type DiscordNotifier struct {
	WebhookURL string
	// Username overrides the webhook's default name when set.
	Username   string
	// Client defaults to http.DefaultClient.
	Client     *http.Client
}

func (d *DiscordNotifier) Notify(ctx context.Context, content string) error {
	if d.WebhookURL == "" {
		return errNoWebhook
	}

	body, err := json.Marshal(discordMessage{Content: content, Username: d.Username})
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client().Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 == 2 {
		return nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))

	return &WebhookError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
}

func (d *DiscordNotifier) client() *http.Client {
	if d.Client != nil {
		return d.Client
	}

	return http.DefaultClient
}

// Nop drops every notification. It is used when no webhook is configured.
type Nop struct{}

func (Nop) Notify(context.Context, string) error { return nil }
