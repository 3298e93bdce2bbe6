package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// DiscordSender delivers alerts through a Discord webhook.
type DiscordSender struct {
	client     *resty.Client
	webhookURL string
}

// NewDiscordSender creates a sender posting to the given webhook.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		client:     resty.New().SetTimeout(10 * time.Second),
		webhookURL: webhookURL,
	}
}

func (d *DiscordSender) Name() string { return "discord" }

// Send posts the alert as webhook content.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"content": "**" + title + "**\n" + message,
		}).
		Post(d.webhookURL)
	if err != nil {
		return fmt.Errorf("notify: discord send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: discord send: status %d", resp.StatusCode())
	}
	return nil
}
