package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// TelegramSender delivers alerts through the Telegram bot API.
type TelegramSender struct {
	client *resty.Client
	chatID string
}

// NewTelegramSender creates a sender posting to the given chat.
func NewTelegramSender(botToken, chatID string) *TelegramSender {
	client := resty.New().
		SetBaseURL("https://api.telegram.org/bot" + botToken).
		SetTimeout(10 * time.Second)
	return &TelegramSender{client: client, chatID: chatID}
}

func (t *TelegramSender) Name() string { return "telegram" }

// Send posts the alert as a single message.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	resp, err := t.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"chat_id": t.chatID,
			"text":    title + "\n" + message,
		}).
		Post("/sendMessage")
	if err != nil {
		return fmt.Errorf("notify: telegram send: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("notify: telegram send: status %d", resp.StatusCode())
	}
	return nil
}
