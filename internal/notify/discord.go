package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// DiscordSender delivers via a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	payload := map[string]string{
		"content": fmt.Sprintf("**%s**\n%s", title, message),
	}
	return postJSON(ctx, d.client, "discord", d.webhookURL, payload)
}

func (d *DiscordSender) Name() string {
	return "discord"
}
