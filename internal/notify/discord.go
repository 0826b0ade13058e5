package notify

import (
	"context"
	"fmt"
	"net/http"
)

// DiscordSender posts alerts to a Discord webhook.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{webhookURL: webhookURL, client: newHTTPClient()}
}

// Send posts the alert; Discord answers 204 on success.
func (d *DiscordSender) Send(ctx context.Context, title, message string) error {
	return postJSON(ctx, d.client, d.Name(), d.webhookURL, map[string]string{
		"username": "listingarb",
		"content":  fmt.Sprintf("**%s**\n%s", title, message),
	})
}

func (d *DiscordSender) Name() string { return "discord" }
