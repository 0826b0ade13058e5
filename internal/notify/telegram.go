package notify

import (
	"context"
	"fmt"
	"net/http"
)

const telegramAPI = "https://api.telegram.org"

// TelegramSender posts alerts through the Telegram Bot API.
type TelegramSender struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

// NewTelegramSender creates a TelegramSender for a bot token and chat ID.
func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPI,
		client:  newHTTPClient(),
	}
}

// Send calls sendMessage with the title in bold.
func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	return postJSON(ctx, t.client, t.Name(), url, map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	})
}

func (t *TelegramSender) Name() string { return "telegram" }
