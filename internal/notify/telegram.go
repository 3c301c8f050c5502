package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TelegramSender delivers via the Telegram Bot API sendMessage endpoint.
type TelegramSender struct {
	token  string
	chatID string
	client *http.Client
}

func NewTelegramSender(token, chatID string) *TelegramSender {
	return &TelegramSender{
		token:  token,
		chatID: chatID,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramSender) Send(ctx context.Context, title, message string) error {
	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.token)
	payload := map[string]string{
		"chat_id":    t.chatID,
		"text":       fmt.Sprintf("*%s*\n%s", title, message),
		"parse_mode": "Markdown",
	}
	return postJSON(ctx, t.client, "telegram", url, payload)
}

func (t *TelegramSender) Name() string {
	return "telegram"
}

// postJSON posts a JSON payload and treats any non-2xx as an error, keeping a
// bounded sample of the response body for the log line.
func postJSON(ctx context.Context, client *http.Client, name, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal payload: %w", name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: create request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: send request: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: unexpected status %d: %s", name, resp.StatusCode, string(respBody))
	}
	return nil
}
