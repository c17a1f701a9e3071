package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Update is one inbound event from the bot platform, arriving either on
// the webhook or from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message"`
}

// Message is the subset of a chat message this service reads.
type Message struct {
	MessageID int64     `json:"message_id"`
	From      *User     `json:"from"`
	Chat      Chat      `json:"chat"`
	Text      string    `json:"text"`
	Location  *Location `json:"location"`
}

// User identifies the message sender.
type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// Chat identifies the conversation.
type Chat struct {
	ID int64 `json:"id"`
}

// Location is a shared GPS point.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// apiResponse is the bot API envelope.
type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
}

// BotClient talks to the bot HTTP API. The base URL is configurable so the
// local mock can stand in for the real platform.
type BotClient struct {
	client  *http.Client
	baseURL string
}

// NewBotClient builds a client for one bot token. The HTTP timeout leaves
// room for long-poll calls, which hold the connection open for up to
// pollTimeoutSeconds.
func NewBotClient(apiURL, token string) *BotClient {
	return &BotClient{
		client: &http.Client{
			Timeout: 40 * time.Second,
		},
		baseURL: fmt.Sprintf("%s/bot%s", strings.TrimRight(apiURL, "/"), token),
	}
}

// SendMessage posts one text message into a chat.
func (c *BotClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	_, err := c.call(ctx, "sendMessage", payload)
	return err
}

// RegisterWebhook points the platform's push delivery at url.
func (c *BotClient) RegisterWebhook(ctx context.Context, url string) error {
	_, err := c.call(ctx, "setWebhook", map[string]any{"url": url})
	return err
}

// DropWebhook removes the push registration so getUpdates works again.
func (c *BotClient) DropWebhook(ctx context.Context) error {
	_, err := c.call(ctx, "deleteWebhook", map[string]any{})
	return err
}

// GetUpdates long-polls for inbound updates past offset. timeout is the
// server-side hold time in seconds.
func (c *BotClient) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	payload := map[string]any{
		"offset":  offset,
		"timeout": timeout,
	}
	result, err := c.call(ctx, "getUpdates", payload)
	if err != nil {
		return nil, err
	}

	var updates []Update
	if err := json.Unmarshal(result, &updates); err != nil {
		return nil, fmt.Errorf("failed to decode updates: %w", err)
	}
	return updates, nil
}

func (c *BotClient) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call bot api %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("bot api %s returned non-successful status code: %d", method, resp.StatusCode)
	}

	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	if !envelope.OK {
		return nil, fmt.Errorf("bot api %s rejected the call: %s", method, envelope.Description)
	}

	return envelope.Result, nil
}
