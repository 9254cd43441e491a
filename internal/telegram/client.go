// Package telegram is a minimal Telegram Bot API client covering the calls
// the relay needs: update delivery, forum topic management, and the three
// message-moving primitives (send, forward, copy).
//
// All methods return *APIError for Bot API-level failures, so callers can
// distinguish a transport refusal (user blocked the bot, topic already gone)
// from a network error.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const apiBase = "https://api.telegram.org"

// APIError is a structured error response from the Bot API.
//
//	var apiErr *telegram.APIError
//	if errors.As(err, &apiErr) && apiErr.Code == 403 { ... }
type APIError struct {
	// Code is the Bot API error_code (mirrors HTTP status in practice).
	Code int
	// Description is the human-readable error from Telegram.
	Description string
	// RetryAfter is set when Telegram asks the caller to back off (429).
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %d: %s", e.Code, e.Description)
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// Token is the bot token issued by BotFather.
	Token string
	// BaseURL overrides the production API endpoint. Used in tests.
	BaseURL string
	// HTTPClient is used for all requests. If nil, a client with a sane
	// timeout is constructed. Long-poll calls override the timeout per
	// request via context.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client talks to the Telegram Bot API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Bot API client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.Token == "" {
		return nil, fmt.Errorf("telegram: Token is required")
	}

	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = apiBase
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 90 * time.Second}
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      config.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// GetMe returns the bot's own account. Used as a startup sanity check that
// the token is valid and the API is reachable.
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	var me User
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return nil, err
	}
	return &me, nil
}

// GetUpdates long-polls for updates with ids greater than or equal to offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	request := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	var updates []Update
	if err := c.call(ctx, "getUpdates", request, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

// SendOption adjusts an outgoing sendMessage call.
type SendOption func(request map[string]any)

// WithThread targets a forum topic inside a supergroup.
func WithThread(topicID int64) SendOption {
	return func(request map[string]any) {
		request["message_thread_id"] = topicID
	}
}

// WithReplyTo makes the message a reply to another message.
func WithReplyTo(messageID int64) SendOption {
	return func(request map[string]any) {
		request["reply_parameters"] = map[string]any{"message_id": messageID}
	}
}

// SendMessage sends an HTML-formatted text message to a chat.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, opts ...SendOption) error {
	request := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	for _, opt := range opts {
		opt(request)
	}
	return c.call(ctx, "sendMessage", request, nil)
}

// CreateForumTopic opens a new topic in a forum supergroup and returns its
// thread id.
func (c *Client) CreateForumTopic(ctx context.Context, chatID int64, name string) (int64, error) {
	request := map[string]any{
		"chat_id": chatID,
		"name":    name,
	}
	var topic ForumTopic
	if err := c.call(ctx, "createForumTopic", request, &topic); err != nil {
		return 0, err
	}
	return topic.MessageThreadID, nil
}

// DeleteForumTopic deletes a topic along with all its messages.
func (c *Client) DeleteForumTopic(ctx context.Context, chatID, topicID int64) error {
	request := map[string]any{
		"chat_id":           chatID,
		"message_thread_id": topicID,
	}
	return c.call(ctx, "deleteForumTopic", request, nil)
}

// ForwardMessage forwards a message into a topic, preserving the original
// author attribution.
func (c *Client) ForwardMessage(ctx context.Context, toChatID, fromChatID, messageID, topicID int64) error {
	request := map[string]any{
		"chat_id":           toChatID,
		"from_chat_id":      fromChatID,
		"message_id":        messageID,
		"message_thread_id": topicID,
	}
	return c.call(ctx, "forwardMessage", request, nil)
}

// CopyMessage re-sends a message's content to a chat without the original
// author attribution. The relay uses this for agent replies so the agent's
// account stays hidden from the user.
func (c *Client) CopyMessage(ctx context.Context, toChatID, fromChatID, messageID int64) error {
	request := map[string]any{
		"chat_id":      toChatID,
		"from_chat_id": fromChatID,
		"message_id":   messageID,
	}
	return c.call(ctx, "copyMessage", request, nil)
}

// SetWebhook registers the webhook URL for update delivery.
func (c *Client) SetWebhook(ctx context.Context, webhookURL string) error {
	request := map[string]any{
		"url":             webhookURL,
		"allowed_updates": []string{"message"},
	}
	return c.call(ctx, "setWebhook", request, nil)
}

// DeleteWebhook removes a previously registered webhook so getUpdates works.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.call(ctx, "deleteWebhook", map[string]any{}, nil)
}

// call performs one Bot API method call. The result, when the caller wants
// one, is decoded from the response envelope into out.
func (c *Client) call(ctx context.Context, method string, requestBody any, out any) error {
	requestURL := c.baseURL + "/bot" + c.token + "/" + method

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return fmt.Errorf("telegram: encode %s request: %w", method, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, requestURL, bodyReader)
	if err != nil {
		return fmt.Errorf("telegram: create %s request: %w", method, err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("telegram: %s request failed: %w", method, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("telegram: read %s response: %w", method, err)
	}

	var envelope apiResponse
	if err := json.Unmarshal(responseBody, &envelope); err != nil {
		return fmt.Errorf("telegram: unexpected %d response from %s: %s",
			response.StatusCode, method, string(responseBody))
	}

	if !envelope.OK {
		apiErr := &APIError{
			Code:        envelope.ErrorCode,
			Description: envelope.Description,
		}
		if envelope.Parameters != nil && envelope.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(envelope.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}

	if out != nil {
		if err := json.Unmarshal(envelope.Result, out); err != nil {
			return fmt.Errorf("telegram: parse %s result: %w", method, err)
		}
	}
	return nil
}
