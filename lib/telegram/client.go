// Copyright 2026 The Masterfarm Authors
// SPDX-License-Identifier: Apache-2.0

package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// APIError is a non-ok response from the Bot API.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: API error %d: %s", e.Code, e.Description)
}

// envelope is the Bot API response wrapper.
type envelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result,omitempty"`
	Description string          `json:"description,omitempty"`
	ErrorCode   int             `json:"error_code,omitempty"`
}

// ClientConfig holds the parameters for creating a Client.
type ClientConfig struct {
	// APIBase is the Bot API base URL, without a trailing slash.
	// Default: https://api.telegram.org
	APIBase string

	// Token is the bot token. Required.
	Token string

	// SendRate caps outgoing messages per second across all chats.
	// Defaults to 25 if zero (below the global Bot API limit of 30).
	SendRate float64

	// HTTPClient overrides the transport. Defaults to a client with
	// no overall timeout; per-call deadlines come from the context.
	HTTPClient *http.Client

	// Logger receives request failures.
	Logger *slog.Logger
}

// Client is a minimal Bot API client covering what masterfarm needs:
// sending messages, long-polling updates, and acknowledging button
// taps. Safe for concurrent use.
type Client struct {
	apiBase    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewClient creates a Bot API client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: Token is required")
	}
	apiBase := cfg.APIBase
	if apiBase == "" {
		apiBase = "https://api.telegram.org"
	}
	sendRate := cfg.SendRate
	if sendRate <= 0 {
		sendRate = 25
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Client{
		apiBase:    apiBase,
		token:      cfg.Token,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Limit(sendRate), int(sendRate)),
		logger:     logger,
	}, nil
}

// call POSTs params to a Bot API method and decodes the result into
// result (which may be nil when the caller only cares about success).
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("telegram: marshal %s request: %w", method, err)
	}

	url := c.apiBase + "/bot" + c.token + "/" + method
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build %s request: %w", method, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("telegram: %s: %w", method, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return fmt.Errorf("telegram: reading %s response: %w", method, err)
	}

	var wrapped envelope
	if err := json.Unmarshal(payload, &wrapped); err != nil {
		return fmt.Errorf("telegram: decoding %s response (HTTP %d): %w", method, response.StatusCode, err)
	}
	if !wrapped.OK {
		return &APIError{Code: wrapped.ErrorCode, Description: wrapped.Description}
	}

	if result != nil {
		if err := json.Unmarshal(wrapped.Result, result); err != nil {
			return fmt.Errorf("telegram: decoding %s result: %w", method, err)
		}
	}
	return nil
}

// SendMessage sends text to a chat, optionally with an inline
// keyboard. Blocks on the rate limiter before sending.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, markup *InlineKeyboardMarkup) (Message, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Message{}, fmt.Errorf("telegram: rate limiter: %w", err)
	}

	var sent Message
	err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:      chatID,
		Text:        text,
		ReplyMarkup: markup,
	}, &sent)
	if err != nil {
		return Message{}, err
	}
	return sent, nil
}

// GetUpdates long-polls for updates after offset. The poll holds for
// up to timeout on the server side; the request context gets a
// slightly longer deadline so a dead connection still unblocks.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	var updates []Update
	err := c.call(pollCtx, "getUpdates", getUpdatesRequest{
		Offset:         offset,
		Timeout:        int(timeout.Seconds()),
		AllowedUpdates: []string{"message", "callback_query"},
	}, &updates)
	if err != nil {
		return nil, err
	}
	return updates, nil
}

// AnswerCallbackQuery acknowledges a button tap, optionally with a
// toast shown to the user.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	return c.call(ctx, "answerCallbackQuery", answerCallbackQueryRequest{
		CallbackQueryID: callbackID,
		Text:            text,
	}, nil)
}
