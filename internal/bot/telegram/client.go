// Package telegram is a minimal client for the Telegram Bot API, covering
// the webhook registration calls the lifecycle manager needs.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	apperrors "github.com/botdock/botdock/internal/common/errors"
	"github.com/botdock/botdock/internal/common/logger"
)

// Config configures the Telegram client.
type Config struct {
	// APIBaseURL is the Bot API endpoint, normally https://api.telegram.org.
	// Tests point it at a local server.
	APIBaseURL string

	// Timeout bounds each API call.
	Timeout time.Duration

	// AllowedUpdates restricts which update kinds Telegram pushes to the
	// webhook.
	AllowedUpdates []string
}

// Client calls the Telegram Bot API.
type Client struct {
	http    *resty.Client
	base    string
	allowed []string
	logger  *logger.Logger
}

// apiResponse is the envelope every Bot API method returns.
type apiResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
}

// NewClient creates a Telegram client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	base := strings.TrimRight(cfg.APIBaseURL, "/")
	if base == "" {
		base = "https://api.telegram.org"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		http:    resty.New().SetTimeout(timeout).SetHeader("Content-Type", "application/json"),
		base:    base,
		allowed: cfg.AllowedUpdates,
		logger:  log.WithFields(zap.String("component", "telegram-client")),
	}
}

// SetWebhook registers webhookURL for the bot identified by token.
func (c *Client) SetWebhook(ctx context.Context, token, webhookURL string) error {
	body := map[string]any{"url": webhookURL}
	if len(c.allowed) > 0 {
		body["allowed_updates"] = c.allowed
	}

	c.logger.Info("registering webhook",
		zap.String("token", RedactToken(token)),
		zap.String("webhook_url", webhookURL))

	return c.call(ctx, token, "setWebhook", body)
}

// DeleteWebhook removes the webhook for the bot identified by token.
func (c *Client) DeleteWebhook(ctx context.Context, token string) error {
	c.logger.Info("removing webhook", zap.String("token", RedactToken(token)))

	return c.call(ctx, token, "deleteWebhook", map[string]any{
		"drop_pending_updates": false,
	})
}

// call executes one Bot API method and decodes the response envelope.
func (c *Client) call(ctx context.Context, token, method string, body any) error {
	url := fmt.Sprintf("%s/bot%s/%s", c.base, token, method)

	var result apiResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post(url)
	if err != nil {
		return apperrors.Upstream(fmt.Sprintf("telegram %s request failed", method), err)
	}

	if resp.IsError() || !result.OK {
		desc := result.Description
		if desc == "" {
			desc = fmt.Sprintf("status %d", resp.StatusCode())
		}
		return apperrors.Upstream(fmt.Sprintf("telegram %s rejected: %s", method, desc), nil)
	}
	return nil
}

// RedactToken masks the secret part of a bot token for log output. Bot
// tokens look like "<numeric id>:<secret>"; the id survives, the secret
// does not.
func RedactToken(token string) string {
	if token == "" {
		return ""
	}
	if idx := strings.IndexByte(token, ':'); idx > 0 {
		return token[:idx] + ":***"
	}
	return "***"
}
