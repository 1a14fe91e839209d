// Package api provides HTTP handlers for the bot manager API.
package api

import (
	v1 "github.com/botdock/botdock/pkg/api/v1"
)

// CreateBotRequest for storing a new bot
type CreateBotRequest struct {
	BotID  string `json:"bot_id,omitempty"`
	Name   string `json:"name"`
	Source string `json:"source" binding:"required"`
	Token  string `json:"token" binding:"required"`
}

// StartBotRequest for starting a bot
type StartBotRequest struct {
	DeliveryMode v1.DeliveryMode `json:"delivery_mode"`
}

// UpdateCodeRequest for replacing a bot's source
type UpdateCodeRequest struct {
	Source string `json:"source" binding:"required"`
}

// StopBotResponse reports a stop operation
type StopBotResponse struct {
	Stopped bool   `json:"stopped"`
	Bot     v1.Bot `json:"bot"`
}

// LogsResponse carries a bot's recent log lines
type LogsResponse struct {
	BotID string        `json:"bot_id"`
	Lines []v1.LogEntry `json:"lines"`
}

// SuccessResponse is the envelope every successful request returns
type SuccessResponse struct {
	Success bool `json:"success"`
	Data    any  `json:"data"`
}

// FilesResponse carries a bot's stored source text
type FilesResponse struct {
	BotID  string `json:"bot_id"`
	Source string `json:"source"`
}

// ErrorResponse is the envelope every failed request returns
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code"`
}
