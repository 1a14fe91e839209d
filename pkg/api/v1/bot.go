package v1

import "time"

// BotStatus represents the lifecycle status of a bot record.
type BotStatus string

const (
	BotStatusStored  BotStatus = "stored"
	BotStatusRunning BotStatus = "running"
	BotStatusStopped BotStatus = "stopped"
)

// Valid reports whether s is a known status value.
func (s BotStatus) Valid() bool {
	switch s {
	case BotStatusStored, BotStatusRunning, BotStatusStopped:
		return true
	}
	return false
}

// Serving reports whether the status means a live instance should exist.
// "stored" and "stopped" are both "instance absent" for routing purposes.
func (s BotStatus) Serving() bool {
	return s == BotStatusRunning
}

// DeliveryMode selects how a running bot receives updates from the bot
// API: pushed to a webhook or pulled by long polling. It is an explicit
// launch parameter, never inferred from the bot's source.
type DeliveryMode string

const (
	DeliveryWebhook DeliveryMode = "webhook"
	DeliveryPolling DeliveryMode = "polling"
)

// Valid reports whether m is a known delivery mode.
func (m DeliveryMode) Valid() bool {
	return m == DeliveryWebhook || m == DeliveryPolling
}

// Bot is the public view of a bot record. The source and token are
// deliberately absent: the token never leaves the store.
type Bot struct {
	BotID      string     `json:"bot_id"`
	TenantID   string     `json:"user_id"`
	Name       string     `json:"name"`
	Status     BotStatus  `json:"status"`
	WebhookURL string     `json:"webhook_url,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	StoppedAt  *time.Time `json:"stopped_at,omitempty"`
}

// LogEntry is a single captured log line for a bot.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}
