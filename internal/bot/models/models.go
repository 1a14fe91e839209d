// Package models defines the stored bot record.
package models

import (
	"time"

	v1 "github.com/botdock/botdock/pkg/api/v1"
)

// BotRecord is the persistent record for one bot, uniquely addressed by
// (TenantID, BotID). BotIDs are caller-assigned and unique within a tenant.
type BotRecord struct {
	BotID    string `json:"bot_id"`
	TenantID string `json:"user_id"`
	Name     string `json:"name"`

	// SourceCode is the full text of the bot's executable program.
	SourceCode string `json:"-"`

	// Token authenticates the bot to the external bot API. It is a secret:
	// it is stored, never logged in cleartext, and never returned by the
	// public API.
	Token string `json:"-"`

	Status v1.BotStatus `json:"status"`

	// WebhookURL is present only while Status is running.
	WebhookURL string `json:"webhook_url,omitempty"`

	// Transition timestamps. Set at the corresponding transition, never
	// retroactively cleared.
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
}

// View returns the public representation of the record.
func (r *BotRecord) View() v1.Bot {
	return v1.Bot{
		BotID:      r.BotID,
		TenantID:   r.TenantID,
		Name:       r.Name,
		Status:     r.Status,
		WebhookURL: r.WebhookURL,
		CreatedAt:  r.CreatedAt,
		StartedAt:  r.StartedAt,
		StoppedAt:  r.StoppedAt,
	}
}

// Clone returns a deep copy so callers can mutate without racing the store.
func (r *BotRecord) Clone() *BotRecord {
	c := *r
	if r.StartedAt != nil {
		t := *r.StartedAt
		c.StartedAt = &t
	}
	if r.StoppedAt != nil {
		t := *r.StoppedAt
		c.StoppedAt = &t
	}
	return &c
}
