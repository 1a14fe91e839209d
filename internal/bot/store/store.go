// Package store persists bot records, source code, and log lines, keyed by
// (tenant, bot). The store is the single source of truth: the instance
// registry and log aggregator are derived state that must be rebuildable
// from it after a restart.
package store

import (
	"context"

	"github.com/botdock/botdock/internal/bot/models"
	v1 "github.com/botdock/botdock/pkg/api/v1"
)

// Store defines the code store operations. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveBot creates or overwrites the record for (TenantID, BotID).
	// Repeated saves replace the prior record; there is no concurrency check.
	SaveBot(ctx context.Context, rec *models.BotRecord) error

	// GetBot retrieves a record. Returns a NOT_FOUND AppError if absent.
	GetBot(ctx context.Context, tenantID, botID string) (*models.BotRecord, error)

	// UpdateBot overwrites an existing record. Returns NOT_FOUND if absent.
	UpdateBot(ctx context.Context, rec *models.BotRecord) error

	// ListBots returns all records for a tenant.
	ListBots(ctx context.Context, tenantID string) ([]*models.BotRecord, error)

	// ResolveTenant maps a bot id to its owning tenant through a direct
	// index. Lookups never scan across tenants.
	ResolveTenant(ctx context.Context, botID string) (string, error)

	// AppendLogs appends log lines for a bot, best-effort durable.
	AppendLogs(ctx context.Context, tenantID, botID string, entries []v1.LogEntry) error

	// ReadLogs returns up to limit of the most recent log lines, oldest first.
	ReadLogs(ctx context.Context, tenantID, botID string, limit int) ([]v1.LogEntry, error)

	// ClearLogs discards all persisted log lines for a bot.
	ClearLogs(ctx context.Context, tenantID, botID string) error

	// Commit is a durability checkpoint, called after every mutating write
	// sequence.
	Commit(ctx context.Context) error

	// Reload picks up state committed by another execution context.
	Reload(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
