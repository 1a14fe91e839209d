package store

import (
	"context"
	"sync"

	apperrors "github.com/botdock/botdock/internal/common/errors"

	"github.com/botdock/botdock/internal/bot/models"
	v1 "github.com/botdock/botdock/pkg/api/v1"
)

const defaultMaxLogsPerBot = 5000

// MemoryStore provides in-memory bot storage, used in tests and dev mode.
type MemoryStore struct {
	bots    map[string]map[string]*models.BotRecord // tenant -> bot -> record
	index   map[string]string                       // bot -> tenant
	logs    map[string][]v1.LogEntry                // tenant/bot -> lines
	maxLogs int
	mu      sync.RWMutex
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bots:    make(map[string]map[string]*models.BotRecord),
		index:   make(map[string]string),
		logs:    make(map[string][]v1.LogEntry),
		maxLogs: defaultMaxLogsPerBot,
	}
}

func logKey(tenantID, botID string) string {
	return tenantID + "/" + botID
}

// SaveBot creates or overwrites the record for (TenantID, BotID).
func (s *MemoryStore) SaveBot(ctx context.Context, rec *models.BotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant, ok := s.bots[rec.TenantID]
	if !ok {
		tenant = make(map[string]*models.BotRecord)
		s.bots[rec.TenantID] = tenant
	}
	tenant[rec.BotID] = rec.Clone()

	// First writer wins the index slot; bot ids are expected to be unique
	// across tenants in practice.
	if _, ok := s.index[rec.BotID]; !ok {
		s.index[rec.BotID] = rec.TenantID
	}
	return nil
}

// GetBot retrieves a record.
func (s *MemoryStore) GetBot(ctx context.Context, tenantID, botID string) (*models.BotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.bots[tenantID][botID]
	if !ok {
		return nil, apperrors.NotFound("bot", botID)
	}
	return rec.Clone(), nil
}

// UpdateBot overwrites an existing record.
func (s *MemoryStore) UpdateBot(ctx context.Context, rec *models.BotRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bots[rec.TenantID][rec.BotID]; !ok {
		return apperrors.NotFound("bot", rec.BotID)
	}
	s.bots[rec.TenantID][rec.BotID] = rec.Clone()
	return nil
}

// ListBots returns all records for a tenant.
func (s *MemoryStore) ListBots(ctx context.Context, tenantID string) ([]*models.BotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.BotRecord, 0, len(s.bots[tenantID]))
	for _, rec := range s.bots[tenantID] {
		result = append(result, rec.Clone())
	}
	return result, nil
}

// ResolveTenant maps a bot id to its owning tenant.
func (s *MemoryStore) ResolveTenant(ctx context.Context, botID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenantID, ok := s.index[botID]
	if !ok {
		return "", apperrors.NotFound("bot", botID)
	}
	return tenantID, nil
}

// AppendLogs appends log lines for a bot, trimming to the retention cap.
func (s *MemoryStore) AppendLogs(ctx context.Context, tenantID, botID string, entries []v1.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := logKey(tenantID, botID)
	lines := append(s.logs[key], entries...)
	if len(lines) > s.maxLogs {
		lines = lines[len(lines)-s.maxLogs:]
	}
	s.logs[key] = lines
	return nil
}

// ReadLogs returns up to limit of the most recent log lines, oldest first.
func (s *MemoryStore) ReadLogs(ctx context.Context, tenantID, botID string, limit int) ([]v1.LogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lines := s.logs[logKey(tenantID, botID)]
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	result := make([]v1.LogEntry, len(lines))
	copy(result, lines)
	return result, nil
}

// ClearLogs discards all persisted log lines for a bot.
func (s *MemoryStore) ClearLogs(ctx context.Context, tenantID, botID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, logKey(tenantID, botID))
	return nil
}

// Commit is a no-op for the in-memory store.
func (s *MemoryStore) Commit(ctx context.Context) error { return nil }

// Reload is a no-op for the in-memory store.
func (s *MemoryStore) Reload(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }
