package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/botdock/botdock/internal/bot/models"
	apperrors "github.com/botdock/botdock/internal/common/errors"
	v1 "github.com/botdock/botdock/pkg/api/v1"
)

// SQLiteStore provides SQLite-based bot storage.
type SQLiteStore struct {
	db      *sql.DB
	maxLogs int
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, apperrors.Storage("open sqlite database", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, maxLogs: defaultMaxLogsPerBot}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Storage("initialize sqlite schema", err)
	}

	return s, nil
}

// initSchema creates the database tables if they don't exist
func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bots (
		tenant_id TEXT NOT NULL,
		bot_id TEXT NOT NULL,
		name TEXT NOT NULL,
		source_code TEXT NOT NULL,
		token TEXT NOT NULL,
		status TEXT NOT NULL,
		webhook_url TEXT DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		stopped_at DATETIME,
		PRIMARY KEY (tenant_id, bot_id)
	);

	CREATE INDEX IF NOT EXISTS idx_bots_bot_id ON bots(bot_id);

	CREATE TABLE IF NOT EXISTS bot_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_id TEXT NOT NULL,
		bot_id TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bot_logs_bot ON bot_logs(tenant_id, bot_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveBot creates or overwrites the record for (TenantID, BotID).
func (s *SQLiteStore) SaveBot(ctx context.Context, rec *models.BotRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (tenant_id, bot_id, name, source_code, token, status, webhook_url, created_at, started_at, stopped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, bot_id) DO UPDATE SET
			name = excluded.name,
			source_code = excluded.source_code,
			token = excluded.token,
			status = excluded.status,
			webhook_url = excluded.webhook_url,
			created_at = excluded.created_at,
			started_at = excluded.started_at,
			stopped_at = excluded.stopped_at
	`, rec.TenantID, rec.BotID, rec.Name, rec.SourceCode, rec.Token, rec.Status, rec.WebhookURL, rec.CreatedAt, rec.StartedAt, rec.StoppedAt)
	if err != nil {
		return apperrors.Storage("save bot", err)
	}
	return nil
}

// GetBot retrieves a record.
func (s *SQLiteStore) GetBot(ctx context.Context, tenantID, botID string) (*models.BotRecord, error) {
	rec := &models.BotRecord{}

	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, bot_id, name, source_code, token, status, webhook_url, created_at, started_at, stopped_at
		FROM bots WHERE tenant_id = ? AND bot_id = ?
	`, tenantID, botID).Scan(&rec.TenantID, &rec.BotID, &rec.Name, &rec.SourceCode, &rec.Token, &rec.Status, &rec.WebhookURL, &rec.CreatedAt, &rec.StartedAt, &rec.StoppedAt)

	if err == sql.ErrNoRows {
		return nil, apperrors.NotFound("bot", botID)
	}
	if err != nil {
		return nil, apperrors.Storage("get bot", err)
	}
	return rec, nil
}

// UpdateBot overwrites an existing record.
func (s *SQLiteStore) UpdateBot(ctx context.Context, rec *models.BotRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bots SET name = ?, source_code = ?, token = ?, status = ?, webhook_url = ?, started_at = ?, stopped_at = ?
		WHERE tenant_id = ? AND bot_id = ?
	`, rec.Name, rec.SourceCode, rec.Token, rec.Status, rec.WebhookURL, rec.StartedAt, rec.StoppedAt, rec.TenantID, rec.BotID)
	if err != nil {
		return apperrors.Storage("update bot", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return apperrors.NotFound("bot", rec.BotID)
	}
	return nil
}

// ListBots returns all records for a tenant.
func (s *SQLiteStore) ListBots(ctx context.Context, tenantID string) ([]*models.BotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, bot_id, name, source_code, token, status, webhook_url, created_at, started_at, stopped_at
		FROM bots WHERE tenant_id = ? ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, apperrors.Storage("list bots", err)
	}
	defer rows.Close()

	var result []*models.BotRecord
	for rows.Next() {
		rec := &models.BotRecord{}
		err := rows.Scan(&rec.TenantID, &rec.BotID, &rec.Name, &rec.SourceCode, &rec.Token, &rec.Status, &rec.WebhookURL, &rec.CreatedAt, &rec.StartedAt, &rec.StoppedAt)
		if err != nil {
			return nil, apperrors.Storage("scan bot row", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("list bots", err)
	}
	return result, nil
}

// ResolveTenant maps a bot id to its owning tenant through the bot_id index.
func (s *SQLiteStore) ResolveTenant(ctx context.Context, botID string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id FROM bots WHERE bot_id = ? ORDER BY created_at LIMIT 1
	`, botID).Scan(&tenantID)

	if err == sql.ErrNoRows {
		return "", apperrors.NotFound("bot", botID)
	}
	if err != nil {
		return "", apperrors.Storage("resolve bot tenant", err)
	}
	return tenantID, nil
}

// AppendLogs appends log lines for a bot, trimming to the retention cap.
func (s *SQLiteStore) AppendLogs(ctx context.Context, tenantID, botID string, entries []v1.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Storage("begin log transaction", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bot_logs (tenant_id, bot_id, timestamp, level, message)
			VALUES (?, ?, ?, ?, ?)
		`, tenantID, botID, entry.Timestamp, entry.Level, entry.Message); err != nil {
			return apperrors.Storage("append bot log", err)
		}
	}

	// Drop rows past the retention cap, oldest first.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM bot_logs WHERE tenant_id = ? AND bot_id = ? AND id NOT IN (
			SELECT id FROM bot_logs WHERE tenant_id = ? AND bot_id = ? ORDER BY id DESC LIMIT ?
		)
	`, tenantID, botID, tenantID, botID, s.maxLogs); err != nil {
		return apperrors.Storage("trim bot log", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Storage("commit bot log", err)
	}
	return nil
}

// ReadLogs returns up to limit of the most recent log lines, oldest first.
func (s *SQLiteStore) ReadLogs(ctx context.Context, tenantID, botID string, limit int) ([]v1.LogEntry, error) {
	if limit <= 0 {
		limit = s.maxLogs
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, level, message FROM (
			SELECT id, timestamp, level, message FROM bot_logs
			WHERE tenant_id = ? AND bot_id = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, tenantID, botID, limit)
	if err != nil {
		return nil, apperrors.Storage("read bot log", err)
	}
	defer rows.Close()

	var result []v1.LogEntry
	for rows.Next() {
		var entry v1.LogEntry
		if err := rows.Scan(&entry.Timestamp, &entry.Level, &entry.Message); err != nil {
			return nil, apperrors.Storage("scan bot log row", err)
		}
		result = append(result, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Storage("read bot log", err)
	}
	return result, nil
}

// ClearLogs discards all persisted log lines for a bot.
func (s *SQLiteStore) ClearLogs(ctx context.Context, tenantID, botID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM bot_logs WHERE tenant_id = ? AND bot_id = ?
	`, tenantID, botID); err != nil {
		return apperrors.Storage("clear bot log", err)
	}
	return nil
}

// Commit checkpoints the WAL so readers on other connections see the writes.
func (s *SQLiteStore) Commit(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return apperrors.Storage("checkpoint sqlite wal", err)
	}
	return nil
}

// Reload is a no-op; reads always see committed rows.
func (s *SQLiteStore) Reload(ctx context.Context) error { return nil }

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close sqlite database: %w", err)
	}
	return nil
}
