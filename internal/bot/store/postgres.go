package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/botdock/botdock/internal/bot/models"
	apperrors "github.com/botdock/botdock/internal/common/errors"
	v1 "github.com/botdock/botdock/pkg/api/v1"
)

// PostgresStore provides PostgreSQL-based bot storage using pgx.
type PostgresStore struct {
	db      *sql.DB
	maxLogs int
}

// Ensure PostgresStore implements Store interface
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens a PostgreSQL connection and ensures the schema.
// If maxConns or minConns are 0, they default to 25 and 5 respectively.
func NewPostgresStore(dsn string, maxConns, minConns int) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, apperrors.Storage("open postgres database", err)
	}

	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(minConns)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, apperrors.Storage("ping postgres database", err)
	}

	s := &PostgresStore{db: db, maxLogs: defaultMaxLogsPerBot}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, apperrors.Storage("initialize postgres schema", err)
	}

	return s, nil
}

// initSchema creates the tables if they don't exist
func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bots (
		tenant_id TEXT NOT NULL,
		bot_id TEXT NOT NULL,
		name TEXT NOT NULL,
		source_code TEXT NOT NULL,
		token TEXT NOT NULL,
		status TEXT NOT NULL,
		webhook_url TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		started_at TIMESTAMPTZ,
		stopped_at TIMESTAMPTZ,
		PRIMARY KEY (tenant_id, bot_id)
	);

	CREATE INDEX IF NOT EXISTS idx_bots_bot_id ON bots(bot_id);

	CREATE TABLE IF NOT EXISTS bot_logs (
		id BIGSERIAL PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		bot_id TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bot_logs_bot ON bot_logs(tenant_id, bot_id, id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveBot creates or overwrites the record for (TenantID, BotID).
func (s *PostgresStore) SaveBot(ctx context.Context, rec *models.BotRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bots (tenant_id, bot_id, name, source_code, token, status, webhook_url, created_at, started_at, stopped_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (tenant_id, bot_id) DO UPDATE SET
			name = EXCLUDED.name,
			source_code = EXCLUDED.source_code,
			token = EXCLUDED.token,
			status = EXCLUDED.status,
			webhook_url = EXCLUDED.webhook_url,
			created_at = EXCLUDED.created_at,
			started_at = EXCLUDED.started_at,
			stopped_at = EXCLUDED.stopped_at
	`, rec.TenantID, rec.BotID, rec.Name, rec.SourceCode, rec.Token, rec.Status, rec.WebhookURL, rec.CreatedAt, rec.StartedAt, rec.StoppedAt)
	if err != nil {
		return apperrors.Storage("save bot", err)
	}
	return nil
}

// GetBot retrieves a record.
func (s *PostgresStore) GetBot(ctx context.Context, tenantID, botID string) (*models.BotRecord, error) {
	rec := &models.BotRecord{}

	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, bot_id, name, source_code, token, status, webhook_url, created_at, started_at, stopped_at
		FROM bots WHERE tenant_id = $1 AND bot_id = $2
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
func (s *PostgresStore) UpdateBot(ctx context.Context, rec *models.BotRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE bots SET name = $1, source_code = $2, token = $3, status = $4, webhook_url = $5, started_at = $6, stopped_at = $7
		WHERE tenant_id = $8 AND bot_id = $9
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
func (s *PostgresStore) ListBots(ctx context.Context, tenantID string) ([]*models.BotRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant_id, bot_id, name, source_code, token, status, webhook_url, created_at, started_at, stopped_at
		FROM bots WHERE tenant_id = $1 ORDER BY created_at
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
func (s *PostgresStore) ResolveTenant(ctx context.Context, botID string) (string, error) {
	var tenantID string
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id FROM bots WHERE bot_id = $1 ORDER BY created_at LIMIT 1
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
func (s *PostgresStore) AppendLogs(ctx context.Context, tenantID, botID string, entries []v1.LogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Storage("begin log transaction", err)
	}
	defer tx.Rollback()

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bot_logs (tenant_id, bot_id, timestamp, level, message)
			VALUES ($1, $2, $3, $4, $5)
		`, tenantID, botID, entry.Timestamp, entry.Level, entry.Message); err != nil {
			return apperrors.Storage("append bot log", err)
		}
	}

	// Drop rows past the retention cap, oldest first.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM bot_logs WHERE tenant_id = $1 AND bot_id = $2 AND id NOT IN (
			SELECT id FROM bot_logs WHERE tenant_id = $1 AND bot_id = $2 ORDER BY id DESC LIMIT $3
		)
	`, tenantID, botID, s.maxLogs); err != nil {
		return apperrors.Storage("trim bot log", err)
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Storage("commit bot log", err)
	}
	return nil
}

// ReadLogs returns up to limit of the most recent log lines, oldest first.
func (s *PostgresStore) ReadLogs(ctx context.Context, tenantID, botID string, limit int) ([]v1.LogEntry, error) {
	if limit <= 0 {
		limit = s.maxLogs
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, level, message FROM (
			SELECT id, timestamp, level, message FROM bot_logs
			WHERE tenant_id = $1 AND bot_id = $2 ORDER BY id DESC LIMIT $3
		) recent ORDER BY id ASC
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
func (s *PostgresStore) ClearLogs(ctx context.Context, tenantID, botID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM bot_logs WHERE tenant_id = $1 AND bot_id = $2
	`, tenantID, botID); err != nil {
		return apperrors.Storage("clear bot log", err)
	}
	return nil
}

// Commit is a no-op; writes are transactional and immediately visible.
func (s *PostgresStore) Commit(ctx context.Context) error { return nil }

// Reload is a no-op; reads always see committed rows.
func (s *PostgresStore) Reload(ctx context.Context) error { return nil }

// Close closes the database connection
func (s *PostgresStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close postgres database: %w", err)
	}
	return nil
}
