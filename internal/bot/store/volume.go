package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/botdock/botdock/internal/common/errors"

	"github.com/botdock/botdock/internal/bot/models"
	v1 "github.com/botdock/botdock/pkg/api/v1"
)

const (
	sourceFileName   = "main.src"
	metadataFileName = "metadata.json"
	logFileName      = "bot.log"
	indexFileName    = "index.json"

	// Log files are rewritten keeping the newest half once they pass this
	// size, so a chatty bot cannot fill the volume.
	maxLogFileBytes = 1 << 20
)

// VolumeStore persists bots on a filesystem volume:
//
//	<root>/bots/<tenant>/<bot>/{main.src, metadata.json, bot.log}
//	<root>/bots/index.json
//
// The index file is the direct botId -> tenant mapping; lookups never walk
// tenant directories. Commit flushes the index, Reload re-reads it.
type VolumeStore struct {
	root  string
	index map[string]string
	dirty bool
	mu    sync.RWMutex
}

var _ Store = (*VolumeStore)(nil)

// volumeMetadata is the on-disk record. Unlike the public views it carries
// the token; file permissions are the only guard, as with the original
// volume layout.
type volumeMetadata struct {
	BotID      string       `json:"bot_id"`
	TenantID   string       `json:"user_id"`
	Name       string       `json:"name"`
	Token      string       `json:"bot_token"`
	Status     v1.BotStatus `json:"status"`
	WebhookURL string       `json:"webhook_url,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	StoppedAt  *time.Time   `json:"stopped_at,omitempty"`
}

// NewVolumeStore opens (creating if needed) a volume store rooted at dir.
func NewVolumeStore(dir string) (*VolumeStore, error) {
	root := filepath.Join(filepath.Clean(dir), "bots")
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, apperrors.Storage(fmt.Sprintf("ensure volume directory %q", root), err)
	}

	s := &VolumeStore{root: root, index: make(map[string]string)}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *VolumeStore) botDir(tenantID, botID string) string {
	return filepath.Join(s.root, tenantID, botID)
}

// loadIndex reads index.json, or rebuilds it by scanning the volume once
// when the file is missing (first boot, or an index lost to a crash).
func (s *VolumeStore) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.root, indexFileName))
	if err == nil {
		return json.Unmarshal(data, &s.index)
	}
	if !os.IsNotExist(err) {
		return apperrors.Storage("read bot index", err)
	}

	tenants, err := os.ReadDir(s.root)
	if err != nil {
		return apperrors.Storage("scan volume for index rebuild", err)
	}
	for _, tenant := range tenants {
		if !tenant.IsDir() {
			continue
		}
		bots, err := os.ReadDir(filepath.Join(s.root, tenant.Name()))
		if err != nil {
			continue
		}
		for _, bot := range bots {
			if bot.IsDir() {
				if _, ok := s.index[bot.Name()]; !ok {
					s.index[bot.Name()] = tenant.Name()
				}
			}
		}
	}
	s.dirty = true
	return nil
}

// writeIndexLocked writes index.json atomically. Callers hold s.mu.
func (s *VolumeStore) writeIndexLocked() error {
	data, err := json.MarshalIndent(s.index, "", "  ")
	if err != nil {
		return apperrors.Storage("encode bot index", err)
	}

	path := filepath.Join(s.root, indexFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return apperrors.Storage("write bot index", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return apperrors.Storage("replace bot index", err)
	}
	s.dirty = false
	return nil
}

// SaveBot writes the source and metadata for a bot, verifying the source
// read-back matches what was written.
func (s *VolumeStore) SaveBot(ctx context.Context, rec *models.BotRecord) error {
	dir := s.botDir(rec.TenantID, rec.BotID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return apperrors.Storage(fmt.Sprintf("create bot directory %q", dir), err)
	}

	srcPath := filepath.Join(dir, sourceFileName)
	if err := os.WriteFile(srcPath, []byte(rec.SourceCode), 0o600); err != nil {
		return apperrors.Storage("write bot source", err)
	}

	// Verify the write round-trips before declaring the bot stored.
	stored, err := os.ReadFile(srcPath)
	if err != nil {
		return apperrors.Storage("verify bot source after write", err)
	}
	if !bytes.Equal(stored, []byte(rec.SourceCode)) {
		return apperrors.Storage("bot source verification mismatch after write", nil)
	}

	if err := s.writeMetadata(dir, rec); err != nil {
		return err
	}

	s.mu.Lock()
	if _, ok := s.index[rec.BotID]; !ok {
		s.index[rec.BotID] = rec.TenantID
	}
	s.dirty = true
	s.mu.Unlock()

	return nil
}

func (s *VolumeStore) writeMetadata(dir string, rec *models.BotRecord) error {
	meta := volumeMetadata{
		BotID:      rec.BotID,
		TenantID:   rec.TenantID,
		Name:       rec.Name,
		Token:      rec.Token,
		Status:     rec.Status,
		WebhookURL: rec.WebhookURL,
		CreatedAt:  rec.CreatedAt,
		StartedAt:  rec.StartedAt,
		StoppedAt:  rec.StoppedAt,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return apperrors.Storage("encode bot metadata", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFileName), data, 0o600); err != nil {
		return apperrors.Storage("write bot metadata", err)
	}
	return nil
}

// GetBot retrieves a record from the volume.
func (s *VolumeStore) GetBot(ctx context.Context, tenantID, botID string) (*models.BotRecord, error) {
	dir := s.botDir(tenantID, botID)

	metaData, err := os.ReadFile(filepath.Join(dir, metadataFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NotFound("bot", botID)
		}
		return nil, apperrors.Storage("read bot metadata", err)
	}

	var meta volumeMetadata
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return nil, apperrors.Storage("decode bot metadata", err)
	}

	source, err := os.ReadFile(filepath.Join(dir, sourceFileName))
	if err != nil {
		return nil, apperrors.Storage("read bot source", err)
	}

	return &models.BotRecord{
		BotID:      meta.BotID,
		TenantID:   meta.TenantID,
		Name:       meta.Name,
		SourceCode: string(source),
		Token:      meta.Token,
		Status:     meta.Status,
		WebhookURL: meta.WebhookURL,
		CreatedAt:  meta.CreatedAt,
		StartedAt:  meta.StartedAt,
		StoppedAt:  meta.StoppedAt,
	}, nil
}

// UpdateBot overwrites an existing record.
func (s *VolumeStore) UpdateBot(ctx context.Context, rec *models.BotRecord) error {
	dir := s.botDir(rec.TenantID, rec.BotID)
	if _, err := os.Stat(filepath.Join(dir, metadataFileName)); err != nil {
		if os.IsNotExist(err) {
			return apperrors.NotFound("bot", rec.BotID)
		}
		return apperrors.Storage("stat bot metadata", err)
	}
	return s.SaveBot(ctx, rec)
}

// ListBots returns all records for a tenant.
func (s *VolumeStore) ListBots(ctx context.Context, tenantID string) ([]*models.BotRecord, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Storage("list tenant bots", err)
	}

	var result []*models.BotRecord
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.GetBot(ctx, tenantID, entry.Name())
		if err != nil {
			continue
		}
		result = append(result, rec)
	}
	return result, nil
}

// ResolveTenant maps a bot id to its owning tenant via the index.
func (s *VolumeStore) ResolveTenant(ctx context.Context, botID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tenantID, ok := s.index[botID]
	if !ok {
		return "", apperrors.NotFound("bot", botID)
	}
	return tenantID, nil
}

// AppendLogs appends JSON-encoded log lines to the bot's log file.
func (s *VolumeStore) AppendLogs(ctx context.Context, tenantID, botID string, entries []v1.LogEntry) error {
	dir := s.botDir(tenantID, botID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return apperrors.Storage("create bot directory for logs", err)
	}
	path := filepath.Join(dir, logFileName)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return apperrors.Storage("open bot log", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, entry := range entries {
		line, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		return apperrors.Storage("append bot log", err)
	}

	if info, err := f.Stat(); err == nil && info.Size() > maxLogFileBytes {
		s.trimLogFile(path)
	}
	return nil
}

// trimLogFile rewrites the log keeping the newest half of the lines.
func (s *VolumeStore) trimLogFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	lines := bytes.Split(data, []byte{'\n'})
	keep := lines[len(lines)/2:]
	_ = os.WriteFile(path, bytes.Join(keep, []byte{'\n'}), 0o600)
}

// ReadLogs returns up to limit of the most recent log lines, oldest first.
func (s *VolumeStore) ReadLogs(ctx context.Context, tenantID, botID string, limit int) ([]v1.LogEntry, error) {
	path := filepath.Join(s.botDir(tenantID, botID), logFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.Storage("read bot log", err)
	}

	var entries []v1.LogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var entry v1.LogEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}

	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// ClearLogs removes the bot's log file.
func (s *VolumeStore) ClearLogs(ctx context.Context, tenantID, botID string) error {
	err := os.Remove(filepath.Join(s.botDir(tenantID, botID), logFileName))
	if err != nil && !os.IsNotExist(err) {
		return apperrors.Storage("clear bot log", err)
	}
	return nil
}

// Commit flushes the index to disk if it changed since the last commit.
func (s *VolumeStore) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.writeIndexLocked()
}

// Reload re-reads the index from disk, picking up writes committed by
// another execution context sharing the volume.
func (s *VolumeStore) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(filepath.Join(s.root, indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Storage("reload bot index", err)
	}

	index := make(map[string]string)
	if err := json.Unmarshal(data, &index); err != nil {
		return apperrors.Storage("decode bot index", err)
	}
	s.index = index
	return nil
}

// Close flushes any pending index write.
func (s *VolumeStore) Close() error {
	return s.Commit(context.Background())
}
