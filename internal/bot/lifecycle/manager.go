// Package lifecycle owns bot state transitions: create, start, stop,
// webhook registration, and code updates. It is the only writer of bot
// records and the only caller of runtime Spawn and Shutdown.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/botdock/botdock/internal/bot/logbuf"
	"github.com/botdock/botdock/internal/bot/models"
	"github.com/botdock/botdock/internal/bot/registry"
	"github.com/botdock/botdock/internal/bot/runtime"
	"github.com/botdock/botdock/internal/bot/store"
	apperrors "github.com/botdock/botdock/internal/common/errors"
	"github.com/botdock/botdock/internal/common/logger"
	"github.com/botdock/botdock/internal/events"
	"github.com/botdock/botdock/internal/events/bus"
	v1 "github.com/botdock/botdock/pkg/api/v1"
)

// WebhookClient registers and removes webhooks with the external bot API.
type WebhookClient interface {
	SetWebhook(ctx context.Context, token, webhookURL string) error
	DeleteWebhook(ctx context.Context, token string) error
}

// CreateRequest contains parameters for storing a new bot.
type CreateRequest struct {
	TenantID string
	BotID    string // optional; generated when empty
	Name     string
	Source   string
	Token    string
}

// Manager coordinates the store, registry, runtime, and webhook client.
type Manager struct {
	store    store.Store
	registry *registry.Registry
	runtime  runtime.Runtime
	webhooks WebhookClient
	logs     *logbuf.Aggregator
	eventBus bus.EventBus
	logger   *logger.Logger

	// publicBaseURL is the externally reachable base used to build webhook
	// URLs, e.g. https://bots.example.com.
	publicBaseURL string

	// Per-bot locks serialize lifecycle transitions so concurrent starts
	// and stops of the same bot cannot interleave.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

// NewManager creates a lifecycle manager.
func NewManager(
	st store.Store,
	reg *registry.Registry,
	rt runtime.Runtime,
	webhooks WebhookClient,
	logs *logbuf.Aggregator,
	eventBus bus.EventBus,
	publicBaseURL string,
	log *logger.Logger,
) *Manager {
	return &Manager{
		store:         st,
		registry:      reg,
		runtime:       rt,
		webhooks:      webhooks,
		logs:          logs,
		eventBus:      eventBus,
		publicBaseURL: publicBaseURL,
		logger:        log.WithFields(zap.String("component", "lifecycle-manager")),
		locks:         make(map[string]*sync.Mutex),
	}
}

// lockBot returns the mutex serializing transitions for one bot.
func (m *Manager) lockBot(botID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	mu, ok := m.locks[botID]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[botID] = mu
	}
	return mu
}

// WebhookURL returns the public webhook endpoint for a bot.
func (m *Manager) WebhookURL(botID string) string {
	return fmt.Sprintf("%s/webhook/%s", m.publicBaseURL, botID)
}

// Create validates and stores a new bot. The bot is not started; its
// status is "stored" until the first Start.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*v1.Bot, error) {
	if req.TenantID == "" {
		return nil, apperrors.ValidationError("tenant_id", "tenant id is required")
	}
	if req.Source == "" {
		return nil, apperrors.ValidationError("source", "bot source is required")
	}
	if req.Token == "" {
		return nil, apperrors.ValidationError("token", "bot token is required")
	}
	if req.BotID == "" {
		req.BotID = uuid.New().String()
	}
	if req.Name == "" {
		req.Name = req.BotID
	}

	rec := &models.BotRecord{
		BotID:      req.BotID,
		TenantID:   req.TenantID,
		Name:       req.Name,
		SourceCode: req.Source,
		Token:      req.Token,
		Status:     v1.BotStatusStored,
		CreatedAt:  time.Now().UTC(),
	}

	if err := m.store.SaveBot(ctx, rec); err != nil {
		return nil, err
	}
	if err := m.store.Commit(ctx); err != nil {
		return nil, err
	}

	m.logger.Info("bot created",
		zap.String("bot_id", rec.BotID),
		zap.String("tenant_id", rec.TenantID))
	m.publishEvent(ctx, events.BotCreated, rec)

	view := rec.View()
	return &view, nil
}

// Start spawns an instance for a stored or stopped bot and, in webhook
// mode, registers its webhook. A bot that is already running is restarted.
func (m *Manager) Start(ctx context.Context, tenantID, botID string, mode v1.DeliveryMode) (*v1.Bot, error) {
	if !mode.Valid() {
		return nil, apperrors.ValidationError("delivery_mode", fmt.Sprintf("unknown delivery mode %q", mode))
	}

	mu := m.lockBot(botID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.GetBot(ctx, tenantID, botID)
	if err != nil {
		return nil, err
	}

	return m.startLocked(ctx, rec, mode)
}

// startLocked performs the start transition. The caller holds the bot lock.
func (m *Manager) startLocked(ctx context.Context, rec *models.BotRecord, mode v1.DeliveryMode) (*v1.Bot, error) {
	// Replace any live instance: at most one per bot.
	if handle, ok := m.registry.Remove(rec.BotID); ok {
		if err := handle.Instance.Shutdown(ctx); err != nil {
			m.logger.Warn("failed to shut down previous instance",
				zap.String("bot_id", rec.BotID),
				zap.Error(err))
		}
	}

	inst, err := m.runtime.Spawn(ctx, runtime.Spec{
		BotID:        rec.BotID,
		TenantID:     rec.TenantID,
		Source:       rec.SourceCode,
		Token:        rec.Token,
		DeliveryMode: mode,
		Logs:         m.logs.Sink(rec.BotID),
	})
	if err != nil {
		m.logs.Line(rec.BotID, "error", fmt.Sprintf("failed to start: %v", err))
		m.publishEvent(ctx, events.BotFailed, rec)
		return nil, err
	}

	// Without a public base URL there is nothing routable to register, so
	// webhook-mode bots run unregistered.
	if mode == v1.DeliveryWebhook && m.publicBaseURL != "" {
		webhookURL := m.WebhookURL(rec.BotID)
		if err := m.webhooks.SetWebhook(ctx, rec.Token, webhookURL); err != nil {
			_ = inst.Shutdown(ctx)
			m.logs.Line(rec.BotID, "error", fmt.Sprintf("webhook registration failed: %v", err))
			m.publishEvent(ctx, events.BotFailed, rec)
			return nil, err
		}
		rec.WebhookURL = webhookURL
	} else {
		rec.WebhookURL = ""
	}

	m.registry.Put(ctx, rec.BotID, rec.TenantID, inst)

	now := time.Now().UTC()
	rec.Status = v1.BotStatusRunning
	rec.StartedAt = &now
	if err := m.store.UpdateBot(ctx, rec); err != nil {
		return nil, err
	}
	if err := m.store.Commit(ctx); err != nil {
		return nil, err
	}

	m.logger.Info("bot started",
		zap.String("bot_id", rec.BotID),
		zap.String("tenant_id", rec.TenantID),
		zap.String("delivery_mode", string(mode)))
	m.publishEvent(ctx, events.BotStarted, rec)

	view := rec.View()
	return &view, nil
}

// Stop shuts down a bot's instance and removes its webhook. Stopping a bot
// that is not running is not an error; the returned flag reports whether an
// instance was actually stopped.
func (m *Manager) Stop(ctx context.Context, tenantID, botID string) (bool, *v1.Bot, error) {
	mu := m.lockBot(botID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.GetBot(ctx, tenantID, botID)
	if err != nil {
		return false, nil, err
	}

	stopped, err := m.stopLocked(ctx, rec)
	if err != nil {
		return stopped, nil, err
	}

	view := rec.View()
	return stopped, &view, nil
}

// stopLocked performs the stop transition. The caller holds the bot lock.
func (m *Manager) stopLocked(ctx context.Context, rec *models.BotRecord) (bool, error) {
	handle, live := m.registry.Remove(rec.BotID)

	if live {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := handle.Instance.Shutdown(shutdownCtx); err != nil {
			m.logger.Warn("instance shutdown reported error",
				zap.String("bot_id", rec.BotID),
				zap.Error(err))
		}
		cancel()
	}

	if rec.WebhookURL != "" {
		if err := m.webhooks.DeleteWebhook(ctx, rec.Token); err != nil {
			// The instance is already down; losing the webhook removal is
			// logged, not fatal.
			m.logger.Warn("failed to remove webhook",
				zap.String("bot_id", rec.BotID),
				zap.Error(err))
		}
	}

	// Persist the captured log tail before the ring is cleared.
	if tail := m.logs.Tail(rec.BotID, 0); len(tail) > 0 {
		if err := m.store.AppendLogs(ctx, rec.TenantID, rec.BotID, tail); err != nil {
			m.logger.Warn("failed to persist log tail",
				zap.String("bot_id", rec.BotID),
				zap.Error(err))
		} else {
			m.logs.Clear(rec.BotID)
		}
	}

	if !live && rec.Status != v1.BotStatusRunning {
		return false, nil
	}

	now := time.Now().UTC()
	rec.Status = v1.BotStatusStopped
	rec.StoppedAt = &now
	rec.WebhookURL = ""
	if err := m.store.UpdateBot(ctx, rec); err != nil {
		return live, err
	}
	if err := m.store.Commit(ctx); err != nil {
		return live, err
	}

	m.logger.Info("bot stopped",
		zap.String("bot_id", rec.BotID),
		zap.String("tenant_id", rec.TenantID))
	m.publishEvent(ctx, events.BotStopped, rec)

	// A persisted-running record with no live handle (post restart) still
	// transitions to stopped, but nothing was terminated.
	return live, nil
}

// RegisterWebhook registers the bot's webhook with the external bot API
// without restarting the instance.
func (m *Manager) RegisterWebhook(ctx context.Context, tenantID, botID string) (*v1.Bot, error) {
	if m.publicBaseURL == "" {
		return nil, apperrors.ValidationError("public_base_url", "no public base URL configured")
	}

	mu := m.lockBot(botID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.GetBot(ctx, tenantID, botID)
	if err != nil {
		return nil, err
	}

	webhookURL := m.WebhookURL(botID)
	if err := m.webhooks.SetWebhook(ctx, rec.Token, webhookURL); err != nil {
		return nil, err
	}

	rec.WebhookURL = webhookURL
	if err := m.store.UpdateBot(ctx, rec); err != nil {
		return nil, err
	}
	if err := m.store.Commit(ctx); err != nil {
		return nil, err
	}

	view := rec.View()
	return &view, nil
}

// UnregisterWebhook removes the bot's webhook from the external bot API.
func (m *Manager) UnregisterWebhook(ctx context.Context, tenantID, botID string) (*v1.Bot, error) {
	mu := m.lockBot(botID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.GetBot(ctx, tenantID, botID)
	if err != nil {
		return nil, err
	}

	if err := m.webhooks.DeleteWebhook(ctx, rec.Token); err != nil {
		return nil, err
	}

	rec.WebhookURL = ""
	if err := m.store.UpdateBot(ctx, rec); err != nil {
		return nil, err
	}
	if err := m.store.Commit(ctx); err != nil {
		return nil, err
	}

	view := rec.View()
	return &view, nil
}

// UpdateCode replaces a bot's source. A running bot is stopped first and
// restarted on the new code; if the restart fails the new code is kept and
// the bot is left stopped, with the failure reported to the caller.
func (m *Manager) UpdateCode(ctx context.Context, tenantID, botID, source string) (*v1.Bot, error) {
	if source == "" {
		return nil, apperrors.ValidationError("source", "bot source is required")
	}

	mu := m.lockBot(botID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.GetBot(ctx, tenantID, botID)
	if err != nil {
		return nil, err
	}

	wasRunning := rec.Status == v1.BotStatusRunning
	mode := deliveryModeOf(rec)

	if wasRunning {
		if _, err := m.stopLocked(ctx, rec); err != nil {
			return nil, err
		}
	}

	rec.SourceCode = source
	if err := m.store.UpdateBot(ctx, rec); err != nil {
		return nil, err
	}
	if err := m.store.Commit(ctx); err != nil {
		return nil, err
	}

	// Old logs describe the old code.
	if err := m.store.ClearLogs(ctx, tenantID, botID); err != nil {
		m.logger.Warn("failed to clear persisted logs",
			zap.String("bot_id", botID),
			zap.Error(err))
	}
	m.logs.Clear(botID)

	m.publishEvent(ctx, events.BotUpdated, rec)

	if wasRunning {
		if _, err := m.startLocked(ctx, rec, mode); err != nil {
			m.logger.Warn("bot failed to restart on updated code",
				zap.String("bot_id", botID),
				zap.Error(err))
			view := rec.View()
			return &view, err
		}
	}

	view := rec.View()
	return &view, nil
}

// Source returns a bot's stored source text.
func (m *Manager) Source(ctx context.Context, tenantID, botID string) (string, error) {
	rec, err := m.store.GetBot(ctx, tenantID, botID)
	if err != nil {
		return "", err
	}
	return rec.SourceCode, nil
}

// Loaded returns the number of live bot instances.
func (m *Manager) Loaded() int {
	return m.registry.Len()
}

// Status returns the public view of a bot.
func (m *Manager) Status(ctx context.Context, tenantID, botID string) (*v1.Bot, error) {
	rec, err := m.store.GetBot(ctx, tenantID, botID)
	if err != nil {
		return nil, err
	}
	view := rec.View()
	return &view, nil
}

// List returns the public views of all of a tenant's bots.
func (m *Manager) List(ctx context.Context, tenantID string) ([]v1.Bot, error) {
	recs, err := m.store.ListBots(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	views := make([]v1.Bot, 0, len(recs))
	for _, rec := range recs {
		views = append(views, rec.View())
	}
	return views, nil
}

// Logs returns up to limit recent log lines for a bot: the persisted lines
// from earlier runs followed by the live ring buffer, oldest first.
func (m *Manager) Logs(ctx context.Context, tenantID, botID string, limit int) ([]v1.LogEntry, error) {
	if _, err := m.store.GetBot(ctx, tenantID, botID); err != nil {
		return nil, err
	}

	persisted, err := m.store.ReadLogs(ctx, tenantID, botID, limit)
	if err != nil {
		return nil, err
	}
	live := m.logs.Tail(botID, limit)

	merged := append(persisted, live...)
	if limit > 0 && len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged, nil
}

// EnsureRunning returns a live instance for a bot, respawning it from the
// store when the registry lost it (for example after a manager restart).
// Bots whose persisted status is not running are not revived.
func (m *Manager) EnsureRunning(ctx context.Context, botID string) (*registry.Handle, error) {
	if handle, ok := m.registry.Get(botID); ok {
		return handle, nil
	}

	tenantID, err := m.store.ResolveTenant(ctx, botID)
	if err != nil {
		return nil, err
	}

	mu := m.lockBot(botID)
	mu.Lock()
	defer mu.Unlock()

	// Re-check after taking the lock: a racing request may have revived it.
	if handle, ok := m.registry.Get(botID); ok {
		return handle, nil
	}

	rec, err := m.store.GetBot(ctx, tenantID, botID)
	if err != nil {
		return nil, err
	}
	if rec.Status != v1.BotStatusRunning {
		return nil, apperrors.NotFound("running bot", botID)
	}

	m.logger.Info("reviving bot from store",
		zap.String("bot_id", botID),
		zap.String("tenant_id", tenantID))

	if _, err := m.startLocked(ctx, rec, deliveryModeOf(rec)); err != nil {
		return nil, err
	}

	handle, ok := m.registry.Get(botID)
	if !ok {
		return nil, apperrors.InternalError("bot instance vanished after revive", nil)
	}
	return handle, nil
}

// Shutdown stops all live instances. Persisted statuses are left as
// running so bots revive on the next webhook after a restart.
func (m *Manager) Shutdown(ctx context.Context) {
	m.logger.Info("stopping all bot instances", zap.Int("count", m.registry.Len()))
	m.registry.ShutdownAll(ctx)
}

// deliveryModeOf recovers the delivery mode a record was last started
// with. A registered webhook URL means webhook mode.
func deliveryModeOf(rec *models.BotRecord) v1.DeliveryMode {
	if rec.WebhookURL != "" {
		return v1.DeliveryWebhook
	}
	return v1.DeliveryPolling
}

// publishEvent publishes a bot lifecycle event to the event bus.
func (m *Manager) publishEvent(ctx context.Context, eventType string, rec *models.BotRecord) {
	if m.eventBus == nil {
		return
	}

	data := map[string]interface{}{
		"bot_id":    rec.BotID,
		"tenant_id": rec.TenantID,
		"status":    string(rec.Status),
	}

	event := bus.NewEvent(eventType, "bot-manager", data)
	if err := m.eventBus.Publish(ctx, eventType, event); err != nil {
		m.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.String("bot_id", rec.BotID),
			zap.Error(err))
	}
}
