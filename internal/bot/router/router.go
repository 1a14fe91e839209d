// Package router delivers incoming webhook updates to the owning bot
// instance. Delivery is best effort: the external bot API retries
// aggressively on non-2xx responses, so every update is acknowledged no
// matter what happens downstream.
package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/botdock/botdock/internal/bot/registry"
	"github.com/botdock/botdock/internal/common/logger"
)

// InstanceProvider resolves a bot id to a live instance, reviving it from
// the store when needed.
type InstanceProvider interface {
	EnsureRunning(ctx context.Context, botID string) (*registry.Handle, error)
}

// Result reports what happened to one update.
type Result struct {
	BotID     string
	TenantID  string
	Forwarded bool
	Reason    string
}

// Router routes webhook updates.
type Router struct {
	provider InstanceProvider
	timeout  time.Duration
	logger   *logger.Logger
}

// NewRouter creates a router. timeout bounds each forward to the bot.
func NewRouter(provider InstanceProvider, timeout time.Duration, log *logger.Logger) *Router {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Router{
		provider: provider,
		timeout:  timeout,
		logger:   log.WithFields(zap.String("component", "webhook-router")),
	}
}

// Route forwards one update payload to the bot. Failures are swallowed
// after logging: the returned Result says whether the update reached the
// bot, and the error is non-nil only for faults the caller should surface
// other than by status code. Callers acknowledge the update regardless.
func (r *Router) Route(ctx context.Context, botID string, payload []byte) Result {
	handle, err := r.provider.EnsureRunning(ctx, botID)
	if err != nil {
		r.logger.Warn("update for unavailable bot dropped",
			zap.String("bot_id", botID),
			zap.Error(err))
		return Result{BotID: botID, Forwarded: false, Reason: err.Error()}
	}

	forwardCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := handle.Instance.ProcessUpdate(forwardCtx, payload); err != nil {
		r.logger.Warn("bot failed to process update",
			zap.String("bot_id", botID),
			zap.String("tenant_id", handle.TenantID),
			zap.Error(err))
		return Result{
			BotID:     botID,
			TenantID:  handle.TenantID,
			Forwarded: false,
			Reason:    err.Error(),
		}
	}

	r.logger.Debug("update forwarded",
		zap.String("bot_id", botID),
		zap.String("tenant_id", handle.TenantID))
	return Result{BotID: botID, TenantID: handle.TenantID, Forwarded: true}
}
