// Package registry tracks live bot instances. It holds at most one
// instance per bot id; the mapping exists only in memory and is rebuilt by
// starting bots again after a restart.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/botdock/botdock/internal/bot/runtime"
	"github.com/botdock/botdock/internal/common/logger"
)

// Handle is one registered live instance.
type Handle struct {
	BotID    string
	TenantID string
	Instance runtime.Instance
	LoadedAt time.Time
}

// Registry maps bot ids to live instances.
type Registry struct {
	handles map[string]*Handle
	logger  *logger.Logger
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		handles: make(map[string]*Handle),
		logger:  log.WithFields(zap.String("component", "instance-registry")),
	}
}

// Put registers an instance for a bot. If the bot already has a live
// instance it is shut down first, so the at-most-one invariant holds even
// when callers race.
func (r *Registry) Put(ctx context.Context, botID, tenantID string, inst runtime.Instance) {
	r.mu.Lock()
	prev := r.handles[botID]
	r.handles[botID] = &Handle{
		BotID:    botID,
		TenantID: tenantID,
		Instance: inst,
		LoadedAt: time.Now().UTC(),
	}
	r.mu.Unlock()

	if prev != nil {
		r.logger.Warn("replacing live instance", zap.String("bot_id", botID))
		if err := prev.Instance.Shutdown(ctx); err != nil {
			r.logger.Error("failed to shut down replaced instance",
				zap.String("bot_id", botID),
				zap.Error(err))
		}
	}
}

// Get returns the live handle for a bot, if any.
func (r *Registry) Get(botID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[botID]
	return h, ok
}

// Remove unregisters a bot and returns its handle. The caller owns the
// shutdown of the returned instance.
func (r *Registry) Remove(botID string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[botID]
	if ok {
		delete(r.handles, botID)
	}
	return h, ok
}

// Len returns the number of live instances.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// BotIDs returns the ids of all live instances.
func (r *Registry) BotIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	return ids
}

// ShutdownAll stops every live instance and empties the registry. Used on
// manager shutdown.
func (r *Registry) ShutdownAll(ctx context.Context) {
	r.mu.Lock()
	handles := r.handles
	r.handles = make(map[string]*Handle)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := h.Instance.Shutdown(ctx); err != nil {
				r.logger.Error("failed to shut down instance",
					zap.String("bot_id", h.BotID),
					zap.Error(err))
			}
		}(h)
	}
	wg.Wait()
}
