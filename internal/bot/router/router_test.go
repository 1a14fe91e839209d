package router

import (
	"context"
	"testing"
	"time"

	"github.com/botdock/botdock/internal/bot/registry"
	apperrors "github.com/botdock/botdock/internal/common/errors"
	"github.com/botdock/botdock/internal/common/logger"
)

// mockProvider resolves bots from a canned map.
type mockProvider struct {
	ensureFunc func(ctx context.Context, botID string) (*registry.Handle, error)
}

func (m *mockProvider) EnsureRunning(ctx context.Context, botID string) (*registry.Handle, error) {
	return m.ensureFunc(ctx, botID)
}

// mockInstance fails or succeeds on demand.
type mockInstance struct {
	processFunc func(ctx context.Context, payload []byte) error
}

func (m *mockInstance) ProcessUpdate(ctx context.Context, payload []byte) error {
	if m.processFunc != nil {
		return m.processFunc(ctx, payload)
	}
	return nil
}

func (m *mockInstance) Shutdown(ctx context.Context) error { return nil }

func TestRouteForwards(t *testing.T) {
	var gotPayload []byte
	inst := &mockInstance{processFunc: func(ctx context.Context, payload []byte) error {
		gotPayload = payload
		return nil
	}}
	provider := &mockProvider{ensureFunc: func(ctx context.Context, botID string) (*registry.Handle, error) {
		return &registry.Handle{BotID: botID, TenantID: "tenant-1", Instance: inst}, nil
	}}

	r := NewRouter(provider, time.Second, logger.Default())
	result := r.Route(context.Background(), "bot-1", []byte(`{"update_id": 1}`))

	if !result.Forwarded {
		t.Errorf("expected forwarded, got reason %q", result.Reason)
	}
	if result.TenantID != "tenant-1" {
		t.Errorf("expected tenant-1, got %s", result.TenantID)
	}
	if string(gotPayload) != `{"update_id": 1}` {
		t.Errorf("payload mangled: %s", gotPayload)
	}
}

func TestRouteUnknownBotIsSwallowed(t *testing.T) {
	provider := &mockProvider{ensureFunc: func(ctx context.Context, botID string) (*registry.Handle, error) {
		return nil, apperrors.NotFound("bot", botID)
	}}

	r := NewRouter(provider, time.Second, logger.Default())
	result := r.Route(context.Background(), "nobody", []byte(`{}`))

	if result.Forwarded {
		t.Error("unknown bot must not be forwarded")
	}
	if result.Reason == "" {
		t.Error("expected a reason for the drop")
	}
}

func TestRouteProcessingFailureIsSwallowed(t *testing.T) {
	inst := &mockInstance{processFunc: func(ctx context.Context, payload []byte) error {
		return apperrors.Execution("bot crashed on update", nil)
	}}
	provider := &mockProvider{ensureFunc: func(ctx context.Context, botID string) (*registry.Handle, error) {
		return &registry.Handle{BotID: botID, TenantID: "tenant-1", Instance: inst}, nil
	}}

	r := NewRouter(provider, time.Second, logger.Default())
	result := r.Route(context.Background(), "bot-1", []byte(`{}`))

	if result.Forwarded {
		t.Error("failed processing must report not forwarded")
	}
	if result.TenantID != "tenant-1" {
		t.Errorf("tenant resolution must survive the failure, got %q", result.TenantID)
	}
}

func TestRouteBoundsForwardTime(t *testing.T) {
	inst := &mockInstance{processFunc: func(ctx context.Context, payload []byte) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	provider := &mockProvider{ensureFunc: func(ctx context.Context, botID string) (*registry.Handle, error) {
		return &registry.Handle{BotID: botID, TenantID: "tenant-1", Instance: inst}, nil
	}}

	r := NewRouter(provider, 20*time.Millisecond, logger.Default())

	start := time.Now()
	result := r.Route(context.Background(), "bot-1", []byte(`{}`))
	elapsed := time.Since(start)

	if result.Forwarded {
		t.Error("timed-out forward must report not forwarded")
	}
	if elapsed > time.Second {
		t.Errorf("forward was not bounded by the timeout, took %v", elapsed)
	}
}
