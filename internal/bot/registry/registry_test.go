package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/botdock/botdock/internal/common/logger"
)

// fakeInstance counts shutdowns for assertions.
type fakeInstance struct {
	shutdowns atomic.Int32
}

func (f *fakeInstance) ProcessUpdate(ctx context.Context, payload []byte) error { return nil }

func (f *fakeInstance) Shutdown(ctx context.Context) error {
	f.shutdowns.Add(1)
	return nil
}

func TestPutAndGet(t *testing.T) {
	r := NewRegistry(logger.Default())
	inst := &fakeInstance{}

	r.Put(context.Background(), "bot-1", "tenant-1", inst)

	h, ok := r.Get("bot-1")
	if !ok {
		t.Fatal("expected handle for bot-1")
	}
	if h.TenantID != "tenant-1" {
		t.Errorf("expected tenant-1, got %s", h.TenantID)
	}
	if h.Instance != inst {
		t.Error("handle holds wrong instance")
	}
	if h.LoadedAt.IsZero() {
		t.Error("LoadedAt not set")
	}
}

func TestGetUnknown(t *testing.T) {
	r := NewRegistry(logger.Default())
	if _, ok := r.Get("nobody"); ok {
		t.Error("expected no handle for unknown bot")
	}
}

func TestPutReplacesAndShutsDownPrevious(t *testing.T) {
	r := NewRegistry(logger.Default())
	first := &fakeInstance{}
	second := &fakeInstance{}

	r.Put(context.Background(), "bot-1", "tenant-1", first)
	r.Put(context.Background(), "bot-1", "tenant-1", second)

	if got := first.shutdowns.Load(); got != 1 {
		t.Errorf("expected replaced instance shut down once, got %d", got)
	}
	if got := second.shutdowns.Load(); got != 0 {
		t.Errorf("new instance must not be shut down, got %d", got)
	}

	h, ok := r.Get("bot-1")
	if !ok || h.Instance != second {
		t.Error("expected new instance registered")
	}
	if r.Len() != 1 {
		t.Errorf("expected exactly one handle, got %d", r.Len())
	}
}

func TestRemove(t *testing.T) {
	r := NewRegistry(logger.Default())
	inst := &fakeInstance{}
	r.Put(context.Background(), "bot-1", "tenant-1", inst)

	h, ok := r.Remove("bot-1")
	if !ok || h.Instance != inst {
		t.Fatal("expected removed handle")
	}
	// Remove does not shut down; the caller does.
	if got := inst.shutdowns.Load(); got != 0 {
		t.Errorf("Remove must not shut down the instance, got %d shutdowns", got)
	}

	if _, ok := r.Get("bot-1"); ok {
		t.Error("handle still present after Remove")
	}
	if _, ok := r.Remove("bot-1"); ok {
		t.Error("second Remove must report absence")
	}
}

func TestConcurrentPutKeepsAtMostOne(t *testing.T) {
	r := NewRegistry(logger.Default())

	const writers = 16
	instances := make([]*fakeInstance, writers)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		instances[w] = &fakeInstance{}
		wg.Add(1)
		go func(inst *fakeInstance) {
			defer wg.Done()
			r.Put(context.Background(), "bot-1", "tenant-1", inst)
		}(instances[w])
	}
	wg.Wait()

	if r.Len() != 1 {
		t.Fatalf("expected exactly one live instance, got %d", r.Len())
	}

	// Every instance except the surviving one must have been shut down
	// exactly once.
	h, _ := r.Get("bot-1")
	var shutdownCount int32
	for _, inst := range instances {
		if h != nil && h.Instance == inst {
			if inst.shutdowns.Load() != 0 {
				t.Error("surviving instance was shut down")
			}
			continue
		}
		shutdownCount += inst.shutdowns.Load()
	}
	if shutdownCount != writers-1 {
		t.Errorf("expected %d shutdowns, got %d", writers-1, shutdownCount)
	}
}

func TestShutdownAll(t *testing.T) {
	r := NewRegistry(logger.Default())
	a := &fakeInstance{}
	b := &fakeInstance{}
	r.Put(context.Background(), "bot-a", "tenant-1", a)
	r.Put(context.Background(), "bot-b", "tenant-2", b)

	r.ShutdownAll(context.Background())

	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
	if a.shutdowns.Load() != 1 || b.shutdowns.Load() != 1 {
		t.Error("expected both instances shut down once")
	}
}

func TestBotIDs(t *testing.T) {
	r := NewRegistry(logger.Default())
	r.Put(context.Background(), "bot-a", "t", &fakeInstance{})
	r.Put(context.Background(), "bot-b", "t", &fakeInstance{})

	ids := r.BotIDs()
	if len(ids) != 2 {
		t.Fatalf("expected 2 ids, got %d", len(ids))
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["bot-a"] || !seen["bot-b"] {
		t.Errorf("unexpected ids: %v", ids)
	}
}
