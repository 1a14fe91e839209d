package runtime

import (
	"context"
	"strings"
	"sync"
	"testing"

	apperrors "github.com/botdock/botdock/internal/common/errors"
	"github.com/botdock/botdock/internal/common/logger"
	v1 "github.com/botdock/botdock/pkg/api/v1"
)

const echoBotSource = `
var seen = [];
function initialize(config) {
	console.log("started", config.bot_id, config.delivery_mode);
}
function processUpdate(update) {
	seen.push(update);
	console.log("update", update.update_id);
}
function shutdown() {
	console.log("bye");
}
`

// captureSink collects sink lines for assertions.
type captureSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureSink) sink(level, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, level+": "+message)
}

func (c *captureSink) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string{}, c.lines...)
}

func testSpec(source string, sink LogSink) Spec {
	return Spec{
		BotID:        "bot-1",
		TenantID:     "tenant-1",
		Source:       source,
		Token:        "123:abc",
		DeliveryMode: v1.DeliveryWebhook,
		Logs:         sink,
	}
}

func TestGojaSpawnAndProcessUpdate(t *testing.T) {
	r := NewGojaRuntime(logger.Default())
	capture := &captureSink{}

	inst, err := r.Spawn(context.Background(), testSpec(echoBotSource, capture.sink))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer inst.Shutdown(context.Background())

	err = inst.ProcessUpdate(context.Background(), []byte(`{"update_id": 42}`))
	if err != nil {
		t.Fatalf("ProcessUpdate failed: %v", err)
	}

	lines := capture.all()
	if len(lines) < 2 {
		t.Fatalf("expected init and update lines, got %v", lines)
	}
	if !strings.Contains(lines[0], "started bot-1 webhook") {
		t.Errorf("unexpected init line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "update 42") {
		t.Errorf("unexpected update line: %q", lines[1])
	}
}

func TestGojaSpawnRejectsBadSource(t *testing.T) {
	r := NewGojaRuntime(logger.Default())

	_, err := r.Spawn(context.Background(), testSpec("this is not javascript {{", nil))
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !apperrors.IsExecution(err) {
		t.Errorf("expected EXECUTION_ERROR, got %v", err)
	}
}

func TestGojaSpawnRequiresContract(t *testing.T) {
	r := NewGojaRuntime(logger.Default())

	// Valid JS, but missing processUpdate and shutdown.
	_, err := r.Spawn(context.Background(), testSpec(`function initialize(c) {}`, nil))
	if err == nil {
		t.Fatal("expected contract error")
	}
	if !apperrors.IsValidation(err) {
		t.Errorf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestGojaUpdateErrorLeavesInstanceUsable(t *testing.T) {
	source := `
function initialize(config) {}
function processUpdate(update) {
	if (update.boom) { throw new Error("boom"); }
}
function shutdown() {}
`
	r := NewGojaRuntime(logger.Default())
	inst, err := r.Spawn(context.Background(), testSpec(source, nil))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer inst.Shutdown(context.Background())

	if err := inst.ProcessUpdate(context.Background(), []byte(`{"boom": true}`)); err == nil {
		t.Fatal("expected error from throwing update")
	}

	// The instance must still accept the next update.
	if err := inst.ProcessUpdate(context.Background(), []byte(`{"boom": false}`)); err != nil {
		t.Fatalf("instance unusable after failed update: %v", err)
	}
}

func TestGojaRejectsNonJSONPayload(t *testing.T) {
	r := NewGojaRuntime(logger.Default())
	inst, err := r.Spawn(context.Background(), testSpec(echoBotSource, nil))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer inst.Shutdown(context.Background())

	if err := inst.ProcessUpdate(context.Background(), []byte("not json")); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestGojaShutdownIsIdempotent(t *testing.T) {
	r := NewGojaRuntime(logger.Default())
	inst, err := r.Spawn(context.Background(), testSpec(echoBotSource, nil))
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}

	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown failed: %v", err)
	}
	if err := inst.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown failed: %v", err)
	}

	// Updates after shutdown fail cleanly instead of hanging.
	if err := inst.ProcessUpdate(context.Background(), []byte(`{}`)); err == nil {
		t.Fatal("expected error for update after shutdown")
	}
}
