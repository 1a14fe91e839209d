// Package runtime defines the execution contract for bot instances and the
// backends that host them: an out-of-process interpreter, an in-process
// JavaScript VM, and a container engine.
package runtime

import (
	"context"

	v1 "github.com/botdock/botdock/pkg/api/v1"
)

// LogSink receives captured output lines from a running instance.
type LogSink func(level, message string)

// Spec carries everything a backend needs to bring up one bot instance.
type Spec struct {
	BotID    string
	TenantID string

	// Source is the full program text. Backends decide how it is loaded:
	// written to a work directory, compiled in process, or mounted into a
	// container.
	Source string

	// Token authenticates the bot to the external bot API. It is passed to
	// the instance through its environment or init config, never through
	// argv and never logged.
	Token string

	DeliveryMode v1.DeliveryMode

	// Logs receives the instance's captured output. Never nil by the time
	// Spawn is called; the lifecycle manager wires it.
	Logs LogSink
}

// Instance is one live bot execution. Implementations are owned by exactly
// one registry slot; the lifecycle manager serializes Spawn and Shutdown
// per bot.
type Instance interface {
	// ProcessUpdate delivers one webhook update payload to the bot.
	// Failures are reported to the caller but must leave the instance
	// usable for subsequent updates.
	ProcessUpdate(ctx context.Context, payload []byte) error

	// Shutdown stops the instance and releases its resources. It is
	// idempotent and must not block past the context deadline.
	Shutdown(ctx context.Context) error
}

// Runtime spawns instances. Spawn blocks until the instance is ready to
// accept updates or fails.
type Runtime interface {
	Spawn(ctx context.Context, spec Spec) (Instance, error)
}
