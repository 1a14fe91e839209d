package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	apperrors "github.com/botdock/botdock/internal/common/errors"
	"github.com/botdock/botdock/internal/common/logger"
)

// GojaRuntime hosts bots as in-process JavaScript programs. A bot source
// must define three globals:
//
//	function initialize(config) {}
//	function processUpdate(update) {}
//	function shutdown() {}
//
// initialize receives {bot_id, token, delivery_mode}; processUpdate
// receives the decoded update object.
type GojaRuntime struct {
	logger *logger.Logger
}

var _ Runtime = (*GojaRuntime)(nil)

// NewGojaRuntime creates a JavaScript runtime.
func NewGojaRuntime(log *logger.Logger) *GojaRuntime {
	return &GojaRuntime{
		logger: log.WithFields(zap.String("component", "goja-runtime")),
	}
}

// Spawn compiles the source, installs console bindings, and calls the
// program's initialize hook. The VM is single threaded; all calls are
// serialized onto one goroutine owned by the instance.
func (r *GojaRuntime) Spawn(ctx context.Context, spec Spec) (Instance, error) {
	prog, err := goja.Compile(spec.BotID+".js", spec.Source, true)
	if err != nil {
		return nil, apperrors.Execution("compile bot source", err)
	}

	vm := goja.New()
	installConsole(vm, spec.Logs)

	if _, err := vm.RunProgram(prog); err != nil {
		return nil, apperrors.Execution("evaluate bot source", err)
	}

	initialize, err := globalFunc(vm, "initialize")
	if err != nil {
		return nil, err
	}
	process, err := globalFunc(vm, "processUpdate")
	if err != nil {
		return nil, err
	}
	shutdown, err := globalFunc(vm, "shutdown")
	if err != nil {
		return nil, err
	}

	inst := &gojaInstance{
		botID:    spec.BotID,
		vm:       vm,
		process:  process,
		shutdown: shutdown,
		queue:    make(chan func()),
		logger:   r.logger.WithBotID(spec.BotID),
	}
	go inst.loop()

	config := map[string]any{
		"bot_id":        spec.BotID,
		"token":         spec.Token,
		"delivery_mode": string(spec.DeliveryMode),
	}
	if err := inst.call(ctx, func() error {
		_, err := initialize(goja.Undefined(), vm.ToValue(config))
		return err
	}); err != nil {
		inst.close()
		return nil, apperrors.Execution("initialize bot", err)
	}

	return inst, nil
}

// globalFunc resolves a required global function from the VM.
func globalFunc(vm *goja.Runtime, name string) (goja.Callable, error) {
	value := vm.Get(name)
	if value == nil || goja.IsUndefined(value) || goja.IsNull(value) {
		return nil, apperrors.ValidationError("source", fmt.Sprintf("bot source must define %s()", name))
	}
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, apperrors.ValidationError("source", fmt.Sprintf("global %s is not a function", name))
	}
	return fn, nil
}

// installConsole binds console.log/warn/error to the instance log sink.
func installConsole(vm *goja.Runtime, sink LogSink) {
	emit := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			if sink == nil {
				return goja.Undefined()
			}
			parts := make([]string, 0, len(call.Arguments))
			for _, arg := range call.Arguments {
				parts = append(parts, arg.String())
			}
			sink(level, strings.Join(parts, " "))
			return goja.Undefined()
		}
	}

	console := vm.NewObject()
	_ = console.Set("log", emit("info"))
	_ = console.Set("warn", emit("warn"))
	_ = console.Set("error", emit("error"))
	_ = vm.Set("console", console)
}

// gojaInstance is one live VM plus the goroutine that owns it.
type gojaInstance struct {
	botID    string
	vm       *goja.Runtime
	process  goja.Callable
	shutdown goja.Callable
	logger   *logger.Logger

	queue  chan func()
	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

func (i *gojaInstance) loop() {
	for job := range i.queue {
		job()
	}
}

// call runs fn on the VM goroutine and waits for it, honoring ctx. A JS
// exception surfaces as the returned error; a panic from the VM is
// recovered so one bad update cannot take the manager down.
func (i *gojaInstance) call(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)

	i.mu.RLock()
	if i.closed {
		i.mu.RUnlock()
		return apperrors.Execution("bot instance is shut down", nil)
	}
	i.queue <- func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("bot panicked: %v", rec)
			}
		}()
		done <- fn()
	}
	i.mu.RUnlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessUpdate decodes the payload and hands it to the bot's
// processUpdate global.
func (i *gojaInstance) ProcessUpdate(ctx context.Context, payload []byte) error {
	var update any
	if err := json.Unmarshal(payload, &update); err != nil {
		return apperrors.BadRequest(fmt.Sprintf("update payload is not valid JSON: %v", err))
	}

	err := i.call(ctx, func() error {
		_, err := i.process(goja.Undefined(), i.vm.ToValue(update))
		return err
	})
	if err != nil {
		return apperrors.Execution("bot processUpdate failed", err)
	}
	return nil
}

// Shutdown calls the bot's shutdown hook and stops the VM goroutine.
func (i *gojaInstance) Shutdown(ctx context.Context) error {
	err := i.call(ctx, func() error {
		_, err := i.shutdown(goja.Undefined())
		return err
	})
	if err != nil {
		i.logger.Warn("bot shutdown hook failed", zap.Error(err))
	}
	i.close()
	return nil
}

func (i *gojaInstance) close() {
	i.once.Do(func() {
		i.mu.Lock()
		i.closed = true
		close(i.queue)
		i.mu.Unlock()
	})
}
