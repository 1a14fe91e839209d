package runtime

import (
	"bufio"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	apperrors "github.com/botdock/botdock/internal/common/errors"
	"github.com/botdock/botdock/internal/common/logger"
)

// SubprocessConfig configures the out-of-process interpreter backend.
type SubprocessConfig struct {
	// Command is the interpreter argv prefix; the source file path is
	// appended as the final argument.
	Command []string

	// SourceFile is the filename the bot source is written to inside the
	// bot's work directory.
	SourceFile string

	// WorkDir is the root under which per-bot work directories are created.
	WorkDir string

	// UpdatePortBase and UpdatePortRange bound the loopback ports bots
	// listen on for forwarded updates. Each bot's port is derived from its
	// id, so restarts land on the same port.
	UpdatePortBase  int
	UpdatePortRange int

	// ForwardTimeout bounds each update delivery to the bot process.
	ForwardTimeout time.Duration
}

// SubprocessRuntime runs each bot as a child interpreter process. Updates
// are forwarded over loopback HTTP to a port derived from the bot id; the
// bot process is told its port through the environment.
type SubprocessRuntime struct {
	cfg    SubprocessConfig
	http   *resty.Client
	logger *logger.Logger
}

var _ Runtime = (*SubprocessRuntime)(nil)

// NewSubprocessRuntime creates a subprocess runtime.
func NewSubprocessRuntime(cfg SubprocessConfig, log *logger.Logger) (*SubprocessRuntime, error) {
	if len(cfg.Command) == 0 {
		return nil, apperrors.ValidationError("command", "interpreter command is required")
	}
	if cfg.SourceFile == "" {
		cfg.SourceFile = "main.py"
	}
	if cfg.UpdatePortBase <= 0 {
		cfg.UpdatePortBase = 20000
	}
	if cfg.UpdatePortRange <= 0 {
		cfg.UpdatePortRange = 2000
	}
	if cfg.ForwardTimeout <= 0 {
		cfg.ForwardTimeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(cfg.ForwardTimeout).
		SetHeader("Content-Type", "application/json")

	return &SubprocessRuntime{
		cfg:    cfg,
		http:   client,
		logger: log.WithFields(zap.String("component", "subprocess-runtime")),
	}, nil
}

// UpdatePort returns the loopback port assigned to a bot. The mapping is a
// stable hash so a restarted bot reuses its port.
func (r *SubprocessRuntime) UpdatePort(botID string) int {
	return derivePort(botID, r.cfg.UpdatePortBase, r.cfg.UpdatePortRange)
}

// derivePort maps a bot id into [base, base+rng) with a stable hash.
func derivePort(botID string, base, rng int) int {
	h := fnv.New32a()
	h.Write([]byte(botID))
	return base + int(h.Sum32())%rng
}

// Spawn writes the bot source to its work directory and starts the
// interpreter. The returned instance forwards updates over loopback HTTP.
func (r *SubprocessRuntime) Spawn(ctx context.Context, spec Spec) (Instance, error) {
	dir := filepath.Join(r.cfg.WorkDir, spec.TenantID, spec.BotID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, apperrors.Execution("create bot work directory", err)
	}

	srcPath := filepath.Join(dir, r.cfg.SourceFile)
	if err := os.WriteFile(srcPath, []byte(spec.Source), 0o600); err != nil {
		return nil, apperrors.Execution("write bot source to work directory", err)
	}

	port := r.UpdatePort(spec.BotID)

	args := append(append([]string{}, r.cfg.Command[1:]...), srcPath)
	cmd := exec.Command(r.cfg.Command[0], args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("BOT_ID=%s", spec.BotID),
		fmt.Sprintf("BOT_TOKEN=%s", spec.Token),
		fmt.Sprintf("BOT_DELIVERY_MODE=%s", spec.DeliveryMode),
		fmt.Sprintf("BOT_UPDATE_PORT=%d", port),
	)
	setSysProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.Execution("attach bot stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.Execution("attach bot stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.Execution("start bot process", err)
	}

	inst := &subprocessInstance{
		botID:  spec.BotID,
		cmd:    cmd,
		port:   port,
		http:   r.http,
		logs:   spec.Logs,
		logger: r.logger.WithBotID(spec.BotID),
		waitCh: make(chan error, 1),
	}

	// Wait must not run until both pipe readers are drained, or the tail of
	// the bot's output is lost on fast exits.
	var capture sync.WaitGroup
	capture.Add(2)
	go func() {
		defer capture.Done()
		inst.captureOutput(stdout, "info")
	}()
	go func() {
		defer capture.Done()
		inst.captureOutput(stderr, "error")
	}()
	go func() {
		capture.Wait()
		inst.waitCh <- cmd.Wait()
	}()

	// Give the interpreter a moment to crash on load errors so the caller
	// sees an immediate failure instead of a dead instance.
	select {
	case err := <-inst.waitCh:
		return nil, apperrors.Execution(fmt.Sprintf("bot process exited during startup: %v", err), err)
	case <-time.After(300 * time.Millisecond):
	case <-ctx.Done():
		_ = inst.Shutdown(context.Background())
		return nil, apperrors.Execution("bot startup cancelled", ctx.Err())
	}

	r.logger.Info("bot process started",
		zap.String("bot_id", spec.BotID),
		zap.Int("pid", cmd.Process.Pid),
		zap.Int("update_port", port))

	return inst, nil
}

// subprocessInstance is one live child process.
type subprocessInstance struct {
	botID  string
	cmd    *exec.Cmd
	port   int
	http   *resty.Client
	logs   LogSink
	logger *logger.Logger

	waitCh chan error

	shutdownOnce sync.Once
}

// captureOutput drains one process stream into the log sink line by line.
func (i *subprocessInstance) captureOutput(pipe io.Reader, level string) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if i.logs != nil {
			i.logs(level, scanner.Text())
		}
	}
}

// ProcessUpdate forwards one update payload to the bot over loopback HTTP.
func (i *subprocessInstance) ProcessUpdate(ctx context.Context, payload []byte) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/update", i.port)

	resp, err := i.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		return apperrors.Execution("forward update to bot process", err)
	}
	if resp.IsError() {
		return apperrors.Execution(fmt.Sprintf("bot process rejected update: status %d", resp.StatusCode()), nil)
	}
	return nil
}

// Shutdown terminates the child process: SIGTERM first, SIGKILL if it does
// not exit in time.
func (i *subprocessInstance) Shutdown(ctx context.Context) error {
	i.shutdownOnce.Do(func() {
		if i.cmd.Process == nil {
			return
		}

		_ = i.cmd.Process.Signal(syscall.SIGTERM)

		grace := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			if until := time.Until(deadline); until < grace {
				grace = until
			}
		}

		select {
		case <-i.waitCh:
		case <-time.After(grace):
			i.logger.Warn("bot process ignored SIGTERM, killing")
			_ = i.cmd.Process.Kill()
			<-i.waitCh
		}
	})
	return nil
}
