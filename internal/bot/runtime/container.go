package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	apperrors "github.com/botdock/botdock/internal/common/errors"
	"github.com/botdock/botdock/internal/common/logger"
)

// ContainerConfig configures the container backend.
type ContainerConfig struct {
	// Image is the interpreter image bots run in.
	Image string

	// Host overrides the Docker daemon address; empty uses the SDK default.
	Host string

	// WorkDir is the host root under which per-bot source directories are
	// created and bind-mounted into containers.
	WorkDir string

	// Command is the argv run inside the container. The mounted source path
	// (/bot/<SourceFile>) is appended as the final argument.
	Command    []string
	SourceFile string

	// Network is the container network mode. The default "host" keeps the
	// bot's update port reachable on loopback, same as the subprocess
	// backend.
	Network string

	MemoryLimitMB int64
	CPUCores      float64

	UpdatePortBase  int
	UpdatePortRange int
	ForwardTimeout  time.Duration
}

// ContainerRuntime runs each bot in its own container. The source is bind
// mounted read-only; updates are forwarded over loopback HTTP like the
// subprocess backend.
type ContainerRuntime struct {
	cli    *client.Client
	cfg    ContainerConfig
	http   *resty.Client
	logger *logger.Logger
}

var _ Runtime = (*ContainerRuntime)(nil)

// NewContainerRuntime creates a container runtime.
func NewContainerRuntime(cfg ContainerConfig, log *logger.Logger) (*ContainerRuntime, error) {
	if cfg.Image == "" {
		return nil, apperrors.ValidationError("image", "container image is required")
	}
	if len(cfg.Command) == 0 {
		return nil, apperrors.ValidationError("command", "container command is required")
	}
	if cfg.SourceFile == "" {
		cfg.SourceFile = "main.py"
	}
	if cfg.Network == "" {
		cfg.Network = "host"
	}
	if cfg.MemoryLimitMB <= 0 {
		cfg.MemoryLimitMB = 512
	}
	if cfg.CPUCores <= 0 {
		cfg.CPUCores = 0.5
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

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, apperrors.Execution("create docker client", err)
	}

	return &ContainerRuntime{
		cli:  cli,
		cfg:  cfg,
		http: resty.New().SetTimeout(cfg.ForwardTimeout).SetHeader("Content-Type", "application/json"),
		logger: log.WithFields(zap.String("component", "container-runtime"),
			zap.String("image", cfg.Image)),
	}, nil
}

// Close releases the Docker client.
func (r *ContainerRuntime) Close() error {
	return r.cli.Close()
}

// Spawn writes the bot source to the host work directory, creates a
// container with it mounted, and starts it.
func (r *ContainerRuntime) Spawn(ctx context.Context, spec Spec) (Instance, error) {
	dir := filepath.Join(r.cfg.WorkDir, spec.TenantID, spec.BotID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, apperrors.Execution("create bot work directory", err)
	}
	if err := os.WriteFile(filepath.Join(dir, r.cfg.SourceFile), []byte(spec.Source), 0o600); err != nil {
		return nil, apperrors.Execution("write bot source to work directory", err)
	}

	port := derivePort(spec.BotID, r.cfg.UpdatePortBase, r.cfg.UpdatePortRange)

	cmd := append(append([]string{}, r.cfg.Command...), "/bot/"+r.cfg.SourceFile)
	containerCfg := &container.Config{
		Image: r.cfg.Image,
		Cmd:   cmd,
		Env: []string{
			fmt.Sprintf("BOT_ID=%s", spec.BotID),
			fmt.Sprintf("BOT_TOKEN=%s", spec.Token),
			fmt.Sprintf("BOT_DELIVERY_MODE=%s", spec.DeliveryMode),
			fmt.Sprintf("BOT_UPDATE_PORT=%d", port),
		},
		Labels: map[string]string{
			"botdock.managed":   "true",
			"botdock.bot_id":    spec.BotID,
			"botdock.tenant_id": spec.TenantID,
		},
	}

	hostCfg := &container.HostConfig{
		NetworkMode: container.NetworkMode(r.cfg.Network),
		Mounts: []mount.Mount{{
			Type:     mount.TypeBind,
			Source:   dir,
			Target:   "/bot",
			ReadOnly: true,
		}},
		Resources: container.Resources{
			Memory:   r.cfg.MemoryLimitMB * 1024 * 1024,
			CPUQuota: int64(r.cfg.CPUCores * 100000),
		},
	}

	name := fmt.Sprintf("botdock-%s", spec.BotID)
	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return nil, apperrors.Execution("create bot container", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, apperrors.Execution("start bot container", err)
	}

	r.logger.Info("bot container started",
		zap.String("bot_id", spec.BotID),
		zap.String("container_id", resp.ID),
		zap.Int("update_port", port))

	go r.captureLogs(resp.ID, spec.Logs)

	return &containerInstance{
		botID:       spec.BotID,
		containerID: resp.ID,
		port:        port,
		cli:         r.cli,
		http:        r.http,
		logger:      r.logger.WithBotID(spec.BotID),
	}, nil
}

// captureLogs streams the container's combined output into the log sink.
func (r *ContainerRuntime) captureLogs(containerID string, sink LogSink) {
	if sink == nil {
		return
	}

	reader, err := r.cli.ContainerLogs(context.Background(), containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		r.logger.Warn("failed to attach container logs",
			zap.String("container_id", containerID),
			zap.Error(err))
		return
	}
	defer reader.Close()

	// Docker multiplexes streams with an 8-byte header per frame.
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		size := int(header[4])<<24 | int(header[5])<<16 | int(header[6])<<8 | int(header[7])
		frame := make([]byte, size)
		if _, err := io.ReadFull(reader, frame); err != nil {
			return
		}
		level := "info"
		if header[0] == 2 {
			level = "error"
		}
		for _, line := range strings.Split(strings.TrimRight(string(frame), "\n"), "\n") {
			if line != "" {
				sink(level, line)
			}
		}
	}
}

// containerInstance is one live bot container.
type containerInstance struct {
	botID       string
	containerID string
	port        int
	cli         *client.Client
	http        *resty.Client
	logger      *logger.Logger
}

// ProcessUpdate forwards one update payload to the container over loopback
// HTTP.
func (i *containerInstance) ProcessUpdate(ctx context.Context, payload []byte) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/update", i.port)

	resp, err := i.http.R().
		SetContext(ctx).
		SetBody(payload).
		Post(url)
	if err != nil {
		return apperrors.Execution("forward update to bot container", err)
	}
	if resp.IsError() {
		return apperrors.Execution(fmt.Sprintf("bot container rejected update: status %d", resp.StatusCode()), nil)
	}
	return nil
}

// Shutdown stops and removes the container.
func (i *containerInstance) Shutdown(ctx context.Context) error {
	timeout := 5
	if err := i.cli.ContainerStop(ctx, i.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		i.logger.Warn("container stop failed, killing", zap.Error(err))
		_ = i.cli.ContainerKill(ctx, i.containerID, "SIGKILL")
	}

	err := i.cli.ContainerRemove(ctx, i.containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return apperrors.Execution("remove bot container", err)
	}
	return nil
}
