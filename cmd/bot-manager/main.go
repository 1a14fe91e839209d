package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/botdock/botdock/internal/bot/api"
	"github.com/botdock/botdock/internal/bot/lifecycle"
	"github.com/botdock/botdock/internal/bot/logbuf"
	"github.com/botdock/botdock/internal/bot/registry"
	botrouter "github.com/botdock/botdock/internal/bot/router"
	"github.com/botdock/botdock/internal/bot/runtime"
	"github.com/botdock/botdock/internal/bot/store"
	"github.com/botdock/botdock/internal/bot/telegram"
	"github.com/botdock/botdock/internal/common/config"
	"github.com/botdock/botdock/internal/common/logger"
	"github.com/botdock/botdock/internal/events/bus"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Bot Manager service...")

	// 3. Connect the event bus: NATS when configured, in-memory otherwise
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// Mirror lifecycle events into the service log.
	if _, err := eventBus.Subscribe("bot.>", func(ctx context.Context, event *bus.Event) error {
		log.Debug("bot event",
			zap.String("type", event.Type),
			zap.Any("data", event.Data))
		return nil
	}); err != nil {
		log.Warn("Failed to subscribe to bot events", zap.Error(err))
	}

	// 4. Open the code store
	st, err := openStore(cfg)
	if err != nil {
		log.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()
	log.Info("Opened code store", zap.String("backend", cfg.Storage.Backend))

	// 5. Build the bot runtime
	rt, err := buildRuntime(cfg, log)
	if err != nil {
		log.Fatal("Failed to build runtime", zap.Error(err))
	}
	log.Info("Initialized bot runtime", zap.String("kind", cfg.Runtime.Kind))

	// 6. Remaining components
	reg := registry.NewRegistry(log)
	logs := logbuf.NewAggregator(cfg.Logs.Capacity)
	tg := telegram.NewClient(telegram.Config{
		APIBaseURL:     cfg.Telegram.APIBaseURL,
		Timeout:        cfg.Telegram.TimeoutDuration(),
		AllowedUpdates: cfg.Telegram.AllowedUpdates,
	}, log)

	manager := lifecycle.NewManager(st, reg, rt, tg, logs, eventBus, cfg.Server.PublicBaseURL, log)
	webhookRouter := botrouter.NewRouter(manager, cfg.Runtime.ForwardTimeoutDuration(), log)

	// 7. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.SetupRoutes(engine, manager, webhookRouter, log)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening",
			zap.String("host", cfg.Server.Host),
			zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Bot Manager service...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop all bot instances; persisted statuses stay running so bots
	// revive on the next webhook after restart.
	manager.Shutdown(shutdownCtx)

	if err := st.Commit(shutdownCtx); err != nil {
		log.Error("Store commit error", zap.Error(err))
	}

	log.Info("Bot Manager service stopped")
}

// openStore builds the configured store backend.
func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMemoryStore(), nil
	case "volume":
		return store.NewVolumeStore(cfg.Storage.Path)
	case "sqlite":
		return store.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return store.NewPostgresStore(cfg.Storage.DSN, cfg.Storage.MaxConns, cfg.Storage.MinConns)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildRuntime builds the configured bot runtime.
func buildRuntime(cfg *config.Config, log *logger.Logger) (runtime.Runtime, error) {
	switch cfg.Runtime.Kind {
	case "subprocess":
		return runtime.NewSubprocessRuntime(runtime.SubprocessConfig{
			Command:         cfg.Runtime.Command,
			SourceFile:      cfg.Runtime.SourceFile,
			WorkDir:         cfg.Runtime.WorkDir,
			UpdatePortBase:  cfg.Runtime.UpdatePortBase,
			UpdatePortRange: cfg.Runtime.UpdatePortRange,
			ForwardTimeout:  cfg.Runtime.ForwardTimeoutDuration(),
		}, log)
	case "goja":
		return runtime.NewGojaRuntime(log), nil
	case "container":
		return runtime.NewContainerRuntime(runtime.ContainerConfig{
			Image:           cfg.Runtime.Image,
			Host:            cfg.Runtime.DockerHost,
			WorkDir:         cfg.Runtime.WorkDir,
			Command:         cfg.Runtime.Command,
			SourceFile:      cfg.Runtime.SourceFile,
			Network:         cfg.Runtime.DefaultNetwork,
			MemoryLimitMB:   cfg.Runtime.MemoryLimitMB,
			CPUCores:        cfg.Runtime.CPUCores,
			UpdatePortBase:  cfg.Runtime.UpdatePortBase,
			UpdatePortRange: cfg.Runtime.UpdatePortRange,
			ForwardTimeout:  cfg.Runtime.ForwardTimeoutDuration(),
		}, log)
	default:
		return nil, fmt.Errorf("unknown runtime kind %q", cfg.Runtime.Kind)
	}
}
