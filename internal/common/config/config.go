// Package config provides configuration management for botdock.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for botdock.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Logs     LogsConfig     `mapstructure:"logs"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds

	// PublicBaseURL is the externally reachable base URL of this service.
	// When set, starting a bot registers <base>/webhook/<botId> with the
	// Telegram API. When empty, bots run without webhook registration
	// (polling-mode bots, or behind a separately managed proxy).
	PublicBaseURL string `mapstructure:"publicBaseUrl"`
}

// StorageConfig selects and configures the code store backend.
type StorageConfig struct {
	// Backend is one of: memory, volume, sqlite, postgres.
	Backend string `mapstructure:"backend"`

	// Path is the data directory for the volume backend, or the database
	// file for the sqlite backend.
	Path string `mapstructure:"path"`

	// DSN is the connection string for the postgres backend.
	DSN      string `mapstructure:"dsn"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// RuntimeConfig selects and configures the bot execution runtime.
type RuntimeConfig struct {
	// Kind is one of: subprocess, goja, container.
	Kind string `mapstructure:"kind"`

	// Command is the interpreter invocation for the subprocess runtime,
	// executed in the bot's work directory with the source file appended
	// (e.g. ["python3"] runs "python3 main.py").
	Command []string `mapstructure:"command"`

	// SourceFile is the filename the bot source is written as.
	SourceFile string `mapstructure:"sourceFile"`

	// WorkDir is the base directory for per-bot work directories.
	WorkDir string `mapstructure:"workDir"`

	// UpdatePortBase/UpdatePortRange define the port window bot instances
	// listen on for forwarded updates. Each bot's port is derived
	// deterministically from its id within this window.
	UpdatePortBase  int `mapstructure:"updatePortBase"`
	UpdatePortRange int `mapstructure:"updatePortRange"`

	// ForwardTimeout bounds a single update forward, in seconds.
	ForwardTimeout int `mapstructure:"forwardTimeout"`

	// Container runtime settings.
	Image          string  `mapstructure:"image"`
	DockerHost     string  `mapstructure:"dockerHost"`
	MemoryLimitMB  int64   `mapstructure:"memoryLimitMb"`
	CPUCores       float64 `mapstructure:"cpuCores"`
	DefaultNetwork string  `mapstructure:"defaultNetwork"`
}

// TelegramConfig holds external bot API client configuration.
type TelegramConfig struct {
	// APIBaseURL is overridable for tests and self-hosted gateways.
	APIBaseURL string `mapstructure:"apiBaseUrl"`
	// Timeout bounds webhook registration calls, in seconds.
	Timeout int `mapstructure:"timeout"`
	// AllowedUpdates passed to setWebhook.
	AllowedUpdates []string `mapstructure:"allowedUpdates"`
}

// LogsConfig holds log aggregator configuration.
type LogsConfig struct {
	// Capacity is the per-bot ring buffer size.
	Capacity int `mapstructure:"capacity"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ForwardTimeoutDuration returns the update forward timeout as a time.Duration.
func (r *RuntimeConfig) ForwardTimeoutDuration() time.Duration {
	return time.Duration(r.ForwardTimeout) * time.Second
}

// TimeoutDuration returns the Telegram call timeout as a time.Duration.
func (t *TelegramConfig) TimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on
// environment: JSON for Kubernetes/production, console for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("BOTDOCK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.publicBaseUrl", "")

	// Storage defaults
	v.SetDefault("storage.backend", "volume")
	v.SetDefault("storage.path", "data")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.maxConns", 25)
	v.SetDefault("storage.minConns", 5)

	// Runtime defaults
	v.SetDefault("runtime.kind", "subprocess")
	v.SetDefault("runtime.command", []string{"python3"})
	v.SetDefault("runtime.sourceFile", "main.py")
	v.SetDefault("runtime.workDir", "run")
	v.SetDefault("runtime.updatePortBase", 20000)
	v.SetDefault("runtime.updatePortRange", 2000)
	v.SetDefault("runtime.forwardTimeout", 10)
	v.SetDefault("runtime.image", "botdock/bot-runner:latest")
	v.SetDefault("runtime.dockerHost", "unix:///var/run/docker.sock")
	v.SetDefault("runtime.memoryLimitMb", 512)
	v.SetDefault("runtime.cpuCores", 0.5)
	v.SetDefault("runtime.defaultNetwork", "host")

	// Telegram defaults
	v.SetDefault("telegram.apiBaseUrl", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", 10)
	v.SetDefault("telegram.allowedUpdates", []string{"message", "callback_query"})

	// Log aggregator defaults
	v.SetDefault("logs.capacity", 1000)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "botdock")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BOTDOCK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/botdock/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("BOTDOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("server.publicBaseUrl", "BOTDOCK_SERVER_PUBLIC_BASE_URL")
	_ = v.BindEnv("runtime.updatePortBase", "BOTDOCK_RUNTIME_UPDATE_PORT_BASE")
	_ = v.BindEnv("runtime.updatePortRange", "BOTDOCK_RUNTIME_UPDATE_PORT_RANGE")
	_ = v.BindEnv("telegram.apiBaseUrl", "BOTDOCK_TELEGRAM_API_BASE_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/botdock/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Storage.Backend {
	case "memory", "volume", "sqlite", "postgres":
	default:
		errs = append(errs, "storage.backend must be one of: memory, volume, sqlite, postgres")
	}
	if cfg.Storage.Backend == "postgres" && cfg.Storage.DSN == "" {
		errs = append(errs, "storage.dsn is required for the postgres backend")
	}
	if (cfg.Storage.Backend == "volume" || cfg.Storage.Backend == "sqlite") && cfg.Storage.Path == "" {
		errs = append(errs, "storage.path is required for the volume and sqlite backends")
	}

	switch cfg.Runtime.Kind {
	case "subprocess", "goja", "container":
	default:
		errs = append(errs, "runtime.kind must be one of: subprocess, goja, container")
	}
	if cfg.Runtime.Kind == "subprocess" && len(cfg.Runtime.Command) == 0 {
		errs = append(errs, "runtime.command is required for the subprocess runtime")
	}
	if cfg.Runtime.UpdatePortRange <= 0 {
		errs = append(errs, "runtime.updatePortRange must be positive")
	}
	if cfg.Runtime.ForwardTimeout <= 0 {
		errs = append(errs, "runtime.forwardTimeout must be positive")
	}

	if cfg.Telegram.Timeout <= 0 {
		errs = append(errs, "telegram.timeout must be positive")
	}
	if cfg.Logs.Capacity <= 0 {
		errs = append(errs, "logs.capacity must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
