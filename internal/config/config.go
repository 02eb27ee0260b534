// Package config loads studiod configuration from YAML and environment
// variables, layered over built-in defaults.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the root configuration for the studio daemon.
type Config struct {
	Server      ServerConfig     `koanf:"server"`
	Storage     StorageConfig    `koanf:"storage"`
	Policy      PolicyConfig     `koanf:"policy"`
	Audit       AuditConfig      `koanf:"audit"`
	Checkpoints CheckpointConfig `koanf:"checkpoints"`
	Gateway     GatewayConfig    `koanf:"gateway"`
	Compute     ComputeConfig    `koanf:"compute"`
	Events      EventsConfig     `koanf:"events"`
	Webhooks    WebhookConfig    `koanf:"webhooks"`
	Logging     LoggingConfig    `koanf:"logging"`
	Telemetry   TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `koanf:"driver"`
	// Path is the SQLite database file. Ignored for the memory driver.
	Path string `koanf:"path"`
}

// PolicyConfig selects the routing policy.
type PolicyConfig struct {
	// Builtin names a built-in policy; File points at a TOML policy file
	// and wins when both are set.
	Builtin string `koanf:"builtin"`
	File    string `koanf:"file"`
	// Watch reloads the policy file on change.
	Watch bool `koanf:"watch"`
}

// AuditConfig covers the compliance log.
type AuditConfig struct {
	Dir          string `koanf:"dir"`
	Organization string `koanf:"organization"`
	BufferSize   int    `koanf:"buffer_size"`
}

// CheckpointConfig covers snapshot retention.
type CheckpointConfig struct {
	Retention int `koanf:"retention"`
}

// GatewayConfig covers the outbound compute pipeline.
type GatewayConfig struct {
	MaxBatchTokens int           `koanf:"max_batch_tokens"`
	MaxRetries     int           `koanf:"max_retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	// PollInterval paces the worker loop between runs.
	PollInterval time.Duration `koanf:"poll_interval"`
}

// ComputeConfig covers the LLM provider client.
type ComputeConfig struct {
	Model             string  `koanf:"model"`
	BaseURL           string  `koanf:"base_url"`
	APIKey            string  `koanf:"api_key"`
	MaxTokens         int     `koanf:"max_tokens"`
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// EventsConfig covers the hub and its NATS mirror.
type EventsConfig struct {
	QueueSize int `koanf:"queue_size"`
	// NATSURL connects to an external broker; EmbedNATS starts one
	// in-process instead. EmbedNATS wins when both are set.
	NATSURL   string `koanf:"nats_url"`
	EmbedNATS bool   `koanf:"embed_nats"`
	NATSPort  int    `koanf:"nats_port"`
}

// WebhookConfig covers outbound event delivery.
type WebhookConfig struct {
	Timeout        time.Duration `koanf:"timeout"`
	MaxRetries     int           `koanf:"max_retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
}

// LoggingConfig covers the zap logger.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `koanf:"level"`
	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// TelemetryConfig covers OTLP export.
type TelemetryConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Endpoint    string `koanf:"endpoint"`
	ServiceName string `koanf:"service_name"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Host: "127.0.0.1", Port: 8470},
		Storage: StorageConfig{Driver: "sqlite", Path: "studio.db"},
		Policy:  PolicyConfig{Builtin: "local-provider-first"},
		Audit: AuditConfig{
			Dir:          "audit",
			Organization: "default",
			BufferSize:   50,
		},
		Checkpoints: CheckpointConfig{Retention: 10},
		Gateway: GatewayConfig{
			MaxBatchTokens: 8000,
			MaxRetries:     3,
			InitialBackoff: time.Second,
			PollInterval:   2 * time.Second,
		},
		Compute: ComputeConfig{
			Model:             "gpt-4o-mini",
			MaxTokens:         2048,
			RequestsPerSecond: 2,
		},
		Events:   EventsConfig{QueueSize: 1024},
		Webhooks: WebhookConfig{Timeout: 10 * time.Second, MaxRetries: 3, InitialBackoff: time.Second},
		Logging:  LoggingConfig{Level: "info", Format: "json"},
		Telemetry: TelemetryConfig{
			ServiceName: "terraqore-studio",
		},
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Policy.Builtin == "" && c.Policy.File == "" {
		return errors.New("a policy.builtin name or policy.file is required")
	}
	if c.Checkpoints.Retention <= 0 {
		return errors.New("checkpoints.retention must be positive")
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}
	return nil
}
