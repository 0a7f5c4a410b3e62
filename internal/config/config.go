package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service    ServiceConfig    `koanf:"service"`
	Ingest     IngestConfig     `koanf:"ingest"`
	Database   DatabaseConfig   `koanf:"database"`
	Storage    StorageConfig    `koanf:"storage"`
	Subscriber SubscriberConfig `koanf:"subscriber"`
	Export     ExportConfig     `koanf:"export"`
}

type ServiceConfig struct {
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	Debug                  bool   `koanf:"debug"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

// IngestConfig controls the beacon-facing TCP listener.
type IngestConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// QueueDepth is the per-connection frame queue between the read loop
	// and the dispatch worker; a full queue is the backpressure point.
	QueueDepth int `koanf:"queue_depth"`
}

func (c IngestConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type DatabaseConfig struct {
	URL string `koanf:"url"`
}

type StorageConfig struct {
	CompressRaw bool `koanf:"compress_raw"`
}

// SubscriberConfig controls the WebSocket fan-out surface.
type SubscriberConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port"`
	// TokenSecret enables HS256 verification of the handshake token when
	// non-empty; empty means the handshake is open.
	TokenSecret    string `koanf:"token_secret"`
	WriteTimeoutMs int    `koanf:"write_timeout_ms"`
}

func (c SubscriberConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ExportConfig enables the optional Kafka position feed when brokers are set.
type ExportConfig struct {
	Brokers  []string `koanf:"brokers"`
	Topic    string   `koanf:"topic"`
	ClientID string   `koanf:"client_id"`
}

func (c ExportConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load YAML file first.
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: TRACKSERVER_INGEST__PORT → ingest.port
	if err := k.Load(env.Provider("TRACKSERVER_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "TRACKSERVER_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := &Config{
		Service: ServiceConfig{
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Ingest: IngestConfig{
			Host:       "0.0.0.0",
			Port:       4509,
			QueueDepth: 32,
		},
		Database: DatabaseConfig{
			URL: "sqlite://trackserver.db",
		},
		Subscriber: SubscriberConfig{
			Host:           "0.0.0.0",
			Port:           8081,
			WriteTimeoutMs: 5000,
		},
		Export: ExportConfig{
			ClientID: "trackserver",
		},
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Split comma-separated env strings for slice fields.
	if len(cfg.Export.Brokers) == 1 && strings.Contains(cfg.Export.Brokers[0], ",") {
		cfg.Export.Brokers = strings.Split(cfg.Export.Brokers[0], ",")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Ingest.Port <= 0 || c.Ingest.Port > 65535 {
		return fmt.Errorf("config: ingest.port must be in 1..65535 (got %d)", c.Ingest.Port)
	}
	if c.Ingest.QueueDepth <= 0 {
		return fmt.Errorf("config: ingest.queue_depth must be > 0 (got %d)", c.Ingest.QueueDepth)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("config: database.url is required")
	}
	if c.Subscriber.Port <= 0 || c.Subscriber.Port > 65535 {
		return fmt.Errorf("config: subscriber.port must be in 1..65535 (got %d)", c.Subscriber.Port)
	}
	if c.Subscriber.WriteTimeoutMs <= 0 {
		return fmt.Errorf("config: subscriber.write_timeout_ms must be > 0 (got %d)", c.Subscriber.WriteTimeoutMs)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Export.Enabled() && c.Export.Topic == "" {
		return fmt.Errorf("config: export.topic is required when export.brokers is set")
	}
	return nil
}

// SubscriberWriteTimeout returns the per-send deadline for subscriber sinks.
func (c *Config) SubscriberWriteTimeout() time.Duration {
	return time.Duration(c.Subscriber.WriteTimeoutMs) * time.Millisecond
}

// ShutdownTimeout returns the graceful drain budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Service.ShutdownTimeoutSeconds) * time.Second
}
