// Package config loads agent and collector configuration from YAML files
// merged over built-in defaults. Durations are written as human-readable
// strings ("10s", "1h") in the file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "15s" or "1m30s" parse.
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("unsupported duration format: %v", value.Kind)
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// AgentConfig holds all agent settings.
type AgentConfig struct {
	// CollectorURL is the base URL of the collector (no trailing slash).
	CollectorURL string `yaml:"collector_url"`

	// MachineName overrides the hostname reported with every sample.
	MachineName string `yaml:"machine_name"`

	// DatabasePath is the SQLite file backing the local outbox.
	DatabasePath string `yaml:"database_path"`

	CollectInterval Duration `yaml:"collect_interval"`
	PushInterval    Duration `yaml:"push_interval"`
	CommandInterval Duration `yaml:"command_interval"`

	// PushBatchSize caps how many queued samples one push attempt carries.
	PushBatchSize int `yaml:"push_batch_size"`

	// RetryDelay is the reschedule delay after a failed push. Values below
	// one minute are raised to one minute to avoid retry storms.
	RetryDelay Duration `yaml:"retry_delay"`

	// RetentionDays bounds outbox growth while the collector is unreachable.
	RetentionDays int `yaml:"retention_days"`
}

// CollectorConfig holds all collector settings.
type CollectorConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	// StorageDriver selects the storage backend: "sqlite" or "postgres".
	StorageDriver string `yaml:"storage_driver"`

	// StorageDSN is the SQLite path or the Postgres connection string.
	StorageDSN string `yaml:"storage_dsn"`

	// AMQPURL enables the queued ingestion path when non-empty.
	AMQPURL   string `yaml:"amqp_url"`
	AMQPQueue string `yaml:"amqp_queue"`

	// IngestBatchSize and IngestFlushInterval tune the queued-path batcher.
	IngestBatchSize     int      `yaml:"ingest_batch_size"`
	IngestFlushInterval Duration `yaml:"ingest_flush_interval"`

	RetentionDays int `yaml:"retention_days"`

	Otel OtelConfig `yaml:"otel"`
}

// OtelConfig holds OpenTelemetry export settings. Disabled by default.
type OtelConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ExporterType string `yaml:"exporter_type"` // none, stdout, otlp-grpc, otlp-http
	Endpoint     string `yaml:"endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// DefaultAgentConfig returns agent defaults matching a one-second collection
// cadence with ten-second pushes.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		CollectorURL:    "http://localhost:5101",
		DatabasePath:    "monitor.db",
		CollectInterval: Duration{1 * time.Second},
		PushInterval:    Duration{10 * time.Second},
		CommandInterval: Duration{3 * time.Second},
		PushBatchSize:   50,
		RetryDelay:      Duration{60 * time.Second},
		RetentionDays:   7,
	}
}

// DefaultCollectorConfig returns collector defaults: SQLite storage, queued
// path disabled, hourly retention of seven days.
func DefaultCollectorConfig() *CollectorConfig {
	return &CollectorConfig{
		ListenAddr:          ":5101",
		StorageDriver:       "sqlite",
		StorageDSN:          "collector.db",
		AMQPQueue:           "metrics_queue",
		IngestBatchSize:     100,
		IngestFlushInterval: Duration{1 * time.Second},
		RetentionDays:       7,
		Otel: OtelConfig{
			Enabled:      false,
			ExporterType: "none",
		},
	}
}

// LoadAgent reads an agent config file and merges it over defaults.
// An empty path or a missing file yields the defaults.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadInto(path, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadCollector reads a collector config file and merges it over defaults.
// An empty path or a missing file yields the defaults.
func LoadCollector(path string) (*CollectorConfig, error) {
	cfg := DefaultCollectorConfig()
	if err := loadInto(path, cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func loadInto(path string, cfg interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate checks agent settings that have no sane fallback.
func (c *AgentConfig) Validate() error {
	if c.CollectorURL == "" {
		return fmt.Errorf("collector URL is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path is required")
	}
	if c.PushBatchSize <= 0 {
		return fmt.Errorf("push batch size must be positive")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive")
	}
	return nil
}

// Validate checks collector settings that have no sane fallback.
func (c *CollectorConfig) Validate() error {
	switch c.StorageDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.StorageDriver)
	}
	if c.StorageDSN == "" {
		return fmt.Errorf("storage DSN is required")
	}
	if c.IngestBatchSize <= 0 {
		return fmt.Errorf("ingest batch size must be positive")
	}
	if c.IngestFlushInterval.Duration <= 0 {
		return fmt.Errorf("ingest flush interval must be positive")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("retention days must be positive")
	}
	return nil
}
