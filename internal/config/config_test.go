package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	return path
}

func TestLoadAgentDefaults(t *testing.T) {
	cfg, err := LoadAgent("")
	if err != nil {
		t.Fatalf("LoadAgent failed: %v", err)
	}
	if cfg.CollectInterval.Duration != time.Second {
		t.Errorf("expected 1s collect interval, got %v", cfg.CollectInterval.Duration)
	}
	if cfg.PushInterval.Duration != 10*time.Second {
		t.Errorf("expected 10s push interval, got %v", cfg.PushInterval.Duration)
	}
	if cfg.PushBatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", cfg.PushBatchSize)
	}
}

func TestLoadAgentMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadAgent(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadAgent failed for missing file: %v", err)
	}
	if cfg.RetentionDays != 7 {
		t.Errorf("expected default retention, got %d", cfg.RetentionDays)
	}
}

func TestLoadAgentMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
collector_url: http://collector.internal:5101
machine_name: web-01
push_interval: 30s
retry_delay: 2m
`)
	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent failed: %v", err)
	}
	if cfg.CollectorURL != "http://collector.internal:5101" {
		t.Errorf("unexpected collector URL %q", cfg.CollectorURL)
	}
	if cfg.MachineName != "web-01" {
		t.Errorf("unexpected machine name %q", cfg.MachineName)
	}
	if cfg.PushInterval.Duration != 30*time.Second {
		t.Errorf("expected 30s push interval, got %v", cfg.PushInterval.Duration)
	}
	if cfg.RetryDelay.Duration != 2*time.Minute {
		t.Errorf("expected 2m retry delay, got %v", cfg.RetryDelay.Duration)
	}
	// Untouched fields keep their defaults.
	if cfg.CollectInterval.Duration != time.Second {
		t.Errorf("expected default collect interval, got %v", cfg.CollectInterval.Duration)
	}
}

func TestLoadAgentInvalidDuration(t *testing.T) {
	path := writeConfig(t, "push_interval: quickly\n")
	if _, err := LoadAgent(path); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestAgentValidation(t *testing.T) {
	path := writeConfig(t, `collector_url: ""`)
	if _, err := LoadAgent(path); err == nil {
		t.Error("expected error for empty collector URL")
	}

	path = writeConfig(t, "push_batch_size: -1\n")
	if _, err := LoadAgent(path); err == nil {
		t.Error("expected error for negative batch size")
	}
}

func TestLoadCollectorDefaults(t *testing.T) {
	cfg, err := LoadCollector("")
	if err != nil {
		t.Fatalf("LoadCollector failed: %v", err)
	}
	if cfg.ListenAddr != ":5101" {
		t.Errorf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.StorageDriver != "sqlite" {
		t.Errorf("expected sqlite default, got %q", cfg.StorageDriver)
	}
	if cfg.Otel.Enabled {
		t.Error("expected otel disabled by default")
	}
}

func TestLoadCollectorPostgresAndQueue(t *testing.T) {
	path := writeConfig(t, `
listen_addr: ":8080"
storage_driver: postgres
storage_dsn: postgres://monitor:secret@db:5432/fleet
amqp_url: amqp://guest:guest@mq:5672/
amqp_queue: samples
ingest_batch_size: 500
ingest_flush_interval: 250ms
otel:
  enabled: true
  exporter_type: otlp-grpc
  endpoint: otel-collector:4317
  insecure: true
`)
	cfg, err := LoadCollector(path)
	if err != nil {
		t.Fatalf("LoadCollector failed: %v", err)
	}
	if cfg.StorageDriver != "postgres" {
		t.Errorf("expected postgres driver, got %q", cfg.StorageDriver)
	}
	if cfg.AMQPURL == "" || cfg.AMQPQueue != "samples" {
		t.Errorf("expected queue settings loaded, got %q %q", cfg.AMQPURL, cfg.AMQPQueue)
	}
	if cfg.IngestFlushInterval.Duration != 250*time.Millisecond {
		t.Errorf("expected 250ms flush interval, got %v", cfg.IngestFlushInterval.Duration)
	}
	if !cfg.Otel.Enabled || cfg.Otel.ExporterType != "otlp-grpc" {
		t.Errorf("unexpected otel config %+v", cfg.Otel)
	}
}

func TestCollectorValidation(t *testing.T) {
	path := writeConfig(t, "storage_driver: oracle\n")
	if _, err := LoadCollector(path); err == nil {
		t.Error("expected error for unknown storage driver")
	}

	path = writeConfig(t, "ingest_batch_size: 0\n")
	if _, err := LoadCollector(path); err == nil {
		t.Error("expected error for zero ingest batch size")
	}
}
