// Command collector runs the fleetmon collector: an HTTP API for sample
// ingest and fleet queries, an optional AMQP consumer feeding a batching
// writer, and a background retention sweep. Storage is SQLite by default
// and PostgreSQL when configured.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc-dunia/fleetmon/internal/api"
	"github.com/bc-dunia/fleetmon/internal/config"
	"github.com/bc-dunia/fleetmon/internal/ingest"
	"github.com/bc-dunia/fleetmon/internal/otel"
	"github.com/bc-dunia/fleetmon/internal/retention"
	"github.com/bc-dunia/fleetmon/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	listenAddr := flag.String("addr", "", "Listen address (overrides config)")
	storageDSN := flag.String("dsn", "", "Storage DSN (overrides config)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadCollector(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *storageDSN != "" {
		cfg.StorageDSN = *storageDSN
	}

	ctx := context.Background()

	metrics, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:      cfg.Otel.Enabled,
		ServiceName:  "fleetmon-collector",
		ExporterType: otel.ExporterType(cfg.Otel.ExporterType),
		OTLPEndpoint: cfg.Otel.Endpoint,
		OTLPInsecure: cfg.Otel.Insecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing metrics: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalMetrics(metrics)

	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:      cfg.Otel.Enabled,
		ServiceName:  "fleetmon-collector",
		ExporterType: otel.ExporterType(cfg.Otel.ExporterType),
		OTLPEndpoint: cfg.Otel.Endpoint,
		OTLPInsecure: cfg.Otel.Insecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing tracer: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalTracer(tracer)

	engine, err := storage.Open(cfg.StorageDriver, cfg.StorageDSN)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening storage: %v\n", err)
		os.Exit(1)
	}

	sweeper := retention.NewManager(retention.Config{
		RetentionDays: cfg.RetentionDays,
	}, engine, logger)
	sweeper.Start()

	var batcher *ingest.Batcher
	var consumer *ingest.QueueConsumer
	if cfg.AMQPURL != "" {
		batcher = ingest.NewBatcher(ctx, engine, ingest.BatcherConfig{
			BatchSize:     cfg.IngestBatchSize,
			FlushInterval: cfg.IngestFlushInterval.Duration,
		}, metrics, tracer, logger)
		consumer = ingest.NewQueueConsumer(ingest.QueueConsumerConfig{
			URL:   cfg.AMQPURL,
			Queue: cfg.AMQPQueue,
		}, batcher, logger)
		consumer.Start(ctx)
	}

	srv := api.NewServer(cfg.ListenAddr, engine, logger)
	srv.SetTracer(tracer)
	srv.SetMetrics(metrics)
	if err := srv.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	logger.Info("collector_running",
		"addr", srv.Addr(),
		"storage_driver", cfg.StorageDriver,
		"amqp_enabled", cfg.AMQPURL != "")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("collector_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Stop accepting new work before draining what is in flight.
	if consumer != nil {
		consumer.Stop()
	}
	if batcher != nil {
		batcher.Close()
	}
	sweeper.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_failed", "error", err.Error())
	}
	if err := engine.Close(); err != nil {
		logger.Error("storage_close_failed", "error", err.Error())
	}
	if err := metrics.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics_shutdown_failed", "error", err.Error())
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer_shutdown_failed", "error", err.Error())
	}
}
