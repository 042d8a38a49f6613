// Command agent samples the local host into a durable outbox and pushes the
// outbox to a fleetmon collector. It keeps sampling through collector
// outages; queued samples survive restarts and are delivered once the
// collector returns.
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

	"github.com/bc-dunia/fleetmon/internal/agent"
	"github.com/bc-dunia/fleetmon/internal/command"
	"github.com/bc-dunia/fleetmon/internal/config"
	"github.com/bc-dunia/fleetmon/internal/ingest"
	"github.com/bc-dunia/fleetmon/internal/outbox"
	"github.com/bc-dunia/fleetmon/internal/pusher"
	"github.com/bc-dunia/fleetmon/internal/snapshot"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	collectorURL := flag.String("collector-url", "", "Collector base URL (overrides config)")
	machineName := flag.String("machine-name", "", "Reported machine name (overrides config; defaults to hostname)")
	databasePath := flag.String("database", "", "Outbox SQLite path (overrides config)")
	amqpURL := flag.String("amqp-url", "", "Publish samples to this AMQP broker instead of HTTP")
	amqpQueue := flag.String("amqp-queue", "metrics_queue", "Queue name for AMQP delivery")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *collectorURL != "" {
		cfg.CollectorURL = *collectorURL
	}
	if *machineName != "" {
		cfg.MachineName = *machineName
	}
	if *databasePath != "" {
		cfg.DatabasePath = *databasePath
	}

	queue, err := outbox.Open(cfg.DatabasePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening outbox: %v\n", err)
		os.Exit(1)
	}
	defer queue.Close()

	sampler := snapshot.NewCollector(cfg.MachineName)

	pushConfig := pusher.Config{
		IngestURL:  cfg.CollectorURL + "/api/v1/metrics",
		BatchSize:  cfg.PushBatchSize,
		RetryDelay: cfg.RetryDelay.Duration,
	}

	var push *pusher.Pusher
	var publisher *ingest.Publisher
	if *amqpURL != "" {
		publisher = ingest.NewPublisher(*amqpURL, *amqpQueue)
		defer publisher.Close()
		push = pusher.NewWithSender(queue, publisher, pushConfig, logger)
	} else {
		push = pusher.New(queue, pushConfig, logger)
	}

	poller := command.NewPoller(cfg.CollectorURL, sampler.MachineName(),
		command.NewRestartExecutor(logger), logger)

	runner := agent.NewRunner(sampler, queue, push, poller, agent.Config{
		CollectInterval: cfg.CollectInterval.Duration,
		PushInterval:    cfg.PushInterval.Duration,
		CommandInterval: cfg.CommandInterval.Duration,
		RetentionDays:   cfg.RetentionDays,
	}, nil, logger)

	runner.Start(context.Background())
	logger.Info("agent_running",
		"machine_name", sampler.MachineName(),
		"collector_url", cfg.CollectorURL,
		"database_path", cfg.DatabasePath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("agent_shutting_down")
	done := make(chan struct{})
	go func() {
		runner.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("agent_shutdown_timed_out")
	}
}
