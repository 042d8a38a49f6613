// Package otel provides OpenTelemetry metrics integration for fleetmon.
package otel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig holds configuration for the OpenTelemetry metrics.
type MetricsConfig struct {
	// Enabled controls whether metrics collection is active. Default: false (no-op).
	Enabled bool

	// ServiceName is the name of the service for metric attribution.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// ExporterType specifies which exporter to use.
	ExporterType ExporterType

	// OTLPEndpoint is the endpoint for OTLP exporters (e.g., "localhost:4317").
	OTLPEndpoint string

	// OTLPInsecure disables TLS for OTLP connections.
	OTLPInsecure bool

	// Attributes are additional attributes to add to all metrics.
	Attributes map[string]string
}

// DefaultMetricsConfig returns a default configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "fleetmon",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics functionality with fleetmon-specific helpers.
type Metrics struct {
	config         *MetricsConfig
	meterProvider  *sdkmetric.MeterProvider
	meter          metric.Meter
	shutdown       func(context.Context) error
	mu             sync.RWMutex
	outboxDepth    atomic.Int64
	depthGauge     metric.Int64ObservableGauge
	depthGaugeReg  metric.Registration

	// Metric instruments
	samplesIngested metric.Int64Counter
	flushDuration   metric.Float64Histogram
	nackCounter     metric.Int64Counter
	pushFailures    metric.Int64Counter
	commandsTotal   metric.Int64Counter
}

// globalMetrics is the singleton metrics instance.
var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics creates a new Metrics instance with the given configuration.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{
		config: cfg,
	}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		// Use no-op meter when disabled
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	// Create exporter based on type
	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics exporter: %w", err)
	}

	// Create resource with service information
	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics resource: %w", err)
	}

	// Create meter provider
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	// Register metric instruments
	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("failed to register metric instruments: %w", err)
	}

	return m, nil
}

// createExporter creates the appropriate metrics exporter based on configuration.
func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		opts := []otlpmetricgrpc.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		opts := []otlpmetrichttp.Option{}
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

// createResource creates the OpenTelemetry resource with service information.
func (m *Metrics) createResource(cfg *MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
	}

	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}

	// Add custom attributes
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}

	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attrs...),
	)
}

// registerInstruments creates and registers all metric instruments.
func (m *Metrics) registerInstruments() error {
	var err error

	// Samples ingested counter with transport attribute
	m.samplesIngested, err = m.meter.Int64Counter(
		"fleetmon.samples.ingested",
		metric.WithDescription("Count of metric samples accepted into storage"),
	)
	if err != nil {
		return fmt.Errorf("failed to create samples ingested counter: %w", err)
	}

	// Flush duration histogram (in milliseconds)
	m.flushDuration, err = m.meter.Float64Histogram(
		"fleetmon.ingest.flush_duration",
		metric.WithDescription("Duration of ingest batch flushes"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create flush duration histogram: %w", err)
	}

	// Nack counter for rejected queue deliveries
	m.nackCounter, err = m.meter.Int64Counter(
		"fleetmon.ingest.nacks",
		metric.WithDescription("Count of queue deliveries returned for redelivery"),
	)
	if err != nil {
		return fmt.Errorf("failed to create nack counter: %w", err)
	}

	// Push failure counter (agent side)
	m.pushFailures, err = m.meter.Int64Counter(
		"fleetmon.push.failures",
		metric.WithDescription("Count of failed outbox push attempts"),
	)
	if err != nil {
		return fmt.Errorf("failed to create push failure counter: %w", err)
	}

	// Command counter with status attribute
	m.commandsTotal, err = m.meter.Int64Counter(
		"fleetmon.commands",
		metric.WithDescription("Count of command status transitions"),
	)
	if err != nil {
		return fmt.Errorf("failed to create command counter: %w", err)
	}

	// Outbox depth observable gauge
	m.depthGauge, err = m.meter.Int64ObservableGauge(
		"fleetmon.outbox.depth",
		metric.WithDescription("Number of samples waiting in the local outbox"),
	)
	if err != nil {
		return fmt.Errorf("failed to create outbox depth gauge: %w", err)
	}

	// Register callback for outbox depth gauge
	m.depthGaugeReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.depthGauge, m.outboxDepth.Load())
			return nil
		},
		m.depthGauge,
	)
	if err != nil {
		return fmt.Errorf("failed to register outbox depth callback: %w", err)
	}

	return nil
}

// RecordIngested records samples accepted into storage via the given transport
// ("http" or "queue").
func (m *Metrics) RecordIngested(ctx context.Context, count int, transport string) {
	if m.samplesIngested == nil {
		return
	}

	m.samplesIngested.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("transport", transport),
	))
}

// RecordFlushDuration records how long one ingest batch flush took.
func (m *Metrics) RecordFlushDuration(ctx context.Context, durationMs float64, success bool) {
	if m.flushDuration == nil {
		return
	}

	m.flushDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.Bool("success", success),
	))
}

// RecordNacks records queue deliveries returned for redelivery.
func (m *Metrics) RecordNacks(ctx context.Context, count int) {
	if m.nackCounter == nil {
		return
	}

	m.nackCounter.Add(ctx, int64(count))
}

// RecordPushFailure increments the push failure counter.
func (m *Metrics) RecordPushFailure(ctx context.Context) {
	if m.pushFailures == nil {
		return
	}

	m.pushFailures.Add(ctx, 1)
}

// RecordCommand records one command status transition.
func (m *Metrics) RecordCommand(ctx context.Context, status string) {
	if m.commandsTotal == nil {
		return
	}

	m.commandsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
}

// SetOutboxDepth sets the current outbox depth for the observable gauge.
// This is thread-safe and will be read by the gauge callback.
func (m *Metrics) SetOutboxDepth(depth int64) {
	m.outboxDepth.Store(depth)
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Unregister callback if registered
	if m.depthGaugeReg != nil {
		if err := m.depthGaugeReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister outbox depth callback: %w", err)
		}
	}

	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// Enabled returns whether metrics collection is enabled.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// MeterProvider returns the underlying meter provider.
func (m *Metrics) MeterProvider() *sdkmetric.MeterProvider {
	return m.meterProvider
}

// SetGlobalMetrics sets the global metrics instance.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m

	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the global metrics instance.
// Returns a no-op metrics instance if none has been set.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()

	if globalMetrics == nil {
		// Return a no-op metrics instance
		cfg := DefaultMetricsConfig()
		m := &Metrics{
			config:        cfg,
			meterProvider: sdkmetric.NewMeterProvider(),
			shutdown:      func(context.Context) error { return nil },
		}
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		return m
	}

	return globalMetrics
}

// NoopMetrics returns a metrics instance that does nothing (for testing or when disabled).
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
