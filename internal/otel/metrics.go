// Package otel provides OpenTelemetry metrics integration for stride.
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
		ServiceName:  "stride",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps OpenTelemetry metrics functionality with stride-specific helpers.
type Metrics struct {
	config           *MetricsConfig
	meterProvider    *sdkmetric.MeterProvider
	meter            metric.Meter
	shutdown         func(context.Context) error
	mu               sync.RWMutex
	currentEpoch     atomic.Int64
	epochCallback    metric.Int64ObservableGauge
	epochCallbackReg metric.Registration

	// Metric instruments
	batchDuration     metric.Float64Histogram
	batchCounter      metric.Int64Counter
	stepCounter       metric.Int64Counter
	validationCounter metric.Int64Counter
	errorCounter      metric.Int64Counter
	activeRuns        metric.Int64UpDownCounter
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

	// Batch duration histogram (in milliseconds)
	m.batchDuration, err = m.meter.Float64Histogram(
		"stride.batch.duration",
		metric.WithDescription("Duration of a single batch step"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return fmt.Errorf("failed to create batch duration histogram: %w", err)
	}

	// Batch counter with stage attribute
	m.batchCounter, err = m.meter.Int64Counter(
		"stride.batches",
		metric.WithDescription("Count of batches processed by stage"),
	)
	if err != nil {
		return fmt.Errorf("failed to create batch counter: %w", err)
	}

	// Optimizer step counter
	m.stepCounter, err = m.meter.Int64Counter(
		"stride.optimizer.steps",
		metric.WithDescription("Count of optimizer steps applied"),
	)
	if err != nil {
		return fmt.Errorf("failed to create step counter: %w", err)
	}

	// Validation pass counter
	m.validationCounter, err = m.meter.Int64Counter(
		"stride.validation.passes",
		metric.WithDescription("Count of validation passes completed"),
	)
	if err != nil {
		return fmt.Errorf("failed to create validation counter: %w", err)
	}

	// Error counter with category attribute
	m.errorCounter, err = m.meter.Int64Counter(
		"stride.errors",
		metric.WithDescription("Count of errors by category"),
	)
	if err != nil {
		return fmt.Errorf("failed to create error counter: %w", err)
	}

	// Active runs gauge (up/down counter)
	m.activeRuns, err = m.meter.Int64UpDownCounter(
		"stride.runs.active",
		metric.WithDescription("Number of active training runs"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active runs counter: %w", err)
	}

	// Current epoch observable gauge
	m.epochCallback, err = m.meter.Int64ObservableGauge(
		"stride.epoch",
		metric.WithDescription("Current training epoch"),
	)
	if err != nil {
		return fmt.Errorf("failed to create epoch gauge: %w", err)
	}

	// Register callback for epoch gauge
	m.epochCallbackReg, err = m.meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			o.ObserveInt64(m.epochCallback, m.currentEpoch.Load())
			return nil
		},
		m.epochCallback,
	)
	if err != nil {
		return fmt.Errorf("failed to register epoch gauge callback: %w", err)
	}

	return nil
}

// RecordBatchDuration records the duration of a single batch step.
func (m *Metrics) RecordBatchDuration(ctx context.Context, stage string, durationMs float64) {
	if m.batchDuration == nil {
		return
	}

	m.batchDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("stage", stage),
	))
}

// AddBatches adds to the batch counter for the given stage.
func (m *Metrics) AddBatches(ctx context.Context, stage string, n int64) {
	if m.batchCounter == nil {
		return
	}

	m.batchCounter.Add(ctx, n, metric.WithAttributes(
		attribute.String("stage", stage),
	))
}

// AddOptimizerSteps adds to the optimizer step counter.
func (m *Metrics) AddOptimizerSteps(ctx context.Context, n int64) {
	if m.stepCounter == nil {
		return
	}

	m.stepCounter.Add(ctx, n)
}

// RecordValidationPass increments the validation pass counter.
func (m *Metrics) RecordValidationPass(ctx context.Context) {
	if m.validationCounter == nil {
		return
	}

	m.validationCounter.Add(ctx, 1)
}

// RecordError records an error with the specified category.
func (m *Metrics) RecordError(ctx context.Context, category string) {
	if m.errorCounter == nil {
		return
	}

	m.errorCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", category),
	))
}

// IncrementActiveRuns increments the active runs counter.
func (m *Metrics) IncrementActiveRuns(ctx context.Context) {
	if m.activeRuns == nil {
		return
	}

	m.activeRuns.Add(ctx, 1)
}

// DecrementActiveRuns decrements the active runs counter.
func (m *Metrics) DecrementActiveRuns(ctx context.Context) {
	if m.activeRuns == nil {
		return
	}

	m.activeRuns.Add(ctx, -1)
}

// SetCurrentEpoch sets the current epoch for the observable gauge.
// This is thread-safe and will be read by the gauge callback.
func (m *Metrics) SetCurrentEpoch(epoch int) {
	m.currentEpoch.Store(int64(epoch))
}

// Shutdown gracefully shuts down the metrics provider, flushing any pending metrics.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Unregister callback if registered
	if m.epochCallbackReg != nil {
		if err := m.epochCallbackReg.Unregister(); err != nil {
			return fmt.Errorf("failed to unregister epoch callback: %w", err)
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
