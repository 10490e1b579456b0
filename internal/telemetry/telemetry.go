// Package telemetry wires OpenTelemetry tracing and metrics for the payment
// core. Instruments come from the global providers, which are no-ops until
// Setup installs exporting ones.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName names the tracer and meter.
const InstrumentationName = "github.com/Blessedbiello/402pay-sub001"

// Config configures the exporting providers.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	Insecure       bool
	SampleRate     float64
	MetricInterval time.Duration
}

// Setup installs global trace and meter providers exporting over OTLP/gRPC.
// The returned function flushes and stops them. When cfg.Enabled is false
// nothing is installed and the shutdown function is a no-op.
func Setup(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		logger.InfoContext(ctx, "telemetry disabled")
		return noop, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create resource: %w", err)
	}

	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint)}
	if cfg.Insecure {
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
	}

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		return noop, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return noop, fmt.Errorf("failed to create metric exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case cfg.SampleRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SampleRate)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter, sdkmetric.WithInterval(interval))),
	)

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.InfoContext(ctx, "telemetry initialized",
		"service", cfg.ServiceName,
		"endpoint", cfg.OTLPEndpoint,
		"sample_rate", cfg.SampleRate,
	)

	return func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}

// Tracer returns the package tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// Metrics holds the payment instruments.
type Metrics struct {
	issued         metric.Int64Counter
	verifications  metric.Int64Counter
	settlements    metric.Int64Counter
	settleDuration metric.Float64Histogram
}

// NewMetrics creates the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.issued, err = meter.Int64Counter("x402.requirements.issued",
		metric.WithDescription("Payment requirements issued"),
		metric.WithUnit("{requirement}"),
	)
	if err != nil {
		return nil, err
	}

	m.verifications, err = meter.Int64Counter("x402.verifications",
		metric.WithDescription("Payment verifications by outcome"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, err
	}

	m.settlements, err = meter.Int64Counter("x402.settlements",
		metric.WithDescription("Payment settlements by outcome"),
		metric.WithUnit("{settlement}"),
	)
	if err != nil {
		return nil, err
	}

	m.settleDuration, err = meter.Float64Histogram("x402.settlement.duration",
		metric.WithDescription("Settlement duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Default returns instruments on the global meter provider. Instrument
// creation on the global provider does not fail, so errors fall back to an
// instrument-less Metrics whose methods do nothing.
func Default() *Metrics {
	m, err := NewMetrics(otel.Meter(InstrumentationName))
	if err != nil {
		return &Metrics{}
	}
	return m
}

// RecordIssued counts an issued requirement.
func (m *Metrics) RecordIssued(ctx context.Context, network string) {
	if m == nil || m.issued == nil {
		return
	}
	m.issued.Add(ctx, 1, metric.WithAttributes(attribute.String("network", network)))
}

// RecordVerification counts a verification. reason is empty for valid payments.
func (m *Metrics) RecordVerification(ctx context.Context, network, reason string) {
	if m == nil || m.verifications == nil {
		return
	}
	m.verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("network", network),
		attribute.Bool("valid", reason == ""),
		attribute.String("reason", reason),
	))
}

// RecordSettlement counts a settlement and its duration. reason is empty on success.
func (m *Metrics) RecordSettlement(ctx context.Context, network, reason string, d time.Duration) {
	if m == nil || m.settlements == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("network", network),
		attribute.Bool("success", reason == ""),
		attribute.String("reason", reason),
	)
	m.settlements.Add(ctx, 1, attrs)
	m.settleDuration.Record(ctx, d.Seconds(), attrs)
}
