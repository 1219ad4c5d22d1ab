// Package observability wires OpenTelemetry tracing and metrics for the TEL
// registry: OTLP export, RED metrics for the HTTP API and the event log
// instruments in tel.go.
package observability

import (
	"context"
	"errors"
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

const instrumentationName = "github.com/Mindburn-Labs/tel"

// Config configures OTLP export. OTLPEndpoint is a gRPC host:port and
// SampleRate the fraction of traces kept, from 0 to 1.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
	SampleRate     float64
	BatchTimeout   time.Duration
	ExportInterval time.Duration
	Enabled        bool
	Insecure       bool
}

func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "tel-registry",
		ServiceVersion: "1.0.0",
		Environment:    "development",
		OTLPEndpoint:   "localhost:4317",
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		ExportInterval: 15 * time.Second,
		Enabled:        true,
	}
}

// Provider hands out the registry's tracer and meter and records RED metrics
// for tracked operations. A disabled Provider uses the global no-op providers.
type Provider struct {
	tracer   trace.Tracer
	meter    metric.Meter
	logger   *slog.Logger
	ops      *opMetrics
	shutdown []func(context.Context) error
}

type opMetrics struct {
	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	active   metric.Int64UpDownCounter
}

// New starts OTLP trace and metric export as described by config and
// installs the providers globally.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	logger := slog.Default().With("component", "observability")
	if !config.Enabled {
		logger.InfoContext(ctx, "observability disabled")
		return NewWithProviders(otel.GetTracerProvider(), otel.GetMeterProvider(), config.ServiceVersion)
	}

	res, err := newResource(config)
	if err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(ctx, config, res)
	if err != nil {
		return nil, err
	}
	mp, err := newMeterProvider(ctx, config, res)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, err
	}
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p, err := NewWithProviders(tp, mp, config.ServiceVersion)
	if err != nil {
		return nil, err
	}
	p.shutdown = append(p.shutdown, tp.Shutdown, mp.Shutdown)
	logger.InfoContext(ctx, "observability initialized",
		"service", config.ServiceName,
		"environment", config.Environment,
		"endpoint", config.OTLPEndpoint,
		"sample_rate", config.SampleRate,
	)
	return p, nil
}

// NewWithProviders builds a Provider on existing providers without touching
// the globals. Tests pass an sdkmetric.ManualReader-backed provider here.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider, version string) (*Provider, error) {
	p := &Provider{
		tracer: tp.Tracer(instrumentationName, trace.WithInstrumentationVersion(version)),
		meter:  mp.Meter(instrumentationName, metric.WithInstrumentationVersion(version)),
		logger: slog.Default().With("component", "observability"),
	}
	ops, err := newOpMetrics(p.meter)
	if err != nil {
		return nil, fmt.Errorf("operation metrics: %w", err)
	}
	p.ops = ops
	return p, nil
}

// newResource describes this service. It is schemaless so merging never
// conflicts with the schema of the SDK's default resource.
func newResource(config *Config) (*resource.Resource, error) {
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(config.ServiceName),
		semconv.ServiceVersion(config.ServiceVersion),
		semconv.DeploymentEnvironment(config.Environment),
		attribute.String("tel.component", "registry"),
	))
	if err != nil {
		return nil, fmt.Errorf("observability resource: %w", err)
	}
	return res, nil
}

func newTracerProvider(ctx context.Context, config *Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(config.BatchTimeout)),
		sdktrace.WithSampler(sampler(config.SampleRate)),
	), nil
}

func newMeterProvider(ctx context.Context, config *Config, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(config.OTLPEndpoint)}
	if config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metric exporter: %w", err)
	}
	interval := config.ExportInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
	), nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

func newOpMetrics(meter metric.Meter) (*opMetrics, error) {
	m := &opMetrics{}
	var err error
	if m.requests, err = meter.Int64Counter("tel.operations",
		metric.WithDescription("Tracked operations started"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if m.errors, err = meter.Int64Counter("tel.operations.errors",
		metric.WithDescription("Tracked operations that failed"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("tel.operations.duration",
		metric.WithDescription("Tracked operation duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("tel.operations.active",
		metric.WithDescription("Tracked operations in flight"),
		metric.WithUnit("{operation}"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// Shutdown flushes and stops exporters started by New.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		p.logger.ErrorContext(ctx, "observability shutdown", "error", err)
		return err
	}
	return nil
}

func (p *Provider) Tracer() trace.Tracer { return p.tracer }

func (p *Provider) Meter() metric.Meter { return p.meter }

// TrackOperation opens a span and counts the operation. The returned func
// ends both; a non-nil error marks the operation failed.
func (p *Provider) TrackOperation(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	set := metric.WithAttributes(append(attrs[:len(attrs):len(attrs)], attribute.String("operation", name))...)
	p.ops.requests.Add(ctx, 1, set)
	p.ops.active.Add(ctx, 1, set)

	return ctx, func(err error) {
		p.ops.active.Add(ctx, -1, set)
		p.ops.duration.Record(ctx, time.Since(start).Seconds(), set)
		if err != nil {
			span.RecordError(err)
			p.ops.errors.Add(ctx, 1, set)
		}
		span.End()
	}
}
