// Package observability wires OpenTelemetry tracing and metrics for the
// deployment gate. Export is off by default; when disabled every recording
// method is a no-op so callers never branch on telemetry state.
package observability

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

const instrumentationName = "crucible.gate"

// Config configures the telemetry providers.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	Endpoint       string  // OTLP gRPC endpoint, e.g. "localhost:4317"
	SampleRate     float64 // 0.0 to 1.0; >=1 samples everything
	BatchTimeout   time.Duration
	Enabled        bool
	Insecure       bool
}

// DefaultConfig returns sane local defaults with export disabled.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:  "crucible",
		Environment:  "dev",
		Endpoint:     "localhost:4317",
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
	}
}

// Provider owns the tracer, meter, and the gate's core instruments.
type Provider struct {
	config         *Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	tracer         trace.Tracer
	meter          metric.Meter
	logger         *slog.Logger

	sessionCounter  metric.Int64Counter
	checkCounter    metric.Int64Counter
	rollbackCounter metric.Int64Counter
	phaseDuration   metric.Float64Histogram
}

// New builds a provider. With Enabled false it returns a provider whose
// recording methods do nothing, so wiring stays unconditional.
func New(ctx context.Context, config *Config) (*Provider, error) {
	if config == nil {
		config = DefaultConfig()
	}
	p := &Provider{
		config: config,
		logger: slog.Default().With("component", "observability"),
	}
	if !config.Enabled {
		return p, nil
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	if err := p.initTraces(ctx, res); err != nil {
		return nil, err
	}
	if err := p.initMetrics(ctx, res); err != nil {
		return nil, err
	}

	p.tracer = otel.Tracer(instrumentationName,
		trace.WithInstrumentationVersion(config.ServiceVersion))
	p.meter = otel.Meter(instrumentationName,
		metric.WithInstrumentationVersion(config.ServiceVersion))
	if err := p.initInstruments(); err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "telemetry export enabled",
		"service", config.ServiceName,
		"endpoint", config.Endpoint,
		"sample_rate", config.SampleRate)
	return p, nil
}

func (p *Provider) initTraces(ctx context.Context, res *resource.Resource) error {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(p.config.Endpoint)}
	if p.config.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create trace exporter: %w", err)
	}

	var sampler sdktrace.Sampler
	switch {
	case p.config.SampleRate >= 1.0:
		sampler = sdktrace.AlwaysSample()
	case p.config.SampleRate <= 0.0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(p.config.SampleRate)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(p.config.BatchTimeout)),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return nil
}

func (p *Provider) initMetrics(ctx context.Context, res *resource.Resource) error {
	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(p.config.Endpoint)}
	if p.config.Insecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return fmt.Errorf("create metric exporter: %w", err)
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(p.meterProvider)
	return nil
}

func (p *Provider) initInstruments() error {
	var err error
	p.sessionCounter, err = p.meter.Int64Counter("crucible.sessions.total",
		metric.WithDescription("Deployment sessions by terminal outcome"),
		metric.WithUnit("{session}"))
	if err != nil {
		return err
	}
	p.checkCounter, err = p.meter.Int64Counter("crucible.checks.total",
		metric.WithDescription("Health check executions by status"),
		metric.WithUnit("{check}"))
	if err != nil {
		return err
	}
	p.rollbackCounter, err = p.meter.Int64Counter("crucible.rollbacks.total",
		metric.WithDescription("Automatic rollbacks triggered"),
		metric.WithUnit("{rollback}"))
	if err != nil {
		return err
	}
	p.phaseDuration, err = p.meter.Float64Histogram("crucible.phase.duration",
		metric.WithDescription("Duration of each gate phase in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300, 900))
	return err
}

// Tracer returns the configured tracer.
func (p *Provider) Tracer() trace.Tracer {
	if p.tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return p.tracer
}

// StartSpan opens a span on the gate tracer.
func (p *Provider) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.Tracer().Start(ctx, name, opts...)
}

// RecordSession counts a finished session by outcome.
func (p *Provider) RecordSession(ctx context.Context, env, outcome string) {
	if p.sessionCounter == nil {
		return
	}
	p.sessionCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", env),
		attribute.String("outcome", outcome),
	))
}

// RecordCheck counts one health check execution.
func (p *Provider) RecordCheck(ctx context.Context, checkID, status string) {
	if p.checkCounter == nil {
		return
	}
	p.checkCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("check_id", checkID),
		attribute.String("status", status),
	))
}

// RecordRollback counts an automatic rollback.
func (p *Provider) RecordRollback(ctx context.Context, env string) {
	if p.rollbackCounter == nil {
		return
	}
	p.rollbackCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("environment", env),
	))
}

// TrackPhase times one gate phase. The returned func records the duration
// and closes the span.
func (p *Provider) TrackPhase(ctx context.Context, phase string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := p.StartSpan(ctx, "gate."+phase,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("phase", phase)))
	return ctx, func(err error) {
		if p.phaseDuration != nil {
			p.phaseDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(attribute.String("phase", phase)))
		}
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "trace provider shutdown failed", "err", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			p.logger.ErrorContext(ctx, "metric provider shutdown failed", "err", err)
		}
	}
	return nil
}
