// Package otel provides OpenTelemetry integration for the Grace daemon: boot
// spans and kernel lifecycle metrics. When disabled, all operations are no-ops.
package otel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName and MeterName are the instrumentation scope of Grace.
	TracerName = "grace"
	MeterName  = "grace"

	defaultEndpoint = "localhost:4318"
)

// Config is the telemetry section of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http (default), stdout, none
	Endpoint    string  `yaml:"endpoint"` // host:port or a full URL
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricsEnabled keeps in-process metric collection on; nil means on.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
	// Version is stamped on the resource by the daemon, not read from yaml.
	Version string `yaml:"-"`
}

func (c Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// Provider holds the tracer and meter the daemon hands to its components.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	reader   *sdkmetric.ManualReader
	shutdown []func(context.Context) error
}

// Init builds the providers described by cfg. The returned Provider must be
// shut down on exit. A disabled config yields no-op tracing and metrics.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		MeterProvider: noop.NewMeterProvider(),
	}
	p.Meter = p.MeterProvider.Meter(MeterName)
	if !cfg.Enabled {
		return p, nil
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	p.TracerProvider = tp
	p.Tracer = tp.Tracer(TracerName)
	p.shutdown = append(p.shutdown, tp.Shutdown)

	if cfg.metricsOn() {
		p.reader = sdkmetric.NewManualReader()
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(p.reader))
		p.MeterProvider = mp
		p.Meter = mp.Meter(MeterName)
		p.shutdown = append(p.shutdown, mp.Shutdown)
	}
	return p, nil
}

// Shutdown flushes pending spans and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		errs = append(errs, fn(ctx))
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

func newResource(ctx context.Context, cfg Config) (*resource.Resource, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "grace"
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(name)}
	if cfg.Version != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.Version))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	return res, nil
}

// newSampler samples root spans at rate and follows the parent otherwise.
// Rates outside (0, 1] mean always.
func newSampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp-http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		if strings.Contains(endpoint, "://") {
			return otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter %q (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
