// Package otel wires the bridge's tracer and meter. With telemetry disabled
// every instrument is a no-op, so callers never branch on configuration.
package otel

import (
	"context"
	"errors"
	"fmt"

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
	TracerName = "puter-bridge"
	MeterName  = "puter-bridge"
	Version    = "v0.3.0"

	defaultOTLPEndpoint = "localhost:4318"
)

// Config is the otel: block of config.yaml.
type Config struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout or none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	// MetricsEnabled defaults to true when tracing is on.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty"`
}

func (c Config) wantMetrics() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c Config) serviceName() string {
	if c.ServiceName == "" {
		return "puter-bridge"
	}
	return c.ServiceName
}

func (c Config) sampler() sdktrace.Sampler {
	rate := c.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	closers []func(context.Context) error
}

type options struct {
	spanExporter sdktrace.SpanExporter
	metricReader sdkmetric.Reader
}

// Option overrides how telemetry leaves the process.
type Option func(*options)

// WithSpanExporter replaces the configured exporter. Spans are exported
// synchronously so they are visible as soon as End returns.
func WithSpanExporter(exp sdktrace.SpanExporter) Option {
	return func(o *options) { o.spanExporter = exp }
}

// WithMetricReader attaches a reader (for example a manual reader) to the
// meter provider.
func WithMetricReader(r sdkmetric.Reader) Option {
	return func(o *options) { o.metricReader = r }
}

func disabled() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
		MeterProvider: mp,
		Meter:         mp.Meter(MeterName),
	}
}

// Init builds the providers described by cfg and installs the tracer
// provider globally. The returned Provider must be shut down on exit.
func Init(ctx context.Context, cfg Config, opts ...Option) (*Provider, error) {
	if !cfg.Enabled {
		return disabled(), nil
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.serviceName()),
		attribute.String("bridge.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	var spanOpt sdktrace.TracerProviderOption
	if o.spanExporter != nil {
		spanOpt = sdktrace.WithSyncer(o.spanExporter)
	} else {
		exp, err := newSpanExporter(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("otel exporter: %w", err)
		}
		spanOpt = sdktrace.WithBatcher(exp)
	}
	tp := sdktrace.NewTracerProvider(spanOpt, sdktrace.WithResource(res), sdktrace.WithSampler(cfg.sampler()))
	otel.SetTracerProvider(tp)

	p := &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(TracerName),
		closers:        []func(context.Context) error{tp.Shutdown},
	}
	if !cfg.wantMetrics() {
		mp := noop.NewMeterProvider()
		p.MeterProvider, p.Meter = mp, mp.Meter(MeterName)
		return p, nil
	}

	mopts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if o.metricReader != nil {
		mopts = append(mopts, sdkmetric.WithReader(o.metricReader))
	}
	mp := sdkmetric.NewMeterProvider(mopts...)
	p.MeterProvider, p.Meter = mp, mp.Meter(MeterName)
	p.closers = append(p.closers, mp.Shutdown)
	return p, nil
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c(ctx))
	}
	p.closers = nil
	return errors.Join(errs...)
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp-http":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	}
	return nil, fmt.Errorf("unknown exporter %q (want otlp-http, stdout or none)", cfg.Exporter)
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                           { return nil }
