package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func initRecording(t *testing.T) (*Provider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"}, WithSpanExporter(exp))
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p, exp
}

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled telemetry built an sdk tracer provider")
	}
	_, span := p.Tracer.Start(context.Background(), "ignored")
	if span.SpanContext().IsValid() {
		t.Fatal("noop tracer produced a sampled span")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		exporter string
		wantErr  bool
	}{
		{"none", false},
		{"stdout", false},
		{"otlp-http", false},
		{"carrier-pigeon", true},
	}
	for _, tt := range tests {
		t.Run(tt.exporter, func(t *testing.T) {
			p, err := Init(context.Background(), Config{Enabled: true, Exporter: tt.exporter, ServiceName: "bridge-test"})
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("init: %v", err)
			}
			_ = p.Shutdown(context.Background())
		})
	}
}

func TestInit_MetricsDisabledKeepsTracing(t *testing.T) {
	off := false
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none", MetricsEnabled: &off})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer p.Shutdown(context.Background())
	if p.TracerProvider == nil || p.Meter == nil {
		t.Fatal("expected tracer provider and a noop meter")
	}
}

func TestSpanHelpers_RecordKindAndAttributes(t *testing.T) {
	p, exp := initRecording(t)
	ctx := context.Background()

	_, s1 := StartServerSpan(ctx, p.Tracer, "POST /v1/chat/completions", AttrProtocol.String("openai"))
	s1.End()
	_, s2 := StartClientSpan(ctx, p.Tracer, "puter.drivers.call", AttrModel.String("gpt-4o"), AttrStream.Bool(true))
	s2.End()
	_, s3 := StartSpan(ctx, p.Tracer, "broker.complete", AttrAccount.String("alice"))
	s3.End()

	spans := exp.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("exported %d spans, want 3", len(spans))
	}
	wantKinds := map[string]trace.SpanKind{
		"POST /v1/chat/completions": trace.SpanKindServer,
		"puter.drivers.call":        trace.SpanKindClient,
		"broker.complete":           trace.SpanKindInternal,
	}
	for _, s := range spans {
		if want := wantKinds[s.Name]; s.SpanKind != want {
			t.Errorf("%s kind = %v, want %v", s.Name, s.SpanKind, want)
		}
	}
	var sawModel bool
	for _, kv := range spans[1].Attributes {
		if kv.Key == AttrModel && kv.Value.AsString() == "gpt-4o" {
			sawModel = true
		}
	}
	if !sawModel {
		t.Fatalf("client span attributes = %v", spans[1].Attributes)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	p, _ := initRecording(t)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("first shutdown: %v", err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}
