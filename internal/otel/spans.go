package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for bridge spans and metrics.
var (
	AttrModel        = attribute.Key("bridge.llm.model")
	AttrDriver       = attribute.Key("bridge.llm.driver")
	AttrAccount      = attribute.Key("bridge.account")
	AttrProtocol     = attribute.Key("bridge.protocol")
	AttrScope        = attribute.Key("bridge.scope")
	AttrCandidate    = attribute.Key("bridge.candidate")
	AttrOutcome      = attribute.Key("bridge.outcome")
	AttrStream       = attribute.Key("bridge.stream")
	AttrHTTPStatus   = attribute.Key("http.status_code")
	AttrTokensInput  = attribute.Key("bridge.llm.tokens.input")
	AttrTokensOutput = attribute.Key("bridge.llm.tokens.output")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound Puter API call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
