package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type requestIDKey struct{}
type accountKey struct{}
type protocolKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithRequestID attaches the gateway request id to the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts the gateway request id. Returns "" if absent.
func RequestID(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithAccount records which account serves the current call.
func WithAccount(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, accountKey{}, username)
}

// Account extracts the serving account. Returns "" if absent.
func Account(ctx context.Context) string {
	if v, ok := ctx.Value(accountKey{}).(string); ok {
		return v
	}
	return ""
}

// WithProtocol records the client wire protocol ("openai", "gemini").
func WithProtocol(ctx context.Context, protocol string) context.Context {
	return context.WithValue(ctx, protocolKey{}, protocol)
}

// Protocol extracts the client wire protocol. Returns "" if absent.
func Protocol(ctx context.Context) string {
	if v, ok := ctx.Value(protocolKey{}).(string); ok {
		return v
	}
	return ""
}
