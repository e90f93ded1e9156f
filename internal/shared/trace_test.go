package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := RequestID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithRequestID(ctx, "req-1")
	if got := RequestID(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
}

func TestAccountAndProtocol(t *testing.T) {
	ctx := WithProtocol(WithAccount(context.Background(), "alice"), "gemini")
	if got := Account(ctx); got != "alice" {
		t.Fatalf("expected alice, got %q", got)
	}
	if got := Protocol(ctx); got != "gemini" {
		t.Fatalf("expected gemini, got %q", got)
	}
}
