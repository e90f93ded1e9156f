package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/puter-bridge/internal/engine"
)

// Metrics holds the bridge's metric instruments.
type Metrics struct {
	RequestDuration  metric.Float64Histogram
	UpstreamDuration metric.Float64Histogram
	Attempts         metric.Int64Counter
	Cooldowns        metric.Int64Counter
	Rotations        metric.Int64Counter
	Exhaustions      metric.Int64Counter
	Retries          metric.Int64Counter
	TokensUsed       metric.Int64Counter
	StreamChunks     metric.Int64Counter
	ActiveStreams    metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("bridge.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.UpstreamDuration, err = meter.Float64Histogram("bridge.upstream.duration",
		metric.WithDescription("Puter API call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.Attempts, err = meter.Int64Counter("bridge.attempts",
		metric.WithDescription("Candidate attempts by scope and outcome"),
	)
	if err != nil {
		return nil, err
	}

	m.Cooldowns, err = meter.Int64Counter("bridge.cooldowns",
		metric.WithDescription("Cooldowns applied to models and accounts"),
	)
	if err != nil {
		return nil, err
	}

	m.Rotations, err = meter.Int64Counter("bridge.rotations",
		metric.WithDescription("Account rotations"),
	)
	if err != nil {
		return nil, err
	}

	m.Exhaustions, err = meter.Int64Counter("bridge.exhaustions",
		metric.WithDescription("Calls that exhausted every candidate"),
	)
	if err != nil {
		return nil, err
	}

	m.Retries, err = meter.Int64Counter("bridge.retries",
		metric.WithDescription("Connection retries against the Puter API"),
	)
	if err != nil {
		return nil, err
	}

	m.TokensUsed, err = meter.Int64Counter("bridge.tokens",
		metric.WithDescription("Total tokens consumed"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamChunks, err = meter.Int64Counter("bridge.stream.chunks",
		metric.WithDescription("Streaming chunks relayed to clients"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveStreams, err = meter.Int64UpDownCounter("bridge.stream.active",
		metric.WithDescription("Streams currently being relayed"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordAttempt counts one candidate attempt.
func (m *Metrics) RecordAttempt(ctx context.Context, scope string, a engine.Attempt) {
	if m == nil {
		return
	}
	outcome := "success"
	if !a.Success {
		outcome = string(a.ErrorType)
	}
	m.Attempts.Add(ctx, 1, metric.WithAttributes(
		AttrScope.String(scope),
		AttrCandidate.String(a.ID),
		AttrOutcome.String(outcome),
	))
	if scope == "model" && a.Duration > 0 {
		m.UpstreamDuration.Record(ctx, a.Duration.Seconds(), metric.WithAttributes(AttrModel.String(a.ID)))
	}
}

// RecordCooldown counts one cooldown.
func (m *Metrics) RecordCooldown(ctx context.Context, scope, id string, d time.Duration) {
	if m == nil {
		return
	}
	m.Cooldowns.Add(ctx, 1, metric.WithAttributes(
		AttrScope.String(scope),
		AttrCandidate.String(id),
		attribute.Int64("bridge.cooldown.seconds", int64(d.Seconds())),
	))
}

// RecordRotation counts one account rotation.
func (m *Metrics) RecordRotation(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.Rotations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("bridge.rotation.from", from),
		attribute.String("bridge.rotation.to", to),
	))
}

// RecordUsage adds token usage for a served call.
func (m *Metrics) RecordUsage(ctx context.Context, model string, u engine.Usage) {
	if m == nil {
		return
	}
	m.TokensUsed.Add(ctx, int64(u.PromptTokens), metric.WithAttributes(AttrModel.String(model), attribute.String("bridge.tokens.kind", "input")))
	m.TokensUsed.Add(ctx, int64(u.CompletionTokens), metric.WithAttributes(AttrModel.String(model), attribute.String("bridge.tokens.kind", "output")))
}

// RecordRequest records one finished gateway request.
func (m *Metrics) RecordRequest(ctx context.Context, protocol, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		AttrProtocol.String(protocol),
		AttrOutcome.String(outcome),
	))
}

// RecordExhaustion counts a call that ran out of candidates.
func (m *Metrics) RecordExhaustion(ctx context.Context, scope string) {
	if m == nil {
		return
	}
	m.Exhaustions.Add(ctx, 1, metric.WithAttributes(AttrScope.String(scope)))
}

// RecordRetry counts one connection retry.
func (m *Metrics) RecordRetry(ctx context.Context, errorType string) {
	if m == nil {
		return
	}
	m.Retries.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(errorType)))
}

// StreamStarted and StreamEnded bracket one relayed stream.
func (m *Metrics) StreamStarted(ctx context.Context, model string) {
	if m == nil {
		return
	}
	m.ActiveStreams.Add(ctx, 1, metric.WithAttributes(AttrModel.String(model)))
}

func (m *Metrics) StreamEnded(ctx context.Context, model string, chunks int) {
	if m == nil {
		return
	}
	m.ActiveStreams.Add(ctx, -1, metric.WithAttributes(AttrModel.String(model)))
	m.StreamChunks.Add(ctx, int64(chunks), metric.WithAttributes(AttrModel.String(model)))
}
