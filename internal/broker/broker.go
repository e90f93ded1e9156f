// Package broker turns one inbound chat turn into upstream calls. It picks
// the account, walks the model candidates, rotates accounts when one is
// throttled or rejected, relays streams, and records what happened.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/puter-bridge/internal/bus"
	"github.com/basket/puter-bridge/internal/engine"
	otelPkg "github.com/basket/puter-bridge/internal/otel"
	"github.com/basket/puter-bridge/internal/persistence"
	"github.com/basket/puter-bridge/internal/shared"
	"github.com/basket/puter-bridge/internal/telemetry"
	"github.com/basket/puter-bridge/internal/tokenutil"
	"github.com/basket/puter-bridge/internal/upstream"
)

// ErrNoModel is returned when neither the request nor the config names a model.
var ErrNoModel = errors.New("no model requested and no default model configured")

// errCredentialRejected aborts the model walk for an account whose token
// the upstream refused; other models would fail the same way.
var errCredentialRejected = errors.New("credential rejected")

// Upstream is the Puter API surface the broker calls.
type Upstream interface {
	Complete(ctx context.Context, token string, req upstream.ChatRequest) (*upstream.Completion, error)
	Stream(ctx context.Context, token string, req upstream.ChatRequest) (io.ReadCloser, error)
}

// Accounts is the credential store. Touch stamps lastUsed after a served call.
type Accounts interface {
	engine.AccountStore
	Touch(username string) error
}

// Ledger persists finished requests.
type Ledger interface {
	RecordRequest(ctx context.Context, req persistence.RequestRecord, attempts []persistence.AttemptRecord) error
}

// Config holds the broker's collaborators. Ledger, Bus, Metrics, Tracer and
// Logger are optional.
type Config struct {
	Upstream     Upstream
	Accounts     Accounts
	Fallback     *engine.FallbackEngine
	Rotator      *engine.AccountRotator
	Ledger       Ledger
	Bus          *bus.Bus
	Metrics      *otelPkg.Metrics
	Tracer       trace.Tracer
	Logger       *slog.Logger
	DefaultModel string
}

// Broker serves chat turns. It is safe for concurrent use.
type Broker struct {
	upstream     Upstream
	accounts     Accounts
	fallback     *engine.FallbackEngine
	rotator      *engine.AccountRotator
	ledger       Ledger
	bus          *bus.Bus
	metrics      *otelPkg.Metrics
	tracer       trace.Tracer
	logger       *slog.Logger
	defaultModel string
}

// New validates cfg and builds a Broker.
func New(cfg Config) (*Broker, error) {
	switch {
	case cfg.Upstream == nil:
		return nil, fmt.Errorf("broker: upstream client is required")
	case cfg.Accounts == nil:
		return nil, fmt.Errorf("broker: account store is required")
	case cfg.Fallback == nil:
		return nil, fmt.Errorf("broker: fallback engine is required")
	case cfg.Rotator == nil:
		return nil, fmt.Errorf("broker: account rotator is required")
	}
	b := &Broker{
		upstream:     cfg.Upstream,
		accounts:     cfg.Accounts,
		fallback:     cfg.Fallback,
		rotator:      cfg.Rotator,
		ledger:       cfg.Ledger,
		bus:          cfg.Bus,
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		logger:       cfg.Logger,
		defaultModel: cfg.DefaultModel,
	}
	if b.tracer == nil {
		b.tracer = nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = telemetry.Component(b.logger, "broker")
	return b, nil
}

// DefaultModel returns the model used when a request names none.
func (b *Broker) DefaultModel() string { return b.defaultModel }

// Rotator exposes the account rotator for status reporting.
func (b *Broker) Rotator() *engine.AccountRotator { return b.rotator }

// Fallback exposes the fallback engine for status reporting.
func (b *Broker) Fallback() *engine.FallbackEngine { return b.fallback }

// Request is one protocol-neutral chat turn.
type Request struct {
	Protocol    string
	Model       string
	Fallbacks   []string // overrides the configured chain when non-empty
	Messages    []upstream.Message
	Temperature *float64
	MaxTokens   int
	Tools       []json.RawMessage
}

// Response describes a served chat turn. For streams Text, FinishReason and
// Usage are filled once the relay finishes.
type Response struct {
	RequestID      string
	RequestedModel string
	Model          string
	Account        string
	WasFallback    bool
	WasRotated     bool

	Text           string
	FinishReason   string
	ToolCalls      []engine.ToolCallDelta
	Usage          engine.Usage
	UsageEstimated bool

	Attempts []engine.Attempt
	Duration time.Duration
}

// call is the bookkeeping for one request while it runs.
type call struct {
	req          Request
	resp         *Response
	stream       bool
	started      time.Time
	promptTokens int
	records      []persistence.AttemptRecord

	// release cancels the serving account's context. Streams read their
	// body under it, so it lives until the call returns.
	release context.CancelCauseFunc
}

func (c *call) close() {
	if c.release != nil {
		c.release(nil)
	}
}

func (c *call) addModelAttempts(account string, attempts []engine.Attempt) {
	for _, a := range attempts {
		c.resp.Attempts = append(c.resp.Attempts, a)
		c.records = append(c.records, attemptRecord("model", a.ID, account, a))
	}
}

func (c *call) addAccountAttempt(a engine.Attempt) {
	c.records = append(c.records, attemptRecord("account", a.ID, a.ID, a))
}

func attemptRecord(scope, candidate, account string, a engine.Attempt) persistence.AttemptRecord {
	return persistence.AttemptRecord{
		Scope:      scope,
		Candidate:  candidate,
		Account:    account,
		Success:    a.Success,
		ErrorType:  string(a.ErrorType),
		HTTPStatus: a.HTTPStatus,
		Duration:   a.Duration,
		Error:      a.Error,
	}
}

func (b *Broker) newCall(ctx context.Context, req Request, stream bool) (*call, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = b.defaultModel
	}
	if model == "" {
		return nil, ErrNoModel
	}
	req.Model = model

	id := shared.RequestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	return &call{
		req:          req,
		stream:       stream,
		started:      time.Now(),
		promptTokens: tokenutil.EstimatePrompt(messageTexts(req.Messages)),
		resp: &Response{
			RequestID:      id,
			RequestedModel: model,
		},
	}, nil
}

func (c *call) chatRequest(model string) upstream.ChatRequest {
	return upstream.ChatRequest{
		Model:       model,
		Messages:    c.req.Messages,
		Stream:      c.stream,
		Temperature: c.req.Temperature,
		MaxTokens:   c.req.MaxTokens,
		Tools:       c.req.Tools,
	}
}

// Complete serves a non-streaming chat turn.
func (b *Broker) Complete(ctx context.Context, req Request) (*Response, error) {
	c, err := b.newCall(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer c.close()
	ctx = shared.WithRequestID(ctx, c.resp.RequestID)
	ctx, span := otelPkg.StartSpan(ctx, b.tracer, "broker.complete",
		otelPkg.AttrModel.String(c.req.Model),
		otelPkg.AttrProtocol.String(c.req.Protocol),
		otelPkg.AttrStream.Bool(false),
	)
	defer span.End()

	comp, err := execute(ctx, b, c, func(ctx context.Context, token, model string) (*upstream.Completion, error) {
		return b.upstream.Complete(ctx, token, c.chatRequest(model))
	})
	if err != nil {
		b.finish(ctx, c, span, err)
		return nil, err
	}

	c.resp.Text = comp.Text
	c.resp.FinishReason = comp.FinishReason
	c.resp.ToolCalls = comp.ToolCalls
	b.settleUsage(c, comp.Usage)
	b.finish(ctx, c, span, nil)
	return c.resp, nil
}

// StreamFunc receives relay events. resp carries the request id and the
// model/account chosen for the stream; a non-nil error stops the relay.
type StreamFunc func(resp *Response, ev engine.StreamEvent) error

// Stream serves a streaming chat turn. Fallback and rotation only cover
// stream establishment; once the first byte is relayed the stream is
// committed to its model and account.
func (b *Broker) Stream(ctx context.Context, req Request, emit StreamFunc) (*Response, error) {
	c, err := b.newCall(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer c.close()
	ctx = shared.WithRequestID(ctx, c.resp.RequestID)
	ctx, span := otelPkg.StartSpan(ctx, b.tracer, "broker.stream",
		otelPkg.AttrModel.String(c.req.Model),
		otelPkg.AttrProtocol.String(c.req.Protocol),
		otelPkg.AttrStream.Bool(true),
	)
	defer span.End()

	body, err := execute(ctx, b, c, func(ctx context.Context, token, model string) (io.ReadCloser, error) {
		return b.upstream.Stream(ctx, token, c.chatRequest(model))
	})
	if err != nil {
		b.finish(ctx, c, span, err)
		return nil, err
	}
	defer body.Close()

	b.metrics.StreamStarted(ctx, c.resp.Model)
	sum, relayErr := engine.RelayNDJSON(ctx, body, func(ev engine.StreamEvent) error {
		if ev.Type == engine.EventToolCall && ev.ToolCall != nil {
			c.resp.ToolCalls = append(c.resp.ToolCalls, *ev.ToolCall)
		}
		return emit(c.resp, ev)
	})
	b.metrics.StreamEnded(ctx, c.resp.Model, sum.Chunks)

	c.resp.Text = sum.Text
	c.resp.FinishReason = sum.FinishReason
	b.settleUsage(c, sum.Usage)
	if relayErr != nil {
		relayErr = fmt.Errorf("relay %s: %w", c.resp.Model, relayErr)
	}
	b.finish(ctx, c, span, relayErr)
	return c.resp, relayErr
}

// execute runs op for the active account over the model candidates, and
// rotates to the next account when the failure is the account's fault
// (throttled, forbidden or rejected). It tries each account at most once.
// Model cooldowns are settled here: a throttle that sends the call to
// another account is charged to the account, not to the models.
func execute[T any](ctx context.Context, b *Broker, c *call, op func(ctx context.Context, token, model string) (T, error)) (T, error) {
	var zero T
	logger := telemetry.FromContext(ctx, b.logger)

	rot, err := b.rotator.GetNextAvailable(ctx, b.accounts)
	if err != nil {
		return zero, err
	}
	fallbacks := b.candidates(c)
	limit := max(rot.TotalAccounts, 1)

	for i := 0; ; i++ {
		acc := rot.Account
		if rot.WasRotated {
			c.resp.WasRotated = true
		}
		c.resp.Account = acc.Username
		actx, abort := context.WithCancelCause(shared.WithAccount(ctx, acc.Username))

		started := time.Now()
		fr, err := engine.ExecuteWithFallback(actx, b.fallback, c.req.Model, fallbacks,
			func(ctx context.Context, model string) (T, error) {
				v, err := op(ctx, acc.Credential, model)
				if err != nil && engine.Classify(err).Type == engine.ErrorTypeAuth {
					abort(errCredentialRejected)
				}
				return v, err
			}, engine.DeferCooldowns())
		elapsed := time.Since(started)

		if err == nil {
			c.release = abort
			b.coolModels(fr.Attempts, false)
			c.addModelAttempts(acc.Username, fr.Attempts)
			c.addAccountAttempt(engine.Attempt{ID: acc.Username, Success: true, Duration: elapsed})
			c.resp.Model = fr.UsedModel
			c.resp.WasFallback = fr.WasFallback
			b.rotator.MarkUsed(acc.Username)
			if terr := b.accounts.Touch(acc.Username); terr != nil {
				logger.Warn("broker: stamp lastUsed failed", "account", acc.Username, "error", terr)
			}
			return fr.Result, nil
		}
		abort(nil)

		cls, failed := b.recordFailure(c, acc.Username, elapsed, err)
		if ctx.Err() != nil || !accountLevel(cls.Type) || !b.rotator.Enabled() {
			b.coolModels(failed, false)
			return zero, err
		}

		logger.Warn("broker: account failed, rotating",
			"account", acc.Username,
			"error_type", string(cls.Type),
			"http_status", cls.HTTPStatus,
		)
		next, ok, herr := b.rotator.HandleFailureFor(ctx, acc.Username, err, b.accounts)
		rotating := herr == nil && ok && i+1 < limit
		b.coolModels(failed, rotating)
		switch {
		case herr != nil:
			logger.Error("broker: rotation failed", "error", herr)
			return zero, err
		case !ok:
			logger.Warn("broker: every account is cooling down", "accounts", limit)
			return zero, err
		case !rotating:
			return zero, err
		}
		rot = next
	}
}

// coolModels applies the cooldowns deferred during a model walk. When the
// call moves on to another account, account-level throttles stay with the
// account.
func (b *Broker) coolModels(attempts []engine.Attempt, rotating bool) {
	for _, a := range attempts {
		if a.Success || !a.ErrorType.CooldownWorthy() {
			continue
		}
		if rotating && accountLevel(a.ErrorType) {
			continue
		}
		b.fallback.CoolDown(a.ID, a.Error)
	}
}

// recordFailure logs the attempts of a failed account pass and returns the
// classification of the failure that ended it, plus the model attempts made
// by the fallback walk.
func (b *Broker) recordFailure(c *call, account string, elapsed time.Duration, err error) (engine.Classification, []engine.Attempt) {
	var cls engine.Classification
	var walked []engine.Attempt
	var exhausted *engine.FallbackExhaustedError
	if errors.As(err, &exhausted) {
		walked = exhausted.Attempts
		c.addModelAttempts(account, exhausted.Attempts)
		if last, ok := exhausted.LastAttempt(); ok {
			cls = engine.Classification{Type: last.ErrorType, HTTPStatus: last.HTTPStatus}
		} else {
			cls = engine.Classify(err)
		}
	} else {
		// Fallback disabled: the single primary attempt surfaces unwrapped.
		cls = engine.Classify(err)
		c.addModelAttempts(account, []engine.Attempt{{
			ID:         c.req.Model,
			ErrorType:  cls.Type,
			HTTPStatus: cls.HTTPStatus,
			Duration:   elapsed,
			Error:      err.Error(),
		}})
	}
	a := engine.Attempt{
		ID:         account,
		ErrorType:  cls.Type,
		HTTPStatus: cls.HTTPStatus,
		Duration:   elapsed,
		Error:      err.Error(),
	}
	c.addAccountAttempt(a)
	b.metrics.RecordAttempt(context.Background(), "account", a)
	return cls, walked
}

func accountLevel(t engine.ErrorType) bool {
	switch t {
	case engine.ErrorTypeRateLimit, engine.ErrorTypeForbidden, engine.ErrorTypeAuth:
		return true
	}
	return false
}

// candidates returns the fallback list for the call, minus models whose
// context window cannot hold the prompt. The primary is always kept.
func (b *Broker) candidates(c *call) []string {
	fallbacks := c.req.Fallbacks
	if len(fallbacks) == 0 {
		fallbacks = b.fallback.FallbacksFor(c.req.Model)
	}
	out := make([]string, 0, len(fallbacks))
	for _, m := range fallbacks {
		if tokenutil.ExceedsContext(m, c.promptTokens) {
			b.logger.Debug("broker: skipping fallback with small context window",
				"model", m,
				"prompt_tokens", c.promptTokens,
			)
			continue
		}
		out = append(out, m)
	}
	return out
}

// settleUsage copies upstream usage, estimating it when the driver sent none.
func (b *Broker) settleUsage(c *call, u *engine.Usage) {
	if u != nil && (u.PromptTokens > 0 || u.CompletionTokens > 0) {
		c.resp.Usage = *u
		return
	}
	completion := tokenutil.EstimateTokens(c.resp.Text)
	c.resp.Usage = engine.Usage{
		PromptTokens:     c.promptTokens,
		CompletionTokens: completion,
		TotalTokens:      c.promptTokens + completion,
	}
	c.resp.UsageEstimated = true
}

// finish records the request in the ledger, on the bus and in metrics.
func (b *Broker) finish(ctx context.Context, c *call, span trace.Span, err error) {
	c.resp.Duration = time.Since(c.started)
	logger := telemetry.FromContext(ctx, b.logger)

	status := persistence.RequestOK
	var exhausted *engine.FallbackExhaustedError
	var allCooling *engine.AllAccountsOnCooldownError
	switch {
	case err == nil:
	case errors.As(err, &exhausted), errors.As(err, &allCooling), errors.Is(err, engine.ErrNoAccounts):
		status = persistence.RequestExhausted
	default:
		status = persistence.RequestError
	}

	span.SetAttributes(
		otelPkg.AttrAccount.String(c.resp.Account),
		otelPkg.AttrOutcome.String(status),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetAttributes(
			otelPkg.AttrTokensInput.Int(c.resp.Usage.PromptTokens),
			otelPkg.AttrTokensOutput.Int(c.resp.Usage.CompletionTokens),
		)
	}

	// The client may already be gone; the ledger write must still happen.
	bg := context.WithoutCancel(ctx)
	b.metrics.RecordRequest(bg, c.req.Protocol, status, c.resp.Duration)
	if err == nil {
		b.metrics.RecordUsage(bg, c.resp.Model, c.resp.Usage)
	}
	if status == persistence.RequestExhausted {
		scope := "model"
		if allCooling != nil || errors.Is(err, engine.ErrNoAccounts) {
			scope = "account"
		}
		b.metrics.RecordExhaustion(bg, scope)
	}

	if b.ledger != nil {
		rec := persistence.RequestRecord{
			ID:               c.resp.RequestID,
			TraceID:          shared.TraceID(ctx),
			Protocol:         c.req.Protocol,
			RequestedModel:   c.resp.RequestedModel,
			UsedModel:        c.resp.Model,
			Account:          c.resp.Account,
			WasFallback:      c.resp.WasFallback,
			WasRotated:       c.resp.WasRotated,
			Stream:           c.stream,
			Status:           status,
			PromptTokens:     c.resp.Usage.PromptTokens,
			CompletionTokens: c.resp.Usage.CompletionTokens,
			Duration:         c.resp.Duration,
			CreatedAt:        c.started,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if lerr := b.ledger.RecordRequest(bg, rec, c.records); lerr != nil {
			logger.Error("broker: ledger write failed", "error", lerr)
		}
	}

	b.publish(c, status)

	if err != nil {
		logger.Warn("broker: request failed",
			"model", c.resp.RequestedModel,
			"status", status,
			"attempts", len(c.resp.Attempts),
			"duration", c.resp.Duration,
			"error", err,
		)
		return
	}
	logger.Info("broker: request served",
		"model", c.resp.Model,
		"account", c.resp.Account,
		"fallback", c.resp.WasFallback,
		"rotated", c.resp.WasRotated,
		"attempts", len(c.resp.Attempts),
		"duration", c.resp.Duration,
	)
}

func (b *Broker) publish(c *call, status string) {
	if b.bus == nil {
		return
	}
	for _, a := range c.resp.Attempts {
		b.bus.Publish(bus.TopicAttemptFinished, bus.AttemptEvent{
			RequestID:  c.resp.RequestID,
			Scope:      "model",
			Candidate:  a.ID,
			Success:    a.Success,
			ErrorType:  string(a.ErrorType),
			HTTPStatus: a.HTTPStatus,
			Duration:   a.Duration,
		})
	}
	ev := bus.RequestEvent{
		RequestID:      c.resp.RequestID,
		Protocol:       c.req.Protocol,
		RequestedModel: c.resp.RequestedModel,
		UsedModel:      c.resp.Model,
		Account:        c.resp.Account,
		WasFallback:    c.resp.WasFallback,
		WasRotated:     c.resp.WasRotated,
		Status:         status,
		Attempts:       len(c.resp.Attempts),
		Duration:       c.resp.Duration,
	}
	topic := bus.TopicRequestCompleted
	if status == persistence.RequestExhausted {
		topic = bus.TopicFallbackExhausted
	}
	b.bus.Publish(topic, ev)
}

// messageTexts flattens message content for token estimation.
func messageTexts(msgs []upstream.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageText(m.Content))
	}
	return out
}

// MessageText extracts the plain text of a message's content, which is
// either a string or a list of typed parts.
func MessageText(content any) string {
	switch v := content.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var sb strings.Builder
		for _, p := range v {
			part, ok := p.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := part["text"].(string); t != "" {
				sb.WriteString(t)
			}
		}
		return sb.String()
	case []map[string]any:
		var sb strings.Builder
		for _, part := range v {
			if t, _ := part["text"].(string); t != "" {
				sb.WriteString(t)
			}
		}
		return sb.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
