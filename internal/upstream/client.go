// Package upstream talks to the Puter API: chat completion through the
// driver-call endpoint, the model catalogue and account identity.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/puter-bridge/internal/engine"
	otelPkg "github.com/basket/puter-bridge/internal/otel"
	"github.com/basket/puter-bridge/internal/shared"
)

const (
	chatInterface = "puter-chat-completion"
	driverCallURL = "/drivers/call"
	modelsURL     = "/puterai/chat/models"
	whoamiURL     = "/whoami"

	defaultTimeout = 120 * time.Second
	maxErrorBody   = 64 * 1024
)

// ErrNoToken is returned when a call is attempted without credentials.
var ErrNoToken = errors.New("puter: no auth token")

// Message is one chat message in Puter's OpenAI-compatible shape. Content
// is a string or an array of content parts.
type Message struct {
	Role       string          `json:"role"`
	Content    any             `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  json.RawMessage `json:"tool_calls,omitempty"`
}

// ChatRequest is a chat completion call.
type ChatRequest struct {
	Model       string            `json:"model"`
	Messages    []Message         `json:"messages"`
	Stream      bool              `json:"stream,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty"`
	Tools       []json.RawMessage `json:"tools,omitempty"`
}

// Completion is a decoded non-streaming answer.
type Completion struct {
	Model        string
	Driver       string
	Text         string
	FinishReason string
	ToolCalls    []engine.ToolCallDelta
	Usage        *engine.Usage
}

// ModelInfo is one entry of the Puter model catalogue.
type ModelInfo struct {
	ID       string `json:"id"`
	Provider string `json:"provider,omitempty"`
}

// User is the identity behind a token.
type User struct {
	Username string `json:"username"`
	UUID     string `json:"uuid,omitempty"`
	Email    string `json:"email,omitempty"`
	IsTemp   bool   `json:"is_temp,omitempty"`
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Drivers map[string]string
	Retry   engine.RetryConfig
}

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	timeout time.Duration
	drivers map[string]string
	retry   engine.RetryConfig
	hc      *http.Client
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(c *Client) {
		if t != nil {
			c.tracer = t
		}
	}
}

// New creates a Client. The timeout bounds non-streaming calls and the wait
// for response headers on streaming calls; an open stream is bounded only by
// its context.
func New(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = timeout

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		timeout: timeout,
		drivers: cfg.Drivers,
		retry:   cfg.Retry,
		hc:      &http.Client{Transport: transport},
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer:  nooptrace.NewTracerProvider().Tracer(otelPkg.TracerName),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// Driver returns the Puter driver that serves model.
func (c *Client) Driver(model string) string { return DriverFor(model, c.drivers) }

type driverCall struct {
	Interface string      `json:"interface"`
	Driver    string      `json:"driver"`
	Method    string      `json:"method"`
	Args      ChatRequest `json:"args"`
}

// Complete runs a non-streaming chat completion. Transient failures are
// retried per the client's retry policy.
func (c *Client) Complete(ctx context.Context, token string, req ChatRequest) (*Completion, error) {
	req.Stream = false
	driver := c.Driver(req.Model)

	return engine.WithRetry(ctx, func(ctx context.Context) (*Completion, error) {
		ctx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.callDriver(ctx, token, driver, req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read completion: %w", err)
		}
		comp, err := decodeCompletion(body)
		if err != nil {
			return nil, err
		}
		comp.Model = req.Model
		comp.Driver = driver
		return comp, nil
	}, c.retryConfig("complete", req.Model))
}

// Stream opens a streaming chat completion and returns the NDJSON body.
// Only connection establishment is retried; once the body is returned the
// caller owns it and must close it.
func (c *Client) Stream(ctx context.Context, token string, req ChatRequest) (io.ReadCloser, error) {
	req.Stream = true
	driver := c.Driver(req.Model)

	return engine.WithRetry(ctx, func(ctx context.Context) (io.ReadCloser, error) {
		resp, err := c.callDriver(ctx, token, driver, req)
		if err != nil {
			return nil, err
		}
		return resp.Body, nil
	}, c.retryConfig("stream", req.Model))
}

func (c *Client) retryConfig(op, model string) engine.RetryConfig {
	rc := c.retry
	next := rc.OnRetry
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Warn("puter call failed, retrying",
			"op", op,
			"model", model,
			"attempt", attempt,
			"delay", delay,
			"error", shared.Redact(err.Error()),
		)
		if next != nil {
			next(attempt, err, delay)
		}
	}
	return rc
}

// callDriver posts one driver call and returns the response once a 2xx
// status is confirmed. Non-2xx responses become *StatusError.
func (c *Client) callDriver(ctx context.Context, token, driver string, req ChatRequest) (*http.Response, error) {
	if token == "" {
		return nil, ErrNoToken
	}
	payload, err := json.Marshal(driverCall{
		Interface: chatInterface,
		Driver:    driver,
		Method:    "complete",
		Args:      req,
	})
	if err != nil {
		return nil, fmt.Errorf("encode driver call: %w", err)
	}

	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, "puter.drivers.call",
		otelPkg.AttrModel.String(req.Model),
		otelPkg.AttrDriver.String(driver),
		otelPkg.AttrStream.Bool(req.Stream),
	)
	defer span.End()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+driverCallURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build driver call: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)
	if req.Stream {
		httpReq.Header.Set("Accept", "application/x-ndjson")
	}

	start := time.Now()
	resp, err := c.hc.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, fmt.Errorf("puter driver call: %w", err)
	}
	span.SetAttributes(otelPkg.AttrHTTPStatus.Int(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		se := parseError(resp.StatusCode, body)
		span.RecordError(se)
		span.SetStatus(codes.Error, se.Message)
		c.logger.Debug("puter driver call rejected",
			"driver", driver,
			"model", req.Model,
			"status", se.Status,
			"code", se.Code,
			"duration", time.Since(start),
		)
		return nil, se
	}
	return resp, nil
}

type completionEnvelope struct {
	Success *bool           `json:"success"`
	Result  json.RawMessage `json:"result"`
}

type completionMessage struct {
	Role      string          `json:"role"`
	Content   json.RawMessage `json:"content"`
	ToolCalls []struct {
		ID       string `json:"id"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	} `json:"tool_calls"`
}

type completionResult struct {
	Message      *completionMessage `json:"message"`
	Usage        json.RawMessage    `json:"usage"`
	FinishReason string             `json:"finish_reason"`
	Choices      []struct {
		Message      completionMessage `json:"message"`
		FinishReason string            `json:"finish_reason"`
	} `json:"choices"`
}

type contentPart struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

func decodeCompletion(body []byte) (*Completion, error) {
	var env completionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode completion: %w", err)
	}
	if env.Success != nil && !*env.Success {
		return nil, parseError(http.StatusOK, body)
	}
	raw := env.Result
	if len(raw) == 0 {
		raw = body
	}

	var res completionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode completion result: %w", err)
	}
	msg := res.Message
	reason := res.FinishReason
	if msg == nil && len(res.Choices) > 0 {
		msg = &res.Choices[0].Message
		if reason == "" {
			reason = res.Choices[0].FinishReason
		}
	}
	if msg == nil {
		return nil, fmt.Errorf("decode completion: response has no message")
	}

	out := &Completion{Usage: parseUsage(res.Usage)}
	out.Text, out.ToolCalls = flattenContent(msg.Content)
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, engine.ToolCallDelta{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	switch {
	case reason != "":
		out.FinishReason = engine.NormalizeFinishReason(reason)
	case len(out.ToolCalls) > 0:
		out.FinishReason = engine.FinishToolCalls
	default:
		out.FinishReason = engine.FinishStop
	}
	return out, nil
}

// flattenContent joins text parts and lifts tool_use parts into tool calls.
func flattenContent(raw json.RawMessage) (string, []engine.ToolCallDelta) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s, nil
	}
	var parts []contentPart
	if json.Unmarshal(raw, &parts) != nil {
		return "", nil
	}
	var (
		b     strings.Builder
		calls []engine.ToolCallDelta
	)
	for _, p := range parts {
		switch p.Type {
		case "tool_use":
			calls = append(calls, engine.ToolCallDelta{ID: p.ID, Name: p.Name, Arguments: string(p.Input)})
		default:
			b.WriteString(p.Text)
		}
	}
	return b.String(), calls
}

// parseUsage accepts an object with OpenAI or Anthropic field names, or
// Puter's metered list of {type, amount} lines.
func parseUsage(raw json.RawMessage) *engine.Usage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var u engine.Usage
	if json.Unmarshal(raw, &u) == nil && u.TotalTokens > 0 {
		return &u
	}
	var lines []struct {
		Type   string `json:"type"`
		Amount int    `json:"amount"`
	}
	if json.Unmarshal(raw, &lines) != nil {
		return nil
	}
	for _, l := range lines {
		switch {
		case strings.Contains(l.Type, "prompt"), strings.Contains(l.Type, "input"):
			u.PromptTokens += l.Amount
		case strings.Contains(l.Type, "completion"), strings.Contains(l.Type, "output"):
			u.CompletionTokens += l.Amount
		}
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	if u.TotalTokens == 0 {
		return nil
	}
	return &u
}

// Models fetches the chat model catalogue. Entries may be plain ids or
// objects with an id field.
func (c *Client) Models(ctx context.Context, token string) ([]ModelInfo, error) {
	body, err := c.get(ctx, token, modelsURL, "puter.models")
	if err != nil {
		return nil, err
	}
	var wrapped struct {
		Models []json.RawMessage `json:"models"`
	}
	var list []json.RawMessage
	if json.Unmarshal(body, &wrapped) == nil && wrapped.Models != nil {
		list = wrapped.Models
	} else if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}

	out := make([]ModelInfo, 0, len(list))
	for _, item := range list {
		var id string
		if json.Unmarshal(item, &id) == nil {
			if id != "" {
				out = append(out, ModelInfo{ID: id})
			}
			continue
		}
		var mi ModelInfo
		if json.Unmarshal(item, &mi) == nil && mi.ID != "" {
			out = append(out, mi)
		}
	}
	return out, nil
}

// WhoAmI resolves the user behind token.
func (c *Client) WhoAmI(ctx context.Context, token string) (*User, error) {
	body, err := c.get(ctx, token, whoamiURL, "puter.whoami")
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(body, &u); err != nil {
		return nil, fmt.Errorf("decode whoami: %w", err)
	}
	if u.Username == "" {
		return nil, fmt.Errorf("decode whoami: empty username")
	}
	return &u, nil
}

func (c *Client) get(ctx context.Context, token, path, spanName string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	ctx, span := otelPkg.StartClientSpan(ctx, c.tracer, spanName)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transport")
		return nil, fmt.Errorf("puter %s: %w", path, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(otelPkg.AttrHTTPStatus.Int(resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := parseError(resp.StatusCode, body)
		span.SetStatus(codes.Error, se.Message)
		return nil, se
	}
	return body, nil
}
