package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/puter-bridge/internal/accounts"
	"github.com/basket/puter-bridge/internal/broker"
	"github.com/basket/puter-bridge/internal/bus"
	"github.com/basket/puter-bridge/internal/engine"
	"github.com/basket/puter-bridge/internal/gateway"
	"github.com/basket/puter-bridge/internal/persistence"
	"github.com/basket/puter-bridge/internal/upstream"
)

const gatewayTestAuthToken = "local-test-token"

// fakeUpstream answers every model with "hello from <model>" unless the
// model (or token/model pair) is listed in errs.
type fakeUpstream struct {
	mu        sync.Mutex
	errs      map[string]error
	stream    string
	toolCalls []engine.ToolCallDelta
	requests  []upstream.ChatRequest
}

func (f *fakeUpstream) check(token string, req upstream.ChatRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err, ok := f.errs[token+"/"+req.Model]; ok {
		return err
	}
	return f.errs["*/"+req.Model]
}

func (f *fakeUpstream) lastRequest(t *testing.T) upstream.ChatRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("upstream was never called")
	}
	return f.requests[len(f.requests)-1]
}

func (f *fakeUpstream) Complete(_ context.Context, token string, req upstream.ChatRequest) (*upstream.Completion, error) {
	if err := f.check(token, req); err != nil {
		return nil, err
	}
	finish := engine.FinishStop
	if len(f.toolCalls) > 0 {
		finish = engine.FinishToolCalls
	}
	return &upstream.Completion{
		Model:        req.Model,
		Text:         "hello from " + req.Model,
		FinishReason: finish,
		ToolCalls:    f.toolCalls,
		Usage:        &engine.Usage{PromptTokens: 3, CompletionTokens: 4, TotalTokens: 7},
	}, nil
}

func (f *fakeUpstream) Stream(_ context.Context, token string, req upstream.ChatRequest) (io.ReadCloser, error) {
	if err := f.check(token, req); err != nil {
		return nil, err
	}
	return io.NopCloser(strings.NewReader(f.stream)), nil
}

type testEnv struct {
	ts       *httptest.Server
	up       *fakeUpstream
	store    *persistence.Store
	accounts *accounts.Store
	bus      *bus.Bus
}

func newTestEnv(t *testing.T, mutate ...func(*gateway.Config)) *testEnv {
	t.Helper()
	return newTestEnvWithUpstream(t, nil, mutate...)
}

// newTestEnvWithUpstream serves the broker from up, or from a fakeUpstream
// when up is nil.
func newTestEnvWithUpstream(t *testing.T, up broker.Upstream, mutate ...func(*gateway.Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()

	accs, err := accounts.Open(filepath.Join(dir, "accounts.json"))
	if err != nil {
		t.Fatalf("open accounts: %v", err)
	}
	for _, name := range []string{"alice", "bob"} {
		if _, err := accs.Add(name, "tok-"+name, false); err != nil {
			t.Fatalf("add account: %v", err)
		}
	}

	store, err := persistence.Open(filepath.Join(dir, "bridge.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	env := &testEnv{
		up:       &fakeUpstream{errs: map[string]error{}},
		store:    store,
		accounts: accs,
		bus:      bus.New(),
	}
	obs := broker.NewObserver(env.bus, nil)
	fe := engine.NewFallbackEngine(engine.NewCooldownRegistry("models", time.Minute),
		engine.FallbackConfig{Enabled: true, FallbackModels: []string{"claude-sonnet-4"}},
		engine.WithFallbackObserver(obs))
	rot := engine.NewAccountRotator(engine.NewCooldownRegistry("accounts", time.Minute),
		engine.RotationConfig{Enabled: true, Strategy: engine.StrategyRoundRobin},
		engine.WithRotatorObserver(obs))
	if up == nil {
		up = env.up
	}
	b, err := broker.New(broker.Config{
		Upstream:     up,
		Accounts:     accs,
		Fallback:     fe,
		Rotator:      rot,
		Ledger:       store,
		Bus:          env.bus,
		DefaultModel: "gpt-4o",
	})
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}

	cfg := gateway.Config{
		Broker:    b,
		Accounts:  accs,
		Store:     store,
		Bus:       env.bus,
		AuthToken: gatewayTestAuthToken,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	env.ts = httptest.NewServer(gateway.New(cfg).Handler())
	t.Cleanup(env.ts.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header map[string]string) *http.Response {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+gatewayTestAuthToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	body := readBody(t, resp)
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, body)
	}
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error"`
}

const chatBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`

func TestOpenAI_NonStream(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if got := resp.Header.Get("X-Puter-Model"); got != "gpt-4o" {
		t.Fatalf("X-Puter-Model = %q", got)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("missing X-Request-Id")
	}

	var out gateway.ChatCompletionResponse
	decodeJSON(t, resp, &out)
	if !strings.HasPrefix(out.ID, "chatcmpl-") || out.Object != "chat.completion" {
		t.Fatalf("unexpected envelope %+v", out)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message == nil {
		t.Fatalf("expected one choice, got %+v", out.Choices)
	}
	if out.Choices[0].Message.Content != "hello from gpt-4o" {
		t.Fatalf("content = %v", out.Choices[0].Message.Content)
	}
	if out.Choices[0].FinishReason == nil || *out.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish_reason = %v", out.Choices[0].FinishReason)
	}
	if out.Usage == nil || out.Usage.TotalTokens != 7 {
		t.Fatalf("usage = %+v", out.Usage)
	}
}

func TestOpenAI_FallsBackOnRateLimit(t *testing.T) {
	env := newTestEnv(t)
	env.up.errs["*/gpt-4o"] = &upstream.StatusError{Status: 429, Message: "slow down"}

	resp := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if got := resp.Header.Get("X-Puter-Model"); got != "claude-sonnet-4" {
		t.Fatalf("X-Puter-Model = %q", got)
	}
	if resp.Header.Get("X-Puter-Fallback") != "true" {
		t.Fatal("expected X-Puter-Fallback header")
	}
	var out gateway.ChatCompletionResponse
	decodeJSON(t, resp, &out)
	if out.Model != "claude-sonnet-4" {
		t.Fatalf("model = %q", out.Model)
	}
}

func TestOpenAI_FallbackHeaderOverridesChain(t *testing.T) {
	env := newTestEnv(t)
	env.up.errs["*/gpt-4o"] = &upstream.StatusError{Status: 429, Message: "slow down"}

	resp := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody,
		map[string]string{"X-Puter-Fallbacks": " mistral-large , "})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if got := resp.Header.Get("X-Puter-Model"); got != "mistral-large" {
		t.Fatalf("X-Puter-Model = %q", got)
	}
}

func TestOpenAI_ExhaustionThenAllAccountsCooling(t *testing.T) {
	env := newTestEnv(t)
	env.up.errs["*/gpt-4o"] = &upstream.StatusError{Status: 429, Message: "slow down"}
	env.up.errs["*/claude-sonnet-4"] = &upstream.StatusError{Status: 429, Message: "slow down"}

	resp := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var first openAIErrorBody
	decodeJSON(t, resp, &first)
	if first.Error.Code != "rate_limit_exceeded" || first.Error.Type != "rate_limit_error" {
		t.Fatalf("unexpected error %+v", first.Error)
	}

	resp = env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("expected Retry-After while every account cools down")
	}
	var second openAIErrorBody
	decodeJSON(t, resp, &second)
	if second.Error.Code != "all_accounts_cooling_down" {
		t.Fatalf("code = %q", second.Error.Code)
	}
}

func TestOpenAI_UpstreamNotFoundIsNotRotated(t *testing.T) {
	env := newTestEnv(t)
	env.up.errs["*/gpt-4o"] = &upstream.StatusError{Status: 404, Message: "no such model"}
	env.up.errs["*/claude-sonnet-4"] = &upstream.StatusError{Status: 404, Message: "no such model"}

	resp := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var status gateway.StatusReport
	decodeJSON(t, env.do(t, http.MethodGet, "/api/status", "", nil), &status)
	for _, a := range status.Accounts {
		if a.OnCooldown {
			t.Fatalf("account %s put on cooldown for a model error", a.Username)
		}
	}
}

func TestOpenAI_RequestValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"invalid json", http.MethodPost, `{not json`, http.StatusBadRequest},
		{"empty messages", http.MethodPost, `{"model":"gpt-4o","messages":[]}`, http.StatusBadRequest},
		{"wrong method", http.MethodGet, "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := env.do(t, tt.method, "/v1/chat/completions", tt.body, nil)
			if resp.StatusCode != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, resp.StatusCode)
			}
			var e openAIErrorBody
			decodeJSON(t, resp, &e)
			if e.Error.Type != "invalid_request_error" {
				t.Fatalf("type = %q", e.Error.Type)
			}
		})
	}
}

func TestOpenAI_RequiresAuth(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody,
		map[string]string{"Authorization": "Bearer wrong"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var e openAIErrorBody
	decodeJSON(t, resp, &e)
	if e.Error.Type != "authentication_error" {
		t.Fatalf("type = %q", e.Error.Type)
	}
	if len(env.up.requests) != 0 {
		t.Fatal("unauthorized request reached upstream")
	}
}

func TestOpenAI_NoAuthTokenAcceptsAnyClient(t *testing.T) {
	env := newTestEnv(t, func(c *gateway.Config) { c.AuthToken = "" })

	resp := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody,
		map[string]string{"Authorization": ""})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestOpenAI_ForwardsMessagesAndParams(t *testing.T) {
	env := newTestEnv(t)
	body := `{
		"model": "gpt-4o",
		"temperature": 0.2,
		"max_completion_tokens": 64,
		"tools": [{"type":"function","function":{"name":"get_weather","parameters":{}}}],
		"messages": [
			{"role":"system","content":"be brief"},
			{"role":"assistant","content":null,"tool_calls":[{"id":"c1","type":"function","function":{"name":"get_weather","arguments":"{}"}}]},
			{"role":"tool","tool_call_id":"c1","content":"sunny"}
		]
	}`

	resp := env.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	got := env.up.lastRequest(t)
	if len(got.Messages) != 3 || got.Messages[2].ToolCallID != "c1" || len(got.Messages[1].ToolCalls) == 0 {
		t.Fatalf("messages not forwarded: %+v", got.Messages)
	}
	if got.Temperature == nil || *got.Temperature != 0.2 || got.MaxTokens != 64 {
		t.Fatalf("params not forwarded: temp=%v max=%d", got.Temperature, got.MaxTokens)
	}
	if len(got.Tools) != 1 {
		t.Fatalf("tools not forwarded: %d", len(got.Tools))
	}
}

func TestOpenAI_ToolCallsResponse(t *testing.T) {
	env := newTestEnv(t)
	env.up.toolCalls = []engine.ToolCallDelta{{ID: "call_1", Name: "get_weather", Arguments: `{"city":"Paris"}`}}

	resp := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil)
	var out gateway.ChatCompletionResponse
	decodeJSON(t, resp, &out)
	msg := out.Choices[0].Message
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Function.Name != "get_weather" || msg.ToolCalls[0].Type != "function" {
		t.Fatalf("tool calls = %+v", msg.ToolCalls)
	}
	if *out.Choices[0].FinishReason != "tool_calls" {
		t.Fatalf("finish_reason = %q", *out.Choices[0].FinishReason)
	}
}

func TestOpenAI_Stream(t *testing.T) {
	env := newTestEnv(t)
	env.up.stream = `{"type":"text","text":"Hel"}` + "\n" +
		`{"type":"text","text":"lo"}` + "\n" +
		`{"finish_reason":"stop","usage":{"prompt_tokens":2,"completion_tokens":2,"total_tokens":4}}` + "\n"

	body := `{"model":"gpt-4o","stream":true,"stream_options":{"include_usage":true},"messages":[{"role":"user","content":"hi"}]}`
	resp := env.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var (
		text    strings.Builder
		finish  string
		usage   *gateway.Usage
		sawDone bool
	)
	for _, line := range strings.Split(readBody(t, resp), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if data == "[DONE]" {
			sawDone = true
			continue
		}
		var chunk gateway.ChatCompletionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Fatalf("object = %q", chunk.Object)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, c := range chunk.Choices {
			if c.Delta != nil {
				text.WriteString(c.Delta.Content)
			}
			if c.FinishReason != nil {
				finish = *c.FinishReason
			}
		}
	}
	if text.String() != "Hello" || finish != "stop" || !sawDone {
		t.Fatalf("text=%q finish=%q done=%v", text.String(), finish, sawDone)
	}
	if usage == nil || usage.TotalTokens != 4 {
		t.Fatalf("usage = %+v", usage)
	}
}

func TestOpenAI_StreamFailureBeforeFirstChunkIsJSON(t *testing.T) {
	env := newTestEnv(t)
	env.up.errs["*/gpt-4o"] = &upstream.StatusError{Status: 503, Message: "down"}
	env.up.errs["*/claude-sonnet-4"] = &upstream.StatusError{Status: 503, Message: "down"}

	body := `{"model":"gpt-4o","stream":true,"messages":[{"role":"user","content":"hi"}]}`
	resp := env.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
}

func TestOpenAI_Models(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/v1/models", "", nil)
	var out gateway.ModelListResponse
	decodeJSON(t, resp, &out)
	if out.Object != "list" || len(out.Data) == 0 {
		t.Fatalf("unexpected model list %+v", out)
	}
	if out.Data[0].Object != "model" || out.Data[0].OwnedBy == "" {
		t.Fatalf("unexpected model entry %+v", out.Data[0])
	}
}

type geminiBody struct {
	Candidates []struct {
		Content struct {
			Role  string `json:"role"`
			Parts []struct {
				Text         string `json:"text"`
				FunctionCall *struct {
					Name string         `json:"name"`
					Args map[string]any `json:"args"`
				} `json:"functionCall"`
			} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

const geminiRequest = `{
	"systemInstruction": {"parts": [{"text": "be brief"}]},
	"contents": [
		{"role": "user", "parts": [{"text": "hi"}]},
		{"role": "model", "parts": [{"text": "hello"}]},
		{"role": "user", "parts": [{"text": "again"}]}
	],
	"generationConfig": {"temperature": 0.5, "maxOutputTokens": 32}
}`

func TestGemini_GenerateContent(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1beta/models/gpt-4o:generateContent?key="+gatewayTestAuthToken, geminiRequest,
		map[string]string{"Authorization": ""})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var out geminiBody
	decodeJSON(t, resp, &out)
	if len(out.Candidates) != 1 || out.Candidates[0].Content.Role != "model" {
		t.Fatalf("unexpected candidates %+v", out.Candidates)
	}
	if got := out.Candidates[0].Content.Parts[0].Text; got != "hello from gpt-4o" {
		t.Fatalf("text = %q", got)
	}
	if out.Candidates[0].FinishReason != "STOP" {
		t.Fatalf("finishReason = %q", out.Candidates[0].FinishReason)
	}
	if out.UsageMetadata == nil || out.UsageMetadata.TotalTokenCount != 7 {
		t.Fatalf("usage = %+v", out.UsageMetadata)
	}

	got := env.up.lastRequest(t)
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(got.Messages) != len(wantRoles) {
		t.Fatalf("messages = %+v", got.Messages)
	}
	for i, role := range wantRoles {
		if got.Messages[i].Role != role {
			t.Fatalf("message %d role = %q, want %q", i, got.Messages[i].Role, role)
		}
	}
	if got.MaxTokens != 32 || got.Temperature == nil || *got.Temperature != 0.5 {
		t.Fatalf("generation config not forwarded: %+v", got)
	}
}

func TestGemini_FunctionCallingRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	env.up.toolCalls = []engine.ToolCallDelta{{ID: "c1", Name: "get_weather", Arguments: `{"city":"Paris"}`}}

	body := `{
		"tools": [{"functionDeclarations": [{"name": "get_weather", "description": "weather"}]}],
		"contents": [
			{"role": "user", "parts": [{"text": "weather?"}]},
			{"role": "model", "parts": [{"functionCall": {"name": "get_weather", "args": {"city": "Rome"}}}]},
			{"role": "user", "parts": [{"functionResponse": {"name": "get_weather", "response": {"temp": 21}}}]}
		]
	}`
	resp := env.do(t, http.MethodPost, "/v1beta/models/gpt-4o:generateContent", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, readBody(t, resp))
	}
	var out geminiBody
	decodeJSON(t, resp, &out)
	var call string
	for _, p := range out.Candidates[0].Content.Parts {
		if p.FunctionCall != nil {
			call = p.FunctionCall.Name + ":" + p.FunctionCall.Args["city"].(string)
		}
	}
	if call != "get_weather:Paris" {
		t.Fatalf("function call = %q", call)
	}

	got := env.up.lastRequest(t)
	if len(got.Tools) != 1 || !strings.Contains(string(got.Tools[0]), `"get_weather"`) {
		t.Fatalf("tools = %s", got.Tools)
	}
	if len(got.Messages) != 3 || got.Messages[1].Role != "assistant" || got.Messages[2].Role != "tool" {
		t.Fatalf("messages = %+v", got.Messages)
	}
	if got.Messages[2].ToolCallID != "get_weather" {
		t.Fatalf("tool_call_id = %q", got.Messages[2].ToolCallID)
	}
}

func TestGemini_StreamSSE(t *testing.T) {
	env := newTestEnv(t)
	env.up.stream = `{"text":"Hel"}` + "\n" + `{"text":"lo"}` + "\n" + `{"done":true}` + "\n"

	resp := env.do(t, http.MethodPost, "/v1beta/models/gpt-4o:streamGenerateContent?alt=sse", geminiRequest, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var (
		text   strings.Builder
		finish string
		usage  bool
	)
	for _, line := range strings.Split(readBody(t, resp), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var chunk geminiBody
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		for _, p := range chunk.Candidates[0].Content.Parts {
			text.WriteString(p.Text)
		}
		if chunk.Candidates[0].FinishReason != "" {
			finish = chunk.Candidates[0].FinishReason
		}
		if chunk.UsageMetadata != nil && chunk.UsageMetadata.TotalTokenCount > 0 {
			usage = true
		}
	}
	if text.String() != "Hello" || finish != "STOP" {
		t.Fatalf("text=%q finish=%q", text.String(), finish)
	}
	if !usage {
		t.Fatal("expected estimated usage on the final chunk")
	}
}

func TestGemini_StreamJSONArray(t *testing.T) {
	env := newTestEnv(t)
	env.up.stream = `{"text":"a"}` + "\n" + `{"text":"b"}` + "\n"

	resp := env.do(t, http.MethodPost, "/v1beta/models/gpt-4o:streamGenerateContent", geminiRequest, nil)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content type = %q", ct)
	}
	var chunks []geminiBody
	decodeJSON(t, resp, &chunks)
	if len(chunks) != 3 {
		t.Fatalf("expected 2 text chunks and a final chunk, got %d", len(chunks))
	}
	if chunks[2].Candidates[0].FinishReason != "STOP" {
		t.Fatalf("final finishReason = %q", chunks[2].Candidates[0].FinishReason)
	}
}

func TestGemini_CountTokens(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1beta/models/gpt-4o:countTokens", geminiRequest, nil)
	var out struct {
		TotalTokens int `json:"totalTokens"`
	}
	decodeJSON(t, resp, &out)
	if out.TotalTokens <= 0 {
		t.Fatalf("totalTokens = %d", out.TotalTokens)
	}
	if len(env.up.requests) != 0 {
		t.Fatal("countTokens must not call upstream")
	}
}

func TestGemini_ErrorsUseGoogleShape(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/v1beta/models/gpt-4o:generateContent", geminiRequest,
		map[string]string{"Authorization": "Bearer nope"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var out struct {
		Error struct {
			Code   int    `json:"code"`
			Status string `json:"status"`
		} `json:"error"`
	}
	decodeJSON(t, resp, &out)
	if out.Error.Code != 401 || out.Error.Status != "UNAUTHENTICATED" {
		t.Fatalf("unexpected error %+v", out.Error)
	}
}

func TestGemini_Models(t *testing.T) {
	env := newTestEnv(t)

	var list struct {
		Models []struct {
			Name                       string   `json:"name"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	decodeJSON(t, env.do(t, http.MethodGet, "/v1beta/models", "", nil), &list)
	if len(list.Models) == 0 || !strings.HasPrefix(list.Models[0].Name, "models/") {
		t.Fatalf("unexpected list %+v", list)
	}

	var one struct {
		Name            string `json:"name"`
		InputTokenLimit int    `json:"inputTokenLimit"`
	}
	decodeJSON(t, env.do(t, http.MethodGet, "/v1beta/models/openrouter:meta/llama-3", "", nil), &one)
	if one.Name != "models/openrouter:meta/llama-3" || one.InputTokenLimit <= 0 {
		t.Fatalf("unexpected model %+v", one)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/healthz", "", map[string]string{"Authorization": ""})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]any
	decodeJSON(t, resp, &out)
	if out["healthy"] != true || out["accounts"] != float64(2) {
		t.Fatalf("unexpected health %+v", out)
	}
}

func TestAPIStatusAndRequests(t *testing.T) {
	env := newTestEnv(t)
	env.up.errs["*/gpt-4o"] = &upstream.StatusError{Status: 429, Message: "slow down"}

	if resp := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("chat: %d", resp.StatusCode)
	}

	var status gateway.StatusReport
	decodeJSON(t, env.do(t, http.MethodGet, "/api/status", "", nil), &status)
	if status.DefaultModel != "gpt-4o" || !status.FallbackEnabled || !status.RotationEnabled {
		t.Fatalf("unexpected status %+v", status)
	}
	if len(status.Accounts) != 2 {
		t.Fatalf("accounts = %+v", status.Accounts)
	}
	if len(status.ModelCooldowns) != 1 || status.ModelCooldowns[0].ID != "gpt-4o" || status.ModelCooldowns[0].RemainingSeconds <= 0 {
		t.Fatalf("model cooldowns = %+v", status.ModelCooldowns)
	}
	if status.Requests["ok"] != 1 {
		t.Fatalf("request counts = %+v", status.Requests)
	}

	var reqs struct {
		Requests []gateway.RequestView `json:"requests"`
	}
	decodeJSON(t, env.do(t, http.MethodGet, "/api/requests?limit=10", "", nil), &reqs)
	if len(reqs.Requests) != 1 {
		t.Fatalf("requests = %+v", reqs.Requests)
	}
	r := reqs.Requests[0]
	if r.Protocol != "openai" || r.UsedModel != "claude-sonnet-4" || !r.WasFallback || r.Status != "ok" {
		t.Fatalf("unexpected ledger row %+v", r)
	}

	if resp := env.do(t, http.MethodGet, "/api/requests?limit=zero", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestEvents_StreamsBusEvents(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.ts.URL+"/api/events?topic=request.&key="+gatewayTestAuthToken, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	if line, err := reader.ReadString('\n'); err != nil || !strings.HasPrefix(line, ": connected") {
		t.Fatalf("expected connected comment, got %q (%v)", line, err)
	}

	if r := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil); r.StatusCode != http.StatusOK {
		t.Fatalf("chat: %d", r.StatusCode)
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if strings.HasPrefix(line, "event: ") {
			if got := strings.TrimSpace(strings.TrimPrefix(line, "event: ")); got != bus.TopicRequestCompleted {
				t.Fatalf("event = %q", got)
			}
			data, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read data: %v", err)
			}
			if !strings.Contains(data, `"gpt-4o"`) {
				t.Fatalf("unexpected payload %q", data)
			}
			return
		}
	}
}

func TestEvents_UnavailableWithoutBus(t *testing.T) {
	env := newTestEnv(t, func(c *gateway.Config) { c.Bus = nil })

	resp := env.do(t, http.MethodGet, "/api/events", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.StatusCode)
	}
}

func TestAPICooldowns_Clear(t *testing.T) {
	env := newTestEnv(t)
	env.up.errs["*/gpt-4o"] = &upstream.StatusError{Status: 429, Message: "slow down"}
	env.up.errs["*/claude-sonnet-4"] = &upstream.StatusError{Status: 429, Message: "slow down"}

	if resp := env.do(t, http.MethodPost, "/v1/chat/completions", chatBody, nil); resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}

	if resp := env.do(t, http.MethodDelete, "/api/cooldowns?scope=planets", "", nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown scope, got %d", resp.StatusCode)
	}

	var out struct {
		Cleared map[string]int `json:"cleared"`
	}
	decodeJSON(t, env.do(t, http.MethodDelete, "/api/cooldowns?scope=models&id=gpt-4o", "", nil), &out)
	if out.Cleared["models"] != 1 {
		t.Fatalf("cleared = %+v", out.Cleared)
	}

	decodeJSON(t, env.do(t, http.MethodDelete, "/api/cooldowns", "", nil), &out)
	if out.Cleared["models"] != 1 || out.Cleared["accounts"] != 2 {
		t.Fatalf("cleared = %+v", out.Cleared)
	}

	var status gateway.StatusReport
	decodeJSON(t, env.do(t, http.MethodGet, "/api/status", "", nil), &status)
	if len(status.ModelCooldowns) != 0 {
		t.Fatalf("model cooldowns survived clear: %+v", status.ModelCooldowns)
	}
	for _, a := range status.Accounts {
		if a.OnCooldown {
			t.Fatalf("account %s still cooling down", a.Username)
		}
	}

	if resp := env.do(t, http.MethodGet, "/api/cooldowns", "", nil); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}

func TestOpenAI_StreamFromPuterServer(t *testing.T) {
	puter := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-ndjson")
		flusher := w.(http.Flusher)
		for _, line := range []string{
			`{"type":"text","text":"Hel"}`,
			`{"type":"text","text":"lo"}`,
			`{"finish_reason":"stop"}`,
			`{"usage":{"prompt_tokens":2,"completion_tokens":9}}`,
		} {
			_, _ = io.WriteString(w, line+"\n")
			flusher.Flush()
			time.Sleep(5 * time.Millisecond)
		}
	}))
	defer puter.Close()

	env := newTestEnvWithUpstream(t, upstream.New(upstream.Config{BaseURL: puter.URL, Timeout: 5 * time.Second}))
	body := `{"model":"gpt-4o","stream":true,"stream_options":{"include_usage":true},"messages":[{"role":"user","content":"hi"}]}`
	resp := env.do(t, http.MethodPost, "/v1/chat/completions", body, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var text strings.Builder
	var usage *gateway.Usage
	for _, line := range strings.Split(readBody(t, resp), "\n") {
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok || data == "[DONE]" {
			continue
		}
		var chunk gateway.ChatCompletionResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", data, err)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
		for _, c := range chunk.Choices {
			if c.Delta != nil {
				text.WriteString(c.Delta.Content)
			}
		}
	}
	if text.String() != "Hello" {
		t.Fatalf("streamed text = %q", text.String())
	}
	if usage == nil || usage.CompletionTokens != 9 || usage.TotalTokens != 11 {
		t.Fatalf("expected upstream usage after finish_reason, got %+v", usage)
	}
}
