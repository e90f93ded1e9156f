package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/puter-bridge/internal/broker"
	"github.com/basket/puter-bridge/internal/engine"
	"github.com/basket/puter-bridge/internal/upstream"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		status     int
		code       string
		retryAfter int
	}{
		{
			name:       "all accounts cooling",
			err:        &engine.AllAccountsOnCooldownError{NextAvailableIn: 1500 * time.Millisecond},
			status:     http.StatusTooManyRequests,
			code:       "all_accounts_cooling_down",
			retryAfter: 2,
		},
		{
			name: "exhausted by rate limits",
			err: &engine.FallbackExhaustedError{Attempts: []engine.Attempt{
				{ID: "gpt-4o", ErrorType: engine.ErrorTypeServer},
				{ID: "claude-sonnet-4", ErrorType: engine.ErrorTypeRateLimit},
			}},
			status: http.StatusTooManyRequests,
			code:   "rate_limit_exceeded",
		},
		{
			name: "exhausted by server errors",
			err: &engine.FallbackExhaustedError{Attempts: []engine.Attempt{
				{ID: "gpt-4o", ErrorType: engine.ErrorTypeServer},
			}},
			status: http.StatusBadGateway,
			code:   "upstream_exhausted",
		},
		{name: "no accounts", err: engine.ErrNoAccounts, status: http.StatusServiceUnavailable, code: "no_accounts"},
		{name: "no model", err: broker.ErrNoModel, status: http.StatusBadRequest, code: "invalid_request_error"},
		{
			name:   "upstream status",
			err:    fmt.Errorf("complete: %w", &upstream.StatusError{Status: 400, Message: "bad"}),
			status: http.StatusBadRequest,
			code:   "upstream_error",
		},
		{name: "deadline", err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "timeout"},
		{name: "canceled", err: context.Canceled, status: http.StatusGatewayTimeout, code: "client_disconnected"},
		{name: "other", err: errors.New("boom"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err)
			if got.Status != tt.status || got.Code != tt.code || got.RetryAfter != tt.retryAfter {
				t.Fatalf("classifyError() = %+v, want status=%d code=%s retry=%d", got, tt.status, tt.code, tt.retryAfter)
			}
		})
	}
}

func TestClassifyError_RedactsCredentials(t *testing.T) {
	err := &engine.FallbackExhaustedError{Attempts: []engine.Attempt{{
		ID:        "gpt-4o",
		ErrorType: engine.ErrorTypeServer,
		Error:     "upstream said Bearer abcdefghijklmnopqrstuvwxyz0123456789 is bad",
	}}}
	if msg := classifyError(err).Message; strings.Contains(msg, "abcdefghijklmnopqrstuvwxyz0123456789") {
		t.Fatalf("token leaked into error message: %s", msg)
	}
}

func TestWriteBrokerError_Dialects(t *testing.T) {
	err := &engine.AllAccountsOnCooldownError{NextAvailableIn: 30 * time.Second}

	rec := httptest.NewRecorder()
	writeBrokerError(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", nil), err)
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") != "30" {
		t.Fatalf("openai: code=%d retry=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
	var oa struct {
		Error struct {
			Type string `json:"type"`
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &oa); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if oa.Error.Type != "rate_limit_error" || oa.Error.Code != "all_accounts_cooling_down" {
		t.Fatalf("openai body = %+v", oa)
	}

	rec = httptest.NewRecorder()
	writeBrokerError(rec, httptest.NewRequest(http.MethodPost, "/v1beta/models/gpt-4o:generateContent", nil), err)
	var g struct {
		Error struct {
			Code   int    `json:"code"`
			Status string `json:"status"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &g); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if g.Error.Code != 429 || g.Error.Status != "RESOURCE_EXHAUSTED" {
		t.Fatalf("gemini body = %+v", g)
	}
}

func TestParseGeminiPath(t *testing.T) {
	tests := []struct {
		path   string
		model  string
		method string
		ok     bool
	}{
		{"/v1beta/models/gpt-4o:generateContent", "gpt-4o", "generateContent", true},
		{"/v1beta/models/gemini-2.5-pro:streamGenerateContent", "gemini-2.5-pro", "streamGenerateContent", true},
		{"/v1beta/models/gpt-4o:countTokens", "gpt-4o", "countTokens", true},
		{"/v1beta/models/openrouter:meta/llama-3", "openrouter:meta/llama-3", "", true},
		{"/v1beta/models/openrouter:meta/llama-3:generateContent", "openrouter:meta/llama-3", "generateContent", true},
		{"/v1beta/models/gpt-4o", "gpt-4o", "", true},
		{"/v1beta/models/", "", "", false},
		{"/v1/models/gpt-4o", "", "", false},
	}
	for _, tt := range tests {
		model, method, ok := parseGeminiPath(tt.path)
		if model != tt.model || method != tt.method || ok != tt.ok {
			t.Errorf("parseGeminiPath(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.path, model, method, ok, tt.model, tt.method, tt.ok)
		}
	}
}

func TestRouteName(t *testing.T) {
	if got := routeName("/v1beta/models/gpt-4o:generateContent"); got != "/v1beta/models/{model}:generateContent" {
		t.Fatalf("routeName = %q", got)
	}
	if got := routeName("/v1/chat/completions"); got != "/v1/chat/completions" {
		t.Fatalf("routeName = %q", got)
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		name   string
		header map[string]string
		query  string
		want   string
	}{
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "", "abc"},
		{"goog header", map[string]string{"x-goog-api-key": "g"}, "", "g"},
		{"x-api-key", map[string]string{"X-API-Key": "x"}, "", "x"},
		{"query key", nil, "?key=q", "q"},
		{"query api_key", nil, "?api_key=q2", "q2"},
		{"basic auth ignored", map[string]string{"Authorization": "Basic zzz"}, "", ""},
		{"none", nil, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/v1/models"+tt.query, nil)
			for k, v := range tt.header {
				r.Header.Set(k, v)
			}
			if got := ExtractAPIKey(r); got != tt.want {
				t.Fatalf("ExtractAPIKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCORS(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("preflight allowed", func(t *testing.T) {
		h := NewCORSMiddleware([]string{"https://app.example.com/"})(inner)
		req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Fatalf("allow origin = %q", got)
		}
		if !strings.Contains(rec.Header().Get("Access-Control-Allow-Headers"), "x-goog-api-key") {
			t.Fatal("gemini key header not allowed")
		}
	})

	t.Run("preflight disallowed", func(t *testing.T) {
		h := NewCORSMiddleware([]string{"https://app.example.com"})(inner)
		req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("wildcard echoes origin", func(t *testing.T) {
		h := NewCORSMiddleware([]string{"*"})(inner)
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
			t.Fatalf("allow origin = %q", got)
		}
	})

	t.Run("disabled", func(t *testing.T) {
		h := NewCORSMiddleware(nil)(inner)
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		req.Header.Set("Origin", "http://localhost:5173")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Fatal("CORS headers set while disabled")
		}
	})
}

func TestRequestSizeLimit(t *testing.T) {
	h := RequestSizeLimitMiddleware(16)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var v map[string]any
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				w.WriteHeader(http.StatusRequestEntityTooLarge)
				return
			}
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"k":"`+strings.Repeat("x", 64)+`"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}
