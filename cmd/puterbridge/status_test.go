package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/puter-bridge/internal/gateway"
)

func TestRunStatusCommand_ExtraArgs(t *testing.T) {
	captureOutput(t)
	if code := runStatusCommand(context.Background(), []string{"extra"}); code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunStatusCommand_PrintsReport(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer local-secret" {
			t.Errorf("authorization = %q", got)
		}
		json.NewEncoder(w).Encode(gateway.StatusReport{
			DefaultModel:   "gpt-4o",
			ModelCooldowns: []gateway.CooldownView{{ID: "gpt-4o", RemainingSeconds: 42}},
		})
	}))
	defer ts.Close()
	setTestConfig(t, "bind_addr: \""+ts.Listener.Addr().String()+"\"\nauth_token: local-secret\n")
	out, _ := captureOutput(t)

	if code := runStatusCommand(context.Background(), []string{"-json"}); code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
	var rep gateway.StatusReport
	if err := json.Unmarshal(out.Bytes(), &rep); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if rep.DefaultModel != "gpt-4o" || len(rep.ModelCooldowns) != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestRunStatusCommand_Unauthorized(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":"invalid_api_key"}}`))
	}))
	defer ts.Close()
	setTestConfig(t, "bind_addr: \""+ts.Listener.Addr().String()+"\"\n")
	_, errOut := captureOutput(t)

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
	if !strings.Contains(errOut.String(), "401") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRunStatusCommand_ConnectionRefused(t *testing.T) {
	setTestConfig(t, "bind_addr: \"127.0.0.1:1\"\n")
	captureOutput(t)

	if code := runStatusCommand(context.Background(), nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for connection refused", code)
	}
}

func TestRunStatusCommand_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	setTestConfig(t, "bind_addr: \"127.0.0.1:8787\"\n")
	captureOutput(t)

	if code := runStatusCommand(ctx, nil); code != 1 {
		t.Fatalf("got exit code %d, want 1 for cancelled context", code)
	}
}

func TestRenderStatus(t *testing.T) {
	var buf bytes.Buffer
	renderStatus(&buf, gateway.StatusReport{
		DefaultModel:    "gpt-4o",
		FallbackEnabled: true,
		Accounts: []gateway.AccountView{
			{Username: "alice", Active: true},
			{Username: "bob", OnCooldown: true, RemainingSeconds: 30, Reason: "rate-limit"},
		},
		ModelCooldowns: []gateway.CooldownView{{ID: "claude-sonnet-4", RemainingSeconds: 12, ConsecutiveFailures: 3}},
		Requests:       map[string]int{"ok": 4, "exhausted": 1},
	})
	out := buf.String()
	for _, want := range []string{"gpt-4o", "alice", "bob", "cooling 30s", "claude-sonnet-4", "x3", "exhausted=1  ok=4"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
