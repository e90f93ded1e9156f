// Package telemetry builds the bridge's structured slog logger. Every record
// is JSON, carries a component and trace id, and has credentials scrubbed
// before it reaches any writer.
package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/puter-bridge/internal/shared"
)

const redacted = "[REDACTED]"

// Keys whose values are never logged, matched as substrings of the
// lower-cased attribute key.
var sensitiveKeys = []string{
	"token", "secret", "password", "authorization", "api_key", "apikey", "bearer", "credential",
}

// Value fragments that mark a whole string as a credential carrier.
var sensitiveFragments = []string{"bearer ", "api_key", "authorization:", "x-goog-api-key"}

// LogPath is where NewLogger writes under homeDir.
func LogPath(homeDir string) string {
	return filepath.Join(homeDir, "logs", "system.jsonl")
}

// NewLogger opens <home>/logs/system.jsonl for append and returns a logger
// writing there, mirrored to stdout unless quiet. The caller closes the
// returned file.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	path := LogPath(homeDir)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, err
	}
	var w io.Writer = f
	if !quiet {
		w = io.MultiWriter(os.Stdout, f)
	}
	return slog.New(NewHandler(w, ParseLevel(level))).With("component", "bridge", "trace_id", "-"), f, nil
}

// NewHandler is the scrubbing JSON handler behind NewLogger.
func NewHandler(w io.Writer, lvl slog.Leveler) slog.Handler {
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: scrub})
}

func scrub(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	if isSensitiveKey(a.Key) {
		return slog.String(a.Key, redacted)
	}
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	lower := strings.ToLower(v)
	for _, frag := range sensitiveFragments {
		if strings.Contains(lower, frag) {
			return slog.String(a.Key, redacted)
		}
	}
	if clean := shared.Redact(v); clean != v {
		return slog.String(a.Key, clean)
	}
	return a
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	for _, k := range sensitiveKeys {
		if lower != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With("component", name)
}

// FromContext adds the trace, request, account and protocol carried by ctx.
func FromContext(ctx context.Context, l *slog.Logger) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	attrs := []any{"trace_id", shared.TraceID(ctx)}
	for _, kv := range [][2]string{
		{"request_id", shared.RequestID(ctx)},
		{"account", shared.Account(ctx)},
		{"protocol", shared.Protocol(ctx)},
	} {
		if kv[1] != "" {
			attrs = append(attrs, kv[0], kv[1])
		}
	}
	return l.With(attrs...)
}

// ParseLevel maps config.yaml's log_level onto slog; unknown values mean info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
