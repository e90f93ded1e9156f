package engine

import (
	"io"
	"log/slog"
	"time"
)

// Observer receives resilience events for metrics and event streams.
// Implementations must not block; they cannot affect control flow.
type Observer interface {
	AttemptFinished(scope string, a Attempt)
	CooldownAdded(scope, id, reason string, d time.Duration)
	AccountRotated(from, to string)
}

type nopObserver struct{}

func (nopObserver) AttemptFinished(string, Attempt) {}
func (nopObserver) CooldownAdded(string, string, string, time.Duration) {}
func (nopObserver) AccountRotated(string, string) {}

// discardLogger is used when callers do not supply a logger.
var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func loggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l == nil {
		return discardLogger
	}
	return l
}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
