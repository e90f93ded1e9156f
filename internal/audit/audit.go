// Package audit keeps an append-only JSONL trail of credential-affecting
// actions: account changes, cooldown resets, rejected local clients and
// fatal startup failures.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/puter-bridge/internal/shared"
)

const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
	OutcomeFatal = "fatal"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Outcome   string `json:"outcome"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	denyCount atomic.Int64
)

// Path returns the audit file location under homeDir.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "logs", "audit.jsonl")
}

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Join(homeDir, "logs"), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(Path(homeDir), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the number of deny entries since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record appends one entry. Before Init it only updates the deny counter.
func Record(outcome, action, subject, reason string) {
	if outcome == OutcomeDeny {
		denyCount.Add(1)
	}

	subject = shared.Redact(subject)
	reason = shared.Redact(reason)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Outcome:   outcome,
		Action:    action,
		Subject:   subject,
		Reason:    reason,
	})
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
