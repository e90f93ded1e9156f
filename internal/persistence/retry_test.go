package persistence

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
)

var fastPolicy = busyPolicy{retries: 3, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}

func TestIsBusy(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"driver busy", sqlite3.Error{Code: sqlite3.ErrBusy}, true},
		{"driver locked wrapped", fmt.Errorf("kv set: %w", sqlite3.Error{Code: sqlite3.ErrLocked}), true},
		{"driver constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, false},
		{"message only", errors.New("database is locked"), true},
		{"unrelated", errors.New("no such table: kv_store"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isBusy(tt.err); got != tt.want {
				t.Fatalf("isBusy(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestBusyPolicy_RetriesUntilWriterClears(t *testing.T) {
	calls := 0
	err := fastPolicy.run(context.Background(), func() error {
		calls++
		if calls < 3 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestBusyPolicy_StopsOnOtherErrors(t *testing.T) {
	calls := 0
	err := fastPolicy.run(context.Background(), func() error {
		calls++
		return errors.New("CHECK constraint failed: status")
	})
	if err == nil || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestBusyPolicy_GivesUpAfterRetries(t *testing.T) {
	calls := 0
	err := fastPolicy.run(context.Background(), func() error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrLocked}
	})
	if !isBusy(err) {
		t.Fatalf("err = %v, want the busy error", err)
	}
	if calls != fastPolicy.retries+1 {
		t.Fatalf("calls = %d, want %d", calls, fastPolicy.retries+1)
	}
}

func TestBusyPolicy_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	slow := busyPolicy{retries: 5, baseDelay: time.Second, maxDelay: time.Second}
	err := slow.run(ctx, func() error {
		cancel()
		return errors.New("database is locked")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestBusyPolicy_DelayBounded(t *testing.T) {
	p := defaultBusyPolicy
	for attempt := 0; attempt < 10; attempt++ {
		d := p.delay(attempt)
		if d <= 0 || d > p.maxDelay+p.maxDelay/4 {
			t.Fatalf("attempt %d delay %v out of range", attempt, d)
		}
	}
}
