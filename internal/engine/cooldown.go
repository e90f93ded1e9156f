package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultModelCooldown is the base cooldown for a throttled model.
	DefaultModelCooldown = 60 * time.Second

	// DefaultAccountCooldown is the base cooldown for a throttled account.
	DefaultAccountCooldown = 5 * time.Minute

	// maxCooldownMultiplier caps linear escalation at 4x the base duration.
	maxCooldownMultiplier = 4
)

// KVStore is the minimal interface needed for cooldown state persistence.
type KVStore interface {
	KVSet(ctx context.Context, key, val string) error
	KVGet(ctx context.Context, key string) (string, error)
}

// CooldownEntry is the bookkeeping for one identifier in cooldown.
type CooldownEntry struct {
	ExpiresAt           time.Time `json:"expires_at"`
	Reason              string    `json:"reason"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// CooldownStatus is a point-in-time view of a live cooldown entry.
type CooldownStatus struct {
	Remaining           time.Duration `json:"remaining"`
	Reason              string        `json:"reason"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
}

// CooldownRegistry maps identifiers (model ids or account usernames) to
// cooldown entries. Expired entries are evicted lazily by readers. One
// registry per granularity is shared by every caller in the process.
type CooldownRegistry struct {
	name string
	base time.Duration

	mu      sync.Mutex
	entries map[string]*CooldownEntry
	nowFunc func() time.Time
	kvStore KVStore
}

// CooldownOption configures a CooldownRegistry.
type CooldownOption func(*CooldownRegistry)

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) CooldownOption {
	return func(r *CooldownRegistry) {
		if now != nil {
			r.nowFunc = now
		}
	}
}

// NewCooldownRegistry creates a registry. name namespaces persisted state
// ("models", "accounts"); base is the first-failure cooldown.
func NewCooldownRegistry(name string, base time.Duration, opts ...CooldownOption) *CooldownRegistry {
	if base <= 0 {
		base = DefaultModelCooldown
	}
	r := &CooldownRegistry{
		name:    name,
		base:    base,
		entries: make(map[string]*CooldownEntry),
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Name returns the registry namespace.
func (r *CooldownRegistry) Name() string { return r.name }

// Base returns the first-failure cooldown duration.
func (r *CooldownRegistry) Base() time.Duration { return r.base }

// IsOnCooldown reports whether id has a live entry.
func (r *CooldownRegistry) IsOnCooldown(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.liveLocked(id, r.nowFunc())
	return ok
}

// Remaining returns how long id stays in cooldown, or 0 if it is not.
func (r *CooldownRegistry) Remaining(id string) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()
	e, ok := r.liveLocked(id, now)
	if !ok {
		return 0
	}
	return max(0, e.ExpiresAt.Sub(now))
}

// Status returns the live status for id.
func (r *CooldownRegistry) Status(id string) (CooldownStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()
	e, ok := r.liveLocked(id, now)
	if !ok {
		return CooldownStatus{}, false
	}
	return CooldownStatus{
		Remaining:           e.ExpiresAt.Sub(now),
		Reason:              e.Reason,
		ConsecutiveFailures: e.ConsecutiveFailures,
	}, true
}

// Add records a cooldown-worthy failure for id using the escalating
// duration base * min(failures, 4). It returns the applied duration.
func (r *CooldownRegistry) Add(id, reason string) time.Duration {
	return r.AddFor(id, reason, 0)
}

// AddFor records a failure for id. A positive d overrides the escalating
// duration; the failure count still increments.
func (r *CooldownRegistry) AddFor(id, reason string, d time.Duration) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	failures := 1
	if prev, ok := r.entries[id]; ok {
		failures = prev.ConsecutiveFailures + 1
	}
	if d <= 0 {
		d = r.base * time.Duration(min(failures, maxCooldownMultiplier))
	}
	r.entries[id] = &CooldownEntry{
		ExpiresAt:           r.nowFunc().Add(d),
		Reason:              reason,
		ConsecutiveFailures: failures,
	}
	r.persistLocked()
	return d
}

// Remove clears id's cooldown and failure count.
func (r *CooldownRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; !ok {
		return
	}
	delete(r.entries, id)
	r.persistLocked()
}

// Clear drops every entry.
func (r *CooldownRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[string]*CooldownEntry)
	r.persistLocked()
}

// Snapshot returns every live entry, evicting expired ones on the way.
func (r *CooldownRegistry) Snapshot() map[string]CooldownStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()
	out := make(map[string]CooldownStatus, len(r.entries))
	evicted := false
	for id, e := range r.entries {
		if !now.Before(e.ExpiresAt) {
			delete(r.entries, id)
			evicted = true
			continue
		}
		out[id] = CooldownStatus{
			Remaining:           e.ExpiresAt.Sub(now),
			Reason:              e.Reason,
			ConsecutiveFailures: e.ConsecutiveFailures,
		}
	}
	if evicted {
		r.persistLocked()
	}
	return out
}

// Sweep evicts every expired entry and returns how many were removed.
func (r *CooldownRegistry) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.nowFunc()
	n := 0
	for id, e := range r.entries {
		if !now.Before(e.ExpiresAt) {
			delete(r.entries, id)
			n++
		}
	}
	if n > 0 {
		r.persistLocked()
	}
	return n
}

// liveLocked returns id's entry if it has not expired, evicting it
// otherwise. Must be called with r.mu held.
func (r *CooldownRegistry) liveLocked(id string, now time.Time) (*CooldownEntry, bool) {
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	if !now.Before(e.ExpiresAt) {
		delete(r.entries, id)
		return nil, false
	}
	return e, true
}

// SetKVStore enables persistent cooldown state.
func (r *CooldownRegistry) SetKVStore(store KVStore) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kvStore = store
}

func (r *CooldownRegistry) stateKey() string {
	return "cooldown:" + r.name
}

// persistLocked saves all entries to the KV store.
// Must be called with r.mu held.
func (r *CooldownRegistry) persistLocked() {
	if r.kvStore == nil {
		return
	}
	data, err := json.Marshal(r.entries)
	if err != nil {
		return
	}
	if err := r.kvStore.KVSet(context.Background(), r.stateKey(), string(data)); err != nil {
		slog.Warn("cooldown: persist state failed", "registry", r.name, "error", err)
	}
}

// LoadState restores entries from the KV store, skipping any that have
// already expired.
func (r *CooldownRegistry) LoadState(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kvStore == nil {
		return nil
	}
	val, err := r.kvStore.KVGet(ctx, r.stateKey())
	if err != nil || val == "" {
		return err
	}
	var stored map[string]*CooldownEntry
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return err
	}
	now := r.nowFunc()
	for id, e := range stored {
		if e == nil || !now.Before(e.ExpiresAt) {
			continue
		}
		r.entries[id] = e
	}
	return nil
}
