package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Strategy selects the next account when rotation is needed.
type Strategy string

const (
	StrategyRoundRobin        Strategy = "round-robin"
	StrategyLeastRecentlyUsed Strategy = "least-recently-used"
)

// ParseStrategy validates a configured strategy name. Empty means round-robin.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyRoundRobin:
		return StrategyRoundRobin, nil
	case StrategyLeastRecentlyUsed:
		return StrategyLeastRecentlyUsed, nil
	}
	return "", fmt.Errorf("unknown rotation strategy %q (supported: %s, %s)", s, StrategyRoundRobin, StrategyLeastRecentlyUsed)
}

// Account is one backend identity.
type Account struct {
	Username    string    `json:"username"`
	Credential  string    `json:"-"`
	AddedAt     time.Time `json:"added_at"`
	LastUsed    time.Time `json:"last_used,omitempty"`
	IsTemporary bool      `json:"is_temporary,omitempty"`
}

// AccountStore owns the configured accounts and which one is active. The
// rotation engine never creates or deletes accounts.
type AccountStore interface {
	ActiveAccount() *Account
	Accounts() []Account
	SwitchAccount(ctx context.Context, index int) error
	IsAuthenticated() bool
}

// ErrNoAccounts is returned when the store has no accounts at all.
var ErrNoAccounts = errors.New("no accounts configured")

// AccountStatus describes one account's availability.
type AccountStatus struct {
	Username       string        `json:"username"`
	OnCooldown     bool          `json:"on_cooldown"`
	Remaining      time.Duration `json:"remaining"`
	Reason         string        `json:"reason,omitempty"`
	RateLimitCount int           `json:"rate_limit_count"`
	LastUsed       time.Time     `json:"last_used,omitempty"`
	Active         bool          `json:"active"`
}

// AllAccountsOnCooldownError is returned when no account is available.
type AllAccountsOnCooldownError struct {
	Statuses        []AccountStatus
	NextAvailableIn time.Duration
}

func (e *AllAccountsOnCooldownError) Error() string {
	return fmt.Sprintf("all %d accounts are on cooldown; next available in %s",
		len(e.Statuses), e.NextAvailableIn.Round(time.Second))
}

// NewAllAccountsOnCooldownError builds the error, deriving NextAvailableIn as
// the smallest remaining cooldown across statuses.
func NewAllAccountsOnCooldownError(statuses []AccountStatus) *AllAccountsOnCooldownError {
	var next time.Duration
	for i, s := range statuses {
		if i == 0 || s.Remaining < next {
			next = s.Remaining
		}
	}
	return &AllAccountsOnCooldownError{Statuses: statuses, NextAvailableIn: next}
}

// RotationResult reports which account to use for a call.
type RotationResult struct {
	Account            Account
	WasRotated         bool
	PreviousUsername   string
	AccountsOnCooldown int
	TotalAccounts      int
}

// RotationConfig controls the account rotation engine.
type RotationConfig struct {
	Enabled  bool
	Strategy Strategy
}

// AccountRotator picks the account for each call, moving off accounts that
// are in cooldown. Calls are serialized so concurrent rotations cannot
// interleave store switches.
type AccountRotator struct {
	cooldowns *CooldownRegistry
	cfg       RotationConfig
	logger    *slog.Logger
	observer  Observer

	mu       sync.Mutex
	rrCursor int
	lastUsed map[string]time.Time
	nowFunc  func() time.Time
}

// RotatorOption configures an AccountRotator.
type RotatorOption func(*AccountRotator)

// WithRotatorLogger sets the rotator's logger.
func WithRotatorLogger(l *slog.Logger) RotatorOption {
	return func(ar *AccountRotator) { ar.logger = loggerOrDiscard(l) }
}

// WithRotatorObserver sets the rotator's event observer.
func WithRotatorObserver(o Observer) RotatorOption {
	return func(ar *AccountRotator) { ar.observer = observerOrNop(o) }
}

// WithRotatorClock overrides the time source used for usage bookkeeping.
func WithRotatorClock(now func() time.Time) RotatorOption {
	return func(ar *AccountRotator) {
		if now != nil {
			ar.nowFunc = now
		}
	}
}

// NewAccountRotator creates an AccountRotator over a shared account registry.
func NewAccountRotator(cooldowns *CooldownRegistry, cfg RotationConfig, opts ...RotatorOption) *AccountRotator {
	if cooldowns == nil {
		cooldowns = NewCooldownRegistry("accounts", DefaultAccountCooldown)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyRoundRobin
	}
	ar := &AccountRotator{
		cooldowns: cooldowns,
		cfg:       cfg,
		logger:    discardLogger,
		observer:  nopObserver{},
		lastUsed:  make(map[string]time.Time),
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(ar)
	}
	return ar
}

// Cooldowns returns the rotator's account registry.
func (ar *AccountRotator) Cooldowns() *CooldownRegistry { return ar.cooldowns }

// Enabled reports whether rotation is active.
func (ar *AccountRotator) Enabled() bool { return ar.cfg.Enabled }

// MarkUsed records that username served a call.
func (ar *AccountRotator) MarkUsed(username string) {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	ar.lastUsed[username] = ar.nowFunc()
}

// GetNextAvailable returns the account to use, switching the store's active
// account when the current one is cooling down.
func (ar *AccountRotator) GetNextAvailable(ctx context.Context, store AccountStore) (*RotationResult, error) {
	ar.mu.Lock()
	defer ar.mu.Unlock()

	accounts := store.Accounts()
	active := store.ActiveAccount()

	if !ar.cfg.Enabled {
		if active == nil {
			return nil, ErrNoAccounts
		}
		return &RotationResult{
			Account:       *active,
			TotalAccounts: len(accounts),
		}, nil
	}

	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}

	available := make(map[int]bool, len(accounts))
	for i, acc := range accounts {
		if !ar.cooldowns.IsOnCooldown(acc.Username) {
			available[i] = true
		}
	}
	onCooldown := len(accounts) - len(available)

	if len(available) == 0 {
		err := NewAllAccountsOnCooldownError(ar.statusesLocked(accounts, active))
		ar.logger.Warn("rotation: all accounts on cooldown",
			"accounts", len(accounts),
			"next_available_in", err.NextAvailableIn,
		)
		return nil, err
	}

	activeIdx := -1
	if active != nil {
		for i, acc := range accounts {
			if acc.Username == active.Username {
				activeIdx = i
				break
			}
		}
	}

	if activeIdx >= 0 && available[activeIdx] && onCooldown == 0 {
		ar.lastUsed[active.Username] = ar.nowFunc()
		return &RotationResult{
			Account:       accounts[activeIdx],
			TotalAccounts: len(accounts),
		}, nil
	}

	var target int
	switch ar.cfg.Strategy {
	case StrategyLeastRecentlyUsed:
		target = ar.pickLeastRecentlyUsedLocked(accounts, available)
	default:
		target = ar.pickRoundRobinLocked(accounts, available)
	}
	selected := accounts[target]

	rotated := target != activeIdx
	if rotated {
		if err := store.SwitchAccount(ctx, target); err != nil {
			return nil, fmt.Errorf("switch to account %s: %w", selected.Username, err)
		}
	}
	ar.lastUsed[selected.Username] = ar.nowFunc()

	res := &RotationResult{
		Account:            selected,
		WasRotated:         rotated,
		AccountsOnCooldown: onCooldown,
		TotalAccounts:      len(accounts),
	}
	if rotated {
		if active != nil {
			res.PreviousUsername = active.Username
		}
		ar.observer.AccountRotated(res.PreviousUsername, selected.Username)
		ar.logger.Info("rotation: switched account",
			"from", res.PreviousUsername,
			"to", selected.Username,
			"strategy", string(ar.cfg.Strategy),
			"on_cooldown", onCooldown,
		)
	}
	return res, nil
}

// HandleFailure puts the active account into cooldown and rotates. ok is
// false when every account is cooling down, letting the caller surface the
// original error instead.
func (ar *AccountRotator) HandleFailure(ctx context.Context, cause error, store AccountStore) (res *RotationResult, ok bool, err error) {
	active := store.ActiveAccount()
	if active == nil {
		return ar.rotate(ctx, store)
	}
	return ar.HandleFailureFor(ctx, active.Username, cause, store)
}

// HandleFailureFor cools down username, the account that actually failed,
// and rotates. Concurrent calls may have switched the store's active account
// since username was picked; that account is left alone.
func (ar *AccountRotator) HandleFailureFor(ctx context.Context, username string, cause error, store AccountStore) (res *RotationResult, ok bool, err error) {
	if username != "" {
		reason := "unknown failure"
		if cause != nil {
			reason = cause.Error()
		}
		d := ar.cooldowns.Add(username, reason)
		ar.observer.CooldownAdded("account", username, reason, d)
		ar.logger.Info("rotation: account cooling down", "account", username, "duration", d)
	}
	return ar.rotate(ctx, store)
}

func (ar *AccountRotator) rotate(ctx context.Context, store AccountStore) (*RotationResult, bool, error) {
	res, err := ar.GetNextAvailable(ctx, store)
	if err != nil {
		var all *AllAccountsOnCooldownError
		if errors.As(err, &all) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return res, true, nil
}

// Statuses reports availability for every account in the store.
func (ar *AccountRotator) Statuses(store AccountStore) []AccountStatus {
	ar.mu.Lock()
	defer ar.mu.Unlock()
	return ar.statusesLocked(store.Accounts(), store.ActiveAccount())
}

func (ar *AccountRotator) statusesLocked(accounts []Account, active *Account) []AccountStatus {
	out := make([]AccountStatus, 0, len(accounts))
	for _, acc := range accounts {
		st := AccountStatus{
			Username: acc.Username,
			LastUsed: ar.lastUsedLocked(acc),
			Active:   active != nil && active.Username == acc.Username,
		}
		if cs, ok := ar.cooldowns.Status(acc.Username); ok {
			st.OnCooldown = true
			st.Remaining = cs.Remaining
			st.Reason = cs.Reason
			st.RateLimitCount = cs.ConsecutiveFailures
		}
		out = append(out, st)
	}
	return out
}

func (ar *AccountRotator) lastUsedLocked(acc Account) time.Time {
	if t, ok := ar.lastUsed[acc.Username]; ok {
		return t
	}
	return acc.LastUsed
}

// pickRoundRobinLocked scans from just after the cursor, wrapping, and moves
// the cursor to the pick so skipped accounts still get their turn.
func (ar *AccountRotator) pickRoundRobinLocked(accounts []Account, available map[int]bool) int {
	n := len(accounts)
	cursor := ar.rrCursor % n
	for i := 1; i <= n; i++ {
		idx := (cursor + i) % n
		if available[idx] {
			ar.rrCursor = idx
			return idx
		}
	}
	// Unreachable when available is non-empty.
	return cursor
}

func (ar *AccountRotator) pickLeastRecentlyUsedLocked(accounts []Account, available map[int]bool) int {
	best := -1
	var bestTime time.Time
	for i, acc := range accounts {
		if !available[i] {
			continue
		}
		t := ar.lastUsedLocked(acc)
		if best < 0 || t.Before(bestTime) {
			best = i
			bestTime = t
		}
	}
	return best
}
