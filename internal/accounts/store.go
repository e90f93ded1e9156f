// Package accounts persists Puter credentials in auth.json and exposes them
// to the rotation engine.
package accounts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/puter-bridge/internal/engine"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrIndexOutOfRange = errors.New("account index out of range")
)

const authSchema = `{
	"type": "object",
	"required": ["accounts"],
	"properties": {
		"activeAccountIndex": {"type": "integer", "minimum": 0},
		"accounts": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["username", "token"],
				"properties": {
					"username": {"type": "string", "minLength": 1},
					"token": {"type": "string", "minLength": 1},
					"addedAt": {"type": "string"},
					"lastUsed": {"type": ["string", "null"]},
					"isTemporary": {"type": "boolean"}
				}
			}
		}
	}
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(authSchema))
	if err != nil {
		panic(fmt.Sprintf("accounts: unmarshal schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("auth.json", doc); err != nil {
		panic(fmt.Sprintf("accounts: add schema: %v", err))
	}
	sch, err := c.Compile("auth.json")
	if err != nil {
		panic(fmt.Sprintf("accounts: compile schema: %v", err))
	}
	return sch
}

type fileAccount struct {
	Username    string     `json:"username"`
	Token       string     `json:"token"`
	AddedAt     time.Time  `json:"addedAt"`
	LastUsed    *time.Time `json:"lastUsed,omitempty"`
	IsTemporary bool       `json:"isTemporary,omitempty"`
}

type fileFormat struct {
	ActiveAccountIndex int           `json:"activeAccountIndex"`
	Accounts           []fileAccount `json:"accounts"`
}

// Store is the auth.json-backed account list. It implements
// engine.AccountStore and is safe for concurrent use.
type Store struct {
	path   string
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	active   int
	accounts []fileAccount
	seen     []byte // file content last loaded or written by this store
}

// Option configures a Store.
type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source for AddedAt/LastUsed stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open loads path. A missing file yields an empty store; the file is
// created on the first write.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:   path,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Reload re-reads the file and reports whether it differed from what the
// store last loaded or wrote, so the store's own writes are not re-applied.
// On any error the in-memory state is kept.
func (s *Store) Reload() (changed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		changed = len(s.accounts) > 0 || s.seen != nil
		s.accounts = nil
		s.active = 0
		s.seen = nil
		return changed, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", filepath.Base(s.path), err)
	}
	if s.seen != nil && bytes.Equal(data, s.seen) {
		return false, nil
	}

	ff, err := decode(data)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", filepath.Base(s.path), err)
	}

	s.accounts = ff.Accounts
	s.active = ff.ActiveAccountIndex
	s.seen = data
	if s.active >= len(s.accounts) {
		if len(s.accounts) > 0 {
			s.logger.Warn("accounts: active index out of range, using first account",
				"index", s.active,
				"accounts", len(s.accounts),
			)
		}
		s.active = 0
	}
	return true, nil
}

func decode(data []byte) (fileFormat, error) {
	var ff fileFormat
	if len(bytes.TrimSpace(data)) == 0 {
		return ff, nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return ff, fmt.Errorf("invalid JSON: %w", err)
	}
	if err := compiledSchema.Validate(inst); err != nil {
		return ff, fmt.Errorf("schema validation failed: %w", err)
	}
	if err := json.Unmarshal(data, &ff); err != nil {
		return ff, err
	}
	seen := make(map[string]bool, len(ff.Accounts))
	for _, a := range ff.Accounts {
		if seen[a.Username] {
			return ff, fmt.Errorf("duplicate username %q", a.Username)
		}
		seen[a.Username] = true
	}
	return ff, nil
}

func toEngine(a fileAccount) engine.Account {
	out := engine.Account{
		Username:    a.Username,
		Credential:  a.Token,
		AddedAt:     a.AddedAt,
		IsTemporary: a.IsTemporary,
	}
	if a.LastUsed != nil {
		out.LastUsed = *a.LastUsed
	}
	return out
}

// ActiveAccount returns a copy of the active account, or nil when empty.
func (s *Store) ActiveAccount() *engine.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.accounts) == 0 {
		return nil
	}
	acc := toEngine(s.accounts[s.active])
	return &acc
}

// ActiveIndex returns the active account index.
func (s *Store) ActiveIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Accounts returns copies of every account in file order.
func (s *Store) Accounts() []engine.Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]engine.Account, len(s.accounts))
	for i, a := range s.accounts {
		out[i] = toEngine(a)
	}
	return out
}

// IsAuthenticated reports whether at least one account exists.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.accounts) > 0
}

// SwitchAccount makes index the active account and persists the choice.
func (s *Store) SwitchAccount(_ context.Context, index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.accounts) {
		return fmt.Errorf("%w: %d of %d", ErrIndexOutOfRange, index, len(s.accounts))
	}
	prev := s.active
	s.active = index
	if err := s.saveLocked(); err != nil {
		s.active = prev
		return err
	}
	return nil
}

// Use switches to the account named username.
func (s *Store) Use(ctx context.Context, username string) error {
	idx := s.indexOf(username)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}
	return s.SwitchAccount(ctx, idx)
}

func (s *Store) indexOf(username string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, a := range s.accounts {
		if a.Username == username {
			return i
		}
	}
	return -1
}

// Add stores an account, replacing the token of an existing username. The
// first account added becomes active. It returns the account's index.
func (s *Store) Add(username, token string, temporary bool) (int, error) {
	username = strings.TrimSpace(username)
	if username == "" || token == "" {
		return -1, fmt.Errorf("username and token are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev := append([]fileAccount(nil), s.accounts...)

	idx := -1
	for i, a := range s.accounts {
		if a.Username == username {
			idx = i
			break
		}
	}
	if idx >= 0 {
		s.accounts[idx].Token = token
		s.accounts[idx].IsTemporary = temporary
	} else {
		s.accounts = append(s.accounts, fileAccount{
			Username:    username,
			Token:       token,
			AddedAt:     s.now().UTC(),
			IsTemporary: temporary,
		})
		idx = len(s.accounts) - 1
	}
	if err := s.saveLocked(); err != nil {
		s.accounts = prev
		return -1, err
	}
	return idx, nil
}

// Remove deletes username. The active index follows the previously active
// account, or falls back to the first one when the active account is removed.
func (s *Store) Remove(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, a := range s.accounts {
		if a.Username == username {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, username)
	}

	prevAccounts := append([]fileAccount(nil), s.accounts...)
	prevActive := s.active

	s.accounts = append(s.accounts[:idx:idx], s.accounts[idx+1:]...)
	switch {
	case len(s.accounts) == 0, idx == s.active:
		s.active = 0
	case idx < s.active:
		s.active--
	}
	if err := s.saveLocked(); err != nil {
		s.accounts = prevAccounts
		s.active = prevActive
		return err
	}
	return nil
}

// Touch stamps LastUsed on username and persists it.
func (s *Store) Touch(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.accounts {
		if s.accounts[i].Username == username {
			t := s.now().UTC()
			s.accounts[i].LastUsed = &t
			return s.saveLocked()
		}
	}
	return fmt.Errorf("%w: %s", ErrAccountNotFound, username)
}

func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(fileFormat{
		ActiveAccountIndex: s.active,
		Accounts:           s.accounts,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode accounts: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("accounts: mkdir: %w", err)
	}

	// Atomic write: temp file in the same directory, then rename.
	tmp, err := os.CreateTemp(dir, ".auth-*.tmp")
	if err != nil {
		return fmt.Errorf("accounts: create temp: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("accounts: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("accounts: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("accounts: close temp: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("accounts: rename: %w", err)
	}
	s.seen = data
	return nil
}

var _ engine.AccountStore = (*Store)(nil)
