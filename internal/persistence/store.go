// Package persistence is the bridge's sqlite state: cooldown snapshots in
// kv_store and the request/attempt ledger behind status and retention.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// migration is one forward-only schema step. The checksum pins the step's
// identity so a database written by a diverging build is refused.
type migration struct {
	version  int
	checksum string
	stmts    []string
	apply    func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{
		version:  1,
		checksum: "pb-v1-2026-03-02-resilience-ledger",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS kv_store (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS requests (
				id TEXT PRIMARY KEY,
				protocol TEXT NOT NULL,
				requested_model TEXT NOT NULL,
				used_model TEXT NOT NULL DEFAULT '',
				account TEXT NOT NULL DEFAULT '',
				was_fallback INTEGER NOT NULL DEFAULT 0,
				was_rotated INTEGER NOT NULL DEFAULT 0,
				stream INTEGER NOT NULL DEFAULT 0,
				status TEXT NOT NULL CHECK(status IN ('ok', 'exhausted', 'error')),
				error TEXT NOT NULL DEFAULT '',
				prompt_tokens INTEGER NOT NULL DEFAULT 0,
				completion_tokens INTEGER NOT NULL DEFAULT 0,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE TABLE IF NOT EXISTS attempts (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				request_id TEXT NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
				seq INTEGER NOT NULL,
				scope TEXT NOT NULL CHECK(scope IN ('model', 'account')),
				candidate TEXT NOT NULL,
				account TEXT NOT NULL DEFAULT '',
				success INTEGER NOT NULL DEFAULT 0,
				error_type TEXT NOT NULL DEFAULT '',
				http_status INTEGER NOT NULL DEFAULT 0,
				duration_ms INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT '',
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);`,
			`CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at DESC);`,
			`CREATE INDEX IF NOT EXISTS idx_attempts_request ON attempts(request_id, seq);`,
		},
	},
	{
		version:  2,
		checksum: "pb-v2-2026-05-18-trace-candidate-index",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_attempts_candidate ON attempts(scope, candidate, created_at);`,
		},
		apply: func(ctx context.Context, tx *sql.Tx) error {
			return addColumn(ctx, tx, "requests", "trace_id", `TEXT NOT NULL DEFAULT ''`)
		},
	},
}

func latestVersion() int { return migrations[len(migrations)-1].version }

type Store struct {
	db *sql.DB
}

// DefaultDBPath is used when Open gets an empty path.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".puter-bridge", "bridge.db")
}

// Open creates or upgrades the database at path. A single connection keeps
// writers serialized inside the process; WAL lets the CLI read alongside
// a running gateway.
func Open(path string) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	s := &Store{db: db}
	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.TrimSuffix(pragma, ";"), err)
		}
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		checksum TEXT NOT NULL,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if current > latestVersion() {
		return fmt.Errorf("db schema version %d is newer than supported %d", current, latestVersion())
	}
	if current > 0 {
		var got string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, current).Scan(&got); err != nil {
			return fmt.Errorf("read schema checksum: %w", err)
		}
		if want := migrations[current-1].checksum; got != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", current, got, want)
		}
	}

	for _, m := range migrations[current:] {
		for _, stmt := range m.stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration v%d: %w", m.version, err)
			}
		}
		if m.apply != nil {
			if err := m.apply(ctx, tx); err != nil {
				return fmt.Errorf("migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO schema_migrations (version, checksum) VALUES (?, ?);`,
			m.version, m.checksum); err != nil {
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}
	}
	return tx.Commit()
}

// addColumn is a no-op when table already has column.
func addColumn(ctx context.Context, tx *sql.Tx, table, column, decl string) error {
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT name FROM pragma_table_info('%s');`, table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return fmt.Errorf("inspect %s: %w", table, err)
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Backup writes a consistent copy of the database to destPath, which must
// not exist yet.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return errors.New("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup: %w", err)
	}
	return nil
}

func (s *Store) KVSet(ctx context.Context, key, val string) error {
	return withBusyRetry(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_store (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP;
		`, key, val); err != nil {
			return fmt.Errorf("kv set %s: %w", key, err)
		}
		return nil
	})
}

// KVGet returns "" for a missing key.
func (s *Store) KVGet(ctx context.Context, key string) (string, error) {
	var val string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return val, nil
}

func (s *Store) KVDelete(ctx context.Context, key string) error {
	return withBusyRetry(ctx, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM kv_store WHERE key = ?`, key); err != nil {
			return fmt.Errorf("kv delete %s: %w", key, err)
		}
		return nil
	})
}

// busyPolicy bounds how long a write waits for a competing sqlite writer
// (the CLI editing cooldowns while the gateway runs) on top of the driver's
// own busy_timeout.
type busyPolicy struct {
	retries   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

var defaultBusyPolicy = busyPolicy{retries: 5, baseDelay: 50 * time.Millisecond, maxDelay: 500 * time.Millisecond}

func withBusyRetry(ctx context.Context, f func() error) error {
	return defaultBusyPolicy.run(ctx, f)
}

func (p busyPolicy) run(ctx context.Context, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isBusy(err) || attempt >= p.retries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.delay(attempt)):
		}
	}
}

// delay doubles per attempt up to maxDelay, then jitters within +/-25%.
func (p busyPolicy) delay(attempt int) time.Duration {
	d := p.baseDelay << uint(attempt)
	if d > p.maxDelay || d <= 0 {
		d = p.maxDelay
	}
	if d < 4 {
		return d
	}
	return d - d/4 + time.Duration(rand.Int64N(int64(d/2)))
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
