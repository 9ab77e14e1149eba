package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

// schema holds every table the SQLite backend needs. One table per value
// type plus a shared expiry table, so Expire works uniformly across types
// the way it does in Redis.
const schema = `
CREATE TABLE IF NOT EXISTS kv_strings (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS kv_hashes (
	key   TEXT NOT NULL,
	field TEXT NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (key, field)
);
CREATE TABLE IF NOT EXISTS kv_lists (
	key   TEXT NOT NULL,
	pos   INTEGER NOT NULL,
	value TEXT NOT NULL,
	PRIMARY KEY (key, pos)
);
CREATE TABLE IF NOT EXISTS kv_expiry (
	key        TEXT PRIMARY KEY,
	expires_at INTEGER NOT NULL
);
`

// SQLite is a Store backed by a single SQLite database file. Expiry is
// enforced lazily: expired keys are purged the next time they are touched.
type SQLite struct {
	db *sql.DB

	// now is swapped out by tests to drive expiry deterministically.
	now func() time.Time
}

// NewSQLite opens (or creates) the database at path and prepares the schema.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("kv: open sqlite database: %w", err)
	}

	// SQLite is single-writer by design. A single shared connection lets
	// database/sql serialize callers instead of having them fight over the
	// write lock across connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("kv: set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("kv: prepare schema: %w", err)
	}

	return &SQLite{db: db, now: time.Now}, nil
}

// purgeExpiredLocked removes key from every table when its expiry has
// passed. Returns true when the key was purged.
func (s *SQLite) purgeExpired(ctx context.Context, key string) (bool, error) {
	var expiresAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT expires_at FROM kv_expiry WHERE key = ?`, key,
	).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("kv: read expiry for %q: %w", key, err)
	}
	if s.now().Unix() < expiresAt {
		return false, nil
	}
	return true, s.dropKey(ctx, key)
}

// dropKey removes key from all tables.
func (s *SQLite) dropKey(ctx context.Context, key string) error {
	for _, q := range []string{
		`DELETE FROM kv_strings WHERE key = ?`,
		`DELETE FROM kv_hashes WHERE key = ?`,
		`DELETE FROM kv_lists WHERE key = ?`,
		`DELETE FROM kv_expiry WHERE key = ?`,
	} {
		if _, err := s.db.ExecContext(ctx, q, key); err != nil {
			return fmt.Errorf("kv: delete %q: %w", key, err)
		}
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	if _, err := s.purgeExpired(ctx, key); err != nil {
		return "", false, err
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_strings WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLite) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_strings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("kv: set %q: %w", key, err)
	}
	return s.setExpiry(ctx, key, ttl)
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	return s.dropKey(ctx, key)
}

func (s *SQLite) HGet(ctx context.Context, key, field string) (string, bool, error) {
	if _, err := s.purgeExpired(ctx, key); err != nil {
		return "", false, err
	}
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv_hashes WHERE key = ? AND field = ?`, key, field,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: hget %q %q: %w", key, field, err)
	}
	return value, true, nil
}

func (s *SQLite) HSet(ctx context.Context, key, field, value string) error {
	if _, err := s.purgeExpired(ctx, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_hashes (key, field, value) VALUES (?, ?, ?)
		ON CONFLICT(key, field) DO UPDATE SET value = excluded.value
	`, key, field, value)
	if err != nil {
		return fmt.Errorf("kv: hset %q %q: %w", key, field, err)
	}
	return nil
}

func (s *SQLite) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if _, err := s.purgeExpired(ctx, key); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT field, value FROM kv_hashes WHERE key = ?`, key)
	if err != nil {
		return nil, fmt.Errorf("kv: hgetall %q: %w", key, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var field, value string
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("kv: hgetall %q: %w", key, err)
		}
		out[field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv: hgetall %q: %w", key, err)
	}
	return out, nil
}

func (s *SQLite) HDel(ctx context.Context, key string, fields ...string) error {
	if _, err := s.purgeExpired(ctx, key); err != nil {
		return err
	}
	for _, field := range fields {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM kv_hashes WHERE key = ? AND field = ?`, key, field); err != nil {
			return fmt.Errorf("kv: hdel %q %q: %w", key, field, err)
		}
	}
	return nil
}

func (s *SQLite) RPush(ctx context.Context, key string, values ...string) error {
	if _, err := s.purgeExpired(ctx, key); err != nil {
		return err
	}
	for _, value := range values {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO kv_lists (key, pos, value)
			SELECT ?, COALESCE(MAX(pos) + 1, 0), ? FROM kv_lists WHERE key = ?
		`, key, value, key)
		if err != nil {
			return fmt.Errorf("kv: rpush %q: %w", key, err)
		}
	}
	return nil
}

func (s *SQLite) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	n, err := s.LLen(ctx, key)
	if err != nil {
		return nil, err
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT value FROM kv_lists WHERE key = ?
		ORDER BY pos LIMIT ? OFFSET ?
	`, key, stop-start+1, start)
	if err != nil {
		return nil, fmt.Errorf("kv: lrange %q: %w", key, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("kv: lrange %q: %w", key, err)
		}
		out = append(out, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("kv: lrange %q: %w", key, err)
	}
	return out, nil
}

func (s *SQLite) LLen(ctx context.Context, key string) (int64, error) {
	if _, err := s.purgeExpired(ctx, key); err != nil {
		return 0, err
	}
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_lists WHERE key = ?`, key,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("kv: llen %q: %w", key, err)
	}
	return n, nil
}

func (s *SQLite) Expire(ctx context.Context, key string, ttl time.Duration) error {
	purged, err := s.purgeExpired(ctx, key)
	if err != nil {
		return err
	}
	if purged {
		return nil
	}
	exists, err := s.exists(ctx, key)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	return s.setExpiry(ctx, key, ttl)
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

// setExpiry upserts or clears the expiry row for key.
func (s *SQLite) setExpiry(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		_, err := s.db.ExecContext(ctx, `DELETE FROM kv_expiry WHERE key = ?`, key)
		if err != nil {
			return fmt.Errorf("kv: clear expiry for %q: %w", key, err)
		}
		return nil
	}
	deadline := s.now().Add(ttl).Unix()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv_expiry (key, expires_at) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET expires_at = excluded.expires_at
	`, key, deadline)
	if err != nil {
		return fmt.Errorf("kv: set expiry for %q: %w", key, err)
	}
	return nil
}

// exists reports whether key holds a value of any type.
func (s *SQLite) exists(ctx context.Context, key string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM kv_strings WHERE key = ?1) +
			(SELECT COUNT(*) FROM kv_hashes  WHERE key = ?1) +
			(SELECT COUNT(*) FROM kv_lists   WHERE key = ?1)
	`, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("kv: check %q: %w", key, err)
	}
	return n > 0, nil
}
