// ABOUTME: SQLite implementation of the KV interface using modernc.org/sqlite
// ABOUTME: Durable store tier with TTL expiry enforced on access

package kvstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite implements the KV interface on a single-table SQLite database.
// Rows carry an optional expiry timestamp; expired rows are treated as
// absent on read and swept opportunistically on write.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLite opens (or creates) a SQLite-backed KV store at the given path.
// Parent directories are created if needed.
func NewSQLite(path string) (*SQLite, error) {
	logger := slog.Default().With("component", "kvstore")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLite{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("opened sqlite kv store", "path", path)
	return s, nil
}

func (s *SQLite) createSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		expires_at INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_kv_expires_at ON kv(expires_at) WHERE expires_at IS NOT NULL;
	`
	_, err := s.db.Exec(schema)
	return err
}

// Get returns the value for key, reporting absence for missing or expired
// entries. Expired rows are deleted as a side effect.
func (s *SQLite) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	var expiresAt sql.NullInt64

	err := s.db.QueryRowContext(ctx,
		"SELECT value, expires_at FROM kv WHERE key = ?", key,
	).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading key %q: %w", key, err)
	}

	if expiresAt.Valid && expiresAt.Int64 <= time.Now().Unix() {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key); err != nil {
			s.logger.Warn("failed to delete expired key", "key", key, "error", err)
		}
		return "", false, nil
	}

	return value, true, nil
}

// Put stores value under key. A zero TTL means no expiry. Expired rows
// belonging to other keys are swept in the same call so stale entries do
// not accumulate between reads.
func (s *SQLite) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	var expiresAt sql.NullInt64
	if ttl != 0 {
		expiresAt = sql.NullInt64{Int64: time.Now().Add(ttl).Unix(), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("writing key %q: %w", key, err)
	}

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM kv WHERE expires_at IS NOT NULL AND expires_at <= ?", time.Now().Unix(),
	); err != nil {
		s.logger.Warn("failed to sweep expired keys", "error", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}
