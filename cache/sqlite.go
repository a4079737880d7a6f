package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS definition_cache (
	key        TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);`

// SQLiteStorage persists cache entries in a SQLite database so
// definitions survive restarts.
type SQLiteStorage struct {
	db *sql.DB
}

// OpenSQLiteStorage opens (and creates if needed) the database at path.
func OpenSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite storage: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: init sqlite schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Get retrieves a serialized entry. Returns (nil, false, nil) on miss.
func (s *SQLiteStorage) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM definition_cache WHERE key = ?`, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: sqlite get %q: %w", key, err)
	}
	return data, true, nil
}

// Set upserts a serialized entry.
func (s *SQLiteStorage) Set(ctx context.Context, key string, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO definition_cache (key, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key, data, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("cache: sqlite set %q: %w", key, err)
	}
	return nil
}

// Delete removes a serialized entry. Idempotent.
func (s *SQLiteStorage) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM definition_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache: sqlite delete %q: %w", key, err)
	}
	return nil
}

// Clear removes every entry.
func (s *SQLiteStorage) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM definition_cache`); err != nil {
		return fmt.Errorf("cache: sqlite clear: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Ensure SQLiteStorage implements Storage
var _ Storage = (*SQLiteStorage)(nil)
