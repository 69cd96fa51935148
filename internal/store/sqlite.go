package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// SQLite is a Store backed by a single SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ Store = (*SQLite)(nil)

// OpenSQLite creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// Use ":memory:" for a private in-memory database.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection also
	// keeps ":memory:" databases alive across calls.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
// There are none yet; a fresh database is stamped with the current version
// and one written by a newer build is refused.
func runMigrations(ctx context.Context, db *sql.DB) error {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}
	if version == currentSchemaVersion {
		return nil
	}

	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Put writes value under (category, key), replacing any previous value.
func (s *SQLite) Put(ctx context.Context, category, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (category, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(category, key) DO UPDATE SET value = excluded.value
	`, category, key, value)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", category, key, err)
	}
	return nil
}

// Get reads the value under (category, key).
func (s *SQLite) Get(ctx context.Context, category, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM blobs WHERE category = ? AND key = ?", category, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", category, key, err)
	}
	return value, nil
}

// Delete removes (category, key). Returns ErrNotFound if it did not exist.
func (s *SQLite) Delete(ctx context.Context, category, key string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM blobs WHERE category = ? AND key = ?", category, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", category, key, err)
	}
	return requireAffected(res)
}

// Keys lists the keys of a category in ascending byte order.
func (s *SQLite) Keys(ctx context.Context, category string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM blobs WHERE category = ? ORDER BY key ASC COLLATE BINARY", category)
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", category, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("keys %s: %w", category, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("keys %s: %w", category, err)
	}
	return keys, nil
}

// AppendEntry inserts a log entry. Versions are unique; appending an
// existing version is an error.
func (s *SQLite) AppendEntry(ctx context.Context, version uint64, data []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO log_entries (version, data) VALUES (?, ?)", int64(version), data)
	if err != nil {
		return fmt.Errorf("append entry %d: %w", version, err)
	}
	return nil
}

// Entries returns entries with version >= from in ascending order.
func (s *SQLite) Entries(ctx context.Context, from uint64) ([]RawEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT version, data FROM log_entries WHERE version >= ? ORDER BY version ASC", int64(from))
	if err != nil {
		return nil, fmt.Errorf("entries from %d: %w", from, err)
	}
	defer rows.Close()

	var entries []RawEntry
	for rows.Next() {
		var (
			v    int64
			data []byte
		)
		if err := rows.Scan(&v, &data); err != nil {
			return nil, fmt.Errorf("entries from %d: %w", from, err)
		}
		entries = append(entries, RawEntry{Version: uint64(v), Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entries from %d: %w", from, err)
	}
	return entries, nil
}

// DeleteEntry removes a log entry. Returns ErrNotFound if it did not exist.
func (s *SQLite) DeleteEntry(ctx context.Context, version uint64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM log_entries WHERE version = ?", int64(version))
	if err != nil {
		return fmt.Errorf("delete entry %d: %w", version, err)
	}
	return requireAffected(res)
}

// PutMarker replaces the checkpoint marker.
func (s *SQLite) PutMarker(ctx context.Context, m Marker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint_marker (id, version, active_count, held_count)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			active_count = excluded.active_count,
			held_count = excluded.held_count
	`, int64(m.Version), m.Active, m.Held)
	if err != nil {
		return fmt.Errorf("put marker: %w", err)
	}
	return nil
}

// GetMarker reads the checkpoint marker.
func (s *SQLite) GetMarker(ctx context.Context) (Marker, bool, error) {
	var (
		m Marker
		v int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT version, active_count, held_count FROM checkpoint_marker WHERE id = 1",
	).Scan(&v, &m.Active, &m.Held)
	if errors.Is(err, sql.ErrNoRows) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, fmt.Errorf("get marker: %w", err)
	}
	m.Version = uint64(v)
	return m, true, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
