package store

import (
	"context"
	"path/filepath"
	"testing"
)

// createTestStore creates a new on-disk SQLite store for testing.
func createTestStore(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestBadger creates a new in-memory BadgerDB store for testing.
func createTestBadger(t *testing.T) *Badger {
	t.Helper()
	b, err := OpenBadger(InMemoryBadgerConfig())
	if err != nil {
		t.Fatalf("OpenBadger() failed: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}
