package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrNotFound is returned when a key, log entry or marker does not exist.
var ErrNotFound = errors.New("store: not found")

// KV stores opaque blobs partitioned by category.
type KV interface {
	Put(ctx context.Context, category, key string, value []byte) error
	Get(ctx context.Context, category, key string) ([]byte, error)
	Delete(ctx context.Context, category, key string) error
	// Keys returns the keys of a category in ascending byte order.
	Keys(ctx context.Context, category string) ([]string, error)
}

// RawEntry is a persisted transaction log entry.
type RawEntry struct {
	Version uint64
	Data    []byte
}

// Marker is the persisted checkpoint marker: the log version at which the
// category blobs are consistent.
type Marker struct {
	Version uint64
	Active  int
	Held    int
}

// LogStore persists transaction log entries and the checkpoint marker.
type LogStore interface {
	AppendEntry(ctx context.Context, version uint64, data []byte) error
	// Entries returns all entries with version >= from in ascending order.
	Entries(ctx context.Context, from uint64) ([]RawEntry, error)
	DeleteEntry(ctx context.Context, version uint64) error
	PutMarker(ctx context.Context, m Marker) error
	// GetMarker returns ok=false when no checkpoint was ever committed.
	GetMarker(ctx context.Context) (m Marker, ok bool, err error)
}

// Store is a complete durable backend.
type Store interface {
	KV
	LogStore
	Close() error
}

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
)

// Config selects and configures a backend.
type Config struct {
	Backend string

	// Path is the SQLite database file or the BadgerDB directory.
	// Ignored when InMemory is true.
	Path string

	InMemory   bool
	SyncWrites bool

	// GCInterval enables periodic BadgerDB value log GC when positive.
	GCInterval time.Duration

	Logger *slog.Logger
}

// Open creates or opens the configured backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendSQLite, "":
		path := cfg.Path
		if cfg.InMemory {
			path = ":memory:"
		}
		if path == "" {
			return nil, fmt.Errorf("open store: path is required for sqlite")
		}
		return OpenSQLite(ctx, path)
	case BackendBadger:
		bc := DefaultBadgerConfig()
		bc.Path = cfg.Path
		bc.InMemory = cfg.InMemory
		bc.SyncWrites = cfg.SyncWrites
		bc.GCInterval = cfg.GCInterval
		bc.Logger = cfg.Logger
		return OpenBadger(bc)
	default:
		return nil, fmt.Errorf("open store: unknown backend %q", cfg.Backend)
	}
}
