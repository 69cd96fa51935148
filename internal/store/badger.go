package store

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key layout:
//
//	b:{category}\x00{key}   checkpoint blob
//	l:{version uint64 BE}   log entry
//	m:checkpoint            checkpoint marker
const (
	blobPrefix = "b:"
	logPrefix  = "l:"
	markerKey  = "m:checkpoint"
)

// BadgerConfig holds configuration for a BadgerDB-backed store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. Nil disables it.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables the runner.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultBadgerConfig returns production defaults: synchronous writes and a
// five minute value log GC interval.
func DefaultBadgerConfig() BadgerConfig {
	return BadgerConfig{
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryBadgerConfig returns a configuration for tests.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Badger is a Store backed by BadgerDB.
type Badger struct {
	db       *badger.DB
	gcRunner *gcRunner
}

var _ Store = (*Badger)(nil)

// OpenBadger opens a BadgerDB store and starts value log GC if configured.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	b := &Badger{db: db}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		b.gcRunner = newGCRunner(db, cfg.GCInterval, cfg.GCDiscardRatio, cfg.Logger)
		b.gcRunner.start()
	}
	return b, nil
}

// Close stops the GC runner and closes the database.
func (b *Badger) Close() error {
	if b.gcRunner != nil {
		b.gcRunner.stop()
	}
	return b.db.Close()
}

// withTxn runs fn in a read-write transaction and commits if it returns nil.
func (b *Badger) withTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := b.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// withReadTxn runs fn in a read-only transaction.
func (b *Badger) withReadTxn(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := b.db.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

func blobKey(category, key string) []byte {
	return []byte(blobPrefix + category + "\x00" + key)
}

func logKey(version uint64) []byte {
	k := make([]byte, len(logPrefix)+8)
	copy(k, logPrefix)
	binary.BigEndian.PutUint64(k[len(logPrefix):], version)
	return k
}

// Put writes value under (category, key).
func (b *Badger) Put(ctx context.Context, category, key string, value []byte) error {
	err := b.withTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set(blobKey(category, key), value)
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", category, key, err)
	}
	return nil
}

// Get reads the value under (category, key).
func (b *Badger) Get(ctx context.Context, category, key string) ([]byte, error) {
	var value []byte
	err := b.withReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(category, key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", category, key, err)
	}
	return value, nil
}

// Delete removes (category, key). Returns ErrNotFound if it did not exist.
func (b *Badger) Delete(ctx context.Context, category, key string) error {
	return b.deleteKey(ctx, blobKey(category, key), fmt.Sprintf("delete %s/%s", category, key))
}

func (b *Badger) deleteKey(ctx context.Context, k []byte, op string) error {
	err := b.withTxn(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(k); err != nil {
			return err
		}
		return txn.Delete(k)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Keys lists the keys of a category in ascending byte order.
func (b *Badger) Keys(ctx context.Context, category string) ([]string, error) {
	prefix := []byte(blobPrefix + category + "\x00")
	var keys []string
	err := b.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("keys %s: %w", category, err)
	}
	return keys, nil
}

// AppendEntry writes a log entry. Appending an existing version is an error.
func (b *Badger) AppendEntry(ctx context.Context, version uint64, data []byte) error {
	err := b.withTxn(ctx, func(txn *badger.Txn) error {
		k := logKey(version)
		if _, err := txn.Get(k); err == nil {
			return fmt.Errorf("version %d already exists", version)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(k, data)
	})
	if err != nil {
		return fmt.Errorf("append entry %d: %w", version, err)
	}
	return nil
}

// Entries returns entries with version >= from in ascending order.
func (b *Badger) Entries(ctx context.Context, from uint64) ([]RawEntry, error) {
	prefix := []byte(logPrefix)
	var entries []RawEntry
	err := b.withReadTxn(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(logKey(from)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			version := binary.BigEndian.Uint64(item.Key()[len(prefix):])
			entries = append(entries, RawEntry{Version: version, Data: data})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("entries from %d: %w", from, err)
	}
	return entries, nil
}

// DeleteEntry removes a log entry. Returns ErrNotFound if it did not exist.
func (b *Badger) DeleteEntry(ctx context.Context, version uint64) error {
	return b.deleteKey(ctx, logKey(version), fmt.Sprintf("delete entry %d", version))
}

// PutMarker replaces the checkpoint marker.
func (b *Badger) PutMarker(ctx context.Context, m Marker) error {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], m.Version)
	binary.BigEndian.PutUint64(buf[8:16], uint64(m.Active))
	binary.BigEndian.PutUint64(buf[16:24], uint64(m.Held))
	err := b.withTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(markerKey), buf)
	})
	if err != nil {
		return fmt.Errorf("put marker: %w", err)
	}
	return nil
}

// GetMarker reads the checkpoint marker.
func (b *Badger) GetMarker(ctx context.Context) (Marker, bool, error) {
	var buf []byte
	err := b.withReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(markerKey))
		if err != nil {
			return err
		}
		buf, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Marker{}, false, nil
	}
	if err != nil {
		return Marker{}, false, fmt.Errorf("get marker: %w", err)
	}
	if len(buf) != 24 {
		return Marker{}, false, fmt.Errorf("get marker: corrupt marker of %d bytes", len(buf))
	}
	return Marker{
		Version: binary.BigEndian.Uint64(buf[0:8]),
		Active:  int(binary.BigEndian.Uint64(buf[8:16])),
		Held:    int(binary.BigEndian.Uint64(buf[16:24])),
	}, true, nil
}

// gcRunner runs periodic value log garbage collection.
type gcRunner struct {
	db       *badger.DB
	interval time.Duration
	ratio    float64
	stopCh   chan struct{}
	doneCh   chan struct{}
	logger   *slog.Logger
}

func newGCRunner(db *badger.DB, interval time.Duration, ratio float64, logger *slog.Logger) *gcRunner {
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	return &gcRunner{
		db:       db,
		interval: interval,
		ratio:    ratio,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   logger,
	}
}

func (r *gcRunner) start() {
	go r.run()
}

func (r *gcRunner) stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *gcRunner) run() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.runGC()
		}
	}
}

func (r *gcRunner) runGC() {
	// ErrNoRewrite means no GC was needed.
	err := r.db.RunValueLogGC(r.ratio)
	if err == nil {
		if r.logger != nil {
			r.logger.Debug("badger value log GC completed")
		}
	} else if !errors.Is(err, badger.ErrNoRewrite) {
		if r.logger != nil {
			r.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
		}
	}
}
