package txlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/store"
	"github.com/roach88/reaqtor/internal/telemetry"
)

const component = "txlog"

// Marker records a committed checkpoint: the log version at which the
// checkpointed category blobs are consistent.
type Marker struct {
	Version uint64
	Active  int
	Held    int
}

// Stats describes the current version window.
type Stats struct {
	Latest    uint64
	Oldest    uint64
	Retained  int
	Active    int
	Held      int
	Marker    uint64
	HasMarker bool
}

// GCResult reports one log garbage collection pass.
type GCResult struct {
	Reclaimed int
	Lost      int
	Duration  time.Duration
}

// Log is the versioned transaction log of registry mutations.
//
// Appends are serialized by a single-writer lock. Readers work against an
// immutable copy of the retained entries and pin the versions they read,
// so they never block appends and are never invalidated by GC.
type Log struct {
	writeMu sync.Mutex // serializes Append, Coalesce, GarbageCollect

	mu        sync.RWMutex // guards the fields below
	entries   []Entry      // ascending by version
	marker    Marker
	hasMarker bool
	held      map[uint64]int // pinned by in-flight checkpoints
	readers   map[uint64]int // pinned by open replays

	store store.LogStore
	clock *Clock
	sink  telemetry.Sink
}

// Option configures a Log.
type Option func(*Log)

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option {
	return func(l *Log) {
		l.sink = telemetry.OrNop(s)
	}
}

// Open loads the persisted log and marker from st and resumes the version
// clock after the highest persisted version. Entries that fail their
// integrity check are kept with Err set so replay can report them.
func Open(ctx context.Context, st store.LogStore, opts ...Option) (*Log, error) {
	l := &Log{
		store:   st,
		held:    make(map[uint64]int),
		readers: make(map[uint64]int),
		sink:    telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(l)
	}

	m, ok, err := st.GetMarker(ctx)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	if ok {
		l.marker = Marker{Version: m.Version, Active: m.Active, Held: m.Held}
		l.hasMarker = true
	}

	raw, err := st.Entries(ctx, 0)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	last := l.marker.Version
	for _, r := range raw {
		e, err := decodeEntry(r.Data)
		if err != nil {
			e = Entry{Err: err}
		}
		// The key is authoritative for the version.
		e.Version = r.Version
		l.entries = append(l.entries, e)
		if r.Version > last {
			last = r.Version
		}
	}
	l.clock = NewClockAt(last)

	slog.Debug("transaction log opened",
		"entries", len(l.entries),
		"latest", last,
		"marker", l.marker.Version,
	)
	return l, nil
}

// Append persists e under the next version and returns that version.
// Appends are serialized: versions are strictly increasing in append order.
func (l *Log) Append(ctx context.Context, e Entry) (uint64, error) {
	e.Err = nil
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	e.Version = l.clock.Next()
	data, err := encodeEntry(e)
	if err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	if err := l.store.AppendEntry(ctx, e.Version, data); err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	return e.Version, nil
}

// Record appends a mutation of one entity. It lets the registry journal its
// changes without depending on the Entry type.
func (l *Log) Record(ctx context.Context, op artifact.Op, kind artifact.Kind, id string, payload []byte) (uint64, error) {
	return l.Append(ctx, Entry{Op: op, Kind: kind, EntityID: id, Payload: payload})
}

// ReplayFrom returns the entries with version >= v in ascending order.
//
// The sequence is lazy and restartable: each iteration snapshots the
// retained entries when it starts and pins its starting version until it
// finishes. Iterating has no side effects on the log.
func (l *Log) ReplayFrom(v uint64) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		l.mu.Lock()
		i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].Version >= v })
		snapshot := make([]Entry, len(l.entries)-i)
		copy(snapshot, l.entries[i:])
		l.readers[v]++
		l.mu.Unlock()

		defer func() {
			l.mu.Lock()
			unpin(l.readers, v)
			l.mu.Unlock()
		}()

		for _, e := range snapshot {
			if !yield(e) {
				return
			}
		}
	}
}

// Hold pins the latest version for an in-flight checkpoint. The pinned
// version and everything after it survive GC until the hold is released.
func (l *Log) Hold() *Hold {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	v := l.clock.Current()
	l.mu.Lock()
	l.held[v]++
	l.mu.Unlock()
	return &Hold{log: l, version: v}
}

// Hold is a checkpoint pin on one log version.
type Hold struct {
	log     *Log
	version uint64
	once    sync.Once
}

// Version returns the pinned version.
func (h *Hold) Version() uint64 {
	return h.version
}

// Release unpins the version. Safe to call more than once.
func (h *Hold) Release() {
	h.once.Do(func() {
		h.log.mu.Lock()
		unpin(h.log.held, h.version)
		h.log.mu.Unlock()
	})
}

func unpin(pins map[uint64]int, v uint64) {
	if pins[v] <= 1 {
		delete(pins, v)
		return
	}
	pins[v]--
}

// Checkpoint commits a marker at the latest version.
func (l *Log) Checkpoint(ctx context.Context) (Marker, error) {
	return l.CheckpointAt(ctx, l.clock.Current())
}

// CheckpointAt commits a marker stating that the checkpointed state covers
// every entry up to and including version. Markers never move backwards.
func (l *Log) CheckpointAt(ctx context.Context, version uint64) (Marker, error) {
	l.mu.RLock()
	if l.hasMarker && version < l.marker.Version {
		current := l.marker.Version
		l.mu.RUnlock()
		return Marker{}, fmt.Errorf("checkpoint at %d: marker already at %d", version, current)
	}
	m := Marker{Version: version, Active: len(l.readers), Held: len(l.held)}
	l.mu.RUnlock()

	if err := l.store.PutMarker(ctx, store.Marker{Version: m.Version, Active: m.Active, Held: m.Held}); err != nil {
		return Marker{}, fmt.Errorf("checkpoint at %d: %w", version, err)
	}

	l.mu.Lock()
	l.marker = m
	l.hasMarker = true
	l.mu.Unlock()

	l.sink.Record(ctx, telemetry.Event{
		Name:      telemetry.EventLogCheckpoint,
		Component: component,
		Level:     slog.LevelInfo,
		Message:   "log checkpoint committed",
		Attrs: []slog.Attr{
			slog.Uint64("version", m.Version),
			slog.Int("active", m.Active),
			slog.Int("held", m.Held),
		},
	})
	return m, nil
}

// LastMarker returns the last committed marker.
func (l *Log) LastMarker() (Marker, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.marker, l.hasMarker
}

// Latest returns the highest version handed out.
func (l *Log) Latest() uint64 {
	return l.clock.Current()
}

// Stats returns the current version window.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s := Stats{
		Latest:    l.clock.Current(),
		Retained:  len(l.entries),
		Active:    len(l.readers),
		Held:      len(l.held),
		Marker:    l.marker.Version,
		HasMarker: l.hasMarker,
	}
	if len(l.entries) > 0 {
		s.Oldest = l.entries[0].Version
	}
	return s
}

// Coalesce collapses repeated entries for the same entity after the last
// checkpoint marker. Within each run of Create and Update entries only the
// latest is kept. Deletes are never dropped and end a run, so a removal
// followed by a re-creation still replays as both. Returns the number of
// entries removed.
func (l *Log) Coalesce(ctx context.Context) (int, error) {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	boundary := l.marker.Version
	var order []entityKey
	runs := make(map[entityKey][][]uint64)
	for _, e := range l.entries {
		if e.Version <= boundary || e.Err != nil {
			continue
		}
		k := e.key()
		if _, seen := runs[k]; !seen {
			order = append(order, k)
			runs[k] = [][]uint64{nil}
		}
		if e.Op == artifact.OpDelete {
			runs[k] = append(runs[k], nil)
			continue
		}
		cur := len(runs[k]) - 1
		runs[k][cur] = append(runs[k][cur], e.Version)
	}
	l.mu.RUnlock()

	drop := make(map[uint64]struct{})
	var deleteErr error
	for _, k := range order {
		collapsed := 0
		var kept uint64
		for _, run := range runs[k] {
			if len(run) < 2 {
				continue
			}
			kept = run[len(run)-1]
			for _, v := range run[:len(run)-1] {
				if err := l.store.DeleteEntry(ctx, v); err != nil && !errors.Is(err, store.ErrNotFound) {
					deleteErr = fmt.Errorf("coalesce: %w", err)
					break
				}
				drop[v] = struct{}{}
				collapsed++
			}
			if deleteErr != nil {
				break
			}
		}
		if collapsed > 0 {
			l.sink.Record(ctx, telemetry.Event{
				Name:      telemetry.EventLogCoalesced,
				Component: component,
				Level:     slog.LevelDebug,
				Message:   "log entries coalesced",
				Attrs: []slog.Attr{
					slog.String("kind", k.kind.String()),
					slog.String("entity", k.id),
					slog.Int("collapsed", collapsed),
					slog.Uint64("kept_version", kept),
				},
			})
		}
		if deleteErr != nil {
			break
		}
	}

	l.removeVersions(drop)
	return len(drop), deleteErr
}

// GarbageCollect purges versions no reader, checkpoint or recovery can
// need: at or below the committed marker, older than every pinned version,
// and never the latest version.
//
// A version that is already missing from the store is reported as
// LostVersionReference and treated as reclaimed. Any other failure is
// reported as LogGCFailure and leaves the in-memory log in its pre-GC state.
func (l *Log) GarbageCollect(ctx context.Context) (GCResult, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, component, "txlog.GarbageCollect")

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	l.mu.RLock()
	var candidates []uint64
	if l.hasMarker && len(l.entries) > 0 {
		limit := l.marker.Version + 1
		for v := range l.held {
			limit = min(limit, v)
		}
		for v := range l.readers {
			limit = min(limit, v)
		}
		latest := l.entries[len(l.entries)-1].Version
		for _, e := range l.entries {
			if e.Version >= limit {
				break
			}
			if e.Version == latest {
				continue
			}
			candidates = append(candidates, e.Version)
		}
	}
	l.mu.RUnlock()

	var res GCResult
	reclaimed := make(map[uint64]struct{}, len(candidates))
	for _, v := range candidates {
		err := l.store.DeleteEntry(ctx, v)
		switch {
		case err == nil:
			res.Reclaimed++
		case errors.Is(err, store.ErrNotFound):
			res.Lost++
			l.sink.Record(ctx, telemetry.Event{
				Name:      telemetry.EventLostVersionReference,
				Component: component,
				Level:     slog.LevelWarn,
				Message:   "log version already missing during gc",
				Attrs:     []slog.Attr{slog.Uint64("version", v)},
			})
		default:
			gcErr := &artifact.Error{
				Code:    artifact.ErrCodeLogGCFailure,
				Message: fmt.Sprintf("purge version %d", v),
				Err:     err,
			}
			l.sink.Record(ctx, telemetry.Event{
				Name:      telemetry.EventLogGCFailure,
				Component: component,
				Level:     slog.LevelError,
				Message:   "log gc failed, keeping pre-gc state",
				Attrs: []slog.Attr{
					slog.Uint64("version", v),
					slog.String("error", err.Error()),
				},
			})
			res.Duration = time.Since(start)
			telemetry.EndSpan(span, gcErr)
			return res, gcErr
		}
		reclaimed[v] = struct{}{}
	}

	l.removeVersions(reclaimed)
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("reclaimed", res.Reclaimed),
		attribute.Int("lost", res.Lost),
	)
	telemetry.EndSpan(span, nil)

	l.sink.Record(ctx, telemetry.Event{
		Name:      telemetry.EventLogGCCompleted,
		Component: component,
		Level:     slog.LevelDebug,
		Message:   "log gc completed",
		Duration:  res.Duration,
		Attrs: []slog.Attr{
			slog.Int("reclaimed", res.Reclaimed),
			slog.Int("lost", res.Lost),
		},
	})
	return res, nil
}

func (l *Log) removeVersions(drop map[uint64]struct{}) {
	if len(drop) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0:0]
	for _, e := range l.entries {
		if _, ok := drop[e.Version]; !ok {
			kept = append(kept, e)
		}
	}
	l.entries = kept
}
