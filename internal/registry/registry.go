package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/telemetry"
)

const component = "registry"

// Journal records registry mutations. Implemented by *txlog.Log.
type Journal interface {
	Record(ctx context.Context, op artifact.Op, kind artifact.Kind, id string, payload []byte) (uint64, error)
}

// Registry is the in-memory set of artifacts, one map per kind.
type Registry struct {
	mu       sync.RWMutex
	entities map[artifact.Kind]map[string]*artifact.Artifact

	journal Journal
	sink    telemetry.Sink
}

// Option configures a Registry.
type Option func(*Registry)

// WithJournal mirrors every Add and Remove into j.
func WithJournal(j Journal) Option {
	return func(r *Registry) {
		r.journal = j
	}
}

// WithSink sets the telemetry sink.
func WithSink(s telemetry.Sink) Option {
	return func(r *Registry) {
		r.sink = telemetry.OrNop(s)
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entities: make(map[artifact.Kind]map[string]*artifact.Artifact, len(artifact.AllKinds)),
		sink:     telemetry.Nop{},
	}
	for _, k := range artifact.AllKinds {
		r.entities[k] = make(map[string]*artifact.Artifact)
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Add registers a new artifact. Adding over a placeholder supersedes it
// (journaled as an update); adding over any other entry fails with
// DuplicateKey.
func (r *Registry) Add(ctx context.Context, kind artifact.Kind, key string, def artifact.Definition) (*artifact.Artifact, error) {
	if err := checkKey(kind, key); err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("add %s %s: %w", kind, key, err)
	}
	a := &artifact.Artifact{URI: key, Kind: kind, Definition: def}

	r.mu.Lock()
	defer r.mu.Unlock()

	op := artifact.OpCreate
	if existing, ok := r.entities[kind][key]; ok {
		if !existing.Placeholder {
			return nil, artifact.NewDuplicateKeyError(kind, key)
		}
		op = artifact.OpUpdate
	}
	if err := r.record(ctx, op, a); err != nil {
		return nil, err
	}
	r.entities[kind][key] = a
	return a.Clone(), nil
}

// AddPlaceholder registers a placeholder for a definition that could not be
// resolved. Fails with DuplicateKey if the key is taken.
func (r *Registry) AddPlaceholder(ctx context.Context, kind artifact.Kind, key, reason string) error {
	if err := checkKey(kind, key); err != nil {
		return err
	}
	p := artifact.NewPlaceholder(kind, key, reason)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entities[kind][key]; ok {
		return artifact.NewDuplicateKeyError(kind, key)
	}
	if err := r.record(ctx, artifact.OpCreate, p); err != nil {
		return err
	}
	r.entities[kind][key] = p
	return nil
}

// Remove unregisters an artifact. Removing a missing key is a no-op that
// reports a StateOperation_Warning; it returns false in that case.
func (r *Registry) Remove(ctx context.Context, kind artifact.Kind, key string) (bool, error) {
	if err := checkKey(kind, key); err != nil {
		return false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(ctx, kind, key)
}

func (r *Registry) removeLocked(ctx context.Context, kind artifact.Kind, key string) (bool, error) {
	if _, ok := r.entities[kind][key]; !ok {
		r.sink.Record(ctx, telemetry.Event{
			Name:      telemetry.EventStateOperationWarning,
			Component: component,
			Level:     slog.LevelWarn,
			Message:   "remove of unregistered artifact ignored",
			Attrs: []slog.Attr{
				slog.String("kind", kind.String()),
				slog.String("uri", key),
			},
		})
		return false, nil
	}
	if r.journal != nil {
		if _, err := r.journal.Record(ctx, artifact.OpDelete, kind, key, nil); err != nil {
			return false, fmt.Errorf("remove %s %s: journal: %w", kind, key, err)
		}
	}
	delete(r.entities[kind], key)
	return true, nil
}

func (r *Registry) record(ctx context.Context, op artifact.Op, a *artifact.Artifact) error {
	if r.journal == nil {
		return nil
	}
	payload, err := artifact.EncodeRecord(a)
	if err != nil {
		return artifact.NewSerializationError(a.Kind, a.URI, err)
	}
	if _, err := r.journal.Record(ctx, op, a.Kind, a.URI, payload); err != nil {
		return fmt.Errorf("%s %s %s: journal: %w", op, a.Kind, a.URI, err)
	}
	return nil
}

// TryGet returns a copy of the artifact, if registered.
func (r *Registry) TryGet(kind artifact.Kind, key string) (*artifact.Artifact, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.entities[kind][key]
	if !ok {
		return nil, false
	}
	return a.Clone(), true
}

// Entities returns copies of all artifacts of a kind, ordered by URI.
func (r *Registry) Entities(kind artifact.Kind) []*artifact.Artifact {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedClones(r.entities[kind])
}

// Len returns the number of registered artifacts across all kinds.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.entities {
		n += len(m)
	}
	return n
}

// Counts returns the number of registered artifacts per kind.
func (r *Registry) Counts() map[artifact.Kind]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[artifact.Kind]int, len(r.entities))
	for k, m := range r.entities {
		out[k] = len(m)
	}
	return out
}

// SetState replaces the last known runtime state of an artifact. State
// changes are captured by checkpoints, not journaled.
func (r *Registry) SetState(kind artifact.Kind, key string, state []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.entities[kind][key]
	if !ok {
		return artifact.NewNotFoundError(kind, key)
	}
	a.State = slices.Clone(state)
	return nil
}

// SetRuntime attaches (or with nil, detaches) the live operator.
func (r *Registry) SetRuntime(kind artifact.Kind, key string, rt artifact.Stateful) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.entities[kind][key]
	if !ok {
		return artifact.NewNotFoundError(kind, key)
	}
	a.Runtime = rt
	return nil
}

// Restore inserts or replaces an artifact without journaling it. Used when
// loading a checkpoint.
func (r *Registry) Restore(a *artifact.Artifact) error {
	if err := checkKey(a.Kind, a.URI); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[a.Kind][a.URI] = a.Clone()
	return nil
}

// Evict removes an artifact without journaling it. Used by recovery to
// leave an entity absent after a failed mitigation.
func (r *Registry) Evict(kind artifact.Kind, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entities[kind][key]; !ok {
		return false
	}
	delete(r.entities[kind], key)
	return true
}

// Reset drops every artifact without journaling. Used on unload; the
// durable copy is untouched.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range artifact.AllKinds {
		r.entities[k] = make(map[string]*artifact.Artifact)
	}
}

// ApplyRecord applies a journaled mutation during replay, without
// journaling it again. Create and Update upsert the definition and keep any
// runtime state already loaded; Delete of a missing key returns NotFound.
func (r *Registry) ApplyRecord(op artifact.Op, kind artifact.Kind, key string, payload []byte) error {
	if err := checkKey(kind, key); err != nil {
		return err
	}
	switch op {
	case artifact.OpCreate, artifact.OpUpdate:
		a, err := artifact.DecodeRecord(payload)
		if err != nil {
			return artifact.NewSerializationError(kind, key, err)
		}
		if a.Kind != kind || a.URI != key {
			return fmt.Errorf("apply %s: record is %s %s, entry is %s %s", op, a.Kind, a.URI, kind, key)
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if existing, ok := r.entities[kind][key]; ok {
			a.State = existing.State
			a.Runtime = existing.Runtime
		}
		r.entities[kind][key] = a
		return nil
	case artifact.OpDelete:
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.entities[kind][key]; !ok {
			return artifact.NewNotFoundError(kind, key)
		}
		delete(r.entities[kind], key)
		return nil
	default:
		return fmt.Errorf("apply: invalid op %d", uint8(op))
	}
}

func checkKey(kind artifact.Kind, key string) error {
	if !kind.IsValid() {
		return fmt.Errorf("invalid artifact kind %d", uint8(kind))
	}
	if key == "" {
		return fmt.Errorf("%s: key is required", kind)
	}
	return nil
}

func sortedClones(m map[string]*artifact.Artifact) []*artifact.Artifact {
	out := make([]*artifact.Artifact, 0, len(m))
	for _, a := range m {
		out = append(out, a.Clone())
	}
	slices.SortFunc(out, func(a, b *artifact.Artifact) int {
		return strings.Compare(a.URI, b.URI)
	})
	return out
}
