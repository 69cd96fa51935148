// Package bridge connects inner subscriptions of higher-order operators to
// their upstream sources.
//
// Each bridge registers an upstream observable and a subscription on it,
// scoped under the outer subscription's URI so the pair is persisted,
// recovered and collected like any other artifact.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/ident"
	"github.com/roach88/reaqtor/internal/registry"
	"github.com/roach88/reaqtor/internal/telemetry"
)

const (
	component  = "bridge"
	segment    = "/bridge/"
	observable = "/observable"
	subscribe  = "/subscription"
)

// ObservableURI returns the upstream observable URI of a bridge.
func ObservableURI(outer, id string) string {
	return outer + segment + id + observable
}

// SubscriptionURI returns the upstream subscription URI of a bridge.
func SubscriptionURI(outer, id string) string {
	return outer + segment + id + subscribe
}

// ParseSubscriptionURI splits a bridge subscription URI into the outer URI
// and bridge id.
func ParseSubscriptionURI(uri string) (outer, id string, ok bool) {
	rest, found := strings.CutSuffix(uri, subscribe)
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, segment)
	if i <= 0 {
		return "", "", false
	}
	outer, id = rest[:i], rest[i+len(segment):]
	if id == "" || strings.Contains(id, "/") {
		return "", "", false
	}
	return outer, id, true
}

// Bridge is one upstream observable/subscription pair.
type Bridge struct {
	ID              string
	Outer           string
	ObservableURI   string
	SubscriptionURI string
	Started         bool
}

// Registry is the subset of the registry a Manager mutates.
type Registry interface {
	Add(ctx context.Context, kind artifact.Kind, key string, def artifact.Definition) (*artifact.Artifact, error)
	Remove(ctx context.Context, kind artifact.Kind, key string) (bool, error)
	TryGet(kind artifact.Kind, key string) (*artifact.Artifact, bool)
	SetRuntime(kind artifact.Kind, key string, rt artifact.Stateful) error
}

// Starter starts an upstream subscription.
type Starter interface {
	Start(ctx context.Context, a *artifact.Artifact) (artifact.Stateful, error)
}

// Manager tracks bridges by outer subscription and bridge id.
type Manager struct {
	mu      sync.Mutex
	bridges map[string]map[string]*Bridge

	reg     Registry
	starter Starter
	ids     ident.Generator
	sink    telemetry.Sink
}

// Option configures a Manager.
type Option func(*Manager)

func WithIDs(g ident.Generator) Option { return func(m *Manager) { m.ids = g } }

func WithSink(s telemetry.Sink) Option { return func(m *Manager) { m.sink = telemetry.OrNop(s) } }

// NewManager creates a bridge manager.
func NewManager(reg Registry, starter Starter, opts ...Option) *Manager {
	m := &Manager{
		bridges: make(map[string]map[string]*Bridge),
		reg:     reg,
		starter: starter,
		ids:     ident.UUIDv7Generator{},
		sink:    telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create registers the upstream observable def and a subscription on it
// under outer. The bridge is not started.
func (m *Manager) Create(ctx context.Context, outer string, def artifact.Definition) (Bridge, error) {
	if outer == "" {
		return Bridge{}, fmt.Errorf("create bridge: outer subscription is required")
	}
	id := m.ids.Generate()
	b := &Bridge{
		ID:              id,
		Outer:           outer,
		ObservableURI:   ObservableURI(outer, id),
		SubscriptionURI: SubscriptionURI(outer, id),
	}

	if _, err := m.reg.Add(ctx, artifact.KindObservable, b.ObservableURI, def); err != nil {
		return Bridge{}, fmt.Errorf("create bridge %s: %w", id, err)
	}
	subDef := artifact.Definition{
		Expression: "bridge",
		Uses:       []string{b.ObservableURI, outer},
		Params:     map[string]any{"outer": outer},
	}
	if _, err := m.reg.Add(ctx, artifact.KindSubscription, b.SubscriptionURI, subDef); err != nil {
		if _, rerr := m.reg.Remove(ctx, artifact.KindObservable, b.ObservableURI); rerr != nil {
			slog.Warn("bridge rollback failed", "bridge", id, "error", rerr)
		}
		return Bridge{}, fmt.Errorf("create bridge %s: %w", id, err)
	}

	m.mu.Lock()
	m.index(b)
	m.mu.Unlock()
	return *b, nil
}

// Start starts the upstream subscription of a bridge.
func (m *Manager) Start(ctx context.Context, outer, id string) error {
	m.mu.Lock()
	b, ok := m.bridges[outer][id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("start bridge %s: %w", id, artifact.NewNotFoundError(artifact.KindSubscription, SubscriptionURI(outer, id)))
	}

	sub, ok := m.reg.TryGet(artifact.KindSubscription, b.SubscriptionURI)
	if !ok {
		return fmt.Errorf("start bridge %s: %w", id, artifact.NewNotFoundError(artifact.KindSubscription, b.SubscriptionURI))
	}
	rt, err := m.starter.Start(ctx, sub)
	if err != nil {
		return fmt.Errorf("start bridge %s: %w", id, err)
	}
	if rt != nil {
		if err := m.reg.SetRuntime(artifact.KindSubscription, b.SubscriptionURI, rt); err != nil {
			return fmt.Errorf("start bridge %s: %w", id, err)
		}
	}

	m.mu.Lock()
	b.Started = true
	m.mu.Unlock()
	return nil
}

// Dispose tears a bridge down: the subscription, then the observable, then
// the bridge entry. Failures are reported as warnings and teardown
// continues.
func (m *Manager) Dispose(ctx context.Context, outer, id string) {
	m.mu.Lock()
	b, ok := m.bridges[outer][id]
	m.mu.Unlock()
	if !ok {
		m.warn(ctx, outer, id, "bridge", fmt.Errorf("bridge not found"))
		return
	}

	m.removeArtifact(ctx, b, artifact.KindSubscription, b.SubscriptionURI)
	m.removeArtifact(ctx, b, artifact.KindObservable, b.ObservableURI)

	m.mu.Lock()
	delete(m.bridges[outer], id)
	if len(m.bridges[outer]) == 0 {
		delete(m.bridges, outer)
	}
	m.mu.Unlock()
}

// DisposeAll disposes every bridge of outer, in id order.
func (m *Manager) DisposeAll(ctx context.Context, outer string) int {
	bridges := m.List(outer)
	for _, b := range bridges {
		m.Dispose(ctx, outer, b.ID)
	}
	return len(bridges)
}

func (m *Manager) removeArtifact(ctx context.Context, b *Bridge, kind artifact.Kind, uri string) {
	removed, err := m.reg.Remove(ctx, kind, uri)
	switch {
	case err != nil:
		m.warn(ctx, b.Outer, b.ID, kind.String(), err)
	case !removed:
		m.warn(ctx, b.Outer, b.ID, kind.String(), fmt.Errorf("%s %s already absent", kind, uri))
	}
}

func (m *Manager) warn(ctx context.Context, outer, id, step string, err error) {
	m.sink.Record(ctx, telemetry.Event{
		Name:      telemetry.EventBridgeDisposeWarning,
		Component: component,
		Level:     slog.LevelWarn,
		Message:   "bridge dispose step failed",
		Attrs: []slog.Attr{
			slog.String("outer", outer),
			slog.String("bridge", id),
			slog.String("step", step),
			slog.String("error", err.Error()),
		},
	})
}

// Get returns a bridge.
func (m *Manager) Get(outer, id string) (Bridge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bridges[outer][id]
	if !ok {
		return Bridge{}, false
	}
	return *b, true
}

// List returns the bridges of outer ordered by id.
func (m *Manager) List(outer string) []Bridge {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Bridge, 0, len(m.bridges[outer]))
	for _, b := range m.bridges[outer] {
		out = append(out, *b)
	}
	slices.SortFunc(out, func(a, b Bridge) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of bridges across all outer subscriptions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, inner := range m.bridges {
		n += len(inner)
	}
	return n
}

// Rebuild re-indexes bridges from recovered subscriptions. A subscription
// with a runtime attached is marked started.
func (m *Manager) Rebuild(v registry.View) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bridges = make(map[string]map[string]*Bridge)
	n := 0
	for _, a := range v.All() {
		if a.Kind != artifact.KindSubscription {
			continue
		}
		outer, id, ok := ParseSubscriptionURI(a.URI)
		if !ok {
			continue
		}
		m.index(&Bridge{
			ID:              id,
			Outer:           outer,
			ObservableURI:   ObservableURI(outer, id),
			SubscriptionURI: a.URI,
			Started:         a.Runtime != nil,
		})
		n++
	}
	return n
}

func (m *Manager) index(b *Bridge) {
	inner, ok := m.bridges[b.Outer]
	if !ok {
		inner = make(map[string]*Bridge)
		m.bridges[b.Outer] = inner
	}
	inner[b.ID] = b
}
