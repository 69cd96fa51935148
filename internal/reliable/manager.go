package reliable

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/checkpoint"
	"github.com/roach88/reaqtor/internal/ident"
	"github.com/roach88/reaqtor/internal/telemetry"
)

// UpstreamFactory returns the upstream for a reliable subscription.
type UpstreamFactory func(a *artifact.Artifact) (Upstream, error)

// Manager owns the inputs of all reliable subscriptions. It resumes them
// during recovery and acknowledges after each committed checkpoint.
type Manager struct {
	mu     sync.Mutex
	inputs map[string]*Input

	upstreams UpstreamFactory
	ids       ident.Generator
	sink      telemetry.Sink
}

// Option configures a Manager.
type Option func(*Manager)

func WithIDs(g ident.Generator) Option { return func(m *Manager) { m.ids = g } }

func WithSink(s telemetry.Sink) Option { return func(m *Manager) { m.sink = telemetry.OrNop(s) } }

// NewManager creates a manager that obtains upstreams from f.
func NewManager(f UpstreamFactory, opts ...Option) *Manager {
	m := &Manager{
		inputs:    make(map[string]*Input),
		upstreams: f,
		ids:       ident.UUIDv7Generator{},
		sink:      telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Resume starts the input of a reliable subscription from its recovered
// state, or from sequence 0 with a new instance when it has none.
func (m *Manager) Resume(ctx context.Context, a *artifact.Artifact) (artifact.Stateful, error) {
	st := State{Instance: m.ids.Generate()}
	if a.State != nil {
		recovered, err := DecodeState(a.State)
		if err != nil {
			slog.Warn("reliable state unreadable, starting fresh", "uri", a.URI, "error", err)
		} else {
			st = recovered
		}
	}

	up, err := m.upstreams(a)
	if err != nil {
		return nil, fmt.Errorf("upstream for %s: %w", a.URI, err)
	}
	in := NewInput(a.URI, st.Instance, up, st.Sequence, m.sink)
	if err := in.Start(ctx); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.inputs[a.URI] = in
	m.mu.Unlock()
	return in, nil
}

// CheckpointCommitted acknowledges every input whose state the checkpoint
// made durable.
func (m *Manager) CheckpointCommitted(ctx context.Context, r *checkpoint.Report) {
	for _, in := range m.list() {
		if !r.StateSaved(artifact.KindSubscription, in.URI()) {
			continue
		}
		if err := in.Committed(ctx); err != nil {
			slog.Warn("reliable acknowledge failed", "uri", in.URI(), "error", err)
		}
	}
}

// Get returns the input of a subscription.
func (m *Manager) Get(uri string) (*Input, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.inputs[uri]
	return in, ok
}

// Remove forgets the input of a subscription.
func (m *Manager) Remove(uri string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.inputs[uri]; !ok {
		return false
	}
	delete(m.inputs, uri)
	return true
}

// Len returns the number of inputs.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

func (m *Manager) list() []*Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Input, 0, len(m.inputs))
	for _, in := range m.inputs {
		out = append(out, in)
	}
	slices.SortFunc(out, func(a, b *Input) int { return strings.Compare(a.uri, b.uri) })
	return out
}

// NopUpstream accepts every call. Used when no transport is configured.
type NopUpstream struct{}

func (NopUpstream) Start(context.Context, uint64) error            { return nil }
func (NopUpstream) AcknowledgeRange(context.Context, uint64) error { return nil }
