package checkpoint

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/registry"
	"github.com/roach88/reaqtor/internal/store"
	"github.com/roach88/reaqtor/internal/telemetry"
	"github.com/roach88/reaqtor/internal/txlog"
)

const component = "checkpoint"

// Mode selects how much of the registry a checkpoint rewrites.
type Mode int

const (
	// ModeFull rewrites every entity.
	ModeFull Mode = iota
	// ModeDifferential skips entities whose bytes match the last save.
	ModeDifferential
)

func (m Mode) String() string {
	if m == ModeDifferential {
		return "differential"
	}
	return "full"
}

// ParseMode parses "full" or "differential".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "full", "":
		return ModeFull, nil
	case "differential":
		return ModeDifferential, nil
	default:
		return ModeFull, fmt.Errorf("unknown checkpoint mode %q", s)
	}
}

// Phase is the half of a checkpoint a category belongs to.
type Phase string

const (
	PhaseDefinitions Phase = "definitions"
	PhaseState       Phase = "state"
)

// CategoryReport counts the outcome of one kind in one phase.
type CategoryReport struct {
	Kind      artifact.Kind
	Phase     Phase
	Total     int
	Skipped   int
	Failed    int
	Unchanged int
}

// Report describes a completed (or cancelled) checkpoint.
type Report struct {
	Version    uint64
	Mode       Mode
	Categories []CategoryReport
	Pruned     int
	Committed  bool

	// LogGC is the result of the log purge after commit. LogGCErr is set
	// when the purge failed; the checkpoint itself still succeeded.
	LogGC    txlog.GCResult
	LogGCErr error

	Duration time.Duration

	saved map[savedKey]struct{}
}

type savedKey struct {
	kind artifact.Kind
	uri  string
}

// Category returns the report for kind in phase.
func (r *Report) Category(kind artifact.Kind, phase Phase) (CategoryReport, bool) {
	for _, c := range r.Categories {
		if c.Kind == kind && c.Phase == phase {
			return c, true
		}
	}
	return CategoryReport{}, false
}

// Totals sums all categories.
func (r *Report) Totals() (total, skipped, failed int) {
	for _, c := range r.Categories {
		total += c.Total
		skipped += c.Skipped
		failed += c.Failed
	}
	return total, skipped, failed
}

// StateSaved reports whether the state of the entity is durable as of this
// checkpoint, either written now or unchanged since the previous save.
func (r *Report) StateSaved(kind artifact.Kind, uri string) bool {
	_, ok := r.saved[savedKey{kind, uri}]
	return ok
}

// Serializer turns artifacts into the bytes a checkpoint persists.
type Serializer interface {
	Definition(a *artifact.Artifact) ([]byte, error)
	// State returns ok=false when the artifact has no state to save.
	State(a *artifact.Artifact) (state []byte, ok bool, err error)
}

// DefaultSerializer writes canonical definition records and asks the live
// operator for its state, falling back to the last known state.
type DefaultSerializer struct{}

func (DefaultSerializer) Definition(a *artifact.Artifact) ([]byte, error) {
	return artifact.EncodeRecord(a)
}

func (DefaultSerializer) State(a *artifact.Artifact) ([]byte, bool, error) {
	if a.Runtime != nil {
		st, err := a.Runtime.SaveState()
		if err != nil {
			return nil, false, err
		}
		return st, true, nil
	}
	if a.State != nil {
		return a.State, true, nil
	}
	return nil, false, nil
}

// CommitListener is notified after the checkpoint marker is durable.
type CommitListener interface {
	CheckpointCommitted(ctx context.Context, r *Report)
}

// Log is the part of the transaction log a checkpoint drives.
type Log interface {
	Hold() *txlog.Hold
	CheckpointAt(ctx context.Context, version uint64) (txlog.Marker, error)
	GarbageCollect(ctx context.Context) (txlog.GCResult, error)
}

// Pipeline persists the registry into a KV store.
type Pipeline struct {
	reg *registry.Registry
	kv  store.KV
	log Log

	mode      Mode
	canary    bool
	ser       Serializer
	sink      telemetry.Sink
	listeners []CommitListener

	mu     sync.Mutex
	hashes map[string][sha256.Size]byte
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithMode(m Mode) Option { return func(p *Pipeline) { p.mode = m } }

// WithCanary toggles writing canary definitions. Enabled by default.
func WithCanary(enabled bool) Option { return func(p *Pipeline) { p.canary = enabled } }

func WithSerializer(s Serializer) Option { return func(p *Pipeline) { p.ser = s } }

func WithSink(s telemetry.Sink) Option { return func(p *Pipeline) { p.sink = telemetry.OrNop(s) } }

// WithListener adds a commit listener. Listeners run in registration order.
func WithListener(l CommitListener) Option {
	return func(p *Pipeline) { p.listeners = append(p.listeners, l) }
}

// New creates a checkpoint pipeline.
func New(reg *registry.Registry, kv store.KV, log Log, opts ...Option) *Pipeline {
	p := &Pipeline{
		reg:    reg,
		kv:     kv,
		log:    log,
		canary: true,
		ser:    DefaultSerializer{},
		sink:   telemetry.Nop{},
		hashes: make(map[string][sha256.Size]byte),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddListener registers a commit listener after construction.
func (p *Pipeline) AddListener(l CommitListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listeners = append(p.listeners, l)
}

// Reset forgets the content hashes of differential mode, so the next run
// writes every entity. Call it whenever the store may have changed behind
// the pipeline, for example around recovery.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.hashes)
}

// Run takes one checkpoint. Entity failures are counted and do not fail the
// run. Cancellation stops the run between entities: whatever was written
// stays written, and the marker is not moved.
func (p *Pipeline) Run(ctx context.Context) (report *Report, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, component, "checkpoint.run",
		attribute.String("mode", p.mode.String()))
	defer func() { telemetry.EndSpan(span, err) }()

	hold := p.log.Hold()
	defer hold.Release()
	version := hold.Version()

	snap := p.reg.Snapshot()
	report = &Report{
		Version: version,
		Mode:    p.mode,
		saved:   make(map[savedKey]struct{}),
	}
	slog.Debug("checkpoint started", "version", version, "mode", p.mode.String(), "entities", snap.Len())

	if p.canary {
		p.writeCanaries(ctx, version)
	}

	for _, kind := range artifact.AllKinds {
		cr, err := p.saveDefinitions(ctx, snap.Entities(kind), kind)
		report.Categories = append(report.Categories, cr)
		p.recordCategory(ctx, cr)
		if err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
	}
	for _, kind := range artifact.AllKinds {
		cr, err := p.saveState(ctx, snap.Entities(kind), kind, report)
		report.Categories = append(report.Categories, cr)
		p.recordCategory(ctx, cr)
		if err != nil {
			report.Duration = time.Since(start)
			return report, err
		}
	}

	pruned, err := p.prune(ctx, snap)
	report.Pruned = pruned
	if err != nil {
		report.Duration = time.Since(start)
		return report, err
	}

	if _, err := p.log.CheckpointAt(ctx, version); err != nil {
		report.Duration = time.Since(start)
		return report, fmt.Errorf("commit checkpoint marker: %w", err)
	}
	report.Committed = true

	gcRes, gcErr := p.log.GarbageCollect(ctx)
	report.LogGC = gcRes
	if gcErr != nil {
		report.LogGCErr = gcErr
		slog.Warn("log garbage collection after checkpoint failed", "version", version, "error", gcErr)
	}

	for _, l := range p.listeners {
		l.CheckpointCommitted(ctx, report)
	}

	report.Duration = time.Since(start)
	total, skipped, failed := report.Totals()
	span.SetAttributes(
		attribute.Int64("version", int64(version)),
		attribute.Int("total", total),
		attribute.Int("failed", failed),
	)
	p.sink.Record(ctx, telemetry.Event{
		Name:      telemetry.EventCheckpointCompleted,
		Component: component,
		Level:     slog.LevelInfo,
		Message:   "checkpoint completed",
		Duration:  report.Duration,
		Attrs: []slog.Attr{
			slog.Uint64("version", version),
			slog.Int("total", total),
			slog.Int("skipped", skipped),
			slog.Int("failed", failed),
			slog.Int("pruned", pruned),
		},
	})
	return report, nil
}

func (p *Pipeline) writeCanaries(ctx context.Context, version uint64) {
	for _, kind := range CanaryKinds {
		data, err := artifact.EncodeRecord(canaryArtifact(kind, version))
		if err == nil {
			err = p.kv.Put(ctx, DefinitionsCategory(kind), CanaryURI(kind), data)
		}
		if err != nil {
			slog.Warn("canary write failed", "kind", kind.String(), "error", err)
		}
	}
}

func (p *Pipeline) saveDefinitions(ctx context.Context, entities []*artifact.Artifact, kind artifact.Kind) (CategoryReport, error) {
	cr := CategoryReport{Kind: kind, Phase: PhaseDefinitions}
	category := DefinitionsCategory(kind)
	for _, a := range entities {
		if err := ctx.Err(); err != nil {
			return cr, fmt.Errorf("checkpoint %s: %w", category, err)
		}
		cr.Total++
		if a.Placeholder || a.Transient() {
			cr.Skipped++
			continue
		}
		data, err := p.ser.Definition(a)
		if err != nil {
			cr.Failed++
			p.entityFailed(ctx, PhaseDefinitions, a, artifact.NewSerializationError(a.Kind, a.URI, err))
			continue
		}
		written, err := p.put(ctx, category, a.URI, data)
		if err != nil {
			cr.Failed++
			p.entityFailed(ctx, PhaseDefinitions, a, err)
			continue
		}
		if !written {
			cr.Unchanged++
		}
	}
	return cr, nil
}

func (p *Pipeline) saveState(ctx context.Context, entities []*artifact.Artifact, kind artifact.Kind, report *Report) (CategoryReport, error) {
	cr := CategoryReport{Kind: kind, Phase: PhaseState}
	category := StateCategory(kind)
	for _, a := range entities {
		if err := ctx.Err(); err != nil {
			return cr, fmt.Errorf("checkpoint %s: %w", category, err)
		}
		cr.Total++
		if a.Placeholder || a.Transient() {
			cr.Skipped++
			continue
		}
		state, ok, err := p.ser.State(a)
		if err != nil {
			cr.Failed++
			p.entityFailed(ctx, PhaseState, a, artifact.NewSerializationError(a.Kind, a.URI, err))
			continue
		}
		if !ok {
			cr.Skipped++
			// A blob left by an earlier entity under the same URI must not
			// be loaded as this one's state.
			if err := p.drop(ctx, category, a.URI); err != nil {
				slog.Debug("stale state not removed", "kind", a.Kind.String(), "uri", a.URI, "error", err)
			}
			continue
		}
		written, err := p.put(ctx, category, a.URI, EncodeState(state))
		if err != nil {
			cr.Failed++
			p.entityFailed(ctx, PhaseState, a, err)
			continue
		}
		if !written {
			cr.Unchanged++
		}
		report.saved[savedKey{a.Kind, a.URI}] = struct{}{}
		// Keep the registry's copy current so a later recovery without a
		// live operator still has the latest state.
		if err := p.reg.SetState(a.Kind, a.URI, state); err != nil {
			slog.Debug("state not recorded in registry", "kind", a.Kind.String(), "uri", a.URI, "error", err)
		}
	}
	return cr, nil
}

// put writes value unless differential mode finds it unchanged. It reports
// whether a write happened.
func (p *Pipeline) put(ctx context.Context, category, key string, value []byte) (bool, error) {
	hk := category + "\x00" + key
	sum := sha256.Sum256(value)
	if p.mode == ModeDifferential {
		if prev, ok := p.hashes[hk]; ok && prev == sum {
			return false, nil
		}
	}
	if err := p.kv.Put(ctx, category, key, value); err != nil {
		delete(p.hashes, hk)
		return false, fmt.Errorf("put %s/%s: %w", category, key, err)
	}
	p.hashes[hk] = sum
	return true, nil
}

// drop deletes one persisted key and its differential hash.
func (p *Pipeline) drop(ctx context.Context, category, key string) error {
	delete(p.hashes, category+"\x00"+key)
	if err := p.kv.Delete(ctx, category, key); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete %s/%s: %w", category, key, err)
	}
	return nil
}

// prune deletes persisted keys whose entity is no longer registered.
func (p *Pipeline) prune(ctx context.Context, snap *registry.Snapshot) (int, error) {
	pruned := 0
	for _, kind := range artifact.AllKinds {
		for _, category := range []string{DefinitionsCategory(kind), StateCategory(kind)} {
			if err := ctx.Err(); err != nil {
				return pruned, fmt.Errorf("prune %s: %w", category, err)
			}
			keys, err := p.kv.Keys(ctx, category)
			if err != nil {
				return pruned, fmt.Errorf("prune %s: %w", category, err)
			}
			for _, key := range keys {
				if IsCanary(key) {
					continue
				}
				if _, ok := snap.Get(kind, key); ok {
					continue
				}
				if err := p.kv.Delete(ctx, category, key); err != nil && !errors.Is(err, store.ErrNotFound) {
					return pruned, fmt.Errorf("prune %s/%s: %w", category, key, err)
				}
				delete(p.hashes, category+"\x00"+key)
				pruned++
			}
		}
	}
	return pruned, nil
}

func (p *Pipeline) entityFailed(ctx context.Context, phase Phase, a *artifact.Artifact, err error) {
	p.sink.Record(ctx, telemetry.Event{
		Name:      telemetry.EventCheckpointEntityFailed,
		Component: component,
		Level:     slog.LevelWarn,
		Message:   "entity not checkpointed",
		Attrs: []slog.Attr{
			slog.String("phase", string(phase)),
			slog.String("kind", a.Kind.String()),
			slog.String("uri", a.URI),
			slog.String("error", err.Error()),
		},
	})
}

func (p *Pipeline) recordCategory(ctx context.Context, cr CategoryReport) {
	p.sink.Record(ctx, telemetry.Event{
		Name:      telemetry.EventCheckpointCategory,
		Component: component,
		Level:     slog.LevelDebug,
		Message:   "category saved",
		Attrs: []slog.Attr{
			slog.String("phase", string(cr.Phase)),
			slog.String("kind", cr.Kind.String()),
			slog.Int("total", cr.Total),
			slog.Int("skipped", cr.Skipped),
			slog.Int("failed", cr.Failed),
			slog.Int("unchanged", cr.Unchanged),
		},
	})
}
