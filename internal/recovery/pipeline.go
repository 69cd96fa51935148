package recovery

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/checkpoint"
	"github.com/roach88/reaqtor/internal/registry"
	"github.com/roach88/reaqtor/internal/store"
	"github.com/roach88/reaqtor/internal/telemetry"
	"github.com/roach88/reaqtor/internal/txlog"
)

const component = "recovery"

// ErrAlreadyRan is returned by a second Run on the same pipeline.
var ErrAlreadyRan = errors.New("recovery: pipeline already ran")

// Starter brings a recovered entity to life. The artifact carries the
// recovered state, or nil state when it was lost. A nil runtime is allowed.
type Starter interface {
	Start(ctx context.Context, a *artifact.Artifact) (artifact.Stateful, error)
}

// StarterFunc adapts a function to Starter.
type StarterFunc func(ctx context.Context, a *artifact.Artifact) (artifact.Stateful, error)

func (f StarterFunc) Start(ctx context.Context, a *artifact.Artifact) (artifact.Stateful, error) {
	return f(ctx, a)
}

// ReliableResumer starts reliable subscriptions from their last
// acknowledged sequence.
type ReliableResumer interface {
	Resume(ctx context.Context, a *artifact.Artifact) (artifact.Stateful, error)
}

// Log is the part of the transaction log recovery reads.
type Log interface {
	LastMarker() (txlog.Marker, bool)
	ReplayFrom(v uint64) iter.Seq[txlog.Entry]
}

// KindSummary counts recovery outcomes for one kind.
type KindSummary struct {
	Loaded                int `json:"loaded"`
	LoadFailed            int `json:"load_failed"`
	RecoveredWithoutState int `json:"recovered_without_state"`
	Started               int `json:"started"`
	StartFailed           int `json:"start_failed"`
	Mitigated             int `json:"mitigated"`
	MitigationFailed      int `json:"mitigation_failed"`
}

// Summary reports what a recovery run did.
type Summary struct {
	Marker        uint64                         `json:"marker"`
	Kinds         map[artifact.Kind]*KindSummary `json:"kinds"`
	ReplayApplied int                            `json:"replay_applied"`
	ReplayFailed  int                            `json:"replay_failed"`
	CanaryMissing []artifact.Kind                `json:"canary_missing,omitempty"`
	Elapsed       time.Duration                  `json:"elapsed"`
}

// Kind returns the counts for kind.
func (s *Summary) Kind(k artifact.Kind) KindSummary {
	if ks, ok := s.Kinds[k]; ok {
		return *ks
	}
	return KindSummary{}
}

func (s *Summary) kind(k artifact.Kind) *KindSummary {
	ks, ok := s.Kinds[k]
	if !ok {
		ks = &KindSummary{}
		s.Kinds[k] = ks
	}
	return ks
}

// Pipeline recovers one registry. It runs at most once.
type Pipeline struct {
	reg *registry.Registry
	kv  store.KV
	log Log

	starter     Starter
	resumer     ReliableResumer
	mitigations *MitigationTable
	canary      bool
	sink        telemetry.Sink

	ran atomic.Bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithStarter(s Starter) Option { return func(p *Pipeline) { p.starter = s } }

func WithResumer(r ReliableResumer) Option { return func(p *Pipeline) { p.resumer = r } }

func WithMitigations(t *MitigationTable) Option { return func(p *Pipeline) { p.mitigations = t } }

// WithCanaryCheck toggles the canary check after load. Enabled by default.
func WithCanaryCheck(enabled bool) Option { return func(p *Pipeline) { p.canary = enabled } }

func WithSink(s telemetry.Sink) Option { return func(p *Pipeline) { p.sink = telemetry.OrNop(s) } }

// New creates a recovery pipeline that loads into reg.
func New(reg *registry.Registry, kv store.KV, log Log, opts ...Option) *Pipeline {
	p := &Pipeline{
		reg:     reg,
		kv:      kv,
		log:     log,
		starter: StarterFunc(func(context.Context, *artifact.Artifact) (artifact.Stateful, error) { return nil, nil }),
		canary:  true,
		sink:    telemetry.Nop{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run executes load, replay and start.
func (p *Pipeline) Run(ctx context.Context) (sum *Summary, err error) {
	if !p.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRan
	}
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, component, "recovery.run")
	defer func() { telemetry.EndSpan(span, err) }()

	sum = &Summary{Kinds: make(map[artifact.Kind]*KindSummary, len(artifact.AllKinds))}
	for _, k := range artifact.AllKinds {
		sum.kind(k)
	}
	marker, hasMarker := p.log.LastMarker()
	sum.Marker = marker.Version

	slog.Info("recovery started", "marker", marker.Version, "has_marker", hasMarker)

	if err := p.load(ctx, sum, hasMarker); err != nil {
		return sum, err
	}
	if err := p.replay(ctx, sum, marker.Version); err != nil {
		return sum, err
	}
	if err := p.start(ctx, sum); err != nil {
		return sum, err
	}

	sum.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.Int("replay_applied", sum.ReplayApplied),
		attribute.Int("replay_failed", sum.ReplayFailed),
	)
	attrs := []slog.Attr{
		slog.Uint64("marker", sum.Marker),
		slog.Int("replay_applied", sum.ReplayApplied),
		slog.Int("replay_failed", sum.ReplayFailed),
	}
	for _, k := range artifact.AllKinds {
		ks := sum.Kind(k)
		attrs = append(attrs, slog.Group(k.String(),
			slog.Int("loaded", ks.Loaded),
			slog.Int("load_failed", ks.LoadFailed),
			slog.Int("without_state", ks.RecoveredWithoutState),
			slog.Int("started", ks.Started),
			slog.Int("start_failed", ks.StartFailed),
		))
	}
	p.sink.Record(ctx, telemetry.Event{
		Name:      telemetry.EventRecoveryCompleted,
		Component: component,
		Level:     slog.LevelInfo,
		Message:   "recovery completed",
		Duration:  sum.Elapsed,
		Attrs:     attrs,
	})
	return sum, nil
}

// kindLoad is what one loader goroutine found for a kind.
type kindLoad struct {
	artifacts    []*artifact.Artifact
	failures     []loadFailure
	withoutState []loadFailure
	canary       bool
}

type loadFailure struct {
	uri string
	err error
}

func (p *Pipeline) load(ctx context.Context, sum *Summary, hasMarker bool) error {
	results := make([]kindLoad, len(artifact.AllKinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range artifact.AllKinds {
		g.Go(func() error {
			kl, err := p.loadKind(gctx, kind)
			if err != nil {
				return fmt.Errorf("load %s: %w", kind, err)
			}
			results[i] = kl
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, kind := range artifact.AllKinds {
		kl := results[i]
		ks := sum.kind(kind)
		for _, f := range kl.failures {
			ks.LoadFailed++
			p.sink.Record(ctx, telemetry.Event{
				Name:      telemetry.EventRecoveryEntityFailed,
				Component: component,
				Level:     slog.LevelWarn,
				Message:   "definition unreadable, registered placeholder",
				Attrs: []slog.Attr{
					slog.String("kind", kind.String()),
					slog.String("uri", f.uri),
					slog.String("error", f.err.Error()),
				},
			})
		}
		for _, f := range kl.withoutState {
			ks.RecoveredWithoutState++
			p.sink.Record(ctx, telemetry.Event{
				Name:      telemetry.EventRecoveredWithoutState,
				Component: component,
				Level:     slog.LevelWarn,
				Message:   "state unreadable, entity recovered without state",
				Attrs: []slog.Attr{
					slog.String("kind", kind.String()),
					slog.String("uri", f.uri),
					slog.String("error", f.err.Error()),
				},
			})
		}
		for _, a := range kl.artifacts {
			if err := p.reg.Restore(a); err != nil {
				return fmt.Errorf("restore %s %s: %w", kind, a.URI, err)
			}
			if !a.Placeholder {
				ks.Loaded++
			}
		}
		if p.canary && hasMarker && checkpoint.HasCanary(kind) && !kl.canary {
			sum.CanaryMissing = append(sum.CanaryMissing, kind)
			p.sink.Record(ctx, telemetry.Event{
				Name:      telemetry.EventCanaryMissing,
				Component: component,
				Level:     slog.LevelWarn,
				Message:   "canary definition missing after load",
				Attrs:     []slog.Attr{slog.String("kind", kind.String())},
			})
		}
	}
	return nil
}

func (p *Pipeline) loadKind(ctx context.Context, kind artifact.Kind) (kindLoad, error) {
	var kl kindLoad
	defCategory := checkpoint.DefinitionsCategory(kind)
	stateCategory := checkpoint.StateCategory(kind)

	keys, err := p.kv.Keys(ctx, defCategory)
	if err != nil {
		return kl, err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return kl, err
		}
		data, err := p.kv.Get(ctx, defCategory, key)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if checkpoint.IsCanary(key) {
			kl.canary = err == nil && checkpoint.VerifyCanary(kind, data)
			continue
		}
		var a *artifact.Artifact
		if err == nil {
			a, err = decodeDefinition(kind, key, data)
		}
		if err != nil {
			kl.failures = append(kl.failures, loadFailure{uri: key, err: err})
			kl.artifacts = append(kl.artifacts, artifact.NewPlaceholder(kind, key, err.Error()))
			continue
		}

		raw, err := p.kv.Get(ctx, stateCategory, key)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			kl.withoutState = append(kl.withoutState, loadFailure{uri: key, err: err})
		default:
			state, err := checkpoint.DecodeState(raw)
			if err != nil {
				kl.withoutState = append(kl.withoutState, loadFailure{uri: key, err: err})
			} else {
				a.State = state
			}
		}
		kl.artifacts = append(kl.artifacts, a)
	}
	return kl, nil
}

func decodeDefinition(kind artifact.Kind, key string, data []byte) (*artifact.Artifact, error) {
	a, err := artifact.DecodeRecord(data)
	if err != nil {
		return nil, err
	}
	if a.Kind != kind || a.URI != key {
		return nil, fmt.Errorf("record for %s %s stored under %s %s", a.Kind, a.URI, kind, key)
	}
	return a, nil
}

func (p *Pipeline) replay(ctx context.Context, sum *Summary, marker uint64) error {
	for e := range p.log.ReplayFrom(marker + 1) {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		err := e.Err
		if err == nil {
			err = p.reg.ApplyRecord(e.Op, e.Kind, e.EntityID, e.Payload)
		}
		if err != nil && e.Op == artifact.OpDelete && artifact.IsNotFound(err) {
			slog.Debug("replayed delete of absent entity", "version", e.Version, "uri", e.EntityID)
			err = nil
		}
		if err != nil {
			sum.ReplayFailed++
			p.sink.Record(ctx, telemetry.Event{
				Name:      telemetry.EventReplayEntryFailed,
				Component: component,
				Level:     slog.LevelWarn,
				Message:   "log entry skipped",
				Attrs: []slog.Attr{
					slog.Uint64("version", e.Version),
					slog.String("uri", e.EntityID),
					slog.String("error", err.Error()),
				},
			})
			continue
		}
		sum.ReplayApplied++
	}
	return nil
}

func (p *Pipeline) start(ctx context.Context, sum *Summary) error {
	streams := p.reg.Entities(artifact.KindStream)
	var plain, reliable []*artifact.Artifact
	for _, a := range p.reg.Entities(artifact.KindSubscription) {
		if a.Definition.Reliable {
			reliable = append(reliable, a)
		} else {
			plain = append(plain, a)
		}
	}

	for _, group := range [][]*artifact.Artifact{streams, plain, reliable} {
		for _, a := range group {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("start: %w", err)
			}
			if a.Placeholder {
				continue
			}
			ks := sum.kind(a.Kind)
			rt, err := p.startOne(ctx, a)
			if err == nil {
				p.attach(a, rt)
				ks.Started++
				continue
			}
			ks.StartFailed++
			p.sink.Record(ctx, telemetry.Event{
				Name:      telemetry.EventStartFailed,
				Component: component,
				Level:     slog.LevelWarn,
				Message:   "entity failed to start",
				Attrs: []slog.Attr{
					slog.String("kind", a.Kind.String()),
					slog.String("uri", a.URI),
					slog.String("error", err.Error()),
				},
			})
			p.mitigate(ctx, ks, a, err)
		}
	}
	return nil
}

func (p *Pipeline) startOne(ctx context.Context, a *artifact.Artifact) (artifact.Stateful, error) {
	if a.Definition.Reliable && p.resumer != nil {
		return p.resumer.Resume(ctx, a)
	}
	return p.starter.Start(ctx, a)
}

func (p *Pipeline) attach(a *artifact.Artifact, rt artifact.Stateful) {
	if rt == nil {
		return
	}
	if err := p.reg.SetRuntime(a.Kind, a.URI, rt); err != nil {
		slog.Warn("attach runtime failed", "uri", a.URI, "error", err)
	}
}

func (p *Pipeline) mitigate(ctx context.Context, ks *KindSummary, a *artifact.Artifact, cause error) {
	strategy := p.mitigations.Lookup(a.URI)

	var err error
	switch strategy {
	case Skip:
	case RetryOnce:
		var rt artifact.Stateful
		if rt, err = p.startOne(ctx, a); err == nil {
			p.attach(a, rt)
		}
	case Quarantine:
		err = p.quarantine(ctx, a)
	case Delete:
		_, err = p.reg.Remove(ctx, a.Kind, a.URI)
	default:
		err = fmt.Errorf("unsupported strategy %s", strategy)
	}

	if err != nil {
		ks.MitigationFailed++
		p.reg.Evict(a.Kind, a.URI)
		merr := artifact.NewMitigationFailureError(a.Kind, a.URI, strategy.String(), err)
		p.sink.Record(ctx, telemetry.Event{
			Name:      telemetry.EventMitigationFailure,
			Component: component,
			Level:     slog.LevelError,
			Message:   "mitigation failed, entity left absent",
			Attrs: []slog.Attr{
				slog.String("kind", a.Kind.String()),
				slog.String("uri", a.URI),
				slog.String("strategy", strategy.String()),
				slog.String("cause", cause.Error()),
				slog.String("error", merr.Error()),
			},
		})
		return
	}

	ks.Mitigated++
	p.sink.Record(ctx, telemetry.Event{
		Name:      telemetry.EventMitigationApplied,
		Component: component,
		Level:     slog.LevelInfo,
		Message:   "mitigation applied",
		Attrs: []slog.Attr{
			slog.String("kind", a.Kind.String()),
			slog.String("uri", a.URI),
			slog.String("strategy", strategy.String()),
		},
	})
}

// quarantine moves the persisted records of a into the quarantine category
// and removes the entity.
func (p *Pipeline) quarantine(ctx context.Context, a *artifact.Artifact) error {
	record, err := artifact.EncodeRecord(a)
	if err != nil {
		return err
	}
	if err := p.kv.Put(ctx, checkpoint.QuarantineCategory(a.Kind), a.URI, record); err != nil {
		return fmt.Errorf("quarantine %s: %w", a.URI, err)
	}
	for _, category := range []string{checkpoint.DefinitionsCategory(a.Kind), checkpoint.StateCategory(a.Kind)} {
		if err := p.kv.Delete(ctx, category, a.URI); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("quarantine %s: %w", a.URI, err)
		}
	}
	if _, err := p.reg.Remove(ctx, a.Kind, a.URI); err != nil {
		return fmt.Errorf("quarantine %s: %w", a.URI, err)
	}
	return nil
}
