package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/bridge"
	"github.com/roach88/reaqtor/internal/checkpoint"
	"github.com/roach88/reaqtor/internal/gc"
	"github.com/roach88/reaqtor/internal/ident"
	"github.com/roach88/reaqtor/internal/recovery"
	"github.com/roach88/reaqtor/internal/registry"
	"github.com/roach88/reaqtor/internal/reliable"
	"github.com/roach88/reaqtor/internal/store"
	"github.com/roach88/reaqtor/internal/telemetry"
	"github.com/roach88/reaqtor/internal/txlog"
)

// Engine hosts one registry and runs its recovery, checkpoints and garbage
// collection against a durable store.
//
// Thread-safety model:
//   - Create, Remove, Get, Dispatch: safe from any goroutine once Started
//   - Recover, Checkpoint, Unload: serialized by the StateManager; a call
//     in the wrong status fails with InvalidStateTransition
//   - Run: call from one goroutine
//
// The engine does not own the store; callers close it after Unload.
type Engine struct {
	store store.Store
	log   *txlog.Log
	reg   *registry.Registry
	state *StateManager
	sched *Scheduler

	checkpointer *checkpoint.Pipeline
	collector    *gc.Collector
	bridges      *bridge.Manager
	reliable     *reliable.Manager

	cfg config
}

type config struct {
	sink        telemetry.Sink
	starter     recovery.Starter
	upstreams   reliable.UpstreamFactory
	mitigations *recovery.MitigationTable
	mode        checkpoint.Mode
	serializer  checkpoint.Serializer
	canary      bool
	gc          gc.Config
	ids         ident.Generator
}

// Option configures an Engine.
type Option func(*config)

// WithSink sets the telemetry sink shared by every component.
func WithSink(s telemetry.Sink) Option {
	return func(c *config) { c.sink = telemetry.OrNop(s) }
}

// WithStarter sets how streams and subscriptions are brought to life.
// Reliable subscriptions are started by the reliable input manager instead.
func WithStarter(s recovery.Starter) Option {
	return func(c *config) { c.starter = s }
}

// WithUpstreams sets the upstream transport of reliable subscriptions.
func WithUpstreams(f reliable.UpstreamFactory) Option {
	return func(c *config) { c.upstreams = f }
}

func WithMitigations(t *recovery.MitigationTable) Option {
	return func(c *config) { c.mitigations = t }
}

func WithCheckpointMode(m checkpoint.Mode) Option {
	return func(c *config) { c.mode = m }
}

func WithSerializer(s checkpoint.Serializer) Option {
	return func(c *config) { c.serializer = s }
}

// WithCanary toggles canary writes and checks. Enabled by default.
func WithCanary(enabled bool) Option {
	return func(c *config) { c.canary = enabled }
}

func WithGC(cfg gc.Config) Option {
	return func(c *config) { c.gc = cfg }
}

// WithIDs sets the generator for bridge ids and reliable instance ids.
func WithIDs(g ident.Generator) Option {
	return func(c *config) { c.ids = g }
}

// New opens the transaction log of st and wires the engine components. The
// engine starts Unloaded; call Recover before using it.
func New(ctx context.Context, st store.Store, opts ...Option) (*Engine, error) {
	cfg := config{
		sink:      telemetry.Nop{},
		starter:   recovery.StarterFunc(func(context.Context, *artifact.Artifact) (artifact.Stateful, error) { return nil, nil }),
		upstreams: func(*artifact.Artifact) (reliable.Upstream, error) { return reliable.NopUpstream{}, nil },
		mode:      checkpoint.ModeFull,
		canary:    true,
		gc:        gc.DefaultConfig(),
		ids:       ident.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.serializer == nil {
		cfg.serializer = checkpoint.DefaultSerializer{}
	}

	log, err := txlog.Open(ctx, st, txlog.WithSink(cfg.sink))
	if err != nil {
		return nil, fmt.Errorf("open engine: %w", err)
	}

	e := &Engine{
		store: st,
		log:   log,
		cfg:   cfg,
	}
	e.reg = registry.New(registry.WithJournal(log), registry.WithSink(cfg.sink))
	e.state = NewStateManager(cfg.sink)
	e.sched = NewScheduler(e.state)
	e.reliable = reliable.NewManager(cfg.upstreams,
		reliable.WithIDs(cfg.ids),
		reliable.WithSink(cfg.sink))
	e.checkpointer = checkpoint.New(e.reg, st, log,
		checkpoint.WithMode(cfg.mode),
		checkpoint.WithCanary(cfg.canary),
		checkpoint.WithSerializer(cfg.serializer),
		checkpoint.WithSink(cfg.sink),
		checkpoint.WithListener(e.reliable))
	e.collector = gc.New(e.reg, cfg.gc, gc.WithSink(cfg.sink))
	e.bridges = bridge.NewManager(e.reg, recovery.StarterFunc(e.startArtifact),
		bridge.WithIDs(cfg.ids),
		bridge.WithSink(cfg.sink))

	slog.Debug("engine created", "log_latest", log.Latest(), "mode", cfg.mode.String())
	return e, nil
}

// Recover loads the last checkpoint, replays the log tail and starts every
// recovered stream and subscription. Per-entity failures are reported in
// the summary; only pipeline-level errors fault the engine.
func (e *Engine) Recover(ctx context.Context) (*recovery.Summary, error) {
	if err := e.state.BeginRecovery("Recover"); err != nil {
		return nil, err
	}

	// Mitigations may rewrite the store; differential hashes from an
	// earlier session would hide that.
	e.checkpointer.Reset()

	p := recovery.New(e.reg, e.store, e.log,
		recovery.WithStarter(e.cfg.starter),
		recovery.WithResumer(e.reliable),
		recovery.WithMitigations(e.cfg.mitigations),
		recovery.WithCanaryCheck(e.cfg.canary),
		recovery.WithSink(e.cfg.sink))
	sum, err := p.Run(ctx)
	if err == nil {
		n := e.bridges.Rebuild(e.reg.Snapshot())
		slog.Debug("bridges rebuilt", "count", n)
	}

	if terr := e.state.EndRecovery("Recover", err); terr != nil {
		return sum, terr
	}
	if err != nil {
		return sum, fmt.Errorf("recover: %w", err)
	}
	e.sched.Resume("Recover")
	return sum, nil
}

// Checkpoint pauses scheduled work and persists the registry. The
// scheduler resumes afterwards unless an unload was requested meanwhile.
func (e *Engine) Checkpoint(ctx context.Context) (*checkpoint.Report, error) {
	if err := e.state.BeginCheckpoint("Checkpoint"); err != nil {
		return nil, err
	}
	e.sched.Pause()

	report, err := e.checkpointer.Run(ctx)

	if terr := e.state.EndCheckpoint("Checkpoint"); terr != nil {
		slog.Error("checkpoint end transition failed", "error", terr)
	}
	e.sched.Resume("Checkpoint")
	if err != nil {
		return report, fmt.Errorf("checkpoint: %w", err)
	}
	return report, nil
}

// RequestUnload flags a pending unload so that continuations after an
// in-flight checkpoint are suppressed.
func (e *Engine) RequestUnload() {
	e.state.RequestUnload("RequestUnload")
}

// Unload stops scheduled work and drops the in-memory registry. Nothing is
// persisted; take a checkpoint first to shorten the next recovery.
func (e *Engine) Unload(ctx context.Context) error {
	if err := e.state.BeginUnload("Unload"); err != nil {
		return err
	}
	e.sched.Pause()

	for _, a := range e.reg.Entities(artifact.KindSubscription) {
		e.reliable.Remove(a.URI)
	}
	e.reg.Reset()
	e.bridges.Rebuild(e.reg.Snapshot())
	e.checkpointer.Reset()

	if err := ctx.Err(); err != nil {
		slog.Warn("unload finished after cancellation", "error", err)
	}
	return e.state.EndUnload("Unload")
}

// CollectGarbage runs one mark and sweep over the registry.
func (e *Engine) CollectGarbage(ctx context.Context) (*gc.Result, error) {
	if err := e.requireStarted(); err != nil {
		return nil, err
	}
	return e.collector.Collect(ctx)
}

// Create registers an artifact and, for streams and subscriptions, starts
// it. A start failure removes the artifact again.
func (e *Engine) Create(ctx context.Context, kind artifact.Kind, uri string, def artifact.Definition) (*artifact.Artifact, error) {
	if err := e.requireStarted(); err != nil {
		return nil, err
	}
	a, err := e.reg.Add(ctx, kind, uri, def)
	if err != nil {
		return nil, err
	}
	if kind != artifact.KindStream && kind != artifact.KindSubscription {
		return a, nil
	}

	rt, err := e.startArtifact(ctx, a)
	if err != nil {
		if _, rerr := e.reg.Remove(ctx, kind, uri); rerr != nil {
			slog.Warn("rollback after start failure failed", "kind", kind.String(), "uri", uri, "error", rerr)
		}
		e.reliable.Remove(uri)
		return nil, fmt.Errorf("start %s %s: %w", kind, uri, err)
	}
	if rt != nil {
		if err := e.reg.SetRuntime(kind, uri, rt); err != nil {
			return nil, err
		}
		a.Runtime = rt
	}
	return a, nil
}

// Remove unregisters an artifact. Removing a subscription disposes its
// bridges and forgets its reliable input.
func (e *Engine) Remove(ctx context.Context, kind artifact.Kind, uri string) (bool, error) {
	if err := e.requireStarted(); err != nil {
		return false, err
	}
	if kind == artifact.KindSubscription {
		if n := e.bridges.DisposeAll(ctx, uri); n > 0 {
			slog.Debug("bridges disposed", "outer", uri, "count", n)
		}
		e.reliable.Remove(uri)
	}
	return e.reg.Remove(ctx, kind, uri)
}

// Get returns a copy of an artifact.
func (e *Engine) Get(kind artifact.Kind, uri string) (*artifact.Artifact, bool) {
	return e.reg.TryGet(kind, uri)
}

// CreateBridge registers and starts a bridge under the outer subscription.
func (e *Engine) CreateBridge(ctx context.Context, outer string, def artifact.Definition) (bridge.Bridge, error) {
	if err := e.requireStarted(); err != nil {
		return bridge.Bridge{}, err
	}
	if _, ok := e.reg.TryGet(artifact.KindSubscription, outer); !ok {
		return bridge.Bridge{}, artifact.NewNotFoundError(artifact.KindSubscription, outer)
	}
	b, err := e.bridges.Create(ctx, outer, def)
	if err != nil {
		return bridge.Bridge{}, err
	}
	if err := e.bridges.Start(ctx, outer, b.ID); err != nil {
		e.bridges.Dispose(ctx, outer, b.ID)
		return bridge.Bridge{}, err
	}
	b, _ = e.bridges.Get(outer, b.ID)
	return b, nil
}

// Schedule queues a task. Tasks run in order on Run and are held back
// while a checkpoint is in progress.
func (e *Engine) Schedule(name string, t Task) bool {
	return e.sched.Enqueue(name, t)
}

// Run drives the scheduler and, when configured with an interval, periodic
// garbage collection, until ctx is done or Close is called.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.sched.Run(ctx)
	})
	if e.cfg.gc.Enabled && e.cfg.gc.Interval > 0 {
		g.Go(func() error {
			err := e.collector.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close stops accepting scheduled tasks.
func (e *Engine) Close() {
	e.sched.Close()
}

// Status returns the lifecycle status.
func (e *Engine) Status() Status { return e.state.Status() }

// Registry returns the live registry.
func (e *Engine) Registry() *registry.Registry { return e.reg }

// Log returns the transaction log.
func (e *Engine) Log() *txlog.Log { return e.log }

// Bridges returns the bridge manager.
func (e *Engine) Bridges() *bridge.Manager { return e.bridges }

// Reliable returns the reliable input manager.
func (e *Engine) Reliable() *reliable.Manager { return e.reliable }

// Scheduler returns the task scheduler.
func (e *Engine) Scheduler() *Scheduler { return e.sched }

func (e *Engine) requireStarted() error {
	if s := e.state.Status(); s != StatusStarted {
		return fmt.Errorf("%w: status %s", ErrNotStarted, s)
	}
	return nil
}

func (e *Engine) startArtifact(ctx context.Context, a *artifact.Artifact) (artifact.Stateful, error) {
	start := time.Now()
	var (
		rt  artifact.Stateful
		err error
	)
	if a.Kind == artifact.KindSubscription && a.Definition.Reliable {
		rt, err = e.reliable.Resume(ctx, a)
	} else {
		rt, err = e.cfg.starter.Start(ctx, a)
	}
	slog.Debug("artifact started", "kind", a.Kind.String(), "uri", a.URI, "duration", time.Since(start), "error", err)
	return rt, err
}
