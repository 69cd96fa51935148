package gc

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/registry"
	"github.com/roach88/reaqtor/internal/telemetry"
)

const component = "gc"

// Config controls the collector.
type Config struct {
	Enabled      bool
	SweepEnabled bool

	// BatchSize caps the candidates examined per sweep iteration.
	BatchSize int
	// MaxIterations caps sweep iterations per collection.
	MaxIterations int

	// Interval is the period of Run.
	Interval time.Duration

	// IterationsPerSecond paces sweep iterations. Zero means unpaced.
	IterationsPerSecond float64
}

// DefaultConfig returns an enabled collector sweeping 100 entities per
// iteration.
func DefaultConfig() Config {
	return Config{
		Enabled:       true,
		SweepEnabled:  true,
		BatchSize:     100,
		MaxIterations: 1000,
		Interval:      time.Minute,
	}
}

// Result describes one collection.
type Result struct {
	Disabled bool `json:"disabled,omitempty"`

	Live         int           `json:"live"`
	MarkDuration time.Duration `json:"mark_duration"`

	Swept         bool          `json:"swept"`
	Operations    int           `json:"operations"`
	Iterations    int           `json:"iterations"`
	SweepDuration time.Duration `json:"sweep_duration"`

	Remaining map[artifact.Kind]int `json:"remaining,omitempty"`
}

// Collector deletes Observables no root can reach.
type Collector struct {
	reg     *registry.Registry
	cfg     Config
	sink    telemetry.Sink
	limiter *rate.Limiter
}

// Option configures a Collector.
type Option func(*Collector)

func WithSink(s telemetry.Sink) Option {
	return func(c *Collector) { c.sink = telemetry.OrNop(s) }
}

// New creates a collector over reg.
func New(reg *registry.Registry, cfg Config, opts ...Option) *Collector {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultConfig().MaxIterations
	}
	c := &Collector{reg: reg, cfg: cfg, sink: telemetry.Nop{}}
	if cfg.IterationsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.IterationsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Collect runs one mark and, if enabled, a sweep.
func (c *Collector) Collect(ctx context.Context) (res *Result, err error) {
	if !c.cfg.Enabled {
		c.disabled(ctx, "collector disabled")
		return &Result{Disabled: true}, nil
	}

	ctx, span := telemetry.StartSpan(ctx, component, "gc.collect")
	defer func() { telemetry.EndSpan(span, err) }()

	res = &Result{}

	start := time.Now()
	snap := c.reg.Snapshot()
	live := Mark(snap)
	res.Live = len(live)
	res.MarkDuration = time.Since(start)
	c.sink.Record(ctx, telemetry.Event{
		Name:      telemetry.EventMarkCompleted,
		Component: component,
		Level:     slog.LevelDebug,
		Message:   "mark completed",
		Duration:  res.MarkDuration,
		Attrs:     []slog.Attr{slog.Int("live", res.Live)},
	})

	if !c.cfg.SweepEnabled {
		c.disabled(ctx, "sweep disabled")
		res.Remaining = c.reg.Counts()
		return res, nil
	}

	// Only what this mark found unreachable is swept. Observables
	// registered later wait for the next collection.
	var pending []Key
	for _, a := range snap.Entities(artifact.KindObservable) {
		if _, ok := live[Key{a.Kind, a.URI}]; !ok {
			pending = append(pending, Key{a.Kind, a.URI})
		}
	}

	res.Swept = true
	start = time.Now()
	for res.Iterations < c.cfg.MaxIterations {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return res, fmt.Errorf("sweep: %w", err)
			}
		} else if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("sweep: %w", err)
		}

		batch := pending[:min(c.cfg.BatchSize, len(pending))]
		pending = pending[len(batch):]
		n, err := c.sweepOnce(ctx, batch)
		res.Iterations++
		res.Operations += n
		if err != nil {
			return res, fmt.Errorf("sweep iteration %d: %w", res.Iterations, err)
		}
		if len(batch) == 0 {
			break
		}
	}
	res.SweepDuration = time.Since(start)
	res.Remaining = c.reg.Counts()

	span.SetAttributes(
		attribute.Int("live", res.Live),
		attribute.Int("operations", res.Operations),
		attribute.Int("iterations", res.Iterations),
	)
	attrs := []slog.Attr{
		slog.Int("operations", res.Operations),
		slog.Int("iterations", res.Iterations),
	}
	for _, k := range artifact.AllKinds {
		attrs = append(attrs, slog.Int("remaining_"+k.String(), res.Remaining[k]))
	}
	c.sink.Record(ctx, telemetry.Event{
		Name:      telemetry.EventSweepCompleted,
		Component: component,
		Level:     slog.LevelInfo,
		Message:   "sweep completed",
		Duration:  res.SweepDuration,
		Attrs:     attrs,
	})
	return res, nil
}

// sweepOnce re-marks under the registry write lock and removes the
// candidates that are still registered and still unreachable.
func (c *Collector) sweepOnce(ctx context.Context, candidates []Key) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}
	removed := 0
	err := c.reg.Batch(ctx, func(tx *registry.Tx) error {
		live := Mark(tx)
		for _, k := range candidates {
			if _, ok := tx.Get(k.Kind, k.URI); !ok {
				continue
			}
			if _, ok := live[k]; ok {
				continue
			}
			ok, err := tx.Remove(k.Kind, k.URI)
			if err != nil {
				return err
			}
			if ok {
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// Run collects every Interval until ctx is done.
func (c *Collector) Run(ctx context.Context) error {
	if c.cfg.Interval <= 0 {
		return fmt.Errorf("gc: interval must be positive, got %s", c.cfg.Interval)
	}
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil && ctx.Err() == nil {
				slog.Warn("periodic gc failed", "error", err)
			}
		}
	}
}

func (c *Collector) disabled(ctx context.Context, msg string) {
	c.sink.Record(ctx, telemetry.Event{
		Name:      telemetry.EventGCDisabled,
		Component: component,
		Level:     slog.LevelInfo,
		Message:   msg,
		Attrs: []slog.Attr{
			slog.Bool("enabled", c.cfg.Enabled),
			slog.Bool("sweep_enabled", c.cfg.SweepEnabled),
		},
	})
}
