package gc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/registry"
	"github.com/roach88/reaqtor/internal/telemetry"
)

func add(t *testing.T, r *registry.Registry, kind artifact.Kind, uri string, uses ...string) {
	t.Helper()
	_, err := r.Add(context.Background(), kind, uri, artifact.Definition{Expression: "e", Uses: uses})
	require.NoError(t, err)
}

func has(r *registry.Registry, kind artifact.Kind, uri string) bool {
	_, ok := r.TryGet(kind, uri)
	return ok
}

func TestMarkFollowsDependencies(t *testing.T) {
	r := registry.New()
	add(t, r, artifact.KindObservable, "rx://a")
	add(t, r, artifact.KindObservable, "rx://b", "rx://a")
	add(t, r, artifact.KindObserver, "rx://o")
	add(t, r, artifact.KindSubscription, "rx://s", "rx://b", "rx://o")
	add(t, r, artifact.KindObservable, "rx://y")
	add(t, r, artifact.KindStream, "rx://z", "rx://y")
	add(t, r, artifact.KindObservable, "rx://orphan")
	add(t, r, artifact.KindObservable, "rx://orphan-child")
	add(t, r, artifact.KindObservable, "rx://orphan-parent", "rx://orphan-child")

	live := Mark(r.Snapshot())
	assert.Len(t, live, 6)
	for _, k := range []Key{
		{artifact.KindObservable, "rx://a"},
		{artifact.KindObservable, "rx://b"},
		{artifact.KindObservable, "rx://y"},
		{artifact.KindStream, "rx://z"},
	} {
		assert.Contains(t, live, k)
	}
	assert.NotContains(t, live, Key{artifact.KindObservable, "rx://orphan"})
	assert.NotContains(t, live, Key{artifact.KindObservable, "rx://orphan-child"})
}

func TestMarkHandlesCyclesAndDanglingReferences(t *testing.T) {
	r := registry.New()
	add(t, r, artifact.KindObservable, "rx://a", "rx://b")
	add(t, r, artifact.KindObservable, "rx://b", "rx://a", "rx://missing")
	add(t, r, artifact.KindSubscription, "rx://s", "rx://a")

	live := Mark(r.Snapshot())
	assert.Len(t, live, 3)
}

func TestSubscriptionKeepsObservableAlive(t *testing.T) {
	ctx := context.Background()
	r := registry.New()
	add(t, r, artifact.KindObservable, "rx://A")
	add(t, r, artifact.KindSubscription, "rx://S", "rx://A")

	c := New(r, DefaultConfig())
	res, err := c.Collect(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Operations)
	assert.True(t, has(r, artifact.KindObservable, "rx://A"))

	_, err = r.Remove(ctx, artifact.KindSubscription, "rx://S")
	require.NoError(t, err)

	res, err = c.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Operations)
	assert.False(t, has(r, artifact.KindObservable, "rx://A"))
	assert.Zero(t, res.Remaining[artifact.KindObservable])
}

func TestOnlyObservablesAreSwept(t *testing.T) {
	r := registry.New()
	add(t, r, artifact.KindObserver, "rx://o")
	add(t, r, artifact.KindStreamFactory, "rx://sf")
	add(t, r, artifact.KindSubscriptionFactory, "rx://subf")
	add(t, r, artifact.KindStream, "rx://st")

	res, err := New(r, DefaultConfig()).Collect(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Operations)
	assert.Equal(t, 4, r.Len())
}

func TestSweepIsBatched(t *testing.T) {
	r := registry.New()
	for i := 0; i < 25; i++ {
		add(t, r, artifact.KindObservable, fmt.Sprintf("rx://orphan/%02d", i))
	}
	rec := &telemetry.Recorder{}

	cfg := DefaultConfig()
	cfg.BatchSize = 10
	res, err := New(r, cfg, WithSink(rec)).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25, res.Operations)
	assert.Equal(t, 4, res.Iterations, "three deleting iterations and one empty")
	assert.Zero(t, r.Len())

	require.Len(t, rec.Named(telemetry.EventSweepCompleted), 1)
	require.Len(t, rec.Named(telemetry.EventMarkCompleted), 1)
	live, _ := rec.Named(telemetry.EventMarkCompleted)[0].Attr("live")
	assert.Equal(t, int64(0), live.Int64())
}

func TestSweepStopsAtMaxIterations(t *testing.T) {
	r := registry.New()
	for i := 0; i < 25; i++ {
		add(t, r, artifact.KindObservable, fmt.Sprintf("rx://orphan/%02d", i))
	}
	cfg := DefaultConfig()
	cfg.BatchSize = 10
	cfg.MaxIterations = 2
	res, err := New(r, cfg).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, res.Operations)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 5, r.Len())
}

func TestPacedSweep(t *testing.T) {
	r := registry.New()
	for i := 0; i < 3; i++ {
		add(t, r, artifact.KindObservable, fmt.Sprintf("rx://orphan/%d", i))
	}
	cfg := DefaultConfig()
	cfg.BatchSize = 1
	cfg.IterationsPerSecond = 1000
	res, err := New(r, cfg).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Operations)
	assert.Equal(t, 4, res.Iterations)
}

func TestDisabledCollector(t *testing.T) {
	r := registry.New()
	add(t, r, artifact.KindObservable, "rx://orphan")
	rec := &telemetry.Recorder{}

	res, err := New(r, Config{Enabled: false}, WithSink(rec)).Collect(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Disabled)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, 1, rec.Count(telemetry.EventGCDisabled))
	assert.Zero(t, rec.Count(telemetry.EventMarkCompleted))
}

func TestSweepDisabledOnlyMarks(t *testing.T) {
	r := registry.New()
	add(t, r, artifact.KindObservable, "rx://orphan")
	add(t, r, artifact.KindObserver, "rx://o")
	rec := &telemetry.Recorder{}

	res, err := New(r, Config{Enabled: true, SweepEnabled: false}, WithSink(rec)).Collect(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Swept)
	assert.Equal(t, 1, res.Live)
	assert.Equal(t, 2, r.Len())
	assert.Equal(t, 1, rec.Count(telemetry.EventMarkCompleted))
	assert.Equal(t, 1, rec.Count(telemetry.EventGCDisabled))
}

func TestCollectUnderChurn(t *testing.T) {
	ctx := context.Background()
	r := registry.New()
	for i := 0; i < 10; i++ {
		add(t, r, artifact.KindObservable, fmt.Sprintf("rx://anchor/%d", i))
		add(t, r, artifact.KindSubscription, fmt.Sprintf("rx://anchor-sub/%d", i), fmt.Sprintf("rx://anchor/%d", i))
	}

	cfg := DefaultConfig()
	cfg.BatchSize = 3
	c := New(r, cfg)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			_, _ = r.Add(ctx, artifact.KindObservable, fmt.Sprintf("rx://garbage/%d", i), artifact.Definition{Expression: "g"})
			sub := fmt.Sprintf("rx://churn-sub/%d", i)
			_, _ = r.Add(ctx, artifact.KindSubscription, sub, artifact.Definition{
				Expression: "s",
				Uses:       []string{fmt.Sprintf("rx://anchor/%d", i%10)},
			})
			_, _ = r.Remove(ctx, artifact.KindSubscription, sub)
		}
	}()

	for i := 0; i < 20; i++ {
		_, err := c.Collect(ctx)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	for i := 0; i < 10; i++ {
		assert.True(t, has(r, artifact.KindObservable, fmt.Sprintf("rx://anchor/%d", i)))
		assert.True(t, has(r, artifact.KindSubscription, fmt.Sprintf("rx://anchor-sub/%d", i)))
	}

	_, err := c.Collect(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, r.Counts()[artifact.KindObservable])
}

func TestRunCollectsPeriodically(t *testing.T) {
	r := registry.New()
	add(t, r, artifact.KindObservable, "rx://orphan")

	cfg := DefaultConfig()
	cfg.Interval = 5 * time.Millisecond
	c := New(r, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return r.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRunRejectsZeroInterval(t *testing.T) {
	c := New(registry.New(), Config{Enabled: true})
	assert.Error(t, c.Run(context.Background()))
}

// sinkFunc adapts a function to telemetry.Sink.
type sinkFunc func(ctx context.Context, ev telemetry.Event)

func (f sinkFunc) Record(ctx context.Context, ev telemetry.Event) { f(ctx, ev) }

func TestSweepSparesObservablesRegisteredAfterMark(t *testing.T) {
	r := registry.New()
	add(t, r, artifact.KindObservable, "rx://orphan")

	// Registered between mark and sweep, before the subscription that
	// will use it, as a bridge does.
	afterMark := sinkFunc(func(_ context.Context, ev telemetry.Event) {
		if ev.Name == telemetry.EventMarkCompleted {
			add(t, r, artifact.KindObservable, "rx://bridge/b1/observable")
		}
	})

	res, err := New(r, DefaultConfig(), WithSink(afterMark)).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Operations)
	assert.False(t, has(r, artifact.KindObservable, "rx://orphan"))
	assert.True(t, has(r, artifact.KindObservable, "rx://bridge/b1/observable"))
}

func TestSweepSkipsCandidatesThatBecameReachable(t *testing.T) {
	r := registry.New()
	add(t, r, artifact.KindObservable, "rx://a")
	add(t, r, artifact.KindObservable, "rx://b")

	afterMark := sinkFunc(func(_ context.Context, ev telemetry.Event) {
		if ev.Name == telemetry.EventMarkCompleted {
			add(t, r, artifact.KindSubscription, "rx://s", "rx://a")
		}
	})

	res, err := New(r, DefaultConfig(), WithSink(afterMark)).Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Operations)
	assert.True(t, has(r, artifact.KindObservable, "rx://a"))
	assert.False(t, has(r, artifact.KindObservable, "rx://b"))
}
