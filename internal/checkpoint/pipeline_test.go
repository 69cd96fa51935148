package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/registry"
	"github.com/roach88/reaqtor/internal/store"
	"github.com/roach88/reaqtor/internal/telemetry"
	"github.com/roach88/reaqtor/internal/txlog"
)

type fixture struct {
	st  *store.Badger
	log *txlog.Log
	reg *registry.Registry
	rec *telemetry.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenBadger(store.InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	l, err := txlog.Open(ctx, st)
	require.NoError(t, err)
	rec := &telemetry.Recorder{}
	return &fixture{
		st:  st,
		log: l,
		reg: registry.New(registry.WithJournal(l), registry.WithSink(rec)),
		rec: rec,
	}
}

func (f *fixture) add(t *testing.T, kind artifact.Kind, uri string) {
	t.Helper()
	_, err := f.reg.Add(context.Background(), kind, uri, artifact.Definition{Expression: "expr:" + uri})
	require.NoError(t, err)
}

func (f *fixture) pipeline(opts ...Option) *Pipeline {
	return New(f.reg, f.st, f.log, append([]Option{WithSink(f.rec)}, opts...)...)
}

func (f *fixture) keys(t *testing.T, category string) []string {
	t.Helper()
	keys, err := f.st.Keys(context.Background(), category)
	require.NoError(t, err)
	var out []string
	for _, k := range keys {
		if !IsCanary(k) {
			out = append(out, k)
		}
	}
	return out
}

// failingSerializer fails definitions or state for specific URIs.
type failingSerializer struct {
	DefaultSerializer
	failDefinition map[string]bool
	failState      map[string]bool
	onDefinition   func(uri string)
}

func (s failingSerializer) Definition(a *artifact.Artifact) ([]byte, error) {
	if s.onDefinition != nil {
		s.onDefinition(a.URI)
	}
	if s.failDefinition[a.URI] {
		return nil, errors.New("unsupported expression node")
	}
	return s.DefaultSerializer.Definition(a)
}

func (s failingSerializer) State(a *artifact.Artifact) ([]byte, bool, error) {
	if s.failState[a.URI] {
		return nil, false, errors.New("operator busy")
	}
	return s.DefaultSerializer.State(a)
}

type operator struct {
	state []byte
}

func (o *operator) SaveState() ([]byte, error) { return o.state, nil }

type listener struct {
	reports []*Report
}

func (l *listener) CheckpointCommitted(_ context.Context, r *Report) {
	l.reports = append(l.reports, r)
}

func TestCheckpointIsolatesEntityFailure(t *testing.T) {
	f := newFixture(t)
	for _, uri := range []string{"rx://1", "rx://2", "rx://3"} {
		f.add(t, artifact.KindObservable, uri)
	}

	p := f.pipeline(WithSerializer(failingSerializer{failDefinition: map[string]bool{"rx://2": true}}))
	report, err := p.Run(context.Background())
	require.NoError(t, err)

	cr, ok := report.Category(artifact.KindObservable, PhaseDefinitions)
	require.True(t, ok)
	assert.Equal(t, 3, cr.Total)
	assert.Equal(t, 0, cr.Skipped)
	assert.Equal(t, 1, cr.Failed)

	assert.Equal(t, []string{"rx://1", "rx://3"}, f.keys(t, DefinitionsCategory(artifact.KindObservable)))
	assert.Equal(t, 1, f.rec.Count(telemetry.EventCheckpointEntityFailed))
	assert.True(t, report.Committed)

	m, ok := f.log.LastMarker()
	require.True(t, ok)
	assert.Equal(t, report.Version, m.Version)
}

func TestCheckpointCategoriesInFixedOrder(t *testing.T) {
	f := newFixture(t)
	report, err := f.pipeline().Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Categories, 2*len(artifact.AllKinds))
	for i, kind := range artifact.AllKinds {
		assert.Equal(t, kind, report.Categories[i].Kind)
		assert.Equal(t, PhaseDefinitions, report.Categories[i].Phase)
		assert.Equal(t, kind, report.Categories[len(artifact.AllKinds)+i].Kind)
		assert.Equal(t, PhaseState, report.Categories[len(artifact.AllKinds)+i].Phase)
	}
}

func TestCheckpointSkipsPlaceholdersAndTransients(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, artifact.KindObserver, "rx://kept")
	require.NoError(t, f.reg.AddPlaceholder(ctx, artifact.KindObserver, "rx://placeholder", "unknown operator"))
	_, err := f.reg.Add(ctx, artifact.KindObserver, "rx://temp", artifact.Definition{Expression: "tmp", Transient: true})
	require.NoError(t, err)

	report, err := f.pipeline().Run(ctx)
	require.NoError(t, err)

	cr, _ := report.Category(artifact.KindObserver, PhaseDefinitions)
	assert.Equal(t, CategoryReport{Kind: artifact.KindObserver, Phase: PhaseDefinitions, Total: 3, Skipped: 2}, cr)
	assert.Equal(t, []string{"rx://kept"}, f.keys(t, DefinitionsCategory(artifact.KindObserver)))
}

func TestCheckpointSavesFramedState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, artifact.KindSubscription, "rx://sub")
	f.add(t, artifact.KindSubscription, "rx://stateless")
	require.NoError(t, f.reg.SetRuntime(artifact.KindSubscription, "rx://sub", &operator{state: []byte("count=7")}))

	report, err := f.pipeline().Run(ctx)
	require.NoError(t, err)

	cr, _ := report.Category(artifact.KindSubscription, PhaseState)
	assert.Equal(t, 2, cr.Total)
	assert.Equal(t, 1, cr.Skipped)
	assert.True(t, report.StateSaved(artifact.KindSubscription, "rx://sub"))
	assert.False(t, report.StateSaved(artifact.KindSubscription, "rx://stateless"))

	raw, err := f.st.Get(ctx, StateCategory(artifact.KindSubscription), "rx://sub")
	require.NoError(t, err)
	state, err := DecodeState(raw)
	require.NoError(t, err)
	assert.Equal(t, []byte("count=7"), state)

	got, _ := f.reg.TryGet(artifact.KindSubscription, "rx://sub")
	assert.Equal(t, []byte("count=7"), got.State)
}

// removingOperator removes its own artifact while its state is taken.
type removingOperator struct {
	reg *registry.Registry
	uri string
}

func (o *removingOperator) SaveState() ([]byte, error) {
	if _, err := o.reg.Remove(context.Background(), artifact.KindSubscription, o.uri); err != nil {
		return nil, err
	}
	return []byte("last"), nil
}

func TestCheckpointLogsStateNotRecordedInRegistry(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	ctx := context.Background()
	f := newFixture(t)
	f.add(t, artifact.KindSubscription, "rx://gone")
	require.NoError(t, f.reg.SetRuntime(artifact.KindSubscription, "rx://gone", &removingOperator{reg: f.reg, uri: "rx://gone"}))

	report, err := f.pipeline().Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.StateSaved(artifact.KindSubscription, "rx://gone"))
	assert.Contains(t, buf.String(), "state not recorded in registry")
	assert.Contains(t, buf.String(), "uri=rx://gone")
}

func TestCheckpointStateFailureIsCounted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, artifact.KindSubscription, "rx://sub")
	require.NoError(t, f.reg.SetState(artifact.KindSubscription, "rx://sub", []byte("s")))

	p := f.pipeline(WithSerializer(failingSerializer{failState: map[string]bool{"rx://sub": true}}))
	report, err := p.Run(ctx)
	require.NoError(t, err)

	cr, _ := report.Category(artifact.KindSubscription, PhaseState)
	assert.Equal(t, 1, cr.Failed)
	assert.False(t, report.StateSaved(artifact.KindSubscription, "rx://sub"))
	assert.Empty(t, f.keys(t, StateCategory(artifact.KindSubscription)))
}

func TestCheckpointCancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.add(t, artifact.KindObservable, "rx://1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.pipeline().Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, report.Committed)
	_, ok := f.log.LastMarker()
	assert.False(t, ok)
}

func TestCheckpointCancelledMidRunKeepsSavedEntities(t *testing.T) {
	f := newFixture(t)
	for _, uri := range []string{"rx://1", "rx://2", "rx://3"} {
		f.add(t, artifact.KindObservable, uri)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ser := failingSerializer{onDefinition: func(uri string) {
		if uri == "rx://2" {
			cancel()
		}
	}}

	_, err := f.pipeline(WithSerializer(ser)).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{"rx://1"}, f.keys(t, DefinitionsCategory(artifact.KindObservable)))
	_, ok := f.log.LastMarker()
	assert.False(t, ok, "marker must not move on cancellation")
}

func TestCheckpointWritesCanaries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.pipeline().Run(ctx)
	require.NoError(t, err)

	for _, kind := range CanaryKinds {
		data, err := f.st.Get(ctx, DefinitionsCategory(kind), CanaryURI(kind))
		require.NoError(t, err, kind.String())
		assert.True(t, VerifyCanary(kind, data))
	}
	_, err = f.st.Get(ctx, DefinitionsCategory(artifact.KindStream), CanaryURI(artifact.KindStream))
	assert.ErrorIs(t, err, store.ErrNotFound)

	g := newFixture(t)
	_, err = g.pipeline(WithCanary(false)).Run(ctx)
	require.NoError(t, err)
	_, err = g.st.Get(ctx, DefinitionsCategory(artifact.KindObservable), CanaryURI(artifact.KindObservable))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCheckpointPrunesRemovedEntities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, artifact.KindObserver, "rx://a")
	f.add(t, artifact.KindObserver, "rx://b")
	require.NoError(t, f.reg.SetState(artifact.KindObserver, "rx://b", []byte("st")))

	p := f.pipeline()
	_, err := p.Run(ctx)
	require.NoError(t, err)

	_, err = f.reg.Remove(ctx, artifact.KindObserver, "rx://b")
	require.NoError(t, err)

	report, err := p.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Pruned)
	assert.Equal(t, []string{"rx://a"}, f.keys(t, DefinitionsCategory(artifact.KindObserver)))
	assert.Empty(t, f.keys(t, StateCategory(artifact.KindObserver)))
}

func TestDifferentialCheckpointSkipsUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.add(t, artifact.KindObservable, "rx://a")
	f.add(t, artifact.KindObservable, "rx://b")

	p := f.pipeline(WithMode(ModeDifferential))
	first, err := p.Run(ctx)
	require.NoError(t, err)
	cr, _ := first.Category(artifact.KindObservable, PhaseDefinitions)
	assert.Zero(t, cr.Unchanged)

	f.add(t, artifact.KindObservable, "rx://c")
	second, err := p.Run(ctx)
	require.NoError(t, err)
	cr, _ = second.Category(artifact.KindObservable, PhaseDefinitions)
	assert.Equal(t, 3, cr.Total)
	assert.Equal(t, 2, cr.Unchanged)

	full, err := f.pipeline(WithMode(ModeFull)).Run(ctx)
	require.NoError(t, err)
	cr, _ = full.Category(artifact.KindObservable, PhaseDefinitions)
	assert.Zero(t, cr.Unchanged)
}

func TestCheckpointCommitsMarkerThenPurgesLog(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, uri := range []string{"rx://1", "rx://2", "rx://3"} {
		f.add(t, artifact.KindObservable, uri)
	}

	l := &listener{}
	report, err := f.pipeline(WithListener(l)).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, uint64(3), report.Version)
	assert.NoError(t, report.LogGCErr)
	assert.Equal(t, 2, report.LogGC.Reclaimed)
	assert.Equal(t, 1, f.log.Stats().Retained)

	require.Len(t, l.reports, 1)
	assert.Same(t, report, l.reports[0])
	assert.Equal(t, 1, f.rec.Count(telemetry.EventCheckpointCompleted))
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("differential")
	require.NoError(t, err)
	assert.Equal(t, ModeDifferential, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)
	_, err = ParseMode("sometimes")
	assert.Error(t, err)
}

func TestStateFrame(t *testing.T) {
	framed := EncodeState([]byte("payload"))
	got, err := DecodeState(framed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	framed[len(framed)-1] ^= 0xff
	_, err = DecodeState(framed)
	assert.ErrorIs(t, err, ErrStateCorrupted)

	_, err = DecodeState([]byte{1, 2})
	assert.ErrorIs(t, err, ErrStateCorrupted)

	empty, err := DecodeState(EncodeState(nil))
	require.NoError(t, err)
	assert.Empty(t, empty)
}
