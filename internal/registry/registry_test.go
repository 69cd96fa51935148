package registry

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reaqtor/internal/artifact"
	"github.com/roach88/reaqtor/internal/telemetry"
)

type journalEntry struct {
	op   artifact.Op
	kind artifact.Kind
	id   string
}

// memJournal records calls and optionally fails them.
type memJournal struct {
	mu      sync.Mutex
	entries []journalEntry
	fail    error
}

func (j *memJournal) Record(_ context.Context, op artifact.Op, kind artifact.Kind, id string, _ []byte) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail != nil {
		return 0, j.fail
	}
	j.entries = append(j.entries, journalEntry{op, kind, id})
	return uint64(len(j.entries)), nil
}

func def(expr string, uses ...string) artifact.Definition {
	return artifact.Definition{Expression: expr, Uses: uses}
}

func TestAddJournalsBeforeApplying(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	r := New(WithJournal(j))

	a, err := r.Add(ctx, artifact.KindObservable, "rx://xs", def("range(10)"))
	require.NoError(t, err)
	assert.Equal(t, "rx://xs", a.URI)
	assert.Equal(t, []journalEntry{{artifact.OpCreate, artifact.KindObservable, "rx://xs"}}, j.entries)

	got, ok := r.TryGet(artifact.KindObservable, "rx://xs")
	require.True(t, ok)
	assert.Equal(t, "range(10)", got.Definition.Expression)
}

func TestAddDuplicateKey(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	r := New(WithJournal(j))

	_, err := r.Add(ctx, artifact.KindObservable, "rx://xs", def("a"))
	require.NoError(t, err)

	_, err = r.Add(ctx, artifact.KindObservable, "rx://xs", def("b"))
	require.Error(t, err)
	assert.True(t, artifact.IsDuplicateKey(err))
	assert.ErrorIs(t, err, artifact.ErrDuplicateKey)
	assert.Len(t, j.entries, 1, "rejected add must not be journaled")

	got, _ := r.TryGet(artifact.KindObservable, "rx://xs")
	assert.Equal(t, "a", got.Definition.Expression)
}

func TestSameURIDifferentKinds(t *testing.T) {
	ctx := context.Background()
	r := New()

	_, err := r.Add(ctx, artifact.KindObservable, "rx://x", def("a"))
	require.NoError(t, err)
	_, err = r.Add(ctx, artifact.KindObserver, "rx://x", def("b"))
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.Len(t, r.Snapshot().Lookup("rx://x"), 2)
}

func TestAddJournalFailureLeavesRegistryUnchanged(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{fail: errors.New("log full")}
	r := New(WithJournal(j))

	_, err := r.Add(ctx, artifact.KindSubscription, "rx://sub", def("xs.subscribe(o)"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log full")

	_, ok := r.TryGet(artifact.KindSubscription, "rx://sub")
	assert.False(t, ok)
	assert.Zero(t, r.Len())
}

func TestAddRejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	r := New()

	_, err := r.Add(ctx, artifact.KindObservable, "", def("a"))
	assert.Error(t, err)
	_, err = r.Add(ctx, artifact.Kind(0), "rx://x", def("a"))
	assert.Error(t, err)
	_, err = r.Add(ctx, artifact.KindObservable, "rx://x", artifact.Definition{})
	assert.Error(t, err)
	assert.Zero(t, r.Len())
}

func TestPlaceholderIsSuperseded(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	r := New(WithJournal(j))

	require.NoError(t, r.AddPlaceholder(ctx, artifact.KindObservable, "rx://p", "unresolved"))
	p, ok := r.TryGet(artifact.KindObservable, "rx://p")
	require.True(t, ok)
	assert.True(t, p.Placeholder)
	assert.Equal(t, "unresolved", p.Reason)

	err := r.AddPlaceholder(ctx, artifact.KindObservable, "rx://p", "again")
	assert.True(t, artifact.IsDuplicateKey(err))

	_, err = r.Add(ctx, artifact.KindObservable, "rx://p", def("real"))
	require.NoError(t, err)

	got, _ := r.TryGet(artifact.KindObservable, "rx://p")
	assert.False(t, got.Placeholder)
	assert.Equal(t, "real", got.Definition.Expression)
	assert.Equal(t, []journalEntry{
		{artifact.OpCreate, artifact.KindObservable, "rx://p"},
		{artifact.OpUpdate, artifact.KindObservable, "rx://p"},
	}, j.entries)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	r := New(WithJournal(j))

	_, err := r.Add(ctx, artifact.KindObserver, "rx://o", def("sink"))
	require.NoError(t, err)

	removed, err := r.Remove(ctx, artifact.KindObserver, "rx://o")
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok := r.TryGet(artifact.KindObserver, "rx://o")
	assert.False(t, ok)
	assert.Equal(t, artifact.OpDelete, j.entries[1].op)
}

func TestRemoveMissingKeyWarns(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	rec := &telemetry.Recorder{}
	r := New(WithJournal(j), WithSink(rec))

	removed, err := r.Remove(ctx, artifact.KindObserver, "rx://missing")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Empty(t, j.entries)

	events := rec.Named(telemetry.EventStateOperationWarning)
	require.Len(t, events, 1)
	uri, ok := events[0].Attr("uri")
	require.True(t, ok)
	assert.Equal(t, "rx://missing", uri.String())
}

func TestRemoveJournalFailureKeepsEntity(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	r := New(WithJournal(j))

	_, err := r.Add(ctx, artifact.KindObserver, "rx://o", def("sink"))
	require.NoError(t, err)

	j.fail = errors.New("io")
	_, err = r.Remove(ctx, artifact.KindObserver, "rx://o")
	require.Error(t, err)

	_, ok := r.TryGet(artifact.KindObserver, "rx://o")
	assert.True(t, ok)
}

func TestReadsReturnCopies(t *testing.T) {
	ctx := context.Background()
	r := New()

	_, err := r.Add(ctx, artifact.KindObservable, "rx://xs", def("a", "rx://dep"))
	require.NoError(t, err)
	require.NoError(t, r.SetState(artifact.KindObservable, "rx://xs", []byte("s1")))

	got, _ := r.TryGet(artifact.KindObservable, "rx://xs")
	got.Definition.Uses[0] = "mutated"
	got.State[0] = 'X'

	snap := r.Snapshot()
	again, _ := snap.Get(artifact.KindObservable, "rx://xs")
	assert.Equal(t, []string{"rx://dep"}, again.Definition.Uses)
	assert.Equal(t, []byte("s1"), again.State)

	// Later mutations do not show up in an existing snapshot.
	_, err = r.Add(ctx, artifact.KindObservable, "rx://ys", def("b"))
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, 2, r.Len())
}

func TestEntitiesOrderedByURI(t *testing.T) {
	ctx := context.Background()
	r := New()
	for _, uri := range []string{"rx://c", "rx://a", "rx://b"} {
		_, err := r.Add(ctx, artifact.KindStream, uri, def("subject"))
		require.NoError(t, err)
	}

	var uris []string
	for _, a := range r.Entities(artifact.KindStream) {
		uris = append(uris, a.URI)
	}
	assert.Equal(t, []string{"rx://a", "rx://b", "rx://c"}, uris)
	assert.Equal(t, 3, r.Counts()[artifact.KindStream])
	assert.Zero(t, r.Counts()[artifact.KindObserver])
}

func TestSnapshotAllInKindOrder(t *testing.T) {
	ctx := context.Background()
	r := New()
	_, err := r.Add(ctx, artifact.KindSubscription, "rx://s", def("s"))
	require.NoError(t, err)
	_, err = r.Add(ctx, artifact.KindObservable, "rx://o", def("o"))
	require.NoError(t, err)

	all := r.Snapshot().All()
	require.Len(t, all, 2)
	assert.Equal(t, artifact.KindObservable, all[0].Kind)
	assert.Equal(t, artifact.KindSubscription, all[1].Kind)
}

func TestSetStateAndRuntimeRequireEntity(t *testing.T) {
	r := New()
	err := r.SetState(artifact.KindObserver, "rx://none", []byte("x"))
	assert.True(t, artifact.IsNotFound(err))
	err = r.SetRuntime(artifact.KindObserver, "rx://none", nil)
	assert.True(t, artifact.IsNotFound(err))
}

func TestRestoreAndEvictAreNotJournaled(t *testing.T) {
	j := &memJournal{}
	r := New(WithJournal(j))

	require.NoError(t, r.Restore(&artifact.Artifact{
		URI:        "rx://xs",
		Kind:       artifact.KindObservable,
		Definition: def("a"),
		State:      []byte("st"),
	}))
	got, ok := r.TryGet(artifact.KindObservable, "rx://xs")
	require.True(t, ok)
	assert.Equal(t, []byte("st"), got.State)

	assert.True(t, r.Evict(artifact.KindObservable, "rx://xs"))
	assert.False(t, r.Evict(artifact.KindObservable, "rx://xs"))
	assert.Empty(t, j.entries)
}

func TestApplyRecord(t *testing.T) {
	r := New()
	payload, err := artifact.EncodeRecord(&artifact.Artifact{
		URI: "rx://xs", Kind: artifact.KindObservable, Definition: def("v1"),
	})
	require.NoError(t, err)

	require.NoError(t, r.ApplyRecord(artifact.OpCreate, artifact.KindObservable, "rx://xs", payload))
	require.NoError(t, r.SetState(artifact.KindObservable, "rx://xs", []byte("kept")))

	payload2, err := artifact.EncodeRecord(&artifact.Artifact{
		URI: "rx://xs", Kind: artifact.KindObservable, Definition: def("v2"),
	})
	require.NoError(t, err)
	require.NoError(t, r.ApplyRecord(artifact.OpUpdate, artifact.KindObservable, "rx://xs", payload2))

	got, _ := r.TryGet(artifact.KindObservable, "rx://xs")
	assert.Equal(t, "v2", got.Definition.Expression)
	assert.Equal(t, []byte("kept"), got.State)

	require.NoError(t, r.ApplyRecord(artifact.OpDelete, artifact.KindObservable, "rx://xs", nil))
	assert.Zero(t, r.Len())

	err = r.ApplyRecord(artifact.OpDelete, artifact.KindObservable, "rx://xs", nil)
	assert.True(t, artifact.IsNotFound(err))

	err = r.ApplyRecord(artifact.OpCreate, artifact.KindObservable, "rx://bad", []byte("{"))
	assert.ErrorIs(t, err, artifact.ErrSerialization)

	// Payload for a different key is rejected.
	err = r.ApplyRecord(artifact.OpCreate, artifact.KindObservable, "rx://other", payload)
	assert.Error(t, err)
}

func TestBatchRemovesAtomically(t *testing.T) {
	ctx := context.Background()
	j := &memJournal{}
	r := New(WithJournal(j))
	for _, uri := range []string{"rx://a", "rx://b"} {
		_, err := r.Add(ctx, artifact.KindObservable, uri, def("x"))
		require.NoError(t, err)
	}

	err := r.Batch(ctx, func(tx *Tx) error {
		assert.Len(t, tx.All(), 2)
		_, ok := tx.Get(artifact.KindObservable, "rx://a")
		assert.True(t, ok)
		removed, err := tx.Remove(artifact.KindObservable, "rx://a")
		assert.True(t, removed)
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, 1, r.Len())
	assert.Equal(t, artifact.OpDelete, j.entries[len(j.entries)-1].op)
}

func TestConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	r := New(WithJournal(&memJournal{}))

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Add(ctx, artifact.KindObservable, "rx://same", def("x"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			assert.True(t, artifact.IsDuplicateKey(err))
		}
	}
	assert.Equal(t, 1, ok)
}
