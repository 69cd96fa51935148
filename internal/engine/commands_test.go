package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reaqtor/internal/artifact"
)

func TestParseVerb(t *testing.T) {
	v, err := ParseVerb("NEW")
	require.NoError(t, err)
	assert.Equal(t, VerbNew, v)

	_, err = ParseVerb("update")
	assert.ErrorIs(t, err, ErrUnknownVerb)
}

func TestDispatch(t *testing.T) {
	e := startedEngine(t, setupTestStore(t))
	ctx := context.Background()

	res, err := e.Dispatch(ctx, Command{
		Verb:       VerbNew,
		Noun:       artifact.KindObservable,
		URI:        "rx://o",
		Definition: def("o"),
	})
	require.NoError(t, err)
	assert.Equal(t, "rx://o", res.Artifact.URI)

	res, err = e.Dispatch(ctx, Command{Verb: VerbGet, Noun: artifact.KindObservable, URI: "rx://o"})
	require.NoError(t, err)
	assert.True(t, res.Found)

	res, err = e.Dispatch(ctx, Command{Verb: VerbRemove, Noun: artifact.KindObservable, URI: "rx://o"})
	require.NoError(t, err)
	assert.True(t, res.Removed)

	res, err = e.Dispatch(ctx, Command{Verb: VerbGet, Noun: artifact.KindObservable, URI: "rx://o"})
	require.NoError(t, err)
	assert.False(t, res.Found)
}

func TestDispatchErrors(t *testing.T) {
	e := startedEngine(t, setupTestStore(t))
	ctx := context.Background()

	_, err := e.Dispatch(ctx, Command{Verb: VerbNew, Noun: artifact.KindObservable, URI: "rx://o", Definition: def("o")})
	require.NoError(t, err)

	_, err = e.Dispatch(ctx, Command{Verb: VerbNew, Noun: artifact.KindObservable, URI: "rx://o", Definition: def("o")})
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, VerbNew, cmdErr.Verb)
	assert.Equal(t, "rx://o", cmdErr.URI)
	assert.True(t, artifact.IsDuplicateKey(err))
	assert.Contains(t, err.Error(), "new observable rx://o")

	_, err = e.Dispatch(ctx, Command{Verb: "rename", Noun: artifact.KindObservable, URI: "rx://o"})
	assert.ErrorIs(t, err, ErrUnknownVerb)

	_, err = e.Dispatch(ctx, Command{Verb: VerbGet, Noun: artifact.KindObservable})
	assert.Error(t, err)
}
