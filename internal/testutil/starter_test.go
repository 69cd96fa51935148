package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reaqtor/internal/artifact"
)

func TestFakeStarter(t *testing.T) {
	ctx := context.Background()
	s := NewFakeStarter()
	a := &artifact.Artifact{URI: "rx://a", Kind: artifact.KindSubscription}
	b := &artifact.Artifact{URI: "rx://b", Kind: artifact.KindSubscription}

	rt, err := s.Start(ctx, a)
	require.NoError(t, err)
	assert.Nil(t, rt)

	s.FailOn("rx://b", nil)
	_, err = s.Start(ctx, b)
	assert.ErrorIs(t, err, ErrInjectedStart)

	boom := errors.New("boom")
	s.FailOn("rx://b", boom)
	_, err = s.Start(ctx, b)
	assert.ErrorIs(t, err, boom)

	s.Clear("rx://b")
	_, err = s.Start(ctx, b)
	require.NoError(t, err)

	assert.Equal(t, []string{"rx://a", "rx://b"}, s.Started())
	assert.Equal(t, 3, s.Attempts("rx://b"))

	s.Reset()
	assert.Empty(t, s.Started())
	assert.Zero(t, s.Attempts("rx://a"))
}
