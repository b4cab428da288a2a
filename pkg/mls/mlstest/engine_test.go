package mlstest_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/marmot/pkg/mls"
	"github.com/relves/marmot/pkg/mls/mlstest"
)

func TestEngine_MergeIsIdempotent(t *testing.T) {
	eng := mlstest.New()
	eng.Seed("g1", 4)
	ctx := context.Background()

	evo, err := eng.CreateEvolution(ctx, "g1", []mls.KeyPackage{{PubKey: "aa"}})
	require.NoError(t, err)

	first, err := eng.MergeEvolution(ctx, "g1", evo.Commit)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), first.Group.Epoch)

	// Merging the same payload again is a no-op, not an error.
	second, err := eng.MergeEvolution(ctx, "g1", evo.Commit)
	require.NoError(t, err)
	assert.Equal(t, first.Group.Epoch, second.Group.Epoch)
	assert.Equal(t, first.Members, second.Members)
}

func TestEngine_EpochNeverDecreases(t *testing.T) {
	eng := mlstest.New()
	eng.Seed("g1", 0)
	ctx := context.Background()

	last := uint64(0)
	for i := 0; i < 5; i++ {
		evo, err := eng.CreateEvolution(ctx, "g1", nil)
		require.NoError(t, err)
		state, err := eng.MergeEvolution(ctx, "g1", evo.Commit)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, state.Group.Epoch, last)
		last = state.Group.Epoch
	}
}
