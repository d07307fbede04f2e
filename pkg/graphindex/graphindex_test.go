package graphindex

import (
	"context"
	"testing"

	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/objectstore"
	"github.com/cuemby/lattice/pkg/types"
	"github.com/cuemby/lattice/pkg/writebuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndex() *Index {
	store := objectstore.NewMemoryStore()
	c := cache.New(store)
	wb := writebuffer.New(store, config.WriteConfig{MaxBufferSize: 100, FlushIntervalMs: 10_000, MinFlushSize: 10, MaxRetries: 3}, writebuffer.NewBackpressure())
	return New(c, wb)
}

func TestAddAndGetRelationsBySourceAndTarget(t *testing.T) {
	idx := newTestIndex()
	ctx := context.Background()

	v1 := &types.Verb{ID: "v1", SourceID: "n1", TargetID: "n2", Type: types.VerbRelatesTo}
	v2 := &types.Verb{ID: "v2", SourceID: "n1", TargetID: "n3", Type: types.VerbManages}
	require.NoError(t, idx.Add(ctx, "main", v1))
	require.NoError(t, idx.Add(ctx, "main", v2))

	ids, err := idx.GetRelations(ctx, "main", Query{From: "n1"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v1", "v2"}, ids)

	ids, err = idx.GetRelations(ctx, "main", Query{To: "n2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, ids)
}

func TestGetRelationsUsesCombinedPostingWhenTypeGiven(t *testing.T) {
	idx := newTestIndex()
	ctx := context.Background()

	v1 := &types.Verb{ID: "v1", SourceID: "n1", TargetID: "n2", Type: types.VerbRelatesTo}
	v2 := &types.Verb{ID: "v2", SourceID: "n1", TargetID: "n3", Type: types.VerbManages}
	require.NoError(t, idx.Add(ctx, "main", v1))
	require.NoError(t, idx.Add(ctx, "main", v2))

	ids, err := idx.GetRelations(ctx, "main", Query{From: "n1", Type: string(types.VerbManages)})
	require.NoError(t, err)
	assert.Equal(t, []string{"v2"}, ids)
}

func TestRemoveDropsFromAllThreePostings(t *testing.T) {
	idx := newTestIndex()
	ctx := context.Background()

	v1 := &types.Verb{ID: "v1", SourceID: "n1", TargetID: "n2", Type: types.VerbRelatesTo}
	require.NoError(t, idx.Add(ctx, "main", v1))
	require.NoError(t, idx.Remove(ctx, "main", v1))

	ids, err := idx.GetRelations(ctx, "main", Query{From: "n1"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = idx.GetRelations(ctx, "main", Query{To: "n2"})
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = idx.GetRelations(ctx, "main", Query{From: "n1", Type: string(types.VerbRelatesTo)})
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestGetRelationsRequiresFromOrTo(t *testing.T) {
	idx := newTestIndex()
	_, err := idx.GetRelations(context.Background(), "main", Query{})
	assert.Error(t, err)
}

func TestRebuildClearsStaleVerbsNotInNewSet(t *testing.T) {
	idx := newTestIndex()
	ctx := context.Background()

	stale := &types.Verb{ID: "stale", SourceID: "n1", TargetID: "n2", Type: types.VerbRelatesTo}
	require.NoError(t, idx.Add(ctx, "main", stale))

	fresh := &types.Verb{ID: "fresh", SourceID: "n1", TargetID: "n4", Type: types.VerbOwns}
	require.NoError(t, idx.Rebuild(ctx, "main", []*types.Verb{fresh}))

	ids, err := idx.GetRelations(ctx, "main", Query{From: "n1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, ids)

	ids, err = idx.GetRelations(ctx, "main", Query{To: "n2"})
	require.NoError(t, err)
	assert.Empty(t, ids)
}
