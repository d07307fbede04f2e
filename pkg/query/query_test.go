package query

import (
	"context"
	"testing"

	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/embedtext"
	"github.com/cuemby/lattice/pkg/entitystore"
	"github.com/cuemby/lattice/pkg/graphindex"
	"github.com/cuemby/lattice/pkg/hnsw"
	"github.com/cuemby/lattice/pkg/metaindex"
	"github.com/cuemby/lattice/pkg/objectstore"
	"github.com/cuemby/lattice/pkg/types"
	"github.com/cuemby/lattice/pkg/writebuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	entities *entitystore.Store
	meta     *metaindex.Index
	graph    *graphindex.Index
	vectors  *hnsw.TypedIndex
	wb       *writebuffer.WriteBuffer
	planner  *Planner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := objectstore.NewMemoryStore()
	c := cache.New(store)
	wbCfg := config.WriteConfig{MaxBufferSize: 100, FlushIntervalMs: 10_000, MinFlushSize: 10, MaxRetries: 3}
	wb := writebuffer.New(store, wbCfg, writebuffer.NewBackpressure())

	entities := entitystore.New(store, c, wb)
	meta := metaindex.New(c, wb, config.IndexConfig{})
	graph := graphindex.New(c, wb)
	hnswCfg := config.HNSWConfig{M: 4, EfConstruction: 32, EfSearch: 16, MaxConcurrentNeighborWrites: 4, TypeAware: true}
	vectors := hnsw.NewTypedIndex(c, "main", hnswCfg, entities)
	embedder := embedtext.NewHashing(6)

	return &harness{
		entities: entities,
		meta:     meta,
		graph:    graph,
		vectors:  vectors,
		wb:       wb,
		planner:  New(entities, meta, graph, vectors, embedder),
	}
}

func (h *harness) addNoun(t *testing.T, ctx context.Context, n *types.Noun) {
	t.Helper()
	require.NoError(t, h.entities.SaveNoun(ctx, "main", n))
	require.NoError(t, h.meta.Add(ctx, "main", n.ID, metaindex.Record{Type: string(n.Type), Service: n.Service, Metadata: n.Metadata}))
	if len(n.Vector) > 0 {
		require.NoError(t, h.vectors.Insert(ctx, string(n.Type), n.ID, n.Vector))
	}
}

func (h *harness) addVerb(t *testing.T, ctx context.Context, v *types.Verb) {
	t.Helper()
	require.NoError(t, h.entities.SaveVerb(ctx, "main", v))
	require.NoError(t, h.graph.Add(ctx, "main", v))
}

func TestExecutePureFilterByType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addNoun(t, ctx, &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Null})
	h.addNoun(t, ctx, &types.Noun{ID: "d1", Type: types.NounDocument, Metadata: types.Null})
	h.wb.ForceFlush(ctx)

	results, err := h.planner.Execute(ctx, "main", Query{Type: string(types.NounPerson), Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p1", results[0].ID)
	assert.Equal(t, float32(1.0), results[0].Score)
}

func TestExecuteWhereFilter(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addNoun(t, ctx, &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"city": types.Str("nyc")})})
	h.addNoun(t, ctx, &types.Noun{ID: "p2", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"city": types.Str("sf")})})
	h.wb.ForceFlush(ctx)

	where := metaindex.Eq("city", types.Str("nyc"))
	results, err := h.planner.Execute(ctx, "main", Query{Where: &where, Limit: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p1", results[0].ID)
}

func TestExecuteConnectedBFS(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addNoun(t, ctx, &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Null})
	h.addNoun(t, ctx, &types.Noun{ID: "p2", Type: types.NounPerson, Metadata: types.Null})
	h.addNoun(t, ctx, &types.Noun{ID: "p3", Type: types.NounPerson, Metadata: types.Null})
	h.addVerb(t, ctx, &types.Verb{ID: "v1", SourceID: "p1", TargetID: "p2", Type: types.VerbWorksFor})
	h.addVerb(t, ctx, &types.Verb{ID: "v2", SourceID: "p2", TargetID: "p3", Type: types.VerbWorksFor})
	h.wb.ForceFlush(ctx)

	results, err := h.planner.Execute(ctx, "main", Query{
		Connected: &Connected{From: "p1", Depth: 1},
		Limit:     10,
	})
	require.NoError(t, err)
	ids := idsOf(results)
	assert.ElementsMatch(t, []string{"p2"}, ids)

	results, err = h.planner.Execute(ctx, "main", Query{
		Connected: &Connected{From: "p1", Depth: 2},
		Limit:     10,
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p2", "p3"}, idsOf(results))
}

func TestExecuteConnectedAndFilterIntersect(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addNoun(t, ctx, &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Null})
	h.addNoun(t, ctx, &types.Noun{ID: "p2", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"active": types.Bool(true)})})
	h.addNoun(t, ctx, &types.Noun{ID: "p3", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"active": types.Bool(false)})})
	h.addVerb(t, ctx, &types.Verb{ID: "v1", SourceID: "p1", TargetID: "p2", Type: types.VerbWorksFor})
	h.addVerb(t, ctx, &types.Verb{ID: "v2", SourceID: "p1", TargetID: "p3", Type: types.VerbWorksFor})
	h.wb.ForceFlush(ctx)

	where := metaindex.Eq("active", types.Bool(true))
	results, err := h.planner.Execute(ctx, "main", Query{
		Connected: &Connected{From: "p1", Depth: 1},
		Where:     &where,
		Limit:     10,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "p2", results[0].ID)
}

func TestExecuteSimilarRanksByDistance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addNoun(t, ctx, &types.Noun{ID: "p1", Type: types.NounPerson, Vector: []float32{1, 0, 0, 0, 0, 0}, Metadata: types.Null})
	h.addNoun(t, ctx, &types.Noun{ID: "p2", Type: types.NounPerson, Vector: []float32{0, 1, 0, 0, 0, 0}, Metadata: types.Null})
	h.wb.ForceFlush(ctx)

	results, err := h.planner.Execute(ctx, "main", Query{Similar: []float32{1, 0, 0, 0, 0, 0}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "p1", results[0].ID)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestExecuteLikeUsesEmbedder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.addNoun(t, ctx, &types.Noun{ID: "d1", Type: types.NounDocument, Vector: []float32{0.3, 0.1, 0.2, 0.4, 0.1, 0.2}, Metadata: types.Null})
	h.wb.ForceFlush(ctx)

	results, err := h.planner.Execute(ctx, "main", Query{Like: "quarterly report draft", Limit: 5})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "d1", results[0].ID)
}

func TestExecuteLikeWithoutEmbedderFails(t *testing.T) {
	h := newHarness(t)
	h.planner = New(h.entities, h.meta, h.graph, h.vectors, nil)

	_, err := h.planner.Execute(context.Background(), "main", Query{Like: "anything"})
	assert.Error(t, err)
}

func TestExecuteOffsetAndLimitPaginate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for i, id := range []string{"a1", "a2", "a3"} {
		h.addNoun(t, ctx, &types.Noun{ID: id, Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"rank": types.Num(float64(i))})})
	}
	h.wb.ForceFlush(ctx)

	page1, err := h.planner.Execute(ctx, "main", Query{Type: string(types.NounPerson), Limit: 2, Offset: 0})
	require.NoError(t, err)
	assert.Len(t, page1, 2)

	page2, err := h.planner.Execute(ctx, "main", Query{Type: string(types.NounPerson), Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, page2, 1)

	assert.NotEqual(t, page1[0].ID, page2[0].ID)
}

func TestExecuteEmptyBranchReturnsEmptySlice(t *testing.T) {
	h := newHarness(t)
	results, err := h.planner.Execute(context.Background(), "main", Query{Type: string(types.NounPerson)})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func idsOf(results []Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.ID
	}
	return ids
}
