package hnsw

import (
	"container/heap"
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/config"
)

// allGraphKey is the shared, not-type-partitioned graph's typeKey, used
// when cfg.TypeAware is false, or to answer a query that doesn't name a
// single noun type.
const allGraphKey = "all"

// TypedIndex holds one Graph per noun type plus a shared "all" graph,
// mirroring the data model's per-type HNSW system files. When the
// engine is configured type-aware, inserts go only to the type-specific
// graph and the shared one is left unused; Find queries that name a
// single type search that graph directly, and cross-type queries fan
// out across the graphs of the types they name and merge results by
// distance. When not type-aware, every operation uses the shared graph.
type TypedIndex struct {
	mu        sync.RWMutex
	graphs    map[string]*Graph
	cache     *cache.Cache
	branch    string
	params    Params
	persister NodePersister
	typeAware bool
}

// NewTypedIndex creates an empty TypedIndex over branch.
func NewTypedIndex(c *cache.Cache, branch string, cfg config.HNSWConfig, persister NodePersister) *TypedIndex {
	return &TypedIndex{
		graphs:    make(map[string]*Graph),
		cache:     c,
		branch:    branch,
		params:    ParamsFromConfig(cfg),
		persister: persister,
		typeAware: cfg.TypeAware,
	}
}

// graphFor returns (creating and lazily Load-ing if needed) the Graph
// for typeKey, or the shared "all" graph when typeAware is disabled.
func (t *TypedIndex) graphFor(ctx context.Context, typeKey string) (*Graph, error) {
	key := typeKey
	if !t.typeAware {
		key = allGraphKey
	}

	t.mu.RLock()
	g, ok := t.graphs[key]
	t.mu.RUnlock()
	if ok {
		return g, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if g, ok := t.graphs[key]; ok {
		return g, nil
	}
	g, err := Load(ctx, t.cache, t.branch, key, t.params, t.persister)
	if err != nil {
		return nil, fmt.Errorf("hnsw: load graph %s: %w", key, err)
	}
	t.graphs[key] = g
	return g, nil
}

// Insert adds id/vector under nounType's graph (or the shared graph when
// type-unaware).
func (t *TypedIndex) Insert(ctx context.Context, nounType, id string, vector []float32) error {
	g, err := t.graphFor(ctx, nounType)
	if err != nil {
		return err
	}
	return g.Insert(ctx, id, vector)
}

// Delete tombstones id in nounType's graph.
func (t *TypedIndex) Delete(ctx context.Context, nounType, id string) error {
	g, err := t.graphFor(ctx, nounType)
	if err != nil {
		return err
	}
	return g.Delete(ctx, id)
}

// SearchType runs SearchKNN against a single type's graph.
func (t *TypedIndex) SearchType(ctx context.Context, nounType string, query []float32, k int) ([]Result, error) {
	g, err := t.graphFor(ctx, nounType)
	if err != nil {
		return nil, err
	}
	return g.SearchKNN(query, k), nil
}

// SearchTypeAmong runs SearchAmong against a single type's graph.
func (t *TypedIndex) SearchTypeAmong(ctx context.Context, nounType string, query []float32, allowed map[string]struct{}, k, linearScanThreshold int) ([]Result, error) {
	g, err := t.graphFor(ctx, nounType)
	if err != nil {
		return nil, err
	}
	return g.SearchAmong(query, allowed, k, linearScanThreshold), nil
}

// SearchAllTypes fans a query out across the graphs of nounTypes (loading
// any not yet loaded) and merges the per-graph top-k results by ascending
// distance via a k-way heap merge, so the overall result is globally
// ranked rather than just concatenated per type.
func (t *TypedIndex) SearchAllTypes(ctx context.Context, nounTypes []string, query []float32, k int) ([]Result, error) {
	if !t.typeAware {
		g, err := t.graphFor(ctx, allGraphKey)
		if err != nil {
			return nil, err
		}
		return g.SearchKNN(query, k), nil
	}

	perType := make([][]Result, 0, len(nounTypes))
	for _, nt := range nounTypes {
		g, err := t.graphFor(ctx, nt)
		if err != nil {
			return nil, err
		}
		perType = append(perType, g.SearchKNN(query, k))
	}
	return mergeRanked(perType, k), nil
}

// SearchAllTypesAmong is SearchAllTypes restricted to allowed, for
// callers (pkg/query) that have already narrowed the candidate set via a
// metadata filter or graph-adjacency constraint and need a cross-type
// vector ranking over just those ids.
func (t *TypedIndex) SearchAllTypesAmong(ctx context.Context, nounTypes []string, query []float32, allowed map[string]struct{}, k, linearScanThreshold int) ([]Result, error) {
	if !t.typeAware {
		g, err := t.graphFor(ctx, allGraphKey)
		if err != nil {
			return nil, err
		}
		return g.SearchAmong(query, allowed, k, linearScanThreshold), nil
	}

	perType := make([][]Result, 0, len(nounTypes))
	for _, nt := range nounTypes {
		g, err := t.graphFor(ctx, nt)
		if err != nil {
			return nil, err
		}
		perType = append(perType, g.SearchAmong(query, allowed, k, linearScanThreshold))
	}
	return mergeRanked(perType, k), nil
}

// mergeSource tracks one per-type result slice's read position for the
// k-way merge below.
type mergeSource struct {
	results []Result
	pos     int
}

// mergeHeapItem is one candidate drawn from a source, ordered by
// distance so the heap root is always the globally-next-best result.
type mergeHeapItem struct {
	result   Result
	srcIndex int
}

type mergeHeap []mergeHeapItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return h[i].result.Distance < h[j].result.Distance }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(mergeHeapItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeRanked k-way merges already-sorted-ascending result slices into a
// single ascending-by-distance slice truncated to k, deduplicating an id
// that (with one graph per type this never happens, but defensively)
// appears in more than one source.
func mergeRanked(sources [][]Result, k int) []Result {
	srcs := make([]*mergeSource, len(sources))
	h := &mergeHeap{}
	for i, s := range sources {
		srcs[i] = &mergeSource{results: s}
		if len(s) > 0 {
			*h = append(*h, mergeHeapItem{result: s[0], srcIndex: i})
			srcs[i].pos = 1
		}
	}
	heap.Init(h)

	seen := make(map[string]struct{})
	out := make([]Result, 0, k)
	for h.Len() > 0 && len(out) < k {
		item := heap.Pop(h).(mergeHeapItem)
		src := srcs[item.srcIndex]
		if src.pos < len(src.results) {
			heap.Push(h, mergeHeapItem{result: src.results[src.pos], srcIndex: item.srcIndex})
			src.pos++
		}
		if _, dup := seen[item.result.ID]; dup {
			continue
		}
		seen[item.result.ID] = struct{}{}
		out = append(out, item.result)
	}
	return out
}

// Compact runs Graph.Compact over every currently-loaded graph.
func (t *TypedIndex) Compact(ctx context.Context) error {
	t.mu.RLock()
	graphs := make([]*Graph, 0, len(t.graphs))
	for _, g := range t.graphs {
		graphs = append(graphs, g)
	}
	t.mu.RUnlock()

	for _, g := range graphs {
		if err := g.Compact(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Fork derives a child TypedIndex over childBranch whose graphs delegate
// to this index's graphs via Graph.Fork, for every type already loaded.
func (t *TypedIndex) Fork(childBranch string) *TypedIndex {
	t.mu.RLock()
	defer t.mu.RUnlock()

	child := &TypedIndex{
		graphs:    make(map[string]*Graph, len(t.graphs)),
		cache:     t.cache,
		branch:    childBranch,
		params:    t.params,
		persister: t.persister,
		typeAware: t.typeAware,
	}
	for key, g := range t.graphs {
		child.graphs[key] = g.Fork(childBranch)
	}
	return child
}
