// Package hnsw implements the approximate nearest-neighbor proximity
// graph (C9): a multi-layer HNSW index over pre-normalized vectors,
// using pkg/types' cosine distance, with copy-on-write branch forking
// mirroring pkg/cache's own EnableCOW/parent-chain design, and
// persistence delegated to pkg/entitystore's HNSW node/system calls.
//
// A forked Graph does not snapshot its parent's node map at fork time —
// the parent keeps mutating after the fork (new inserts, neighbor
// rewrites), and a frozen map reference would leak those future writes
// into every child that happened to share it. Instead each Graph holds
// a parent pointer and resolves a node by walking up the chain until it
// finds an owner; ensureCOW deep-copies a node into the local owned set
// on first mutation, the same lazy-copy contract pkg/cache uses for
// branch-scoped keys.
package hnsw

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/types"
)

// Params tunes one Graph's construction and search behavior.
type Params struct {
	M                           int
	M0                          int // max connections at layer 0, defaults to 2*M
	EfConstruction              int
	EfSearch                    int
	MaxConcurrentNeighborWrites int
}

// ParamsFromConfig derives Params from the engine's HNSW configuration,
// defaulting M0 to 2*M as the construction literature recommends.
func ParamsFromConfig(cfg config.HNSWConfig) Params {
	m0 := cfg.M * 2
	maxConcurrent := cfg.MaxConcurrentNeighborWrites
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return Params{
		M:                           cfg.M,
		M0:                          m0,
		EfConstruction:              cfg.EfConstruction,
		EfSearch:                    cfg.EfSearch,
		MaxConcurrentNeighborWrites: maxConcurrent,
	}
}

func (p Params) levelFactor() float64 {
	if p.M <= 1 {
		return 1
	}
	return 1 / math.Log(float64(p.M))
}

// node is one proximity-graph vertex: a vector plus its per-layer
// neighbor lists, up to its assigned level.
type node struct {
	id          string
	vector      []float32
	level       int
	connections map[int][]string // layer -> neighbor ids, ascending-distance order
}

func (n *node) clone() *node {
	cp := &node{id: n.id, vector: append([]float32(nil), n.vector...), level: n.level}
	cp.connections = make(map[int][]string, len(n.connections))
	for layer, ids := range n.connections {
		cp.connections[layer] = append([]string(nil), ids...)
	}
	return cp
}

// Result is one ranked match returned by a search.
type Result struct {
	ID       string
	Distance float32
}

// NodePersister is the durable-storage contract a Graph writes through;
// pkg/entitystore.Store satisfies it directly.
type NodePersister interface {
	SaveHNSWNode(ctx context.Context, branch, typeKey string, node *types.HNSWNode) error
	GetHNSWNode(ctx context.Context, branch, typeKey, id string) (*types.HNSWNode, error)
	DeleteHNSWNode(ctx context.Context, branch, typeKey, id string) error
	SaveHNSWSystem(ctx context.Context, branch, typeKey string, sys *types.HNSWSystem) error
	GetHNSWSystem(ctx context.Context, branch, typeKey string) (*types.HNSWSystem, error)
	// GetNounVector rehydrates the vector half of a node, which the HNSW
	// node file itself doesn't carry (it stores only level/connections).
	GetNounVector(ctx context.Context, branch, typeKey, id string) ([]float32, error)
}

// Graph is one HNSW proximity graph, scoped to a single branch and a
// single type partition (typeKey, "" meaning the untyped/shared graph).
type Graph struct {
	mu         sync.RWMutex
	own        map[string]*node
	tombstones map[string]struct{}
	parent     *Graph

	entryPointID string
	maxLevel     int

	params Params

	rngMu sync.Mutex
	rng   *rand.Rand

	cache     *cache.Cache
	branch    string
	typeKey   string
	persister NodePersister

	sem chan struct{}
}

// New creates an empty Graph for branch/typeKey. cache provides the
// per-node in-memory/persistence lock (a keyspace distinct from the one
// persister uses internally, so the two never contend for the same
// mutex). persister may be nil for a pure in-memory graph (tests, or a
// scratch index never meant to be durable).
func New(c *cache.Cache, branch, typeKey string, params Params, persister NodePersister) *Graph {
	return &Graph{
		own:        make(map[string]*node),
		tombstones: make(map[string]struct{}),
		params:     params,
		rng:        rand.New(rand.NewSource(rngSeed(branch, typeKey))),
		cache:      c,
		branch:     branch,
		typeKey:    typeKey,
		persister:  persister,
		sem:        make(chan struct{}, maxInt(params.MaxConcurrentNeighborWrites, 1)),
	}
}

func rngSeed(branch, typeKey string) int64 {
	h := int64(1469598103934665603)
	for _, r := range branch + "|" + typeKey {
		h ^= int64(r)
		h *= 1099511628211
	}
	return h
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Load reconstructs a Graph's system state (entry point, max level) from
// persister, leaving node bodies to be faulted in lazily via GetHNSWNode
// as lookup encounters ids it doesn't hold locally yet. A missing system
// file (fresh graph) is not an error.
func Load(ctx context.Context, c *cache.Cache, branch, typeKey string, params Params, persister NodePersister) (*Graph, error) {
	g := New(c, branch, typeKey, params, persister)
	if persister == nil {
		return g, nil
	}
	sys, err := persister.GetHNSWSystem(ctx, branch, typeKey)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return g, nil
		}
		return nil, err
	}
	g.entryPointID = sys.EntryPointID
	g.maxLevel = sys.MaxLevel
	return g, nil
}

// Fork creates a child Graph over childBranch that starts empty but
// resolves every lookup through g until the child writes its own copy
// of a node (ensureCOW). g keeps mutating independently afterward; the
// child only ever sees g's state as of the moment each lookup runs; once
// the child has its own copy of a node, g's later writes to that node
// no longer reach the child, matching branch isolation.
func (g *Graph) Fork(childBranch string) *Graph {
	g.mu.RLock()
	entry, maxLevel := g.entryPointID, g.maxLevel
	g.mu.RUnlock()

	return &Graph{
		own:          make(map[string]*node),
		tombstones:   make(map[string]struct{}),
		parent:       g,
		entryPointID: entry,
		maxLevel:     maxLevel,
		params:       g.params,
		rng:          rand.New(rand.NewSource(rngSeed(childBranch, g.typeKey))),
		cache:        g.cache,
		branch:       childBranch,
		typeKey:      g.typeKey,
		persister:    g.persister,
		sem:          make(chan struct{}, maxInt(g.params.MaxConcurrentNeighborWrites, 1)),
	}
}

func (g *Graph) lockNode(id string) func() {
	return g.cache.Lock(fmt.Sprintf("hnsw-mem/%s/%s/%s", g.branch, g.typeKey, id))
}

// lookup resolves id to its current node, checking this graph's own
// state, then its tombstones, then delegating up the parent chain, and
// finally — only at the root of the chain — fault-loading it from
// durable storage if a persister is wired in.
func (g *Graph) lookup(id string) (*node, bool) {
	g.mu.RLock()
	if _, dead := g.tombstones[id]; dead {
		g.mu.RUnlock()
		return nil, false
	}
	if n, ok := g.own[id]; ok {
		g.mu.RUnlock()
		return n, true
	}
	parent := g.parent
	g.mu.RUnlock()
	if parent != nil {
		return parent.lookup(id)
	}
	return g.loadFromPersister(id)
}

// loadFromPersister fault-loads id's topology and vector from durable
// storage into g.own, for a root graph (Load or New) that doesn't yet
// hold every node in memory.
func (g *Graph) loadFromPersister(id string) (*node, bool) {
	if g.persister == nil {
		return nil, false
	}
	ctx := context.Background()
	persisted, err := g.persister.GetHNSWNode(ctx, g.branch, g.typeKey, id)
	if err != nil {
		return nil, false
	}
	vec, err := g.persister.GetNounVector(ctx, g.branch, g.typeKey, id)
	if err != nil {
		return nil, false
	}
	n := &node{id: id, vector: vec, level: persisted.Level, connections: persisted.Connections}

	g.mu.Lock()
	if existing, ok := g.own[id]; ok {
		g.mu.Unlock()
		return existing, true
	}
	g.own[id] = n
	g.mu.Unlock()
	return n, true
}

func (g *Graph) isDeleted(id string) bool {
	g.mu.RLock()
	if _, dead := g.tombstones[id]; dead {
		g.mu.RUnlock()
		return true
	}
	if _, ok := g.own[id]; ok {
		g.mu.RUnlock()
		return false
	}
	parent := g.parent
	g.mu.RUnlock()
	if parent != nil {
		return parent.isDeleted(id)
	}
	return false
}

// ensureCOW returns g's own mutable copy of id, deep-copying it out of
// the parent chain on first write. Callers must hold lockNode(id) for
// the duration of the mutation that follows.
func (g *Graph) ensureCOW(id string) (*node, bool) {
	g.mu.Lock()
	if n, ok := g.own[id]; ok {
		g.mu.Unlock()
		return n, true
	}
	g.mu.Unlock()

	n, ok := g.lookup(id)
	if !ok {
		return nil, false
	}
	cp := n.clone()

	g.mu.Lock()
	g.own[cp.id] = cp
	delete(g.tombstones, cp.id)
	g.mu.Unlock()
	return cp, true
}

func (g *Graph) randomLevel() int {
	g.rngMu.Lock()
	r := g.rng.Float64()
	g.rngMu.Unlock()
	if r <= 0 {
		r = 1e-12
	}
	return int(math.Floor(-math.Log(r) * g.params.levelFactor()))
}

func (g *Graph) mAtLayer(layer int) int {
	if layer == 0 {
		return g.params.M0
	}
	return g.params.M
}

func dist(a, b []float32) float32 {
	return types.CosineDistance(a, b)
}

// Insert adds id/vector to the graph, wiring it into every layer up to
// its randomly assigned level via greedy upper-layer descent followed by
// a bounded beam search at each layer it participates in (steps 1-6 of
// the construction algorithm). Neighbor connections are rewritten
// concurrently, bounded by g.sem, each under its own per-node lock.
func (g *Graph) Insert(ctx context.Context, id string, vector []float32) error {
	vector = types.NormalizeVector(vector)
	level := g.randomLevel()

	unlockSelf := g.lockNode(id)
	g.mu.Lock()
	g.own[id] = &node{id: id, vector: vector, level: level, connections: make(map[int][]string)}
	delete(g.tombstones, id)
	entry, maxLevel := g.entryPointID, g.maxLevel
	becameEntry := entry == ""
	if becameEntry {
		g.entryPointID = id
		g.maxLevel = level
	}
	g.mu.Unlock()
	unlockSelf()

	if becameEntry {
		if err := g.persistNode(ctx, id); err != nil {
			return err
		}
		return g.persistSystem(ctx)
	}

	curr := []string{entry}
	for layer := maxLevel; layer > level; layer-- {
		res := g.searchLayer(vector, curr, 1, layer)
		if len(res) > 0 {
			curr = []string{res[0].id}
		}
	}

	touched := map[string]struct{}{id: {}}
	for layer := minInt(level, maxLevel); layer >= 0; layer-- {
		cands := g.searchLayer(vector, curr, g.params.EfConstruction, layer)
		if len(cands) > 0 {
			next := make([]string, 0, len(cands))
			for _, c := range cands {
				next = append(next, c.id)
			}
			curr = next
		}
		selected := selectNeighbors(vector, cands, g.mAtLayer(layer))

		if err := g.connectAtLayer(ctx, id, layer, selected, touched); err != nil {
			return err
		}
	}

	newEntry := false
	if level > maxLevel {
		g.mu.Lock()
		g.entryPointID = id
		g.maxLevel = level
		g.mu.Unlock()
		newEntry = true
	}

	for nid := range touched {
		if err := g.persistNode(ctx, nid); err != nil {
			return err
		}
	}
	if newEntry {
		return g.persistSystem(ctx)
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// connectAtLayer wires id to each selected neighbor at layer. Persistence
// for every touched node happens afterward in a single batched pass back
// in Insert, so the goroutines below only need to mutate in-memory state
// under their per-node lock; ctx is threaded through for future callers
// (e.g. a persist-per-neighbor variant) even though this pass doesn't
// need it today.
func (g *Graph) connectAtLayer(_ context.Context, id string, layer int, selected []candidate, touched map[string]struct{}) error {
	unlockSelf := g.lockNode(id)
	self, ok := g.ensureCOW(id)
	if ok {
		ids := make([]string, 0, len(selected))
		for _, c := range selected {
			ids = append(ids, c.id)
		}
		self.connections[layer] = ids
	}
	unlockSelf()

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, c := range selected {
		c := c
		wg.Add(1)
		g.sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-g.sem }()

			unlock := g.lockNode(c.id)
			defer unlock()

			n, ok := g.ensureCOW(c.id)
			if !ok {
				return
			}
			n.connections[layer] = appendUnique(n.connections[layer], id)
			if budget := g.mAtLayer(layer); len(n.connections[layer]) > budget {
				n.connections[layer] = g.pruneNeighbors(n, layer, budget)
			}

			mu.Lock()
			touched[c.id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	return nil
}

func appendUnique(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}

// pruneNeighbors re-selects n's connection set at layer down to cap
// entries using the diverse-direction heuristic, so a node that has
// accumulated more links than its budget keeps the most useful ones
// rather than the most recent ones.
func (g *Graph) pruneNeighbors(n *node, layer, budget int) []string {
	cands := make([]candidate, 0, len(n.connections[layer]))
	for _, nid := range n.connections[layer] {
		if nn, ok := g.lookup(nid); ok {
			cands = append(cands, candidate{id: nid, vector: nn.vector, dist: dist(n.vector, nn.vector)})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].dist < cands[j].dist })
	selected := selectNeighbors(n.vector, cands, budget)
	ids := make([]string, 0, len(selected))
	for _, c := range selected {
		ids = append(ids, c.id)
	}
	return ids
}

// selectNeighbors implements the diverse-direction heuristic: candidates
// are considered nearest-first, and a candidate is accepted only if no
// already-accepted neighbor is strictly closer to it than the query
// vector is — which prevents the selection from clustering in a single
// direction around the query.
func selectNeighbors(query []float32, cands []candidate, m int) []candidate {
	selected := make([]candidate, 0, m)
	for _, c := range cands {
		if len(selected) >= m {
			break
		}
		good := true
		for _, r := range selected {
			if dist(c.vector, r.vector) < dist(c.vector, query) {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, c)
		}
	}
	return selected
}

// searchLayer runs a bounded best-first search for query starting from
// entryPoints, returning up to ef results ordered by ascending distance.
func (g *Graph) searchLayer(query []float32, entryPoints []string, ef, layer int) []candidate {
	visited := make(map[string]bool)
	candidates := &minCandidateHeap{}
	results := &maxCandidateHeap{}

	for _, ep := range entryPoints {
		if visited[ep] || g.isDeleted(ep) {
			continue
		}
		visited[ep] = true
		n, ok := g.lookup(ep)
		if !ok {
			continue
		}
		d := dist(query, n.vector)
		*candidates = append(*candidates, candidate{ep, n.vector, d})
		*results = append(*results, candidate{ep, n.vector, d})
	}
	heap.Init(candidates)
	heap.Init(results)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candidate)
		if results.Len() >= ef && c.dist > (*results)[0].dist {
			break
		}
		n, ok := g.lookup(c.id)
		if !ok {
			continue
		}
		for _, nid := range n.connections[layer] {
			if visited[nid] {
				continue
			}
			visited[nid] = true
			if g.isDeleted(nid) {
				continue
			}
			nn, ok := g.lookup(nid)
			if !ok {
				continue
			}
			d := dist(query, nn.vector)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, candidate{nid, nn.vector, d})
				heap.Push(results, candidate{nid, nn.vector, d})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, len(*results))
	copy(out, *results)
	sort.Slice(out, func(i, j int) bool { return out[i].dist < out[j].dist })
	return out
}

// SearchKNN returns the k nearest live nodes to query, using the
// standard greedy-descent-then-beam-search traversal.
func (g *Graph) SearchKNN(query []float32, k int) []Result {
	query = types.NormalizeVector(query)

	g.mu.RLock()
	entry, maxLevel := g.entryPointID, g.maxLevel
	g.mu.RUnlock()
	if entry == "" {
		return nil
	}

	ef := g.params.EfSearch
	if k > ef {
		ef = k
	}

	curr := []string{entry}
	for layer := maxLevel; layer > 0; layer-- {
		res := g.searchLayer(query, curr, 1, layer)
		if len(res) > 0 {
			curr = []string{res[0].id}
		}
	}
	cands := g.searchLayer(query, curr, ef, 0)
	if len(cands) > k {
		cands = cands[:k]
	}
	return toResults(cands)
}

// SearchAmong restricts the result set to allowed ids (typically the
// output of a graph/metadata pre-filter), oversampling the graph
// traversal before filtering and falling back to a linear scan over
// allowed when either the candidate set is small enough that a linear
// scan is cheaper, or the graph traversal didn't surface enough of the
// allowed ids to fill k results.
func (g *Graph) SearchAmong(query []float32, allowed map[string]struct{}, k, linearScanThreshold int) []Result {
	query = types.NormalizeVector(query)

	if len(allowed) <= linearScanThreshold {
		return g.linearScan(query, allowed, k)
	}

	g.mu.RLock()
	entry, maxLevel := g.entryPointID, g.maxLevel
	g.mu.RUnlock()
	if entry == "" {
		return g.linearScan(query, allowed, k)
	}

	ef := g.params.EfSearch
	if oversample := k * 8; oversample > ef {
		ef = oversample
	}

	curr := []string{entry}
	for layer := maxLevel; layer > 0; layer-- {
		res := g.searchLayer(query, curr, 1, layer)
		if len(res) > 0 {
			curr = []string{res[0].id}
		}
	}
	cands := g.searchLayer(query, curr, ef, 0)

	filtered := make([]candidate, 0, k)
	for _, c := range cands {
		if _, ok := allowed[c.id]; ok {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) >= k || len(filtered) == len(allowed) {
		if len(filtered) > k {
			filtered = filtered[:k]
		}
		return toResults(filtered)
	}
	return g.linearScan(query, allowed, k)
}

func (g *Graph) linearScan(query []float32, allowed map[string]struct{}, k int) []Result {
	cands := make([]candidate, 0, len(allowed))
	for id := range allowed {
		if g.isDeleted(id) {
			continue
		}
		n, ok := g.lookup(id)
		if !ok {
			continue
		}
		cands = append(cands, candidate{id, n.vector, dist(query, n.vector)})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].dist != cands[j].dist {
			return cands[i].dist < cands[j].dist
		}
		return cands[i].id < cands[j].id
	})
	if len(cands) > k {
		cands = cands[:k]
	}
	return toResults(cands)
}

func toResults(cands []candidate) []Result {
	out := make([]Result, len(cands))
	for i, c := range cands {
		out[i] = Result{ID: c.id, Distance: c.dist}
	}
	return out
}

// Delete tombstones id: it stops being returned by search or traversed
// as a neighbor, but its physical connections are left in place for
// Compact to clean up later, since fixing up every neighbor's list
// synchronously on every delete would serialize unrelated inserts behind
// it for no immediate benefit.
func (g *Graph) Delete(ctx context.Context, id string) error {
	g.mu.Lock()
	g.tombstones[id] = struct{}{}
	delete(g.own, id)
	g.mu.Unlock()

	if g.persister == nil {
		return nil
	}
	if err := g.persister.DeleteHNSWNode(ctx, g.branch, g.typeKey, id); err != nil && !errors.Is(err, types.ErrNotFound) {
		return err
	}
	return nil
}

// Compact rewrites every locally-owned node's connection lists to drop
// tombstoned neighbor ids, persisting the nodes it actually changes.
func (g *Graph) Compact(ctx context.Context) error {
	g.mu.RLock()
	ids := make([]string, 0, len(g.own))
	for id := range g.own {
		ids = append(ids, id)
	}
	g.mu.RUnlock()

	for _, id := range ids {
		unlock := g.lockNode(id)
		g.mu.RLock()
		n, ok := g.own[id]
		g.mu.RUnlock()
		if !ok {
			unlock()
			continue
		}
		changed := false
		for layer, neighbors := range n.connections {
			kept := neighbors[:0:0]
			for _, nid := range neighbors {
				if g.isDeleted(nid) {
					changed = true
					continue
				}
				kept = append(kept, nid)
			}
			n.connections[layer] = kept
		}
		unlock()

		if changed {
			if err := g.persistNode(ctx, id); err != nil {
				return err
			}
		}
	}
	return nil
}

func (g *Graph) persistNode(ctx context.Context, id string) error {
	if g.persister == nil {
		return nil
	}
	unlock := g.lockNode(id)
	defer unlock()

	g.mu.RLock()
	n, ok := g.own[id]
	g.mu.RUnlock()
	if !ok {
		return nil
	}
	return g.persister.SaveHNSWNode(ctx, g.branch, g.typeKey, &types.HNSWNode{
		ID:          n.id,
		Level:       n.level,
		Connections: n.connections,
	})
}

func (g *Graph) persistSystem(ctx context.Context) error {
	if g.persister == nil {
		return nil
	}
	g.mu.RLock()
	sys := &types.HNSWSystem{EntryPointID: g.entryPointID, MaxLevel: g.maxLevel}
	g.mu.RUnlock()
	return g.persister.SaveHNSWSystem(ctx, g.branch, g.typeKey, sys)
}

// Len reports how many nodes this graph owns locally (not counting
// whatever remains reachable only through its parent chain).
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.own)
}
