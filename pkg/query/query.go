// Package query implements the query planner + fuser (C10): it combines
// a graph-adjacency constraint (C8), a metadata filter (C7), and a
// vector-similarity ranking (C9) into a single ordered result page,
// materialized through the entity store (C6). It is pure composition
// over those packages, in the same layered style C6 itself composes
// C2-C5.
package query

import (
	"context"
	"fmt"
	"sort"

	"github.com/cuemby/lattice/pkg/embedtext"
	"github.com/cuemby/lattice/pkg/entitystore"
	"github.com/cuemby/lattice/pkg/graphindex"
	"github.com/cuemby/lattice/pkg/hnsw"
	"github.com/cuemby/lattice/pkg/metaindex"
	"github.com/cuemby/lattice/pkg/types"
)

// DefaultLinearScanThreshold is the candidate-set size below which
// ranking falls back to a linear scan instead of filtering an HNSW
// traversal, per hnsw.Graph.SearchAmong's documented tradeoff.
const DefaultLinearScanThreshold = 64

// Connected narrows a query to ids reachable from From (or reaching To)
// within Depth hops over verbs, optionally restricted to Type at every
// hop. Exactly one of From/To should be set.
type Connected struct {
	From  string
	To    string
	Type  string
	Depth int
}

// Query is the engine's find operation input: all fields are optional
// except that Similar/Like are mutually exclusive narrowings of the same
// "rank by vector similarity" step.
type Query struct {
	Similar   []float32
	Like      string
	Where     *metaindex.Filter
	Connected *Connected
	Type      string
	Limit     int
	Offset    int
}

// Result is one ranked, materialized entity.
type Result struct {
	ID     string
	Score  float32
	Entity *types.Noun
}

// Planner executes Query against the wired C6/C7/C8/C9 collaborators for
// one branch.
type Planner struct {
	entities *entitystore.Store
	meta     *metaindex.Index
	graph    *graphindex.Index
	vectors  *hnsw.TypedIndex
	embedder embedtext.Embedder

	linearScanThreshold int
}

// New wires a Planner over the given branch's collaborators. embedder
// may be nil if no query in practice uses Like; calling Execute with a
// non-empty Like against a nil embedder returns types.ErrInvalidInput.
func New(entities *entitystore.Store, meta *metaindex.Index, graph *graphindex.Index, vectors *hnsw.TypedIndex, embedder embedtext.Embedder) *Planner {
	return &Planner{
		entities:            entities,
		meta:                meta,
		graph:               graph,
		vectors:             vectors,
		embedder:            embedder,
		linearScanThreshold: DefaultLinearScanThreshold,
	}
}

// Execute runs q against branch, following spec's five-step execution:
// (1) graph BFS, (2) metadata filter, (3) intersect, (4) rank, (5)
// materialize.
func (p *Planner) Execute(ctx context.Context, branch string, q Query) ([]Result, error) {
	var connected map[string]struct{}
	if q.Connected != nil {
		ids, err := p.expandConnected(ctx, branch, *q.Connected)
		if err != nil {
			return nil, err
		}
		connected = ids
	}

	var filtered map[string]struct{}
	narrowedByFilter := false
	if q.Where != nil || q.Type != "" {
		ids, err := p.planFilter(ctx, branch, q)
		if err != nil {
			return nil, err
		}
		filtered = ids
		narrowedByFilter = true
	}

	candidates, err := p.intersectOrUniverse(ctx, branch, q.Connected != nil, connected, narrowedByFilter, filtered)
	if err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = len(candidates)
	}
	k := limit + q.Offset
	if k <= 0 {
		k = len(candidates)
	}

	ranked, err := p.rank(ctx, branch, q, candidates, k)
	if err != nil {
		return nil, err
	}

	return p.materializePage(ctx, branch, ranked, q.Offset, limit)
}

// intersectOrUniverse implements step 3: intersect whichever of the two
// candidate sets were actually produced, or fall back to "every indexed
// id" (C7's Universe) when neither connected nor a filter was present.
func (p *Planner) intersectOrUniverse(ctx context.Context, branch string, hasConnected bool, connected map[string]struct{}, hasFiltered bool, filtered map[string]struct{}) (map[string]struct{}, error) {
	switch {
	case hasConnected && hasFiltered:
		return intersect(connected, filtered), nil
	case hasConnected:
		return connected, nil
	case hasFiltered:
		return filtered, nil
	default:
		return p.meta.Universe(ctx, branch)
	}
}

func (p *Planner) planFilter(ctx context.Context, branch string, q Query) (map[string]struct{}, error) {
	f := q.Where
	if q.Type != "" {
		typeEq := metaindex.Eq("type", types.Str(q.Type))
		if f != nil {
			combined := metaindex.And(typeEq, *f)
			f = &combined
		} else {
			f = &typeEq
		}
	}
	if f == nil {
		return nil, fmt.Errorf("query: planFilter called with no filter or type")
	}

	plan, err := p.meta.Plan(ctx, branch, *f)
	if err != nil {
		return nil, fmt.Errorf("query: plan filter: %w", err)
	}

	candidates := plan.Candidates
	if !plan.Narrowed() {
		universe, err := p.meta.Universe(ctx, branch)
		if err != nil {
			return nil, fmt.Errorf("query: universe: %w", err)
		}
		candidates = universe
	}
	if len(plan.Residuals) == 0 {
		return candidates, nil
	}

	out := make(map[string]struct{}, len(candidates))
	for id := range candidates {
		rec, err := p.recordFor(ctx, branch, id)
		if err != nil {
			continue
		}
		if plan.Matches(id, rec) {
			out[id] = struct{}{}
		}
	}
	return out, nil
}

func (p *Planner) recordFor(ctx context.Context, branch, id string) (metaindex.Record, error) {
	n, err := p.entities.GetNounByID(ctx, branch, id)
	if err != nil {
		return metaindex.Record{}, err
	}
	return metaindex.Record{Type: string(n.Type), Service: n.Service, Metadata: n.Metadata}, nil
}

// expandConnected implements step 1: a BFS over verb adjacency, bounded
// by Depth (default 1), optionally restricted to a single verb Type at
// every hop. The returned set never includes the seed id itself.
func (p *Planner) expandConnected(ctx context.Context, branch string, c Connected) (map[string]struct{}, error) {
	seed := c.From
	forward := true
	if seed == "" {
		seed = c.To
		forward = false
	}
	if seed == "" {
		return nil, types.NewError(types.ErrInvalidInput, "query.expandConnected", "connected constraint needs From or To")
	}

	depth := c.Depth
	if depth <= 0 {
		depth = 1
	}

	visited := map[string]struct{}{seed: {}}
	result := make(map[string]struct{})
	frontier := []string{seed}

	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, id := range frontier {
			neighborIDs, err := p.stepRelations(ctx, branch, id, c.Type, forward)
			if err != nil {
				return nil, err
			}
			for _, nid := range neighborIDs {
				if _, seen := visited[nid]; seen {
					continue
				}
				visited[nid] = struct{}{}
				result[nid] = struct{}{}
				next = append(next, nid)
			}
		}
		frontier = next
	}
	return result, nil
}

// stepRelations resolves one BFS hop from id: the verb ids adjacent to
// id via C8, resolved through C6 to the other endpoint of each verb.
func (p *Planner) stepRelations(ctx context.Context, branch, id, verbType string, forward bool) ([]string, error) {
	q := graphindex.Query{Type: verbType}
	if forward {
		q.From = id
	} else {
		q.To = id
	}
	verbIDs, err := p.graph.GetRelations(ctx, branch, q)
	if err != nil {
		return nil, fmt.Errorf("query: get relations for %s: %w", id, err)
	}

	neighbors := make([]string, 0, len(verbIDs))
	for _, vid := range verbIDs {
		v, err := p.entities.GetVerbByID(ctx, branch, vid)
		if err != nil {
			continue
		}
		if forward {
			neighbors = append(neighbors, v.TargetID)
		} else {
			neighbors = append(neighbors, v.SourceID)
		}
	}
	return neighbors, nil
}

// rank implements step 4: similarity ranking via C9's candidate-filtered
// search when Similar/Like is present, else a deterministic id-order
// tiebreak with a uniform score of 1.0 (pure filter query).
func (p *Planner) rank(ctx context.Context, branch string, q Query, candidates map[string]struct{}, k int) ([]hnsw.Result, error) {
	queryVec := q.Similar
	if len(queryVec) == 0 && q.Like != "" {
		if p.embedder == nil {
			return nil, types.NewError(types.ErrInvalidInput, "query.rank", "Like query requires an embedder")
		}
		vec, err := p.embedder.Embed(ctx, q.Like)
		if err != nil {
			return nil, types.Wrap(types.ErrEmbeddingFailed, "query.rank", "embed Like text", err)
		}
		queryVec = vec
	}

	if len(queryVec) == 0 {
		return deterministicTiebreak(candidates, k), nil
	}

	nounTypes := []string{q.Type}
	if q.Type == "" {
		nounTypes = allNounTypeStrings()
	}
	results, err := p.vectors.SearchAllTypesAmong(ctx, nounTypes, queryVec, candidates, k, p.linearScanThreshold)
	if err != nil {
		return nil, fmt.Errorf("query: search among candidates: %w", err)
	}
	return results, nil
}

func deterministicTiebreak(candidates map[string]struct{}, k int) []hnsw.Result {
	ids := make([]string, 0, len(candidates))
	for id := range candidates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if k > 0 && k < len(ids) {
		ids = ids[:k]
	}
	out := make([]hnsw.Result, len(ids))
	for i, id := range ids {
		out[i] = hnsw.Result{ID: id, Distance: 0}
	}
	return out
}

func allNounTypeStrings() []string {
	all := types.AllNounTypes()
	out := make([]string, len(all))
	for i, t := range all {
		out[i] = string(t)
	}
	return out
}

// materializePage implements step 5: apply offset/limit to the ranked
// list, then fetch each surviving id's full entity via C6.
func (p *Planner) materializePage(ctx context.Context, branch string, ranked []hnsw.Result, offset, limit int) ([]Result, error) {
	if offset >= len(ranked) {
		return []Result{}, nil
	}
	ranked = ranked[offset:]
	if limit > 0 && limit < len(ranked) {
		ranked = ranked[:limit]
	}

	out := make([]Result, 0, len(ranked))
	for _, r := range ranked {
		n, err := p.entities.GetNounByID(ctx, branch, r.ID)
		if err != nil {
			continue
		}
		out = append(out, Result{ID: r.ID, Score: scoreFromDistance(r.Distance), Entity: n})
	}
	return out, nil
}

// scoreFromDistance turns an HNSW cosine distance (0=identical, 2=opposite)
// into a similarity-style score in roughly [0,1], matching spec's "score
// is 1.0 for pure filter queries" convention at the identical end.
func scoreFromDistance(dist float32) float32 {
	score := 1 - dist/2
	if score < 0 {
		return 0
	}
	return score
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[string]struct{})
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}
