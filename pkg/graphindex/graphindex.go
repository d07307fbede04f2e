// Package graphindex implements the graph adjacency index (C8): three
// postings over verbs — by source id, by target id, and by (source id,
// verb type) — so GetRelations can answer "what's connected to this
// noun" without a full verb scan. The combined source+type posting is
// always consulted when both are known, rather than intersecting the
// broader source and type postings, because an intersection could be
// fed by a stale aggregate count; the combined posting is the one
// source of truth for that shape of query.
package graphindex

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/types"
	"github.com/cuemby/lattice/pkg/writebuffer"
)

const keyRegistryKey = "indexes/graph/_keys.json"

// Index maintains source/target/combined postings over verb ids, using
// the same cache.Stage + writebuffer.Submit + cache.Lock discipline as
// pkg/entitystore and pkg/metaindex.
type Index struct {
	cache *cache.Cache
	wb    *writebuffer.WriteBuffer
}

// New creates an Index over c/wb.
func New(c *cache.Cache, wb *writebuffer.WriteBuffer) *Index {
	return &Index{cache: c, wb: wb}
}

func sourceKey(sourceID string) string {
	return fmt.Sprintf("indexes/graph/source/%s/%s.json", types.ShardTag(sourceID), sourceID)
}

func targetKey(targetID string) string {
	return fmt.Sprintf("indexes/graph/target/%s/%s.json", types.ShardTag(targetID), targetID)
}

func combinedKey(sourceID string, verbType string) string {
	return fmt.Sprintf("indexes/graph/combined/%s/%s/%s.json", types.ShardTag(sourceID), sourceID, verbType)
}

// Add indexes verbID under source, target, and the (source, verbType)
// combined posting.
func (idx *Index) Add(ctx context.Context, branch string, v *types.Verb) error {
	if err := idx.appendTo(ctx, branch, sourceKey(v.SourceID), v.ID); err != nil {
		return err
	}
	if err := idx.appendTo(ctx, branch, targetKey(v.TargetID), v.ID); err != nil {
		return err
	}
	return idx.appendTo(ctx, branch, combinedKey(v.SourceID, string(v.Type)), v.ID)
}

// Remove undoes Add for v.
func (idx *Index) Remove(ctx context.Context, branch string, v *types.Verb) error {
	if err := idx.removeFrom(ctx, branch, sourceKey(v.SourceID), v.ID); err != nil {
		return err
	}
	if err := idx.removeFrom(ctx, branch, targetKey(v.TargetID), v.ID); err != nil {
		return err
	}
	return idx.removeFrom(ctx, branch, combinedKey(v.SourceID, string(v.Type)), v.ID)
}

// Query is a graph-adjacency constraint: From/To select the source or
// target posting, Type narrows to the combined posting when From is also
// set.
type Query struct {
	From string
	To   string
	Type string
}

// GetRelations resolves q to a verb-id set, always preferring the most
// specific posting available: the combined (From, Type) posting when
// both are set, else the plain From or To posting. It never derives the
// answer by intersecting broader postings when a combined posting exists
// for the exact shape of the query, so a stale aggregate count can never
// short-circuit the result.
func (idx *Index) GetRelations(ctx context.Context, branch string, q Query) ([]string, error) {
	switch {
	case q.From != "" && q.Type != "":
		return idx.readIDs(ctx, branch, combinedKey(q.From, q.Type))
	case q.From != "":
		return idx.readIDs(ctx, branch, sourceKey(q.From))
	case q.To != "":
		return idx.readIDs(ctx, branch, targetKey(q.To))
	default:
		return nil, types.NewError(types.ErrInvalidInput, "graphindex.GetRelations", "at least one of From/To must be set")
	}
}

func (idx *Index) appendTo(ctx context.Context, branch, key, id string) error {
	if err := idx.registerKey(ctx, branch, key); err != nil {
		return err
	}

	unlock := idx.cache.Lock(cache.StorageKey(branch, key))
	defer unlock()

	ids, err := idx.readIDSet(ctx, branch, key)
	if err != nil {
		return err
	}
	if _, ok := ids[id]; ok {
		return nil
	}
	ids[id] = struct{}{}
	return idx.writeIDSet(branch, key, ids)
}

// registerKey records key in the flat registry of every posting path
// ever written, the minimal bookkeeping Rebuild needs to reset stale
// postings (a deleted verb's source/target/combined keys otherwise have
// no other trace once Rebuild starts from a fresh verb set).
func (idx *Index) registerKey(ctx context.Context, branch, key string) error {
	unlock := idx.cache.Lock(cache.StorageKey(branch, keyRegistryKey))
	defer unlock()

	keys, err := idx.readKeySet(ctx, branch)
	if err != nil {
		return err
	}
	if _, ok := keys[key]; ok {
		return nil
	}
	keys[key] = struct{}{}
	return idx.writeIDSet(branch, keyRegistryKey, keys)
}

func (idx *Index) readKeySet(ctx context.Context, branch string) (map[string]struct{}, error) {
	return idx.readIDSet(ctx, branch, keyRegistryKey)
}

func (idx *Index) removeFrom(ctx context.Context, branch, key, id string) error {
	unlock := idx.cache.Lock(cache.StorageKey(branch, key))
	defer unlock()

	ids, err := idx.readIDSet(ctx, branch, key)
	if err != nil {
		return err
	}
	if _, ok := ids[id]; !ok {
		return nil
	}
	delete(ids, id)
	return idx.writeIDSet(branch, key, ids)
}

func (idx *Index) readIDs(ctx context.Context, branch, key string) ([]string, error) {
	set, err := idx.readIDSet(ctx, branch, key)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (idx *Index) readIDSet(ctx context.Context, branch, key string) (map[string]struct{}, error) {
	data, err := idx.cache.Read(ctx, branch, key)
	if err != nil {
		return make(map[string]struct{}), nil //nolint:nilerr // missing posting == empty set
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("graphindex: unmarshal posting %s: %w", key, err)
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

func (idx *Index) writeIDSet(branch, key string, ids map[string]struct{}) error {
	list := make([]string, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}
	sort.Strings(list)
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("graphindex: marshal posting %s: %w", key, err)
	}
	idx.cache.Stage(branch, key, data)
	idx.wb.Submit(writebuffer.KindVerb, cache.StorageKey(branch, key), data)
	return nil
}

// Rebuild replaces every posting from a caller-supplied verb set
// (typically sourced from pkg/entitystore's ListVerbsByType + GetVerb by
// pkg/vcs or pkg/engine), the same decoupled-rebuild shape as
// pkg/metaindex.
func (idx *Index) Rebuild(ctx context.Context, branch string, verbs []*types.Verb) error {
	if err := idx.clear(ctx, branch); err != nil {
		return err
	}
	for _, v := range verbs {
		if err := idx.Add(ctx, branch, v); err != nil {
			return fmt.Errorf("graphindex: rebuild add %s: %w", v.ID, err)
		}
	}
	return nil
}

// clear empties every posting ever registered by appendTo, so a Rebuild
// never leaves a deleted verb's id behind in a posting the new verb set
// no longer touches.
func (idx *Index) clear(ctx context.Context, branch string) error {
	keys, err := idx.readKeySet(ctx, branch)
	if err != nil {
		return err
	}
	for key := range keys {
		unlock := idx.cache.Lock(cache.StorageKey(branch, key))
		err := idx.writeIDSet(branch, key, map[string]struct{}{})
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}
