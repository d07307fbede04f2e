// Package entitystore implements the entity persistence layer (C6): it
// maps nouns, verbs, and HNSW graph state onto the on-disk layout
// described by the data model (entities/nouns/<type>/..., entities/verbs/<type>/...,
// system/hnsw.json), splitting each noun/verb into a metadata envelope
// (JSON) and, where present, a vector (the length-prefixed float32
// binary format from pkg/types).
//
// Noun and verb writes go through pkg/cache.Stage plus pkg/writebuffer.Submit:
// a reader observes the write immediately via the cache witness, while
// the actual object-store write is deferred, deduplicated, and batched
// by the buffer. HNSW node and system state bypass the buffer entirely
// and go straight through pkg/cache.Lock plus a synchronous pkg/cache.Write,
// because neighbor-list correctness depends on every update being a
// strictly serialized read-modify-write rather than a buffered one.
package entitystore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/objectstore"
	"github.com/cuemby/lattice/pkg/types"
	"github.com/cuemby/lattice/pkg/writebuffer"
)

// nounEnvelope is the metadata.json payload for a noun: every Noun field
// except Vector, which is stored separately as a .bin file.
type nounEnvelope struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Metadata  types.Value `json:"metadata"`
	Service   string      `json:"service"`
	CreatedAt int64       `json:"created_at"`
	UpdatedAt int64       `json:"updated_at"`
	HasVector bool        `json:"has_vector"`
}

// verbEnvelope is the metadata.json payload for a verb.
type verbEnvelope struct {
	ID         string      `json:"id"`
	SourceID   string      `json:"source_id"`
	TargetID   string      `json:"target_id"`
	Type       string      `json:"type"`
	Weight     *float64    `json:"weight,omitempty"`
	Confidence *float64    `json:"confidence,omitempty"`
	Metadata   types.Value `json:"metadata"`
	Service    string      `json:"service"`
	CreatedAt  int64       `json:"created_at"`
	UpdatedAt  int64       `json:"updated_at"`
	HasVector  bool        `json:"has_vector"`
}

// Store persists nouns, verbs, and HNSW graph state onto the
// type-sharded layout above, layering pkg/cache and pkg/writebuffer for
// read-your-writes and buffered durability.
type Store struct {
	store objectstore.Store // used directly for prefix listing only
	cache *cache.Cache
	wb    *writebuffer.WriteBuffer
}

// New wires a Store over store/cache/wb, registering an OnFlushed
// callback so that once a buffered noun/verb write lands durably, the
// cache drops its witness for that key.
func New(store objectstore.Store, c *cache.Cache, wb *writebuffer.WriteBuffer) *Store {
	wb.OnFlushed(func(fullKey string) {
		c.UnstageKey(fullKey)
	})
	return &Store{store: store, cache: c, wb: wb}
}

// key layout helpers, grounded on the documented on-disk tree:
//
//	entities/nouns/<type>/metadata/<shard>/<id>.json
//	entities/nouns/<type>/vectors/<shard>/<id>.bin
//	entities/nouns/<type>/hnsw/<shard>/<id>.json
//	entities/verbs/<type>/metadata/<shard>/<id>.json
//	entities/verbs/<type>/vectors/<shard>/<id>.bin
//	system/hnsw.json

func nounMetaKey(nounType, id string) string {
	return fmt.Sprintf("entities/nouns/%s/metadata/%s/%s.json", nounType, types.ShardTag(id), id)
}

func nounVectorKey(nounType, id string) string {
	return fmt.Sprintf("entities/nouns/%s/vectors/%s/%s.bin", nounType, types.ShardTag(id), id)
}

func nounHNSWKey(nounType, id string) string {
	return fmt.Sprintf("entities/nouns/%s/hnsw/%s/%s.json", nounType, types.ShardTag(id), id)
}

func verbMetaKey(verbType, id string) string {
	return fmt.Sprintf("entities/verbs/%s/metadata/%s/%s.json", verbType, types.ShardTag(id), id)
}

func verbVectorKey(verbType, id string) string {
	return fmt.Sprintf("entities/verbs/%s/vectors/%s/%s.bin", verbType, types.ShardTag(id), id)
}

// nounTypeKey indexes id -> noun type, independent of nounType, so a
// caller holding only a bare id (e.g. a candidate surfaced by
// pkg/graphindex or pkg/metaindex postings) can resolve it to the
// type-sharded path GetNoun needs without trying every noun type.
func nounTypeKey(id string) string {
	return fmt.Sprintf("entities/_typeindex/noun/%s/%s.json", types.ShardTag(id), id)
}

// verbTypeKey is nounTypeKey's counterpart for verbs: graphindex's
// source/target postings surface bare verb ids, and GetVerb needs a verb
// type up front for the same type-first sharded layout reason GetNoun
// does.
func verbTypeKey(id string) string {
	return fmt.Sprintf("entities/_typeindex/verb/%s/%s.json", types.ShardTag(id), id)
}

type typeIndexEntry struct {
	Type string `json:"type"`
}

const hnswSystemKey = "system/hnsw.json"

// SaveNoun persists n's metadata envelope and, if present, its vector
// under branch, buffering both through pkg/writebuffer while remaining
// immediately visible via pkg/cache.
func (s *Store) SaveNoun(ctx context.Context, branch string, n *types.Noun) error {
	env := nounEnvelope{
		ID:        n.ID,
		Type:      string(n.Type),
		Metadata:  n.Metadata,
		Service:   n.Service,
		CreatedAt: n.CreatedAt,
		UpdatedAt: n.UpdatedAt,
		HasVector: len(n.Vector) > 0,
	}
	metaBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("entitystore: marshal noun %s: %w", n.ID, err)
	}

	metaKey := nounMetaKey(string(n.Type), n.ID)
	s.cache.Stage(branch, metaKey, metaBytes)
	s.wb.Submit(writebuffer.KindNoun, cache.StorageKey(branch, metaKey), metaBytes)

	typeBytes, err := json.Marshal(typeIndexEntry{Type: string(n.Type)})
	if err != nil {
		return fmt.Errorf("entitystore: marshal type index %s: %w", n.ID, err)
	}
	typeKey := nounTypeKey(n.ID)
	s.cache.Stage(branch, typeKey, typeBytes)
	s.wb.Submit(writebuffer.KindNoun, cache.StorageKey(branch, typeKey), typeBytes)

	if env.HasVector {
		vecBytes := types.EncodeVector(n.Vector)
		vecKey := nounVectorKey(string(n.Type), n.ID)
		s.cache.Stage(branch, vecKey, vecBytes)
		s.wb.Submit(writebuffer.KindNoun, cache.StorageKey(branch, vecKey), vecBytes)
	}
	return nil
}

// GetNoun reads back the noun persisted by SaveNoun for (nounType, id).
func (s *Store) GetNoun(ctx context.Context, branch, nounType, id string) (*types.Noun, error) {
	metaKey := nounMetaKey(nounType, id)
	metaBytes, err := s.cache.Read(ctx, branch, metaKey)
	if err != nil {
		return nil, err
	}
	var env nounEnvelope
	if err := json.Unmarshal(metaBytes, &env); err != nil {
		return nil, fmt.Errorf("entitystore: unmarshal noun %s: %w", id, err)
	}

	n := &types.Noun{
		ID:        env.ID,
		Type:      types.NounType(env.Type),
		Metadata:  env.Metadata,
		Service:   env.Service,
		CreatedAt: env.CreatedAt,
		UpdatedAt: env.UpdatedAt,
	}
	if env.HasVector {
		vecKey := nounVectorKey(nounType, id)
		vecBytes, err := s.cache.Read(ctx, branch, vecKey)
		if err != nil {
			return nil, err
		}
		vec, err := types.DecodeVector(vecBytes)
		if err != nil {
			return nil, fmt.Errorf("entitystore: decode noun vector %s: %w", id, err)
		}
		n.Vector = vec
	}
	return n, nil
}

// DeleteNoun removes a noun's metadata, vector, and type-index entry from
// branch.
func (s *Store) DeleteNoun(ctx context.Context, branch, nounType, id string) error {
	metaKey := nounMetaKey(nounType, id)
	vecKey := nounVectorKey(nounType, id)
	typeKey := nounTypeKey(id)

	s.cache.StageDelete(branch, metaKey)
	s.wb.SubmitDelete(writebuffer.KindNoun, cache.StorageKey(branch, metaKey))

	s.cache.StageDelete(branch, vecKey)
	s.wb.SubmitDelete(writebuffer.KindNoun, cache.StorageKey(branch, vecKey))

	s.cache.StageDelete(branch, typeKey)
	s.wb.SubmitDelete(writebuffer.KindNoun, cache.StorageKey(branch, typeKey))
	return nil
}

// GetNounType resolves a bare noun id to its type via the parallel
// type-index entry SaveNoun writes alongside the metadata envelope. This
// is the primitive pkg/query uses to materialize candidate ids surfaced
// by pkg/metaindex/pkg/graphindex/pkg/hnsw postings, none of which carry
// a noun type, before calling GetNoun (which requires one up front
// because of the type-first sharded layout).
func (s *Store) GetNounType(ctx context.Context, branch, id string) (string, error) {
	data, err := s.cache.Read(ctx, branch, nounTypeKey(id))
	if err != nil {
		return "", err
	}
	var entry typeIndexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", fmt.Errorf("entitystore: unmarshal type index %s: %w", id, err)
	}
	return entry.Type, nil
}

// GetNounByID resolves id's type via GetNounType and then delegates to
// GetNoun, for callers that hold only a bare id.
func (s *Store) GetNounByID(ctx context.Context, branch, id string) (*types.Noun, error) {
	nounType, err := s.GetNounType(ctx, branch, id)
	if err != nil {
		return nil, err
	}
	return s.GetNoun(ctx, branch, nounType, id)
}

// SaveVerb persists v's metadata envelope and optional vector under
// branch, mirroring SaveNoun's buffered-write shape.
func (s *Store) SaveVerb(ctx context.Context, branch string, v *types.Verb) error {
	env := verbEnvelope{
		ID:         v.ID,
		SourceID:   v.SourceID,
		TargetID:   v.TargetID,
		Type:       string(v.Type),
		Weight:     v.Weight,
		Confidence: v.Confidence,
		Metadata:   v.Metadata,
		Service:    v.Service,
		CreatedAt:  v.CreatedAt,
		UpdatedAt:  v.UpdatedAt,
		HasVector:  len(v.Vector) > 0,
	}
	metaBytes, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("entitystore: marshal verb %s: %w", v.ID, err)
	}

	metaKey := verbMetaKey(string(v.Type), v.ID)
	s.cache.Stage(branch, metaKey, metaBytes)
	s.wb.Submit(writebuffer.KindVerb, cache.StorageKey(branch, metaKey), metaBytes)

	typeBytes, err := json.Marshal(typeIndexEntry{Type: string(v.Type)})
	if err != nil {
		return fmt.Errorf("entitystore: marshal verb type index %s: %w", v.ID, err)
	}
	typeKey := verbTypeKey(v.ID)
	s.cache.Stage(branch, typeKey, typeBytes)
	s.wb.Submit(writebuffer.KindVerb, cache.StorageKey(branch, typeKey), typeBytes)

	if env.HasVector {
		vecBytes := types.EncodeVector(v.Vector)
		vecKey := verbVectorKey(string(v.Type), v.ID)
		s.cache.Stage(branch, vecKey, vecBytes)
		s.wb.Submit(writebuffer.KindVerb, cache.StorageKey(branch, vecKey), vecBytes)
	}
	return nil
}

// GetVerbType resolves a bare verb id to its type, mirroring GetNounType.
func (s *Store) GetVerbType(ctx context.Context, branch, id string) (string, error) {
	data, err := s.cache.Read(ctx, branch, verbTypeKey(id))
	if err != nil {
		return "", err
	}
	var entry typeIndexEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return "", fmt.Errorf("entitystore: unmarshal verb type index %s: %w", id, err)
	}
	return entry.Type, nil
}

// GetVerbByID resolves id's type via GetVerbType and then delegates to
// GetVerb, for callers (pkg/query's graph-adjacency BFS) that hold only
// a bare verb id as surfaced by pkg/graphindex's source/target postings.
func (s *Store) GetVerbByID(ctx context.Context, branch, id string) (*types.Verb, error) {
	verbType, err := s.GetVerbType(ctx, branch, id)
	if err != nil {
		return nil, err
	}
	return s.GetVerb(ctx, branch, verbType, id)
}

// GetVerb reads back the verb persisted by SaveVerb for (verbType, id).
func (s *Store) GetVerb(ctx context.Context, branch, verbType, id string) (*types.Verb, error) {
	metaKey := verbMetaKey(verbType, id)
	metaBytes, err := s.cache.Read(ctx, branch, metaKey)
	if err != nil {
		return nil, err
	}
	var env verbEnvelope
	if err := json.Unmarshal(metaBytes, &env); err != nil {
		return nil, fmt.Errorf("entitystore: unmarshal verb %s: %w", id, err)
	}

	v := &types.Verb{
		ID:         env.ID,
		SourceID:   env.SourceID,
		TargetID:   env.TargetID,
		Type:       types.VerbType(env.Type),
		Weight:     env.Weight,
		Confidence: env.Confidence,
		Metadata:   env.Metadata,
		Service:    env.Service,
		CreatedAt:  env.CreatedAt,
		UpdatedAt:  env.UpdatedAt,
	}
	if env.HasVector {
		vecKey := verbVectorKey(verbType, id)
		vecBytes, err := s.cache.Read(ctx, branch, vecKey)
		if err != nil {
			return nil, err
		}
		vec, err := types.DecodeVector(vecBytes)
		if err != nil {
			return nil, fmt.Errorf("entitystore: decode verb vector %s: %w", id, err)
		}
		v.Vector = vec
	}
	return v, nil
}

// DeleteVerb removes a verb's metadata, vector, and type-index entry
// from branch.
func (s *Store) DeleteVerb(ctx context.Context, branch, verbType, id string) error {
	metaKey := verbMetaKey(verbType, id)
	vecKey := verbVectorKey(verbType, id)
	typeKey := verbTypeKey(id)

	s.cache.StageDelete(branch, metaKey)
	s.wb.SubmitDelete(writebuffer.KindVerb, cache.StorageKey(branch, metaKey))

	s.cache.StageDelete(branch, vecKey)
	s.wb.SubmitDelete(writebuffer.KindVerb, cache.StorageKey(branch, vecKey))

	s.cache.StageDelete(branch, typeKey)
	s.wb.SubmitDelete(writebuffer.KindVerb, cache.StorageKey(branch, typeKey))
	return nil
}

// SaveHNSWNode writes node's persisted state for nounType/branch
// synchronously under the per-key lock: neighbor rewrites must never
// interleave with a concurrent update to the same node.
func (s *Store) SaveHNSWNode(ctx context.Context, branch, nounType string, node *types.HNSWNode) error {
	key := nounHNSWKey(nounType, node.ID)
	unlock := s.cache.Lock(cache.StorageKey(branch, key))
	defer unlock()

	data, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("entitystore: marshal hnsw node %s: %w", node.ID, err)
	}
	return s.cache.Write(ctx, branch, key, data)
}

// GetHNSWNode reads back the state written by SaveHNSWNode.
func (s *Store) GetHNSWNode(ctx context.Context, branch, nounType, id string) (*types.HNSWNode, error) {
	key := nounHNSWKey(nounType, id)
	unlock := s.cache.Lock(cache.StorageKey(branch, key))
	defer unlock()

	data, err := s.cache.Read(ctx, branch, key)
	if err != nil {
		return nil, err
	}
	var node types.HNSWNode
	if err := json.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("entitystore: unmarshal hnsw node %s: %w", id, err)
	}
	return &node, nil
}

// GetNounVector reads back only the vector half of a noun, without
// paying for the metadata envelope. pkg/hnsw uses this to rehydrate a
// node's vector when a graph fault-loads a node it doesn't hold in
// memory yet, since the HNSW node file itself carries only topology
// (level, connections), not the vector.
func (s *Store) GetNounVector(ctx context.Context, branch, nounType, id string) ([]float32, error) {
	vecKey := nounVectorKey(nounType, id)
	vecBytes, err := s.cache.Read(ctx, branch, vecKey)
	if err != nil {
		return nil, err
	}
	return types.DecodeVector(vecBytes)
}

// DeleteHNSWNode removes node id's persisted state under the per-key lock.
func (s *Store) DeleteHNSWNode(ctx context.Context, branch, nounType, id string) error {
	key := nounHNSWKey(nounType, id)
	unlock := s.cache.Lock(cache.StorageKey(branch, key))
	defer unlock()
	return s.cache.Delete(ctx, branch, key)
}

// SaveHNSWSystem writes the shared entry-point/max-level state for one
// graph (identified by graphKey, e.g. a noun type or "all") synchronously.
func (s *Store) SaveHNSWSystem(ctx context.Context, branch, graphKey string, sys *types.HNSWSystem) error {
	key := systemKeyFor(graphKey)
	unlock := s.cache.Lock(cache.StorageKey(branch, key))
	defer unlock()

	data, err := json.Marshal(sys)
	if err != nil {
		return fmt.Errorf("entitystore: marshal hnsw system %s: %w", graphKey, err)
	}
	return s.cache.Write(ctx, branch, key, data)
}

// GetHNSWSystem reads back the state written by SaveHNSWSystem. A
// missing system file (graph not yet initialized) surfaces the
// underlying types.ErrNotFound, which callers (pkg/hnsw) treat as
// "create fresh".
func (s *Store) GetHNSWSystem(ctx context.Context, branch, graphKey string) (*types.HNSWSystem, error) {
	key := systemKeyFor(graphKey)
	unlock := s.cache.Lock(cache.StorageKey(branch, key))
	defer unlock()

	data, err := s.cache.Read(ctx, branch, key)
	if err != nil {
		return nil, err
	}
	var sys types.HNSWSystem
	if err := json.Unmarshal(data, &sys); err != nil {
		return nil, fmt.Errorf("entitystore: unmarshal hnsw system %s: %w", graphKey, err)
	}
	return &sys, nil
}

// ListNounsByType returns every noun id stored under nounType on branch,
// exploiting the type-first sharding layout for an O(listing) scan
// rather than a walk of the whole entity tree. It lists the durable
// store directly, so a noun staged but not yet flushed through
// pkg/writebuffer will not appear until its flush lands.
func (s *Store) ListNounsByType(ctx context.Context, branch, nounType string) ([]string, error) {
	prefix := cache.StorageKey(branch, fmt.Sprintf("entities/nouns/%s/metadata/", nounType))
	return s.listIDs(ctx, prefix)
}

// ListVerbsByType returns every verb id stored under verbType on branch.
func (s *Store) ListVerbsByType(ctx context.Context, branch, verbType string) ([]string, error) {
	prefix := cache.StorageKey(branch, fmt.Sprintf("entities/verbs/%s/metadata/", verbType))
	return s.listIDs(ctx, prefix)
}

func (s *Store) listIDs(ctx context.Context, prefix string) ([]string, error) {
	var ids []string
	cursor := ""
	for {
		keys, next, err := s.store.List(ctx, prefix, cursor, 1000)
		if err != nil {
			return nil, fmt.Errorf("entitystore: list %s: %w", prefix, err)
		}
		for _, k := range keys {
			base := k[strings.LastIndex(k, "/")+1:]
			ids = append(ids, strings.TrimSuffix(base, ".json"))
		}
		if next == "" {
			break
		}
		cursor = next
	}
	return ids, nil
}

func systemKeyFor(graphKey string) string {
	if graphKey == "" {
		return hnswSystemKey
	}
	return fmt.Sprintf("system/hnsw/%s.json", graphKey)
}
