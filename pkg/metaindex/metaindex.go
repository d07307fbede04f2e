package metaindex

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/types"
	"github.com/cuemby/lattice/pkg/writebuffer"
)

const universeKey = "indexes/metadata/_all/ids.json"

var safeValuePattern = regexp.MustCompile(`^[A-Za-z0-9._ -]{1,200}$`)

// Index maintains inverted postings for a set of indexable metadata
// fields ("type", "service", and scalar metadata leaves), writing
// through pkg/cache + pkg/writebuffer with the same read-your-writes-now,
// durable-eventually discipline as pkg/entitystore.
type Index struct {
	cache *cache.Cache
	wb    *writebuffer.WriteBuffer
	cfg   config.IndexConfig

	statsMu sync.RWMutex
	stats   map[string]int // posting key -> cached cardinality
}

// New creates an Index over c/wb, scoped by cfg's include/exclude field
// lists.
func New(c *cache.Cache, wb *writebuffer.WriteBuffer, cfg config.IndexConfig) *Index {
	return &Index{cache: c, wb: wb, cfg: cfg, stats: make(map[string]int)}
}

func (idx *Index) indexable(field string) bool {
	if len(idx.cfg.IncludeFields) > 0 {
		included := false
		for _, f := range idx.cfg.IncludeFields {
			if f == field {
				included = true
				break
			}
		}
		if !included {
			return false
		}
	}
	for _, f := range idx.cfg.ExcludeFields {
		if f == field {
			return false
		}
	}
	return true
}

// Add indexes id's (field, value) pairs: the synthetic "type"/"service"
// fields plus every scalar leaf of metadata.
func (idx *Index) Add(ctx context.Context, branch, id string, rec Record) error {
	for _, pair := range idx.indexablePairs(rec) {
		if err := idx.addPosting(ctx, branch, pair.field, pair.value, id); err != nil {
			return err
		}
	}
	return idx.addToUniverse(ctx, branch, id)
}

// Remove undoes Add: it drops id from every posting it would have been
// added to for rec, and drops id from the global universe.
func (idx *Index) Remove(ctx context.Context, branch, id string, rec Record) error {
	for _, pair := range idx.indexablePairs(rec) {
		if err := idx.removePosting(ctx, branch, pair.field, pair.value, id); err != nil {
			return err
		}
	}
	return idx.removeFromUniverse(ctx, branch, id)
}

type fieldValue struct {
	field string
	value types.Value
}

func (idx *Index) indexablePairs(rec Record) []fieldValue {
	var pairs []fieldValue
	if idx.indexable("type") {
		pairs = append(pairs, fieldValue{"type", types.Str(rec.Type)})
	}
	if idx.indexable("service") {
		pairs = append(pairs, fieldValue{"service", types.Str(rec.Service)})
	}
	rec.Metadata.Walk("", func(path string, leaf types.Value) {
		if idx.indexable(path) {
			pairs = append(pairs, fieldValue{path, leaf})
		}
	})
	return pairs
}

// Rebuild walks records (typically supplied by pkg/vcs/pkg/engine via
// pkg/entitystore's ListNounsByType/ListVerbsByType plus GetNoun/GetVerb)
// and reconstructs every posting from scratch, discarding whatever dirty
// buffered state existed before.
func (idx *Index) Rebuild(ctx context.Context, branch string, records map[string]Record) error {
	if err := idx.clearUniverse(ctx, branch); err != nil {
		return err
	}
	for id, rec := range records {
		if err := idx.Add(ctx, branch, id, rec); err != nil {
			return fmt.Errorf("metaindex: rebuild add %s: %w", id, err)
		}
	}
	return nil
}

// --- posting list storage ---

func postingKey(field, safe string) string {
	return fmt.Sprintf("indexes/metadata/%s/%s.json", field, safe)
}

func valueMapKey(field, hash string) string {
	return fmt.Sprintf("indexes/metadata/%s/_values/%s.json", field, hash)
}

func dictKey(field string) string {
	return fmt.Sprintf("indexes/metadata/%s/_dict.json", field)
}

// scalarString renders a scalar Value's canonical string form, used both
// as the dict's comparison key and as the raw input to safeValue.
func scalarString(v types.Value) string {
	switch v.Kind {
	case types.KindBool:
		return strconv.FormatBool(v.B)
	case types.KindNum:
		return strconv.FormatFloat(v.N, 'g', -1, 64)
	case types.KindStr:
		return v.S
	default:
		return ""
	}
}

// safeValue returns a filesystem/prefix-safe form of raw: the value
// itself when it is short and free of path-hostile characters, else a
// content hash with the raw value recoverable from a side mapping file.
func safeValue(raw string) string {
	if safeValuePattern.MatchString(raw) {
		return raw
	}
	sum := sha256.Sum256([]byte(raw))
	return "h_" + hex.EncodeToString(sum[:])
}

func (idx *Index) addPosting(ctx context.Context, branch, field string, value types.Value, id string) error {
	raw := scalarString(value)
	safe := safeValue(raw)
	key := postingKey(field, safe)

	unlock := idx.cache.Lock(cache.StorageKey(branch, key))
	defer unlock()

	ids, err := idx.readIDSet(ctx, branch, key)
	if err != nil {
		return err
	}
	if _, ok := ids[id]; !ok {
		ids[id] = struct{}{}
		if err := idx.writeIDSet(branch, key, ids); err != nil {
			return err
		}
		idx.statsMu.Lock()
		idx.stats[key] = len(ids)
		idx.statsMu.Unlock()
	}

	if strings.HasPrefix(safe, "h_") {
		if err := idx.ensureValueMapping(ctx, branch, field, safe, raw); err != nil {
			return err
		}
	}
	return idx.addDictEntry(ctx, branch, field, value, safe)
}

func (idx *Index) removePosting(ctx context.Context, branch, field string, value types.Value, id string) error {
	safe := safeValue(scalarString(value))
	key := postingKey(field, safe)

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
	if err := idx.writeIDSet(branch, key, ids); err != nil {
		return err
	}
	idx.statsMu.Lock()
	idx.stats[key] = len(ids)
	idx.statsMu.Unlock()
	return nil
}

func (idx *Index) ensureValueMapping(ctx context.Context, branch, field, safe, raw string) error {
	key := valueMapKey(field, strings.TrimPrefix(safe, "h_"))
	unlock := idx.cache.Lock(cache.StorageKey(branch, key))
	defer unlock()

	if _, err := idx.cache.Read(ctx, branch, key); err == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("metaindex: marshal value mapping for %s: %w", field, err)
	}
	idx.cache.Stage(branch, key, data)
	idx.wb.Submit(writebuffer.KindMetadata, cache.StorageKey(branch, key), data)
	return nil
}

// dictEntry is one distinct value known to exist for a field, kept so
// the planner can evaluate ordering/range operators (Gt/Gte/Lt/Lte)
// without enumerating every posting file in the store.
type dictEntry struct {
	Kind    types.Kind `json:"kind"`
	B       bool       `json:"b,omitempty"`
	N       float64    `json:"n,omitempty"`
	S       string     `json:"s,omitempty"`
	SafeKey string     `json:"safeKey"`
}

func toDictEntry(v types.Value, safe string) dictEntry {
	return dictEntry{Kind: v.Kind, B: v.B, N: v.N, S: v.S, SafeKey: safe}
}

func (e dictEntry) toValue() types.Value {
	switch e.Kind {
	case types.KindBool:
		return types.Bool(e.B)
	case types.KindNum:
		return types.Num(e.N)
	case types.KindStr:
		return types.Str(e.S)
	default:
		return types.Null
	}
}

func (idx *Index) addDictEntry(ctx context.Context, branch, field string, value types.Value, safe string) error {
	key := dictKey(field)
	unlock := idx.cache.Lock(cache.StorageKey(branch, key))
	defer unlock()

	entries, err := idx.readDict(ctx, branch, field)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.SafeKey == safe {
			return nil
		}
	}
	entries = append(entries, toDictEntry(value, safe))
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("metaindex: marshal dict for %s: %w", field, err)
	}
	idx.cache.Stage(branch, key, data)
	idx.wb.Submit(writebuffer.KindMetadata, cache.StorageKey(branch, key), data)
	return nil
}

func (idx *Index) readDict(ctx context.Context, branch, field string) ([]dictEntry, error) {
	data, err := idx.cache.Read(ctx, branch, dictKey(field))
	if err != nil {
		return nil, nil //nolint:nilerr // missing dict == no known values yet
	}
	var entries []dictEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("metaindex: unmarshal dict for %s: %w", field, err)
	}
	return entries, nil
}

// --- id-set (posting/universe) encode/decode ---

func (idx *Index) readIDSet(ctx context.Context, branch, key string) (map[string]struct{}, error) {
	data, err := idx.cache.Read(ctx, branch, key)
	if err != nil {
		return make(map[string]struct{}), nil //nolint:nilerr // missing posting == empty set
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("metaindex: unmarshal id set %s: %w", key, err)
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
		return fmt.Errorf("metaindex: marshal id set %s: %w", key, err)
	}
	idx.cache.Stage(branch, key, data)
	idx.wb.Submit(writebuffer.KindMetadata, cache.StorageKey(branch, key), data)
	return nil
}

func (idx *Index) addToUniverse(ctx context.Context, branch, id string) error {
	unlock := idx.cache.Lock(cache.StorageKey(branch, universeKey))
	defer unlock()

	ids, err := idx.readIDSet(ctx, branch, universeKey)
	if err != nil {
		return err
	}
	if _, ok := ids[id]; ok {
		return nil
	}
	ids[id] = struct{}{}
	return idx.writeIDSet(branch, universeKey, ids)
}

func (idx *Index) removeFromUniverse(ctx context.Context, branch, id string) error {
	unlock := idx.cache.Lock(cache.StorageKey(branch, universeKey))
	defer unlock()

	ids, err := idx.readIDSet(ctx, branch, universeKey)
	if err != nil {
		return err
	}
	if _, ok := ids[id]; !ok {
		return nil
	}
	delete(ids, id)
	return idx.writeIDSet(branch, universeKey, ids)
}

func (idx *Index) clearUniverse(ctx context.Context, branch string) error {
	unlock := idx.cache.Lock(cache.StorageKey(branch, universeKey))
	defer unlock()
	return idx.writeIDSet(branch, universeKey, map[string]struct{}{})
}
