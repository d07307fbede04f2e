// Package cache implements the write-through cache with per-key mutex
// (C4): it turns a pkg/objectstore.Store, which may be only eventually
// consistent once a real backend (S3) is behind it, into a cache that
// offers strict read-your-writes within one process, and layers a
// copy-on-write branch-inheritance chain so a forked branch sees its
// parent's data until it writes its own.
package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/cuemby/lattice/pkg/objectstore"
	"github.com/cuemby/lattice/pkg/types"
)

// witnessEntry is a pending view of a key that has not yet (or will
// never) reach the store: either a staged value or a tombstone.
type witnessEntry struct {
	value   []byte
	deleted bool
}

// Cache wraps a Store with an in-flight witness map and an optional
// parent-branch fallback chain for copy-on-write branches.
type Cache struct {
	store objectstore.Store

	witnessMu sync.RWMutex
	witness   map[string]*witnessEntry

	cowMu   sync.RWMutex
	parents map[string]string // child branch -> parent branch

	locks sync.Map // map[string]*sync.Mutex, keyed by the raw key argument
}

// New creates a Cache over store.
func New(store objectstore.Store) *Cache {
	return &Cache{
		store:   store,
		witness: make(map[string]*witnessEntry),
		parents: make(map[string]string),
	}
}

// StorageKey is the physical key a (branch, key) pair maps to. Exported
// so pkg/entitystore can hand pkg/writebuffer the exact key Cache will
// later be asked to Unstage once that buffered write is durable.
func StorageKey(branch, key string) string {
	return branch + "/" + key
}

// Write stages value under (branch, key), forwards it to the store, and
// drops the witness once the forward completes (successfully or not) —
// a reader observes the write immediately via the witness regardless of
// store latency, but never sees stale data after the store round trip
// finishes.
func (c *Cache) Write(ctx context.Context, branch, key string, value []byte) error {
	sk := StorageKey(branch, key)

	c.witnessMu.Lock()
	c.witness[sk] = &witnessEntry{value: value}
	c.witnessMu.Unlock()

	err := c.store.Put(ctx, sk, value)

	c.witnessMu.Lock()
	delete(c.witness, sk)
	c.witnessMu.Unlock()

	return err
}

// Read resolves (branch, key): first against the in-flight witness, then
// the branch's own storage path, then — if branch was enabled for COW —
// recursively against its parent branch.
func (c *Cache) Read(ctx context.Context, branch, key string) ([]byte, error) {
	sk := StorageKey(branch, key)

	c.witnessMu.RLock()
	if e, ok := c.witness[sk]; ok {
		c.witnessMu.RUnlock()
		if e.deleted {
			return nil, types.NewError(types.ErrNotFound, "cache.Read", "key deleted: "+key)
		}
		return e.value, nil
	}
	c.witnessMu.RUnlock()

	data, err := c.store.Get(ctx, sk)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	parent, ok := c.parent(branch)
	if !ok {
		return nil, err
	}
	return c.Read(ctx, parent, key)
}

// Delete removes (branch, key) from both the witness and the store.
func (c *Cache) Delete(ctx context.Context, branch, key string) error {
	sk := StorageKey(branch, key)

	c.witnessMu.Lock()
	delete(c.witness, sk)
	c.witnessMu.Unlock()

	return c.store.Delete(ctx, sk)
}

// Stage records value as the in-flight witness for (branch, key) without
// forwarding to the store: used for writes handed off to pkg/writebuffer,
// where persistence is deferred but reads must still observe the pending
// value immediately. Call UnstageKey(StorageKey(branch, key)) once the
// buffered write is confirmed durable.
func (c *Cache) Stage(branch, key string, value []byte) {
	sk := StorageKey(branch, key)
	c.witnessMu.Lock()
	c.witness[sk] = &witnessEntry{value: value}
	c.witnessMu.Unlock()
}

// StageDelete records a pending tombstone for (branch, key), the delete
// counterpart to Stage.
func (c *Cache) StageDelete(branch, key string) {
	sk := StorageKey(branch, key)
	c.witnessMu.Lock()
	c.witness[sk] = &witnessEntry{deleted: true}
	c.witnessMu.Unlock()
}

// UnstageKey drops a witness entry previously created by Stage or
// StageDelete, once pkg/writebuffer confirms the corresponding write has
// landed in the store.
func (c *Cache) UnstageKey(fullKey string) {
	c.witnessMu.Lock()
	delete(c.witness, fullKey)
	c.witnessMu.Unlock()
}

// Lock acquires a per-key mutex and returns the unlock closure. Callers
// performing a read-modify-write against shared state (HNSW node
// updates, neighbor rewrites) hold this for the duration of the
// operation.
func (c *Cache) Lock(key string) func() {
	v, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// EnableCOW records that child branch should fall back to parent when a
// key is missing on child's own path.
func (c *Cache) EnableCOW(child, parent string) {
	c.cowMu.Lock()
	defer c.cowMu.Unlock()
	c.parents[child] = parent
}

// DisableCOW removes child's fallback edge, e.g. once it has diverged
// enough that falling through to parent no longer makes sense.
func (c *Cache) DisableCOW(child string) {
	c.cowMu.Lock()
	defer c.cowMu.Unlock()
	delete(c.parents, child)
}

func (c *Cache) parent(branch string) (string, bool) {
	c.cowMu.RLock()
	defer c.cowMu.RUnlock()
	p, ok := c.parents[branch]
	return p, ok
}
