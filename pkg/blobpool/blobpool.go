// Package blobpool implements the content-addressable blob store (C2):
// blobs are keyed by the lowercase hex SHA-256 of their bytes, and
// survive under a reference count so multiple versions of an entity can
// share identical content without duplicating storage. Refcounts are
// kept in bbolt when the backing Store is filesystem-rooted, or in a
// plain in-memory map when it is not.
package blobpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/lattice/pkg/objectstore"
)

var bucketRefcounts = []byte("refcounts")

const blobKeyPrefix = "blobs/"

func blobKey(hash string) string {
	return blobKeyPrefix + hash
}

// refcountStore is the narrow persistence contract for reference counts,
// implemented by a bbolt-backed store (when Open is given a dbDir) or a
// mutex-guarded map (when it is not), whatever the backing object store.
type refcountStore interface {
	get(hash string) (int, error)
	incr(hash string, delta int) (int, error)
	delete(hash string) error
	zeroed() ([]string, error)
	close() error
}

// Pool is a content-addressable blob store over a pkg/objectstore.Store.
type Pool struct {
	store objectstore.Store
	refs  refcountStore
}

// Open creates a Pool backed by store. dbDir, when non-empty, is the
// directory bbolt's refcounts.db is created in; pass "" to keep
// refcounts in memory (used when the backing store has no local
// filesystem path, e.g. MemoryStore or a remote-only S3Store).
func Open(store objectstore.Store, dbDir string) (*Pool, error) {
	var refs refcountStore
	if dbDir != "" {
		bs, err := newBoltRefcounts(dbDir)
		if err != nil {
			return nil, err
		}
		refs = bs
	} else {
		refs = newMemRefcounts()
	}
	return &Pool{store: store, refs: refs}, nil
}

// Close releases resources held by the refcount backend.
func (p *Pool) Close() error {
	return p.refs.close()
}

// Put stores data if not already present and returns its content hash.
// The blob starts with a refcount of zero; callers must IncRef it to
// keep it alive across a Sweep.
func (p *Pool) Put(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	exists, err := p.store.Exists(ctx, blobKey(hash))
	if err != nil {
		return "", fmt.Errorf("blobpool: check existing blob %s: %w", hash, err)
	}
	if !exists {
		if err := p.store.Put(ctx, blobKey(hash), data); err != nil {
			return "", fmt.Errorf("blobpool: write blob %s: %w", hash, err)
		}
	}

	if _, err := p.refs.incr(hash, 0); err != nil {
		return "", fmt.Errorf("blobpool: initialize refcount for %s: %w", hash, err)
	}
	return hash, nil
}

// Get returns the bytes for hash.
func (p *Pool) Get(ctx context.Context, hash string) ([]byte, error) {
	data, err := p.store.Get(ctx, blobKey(hash))
	if err != nil {
		return nil, err
	}
	return data, nil
}

// IncRef increments hash's reference count.
func (p *Pool) IncRef(hash string) error {
	_, err := p.refs.incr(hash, 1)
	if err != nil {
		return fmt.Errorf("blobpool: incref %s: %w", hash, err)
	}
	return nil
}

// DecRef decrements hash's reference count and reports whether it has
// dropped to zero and is now eligible for Sweep.
func (p *Pool) DecRef(hash string) (bool, error) {
	n, err := p.refs.incr(hash, -1)
	if err != nil {
		return false, fmt.Errorf("blobpool: decref %s: %w", hash, err)
	}
	return n <= 0, nil
}

// Sweep removes blobs whose refcount is at or below zero, returning the
// number removed.
func (p *Pool) Sweep(ctx context.Context) (int, error) {
	hashes, err := p.refs.zeroed()
	if err != nil {
		return 0, fmt.Errorf("blobpool: enumerate zeroed refcounts: %w", err)
	}

	removed := 0
	for _, hash := range hashes {
		if err := p.store.Delete(ctx, blobKey(hash)); err != nil {
			return removed, fmt.Errorf("blobpool: delete swept blob %s: %w", hash, err)
		}
		if err := p.refs.delete(hash); err != nil {
			return removed, fmt.Errorf("blobpool: delete refcount %s: %w", hash, err)
		}
		removed++
	}
	return removed, nil
}

// boltRefcounts persists refcounts in a local bbolt database, grounded
// on the teacher's bucket-per-concern BoltStore.
type boltRefcounts struct {
	db *bolt.DB
}

func newBoltRefcounts(dbDir string) (*boltRefcounts, error) {
	db, err := bolt.Open(dbDir+"/refcounts.db", 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("blobpool: open refcounts.db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRefcounts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("blobpool: create refcounts bucket: %w", err)
	}
	return &boltRefcounts{db: db}, nil
}

func (b *boltRefcounts) get(hash string) (int, error) {
	var n int
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRefcounts).Get([]byte(hash))
		n = decodeCount(v)
		return nil
	})
	return n, err
}

func (b *boltRefcounts) incr(hash string, delta int) (int, error) {
	var n int
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketRefcounts)
		n = decodeCount(bucket.Get([]byte(hash))) + delta
		return bucket.Put([]byte(hash), encodeCount(n))
	})
	return n, err
}

func (b *boltRefcounts) delete(hash string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefcounts).Delete([]byte(hash))
	})
}

func (b *boltRefcounts) zeroed() ([]string, error) {
	var hashes []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRefcounts).ForEach(func(k, v []byte) error {
			if decodeCount(v) <= 0 {
				hashes = append(hashes, string(k))
			}
			return nil
		})
	})
	return hashes, err
}

func (b *boltRefcounts) close() error {
	return b.db.Close()
}

func encodeCount(n int) []byte {
	return []byte(fmt.Sprintf("%d", n))
}

func decodeCount(v []byte) int {
	if v == nil {
		return 0
	}
	var n int
	_, _ = fmt.Sscanf(string(v), "%d", &n)
	return n
}

// memRefcounts keeps refcounts in a mutex-guarded map, used when the
// backing store has no local filesystem path for bbolt.
type memRefcounts struct {
	mu     sync.Mutex
	counts map[string]int
}

func newMemRefcounts() *memRefcounts {
	return &memRefcounts{counts: make(map[string]int)}
}

func (m *memRefcounts) get(hash string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[hash], nil
}

func (m *memRefcounts) incr(hash string, delta int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts[hash] += delta
	return m.counts[hash], nil
}

func (m *memRefcounts) delete(hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.counts, hash)
	return nil
}

func (m *memRefcounts) zeroed() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hashes []string
	for hash, n := range m.counts {
		if n <= 0 {
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

func (m *memRefcounts) close() error {
	return nil
}
