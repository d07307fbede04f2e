// Package vcs implements the branch/commit manager (C11): Git-like
// branching over the engine's on-disk state, layered on C2 (content-
// addressed commit storage), C3 (named refs), and C4's copy-on-write
// branch inheritance. Per-entity versioning and structural diffing live
// alongside it in version.go and diff.go.
package vcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cuemby/lattice/pkg/blobpool"
	"github.com/cuemby/lattice/pkg/cache"
	"github.com/cuemby/lattice/pkg/entitystore"
	"github.com/cuemby/lattice/pkg/hnsw"
	"github.com/cuemby/lattice/pkg/objectstore"
	"github.com/cuemby/lattice/pkg/refs"
	"github.com/cuemby/lattice/pkg/types"
	"github.com/cuemby/lattice/pkg/writebuffer"
)

// commitPayload is the canonically-hashed, content-addressed body of one
// Commit. Hash itself is never stored in the payload: it is the
// blobpool hash of this struct's canonical bytes.
type commitPayload struct {
	TreeHash    string `json:"treeHash"`
	Parent      string `json:"parent"`
	Author      string `json:"author"`
	Message     string `json:"message"`
	TimestampMs int64  `json:"timestampMs"`
}

// Manager composes the ref/blob/cache/index layers into branch and
// commit operations. One Manager instance is shared by every branch;
// HNSW's per-branch TypedIndex is the only collaborator that needs a
// branch-keyed instance, since pkg/metaindex/pkg/graphindex take branch
// as a call parameter and resolve COW inheritance through pkg/cache
// automatically.
type Manager struct {
	refs     *refs.Manager
	blobs    *blobpool.Pool
	cache    *cache.Cache
	wb       *writebuffer.WriteBuffer
	store    objectstore.Store
	entities *entitystore.Store

	mu            sync.Mutex
	hnswByBranch  map[string]*hnsw.TypedIndex
	currentBranch string

	now func() int64
}

// New creates a Manager over its collaborators, seeded with "main" as
// both the initial branch and current branch. now supplies the commit
// timestamp (epoch ms); pass a fixed function in tests for determinism.
func New(r *refs.Manager, blobs *blobpool.Pool, c *cache.Cache, wb *writebuffer.WriteBuffer, store objectstore.Store, entities *entitystore.Store, rootHNSW *hnsw.TypedIndex, now func() int64) *Manager {
	return &Manager{
		refs:          r,
		blobs:         blobs,
		cache:         c,
		wb:            wb,
		store:         store,
		entities:      entities,
		hnswByBranch:  map[string]*hnsw.TypedIndex{"main": rootHNSW},
		currentBranch: "main",
		now:           now,
	}
}

// GetCurrentBranch returns the process-scoped current branch name.
func (m *Manager) GetCurrentBranch() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentBranch
}

// HNSW returns the TypedIndex for branch, for callers (pkg/engine) that
// need to route vector operations through the right branch's graphs.
func (m *Manager) HNSW(branch string) (*hnsw.TypedIndex, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.hnswByBranch[branch]
	if !ok {
		return nil, types.NewError(types.ErrNotFound, "vcs.HNSW", "no such branch: "+branch)
	}
	return idx, nil
}

// ListBranches returns every branch ref's name, lexicographically.
func (m *Manager) ListBranches(ctx context.Context) ([]string, error) {
	return m.refs.List(ctx, refs.KindBranch)
}

// Fork creates childName as a new branch pointed at fromBranch's current
// commit (fromBranch defaults to the current branch when empty), and
// wires copy-on-write inheritance across C4 and C9 so the child reads
// through to the parent until it writes its own state. Per spec.md
// §4.9, C7/C8 need no separate re-opening step: every metaindex/
// graphindex call already takes branch as a parameter and resolves COW
// fallthrough via pkg/cache.Read, so enabling COW on the cache is
// sufficient for them too.
func (m *Manager) Fork(ctx context.Context, childName, fromBranch string) error {
	m.mu.Lock()
	if fromBranch == "" {
		fromBranch = m.currentBranch
	}
	parentHNSW, ok := m.hnswByBranch[fromBranch]
	m.mu.Unlock()
	if !ok {
		return types.NewError(types.ErrNotFound, "vcs.Fork", "no such branch: "+fromBranch)
	}

	parentHash, err := m.refs.Get(ctx, refs.KindBranch, fromBranch)
	if err != nil {
		if !isRefNotFound(err) {
			return fmt.Errorf("vcs: resolve fork source %s: %w", fromBranch, err)
		}
		parentHash = ""
	}

	if err := m.refs.SetIfMatch(ctx, refs.KindBranch, childName, "", parentHash); err != nil {
		return fmt.Errorf("vcs: create branch ref %s: %w", childName, err)
	}

	m.cache.EnableCOW(childName, fromBranch)
	childHNSW := parentHNSW.Fork(childName)

	m.mu.Lock()
	m.hnswByBranch[childName] = childHNSW
	m.mu.Unlock()
	return nil
}

// Checkout swaps the process-scoped current branch. No data moves.
func (m *Manager) Checkout(ctx context.Context, branchName string) error {
	if _, err := m.refs.Get(ctx, refs.KindBranch, branchName); err != nil {
		return types.Wrap(types.ErrNotFound, "vcs.Checkout", "no such branch: "+branchName, err)
	}
	m.mu.Lock()
	m.currentBranch = branchName
	m.mu.Unlock()
	return nil
}

// DeleteBranch removes name's ref. It refuses to delete the current
// branch unless force is set, matching spec.md §4.9.
func (m *Manager) DeleteBranch(ctx context.Context, name string, force bool) error {
	m.mu.Lock()
	isCurrent := name == m.currentBranch
	m.mu.Unlock()
	if isCurrent && !force {
		return types.NewError(types.ErrConflict, "vcs.DeleteBranch", "cannot delete the current branch without force")
	}

	if err := m.refs.Delete(ctx, refs.KindBranch, name); err != nil {
		return fmt.Errorf("vcs: delete branch ref %s: %w", name, err)
	}
	m.cache.DisableCOW(name)

	m.mu.Lock()
	delete(m.hnswByBranch, name)
	if isCurrent {
		m.currentBranch = "main"
	}
	m.mu.Unlock()
	return nil
}

// Commit flushes all pending buffered writes, content-hashes the keys
// under branch's own storage prefix into a treeHash, stores a commit payload
// referencing it, and advances the branch ref. Returns the new commit's
// hash.
func (m *Manager) Commit(ctx context.Context, branch, author, message string) (string, error) {
	m.wb.ForceFlush(ctx)

	treeHash, err := m.treeHash(ctx, branch)
	if err != nil {
		return "", fmt.Errorf("vcs: compute tree hash: %w", err)
	}

	parentHash, err := m.refs.Get(ctx, refs.KindBranch, branch)
	if err != nil {
		if !isRefNotFound(err) {
			return "", fmt.Errorf("vcs: resolve branch %s: %w", branch, err)
		}
		parentHash = ""
	}

	payload := commitPayload{
		TreeHash:    treeHash,
		Parent:      parentHash,
		Author:      author,
		Message:     message,
		TimestampMs: m.now(),
	}
	canonical, err := types.CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("vcs: canonicalize commit: %w", err)
	}

	hash, err := m.blobs.Put(ctx, canonical)
	if err != nil {
		return "", fmt.Errorf("vcs: store commit blob: %w", err)
	}
	if err := m.blobs.IncRef(hash); err != nil {
		return "", fmt.Errorf("vcs: incref commit blob: %w", err)
	}

	if err := m.refs.SetIfMatch(ctx, refs.KindBranch, branch, parentHash, hash); err != nil {
		return "", fmt.Errorf("vcs: advance branch %s: %w", branch, err)
	}
	return hash, nil
}

// treeHash canonically hashes the sorted set of (key, content-hash)
// pairs the branch's own storage prefix lists, giving a stable
// fingerprint of the branch's visible state without needing a separate
// merkle-tree structure: the object store already content-addresses
// nothing beyond blobpool entries, so this walks the branch's raw key
// space directly via pkg/objectstore.Store.List.
func (m *Manager) treeHash(ctx context.Context, branch string) (string, error) {
	prefix := branch + "/"
	type entry struct {
		Key  string `json:"key"`
		Hash string `json:"hash"`
	}
	var entries []entry

	cursor := ""
	for {
		keys, next, err := m.store.List(ctx, prefix, cursor, 1000)
		if err != nil {
			return "", err
		}
		for _, k := range keys {
			data, err := m.store.Get(ctx, k)
			if err != nil {
				continue
			}
			entries = append(entries, entry{Key: k, Hash: types.HashBytes(data)})
		}
		if next == "" {
			break
		}
		cursor = next
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return types.CanonicalHash(entries)
}

// GetHistory walks branch's commit chain from its current head,
// yielding up to limit commits newest-first. limit <= 0 means
// unbounded.
func (m *Manager) GetHistory(ctx context.Context, branch string, limit int) ([]types.Commit, error) {
	head, err := m.refs.Get(ctx, refs.KindBranch, branch)
	if err != nil {
		if isRefNotFound(err) {
			return []types.Commit{}, nil
		}
		return nil, err
	}

	out := []types.Commit{}
	hash := head
	for hash != "" && (limit <= 0 || len(out) < limit) {
		data, err := m.blobs.Get(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("vcs: read commit %s: %w", hash, err)
		}
		var payload commitPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			return nil, fmt.Errorf("vcs: unmarshal commit %s: %w", hash, err)
		}
		out = append(out, types.Commit{
			Hash:        hash,
			Parent:      payload.Parent,
			TreeHash:    payload.TreeHash,
			Author:      payload.Author,
			Message:     payload.Message,
			TimestampMs: payload.TimestampMs,
		})
		hash = payload.Parent
	}
	return out, nil
}

func isRefNotFound(err error) bool {
	return err != nil && errors.Is(err, types.ErrNotFound)
}
