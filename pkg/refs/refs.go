// Package refs implements the named ref manager (C3): branches and tags
// are UTF-8 commit-hash strings stored at refs/<kind>/<name> through a
// pkg/objectstore.Store, with a compare-and-swap Set used by pkg/vcs to
// serialize concurrent commits to the same branch.
package refs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cuemby/lattice/pkg/objectstore"
	"github.com/cuemby/lattice/pkg/types"
)

// Kind distinguishes the two ref namespaces.
type Kind string

const (
	KindBranch Kind = "branches"
	KindTag    Kind = "tags"
)

func refKey(kind Kind, name string) string {
	return fmt.Sprintf("refs/%s/%s", kind, name)
}

// Manager reads and writes named refs and serializes per-name mutation.
type Manager struct {
	store objectstore.Store
	locks sync.Map // map[string]*sync.Mutex, keyed by "kind/name"
}

// New creates a Manager over store.
func New(store objectstore.Store) *Manager {
	return &Manager{store: store}
}

func (m *Manager) lockFor(kind Kind, name string) *sync.Mutex {
	key := string(kind) + "/" + name
	v, _ := m.locks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Get returns the commit hash name points to.
func (m *Manager) Get(ctx context.Context, kind Kind, name string) (string, error) {
	data, err := m.store.Get(ctx, refKey(kind, name))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Set unconditionally points name at hash.
func (m *Manager) Set(ctx context.Context, kind Kind, name, hash string) error {
	lock := m.lockFor(kind, name)
	lock.Lock()
	defer lock.Unlock()
	return m.store.Put(ctx, refKey(kind, name), []byte(hash))
}

// SetIfMatch atomically sets name to newHash only if its current value
// equals expectedOld (empty string meaning "ref does not exist yet").
// It serializes against concurrent SetIfMatch/Delete calls for the same
// (kind, name) via a per-name mutex, then re-reads under that lock to
// detect a stale caller.
func (m *Manager) SetIfMatch(ctx context.Context, kind Kind, name, expectedOld, newHash string) error {
	lock := m.lockFor(kind, name)
	lock.Lock()
	defer lock.Unlock()

	current, err := m.store.Get(ctx, refKey(kind, name))
	if err != nil && !isNotFound(err) {
		return err
	}
	currentStr := string(current)
	if err != nil {
		currentStr = ""
	}
	if currentStr != expectedOld {
		return types.NewError(types.ErrConflict, "refs.SetIfMatch",
			fmt.Sprintf("ref %s/%s is %q, expected %q", kind, name, currentStr, expectedOld))
	}
	return m.store.Put(ctx, refKey(kind, name), []byte(newHash))
}

// List returns all ref names of kind in lexicographic order.
func (m *Manager) List(ctx context.Context, kind Kind) ([]string, error) {
	prefix := fmt.Sprintf("refs/%s/", kind)
	var names []string
	cursor := ""
	for {
		keys, next, err := m.store.List(ctx, prefix, cursor, 0)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			names = append(names, strings.TrimPrefix(k, prefix))
		}
		if next == "" {
			break
		}
		cursor = next
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes name.
func (m *Manager) Delete(ctx context.Context, kind Kind, name string) error {
	lock := m.lockFor(kind, name)
	lock.Lock()
	defer lock.Unlock()
	return m.store.Delete(ctx, refKey(kind, name))
}

func isNotFound(err error) bool {
	return errors.Is(err, types.ErrNotFound)
}
