package objectstore

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cuemby/lattice/pkg/types"
)

// FileStore is a Store backed by the local filesystem, rooted at base.
// Put is atomic: it writes to a ".tmp-<rand>-<pid>" file in the key's
// directory and renames it over the final path, so a reader never observes a partial
// write.
type FileStore struct {
	base string
}

// NewFileStore creates a FileStore rooted at base, creating the
// directory if needed.
func NewFileStore(base string) (*FileStore, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: create base dir %s: %w", base, err)
	}
	return &FileStore{base: base}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.base, filepath.FromSlash(key))
}

func (s *FileStore) Put(_ context.Context, key string, value []byte) error {
	final := s.path(key)
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("objectstore: mkdir %s: %w", dir, err)
	}

	tmp := filepath.Join(dir, fmt.Sprintf(".tmp-%d-%d", rand.Int63(), os.Getpid()))
	if err := os.WriteFile(tmp, value, 0o644); err != nil {
		return fmt.Errorf("objectstore: write temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("objectstore: rename into place: %w", err)
	}
	return nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.path(key))
	if os.IsNotExist(err) {
		return nil, types.NewError(types.ErrNotFound, "objectstore.Get", "key not found: "+key)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: read %s: %w", key, err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.path(key))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("objectstore: stat %s: %w", key, err)
	}
	return true, nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("objectstore: remove %s: %w", key, err)
	}
	return nil
}

func (s *FileStore) List(_ context.Context, prefix, cursor string, limit int) ([]string, string, error) {
	root := s.path(prefix)
	var keys []string

	walkErr := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.base, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) && key > cursor {
			keys = append(keys, key)
		}
		return nil
	})
	if walkErr != nil {
		return nil, "", fmt.Errorf("objectstore: list %s: %w", prefix, walkErr)
	}

	sort.Strings(keys)
	if limit <= 0 || len(keys) <= limit {
		return keys, "", nil
	}
	return keys[:limit], keys[limit-1], nil
}

func (s *FileStore) PutBatch(ctx context.Context, items map[string][]byte) error {
	for k, v := range items {
		if err := s.Put(ctx, k, v); err != nil {
			return err
		}
	}
	return nil
}
