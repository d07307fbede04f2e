package objectstore

import (
	"context"
	"os"
	"testing"

	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storeSuite(t *testing.T, s Store) {
	ctx := context.Background()

	ok, err := s.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, s.Put(ctx, "a/1", []byte("hello")))
	ok, err = s.Exists(ctx, "a/1")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := s.Get(ctx, "a/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)

	require.NoError(t, s.PutBatch(ctx, map[string][]byte{
		"a/2": []byte("two"),
		"a/3": []byte("three"),
		"b/1": []byte("other"),
	}))

	keys, next, err := s.List(ctx, "a/", "", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2", "a/3"}, keys)
	assert.Empty(t, next)

	keys, next, err = s.List(ctx, "a/", "", 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/1", "a/2"}, keys)
	assert.Equal(t, "a/2", next)

	require.NoError(t, s.Delete(ctx, "a/1"))
	ok, err = s.Exists(ctx, "a/1")
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting an already-missing key is not an error
	require.NoError(t, s.Delete(ctx, "a/1"))
}

func TestMemoryStore(t *testing.T) {
	storeSuite(t, NewMemoryStore())
}

func TestMemoryStorePutCopiesBytes(t *testing.T) {
	s := NewMemoryStore()
	buf := []byte("mutable")
	require.NoError(t, s.Put(context.Background(), "k", buf))
	buf[0] = 'X'

	got, err := s.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("mutable"), got)
}

func TestFileStore(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)
	storeSuite(t, s)
}

func TestFileStorePutIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), "nested/key", []byte("v1")))
	entries, err := os.ReadDir(dir + "/nested")
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestOpenUnknownKind(t *testing.T) {
	_, err := Open(config.StorageConfig{Kind: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestOpenMemoryAndFile(t *testing.T) {
	s, err := Open(config.StorageConfig{Kind: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	dir := t.TempDir()
	s, err = Open(config.StorageConfig{Kind: "file", BasePath: dir})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, s)
}
