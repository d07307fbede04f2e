package refs

import (
	"context"
	"sync"
	"testing"

	"github.com/cuemby/lattice/pkg/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetList(t *testing.T) {
	m := New(objectstore.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, KindBranch, "main", "commit-1"))
	require.NoError(t, m.Set(ctx, KindBranch, "dev", "commit-2"))
	require.NoError(t, m.Set(ctx, KindTag, "v1", "commit-1"))

	hash, err := m.Get(ctx, KindBranch, "main")
	require.NoError(t, err)
	assert.Equal(t, "commit-1", hash)

	branches, err := m.List(ctx, KindBranch)
	require.NoError(t, err)
	assert.Equal(t, []string{"dev", "main"}, branches)

	tags, err := m.List(ctx, KindTag)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, tags)
}

func TestGetMissingRef(t *testing.T) {
	m := New(objectstore.NewMemoryStore())
	_, err := m.Get(context.Background(), KindBranch, "nope")
	assert.Error(t, err)
}

func TestSetIfMatchSucceedsOnExpectedValue(t *testing.T) {
	m := New(objectstore.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, m.SetIfMatch(ctx, KindBranch, "main", "", "commit-1"))
	hash, err := m.Get(ctx, KindBranch, "main")
	require.NoError(t, err)
	assert.Equal(t, "commit-1", hash)

	require.NoError(t, m.SetIfMatch(ctx, KindBranch, "main", "commit-1", "commit-2"))
	hash, err = m.Get(ctx, KindBranch, "main")
	require.NoError(t, err)
	assert.Equal(t, "commit-2", hash)
}

func TestSetIfMatchRejectsStaleExpectation(t *testing.T) {
	m := New(objectstore.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, m.SetIfMatch(ctx, KindBranch, "main", "", "commit-1"))
	err := m.SetIfMatch(ctx, KindBranch, "main", "wrong-parent", "commit-2")
	assert.Error(t, err)

	hash, err := m.Get(ctx, KindBranch, "main")
	require.NoError(t, err)
	assert.Equal(t, "commit-1", hash, "rejected CAS must not mutate the ref")
}

func TestSetIfMatchIsSerializedPerName(t *testing.T) {
	m := New(objectstore.NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, m.SetIfMatch(ctx, KindBranch, "main", "", "commit-0"))

	const attempts = 20
	var wg sync.WaitGroup
	successes := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := m.SetIfMatch(ctx, KindBranch, "main", "commit-0", "commit-1")
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one CAS from the same expected value should succeed")
}

func TestDelete(t *testing.T) {
	m := New(objectstore.NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, m.Set(ctx, KindBranch, "main", "commit-1"))
	require.NoError(t, m.Delete(ctx, KindBranch, "main"))

	_, err := m.Get(ctx, KindBranch, "main")
	assert.Error(t, err)
}
