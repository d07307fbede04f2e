package writebuffer

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/lattice/pkg/config"
	"github.com/cuemby/lattice/pkg/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() config.WriteConfig {
	return config.WriteConfig{
		MaxBufferSize:   10,
		FlushIntervalMs: 50,
		MinFlushSize:    2,
		MaxRetries:      3,
	}
}

func TestSubmitAndForceFlushWrites(t *testing.T) {
	store := objectstore.NewMemoryStore()
	wb := New(store, testConfig(), NewBackpressure())

	wb.Submit(KindNoun, "nouns/person/1", []byte("alice"))
	wb.Submit(KindNoun, "nouns/person/2", []byte("bob"))

	ctx := context.Background()
	wb.ForceFlush(ctx)

	data, err := store.Get(ctx, "nouns/person/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("alice"), data)

	data, err = store.Get(ctx, "nouns/person/2")
	require.NoError(t, err)
	assert.Equal(t, []byte("bob"), data)
}

func TestSubmitDedupesSameKey(t *testing.T) {
	store := objectstore.NewMemoryStore()
	wb := New(store, testConfig(), NewBackpressure())

	wb.Submit(KindNoun, "nouns/person/1", []byte("v1"))
	wb.Submit(KindNoun, "nouns/person/1", []byte("v2"))

	ctx := context.Background()
	wb.ForceFlush(ctx)

	data, err := store.Get(ctx, "nouns/person/1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), data)
}

func TestSubmitDeleteRemovesKey(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore()
	require.NoError(t, store.Put(ctx, "nouns/person/1", []byte("alice")))

	wb := New(store, testConfig(), NewBackpressure())
	wb.SubmitDelete(KindNoun, "nouns/person/1")
	wb.ForceFlush(ctx)

	_, err := store.Get(ctx, "nouns/person/1")
	assert.Error(t, err)
}

func TestFlushLoopDrainsOnInterval(t *testing.T) {
	store := objectstore.NewMemoryStore()
	wb := New(store, testConfig(), NewBackpressure())
	wb.Start()
	defer wb.Stop()

	wb.Submit(KindVerb, "verbs/likes/1", []byte("v1"))

	assert.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "verbs/likes/1")
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestFlushLoopDrainsOnSizeThreshold(t *testing.T) {
	store := objectstore.NewMemoryStore()
	cfg := testConfig()
	cfg.FlushIntervalMs = 10_000 // rule out the interval trigger
	wb := New(store, cfg, NewBackpressure())
	wb.Start()
	defer wb.Stop()

	for i := 0; i < cfg.MaxBufferSize+1; i++ {
		wb.Submit(KindMetadata, "metadata/field/"+string(rune('a'+i)), []byte("v"))
	}

	assert.Eventually(t, func() bool {
		_, err := store.Get(context.Background(), "metadata/field/a")
		return err == nil
	}, time.Second, 10*time.Millisecond)
}

func TestStopDrainsPendingEntries(t *testing.T) {
	store := objectstore.NewMemoryStore()
	cfg := testConfig()
	cfg.FlushIntervalMs = 10_000
	wb := New(store, cfg, NewBackpressure())
	wb.Start()

	wb.Submit(KindHNSW, "hnsw/node/1", []byte("v"))
	wb.Stop()

	_, err := store.Get(context.Background(), "hnsw/node/1")
	assert.NoError(t, err)
}

func TestBandClassification(t *testing.T) {
	assert.Equal(t, Low, bandOf(0))
	assert.Equal(t, Low, bandOf(99))
	assert.Equal(t, Moderate, bandOf(100))
	assert.Equal(t, Moderate, bandOf(499))
	assert.Equal(t, High, bandOf(500))
	assert.Equal(t, High, bandOf(1999))
	assert.Equal(t, Extreme, bandOf(2000))
}

func TestBackpressureRejectsWritesUnderExtremeLoad(t *testing.T) {
	bp := NewBackpressure()
	ctx := context.Background()

	var tokens []Token
	for i := 0; i < 2000; i++ {
		tok, err := bp.RequestPermission(ctx, PriorityRead)
		require.NoError(t, err)
		tokens = append(tokens, tok)
	}

	assert.Equal(t, Extreme, bp.Pressure())

	_, err := bp.RequestPermission(ctx, PriorityWrite)
	assert.Error(t, err)

	_, err = bp.RequestPermission(ctx, PriorityFlush)
	assert.NoError(t, err)

	for _, tok := range tokens {
		bp.Release(tok, true)
	}
	assert.NotEqual(t, Extreme, bp.Pressure())
}

func TestOnFlushedFiresForSuccessfulKeysOnly(t *testing.T) {
	store := objectstore.NewMemoryStore()
	wb := New(store, testConfig(), NewBackpressure())

	var flushed []string
	wb.OnFlushed(func(key string) { flushed = append(flushed, key) })

	wb.Submit(KindNoun, "nouns/person/1", []byte("v1"))
	wb.ForceFlush(context.Background())

	assert.Equal(t, []string{"nouns/person/1"}, flushed)
}

func TestCoalescerReportsFailedPuts(t *testing.T) {
	c := NewCoalescer(failingStore{}, 10)
	failed := c.Flush(context.Background(), KindNoun, []Command{
		{Op: opPut, Entry: pendingOp{key: "a", value: []byte("v")}},
	})
	require.Len(t, failed, 1)
	assert.Equal(t, "a", failed[0].Entry.key)
}

type failingStore struct{ objectstore.Store }

func (failingStore) PutBatch(ctx context.Context, items map[string][]byte) error {
	return assertAnError
}

var assertAnError = &staticErr{"put batch failed"}

type staticErr struct{ msg string }

func (e *staticErr) Error() string { return e.msg }
