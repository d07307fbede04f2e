package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueFromAnyRoundTrip(t *testing.T) {
	input := map[string]any{
		"name": "ada",
		"age":  float64(30),
		"tags": []any{"eng", "founder"},
		"address": map[string]any{
			"city": "london",
		},
		"deleted": nil,
	}

	v, err := FromAny(input)
	require.NoError(t, err)
	assert.Equal(t, KindObj, v.Kind)

	back := v.ToAny()
	assert.Equal(t, input, back)
}

func TestValueWalkVisitsScalarLeavesInSortedFieldOrder(t *testing.T) {
	v := Obj(map[string]Value{
		"b": Num(2),
		"a": Str("x"),
		"tags": Arr(Str("p"), Str("q")),
	})

	var paths []string
	v.Walk("", func(path string, leaf Value) {
		paths = append(paths, path)
	})

	assert.Equal(t, []string{"a", "b", "tags[0]", "tags[1]"}, paths)
}

func TestValueGetDottedAndIndexedPaths(t *testing.T) {
	v := Obj(map[string]Value{
		"address": Obj(map[string]Value{
			"street": Str("baker"),
		}),
		"tags": Arr(Str("p"), Str("q"), Str("r")),
	})

	got, ok := v.Get("address.street")
	require.True(t, ok)
	assert.Equal(t, Str("baker"), got)

	got, ok = v.Get("tags[2]")
	require.True(t, ok)
	assert.Equal(t, Str("r"), got)

	_, ok = v.Get("address.zip")
	assert.False(t, ok)
}

func TestValueEqual(t *testing.T) {
	a := Obj(map[string]Value{"v": Num(1)})
	b := Obj(map[string]Value{"v": Num(1)})
	c := Obj(map[string]Value{"v": Num(2)})

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestVectorEncodeDecodeRoundTrip(t *testing.T) {
	v := []float32{0.5, -0.25, 1.5, 0}
	buf := EncodeVector(v)
	assert.Len(t, buf, 4+4*len(v))

	back, err := DecodeVector(buf)
	require.NoError(t, err)
	assert.Equal(t, v, back)
}

func TestDecodeVectorRejectsTruncatedBuffer(t *testing.T) {
	buf := EncodeVector([]float32{1, 2, 3})
	_, err := DecodeVector(buf[:len(buf)-1])
	assert.Error(t, err)
}

func TestCosineDistanceOfIdenticalNormalizedVectorsIsZero(t *testing.T) {
	v := NormalizeVector([]float32{3, 4})
	d := CosineDistance(v, v)
	assert.InDelta(t, 0, d, 1e-6)
}

func TestCanonicalHashIsStableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestCanonicalHashDiffersOnValueChange(t *testing.T) {
	h1, _ := CanonicalHash(map[string]any{"a": 1})
	h2, _ := CanonicalHash(map[string]any{"a": 2})
	assert.NotEqual(t, h1, h2)
}

func TestEngineErrorClassification(t *testing.T) {
	err := NewError(ErrNotFound, "engine.Get", "noun missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, Retryable(err))

	wrapped := Wrap(ErrThrottled, "objectstore.Put", "rate limited", assert.AnError)
	assert.ErrorIs(t, wrapped, ErrThrottled)
	assert.True(t, Retryable(wrapped))
}
