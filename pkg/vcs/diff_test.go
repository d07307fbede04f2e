package vcs

import (
	"testing"

	"github.com/cuemby/lattice/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeIdenticalValuesReportNoChanges(t *testing.T) {
	v := types.Obj(map[string]types.Value{"name": types.Str("Ada")})
	d, err := Compute(v, v, DiffOptions{})
	require.NoError(t, err)
	assert.True(t, d.Identical)
	assert.Zero(t, d.TotalChanges)
}

func TestComputeDetectsModifiedLeaf(t *testing.T) {
	from := types.Obj(map[string]types.Value{"city": types.Str("nyc")})
	to := types.Obj(map[string]types.Value{"city": types.Str("sf")})

	d, err := Compute(from, to, DiffOptions{})
	require.NoError(t, err)
	require.Len(t, d.Modified, 1)
	assert.Equal(t, "city", d.Modified[0].Path)
	assert.Equal(t, "nyc", d.Modified[0].From.S)
	assert.Equal(t, "sf", d.Modified[0].To.S)
	assert.False(t, d.Identical)
}

func TestComputeDetectsAddedAndRemovedKeys(t *testing.T) {
	from := types.Obj(map[string]types.Value{"old": types.Str("x")})
	to := types.Obj(map[string]types.Value{"new": types.Str("y")})

	d, err := Compute(from, to, DiffOptions{})
	require.NoError(t, err)
	require.Len(t, d.Added, 1)
	require.Len(t, d.Removed, 1)
	assert.Equal(t, "new", d.Added[0].Path)
	assert.Equal(t, "old", d.Removed[0].Path)
}

func TestComputeDetectsTypeChange(t *testing.T) {
	from := types.Obj(map[string]types.Value{"age": types.Num(30)})
	to := types.Obj(map[string]types.Value{"age": types.Str("thirty")})

	d, err := Compute(from, to, DiffOptions{})
	require.NoError(t, err)
	require.Len(t, d.TypeChanged, 1)
	assert.Equal(t, "age", d.TypeChanged[0].Path)
}

func TestComputeNestedObjectDottedPath(t *testing.T) {
	from := types.Obj(map[string]types.Value{
		"address": types.Obj(map[string]types.Value{"street": types.Str("1st")}),
	})
	to := types.Obj(map[string]types.Value{
		"address": types.Obj(map[string]types.Value{"street": types.Str("2nd")}),
	})

	d, err := Compute(from, to, DiffOptions{})
	require.NoError(t, err)
	require.Len(t, d.Modified, 1)
	assert.Equal(t, "address.street", d.Modified[0].Path)
}

func TestComputeArrayElementwiseAndTailAdded(t *testing.T) {
	from := types.Obj(map[string]types.Value{"tags": types.Arr(types.Str("a"), types.Str("b"))})
	to := types.Obj(map[string]types.Value{"tags": types.Arr(types.Str("a"), types.Str("x"), types.Str("c"))})

	d, err := Compute(from, to, DiffOptions{})
	require.NoError(t, err)
	require.Len(t, d.Modified, 1)
	assert.Equal(t, "tags[1]", d.Modified[0].Path)
	require.Len(t, d.Added, 1)
	assert.Equal(t, "tags[2]", d.Added[0].Path)
}

func TestComputeArrayShrinkReportsRemovedTail(t *testing.T) {
	from := types.Obj(map[string]types.Value{"tags": types.Arr(types.Str("a"), types.Str("b"), types.Str("c"))})
	to := types.Obj(map[string]types.Value{"tags": types.Arr(types.Str("a"))})

	d, err := Compute(from, to, DiffOptions{})
	require.NoError(t, err)
	require.Len(t, d.Removed, 2)
}

func TestComputeMaxDepthTruncatesToSingleModification(t *testing.T) {
	from := types.Obj(map[string]types.Value{
		"profile": types.Obj(map[string]types.Value{
			"address": types.Obj(map[string]types.Value{"street": types.Str("1st")}),
		}),
	})
	to := types.Obj(map[string]types.Value{
		"profile": types.Obj(map[string]types.Value{
			"address": types.Obj(map[string]types.Value{"street": types.Str("2nd")}),
		}),
	})

	d, err := Compute(from, to, DiffOptions{MaxDepth: 1})
	require.NoError(t, err)
	require.Len(t, d.Modified, 1)
	assert.Equal(t, "profile", d.Modified[0].Path)
	assert.Empty(t, d.Added)
	assert.Empty(t, d.Removed)
}

func TestComputeIgnoreFieldsExcludesPath(t *testing.T) {
	from := types.Obj(map[string]types.Value{
		"city":      types.Str("nyc"),
		"updatedAt": types.Num(1),
	})
	to := types.Obj(map[string]types.Value{
		"city":      types.Str("sf"),
		"updatedAt": types.Num(2),
	})

	d, err := Compute(from, to, DiffOptions{IgnoreFields: []string{"updatedAt"}})
	require.NoError(t, err)
	require.Len(t, d.Modified, 1)
	assert.Equal(t, "city", d.Modified[0].Path)
}

func TestComputeNullIsNotUndefined(t *testing.T) {
	from := types.Obj(map[string]types.Value{"flag": types.Null})
	to := types.Obj(map[string]types.Value{"flag": types.Null})

	d, err := Compute(from, to, DiffOptions{})
	require.NoError(t, err)
	assert.True(t, d.Identical)
}
