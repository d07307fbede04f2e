package vcs

import (
	"context"
	"testing"

	"github.com/cuemby/lattice/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveCreatesFirstVersion(t *testing.T) {
	m, _, wb := newHarness(t)
	ctx := context.Background()

	require.NoError(t, m.entities.SaveNoun(ctx, "main", &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"name": types.Str("Ada")})}))
	wb.ForceFlush(ctx)

	v, err := m.Save(ctx, "main", "p1", VersionOptions{Description: "initial"})
	require.NoError(t, err)
	assert.Equal(t, 1, v.Number)
	assert.NotEmpty(t, v.ContentHash)

	count, err := m.GetVersionCount(ctx, "main", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSaveDedupsWhenContentUnchanged(t *testing.T) {
	m, _, wb := newHarness(t)
	ctx := context.Background()

	require.NoError(t, m.entities.SaveNoun(ctx, "main", &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Null}))
	wb.ForceFlush(ctx)

	v1, err := m.Save(ctx, "main", "p1", VersionOptions{})
	require.NoError(t, err)

	v2, err := m.Save(ctx, "main", "p1", VersionOptions{})
	require.NoError(t, err)
	assert.Equal(t, v1.Number, v2.Number)

	count, err := m.GetVersionCount(ctx, "main", "p1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSaveCreatesNewVersionOnChange(t *testing.T) {
	m, _, wb := newHarness(t)
	ctx := context.Background()

	require.NoError(t, m.entities.SaveNoun(ctx, "main", &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"v": types.Num(1)})}))
	wb.ForceFlush(ctx)
	_, err := m.Save(ctx, "main", "p1", VersionOptions{Tag: "v1"})
	require.NoError(t, err)

	require.NoError(t, m.entities.SaveNoun(ctx, "main", &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"v": types.Num(2)})}))
	wb.ForceFlush(ctx)
	v2, err := m.Save(ctx, "main", "p1", VersionOptions{Tag: "v2"})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Number)

	count, err := m.GetVersionCount(ctx, "main", "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestListReturnsNewestFirstAndFiltersByTag(t *testing.T) {
	m, _, wb := newHarness(t)
	ctx := context.Background()

	require.NoError(t, m.entities.SaveNoun(ctx, "main", &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"v": types.Num(1)})}))
	wb.ForceFlush(ctx)
	_, err := m.Save(ctx, "main", "p1", VersionOptions{Tag: "stable"})
	require.NoError(t, err)

	require.NoError(t, m.entities.SaveNoun(ctx, "main", &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"v": types.Num(2)})}))
	wb.ForceFlush(ctx)
	_, err = m.Save(ctx, "main", "p1", VersionOptions{Tag: "beta"})
	require.NoError(t, err)

	all, err := m.List(ctx, "main", "p1", ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 2, all[0].Number)
	assert.Equal(t, 1, all[1].Number)

	stable, err := m.List(ctx, "main", "p1", ListOptions{Tag: "stable"})
	require.NoError(t, err)
	require.Len(t, stable, 1)
	assert.Equal(t, "stable", stable[0].Tag)
}

func TestGetVersionByTagReturnsMostRecentMatch(t *testing.T) {
	m, _, wb := newHarness(t)
	ctx := context.Background()

	require.NoError(t, m.entities.SaveNoun(ctx, "main", &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"v": types.Num(1)})}))
	wb.ForceFlush(ctx)
	_, err := m.Save(ctx, "main", "p1", VersionOptions{Tag: "release"})
	require.NoError(t, err)

	got, err := m.GetVersionByTag(ctx, "main", "p1", "release")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Number)
}

func TestRestoreOverwritesCurrentEntity(t *testing.T) {
	m, _, wb := newHarness(t)
	ctx := context.Background()

	require.NoError(t, m.entities.SaveNoun(ctx, "main", &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"v": types.Num(1)})}))
	wb.ForceFlush(ctx)
	_, err := m.Save(ctx, "main", "p1", VersionOptions{})
	require.NoError(t, err)

	require.NoError(t, m.entities.SaveNoun(ctx, "main", &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"v": types.Num(99)})}))
	wb.ForceFlush(ctx)

	require.NoError(t, m.Restore(ctx, "main", "p1", "1"))

	got, err := m.entities.GetNoun(ctx, "main", string(types.NounPerson), "p1")
	require.NoError(t, err)
	assert.Equal(t, float64(1), got.Metadata.O["v"].N)
}

func TestCompareDiffsTwoVersions(t *testing.T) {
	m, _, wb := newHarness(t)
	ctx := context.Background()

	require.NoError(t, m.entities.SaveNoun(ctx, "main", &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"city": types.Str("nyc")})}))
	wb.ForceFlush(ctx)
	_, err := m.Save(ctx, "main", "p1", VersionOptions{})
	require.NoError(t, err)

	require.NoError(t, m.entities.SaveNoun(ctx, "main", &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"city": types.Str("sf")})}))
	wb.ForceFlush(ctx)
	_, err = m.Save(ctx, "main", "p1", VersionOptions{})
	require.NoError(t, err)

	diff, err := m.Compare(ctx, "main", "p1", 1, 2)
	require.NoError(t, err)
	assert.False(t, diff.Identical)
	found := false
	for _, c := range diff.Modified {
		if c.Path == "metadata.city" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestPruneKeepsRecentAndTagged(t *testing.T) {
	m, _, wb := newHarness(t)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		require.NoError(t, m.entities.SaveNoun(ctx, "main", &types.Noun{ID: "p1", Type: types.NounPerson, Metadata: types.Obj(map[string]types.Value{"v": types.Num(float64(i))})}))
		wb.ForceFlush(ctx)
		tag := ""
		if i == 1 {
			tag = "keep-me"
		}
		_, err := m.Save(ctx, "main", "p1", VersionOptions{Tag: tag})
		require.NoError(t, err)
	}

	removed, err := m.Prune(ctx, "main", "p1", PruneOptions{KeepRecent: 1, KeepTagged: true})
	require.NoError(t, err)
	assert.Equal(t, 2, removed) // versions 2 and 3 pruned; 1 (tagged) and 4 (recent) survive

	count, err := m.GetVersionCount(ctx, "main", "p1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
