package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/lattice/pkg/types"
)

// entitySnapshot is the version payload: exactly one of Noun/Verb is set,
// discriminated by Kind.
type entitySnapshot struct {
	Kind string      `json:"kind"` // "noun" or "verb"
	Noun *types.Noun `json:"noun,omitempty"`
	Verb *types.Verb `json:"verb,omitempty"`
}

// Version is one saved snapshot of an entity on a branch.
type Version struct {
	EntityID    string          `json:"entityId"`
	Branch      string          `json:"branch"`
	Number      int             `json:"version"`
	ContentHash string          `json:"contentHash"`
	Tag         string          `json:"tag,omitempty"`
	Description string          `json:"description,omitempty"`
	TimestampMs int64           `json:"timestampMs"`
	Snapshot    json.RawMessage `json:"snapshot"`
}

// VersionOptions carries Save's optional tag/description.
type VersionOptions struct {
	Tag         string
	Description string
}

// PruneOptions bounds what Prune retains; with the zero value nothing is
// retained and Prune removes every version.
type PruneOptions struct {
	KeepRecent int   // keep the KeepRecent newest versions regardless of tag/age
	KeepTagged bool  // never prune a version that carries a tag
	KeepAfter  int64 // never prune a version with TimestampMs >= KeepAfter
}

func versionKey(entityID, branch string, n int) string {
	return fmt.Sprintf("versions/%s/%s/%d.json", entityID, branch, n)
}

func versionPrefix(entityID, branch string) string {
	return fmt.Sprintf("versions/%s/%s/", entityID, branch)
}

// snapshotEntity reads id's current payload from entities, trying noun
// then verb (an id is never both), and wraps it for content-hashing and
// storage.
func (m *Manager) snapshotEntity(ctx context.Context, branch, id string) (entitySnapshot, error) {
	if n, err := m.entities.GetNounByID(ctx, branch, id); err == nil {
		return entitySnapshot{Kind: "noun", Noun: n}, nil
	}
	v, err := m.entities.GetVerbByID(ctx, branch, id)
	if err != nil {
		return entitySnapshot{}, types.Wrap(types.ErrNotFound, "vcs.snapshotEntity", "no such entity: "+id, err)
	}
	return entitySnapshot{Kind: "verb", Verb: v}, nil
}

// restoreEntity writes snap back as the current entity via C6.
func (m *Manager) restoreEntity(ctx context.Context, branch string, snap entitySnapshot) error {
	switch snap.Kind {
	case "noun":
		return m.entities.SaveNoun(ctx, branch, snap.Noun)
	case "verb":
		return m.entities.SaveVerb(ctx, branch, snap.Verb)
	default:
		return types.NewError(types.ErrInvalidInput, "vcs.restoreEntity", "unknown snapshot kind: "+snap.Kind)
	}
}

// listVersionNumbers returns every version number stored for
// (entityID, branch), ascending.
func (m *Manager) listVersionNumbers(ctx context.Context, entityID, branch string) ([]int, error) {
	prefix := versionPrefix(entityID, branch)
	var numbers []int
	cursor := ""
	for {
		keys, next, err := m.store.List(ctx, prefix, cursor, 1000)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			name := strings.TrimPrefix(k, prefix)
			name = strings.TrimSuffix(name, ".json")
			n, err := strconv.Atoi(name)
			if err != nil {
				continue
			}
			numbers = append(numbers, n)
		}
		if next == "" {
			break
		}
		cursor = next
	}
	sort.Ints(numbers)
	return numbers, nil
}

// Save content-hashes id's current payload on branch; if it matches the
// prior version's hash, the existing version is returned unchanged
// (dedup). Otherwise a new version is appended.
func (m *Manager) Save(ctx context.Context, branch, id string, opts VersionOptions) (Version, error) {
	snap, err := m.snapshotEntity(ctx, branch, id)
	if err != nil {
		return Version{}, err
	}
	snapBytes, err := json.Marshal(snap)
	if err != nil {
		return Version{}, fmt.Errorf("vcs: marshal snapshot for %s: %w", id, err)
	}
	contentHash, err := types.CanonicalHash(snap)
	if err != nil {
		return Version{}, fmt.Errorf("vcs: hash snapshot for %s: %w", id, err)
	}

	numbers, err := m.listVersionNumbers(ctx, id, branch)
	if err != nil {
		return Version{}, err
	}
	if len(numbers) > 0 {
		last, err := m.GetVersion(ctx, branch, id, numbers[len(numbers)-1])
		if err != nil {
			return Version{}, err
		}
		if last.ContentHash == contentHash {
			return last, nil
		}
	}

	next := 1
	if len(numbers) > 0 {
		next = numbers[len(numbers)-1] + 1
	}

	v := Version{
		EntityID:    id,
		Branch:      branch,
		Number:      next,
		ContentHash: contentHash,
		Tag:         opts.Tag,
		Description: opts.Description,
		TimestampMs: m.now(),
		Snapshot:    snapBytes,
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Version{}, fmt.Errorf("vcs: marshal version record for %s: %w", id, err)
	}
	if err := m.store.Put(ctx, versionKey(id, branch, next), data); err != nil {
		return Version{}, fmt.Errorf("vcs: store version %d for %s: %w", next, id, err)
	}
	return v, nil
}

// GetVersion reads back version n of id on branch.
func (m *Manager) GetVersion(ctx context.Context, branch, id string, n int) (Version, error) {
	data, err := m.store.Get(ctx, versionKey(id, branch, n))
	if err != nil {
		return Version{}, err
	}
	var v Version
	if err := json.Unmarshal(data, &v); err != nil {
		return Version{}, fmt.Errorf("vcs: unmarshal version %d for %s: %w", n, id, err)
	}
	return v, nil
}

// GetVersionByTag returns the most recent version of id on branch
// carrying the exact tag.
func (m *Manager) GetVersionByTag(ctx context.Context, branch, id, tag string) (Version, error) {
	versions, err := m.List(ctx, branch, id, ListOptions{})
	if err != nil {
		return Version{}, err
	}
	for _, v := range versions {
		if v.Tag == tag {
			return v, nil
		}
	}
	return Version{}, types.NewError(types.ErrNotFound, "vcs.GetVersionByTag", "no version of "+id+" tagged "+tag)
}

// GetVersionCount returns how many versions of id exist on branch.
func (m *Manager) GetVersionCount(ctx context.Context, branch, id string) (int, error) {
	numbers, err := m.listVersionNumbers(ctx, id, branch)
	if err != nil {
		return 0, err
	}
	return len(numbers), nil
}

// ListOptions narrows List's output.
type ListOptions struct {
	Tag   string // glob pattern matched against each version's tag; empty matches all
	Limit int    // 0 means unbounded
}

// List returns id's versions on branch, newest-first, optionally
// filtered by a glob pattern on tag and bounded by Limit.
func (m *Manager) List(ctx context.Context, branch, id string, opts ListOptions) ([]Version, error) {
	numbers, err := m.listVersionNumbers(ctx, id, branch)
	if err != nil {
		return nil, err
	}

	var out []Version
	for i := len(numbers) - 1; i >= 0; i-- {
		v, err := m.GetVersion(ctx, branch, id, numbers[i])
		if err != nil {
			continue
		}
		if opts.Tag != "" {
			matched, err := path.Match(opts.Tag, v.Tag)
			if err != nil || !matched {
				continue
			}
		}
		out = append(out, v)
		if opts.Limit > 0 && len(out) >= opts.Limit {
			break
		}
	}
	return out, nil
}

// Restore overwrites id's current entity on branch with the payload
// saved at versionOrTag, which is tried first as a version number and
// falls back to an exact tag match.
func (m *Manager) Restore(ctx context.Context, branch, id, versionOrTag string) error {
	var v Version
	if n, err := strconv.Atoi(versionOrTag); err == nil {
		v, err = m.GetVersion(ctx, branch, id, n)
		if err != nil {
			return err
		}
	} else {
		tagged, err := m.GetVersionByTag(ctx, branch, id, versionOrTag)
		if err != nil {
			return err
		}
		v = tagged
	}

	var snap entitySnapshot
	if err := json.Unmarshal(v.Snapshot, &snap); err != nil {
		return fmt.Errorf("vcs: unmarshal snapshot for restore of %s: %w", id, err)
	}
	return m.restoreEntity(ctx, branch, snap)
}

// Compare diffs version a against version b of id on branch.
func (m *Manager) Compare(ctx context.Context, branch, id string, a, b int) (Diff, error) {
	va, err := m.GetVersion(ctx, branch, id, a)
	if err != nil {
		return Diff{}, err
	}
	vb, err := m.GetVersion(ctx, branch, id, b)
	if err != nil {
		return Diff{}, err
	}

	var snapA, snapB entitySnapshot
	if err := json.Unmarshal(va.Snapshot, &snapA); err != nil {
		return Diff{}, fmt.Errorf("vcs: unmarshal snapshot %d for %s: %w", a, id, err)
	}
	if err := json.Unmarshal(vb.Snapshot, &snapB); err != nil {
		return Diff{}, fmt.Errorf("vcs: unmarshal snapshot %d for %s: %w", b, id, err)
	}

	return Compute(snapshotValue(snapA), snapshotValue(snapB), DiffOptions{})
}

// snapshotValue converts a snapshot's entity payload into a types.Value
// tree for Compute to walk, going through the same JSON round-trip
// FromAny expects.
func snapshotValue(snap entitySnapshot) types.Value {
	var payload any
	if snap.Kind == "noun" && snap.Noun != nil {
		payload = map[string]any{
			"id":       snap.Noun.ID,
			"type":     string(snap.Noun.Type),
			"metadata": snap.Noun.Metadata.ToAny(),
			"service":  snap.Noun.Service,
		}
	} else if snap.Kind == "verb" && snap.Verb != nil {
		payload = map[string]any{
			"id":       snap.Verb.ID,
			"sourceId": snap.Verb.SourceID,
			"targetId": snap.Verb.TargetID,
			"type":     string(snap.Verb.Type),
			"metadata": snap.Verb.Metadata.ToAny(),
			"service":  snap.Verb.Service,
		}
	}
	v, err := types.FromAny(payload)
	if err != nil {
		return types.Null
	}
	return v
}

// Prune removes id's old versions on branch according to opts, returning
// how many were deleted. A version survives if it is among the
// KeepRecent newest, or KeepTagged is set and it carries a tag, or its
// timestamp is at or after KeepAfter.
func (m *Manager) Prune(ctx context.Context, branch, id string, opts PruneOptions) (int, error) {
	numbers, err := m.listVersionNumbers(ctx, id, branch)
	if err != nil {
		return 0, err
	}

	keep := make(map[int]bool, len(numbers))
	if opts.KeepRecent > 0 {
		start := len(numbers) - opts.KeepRecent
		if start < 0 {
			start = 0
		}
		for _, n := range numbers[start:] {
			keep[n] = true
		}
	}

	removed := 0
	for _, n := range numbers {
		if keep[n] {
			continue
		}
		v, err := m.GetVersion(ctx, branch, id, n)
		if err != nil {
			continue
		}
		if opts.KeepTagged && v.Tag != "" {
			continue
		}
		if opts.KeepAfter > 0 && v.TimestampMs >= opts.KeepAfter {
			continue
		}
		if err := m.store.Delete(ctx, versionKey(id, branch, n)); err != nil {
			return removed, fmt.Errorf("vcs: delete version %d of %s: %w", n, id, err)
		}
		removed++
	}
	return removed, nil
}
