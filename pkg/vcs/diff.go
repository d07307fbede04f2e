package vcs

import (
	"fmt"

	"github.com/cuemby/lattice/pkg/types"
)

// Change is a single path-level difference between two entity snapshots.
// From/To are nil when the path is absent on that side (added/removed),
// never when it is merely a differently-typed or differently-valued
// leaf (modified/type-changed always carry both).
type Change struct {
	Path string       `json:"path"`
	From *types.Value `json:"from,omitempty"`
	To   *types.Value `json:"to,omitempty"`
}

// Diff is the structural comparison of two pkg/types.Value trees,
// bucketed the way pkg/vcs.Compare reports a version-to-version change.
type Diff struct {
	Added        []Change `json:"added"`
	Removed      []Change `json:"removed"`
	Modified     []Change `json:"modified"`
	TypeChanged  []Change `json:"typeChanged"`
	Identical    bool     `json:"identical"`
	TotalChanges int      `json:"totalChanges"`
}

// DiffOptions tunes Compute's traversal.
type DiffOptions struct {
	// MaxDepth bounds recursion into nested objects/arrays; 0 means
	// unbounded. When truncated, a differing subtree surfaces as a
	// single Modified change at the truncation point rather than one
	// change per leaf.
	MaxDepth int
	// IgnoreFields is a set of exact leaf paths excluded from the diff.
	IgnoreFields []string
}

// Compute diffs from against to, walking both trees in lockstep.
func Compute(from, to types.Value, opts DiffOptions) (Diff, error) {
	ignore := make(map[string]bool, len(opts.IgnoreFields))
	for _, f := range opts.IgnoreFields {
		ignore[f] = true
	}

	d := &Diff{}
	walkDiff(d, "", from, to, true, true, 0, opts.MaxDepth, ignore)

	d.TotalChanges = len(d.Added) + len(d.Removed) + len(d.Modified) + len(d.TypeChanged)
	d.Identical = d.TotalChanges == 0
	return *d, nil
}

func walkDiff(d *Diff, path string, from, to types.Value, fromPresent, toPresent bool, depth, maxDepth int, ignore map[string]bool) {
	if path != "" && ignore[path] {
		return
	}

	switch {
	case fromPresent && !toPresent:
		recordSubtree(&d.Removed, path, from, true)
		return
	case !fromPresent && toPresent:
		recordSubtree(&d.Added, path, to, false)
		return
	case !fromPresent && !toPresent:
		return
	}

	if from.Kind != to.Kind {
		d.TypeChanged = append(d.TypeChanged, Change{Path: path, From: valuePtr(from), To: valuePtr(to)})
		return
	}

	truncated := maxDepth > 0 && depth >= maxDepth && (from.Kind == types.KindObj || from.Kind == types.KindArr)
	if truncated {
		if !from.Equal(to) {
			d.Modified = append(d.Modified, Change{Path: path, From: valuePtr(from), To: valuePtr(to)})
		}
		return
	}

	switch from.Kind {
	case types.KindNull:
		// both null: identical
	case types.KindBool, types.KindNum, types.KindStr:
		if !from.Equal(to) {
			d.Modified = append(d.Modified, Change{Path: path, From: valuePtr(from), To: valuePtr(to)})
		}
	case types.KindObj:
		keys := make(map[string]bool, len(from.O)+len(to.O))
		for k := range from.O {
			keys[k] = true
		}
		for k := range to.O {
			keys[k] = true
		}
		for k := range keys {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			fv, fok := from.O[k]
			tv, tok := to.O[k]
			walkDiff(d, childPath, fv, tv, fok, tok, depth+1, maxDepth, ignore)
		}
	case types.KindArr:
		n := len(from.A)
		if len(to.A) < n {
			n = len(to.A)
		}
		for i := 0; i < n; i++ {
			childPath := indexPath(path, i)
			walkDiff(d, childPath, from.A[i], to.A[i], true, true, depth+1, maxDepth, ignore)
		}
		for i := n; i < len(from.A); i++ {
			recordSubtree(&d.Removed, indexPath(path, i), from.A[i], true)
		}
		for i := n; i < len(to.A); i++ {
			recordSubtree(&d.Added, indexPath(path, i), to.A[i], false)
		}
	}
}

// recordSubtree emits one Change per scalar leaf of v (its whole subtree
// is new or gone), reusing Value.Walk's leaf enumeration. fromSide picks
// whether the leaf goes under From or To.
func recordSubtree(bucket *[]Change, path string, v types.Value, fromSide bool) {
	if v.Kind != types.KindObj && v.Kind != types.KindArr {
		c := Change{Path: path}
		if fromSide {
			c.From = valuePtr(v)
		} else {
			c.To = valuePtr(v)
		}
		*bucket = append(*bucket, c)
		return
	}
	v.Walk(path, func(leafPath string, leaf types.Value) {
		c := Change{Path: leafPath}
		if fromSide {
			c.From = valuePtr(leaf)
		} else {
			c.To = valuePtr(leaf)
		}
		*bucket = append(*bucket, c)
	})
}

// indexPath mirrors Value.Walk's own array-index path formatting so
// diff paths and index-based metadata paths stay in the same notation.
func indexPath(prefix string, i int) string {
	return fmt.Sprintf("%s[%d]", prefix, i)
}

func valuePtr(v types.Value) *types.Value {
	return &v
}
