package engine

import (
	"context"

	"github.com/cuemby/lattice/pkg/vcs"
)

// VersionOps namespaces pkg/vcs's per-entity versioning under the
// Engine's own branch state: every call resolves the current branch at
// call time rather than caching it, so a Checkout between two Version
// calls is always honored.
type VersionOps struct {
	e *Engine
}

// Save content-hashes id's current payload on the current branch,
// returning the existing version unchanged if nothing has changed.
func (v *VersionOps) Save(ctx context.Context, id string, opts vcs.VersionOptions) (vcs.Version, error) {
	return v.e.vcs.Save(ctx, v.e.vcs.GetCurrentBranch(), id, opts)
}

// GetVersion reads back version n of id on the current branch.
func (v *VersionOps) GetVersion(ctx context.Context, id string, n int) (vcs.Version, error) {
	return v.e.vcs.GetVersion(ctx, v.e.vcs.GetCurrentBranch(), id, n)
}

// GetVersionByTag returns the most recent version of id on the current
// branch carrying the exact tag.
func (v *VersionOps) GetVersionByTag(ctx context.Context, id, tag string) (vcs.Version, error) {
	return v.e.vcs.GetVersionByTag(ctx, v.e.vcs.GetCurrentBranch(), id, tag)
}

// GetVersionCount returns how many versions of id exist on the current
// branch.
func (v *VersionOps) GetVersionCount(ctx context.Context, id string) (int, error) {
	return v.e.vcs.GetVersionCount(ctx, v.e.vcs.GetCurrentBranch(), id)
}

// List returns id's versions on the current branch, newest-first.
func (v *VersionOps) List(ctx context.Context, id string, opts vcs.ListOptions) ([]vcs.Version, error) {
	return v.e.vcs.List(ctx, v.e.vcs.GetCurrentBranch(), id, opts)
}

// Restore overwrites id's current entity on the current branch with the
// payload saved at versionOrTag.
func (v *VersionOps) Restore(ctx context.Context, id, versionOrTag string) error {
	return v.e.vcs.Restore(ctx, v.e.vcs.GetCurrentBranch(), id, versionOrTag)
}

// Compare diffs version a against version b of id on the current branch.
func (v *VersionOps) Compare(ctx context.Context, id string, a, b int) (vcs.Diff, error) {
	return v.e.vcs.Compare(ctx, v.e.vcs.GetCurrentBranch(), id, a, b)
}

// Prune removes id's old versions on the current branch per opts,
// returning how many were deleted.
func (v *VersionOps) Prune(ctx context.Context, id string, opts vcs.PruneOptions) (int, error) {
	return v.e.vcs.Prune(ctx, v.e.vcs.GetCurrentBranch(), id, opts)
}
