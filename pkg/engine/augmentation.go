package engine

import (
	"context"
	"sort"

	"github.com/cuemby/lattice/pkg/log"
)

// Phase selects when an Augmentation runs relative to an operation's
// core logic.
type Phase int

const (
	// Before runs ahead of the core operation. Its return value is
	// discarded unless it returns an error, which short-circuits the
	// operation without running Around/Replace/core/After.
	Before Phase = iota
	// Around wraps the core operation: it receives a Next that invokes
	// everything inside it (inner Around hooks, then any Replace hooks,
	// then core) and may inspect or transform the result.
	Around
	// After runs once the core operation (and every Around hook) has
	// produced a result. Its own return value replaces the pipeline's
	// result.
	After
	// Replace substitutes entirely for the core operation: calling its
	// Next is optional, and skipping it means the core operation and
	// every hook phase nested inside Replace never runs at all.
	Replace
)

// Next invokes the remainder of the pipeline (the next hook, or the
// operation's own core logic once every hook has run).
type Next func(ctx context.Context) (any, error)

// Augmentation is a middleware hook on the Engine's operation pipeline,
// per spec's before/around/after/replace contract. An Augmentation must
// hold no reference to the Engine past its own Handle call returning, so
// the pipeline can be reconfigured without leaking state across calls.
type Augmentation interface {
	// Name identifies the hook for logging and ordering diagnostics.
	Name() string
	// Phase selects when this hook runs.
	Phase() Phase
	// Priority orders same-phase hooks ascending; ties run in
	// registration order.
	Priority() int
	// Handle runs the hook for operation op with its input params.
	// next invokes the remainder of the pipeline; Replace hooks may
	// choose not to call it.
	Handle(ctx context.Context, op string, params any, next Next) (any, error)
}

// runOp dispatches op through the Before/Around-or-Replace/core/After
// pipeline built from e.augmentations, in that phase order, and logs the
// outcome via e.logger.
func (e *Engine) runOp(ctx context.Context, op string, params any, core func(ctx context.Context) (any, error)) (any, error) {
	var before, around, after, replace []Augmentation
	for _, a := range e.augmentations {
		switch a.Phase() {
		case Before:
			before = append(before, a)
		case Around:
			around = append(around, a)
		case After:
			after = append(after, a)
		case Replace:
			replace = append(replace, a)
		}
	}
	sortByPriority(before)
	sortByPriority(around)
	sortByPriority(after)
	sortByPriority(replace)

	for _, a := range before {
		if _, err := a.Handle(ctx, op, params, func(ctx context.Context) (any, error) { return nil, nil }); err != nil {
			e.logger(log.WarnLevel, "engine", "before hook %s aborted %s: %v", a.Name(), op, err)
			return nil, err
		}
	}

	chain := core
	for i := len(replace) - 1; i >= 0; i-- {
		a := replace[i]
		next := chain
		chain = func(ctx context.Context) (any, error) {
			return a.Handle(ctx, op, params, next)
		}
	}
	for i := len(around) - 1; i >= 0; i-- {
		a := around[i]
		next := chain
		chain = func(ctx context.Context) (any, error) {
			return a.Handle(ctx, op, params, next)
		}
	}

	result, err := chain(ctx)
	if err != nil {
		e.logger(log.DebugLevel, "engine", "%s failed: %v", op, err)
		return nil, err
	}

	for _, a := range after {
		wrapped, aerr := a.Handle(ctx, op, params, func(ctx context.Context) (any, error) { return result, nil })
		if aerr != nil {
			e.logger(log.WarnLevel, "engine", "after hook %s failed for %s: %v", a.Name(), op, aerr)
			return nil, aerr
		}
		result = wrapped
	}
	return result, nil
}

func sortByPriority(hooks []Augmentation) {
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].Priority() < hooks[j].Priority() })
}
