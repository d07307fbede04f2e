package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/cuemby/lattice/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcAugmentation struct {
	name     string
	phase    Phase
	priority int
	handle   func(ctx context.Context, op string, params any, next Next) (any, error)
}

func (f funcAugmentation) Name() string   { return f.name }
func (f funcAugmentation) Phase() Phase   { return f.phase }
func (f funcAugmentation) Priority() int  { return f.priority }
func (f funcAugmentation) Handle(ctx context.Context, op string, params any, next Next) (any, error) {
	return f.handle(ctx, op, params, next)
}

func TestBeforeHookCanAbortTheOperation(t *testing.T) {
	ranCore := false
	abort := funcAugmentation{
		name: "abort", phase: Before,
		handle: func(ctx context.Context, op string, params any, next Next) (any, error) {
			return nil, types.NewError(types.ErrConflict, "test", "blocked by policy")
		},
	}
	e := newTestEngine(t, WithAugmentation(abort))

	_, err := e.runOp(context.Background(), "add", nil, func(ctx context.Context) (any, error) {
		ranCore = true
		return "ok", nil
	})
	require.ErrorIs(t, err, types.ErrConflict)
	assert.False(t, ranCore)
}

func TestAroundHookCanTransformResult(t *testing.T) {
	upper := funcAugmentation{
		name: "upper", phase: Around,
		handle: func(ctx context.Context, op string, params any, next Next) (any, error) {
			res, err := next(ctx)
			if err != nil {
				return nil, err
			}
			return res.(string) + "!", nil
		},
	}
	e := newTestEngine(t, WithAugmentation(upper))

	result, err := e.runOp(context.Background(), "add", nil, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok!", result)
}

func TestReplaceHookSkipsCoreWhenNextNotCalled(t *testing.T) {
	ranCore := false
	stub := funcAugmentation{
		name: "stub", phase: Replace,
		handle: func(ctx context.Context, op string, params any, next Next) (any, error) {
			return "stubbed", nil
		},
	}
	e := newTestEngine(t, WithAugmentation(stub))

	result, err := e.runOp(context.Background(), "add", nil, func(ctx context.Context) (any, error) {
		ranCore = true
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "stubbed", result)
	assert.False(t, ranCore)
}

func TestAfterHookReceivesCoreResultAndCanReplaceIt(t *testing.T) {
	annotate := funcAugmentation{
		name: "annotate", phase: After,
		handle: func(ctx context.Context, op string, params any, next Next) (any, error) {
			res, _ := next(ctx)
			return map[string]any{"result": res, "op": op}, nil
		},
	}
	e := newTestEngine(t, WithAugmentation(annotate))

	result, err := e.runOp(context.Background(), "add", nil, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	wrapped := result.(map[string]any)
	assert.Equal(t, "ok", wrapped["result"])
	assert.Equal(t, "add", wrapped["op"])
}

func TestSamePhaseHooksRunInPriorityOrder(t *testing.T) {
	var order []string
	record := func(name string, priority int) funcAugmentation {
		return funcAugmentation{
			name: name, phase: Before, priority: priority,
			handle: func(ctx context.Context, op string, params any, next Next) (any, error) {
				order = append(order, name)
				return nil, nil
			},
		}
	}
	e := newTestEngine(t, WithAugmentation(record("second", 2)), WithAugmentation(record("first", 1)))

	_, err := e.runOp(context.Background(), "add", nil, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestAfterHookErrorPropagates(t *testing.T) {
	failing := funcAugmentation{
		name: "failing", phase: After,
		handle: func(ctx context.Context, op string, params any, next Next) (any, error) {
			return nil, errors.New("after hook exploded")
		},
	}
	e := newTestEngine(t, WithAugmentation(failing))

	_, err := e.runOp(context.Background(), "add", nil, func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	assert.EqualError(t, err, "after hook exploded")
}
