package metaindex

import (
	"context"
	"fmt"

	"github.com/cuemby/lattice/pkg/types"
)

// Plan is the result of planning a Filter: Candidates is the id-set the
// indexed portion of the filter narrowed down to (nil means "no indexed
// constraint narrowed it — start from the full universe"), and Residuals
// are predicates (regex, size, includes, or any
// operator nested under an Or alongside one of those) that could not be
// answered from postings and must be evaluated against each candidate's
// materialized Record.
type Plan struct {
	Candidates map[string]struct{}
	Residuals  []Filter
}

// Narrowed reports whether Candidates actually constrains the result
// (as opposed to "no indexed clause found, consider every entity").
func (p Plan) Narrowed() bool { return p.Candidates != nil }

// Matches reports whether id survives the plan's residual predicates,
// given its materialized record. Callers should only call this for ids
// already in p.Candidates (or, if !p.Narrowed(), for every id in the
// relevant universe).
func (p Plan) Matches(id string, rec Record) bool {
	for _, r := range p.Residuals {
		if !Evaluate(r, rec) {
			return false
		}
	}
	return true
}

// Plan converts f into a Plan, consulting postings for every operator
// except Regex/Size/Includes (which are always residual, per the
// documented "applies residual predicates during materialization"
// design) and Or/Not subtrees that contain one of those — an Or cannot
// be decomposed into an AND'ed residual list, so it is evaluated whole
// against the universe instead.
func (idx *Index) Plan(ctx context.Context, branch string, f Filter) (Plan, error) {
	switch f.Op {
	case OpEq:
		ids, err := idx.postingIDs(ctx, branch, f.Field, f.Value)
		return Plan{Candidates: ids}, err
	case OpIn:
		ids, err := idx.unionValues(ctx, branch, f.Field, f.Values)
		return Plan{Candidates: ids}, err
	case OpNIn:
		universe, err := idx.fieldUniverse(ctx, branch, f.Field)
		if err != nil {
			return Plan{}, err
		}
		excluded, err := idx.unionValues(ctx, branch, f.Field, f.Values)
		if err != nil {
			return Plan{}, err
		}
		return Plan{Candidates: subtract(universe, excluded)}, nil
	case OpGt, OpGte, OpLt, OpLte:
		ids, err := idx.rangeIDs(ctx, branch, f)
		return Plan{Candidates: ids}, err
	case OpExists:
		ids, err := idx.fieldUniverse(ctx, branch, f.Field)
		return Plan{Candidates: ids}, err
	case OpAll:
		var acc map[string]struct{}
		for i, v := range f.Values {
			ids, err := idx.postingIDs(ctx, branch, f.Field, v)
			if err != nil {
				return Plan{}, err
			}
			if i == 0 {
				acc = ids
			} else {
				acc = intersect(acc, ids)
			}
		}
		return Plan{Candidates: acc}, nil
	case OpRegex, OpSize, OpIncludes:
		return Plan{Residuals: []Filter{f}}, nil
	case OpAnd:
		return idx.planAnd(ctx, branch, f.Children)
	case OpOr:
		return idx.planOr(ctx, branch, f.Children)
	case OpNot:
		return idx.planNot(ctx, branch, f.Children[0])
	default:
		return Plan{}, fmt.Errorf("metaindex: unknown operator %q", f.Op)
	}
}

// planAnd plans every child, evaluating cheapest (smallest candidate
// set) first and short-circuiting once the running intersection is
// empty; residuals from every child accumulate, since AND-combining a
// residual list is equivalent to AND-ing the original predicates.
type plannedChild struct {
	plan Plan
	card int
}

func (idx *Index) planAnd(ctx context.Context, branch string, children []Filter) (Plan, error) {
	plans := make([]plannedChild, 0, len(children))
	for _, c := range children {
		p, err := idx.Plan(ctx, branch, c)
		if err != nil {
			return Plan{}, err
		}
		card := -1 // unnarrowed plans sort last
		if p.Narrowed() {
			card = len(p.Candidates)
		}
		plans = append(plans, plannedChild{p, card})
	}
	sortByCardinalityAsc(plans)

	var result Plan
	narrowedAny := false
	for _, pl := range plans {
		result.Residuals = append(result.Residuals, pl.plan.Residuals...)
		if !pl.plan.Narrowed() {
			continue
		}
		if !narrowedAny {
			result.Candidates = pl.plan.Candidates
			narrowedAny = true
		} else {
			result.Candidates = intersect(result.Candidates, pl.plan.Candidates)
		}
		if len(result.Candidates) == 0 {
			break
		}
	}
	return result, nil
}

// sortByCardinalityAsc is a small insertion sort: plan fan-out stays tiny
// (one entry per AND child), so this is cheaper than pulling in sort.Slice
// for what is rarely more than a handful of elements.
func sortByCardinalityAsc(plans []plannedChild) {
	for i := 1; i < len(plans); i++ {
		for j := i; j > 0 && lessCard(plans[j], plans[j-1]); j-- {
			plans[j], plans[j-1] = plans[j-1], plans[j]
		}
	}
}

func lessCard(a, b plannedChild) bool {
	if a.card < 0 {
		return false
	}
	if b.card < 0 {
		return true
	}
	return a.card < b.card
}

// planOr unions every child's candidates, but falls back to treating the
// whole Or as one opaque residual once any child carries a residual of
// its own (OR semantics cannot be flattened into an AND'ed residual
// list) or is unnarrowed (since union-with-"everything" is "everything").
func (idx *Index) planOr(ctx context.Context, branch string, children []Filter) (Plan, error) {
	union := make(map[string]struct{})
	for _, c := range children {
		p, err := idx.Plan(ctx, branch, c)
		if err != nil {
			return Plan{}, err
		}
		if len(p.Residuals) > 0 || !p.Narrowed() {
			return Plan{Residuals: []Filter{{Op: OpOr, Children: children}}}, nil
		}
		for id := range p.Candidates {
			union[id] = struct{}{}
		}
	}
	return Plan{Candidates: union}, nil
}

// planNot precisely complements a fully-indexed child against the
// global universe; a child carrying any residual is opaque,
// so Not falls back to a whole-subtree residual as well.
func (idx *Index) planNot(ctx context.Context, branch string, child Filter) (Plan, error) {
	p, err := idx.Plan(ctx, branch, child)
	if err != nil {
		return Plan{}, err
	}
	if len(p.Residuals) > 0 {
		return Plan{Residuals: []Filter{{Op: OpNot, Children: []Filter{child}}}}, nil
	}
	universe, err := idx.Universe(ctx, branch)
	if err != nil {
		return Plan{}, err
	}
	if !p.Narrowed() {
		return Plan{Candidates: make(map[string]struct{})}, nil
	}
	return Plan{Candidates: subtract(universe, p.Candidates)}, nil
}

// Universe returns every id ever added to the index on branch.
func (idx *Index) Universe(ctx context.Context, branch string) (map[string]struct{}, error) {
	return idx.readIDSet(ctx, branch, universeKey)
}

func (idx *Index) postingIDs(ctx context.Context, branch, field string, v types.Value) (map[string]struct{}, error) {
	key := postingKey(field, safeValue(scalarString(v)))
	return idx.readIDSet(ctx, branch, key)
}

func (idx *Index) unionValues(ctx context.Context, branch, field string, vs []types.Value) (map[string]struct{}, error) {
	union := make(map[string]struct{})
	for _, v := range vs {
		ids, err := idx.postingIDs(ctx, branch, field, v)
		if err != nil {
			return nil, err
		}
		for id := range ids {
			union[id] = struct{}{}
		}
	}
	return union, nil
}

// fieldUniverse unions the postings for every distinct value recorded
// for field in its dict, i.e. "every id that has an indexed value for
// this field at all" — used for Exists and as the local universe for
// NIn.
func (idx *Index) fieldUniverse(ctx context.Context, branch, field string) (map[string]struct{}, error) {
	entries, err := idx.readDict(ctx, branch, field)
	if err != nil {
		return nil, err
	}
	union := make(map[string]struct{})
	for _, e := range entries {
		ids, err := idx.readIDSet(ctx, branch, postingKey(field, e.SafeKey))
		if err != nil {
			return nil, err
		}
		for id := range ids {
			union[id] = struct{}{}
		}
	}
	return union, nil
}

// rangeIDs unions the postings of every dict value satisfying the
// comparison against f.Value, restricted to values of the same Kind
// (mixed-kind comparisons never match, matching Evaluate's semantics).
func (idx *Index) rangeIDs(ctx context.Context, branch string, f Filter) (map[string]struct{}, error) {
	entries, err := idx.readDict(ctx, branch, f.Field)
	if err != nil {
		return nil, err
	}
	union := make(map[string]struct{})
	for _, e := range entries {
		v := e.toValue()
		if v.Kind != f.Value.Kind {
			continue
		}
		if !compare(f.Op, v, f.Value) {
			continue
		}
		ids, err := idx.readIDSet(ctx, branch, postingKey(f.Field, e.SafeKey))
		if err != nil {
			return nil, err
		}
		for id := range ids {
			union[id] = struct{}{}
		}
	}
	return union, nil
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	if len(b) < len(a) {
		a, b = b, a
	}
	out := make(map[string]struct{})
	for id := range a {
		if _, ok := b[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}

func subtract(universe, remove map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(universe))
	for id := range universe {
		if _, ok := remove[id]; !ok {
			out[id] = struct{}{}
		}
	}
	return out
}
