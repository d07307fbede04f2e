// Package metaindex implements the inverted metadata index (C7): postings
// of (field, value) -> id-set persisted under indexes/metadata/<field>/,
// a filter AST/interpreter over pkg/types.Value, and a planner that
// converts a filter tree into a cheapest-first union/intersection plan
// plus a residual predicate list applied during result materialization.
package metaindex

import (
	"regexp"

	"github.com/cuemby/lattice/pkg/types"
)

// Op is the closed set of filter operators from the metadata query
// language.
type Op string

const (
	OpEq       Op = "eq"
	OpIn       Op = "in"
	OpNIn      Op = "nin"
	OpGt       Op = "gt"
	OpGte      Op = "gte"
	OpLt       Op = "lt"
	OpLte      Op = "lte"
	OpExists   Op = "exists"
	OpRegex    Op = "regex"
	OpAnd      Op = "and"
	OpOr       Op = "or"
	OpNot      Op = "not"
	OpAll      Op = "all"
	OpSize     Op = "size"
	OpIncludes Op = "includes"
)

// Filter is one node of the filter AST. Leaf nodes name a Field (or, for
// And/Or/Not, hold Children instead).
type Filter struct {
	Op       Op
	Field    string
	Value    types.Value
	Values   []types.Value
	Pattern  string
	Size     int
	Children []Filter
}

func Eq(field string, v types.Value) Filter  { return Filter{Op: OpEq, Field: field, Value: v} }
func In(field string, vs ...types.Value) Filter {
	return Filter{Op: OpIn, Field: field, Values: vs}
}
func NIn(field string, vs ...types.Value) Filter {
	return Filter{Op: OpNIn, Field: field, Values: vs}
}
func Gt(field string, v types.Value) Filter  { return Filter{Op: OpGt, Field: field, Value: v} }
func Gte(field string, v types.Value) Filter { return Filter{Op: OpGte, Field: field, Value: v} }
func Lt(field string, v types.Value) Filter  { return Filter{Op: OpLt, Field: field, Value: v} }
func Lte(field string, v types.Value) Filter { return Filter{Op: OpLte, Field: field, Value: v} }
func Exists(field string) Filter             { return Filter{Op: OpExists, Field: field} }
func Regex(field, pattern string) Filter {
	return Filter{Op: OpRegex, Field: field, Pattern: pattern}
}
func And(children ...Filter) Filter { return Filter{Op: OpAnd, Children: children} }
func Or(children ...Filter) Filter  { return Filter{Op: OpOr, Children: children} }
func Not(child Filter) Filter       { return Filter{Op: OpNot, Children: []Filter{child}} }
func All(field string, vs ...types.Value) Filter {
	return Filter{Op: OpAll, Field: field, Values: vs}
}
func SizeEq(field string, n int) Filter { return Filter{Op: OpSize, Field: field, Size: n} }
func Includes(field string, v types.Value) Filter {
	return Filter{Op: OpIncludes, Field: field, Value: v}
}

// Record is the minimal view of an indexed entity the interpreter and
// planner need: its synthetic "type"/"service" scalar fields plus its
// metadata tree.
type Record struct {
	Type     string
	Service  string
	Metadata types.Value
}

// resolve looks up field against r, special-casing the two always-present
// scalar fields "type" and "service" before falling through to a dotted
// metadata path lookup.
func (r Record) resolve(field string) (types.Value, bool) {
	switch field {
	case "type":
		return types.Str(r.Type), true
	case "service":
		return types.Str(r.Service), true
	default:
		return r.Metadata.Get(field)
	}
}

// Evaluate is the ground-truth interpreter for the filter language,
// applied directly against a materialized Record. The planner uses
// postings to avoid calling this over every record where possible, but
// falls back to it for residual predicates (regex, size, includes)
// during result materialization.
func Evaluate(f Filter, r Record) bool {
	switch f.Op {
	case OpEq:
		v, ok := r.resolve(f.Field)
		return ok && v.Equal(f.Value)
	case OpIn:
		v, ok := r.resolve(f.Field)
		if !ok {
			return false
		}
		return containsValue(f.Values, v)
	case OpNIn:
		v, ok := r.resolve(f.Field)
		if !ok {
			return true
		}
		return !containsValue(f.Values, v)
	case OpGt, OpGte, OpLt, OpLte:
		v, ok := r.resolve(f.Field)
		if !ok {
			return false
		}
		return compare(f.Op, v, f.Value)
	case OpExists:
		_, ok := r.resolve(f.Field)
		return ok
	case OpRegex:
		v, ok := r.resolve(f.Field)
		if !ok || v.Kind != types.KindStr {
			return false
		}
		matched, err := regexp.MatchString(f.Pattern, v.S)
		return err == nil && matched
	case OpAnd:
		for _, c := range f.Children {
			if !Evaluate(c, r) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range f.Children {
			if Evaluate(c, r) {
				return true
			}
		}
		return false
	case OpNot:
		return !Evaluate(f.Children[0], r)
	case OpAll:
		v, ok := r.resolve(f.Field)
		if !ok || v.Kind != types.KindArr {
			return false
		}
		for _, want := range f.Values {
			if !containsValue(v.A, want) {
				return false
			}
		}
		return true
	case OpSize:
		v, ok := r.resolve(f.Field)
		if !ok || v.Kind != types.KindArr {
			return false
		}
		return len(v.A) == f.Size
	case OpIncludes:
		v, ok := r.resolve(f.Field)
		if !ok || v.Kind != types.KindArr {
			return false
		}
		return containsValue(v.A, f.Value)
	default:
		return false
	}
}

func containsValue(haystack []types.Value, v types.Value) bool {
	for _, h := range haystack {
		if h.Equal(v) {
			return true
		}
	}
	return false
}

// compare implements the ordering operators for Num (numeric) and Str
// (lexicographic) values; any other kind, or a kind mismatch against the
// filter's operand, is never satisfied.
func compare(op Op, a, b types.Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	var less, equal bool
	switch a.Kind {
	case types.KindNum:
		less, equal = a.N < b.N, a.N == b.N
	case types.KindStr:
		less, equal = a.S < b.S, a.S == b.S
	default:
		return false
	}
	switch op {
	case OpGt:
		return !less && !equal
	case OpGte:
		return !less
	case OpLt:
		return less
	case OpLte:
		return less || equal
	default:
		return false
	}
}
