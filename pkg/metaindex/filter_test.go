package metaindex

import (
	"testing"

	"github.com/cuemby/lattice/pkg/types"
	"github.com/stretchr/testify/assert"
)

func rec() Record {
	return Record{
		Type:    "Person",
		Service: "crm",
		Metadata: types.Obj(map[string]types.Value{
			"name": types.Str("Ada"),
			"age":  types.Num(30),
			"tags": types.Arr(types.Str("vip"), types.Str("founder")),
		}),
	}
}

func TestEvaluateEq(t *testing.T) {
	assert.True(t, Evaluate(Eq("name", types.Str("Ada")), rec()))
	assert.False(t, Evaluate(Eq("name", types.Str("Bob")), rec()))
	assert.False(t, Evaluate(Eq("missing", types.Str("x")), rec()))
}

func TestEvaluateTypeAndServiceFields(t *testing.T) {
	assert.True(t, Evaluate(Eq("type", types.Str("Person")), rec()))
	assert.True(t, Evaluate(Eq("service", types.Str("crm")), rec()))
}

func TestEvaluateRangeOperators(t *testing.T) {
	assert.True(t, Evaluate(Gt("age", types.Num(20)), rec()))
	assert.False(t, Evaluate(Gt("age", types.Num(30)), rec()))
	assert.True(t, Evaluate(Gte("age", types.Num(30)), rec()))
	assert.True(t, Evaluate(Lt("age", types.Num(40)), rec()))
	assert.True(t, Evaluate(Lte("age", types.Num(30)), rec()))
}

func TestEvaluateAndOrNot(t *testing.T) {
	f := And(Eq("name", types.Str("Ada")), Gt("age", types.Num(10)))
	assert.True(t, Evaluate(f, rec()))

	f = Or(Eq("name", types.Str("Bob")), Eq("name", types.Str("Ada")))
	assert.True(t, Evaluate(f, rec()))

	assert.False(t, Evaluate(Not(Eq("name", types.Str("Ada"))), rec()))
}

func TestEvaluateIncludesAllSize(t *testing.T) {
	assert.True(t, Evaluate(Includes("tags", types.Str("vip")), rec()))
	assert.False(t, Evaluate(Includes("tags", types.Str("other")), rec()))
	assert.True(t, Evaluate(All("tags", types.Str("vip"), types.Str("founder")), rec()))
	assert.False(t, Evaluate(All("tags", types.Str("vip"), types.Str("nope")), rec()))
	assert.True(t, Evaluate(SizeEq("tags", 2), rec()))
}

func TestEvaluateRegexAndExists(t *testing.T) {
	assert.True(t, Evaluate(Regex("name", "^A"), rec()))
	assert.False(t, Evaluate(Regex("name", "^B"), rec()))
	assert.True(t, Evaluate(Exists("name"), rec()))
	assert.False(t, Evaluate(Exists("nickname"), rec()))
}
