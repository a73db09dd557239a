package table

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TennyZhuang/icelake/spec"
)

func filterSchema() *spec.Schema {
	return spec.NewSchema(0,
		spec.NestedField{ID: 1, Name: "id", Required: true, Type: spec.LongType},
		spec.NestedField{ID: 2, Name: "name", Type: spec.StringType},
		spec.NestedField{ID: 3, Name: "price", Type: spec.DoubleType},
		spec.NestedField{ID: 4, Name: "day", Type: spec.DateType},
		spec.NestedField{ID: 5, Name: "info", Type: spec.StructType{Fields: []spec.NestedField{
			{ID: 6, Name: "Country", Type: spec.StringType},
		}}},
	)
}

func TestBind(t *testing.T) {
	schema := filterSchema()

	tests := []struct {
		name string
		expr *Expression
		want string
	}{
		{"literal converted", Eq("id", 7), "id(1) = 7"},
		{"not pushed down", Not(Lt("price", 2.5)), "price(3) >= 2.5"},
		{"nested column", Eq("info.Country", "NL"), "Country(6) = NL"},
		{"in deduplicated", In("id", 1, int64(1), 2), "id(1) IN [1 2]"},
		{"single in", In("id", 3, 3), "id(1) = 3"},
		{"single not in", NotIn("id", 3), "id(1) != 3"},
		{"empty in", In("id"), "false"},
		{"empty not in", And(NotIn("id"), IsNull("name")), "name(2) IS NULL"},
		{"flattened", And(Eq("id", 1), And(Eq("id", 2), AlwaysTrue())), "(id(1) = 1 AND id(1) = 2)"},
		{"nil", nil, "true"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bound, err := Bind(schema, tt.expr, true)
			require.NoError(t, err)
			assert.Equal(t, tt.want, bound.String())
		})
	}
}

func TestBindCaseSensitivity(t *testing.T) {
	schema := filterSchema()

	_, err := Bind(schema, Eq("INFO.country", "NL"), true)
	assert.ErrorIs(t, err, spec.ErrValidation)

	bound, err := Bind(schema, Eq("INFO.country", "NL"), false)
	require.NoError(t, err)
	assert.Equal(t, []int{6}, bound.FieldIDs())
}

func TestBindRejects(t *testing.T) {
	schema := filterSchema()

	tests := []struct {
		name string
		expr *Expression
	}{
		{"unknown column", Eq("missing", 1)},
		{"struct column", IsNull("info")},
		{"wrong literal type", Eq("id", "seven")},
		{"int overflow", Eq("day", int64(math.MaxInt64))},
		{"null literal", Eq("name", nil)},
		{"NaN literal", Gt("price", math.NaN())},
		{"prefix on number", StartsWith("id", "1")},
		{"bad set member", In("id", 1, "x")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Bind(schema, tt.expr, true)
			assert.ErrorIs(t, err, spec.ErrValidation)
		})
	}
}

func TestEval(t *testing.T) {
	schema := filterSchema()
	row := map[int]any{1: int64(5), 2: "apple", 3: math.NaN()}
	get := func(id int) any { return row[id] }

	tests := []struct {
		expr *Expression
		want bool
	}{
		{Eq("id", 5), true},
		{Lt("id", 5), false},
		{In("id", 1, 5), true},
		{StartsWith("name", "app"), true},
		{NotStartsWith("name", "app"), false},
		{IsNull("day"), true},
		{Gt("day", 1), false},
		{NotEq("day", 1), true},
		{NotIn("day", 1, 2), true},
		{Gt("price", 1.0), false},
		{Lte("price", 1.0), false},
		{NotEq("price", 1.0), true},
		{Not(Gt("price", 1.0)), false},
		{Or(Eq("id", 1), IsNotNull("name")), true},
		{And(Eq("id", 5), IsNotNull("day")), false},
	}
	for _, tt := range tests {
		t.Run(tt.expr.String(), func(t *testing.T) {
			bound, err := Bind(schema, tt.expr, true)
			require.NoError(t, err)
			assert.Equal(t, tt.want, bound.Eval(get))
		})
	}
}

func TestEvalPromotesNarrowValues(t *testing.T) {
	bound, err := Bind(filterSchema(), Eq("id", 5), true)
	require.NoError(t, err)
	assert.True(t, bound.Eval(func(int) any { return int32(5) }))
}
