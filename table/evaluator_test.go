package table

import (
	"fmt"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TennyZhuang/icelake/spec"
)

func filterSpec() *spec.PartitionSpec {
	return spec.NewPartitionSpecBuilder(0).
		Bucket(1, "id_bucket", 4).
		Truncate(2, "name_trunc", 2).
		Identity(3, "price").
		Month(4, "day_month").
		Build()
}

func TestProject(t *testing.T) {
	schema := filterSchema()
	p := filterSpec()

	tests := []struct {
		name string
		expr *Expression
		want string
	}{
		{"identity keeps op", Lt("price", 2.0), "price(1002) < 2"},
		{"bucket equality", Eq("id", 7), "id_bucket(1000) = " + bucketOf(t, 7)},
		{"bucket range dropped", Gt("id", 7), "true"},
		{"truncate range widened", Lt("name", "abc"), "name_trunc(1001) <= ab"},
		{"long prefix", StartsWith("name", "abc"), "name_trunc(1001) = ab"},
		{"short prefix", StartsWith("name", "a"), "name_trunc(1001) STARTS WITH a"},
		{"negated prefix dropped", NotStartsWith("name", "a"), "true"},
		{"month", Gte("day", 31), "day_month(1003) >= 1"},
		{"null check", IsNull("day"), "day_month(1003) IS NULL"},
		{"unpartitioned column", Eq("info.Country", "NL"), "true"},
		{"or", Or(Eq("price", 1.0), Gt("id", 1)), "true"},
		{"and", And(Eq("price", 1.0), Gt("id", 1)), "price(1002) = 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bound, err := Bind(schema, tt.expr, true)
			require.NoError(t, err)
			projected, err := Project(bound, p)
			require.NoError(t, err)
			assert.Equal(t, tt.want, projected.String())
		})
	}
}

func bucketOf(t *testing.T, v int64) string {
	t.Helper()
	b, err := spec.BucketTransform(4).Apply(spec.LongType, v)
	require.NoError(t, err)
	return fmt.Sprint(b)
}

func serialize(t *testing.T, typ spec.Type, v any) []byte {
	t.Helper()
	b, err := spec.SerializeValue(typ, v)
	require.NoError(t, err)
	return b
}

func TestMetricsEvaluator(t *testing.T) {
	schema := filterSchema()
	file := spec.NewDataFileBuilder("mem://t/data/a.parquet", spec.FileFormatParquet).
		WithRecordCount(10).
		WithColumnStats(1, 10, 0, serialize(t, spec.LongType, int64(10)), serialize(t, spec.LongType, int64(20))).
		WithColumnStats(2, 10, 10, nil, nil).
		WithColumnStats(3, 10, 2, serialize(t, spec.DoubleType, 1.0), serialize(t, spec.DoubleType, 5.0)).
		WithNaNCount(3, 8).
		Build()

	tests := []struct {
		expr *Expression
		want bool
	}{
		{Eq("id", 15), true},
		{Eq("id", 9), false},
		{Lt("id", 10), false},
		{Lte("id", 10), true},
		{Gt("id", 20), false},
		{Gte("id", 20), true},
		{In("id", 1, 2, 30), false},
		{In("id", 1, 12), true},
		{NotEq("id", 15), true},
		{IsNull("id"), false},
		{IsNotNull("name"), false},
		{IsNull("name"), true},
		{Eq("name", "x"), false},
		{NotEq("name", "x"), true},
		{Gt("price", 0.0), false},
		{IsNotNull("price"), true},
		{Eq("day", 3), true},
		{Or(Eq("id", 9), IsNull("name")), true},
		{And(Eq("id", 15), Eq("name", "x")), false},
		{Not(Eq("id", 9)), true},
	}
	for _, tt := range tests {
		t.Run(tt.expr.String(), func(t *testing.T) {
			bound, err := Bind(schema, tt.expr, true)
			require.NoError(t, err)
			got, err := newMetricsEvaluator(bound).MightMatch(&file)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMetricsEvaluatorEdgeCases(t *testing.T) {
	schema := filterSchema()
	bind := func(e *Expression) *BoundExpr {
		b, err := Bind(schema, e, true)
		require.NoError(t, err)
		return b
	}

	empty := spec.NewDataFileBuilder("mem://t/data/e.parquet", spec.FileFormatParquet).Build()
	ok, err := newMetricsEvaluator(bind(IsNull("name"))).MightMatch(&empty)
	require.NoError(t, err)
	assert.False(t, ok, "files without rows never match")

	unknown := spec.NewDataFileBuilder("mem://t/data/u.parquet", spec.FileFormatParquet).WithRecordCount(3).Build()
	ok, err = newMetricsEvaluator(bind(Eq("id", 1))).MightMatch(&unknown)
	require.NoError(t, err)
	assert.True(t, ok, "missing statistics keep the file")

	// Bounds written while the column was an int still prune once it is a
	// long.
	promoted := spec.NewDataFileBuilder("mem://t/data/p.parquet", spec.FileFormatParquet).
		WithRecordCount(3).
		WithColumnStats(1, 3, 0, serialize(t, spec.IntType, int32(1)), serialize(t, spec.IntType, int32(3))).
		Build()
	ok, err = newMetricsEvaluator(bind(Gt("id", 3))).MightMatch(&promoted)
	require.NoError(t, err)
	assert.False(t, ok)

	prefixed := spec.NewDataFileBuilder("mem://t/data/s.parquet", spec.FileFormatParquet).
		WithRecordCount(3).
		WithColumnStats(2, 3, 0, serialize(t, spec.StringType, "abc"), serialize(t, spec.StringType, "abz")).
		Build()
	for expr, want := range map[*Expression]bool{
		StartsWith("name", "ab"):     true,
		StartsWith("name", "b"):      false,
		StartsWith("name", "aa"):     false,
		NotStartsWith("name", "ab"):  false,
		NotStartsWith("name", "a"):   false,
		NotStartsWith("name", "abc"): true,
	} {
		ok, err := newMetricsEvaluator(bind(expr)).MightMatch(&prefixed)
		require.NoError(t, err)
		assert.Equal(t, want, ok, expr.String())
	}

	corrupt := spec.NewDataFileBuilder("mem://t/data/c.parquet", spec.FileFormatParquet).
		WithRecordCount(3).
		WithColumnStats(1, 3, 0, []byte{1, 2, 3}, nil).
		Build()
	_, err = newMetricsEvaluator(bind(Eq("id", 1))).MightMatch(&corrupt)
	assert.ErrorIs(t, err, spec.ErrCodec)
}

func TestManifestEvaluator(t *testing.T) {
	schema := filterSchema()
	p := filterSpec()
	yes, no := true, false

	mf := &spec.ManifestFile{
		ManifestPath: "mem://t/metadata/m.avro",
		Partitions: []spec.PartitionFieldSummary{
			{ContainsNull: false, ContainsNaN: &no, LowerBound: serialize(t, spec.IntType, int32(0)), UpperBound: serialize(t, spec.IntType, int32(1))},
			{ContainsNull: true, ContainsNaN: &no},
			{ContainsNull: false, ContainsNaN: &yes, LowerBound: serialize(t, spec.DoubleType, 1.0), UpperBound: serialize(t, spec.DoubleType, 2.0)},
		},
	}

	tests := []struct {
		expr *Expression
		want bool
	}{
		{Eq("price", 1.5), true},
		{Gt("price", 2.0), false},
		{IsNull("price"), false},
		{IsNull("name"), true},
		{IsNotNull("name"), false},
		{Eq("name", "abc"), false},
		{Eq("day", 40), true},
		{Or(Gt("price", 2.0), Eq("day", 40)), true},
	}
	for _, tt := range tests {
		t.Run(tt.expr.String(), func(t *testing.T) {
			bound, err := Bind(schema, tt.expr, true)
			require.NoError(t, err)
			projected, err := Project(bound, p)
			require.NoError(t, err)
			got, err := newManifestEvaluator(projected, p).MightMatch(mf)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type testRow map[int]any

func randomRow(r *rand.Rand) testRow {
	row := testRow{}
	if r.Intn(10) > 0 {
		row[1] = int64(r.Intn(41) - 20)
	}
	if r.Intn(10) > 0 {
		row[2] = randomString(r)
	}
	switch n := r.Intn(12); {
	case n == 0:
	case n == 1:
		row[3] = math.NaN()
	default:
		row[3] = []float64{-1.5, 0, 2.25, 3, 7.5}[r.Intn(5)]
	}
	if r.Intn(10) > 0 {
		row[4] = int32(r.Intn(121) - 60)
	}
	return row
}

func randomString(r *rand.Rand) string {
	var sb strings.Builder
	for i := r.Intn(4); i > 0; i-- {
		sb.WriteByte("abc"[r.Intn(3)])
	}
	return sb.String()
}

func randomLiteral(r *rand.Rand, column string) any {
	switch column {
	case "id":
		return r.Intn(45) - 22
	case "name":
		return randomString(r)
	case "price":
		return []float64{-2, -1.5, 0, 1, 2.25, 3, 8}[r.Intn(7)]
	}
	return r.Intn(125) - 62
}

func randomExpr(r *rand.Rand, depth int) *Expression {
	if depth > 0 && r.Intn(3) == 0 {
		switch r.Intn(3) {
		case 0:
			return And(randomExpr(r, depth-1), randomExpr(r, depth-1))
		case 1:
			return Or(randomExpr(r, depth-1), randomExpr(r, depth-1))
		default:
			return Not(randomExpr(r, depth-1))
		}
	}

	column := []string{"id", "name", "price", "day"}[r.Intn(4)]
	col := Col(column)
	switch r.Intn(10) {
	case 0:
		return col.Eq(randomLiteral(r, column))
	case 1:
		return col.NotEq(randomLiteral(r, column))
	case 2:
		return col.Lt(randomLiteral(r, column))
	case 3:
		return col.Lte(randomLiteral(r, column))
	case 4:
		return col.Gt(randomLiteral(r, column))
	case 5:
		return col.Gte(randomLiteral(r, column))
	case 6:
		return col.In(randomLiteral(r, column), randomLiteral(r, column), randomLiteral(r, column))
	case 7:
		return col.NotIn(randomLiteral(r, column), randomLiteral(r, column))
	case 8:
		if column == "name" {
			if r.Intn(2) == 0 {
				return col.StartsWith(randomString(r))
			}
			return col.NotStartsWith(randomString(r))
		}
		return col.IsNull()
	}
	return col.IsNotNull()
}

// fileOf builds the data file of rows that share one partition tuple.
func fileOf(t *testing.T, schema *spec.Schema, tuple []any, rows []testRow) spec.DataFile {
	b := spec.NewDataFileBuilder("mem://t/data/f.parquet", spec.FileFormatParquet).
		WithRecordCount(int64(len(rows)))
	b.WithPartition(0, tuple...)
	for _, f := range schema.Fields {
		if !spec.IsPrimitive(f.Type) {
			continue
		}
		var nulls, nans int64
		var lower, upper any
		for _, row := range rows {
			v, ok := row[f.ID]
			switch {
			case !ok:
				nulls++
			case spec.IsNaN(v):
				nans++
			default:
				if c, _ := spec.CompareValues(f.Type, v, lower); lower == nil || c < 0 {
					lower = v
				}
				if c, _ := spec.CompareValues(f.Type, v, upper); upper == nil || c > 0 {
					upper = v
				}
			}
		}
		var lb, ub []byte
		if lower != nil {
			lb, ub = serialize(t, f.Type, lower), serialize(t, f.Type, upper)
		}
		b.WithColumnStats(f.ID, int64(len(rows)), nulls, lb, ub)
		if f.Type.TypeID() == spec.TypeDouble {
			b.WithNaNCount(f.ID, nans)
		}
	}
	return b.Build()
}

func summarize(t *testing.T, schema *spec.Schema, p *spec.PartitionSpec, tuples [][]any) []spec.PartitionFieldSummary {
	pt, err := p.PartitionType(schema)
	require.NoError(t, err)
	out := make([]spec.PartitionFieldSummary, len(p.Fields))
	for i, f := range pt.Fields {
		containsNaN := false
		var lower, upper any
		for _, tuple := range tuples {
			v := tuple[i]
			switch {
			case v == nil:
				out[i].ContainsNull = true
			case spec.IsNaN(v):
				containsNaN = true
			default:
				if c, _ := spec.CompareValues(f.Type, v, lower); lower == nil || c < 0 {
					lower = v
				}
				if c, _ := spec.CompareValues(f.Type, v, upper); upper == nil || c > 0 {
					upper = v
				}
			}
		}
		out[i].ContainsNaN = &containsNaN
		if lower != nil {
			out[i].LowerBound = serialize(t, f.Type, lower)
			out[i].UpperBound = serialize(t, f.Type, upper)
		}
	}
	return out
}

// TestPruningNeverDropsMatches checks on random data that no evaluator
// prunes a file, partition or manifest holding a matching row.
func TestPruningNeverDropsMatches(t *testing.T) {
	schema := filterSchema()
	p := filterSpec()
	r := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		groups := map[string][]testRow{}
		tuples := map[string][]any{}
		for i := 0; i < 40; i++ {
			row := randomRow(r)
			tuple, err := p.PartitionValue(schema, row)
			require.NoError(t, err)
			key := fmt.Sprint(tuple)
			groups[key] = append(groups[key], row)
			tuples[key] = tuple
		}
		var all [][]any
		for _, tuple := range tuples {
			all = append(all, tuple)
		}
		mf := &spec.ManifestFile{ManifestPath: "mem://t/m.avro", Partitions: summarize(t, schema, p, all)}

		for trial := 0; trial < 10; trial++ {
			expr := randomExpr(r, 3)
			bound, err := Bind(schema, expr, true)
			require.NoError(t, err, expr.String())
			projected, err := Project(bound, p)
			require.NoError(t, err, expr.String())

			metrics := newMetricsEvaluator(bound)
			partitions := newPartitionEvaluator(projected, p)
			manifestMatches, err := newManifestEvaluator(projected, p).MightMatch(mf)
			require.NoError(t, err)

			for key, rows := range groups {
				matched := false
				for _, row := range rows {
					if bound.Eval(func(id int) any { return row[id] }) {
						matched = true
						break
					}
				}
				if !matched {
					continue
				}
				file := fileOf(t, schema, tuples[key], rows)
				fileMatches, err := metrics.MightMatch(&file)
				require.NoError(t, err)
				require.True(t, fileMatches, "metrics pruned a match for %s in %v", bound, rows)
				require.True(t, partitions.Match(tuples[key]), "partition %s pruned a match for %s", key, projected)
				require.True(t, manifestMatches, "manifest pruned a match for %s", projected)
			}
		}
	}
}
