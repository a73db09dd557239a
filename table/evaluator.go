package table

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/TennyZhuang/icelake/spec"
)

// Project rewrites a bound row filter into a filter on the partition
// tuple of p. The result is inclusive: every partition that holds a
// matching row satisfies it. Predicates on columns p does not partition
// by become true.
func Project(expr *BoundExpr, p *spec.PartitionSpec) (*BoundExpr, error) {
	switch expr.op {
	case OpTrue, OpFalse:
		return expr, nil
	case OpAnd, OpOr:
		children := make([]*BoundExpr, 0, len(expr.children))
		for _, c := range expr.children {
			projected, err := Project(c, p)
			if err != nil {
				return nil, err
			}
			children = append(children, projected)
		}
		return combine(expr.op, children), nil
	}

	var parts []*BoundExpr
	for _, pf := range p.FieldsBySource(expr.field.ID) {
		projected, err := projectPredicate(expr, pf)
		if err != nil {
			return nil, fmt.Errorf("failed to project %s through %s: %w", expr, pf.Transform, err)
		}
		parts = append(parts, projected)
	}
	return combine(OpAnd, parts), nil
}

func projectPredicate(pred *BoundExpr, pf spec.PartitionField) (*BoundExpr, error) {
	t := pf.Transform
	if t == spec.TransformVoid {
		return boundTrue, nil
	}
	resultType, err := t.ResultType(pred.field.Type)
	if err != nil {
		return nil, err
	}
	field := spec.NestedField{ID: pf.FieldID, Name: pf.Name, Type: resultType}
	out := func(op ExprOp, lit any, lits []any) *BoundExpr {
		return &BoundExpr{op: op, field: field, lit: lit, lits: lits}
	}
	apply := func(v any) (any, error) { return t.Apply(pred.field.Type, v) }
	applyAll := func() ([]any, error) {
		set := make([]any, 0, len(pred.lits))
		for _, v := range pred.lits {
			pv, err := apply(v)
			if err != nil {
				return nil, err
			}
			set = appendDistinct(resultType, set, pv)
		}
		return set, nil
	}

	switch pred.op {
	case OpIsNull, OpNotNull:
		return out(pred.op, nil, nil), nil
	}

	if t == spec.TransformIdentity {
		return out(pred.op, pred.lit, pred.lits), nil
	}

	switch pred.op {
	case OpEq:
		v, err := apply(pred.lit)
		if err != nil {
			return nil, err
		}
		return out(OpEq, v, nil), nil
	case OpIn:
		set, err := applyAll()
		if err != nil {
			return nil, err
		}
		if len(set) == 1 {
			return out(OpEq, set[0], nil), nil
		}
		return out(OpIn, nil, set), nil
	}

	// Range predicates only survive order preserving transforms. The
	// transformed bound is made inclusive since distinct values can share
	// a partition.
	if !t.PreservesOrder() {
		return boundTrue, nil
	}
	switch pred.op {
	case OpLt, OpLte, OpGt, OpGte:
		v, err := apply(pred.lit)
		if err != nil {
			return nil, err
		}
		if pred.op == OpLt || pred.op == OpLte {
			return out(OpLte, v, nil), nil
		}
		return out(OpGte, v, nil), nil
	case OpStartsWith:
		width, ok := t.Param()
		if !ok || t.Kind() != "truncate" {
			return boundTrue, nil
		}
		prefix := pred.lit.(string)
		if utf8.RuneCountInString(prefix) >= width {
			v, err := apply(prefix)
			if err != nil {
				return nil, err
			}
			return out(OpEq, v, nil), nil
		}
		return out(OpStartsWith, prefix, nil), nil
	}
	return boundTrue, nil
}

// columnStats is what an evaluator knows about the values of one column
// in a file or manifest. Nil bounds are unknown.
type columnStats struct {
	lower, upper any
	// noNull is set when the column is known to hold no null.
	noNull bool
	// allNull is set when every value is known to be null.
	allNull bool
	// noOrdered is set when every value is known to be null or NaN, so no
	// comparison can hold.
	noOrdered bool
}

// statsMightMatch reports whether a column with the given statistics can
// hold a value that satisfies pred.
func statsMightMatch(pred *BoundExpr, st columnStats) bool {
	typ := pred.field.Type
	cmp := func(a, b any) (int, bool) {
		if a == nil || spec.IsNaN(a) {
			return 0, false
		}
		c, err := spec.CompareValues(typ, a, b)
		return c, err == nil
	}

	switch pred.op {
	case OpIsNull:
		return !st.noNull
	case OpNotNull:
		return !st.allNull
	case OpNotEq, OpNotIn:
		return true
	case OpNotStartsWith:
		if !st.noNull {
			return true
		}
		prefix := pred.lit.(string)
		lower, lok := st.lower.(string)
		upper, uok := st.upper.(string)
		return !(lok && uok && strings.HasPrefix(lower, prefix) && strings.HasPrefix(upper, prefix))
	}

	if st.noOrdered {
		return false
	}

	switch pred.op {
	case OpLt:
		if c, ok := cmp(st.lower, pred.lit); ok && c >= 0 {
			return false
		}
	case OpLte:
		if c, ok := cmp(st.lower, pred.lit); ok && c > 0 {
			return false
		}
	case OpGt:
		if c, ok := cmp(st.upper, pred.lit); ok && c <= 0 {
			return false
		}
	case OpGte:
		if c, ok := cmp(st.upper, pred.lit); ok && c < 0 {
			return false
		}
	case OpEq:
		if c, ok := cmp(st.lower, pred.lit); ok && c > 0 {
			return false
		}
		if c, ok := cmp(st.upper, pred.lit); ok && c < 0 {
			return false
		}
	case OpIn:
		for _, lit := range pred.lits {
			if c, ok := cmp(st.lower, lit); ok && c > 0 {
				continue
			}
			if c, ok := cmp(st.upper, lit); ok && c < 0 {
				continue
			}
			return true
		}
		return false
	case OpStartsWith:
		prefix := pred.lit.(string)
		width := utf8.RuneCountInString(prefix)
		if lower, ok := st.lower.(string); ok {
			if strings.Compare(spec.TruncateLowerBound(lower, width).(string), prefix) > 0 {
				return false
			}
		}
		if upper, ok := st.upper.(string); ok {
			if strings.Compare(spec.TruncateLowerBound(upper, width).(string), prefix) < 0 {
				return false
			}
		}
	}
	return true
}

// evalStats folds statsMightMatch over an expression tree.
func evalStats(expr *BoundExpr, stats func(p *BoundExpr) (columnStats, error)) (bool, error) {
	switch expr.op {
	case OpTrue:
		return true, nil
	case OpFalse:
		return false, nil
	case OpAnd:
		for _, c := range expr.children {
			ok, err := evalStats(c, stats)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, c := range expr.children {
			ok, err := evalStats(c, stats)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	st, err := stats(expr)
	if err != nil {
		return false, err
	}
	return statsMightMatch(expr, st), nil
}

// manifestEvaluator prunes manifests with their partition field summaries.
type manifestEvaluator struct {
	expr      *BoundExpr
	positions map[int]int
}

func newManifestEvaluator(projected *BoundExpr, p *spec.PartitionSpec) *manifestEvaluator {
	positions := make(map[int]int, len(p.Fields))
	for i, f := range p.Fields {
		positions[f.FieldID] = i
	}
	return &manifestEvaluator{expr: projected, positions: positions}
}

// MightMatch reports whether mf can hold a matching live file.
func (m *manifestEvaluator) MightMatch(mf *spec.ManifestFile) (bool, error) {
	return evalStats(m.expr, func(p *BoundExpr) (columnStats, error) {
		pos, ok := m.positions[p.field.ID]
		if !ok || pos >= len(mf.Partitions) {
			return columnStats{}, nil
		}
		s := mf.Partitions[pos]
		containsNaN := s.ContainsNaN != nil && *s.ContainsNaN
		st := columnStats{
			noNull:    !s.ContainsNull,
			allNull:   s.ContainsNull && s.LowerBound == nil && s.UpperBound == nil && s.ContainsNaN != nil && !containsNaN,
			noOrdered: s.LowerBound == nil && s.UpperBound == nil && (s.ContainsNull || containsNaN),
		}
		var err error
		if st.lower, err = decodeBound(p.field.Type, s.LowerBound, mf.ManifestPath); err != nil {
			return st, err
		}
		if st.upper, err = decodeBound(p.field.Type, s.UpperBound, mf.ManifestPath); err != nil {
			return st, err
		}
		return st, nil
	})
}

// metricsEvaluator prunes data files with their column statistics.
type metricsEvaluator struct {
	expr *BoundExpr
}

func newMetricsEvaluator(expr *BoundExpr) *metricsEvaluator {
	return &metricsEvaluator{expr: expr}
}

// MightMatch reports whether f can hold a matching row. Missing
// statistics never prune.
func (m *metricsEvaluator) MightMatch(f *spec.DataFile) (bool, error) {
	if f.Content == spec.FileContentData && f.RecordCount == 0 {
		return false, nil
	}
	return evalStats(m.expr, func(p *BoundExpr) (columnStats, error) {
		id := p.field.ID
		values, hasValues := f.ValueCounts[id]
		nulls, hasNulls := f.NullValueCounts[id]
		nans, hasNaNs := f.NaNValueCounts[id]

		st := columnStats{
			noNull:  hasNulls && nulls == 0,
			allNull: hasValues && hasNulls && nulls == values,
		}
		st.noOrdered = st.allNull ||
			(hasValues && hasNaNs && nans == values) ||
			(hasValues && hasNulls && hasNaNs && nulls+nans == values)

		var err error
		if st.lower, err = decodeBound(p.field.Type, f.LowerBounds[id], f.FilePath); err != nil {
			return st, err
		}
		if st.upper, err = decodeBound(p.field.Type, f.UpperBounds[id], f.FilePath); err != nil {
			return st, err
		}
		return st, nil
	})
}

func decodeBound(typ spec.Type, data []byte, location string) (any, error) {
	if data == nil {
		return nil, nil
	}
	v, err := spec.DeserializeValue(typ, data)
	if err != nil {
		return nil, spec.AtLocation(err, location)
	}
	return v, nil
}

// partitionEvaluator evaluates a projected filter on partition tuples.
type partitionEvaluator struct {
	expr      *BoundExpr
	positions map[int]int
}

func newPartitionEvaluator(projected *BoundExpr, p *spec.PartitionSpec) *partitionEvaluator {
	positions := make(map[int]int, len(p.Fields))
	for i, f := range p.Fields {
		positions[f.FieldID] = i
	}
	return &partitionEvaluator{expr: projected, positions: positions}
}

func (e *partitionEvaluator) Match(tuple []any) bool {
	return e.expr.Eval(func(id int) any {
		pos, ok := e.positions[id]
		if !ok || pos >= len(tuple) {
			return nil
		}
		return tuple[pos]
	})
}
