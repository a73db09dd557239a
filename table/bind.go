package table

import (
	"fmt"
	"strings"

	"github.com/TennyZhuang/icelake/spec"
)

// BoundExpr is an Expression resolved against a schema: predicates name
// field ids and carry literals in the canonical form of the column type.
// A BoundExpr never contains OpNot.
type BoundExpr struct {
	op       ExprOp
	field    spec.NestedField
	lit      any
	lits     []any
	children []*BoundExpr
}

var (
	boundTrue  = &BoundExpr{op: OpTrue}
	boundFalse = &BoundExpr{op: OpFalse}
)

// Op returns the operator of the node.
func (b *BoundExpr) Op() ExprOp { return b.op }

// FieldID returns the field a predicate reads, or 0 for AND, OR and
// constants.
func (b *BoundExpr) FieldID() int { return b.field.ID }

func (b *BoundExpr) isPredicate() bool {
	switch b.op {
	case OpTrue, OpFalse, OpAnd, OpOr:
		return false
	}
	return true
}

func (b *BoundExpr) String() string {
	switch b.op {
	case OpTrue:
		return "true"
	case OpFalse:
		return "false"
	case OpAnd, OpOr:
		parts := make([]string, len(b.children))
		for i, c := range b.children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, " "+b.op.String()+" ") + ")"
	case OpIsNull, OpNotNull:
		return fmt.Sprintf("%s(%d) %s", b.field.Name, b.field.ID, b.op)
	case OpIn, OpNotIn:
		return fmt.Sprintf("%s(%d) %s %v", b.field.Name, b.field.ID, b.op, b.lits)
	}
	return fmt.Sprintf("%s(%d) %s %v", b.field.Name, b.field.ID, b.op, b.lit)
}

// FieldIDs returns the distinct field ids the expression reads.
func (b *BoundExpr) FieldIDs() []int {
	seen := map[int]bool{}
	var out []int
	b.walk(func(p *BoundExpr) {
		if !seen[p.field.ID] {
			seen[p.field.ID] = true
			out = append(out, p.field.ID)
		}
	})
	return out
}

// walk calls fn for every predicate.
func (b *BoundExpr) walk(fn func(*BoundExpr)) {
	if b.isPredicate() {
		fn(b)
		return
	}
	for _, c := range b.children {
		c.walk(fn)
	}
}

// Bind resolves the columns of e against schema. NOT is pushed down first,
// so the result only has AND, OR, constants and predicates. Unknown
// columns, non-primitive columns and literals that do not fit the column
// type fail with a spec.ValidationError. A nil e binds to true.
func Bind(schema *spec.Schema, e *Expression, caseSensitive bool) (*BoundExpr, error) {
	return bindExpr(schema, e.RewriteNot(), caseSensitive)
}

func bindExpr(schema *spec.Schema, e *Expression, caseSensitive bool) (*BoundExpr, error) {
	switch e.Op {
	case OpTrue:
		return boundTrue, nil
	case OpFalse:
		return boundFalse, nil
	case OpAnd, OpOr:
		children := make([]*BoundExpr, 0, len(e.Children))
		for _, child := range e.Children {
			b, err := bindExpr(schema, child, caseSensitive)
			if err != nil {
				return nil, err
			}
			children = append(children, b)
		}
		return combine(e.Op, children), nil
	case OpNot:
		return nil, spec.Validationf("unexpected NOT in %s", e)
	}

	var field *spec.NestedField
	if caseSensitive {
		field = schema.FieldByName(e.Column)
	} else {
		field = schema.FieldByNameCaseInsensitive(e.Column)
	}
	if field == nil {
		return nil, spec.Validationf("cannot find column %q in schema %d", e.Column, schema.SchemaID)
	}
	if !spec.IsPrimitive(field.Type) {
		return nil, spec.Validationf("cannot filter on %s column %q", field.Type, e.Column)
	}
	return bindPredicate(*field, e)
}

func bindPredicate(field spec.NestedField, e *Expression) (*BoundExpr, error) {
	pred := &BoundExpr{op: e.Op, field: field}
	switch e.Op {
	case OpIsNull, OpNotNull:
		return pred, nil
	case OpStartsWith, OpNotStartsWith:
		if field.Type.TypeID() != spec.TypeString {
			return nil, spec.Validationf("%s needs a string column, %q is %s", e.Op, field.Name, field.Type)
		}
		prefix, ok := e.Value.(string)
		if !ok {
			return nil, spec.Validationf("%s needs a string prefix, got %T", e.Op, e.Value)
		}
		pred.lit = prefix
		return pred, nil
	case OpIn, OpNotIn:
		lits, err := bindLiterals(field, e.Values)
		if err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", e, err)
		}
		switch {
		case len(lits) == 0 && e.Op == OpIn:
			return boundFalse, nil
		case len(lits) == 0:
			return boundTrue, nil
		case len(lits) == 1 && e.Op == OpIn:
			return &BoundExpr{op: OpEq, field: field, lit: lits[0]}, nil
		case len(lits) == 1:
			return &BoundExpr{op: OpNotEq, field: field, lit: lits[0]}, nil
		}
		pred.lits = lits
		return pred, nil
	case OpEq, OpNotEq, OpLt, OpLte, OpGt, OpGte:
		lit, err := bindLiteral(field, e.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", e, err)
		}
		pred.lit = lit
		return pred, nil
	}
	return nil, spec.Validationf("unknown operator %d", int(e.Op))
}

func bindLiteral(field spec.NestedField, v any) (any, error) {
	if v == nil {
		return nil, spec.Validationf("null literal for %q, use IsNull", field.Name)
	}
	lit, err := spec.NormalizeValue(field.Type, v)
	if err != nil {
		return nil, err
	}
	if spec.IsNaN(lit) {
		return nil, spec.Validationf("NaN literal for %q cannot be compared", field.Name)
	}
	return lit, nil
}

// bindLiterals normalizes a set and drops duplicates, keeping first
// occurrence order.
func bindLiterals(field spec.NestedField, values []any) ([]any, error) {
	out := make([]any, 0, len(values))
	for _, v := range values {
		lit, err := bindLiteral(field, v)
		if err != nil {
			return nil, err
		}
		out = appendDistinct(field.Type, out, lit)
	}
	return out, nil
}

func appendDistinct(typ spec.Type, set []any, v any) []any {
	for _, have := range set {
		if c, err := spec.CompareValues(typ, have, v); err == nil && c == 0 {
			return set
		}
	}
	return append(set, v)
}

// combine builds an AND or OR node, folding constants and flattening
// nested nodes of the same operator.
func combine(op ExprOp, children []*BoundExpr) *BoundExpr {
	identity, absorbing := OpTrue, OpFalse
	if op == OpOr {
		identity, absorbing = OpFalse, OpTrue
	}
	out := make([]*BoundExpr, 0, len(children))
	for _, c := range children {
		switch c.op {
		case identity:
			continue
		case absorbing:
			return c
		case op:
			out = append(out, c.children...)
			continue
		}
		out = append(out, c)
	}
	switch len(out) {
	case 0:
		if op == OpAnd {
			return boundTrue
		}
		return boundFalse
	case 1:
		return out[0]
	}
	return &BoundExpr{op: op, children: out}
}

// Eval evaluates the expression on one row. get returns the value of a
// field, nil for null. Values of a narrower type are promoted to the
// column type first. Null fails every comparison except the negated ones
// (!=, NOT IN, NOT STARTS WITH), and NaN only satisfies != and NOT IN.
// A value that cannot be compared with the literal matches.
func (b *BoundExpr) Eval(get func(fieldID int) any) bool {
	switch b.op {
	case OpTrue:
		return true
	case OpFalse:
		return false
	case OpAnd:
		for _, c := range b.children {
			if !c.Eval(get) {
				return false
			}
		}
		return true
	case OpOr:
		for _, c := range b.children {
			if c.Eval(get) {
				return true
			}
		}
		return false
	}

	v := get(b.field.ID)
	switch b.op {
	case OpIsNull:
		return v == nil
	case OpNotNull:
		return v != nil
	case OpNotEq, OpNotIn, OpNotStartsWith:
		if v == nil {
			return true
		}
	}
	if v == nil {
		return false
	}
	if promoted, err := spec.NormalizeValue(b.field.Type, v); err == nil {
		v = promoted
	}

	switch b.op {
	case OpStartsWith, OpNotStartsWith:
		s, ok := v.(string)
		if !ok {
			return true
		}
		return strings.HasPrefix(s, b.lit.(string)) == (b.op == OpStartsWith)
	case OpIn, OpNotIn:
		if spec.IsNaN(v) {
			return b.op == OpNotIn
		}
		for _, lit := range b.lits {
			c, err := spec.CompareValues(b.field.Type, v, lit)
			if err != nil {
				return true
			}
			if c == 0 {
				return b.op == OpIn
			}
		}
		return b.op == OpNotIn
	}

	if spec.IsNaN(v) {
		return b.op == OpNotEq
	}
	c, err := spec.CompareValues(b.field.Type, v, b.lit)
	if err != nil {
		return true
	}
	switch b.op {
	case OpEq:
		return c == 0
	case OpNotEq:
		return c != 0
	case OpLt:
		return c < 0
	case OpLte:
		return c <= 0
	case OpGt:
		return c > 0
	case OpGte:
		return c >= 0
	}
	return false
}
