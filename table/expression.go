package table

import (
	"fmt"
	"sort"
	"strings"
)

// ExprOp represents an expression operator.
type ExprOp int

const (
	OpTrue ExprOp = iota
	OpFalse
	OpAnd
	OpOr
	OpNot
	OpEq
	OpNotEq
	OpLt
	OpLte
	OpGt
	OpGte
	OpIn
	OpNotIn
	OpIsNull
	OpNotNull
	OpStartsWith
	OpNotStartsWith
)

var opNames = [...]string{
	OpTrue:          "TRUE",
	OpFalse:         "FALSE",
	OpAnd:           "AND",
	OpOr:            "OR",
	OpNot:           "NOT",
	OpEq:            "=",
	OpNotEq:         "!=",
	OpLt:            "<",
	OpLte:           "<=",
	OpGt:            ">",
	OpGte:           ">=",
	OpIn:            "IN",
	OpNotIn:         "NOT IN",
	OpIsNull:        "IS NULL",
	OpNotNull:       "IS NOT NULL",
	OpStartsWith:    "STARTS WITH",
	OpNotStartsWith: "NOT STARTS WITH",
}

func (op ExprOp) String() string {
	if op < 0 || int(op) >= len(opNames) {
		return "UNKNOWN"
	}
	return opNames[op]
}

// Expression is an unbound row filter. Columns are referenced by name and
// literals are plain Go values until the expression is bound to a schema.
type Expression struct {
	Op       ExprOp
	Column   string
	Value    any
	Values   []any
	Children []*Expression
}

// String renders the expression in a SQL-like form.
func (e *Expression) String() string {
	if e == nil {
		return "nil"
	}
	var sb strings.Builder
	e.render(&sb)
	return sb.String()
}

func (e *Expression) render(sb *strings.Builder) {
	switch e.Op {
	case OpTrue, OpFalse:
		sb.WriteString(strings.ToLower(e.Op.String()))
	case OpAnd, OpOr:
		sb.WriteByte('(')
		for i, child := range e.Children {
			if i > 0 {
				sb.WriteString(" " + e.Op.String() + " ")
			}
			sb.WriteString(child.String())
		}
		sb.WriteByte(')')
	case OpNot:
		sb.WriteString("NOT ")
		if len(e.Children) == 0 {
			sb.WriteString("nil")
			return
		}
		sb.WriteString(e.Children[0].String())
	case OpIsNull, OpNotNull:
		sb.WriteString(e.Column + " " + e.Op.String())
	case OpIn, OpNotIn:
		fmt.Fprintf(sb, "%s %s %v", e.Column, e.Op, e.Values)
	case OpStartsWith, OpNotStartsWith:
		fmt.Fprintf(sb, "%s %s %q", e.Column, e.Op, e.Value)
	default:
		fmt.Fprintf(sb, "%s %s %v", e.Column, e.Op, e.Value)
	}
}

// ExprBuilder builds predicates on one column.
type ExprBuilder struct {
	column string
}

// Col starts a predicate on the named column.
func Col(name string) *ExprBuilder {
	return &ExprBuilder{column: name}
}

func (b *ExprBuilder) predicate(op ExprOp, value any) *Expression {
	return &Expression{Op: op, Column: b.column, Value: value}
}

func (b *ExprBuilder) Eq(value any) *Expression    { return b.predicate(OpEq, value) }
func (b *ExprBuilder) NotEq(value any) *Expression { return b.predicate(OpNotEq, value) }
func (b *ExprBuilder) Lt(value any) *Expression    { return b.predicate(OpLt, value) }
func (b *ExprBuilder) Lte(value any) *Expression   { return b.predicate(OpLte, value) }
func (b *ExprBuilder) Gt(value any) *Expression    { return b.predicate(OpGt, value) }
func (b *ExprBuilder) Gte(value any) *Expression   { return b.predicate(OpGte, value) }
func (b *ExprBuilder) IsNull() *Expression         { return b.predicate(OpIsNull, nil) }
func (b *ExprBuilder) IsNotNull() *Expression      { return b.predicate(OpNotNull, nil) }

// In matches rows whose column equals any of values.
func (b *ExprBuilder) In(values ...any) *Expression {
	return &Expression{Op: OpIn, Column: b.column, Values: values}
}

// NotIn matches rows whose column equals none of values.
func (b *ExprBuilder) NotIn(values ...any) *Expression {
	return &Expression{Op: OpNotIn, Column: b.column, Values: values}
}

// StartsWith matches string values beginning with prefix.
func (b *ExprBuilder) StartsWith(prefix string) *Expression {
	return b.predicate(OpStartsWith, prefix)
}

// NotStartsWith matches values that do not begin with prefix, nulls
// included.
func (b *ExprBuilder) NotStartsWith(prefix string) *Expression {
	return b.predicate(OpNotStartsWith, prefix)
}

// AlwaysTrue matches every row.
func AlwaysTrue() *Expression { return &Expression{Op: OpTrue} }

// AlwaysFalse matches no row.
func AlwaysFalse() *Expression { return &Expression{Op: OpFalse} }

// And matches rows matching every child. With no children it matches all.
func And(exprs ...*Expression) *Expression {
	return &Expression{Op: OpAnd, Children: exprs}
}

// Or matches rows matching any child. With no children it matches none.
func Or(exprs ...*Expression) *Expression {
	return &Expression{Op: OpOr, Children: exprs}
}

// Not negates expr.
func Not(expr *Expression) *Expression {
	return &Expression{Op: OpNot, Children: []*Expression{expr}}
}

// Shorthands for Col(column).<Op>(...).

func Eq(column string, value any) *Expression        { return Col(column).Eq(value) }
func NotEq(column string, value any) *Expression     { return Col(column).NotEq(value) }
func Lt(column string, value any) *Expression        { return Col(column).Lt(value) }
func Lte(column string, value any) *Expression       { return Col(column).Lte(value) }
func Gt(column string, value any) *Expression        { return Col(column).Gt(value) }
func Gte(column string, value any) *Expression       { return Col(column).Gte(value) }
func In(column string, values ...any) *Expression    { return Col(column).In(values...) }
func NotIn(column string, values ...any) *Expression { return Col(column).NotIn(values...) }
func IsNull(column string) *Expression               { return Col(column).IsNull() }
func IsNotNull(column string) *Expression            { return Col(column).IsNotNull() }
func StartsWith(column, prefix string) *Expression   { return Col(column).StartsWith(prefix) }
func NotStartsWith(column, prefix string) *Expression {
	return Col(column).NotStartsWith(prefix)
}

// Between matches lower <= column <= upper.
func Between(column string, lower, upper any) *Expression {
	return And(Gte(column, lower), Lte(column, upper))
}

// Clone creates a deep copy of the expression.
func (e *Expression) Clone() *Expression {
	if e == nil {
		return nil
	}

	clone := &Expression{
		Op:     e.Op,
		Column: e.Column,
		Value:  e.Value,
	}

	if e.Values != nil {
		clone.Values = make([]any, len(e.Values))
		copy(clone.Values, e.Values)
	}

	if e.Children != nil {
		clone.Children = make([]*Expression, len(e.Children))
		for i, child := range e.Children {
			clone.Children[i] = child.Clone()
		}
	}

	return clone
}

// Simplify folds constants and removes redundant nodes. A nil expression
// stands for AlwaysTrue.
func (e *Expression) Simplify() *Expression {
	if e == nil {
		return AlwaysTrue()
	}

	switch e.Op {
	case OpAnd, OpOr:
		// identity is the constant that can be dropped, absorbing the one
		// that decides the whole node.
		identity, absorbing := OpTrue, OpFalse
		if e.Op == OpOr {
			identity, absorbing = OpFalse, OpTrue
		}
		simplified := make([]*Expression, 0, len(e.Children))
		for _, child := range e.Children {
			s := child.Simplify()
			switch s.Op {
			case identity:
				continue
			case absorbing:
				return s
			}
			simplified = append(simplified, s)
		}
		switch len(simplified) {
		case 0:
			return &Expression{Op: identity}
		case 1:
			return simplified[0]
		}
		return &Expression{
			Op:       e.Op,
			Children: simplified,
		}
	case OpNot:
		if len(e.Children) == 0 {
			return AlwaysTrue()
		}
		child := e.Children[0].Simplify()
		switch child.Op {
		case OpTrue:
			return AlwaysFalse()
		case OpFalse:
			return AlwaysTrue()
		case OpNot:
			// Double negation
			return child.Children[0]
		}
		return &Expression{
			Op:       OpNot,
			Children: []*Expression{child},
		}
	default:
		return e
	}
}

var negatedOps = map[ExprOp]ExprOp{
	OpTrue:          OpFalse,
	OpFalse:         OpTrue,
	OpEq:            OpNotEq,
	OpNotEq:         OpEq,
	OpLt:            OpGte,
	OpGte:           OpLt,
	OpGt:            OpLte,
	OpLte:           OpGt,
	OpIn:            OpNotIn,
	OpNotIn:         OpIn,
	OpIsNull:        OpNotNull,
	OpNotNull:       OpIsNull,
	OpStartsWith:    OpNotStartsWith,
	OpNotStartsWith: OpStartsWith,
}

// RewriteNot pushes every NOT down to the predicates, so the result
// contains no OpNot node.
func (e *Expression) RewriteNot() *Expression {
	return rewriteNot(e, false)
}

func rewriteNot(e *Expression, negate bool) *Expression {
	if e == nil {
		if negate {
			return AlwaysFalse()
		}
		return AlwaysTrue()
	}
	switch e.Op {
	case OpNot:
		if len(e.Children) == 0 {
			return rewriteNot(nil, negate)
		}
		return rewriteNot(e.Children[0], !negate)
	case OpAnd, OpOr:
		op := e.Op
		if negate {
			// De Morgan
			if op == OpAnd {
				op = OpOr
			} else {
				op = OpAnd
			}
		}
		children := make([]*Expression, len(e.Children))
		for i, child := range e.Children {
			children[i] = rewriteNot(child, negate)
		}
		return &Expression{Op: op, Children: children}
	}
	out := e.Clone()
	if negate {
		out.Op = negatedOps[e.Op]
	}
	return out
}

// ReferencedColumns returns the sorted column names the expression uses.
func (e *Expression) ReferencedColumns() []string {
	if e == nil {
		return nil
	}

	columns := make(map[string]bool)
	e.collectColumns(columns)

	result := make([]string, 0, len(columns))
	for col := range columns {
		result = append(result, col)
	}
	sort.Strings(result)
	return result
}

func (e *Expression) collectColumns(columns map[string]bool) {
	if e.Column != "" {
		columns[e.Column] = true
	}
	for _, child := range e.Children {
		child.collectColumns(columns)
	}
}
