package table

import (
	"testing"
)

func TestExprBuilders(t *testing.T) {
	tests := []struct {
		name   string
		expr   *Expression
		op     ExprOp
		column string
	}{
		{"Eq", Col("id").Eq(123), OpEq, "id"},
		{"NotEq", NotEq("status", "deleted"), OpNotEq, "status"},
		{"Gt", Gt("age", 18), OpGt, "age"},
		{"Gte", Col("age").Gte(18), OpGte, "age"},
		{"Lt", Lt("age", 65), OpLt, "age"},
		{"Lte", Col("age").Lte(65), OpLte, "age"},
		{"In", In("status", "a", "b"), OpIn, "status"},
		{"NotIn", Col("role").NotIn("banned"), OpNotIn, "role"},
		{"IsNull", IsNull("email"), OpIsNull, "email"},
		{"IsNotNull", Col("email").IsNotNull(), OpNotNull, "email"},
		{"StartsWith", StartsWith("name", "Jo"), OpStartsWith, "name"},
		{"NotStartsWith", Col("name").NotStartsWith("Jo"), OpNotStartsWith, "name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.expr.Op != tt.op {
				t.Errorf("Op = %v, want %v", tt.expr.Op, tt.op)
			}
			if tt.expr.Column != tt.column {
				t.Errorf("Column = %s, want %s", tt.expr.Column, tt.column)
			}
		})
	}
}

func TestBetween(t *testing.T) {
	expr := Between("price", 10.0, 100.0)

	if expr.Op != OpAnd || len(expr.Children) != 2 {
		t.Fatalf("Between = %s, want a two way AND", expr)
	}
	if expr.Children[0].Op != OpGte || expr.Children[1].Op != OpLte {
		t.Errorf("Between children = %s", expr)
	}
}

func TestExpressionString(t *testing.T) {
	tests := []struct {
		expr *Expression
		want string
	}{
		{Col("id").Eq(123), "id = 123"},
		{And(Eq("a", 1), Eq("b", 2)), "(a = 1 AND b = 2)"},
		{Not(IsNull("c")), "NOT c IS NULL"},
		{In("d", 1, 2), "d IN [1 2]"},
		{StartsWith("e", "x"), `e STARTS WITH "x"`},
		{AlwaysFalse(), "false"},
	}
	for _, tt := range tests {
		if got := tt.expr.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestRewriteNot(t *testing.T) {
	tests := []struct {
		name string
		expr *Expression
		want string
	}{
		{"comparison", Not(Lt("a", 1)), "a >= 1"},
		{"double", Not(Not(Eq("a", 1))), "a = 1"},
		{"de morgan", Not(And(Eq("a", 1), IsNull("b"))), "(a != 1 OR b IS NOT NULL)"},
		{"set", Not(In("a", 1, 2)), "a NOT IN [1 2]"},
		{"prefix", Not(StartsWith("s", "x")), `s NOT STARTS WITH "x"`},
		{"constant", Not(AlwaysTrue()), "false"},
		{"nested", Or(Not(Gt("a", 1)), Not(Or(Eq("b", 2), NotEq("c", 3)))), "(a <= 1 OR (b != 2 AND c = 3))"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.expr.RewriteNot()
			if got.String() != tt.want {
				t.Errorf("RewriteNot() = %s, want %s", got, tt.want)
			}
			assertNoNot(t, got)
		})
	}
}

func assertNoNot(t *testing.T, e *Expression) {
	t.Helper()
	if e.Op == OpNot {
		t.Fatalf("NOT left in %s", e)
	}
	for _, c := range e.Children {
		assertNoNot(t, c)
	}
}

func TestSimplify(t *testing.T) {
	tests := []struct {
		name string
		expr *Expression
		want string
	}{
		{"nil", nil, "true"},
		{"single child", And(Eq("a", 1)), "a = 1"},
		{"drop identity", And(AlwaysTrue(), Eq("a", 1), AlwaysTrue()), "a = 1"},
		{"absorb", Or(Eq("a", 1), AlwaysTrue()), "true"},
		{"false and", And(Eq("a", 1), AlwaysFalse()), "false"},
		{"empty or", Or(), "false"},
		{"double negation", Not(Not(Eq("a", 1))), "a = 1"},
		{"not constant", Not(And()), "false"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.expr.Simplify().String(); got != tt.want {
				t.Errorf("Simplify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	orig := And(In("a", 1, 2), Eq("b", 3))
	clone := orig.Clone()
	clone.Children[0].Values[0] = 9
	clone.Children[1].Column = "z"

	if orig.String() != "(a IN [1 2] AND b = 3)" {
		t.Errorf("original changed to %s", orig)
	}
}

func TestReferencedColumns(t *testing.T) {
	expr := Or(And(Eq("b", 1), IsNull("a")), Not(Eq("b", 2)))
	got := expr.ReferencedColumns()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("ReferencedColumns() = %v, want [a b]", got)
	}
}
