// Package filter implements composable where-expressions over records: leaf
// comparisons, boolean composition and relation quantifiers.
//
// A nil Expr means the caller provided no filter and matches every record.
// And over an empty list is true and Or over an empty list is false, the
// identities of boolean algebra.
package filter

import "strings"

type Op string

const (
	OpEquals     Op = "equals"
	OpIn         Op = "in"
	OpNotIn      Op = "notIn"
	OpLt         Op = "lt"
	OpLte        Op = "lte"
	OpGt         Op = "gt"
	OpGte        Op = "gte"
	OpContains   Op = "contains"
	OpStartsWith Op = "startsWith"
	OpEndsWith   Op = "endsWith"
)

type Mode string

const (
	ModeDefault     Mode = "default"
	ModeInsensitive Mode = "insensitive"
)

type Quantifier string

const (
	Some  Quantifier = "some"
	Every Quantifier = "every"
	None  Quantifier = "none"
	// Is and IsNot apply to to-one relations and behave as Some and None.
	Is    Quantifier = "is"
	IsNot Quantifier = "isNot"
)

type Expr interface {
	isExpr()
}

// Leaf compares one scalar field with an operand. For In and NotIn the
// operand is a []any.
type Leaf struct {
	Field string
	Op    Op
	Value any
	Mode  Mode
}

type And []Expr

type Or []Expr

type Not struct {
	Expr Expr
}

// Relation applies Where to the records reachable through the named
// relation. A nil Where matches any related record, so Some with no Where
// tests for existence.
type Relation struct {
	Name       string
	Quantifier Quantifier
	Where      Expr
}

func (*Leaf) isExpr()     {}
func (And) isExpr()       {}
func (Or) isExpr()        {}
func (*Not) isExpr()      {}
func (*Relation) isExpr() {}

// Constructors for building filters in code.

func Equals(field string, value any) *Leaf {
	return &Leaf{Field: field, Op: OpEquals, Value: value}
}

func In(field string, values ...any) *Leaf {
	return &Leaf{Field: field, Op: OpIn, Value: values}
}

func NotIn(field string, values ...any) *Leaf {
	return &Leaf{Field: field, Op: OpNotIn, Value: values}
}

func Lt(field string, value any) *Leaf {
	return &Leaf{Field: field, Op: OpLt, Value: value}
}

func Lte(field string, value any) *Leaf {
	return &Leaf{Field: field, Op: OpLte, Value: value}
}

func Gt(field string, value any) *Leaf {
	return &Leaf{Field: field, Op: OpGt, Value: value}
}

func Gte(field string, value any) *Leaf {
	return &Leaf{Field: field, Op: OpGte, Value: value}
}

func Contains(field, value string) *Leaf {
	return &Leaf{Field: field, Op: OpContains, Value: value}
}

func StartsWith(field, value string) *Leaf {
	return &Leaf{Field: field, Op: OpStartsWith, Value: value}
}

func EndsWith(field, value string) *Leaf {
	return &Leaf{Field: field, Op: OpEndsWith, Value: value}
}

// Insensitive returns a copy of l compared case-insensitively.
func (l *Leaf) Insensitive() *Leaf {
	out := *l
	out.Mode = ModeInsensitive
	return &out
}

func NotOf(expr Expr) *Not { return &Not{Expr: expr} }

func SomeOf(relation string, where Expr) *Relation {
	return &Relation{Name: relation, Quantifier: Some, Where: where}
}

func EveryOf(relation string, where Expr) *Relation {
	return &Relation{Name: relation, Quantifier: Every, Where: where}
}

func NoneOf(relation string, where Expr) *Relation {
	return &Relation{Name: relation, Quantifier: None, Where: where}
}

// LeafFields lists the scalar fields referenced outside relation filters.
func LeafFields(expr Expr) []string {
	var out []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch x := e.(type) {
		case *Leaf:
			out = append(out, x.Field)
		case And:
			for _, c := range x {
				walk(c)
			}
		case Or:
			for _, c := range x {
				walk(c)
			}
		case *Not:
			walk(x.Expr)
		}
	}
	walk(expr)
	return out
}

// EqualityHints collects the case-sensitive, non-null equality conditions that
// every matching record must satisfy. Storage backends use them to narrow a
// scan; the full expression is still evaluated afterwards.
func EqualityHints(expr Expr) map[string]any {
	hints := make(map[string]any)
	var walk func(Expr)
	walk = func(e Expr) {
		switch x := e.(type) {
		case *Leaf:
			if x.Op == OpEquals && x.Value != nil && x.Mode != ModeInsensitive && !strings.Contains(x.Field, ".") {
				hints[x.Field] = x.Value
			}
		case And:
			for _, c := range x {
				walk(c)
			}
		}
	}
	walk(expr)
	return hints
}
