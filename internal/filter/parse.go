package filter

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
)

var leafOps = map[string]Op{
	"equals":     OpEquals,
	"in":         OpIn,
	"notIn":      OpNotIn,
	"lt":         OpLt,
	"lte":        OpLte,
	"gt":         OpGt,
	"gte":        OpGte,
	"contains":   OpContains,
	"startsWith": OpStartsWith,
	"endsWith":   OpEndsWith,
}

var quantifiers = map[string]Quantifier{
	"some":  Some,
	"every": Every,
	"none":  None,
	"is":    Is,
	"isNot": IsNot,
}

// Parse reads a where-input in the JSON shape used by Prisma clients:
//
//	{"email": {"contains": "x", "mode": "insensitive"},
//	 "OR": [{"role": "admin"}, {"name": null}],
//	 "sessions": {"some": {"expires": {"gt": "2024-01-01T00:00:00Z"}}}}
//
// Keys under an aggregate namespace such as "_count" or "_sum" become dotted
// field names ("_count._all"), which is how group records expose aggregates.
// A nil or empty input yields a nil expression.
func Parse(input map[string]any) (Expr, error) {
	if len(input) == 0 {
		return nil, nil
	}
	var out And
	for _, key := range sortedKeys(input) {
		value := input[key]
		switch key {
		case "AND":
			parts, err := parseList(value)
			if err != nil {
				return nil, err
			}
			out = append(out, And(parts))
		case "OR":
			parts, err := parseList(value)
			if err != nil {
				return nil, err
			}
			out = append(out, Or(parts))
		case "NOT":
			parts, err := parseList(value)
			if err != nil {
				return nil, err
			}
			for _, p := range parts {
				out = append(out, &Not{Expr: p})
			}
		default:
			if strings.HasPrefix(key, "_") {
				nested, ok := value.(map[string]any)
				if !ok {
					return nil, errs.New(errs.KindInvalidFilter, "", "%s expects an object", key).WithFields(key)
				}
				for _, sub := range sortedKeys(nested) {
					expr, err := parseField(key+"."+sub, nested[sub])
					if err != nil {
						return nil, err
					}
					out = append(out, expr)
				}
				continue
			}
			expr, err := parseField(key, value)
			if err != nil {
				return nil, err
			}
			out = append(out, expr)
		}
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func parseList(value any) ([]Expr, error) {
	switch v := value.(type) {
	case map[string]any:
		expr, err := Parse(v)
		if err != nil {
			return nil, err
		}
		if expr == nil {
			return []Expr{And{}}, nil
		}
		return []Expr{expr}, nil
	case []any:
		parts := make([]Expr, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, errs.New(errs.KindInvalidFilter, "", "logical operators expect objects, got %T", item)
			}
			expr, err := Parse(m)
			if err != nil {
				return nil, err
			}
			if expr == nil {
				expr = And{}
			}
			parts = append(parts, expr)
		}
		return parts, nil
	default:
		return nil, errs.New(errs.KindInvalidFilter, "", "logical operators expect an object or a list, got %T", value)
	}
}

func parseField(field string, value any) (Expr, error) {
	cond, ok := value.(map[string]any)
	if !ok {
		return &Leaf{Field: field, Op: OpEquals, Value: value}, nil
	}

	if len(cond) == 1 {
		for key, inner := range cond {
			if q, ok := quantifiers[key]; ok {
				return parseRelation(field, q, inner)
			}
		}
	}

	isLeaf := false
	for key := range cond {
		if _, ok := leafOps[key]; ok || key == "not" || key == "mode" {
			isLeaf = true
			break
		}
	}
	if !isLeaf {
		// A bare nested object on a to-one relation means "is".
		where, err := Parse(cond)
		if err != nil {
			return nil, err
		}
		return &Relation{Name: field, Quantifier: Is, Where: where}, nil
	}

	mode := ModeDefault
	if raw, ok := cond["mode"]; ok {
		s, _ := raw.(string)
		mode = Mode(s)
	}

	var out And
	for _, key := range sortedKeys(cond) {
		inner := cond[key]
		switch key {
		case "mode":
			continue
		case "not":
			negated, err := parseField(field, inner)
			if err != nil {
				return nil, err
			}
			if leaf, ok := negated.(*Leaf); ok && mode == ModeInsensitive {
				leaf.Mode = mode
			}
			out = append(out, &Not{Expr: negated})
		default:
			op, ok := leafOps[key]
			if !ok {
				return nil, errs.New(errs.KindInvalidFilter, "", "unknown operator %q", key).WithFields(field)
			}
			out = append(out, &Leaf{Field: field, Op: op, Value: inner, Mode: mode})
		}
	}
	if len(out) == 0 {
		return nil, errs.New(errs.KindInvalidFilter, "", "mode needs an operator").WithFields(field)
	}
	if len(out) == 1 {
		return out[0], nil
	}
	return out, nil
}

func parseRelation(name string, q Quantifier, inner any) (Expr, error) {
	if inner == nil {
		// {"is": null} asks for a missing relation, {"isNot": null} for a present one.
		switch q {
		case Is:
			return &Relation{Name: name, Quantifier: None}, nil
		case IsNot:
			return &Relation{Name: name, Quantifier: Some}, nil
		}
		return &Relation{Name: name, Quantifier: q}, nil
	}
	m, ok := inner.(map[string]any)
	if !ok {
		return nil, errs.New(errs.KindInvalidFilter, "", "relation filter %s expects an object", q).WithFields(name)
	}
	where, err := Parse(m)
	if err != nil {
		return nil, err
	}
	return &Relation{Name: name, Quantifier: q, Where: where}, nil
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// String renders an expression for logs and error messages.
func String(expr Expr) string {
	switch x := expr.(type) {
	case nil:
		return "true"
	case *Leaf:
		if x.Mode == ModeInsensitive {
			return fmt.Sprintf("%s %s %v (insensitive)", x.Field, x.Op, x.Value)
		}
		return fmt.Sprintf("%s %s %v", x.Field, x.Op, x.Value)
	case And:
		return joinExprs("AND", x)
	case Or:
		return joinExprs("OR", x)
	case *Not:
		return "NOT (" + String(x.Expr) + ")"
	case *Relation:
		return fmt.Sprintf("%s %s (%s)", x.Name, x.Quantifier, String(x.Where))
	}
	return fmt.Sprintf("%T", expr)
}

func joinExprs(op string, parts []Expr) string {
	if len(parts) == 0 {
		return op + "()"
	}
	rendered := make([]string, len(parts))
	for i, p := range parts {
		rendered[i] = String(p)
	}
	return "(" + strings.Join(rendered, " "+op+" ") + ")"
}
