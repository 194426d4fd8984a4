package filter

import (
	"reflect"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
)

var stringOps = map[Op]bool{
	OpEquals: true, OpIn: true, OpNotIn: true,
	OpLt: true, OpLte: true, OpGt: true, OpGte: true,
	OpContains: true, OpStartsWith: true, OpEndsWith: true,
}

var orderedOps = map[Op]bool{
	OpEquals: true, OpIn: true, OpNotIn: true,
	OpLt: true, OpLte: true, OpGt: true, OpGte: true,
}

var booleanOps = map[Op]bool{OpEquals: true}

func allowedOps(kind schema.Kind) map[Op]bool {
	switch kind {
	case schema.KindString:
		return stringOps
	case schema.KindBoolean:
		return booleanOps
	default:
		return orderedOps
	}
}

// Compile checks expr against def and returns a copy whose operands are
// coerced to the canonical value of each field's kind. Every shape problem
// is reported here, before any storage access.
func Compile(registry *schema.Registry, def *schema.EntityDefinition, expr Expr) (Expr, error) {
	if expr == nil {
		return nil, nil
	}

	switch x := expr.(type) {
	case *Leaf:
		return compileLeaf(def, x)
	case And:
		out := make(And, len(x))
		for i, c := range x {
			compiled, err := Compile(registry, def, c)
			if err != nil {
				return nil, err
			}
			out[i] = compiled
		}
		return out, nil
	case Or:
		out := make(Or, len(x))
		for i, c := range x {
			compiled, err := Compile(registry, def, c)
			if err != nil {
				return nil, err
			}
			out[i] = compiled
		}
		return out, nil
	case *Not:
		if x == nil {
			return nil, errs.New(errs.KindInvalidFilter, def.Name, "NOT requires an expression")
		}
		inner, err := Compile(registry, def, x.Expr)
		if err != nil {
			return nil, err
		}
		return &Not{Expr: inner}, nil
	case *Relation:
		return compileRelation(registry, def, x)
	default:
		return nil, errs.New(errs.KindInvalidFilter, def.Name, "unsupported filter node %T", expr)
	}
}

func compileLeaf(def *schema.EntityDefinition, leaf *Leaf) (Expr, error) {
	if leaf == nil {
		return nil, errs.New(errs.KindInvalidFilter, def.Name, "empty leaf filter")
	}
	field, ok := def.Field(leaf.Field)
	if !ok {
		return nil, errs.New(errs.KindUnknownField, def.Name, "field is not declared").WithFields(leaf.Field)
	}
	if !allowedOps(field.Kind)[leaf.Op] {
		return nil, errs.New(errs.KindInvalidFilter, def.Name, "operator %q is not supported for %s fields", leaf.Op, field.Kind).WithFields(field.Name)
	}

	mode := leaf.Mode
	switch mode {
	case "", ModeDefault:
		mode = ModeDefault
	case ModeInsensitive:
		if field.Kind != schema.KindString {
			return nil, errs.New(errs.KindInvalidFilter, def.Name, "insensitive mode requires a string field").WithFields(field.Name)
		}
	default:
		return nil, errs.New(errs.KindInvalidFilter, def.Name, "unknown mode %q", leaf.Mode).WithFields(field.Name)
	}

	out := &Leaf{Field: leaf.Field, Op: leaf.Op, Mode: mode}

	if leaf.Op == OpIn || leaf.Op == OpNotIn {
		values, ok := toSlice(leaf.Value)
		if !ok {
			return nil, errs.New(errs.KindInvalidFilter, def.Name, "%s expects a list operand", leaf.Op).WithFields(field.Name)
		}
		coerced := make([]any, len(values))
		for i, v := range values {
			if v == nil {
				if leaf.Op == OpNotIn || !field.Nullable {
					return nil, errs.New(errs.KindInvalidFilter, def.Name, "null is not a valid %s operand here", leaf.Op).WithFields(field.Name)
				}
				continue
			}
			c, err := schema.Coerce(field.Kind, v)
			if err != nil {
				return nil, errs.New(errs.KindInvalidFilter, def.Name, "%v", err).WithFields(field.Name)
			}
			coerced[i] = c
		}
		out.Value = coerced
		return out, nil
	}

	if leaf.Value == nil {
		if leaf.Op != OpEquals || !field.Nullable {
			return nil, errs.New(errs.KindInvalidFilter, def.Name, "null is only accepted by equals on nullable fields").WithFields(field.Name)
		}
		return out, nil
	}

	value, err := schema.Coerce(field.Kind, leaf.Value)
	if err != nil {
		return nil, errs.New(errs.KindInvalidFilter, def.Name, "%v", err).WithFields(field.Name)
	}
	out.Value = value
	return out, nil
}

func compileRelation(registry *schema.Registry, def *schema.EntityDefinition, rel *Relation) (Expr, error) {
	if rel == nil {
		return nil, errs.New(errs.KindInvalidFilter, def.Name, "empty relation filter")
	}
	relation, ok := def.Relation(rel.Name)
	if !ok {
		return nil, errs.New(errs.KindUnknownField, def.Name, "relation is not declared").WithFields(rel.Name)
	}

	switch rel.Quantifier {
	case Some, Every, None:
		if relation.Cardinality == schema.One && rel.Quantifier == Every {
			return nil, errs.New(errs.KindInvalidFilter, def.Name, "every is only valid on to-many relations").WithFields(rel.Name)
		}
	case Is, IsNot:
		if relation.Cardinality != schema.One {
			return nil, errs.New(errs.KindInvalidFilter, def.Name, "%s is only valid on to-one relations", rel.Quantifier).WithFields(rel.Name)
		}
	default:
		return nil, errs.New(errs.KindInvalidFilter, def.Name, "unknown relation quantifier %q", rel.Quantifier).WithFields(rel.Name)
	}

	target, err := registry.Entity(relation.Target)
	if err != nil {
		return nil, err
	}
	where, err := Compile(registry, target, rel.Where)
	if err != nil {
		return nil, err
	}
	return &Relation{Name: rel.Name, Quantifier: rel.Quantifier, Where: where}, nil
}

func toSlice(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}
