package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
)

// Resolver loads the records reachable from record through rel.
type Resolver interface {
	Related(ctx context.Context, def *schema.EntityDefinition, rel schema.RelationDefinition, record schema.Record) ([]schema.Record, error)
}

// Evaluator matches compiled expressions against records.
type Evaluator struct {
	registry *schema.Registry
	resolver Resolver
}

// NewEvaluator returns an evaluator. resolver may be nil when expressions
// never contain relation filters, as with having clauses.
func NewEvaluator(registry *schema.Registry, resolver Resolver) *Evaluator {
	return &Evaluator{registry: registry, resolver: resolver}
}

// Match reports whether record satisfies expr. expr must have been produced
// by Compile for def.
func (e *Evaluator) Match(ctx context.Context, def *schema.EntityDefinition, expr Expr, record schema.Record) (bool, error) {
	if expr == nil {
		return true, nil
	}

	switch x := expr.(type) {
	case *Leaf:
		return matchLeaf(x, record[x.Field]), nil
	case And:
		for _, c := range x {
			ok, err := e.Match(ctx, def, c, record)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case Or:
		for _, c := range x {
			ok, err := e.Match(ctx, def, c, record)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case *Not:
		ok, err := e.Match(ctx, def, x.Expr, record)
		if err != nil {
			return false, err
		}
		return !ok, nil
	case *Relation:
		return e.matchRelation(ctx, def, x, record)
	default:
		return false, errs.New(errs.KindInvalidFilter, def.Name, "unsupported filter node %T", expr)
	}
}

func (e *Evaluator) matchRelation(ctx context.Context, def *schema.EntityDefinition, rel *Relation, record schema.Record) (bool, error) {
	if e.resolver == nil {
		return false, errs.New(errs.KindInvalidFilter, def.Name, "relation filters are not available here").WithFields(rel.Name)
	}
	relation, ok := def.Relation(rel.Name)
	if !ok {
		return false, errs.New(errs.KindUnknownField, def.Name, "relation is not declared").WithFields(rel.Name)
	}
	target, err := e.registry.Entity(relation.Target)
	if err != nil {
		return false, err
	}
	related, err := e.resolver.Related(ctx, def, relation, record)
	if err != nil {
		return false, err
	}

	switch rel.Quantifier {
	case Every:
		for _, r := range related {
			ok, err := e.Match(ctx, target, rel.Where, r)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case None, IsNot:
		found, err := e.any(ctx, target, rel.Where, related)
		return !found && err == nil, err
	default:
		return e.any(ctx, target, rel.Where, related)
	}
}

func (e *Evaluator) any(ctx context.Context, def *schema.EntityDefinition, where Expr, records []schema.Record) (bool, error) {
	for _, r := range records {
		ok, err := e.Match(ctx, def, where, r)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func matchLeaf(leaf *Leaf, value any) bool {
	insensitive := leaf.Mode == ModeInsensitive

	switch leaf.Op {
	case OpEquals:
		if leaf.Value == nil || value == nil {
			return leaf.Value == nil && value == nil
		}
		return compare(value, leaf.Value, insensitive) == 0
	case OpIn:
		for _, candidate := range leaf.Value.([]any) {
			if candidate == nil {
				if value == nil {
					return true
				}
				continue
			}
			if value != nil && compare(value, candidate, insensitive) == 0 {
				return true
			}
		}
		return false
	case OpNotIn:
		if value == nil {
			return false
		}
		for _, candidate := range leaf.Value.([]any) {
			if compare(value, candidate, insensitive) == 0 {
				return false
			}
		}
		return true
	}

	if value == nil {
		return false
	}

	switch leaf.Op {
	case OpLt:
		return compare(value, leaf.Value, insensitive) < 0
	case OpLte:
		return compare(value, leaf.Value, insensitive) <= 0
	case OpGt:
		return compare(value, leaf.Value, insensitive) > 0
	case OpGte:
		return compare(value, leaf.Value, insensitive) >= 0
	}

	s, operand := fmt.Sprint(value), fmt.Sprint(leaf.Value)
	if insensitive {
		s, operand = strings.ToLower(s), strings.ToLower(operand)
	}
	switch leaf.Op {
	case OpContains:
		return strings.Contains(s, operand)
	case OpStartsWith:
		return strings.HasPrefix(s, operand)
	case OpEndsWith:
		return strings.HasSuffix(s, operand)
	}
	return false
}

func compare(a, b any, insensitive bool) int {
	if insensitive {
		if x, ok := a.(string); ok {
			if y, ok := b.(string); ok {
				return strings.Compare(strings.ToLower(x), strings.ToLower(y))
			}
		}
	}
	return schema.Compare(a, b)
}
