package engine

import (
	"fmt"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
)

type UpdateKind string

const (
	OpSet       UpdateKind = "set"
	OpIncrement UpdateKind = "increment"
	OpDecrement UpdateKind = "decrement"
	OpMultiply  UpdateKind = "multiply"
	OpDivide    UpdateKind = "divide"
)

// UpdateOp is a field update. Plain values in update data are shorthand for
// Set.
type UpdateOp struct {
	Kind  UpdateKind
	Value any
}

func Set(v any) UpdateOp       { return UpdateOp{Kind: OpSet, Value: v} }
func Increment(v any) UpdateOp { return UpdateOp{Kind: OpIncrement, Value: v} }
func Decrement(v any) UpdateOp { return UpdateOp{Kind: OpDecrement, Value: v} }
func Multiply(v any) UpdateOp  { return UpdateOp{Kind: OpMultiply, Value: v} }
func Divide(v any) UpdateOp    { return UpdateOp{Kind: OpDivide, Value: v} }

// createInput is validated create data for one record.
type createInput struct {
	def      *schema.EntityDefinition
	values   schema.Record
	owners   []*nestedInput
	children []*nestedInput
}

type nestedInput struct {
	rel     schema.RelationDefinition
	target  *schema.EntityDefinition
	create  []*createInput
	connect []*uniqueKey
}

type updateInput struct {
	def      *schema.EntityDefinition
	ops      map[string]UpdateOp
	owners   []*nestedInput
	children []*nestedInput
}

// parseCreate validates create data. Fields listed in provided are filled in
// later by the engine, from a parent record in a nested create.
func (c *Client) parseCreate(def *schema.EntityDefinition, data map[string]any, provided []string, allowNested bool) (*createInput, error) {
	in := &createInput{def: def, values: make(schema.Record, len(data))}
	covered := make(map[string]bool)
	for _, f := range provided {
		covered[f] = true
	}

	for _, key := range sortedKeys(data) {
		raw := data[key]
		if field, ok := def.Field(key); ok {
			v, err := coerceField(def, field, raw)
			if err != nil {
				return nil, err
			}
			in.values[key] = v
			continue
		}
		rel, ok := def.Relation(key)
		if !ok {
			return nil, errs.New(errs.KindUnknownField, def.Name, "data references an undeclared field").WithFields(key)
		}
		if !allowNested {
			return nil, errs.New(errs.KindInvalidData, def.Name, "nested writes are not supported here").WithFields(key)
		}
		nested, err := c.parseNested(def, rel, raw)
		if err != nil {
			return nil, err
		}
		if rel.Owner {
			for _, f := range rel.Fields {
				covered[f] = true
			}
			in.owners = append(in.owners, nested)
		} else {
			in.children = append(in.children, nested)
		}
	}

	for _, o := range in.owners {
		for _, f := range o.rel.Fields {
			if _, set := in.values[f]; set {
				return nil, errs.New(errs.KindInvalidData, def.Name,
					"relation %s and its foreign key cannot both be given", o.rel.Name).WithFields(f)
			}
		}
	}

	for _, f := range def.Fields {
		if !f.Required() || covered[f.Name] {
			continue
		}
		if v, ok := in.values[f.Name]; !ok || v == nil {
			return nil, errs.New(errs.KindMissingRequiredField, def.Name, "required field %s is missing", f.Name).WithFields(f.Name)
		}
	}
	return in, nil
}

func coerceField(def *schema.EntityDefinition, field schema.FieldDefinition, raw any) (any, error) {
	if raw == nil {
		if !field.Nullable {
			return nil, errs.New(errs.KindMissingRequiredField, def.Name, "field %s must not be null", field.Name).WithFields(field.Name)
		}
		return nil, nil
	}
	v, err := schema.Coerce(field.Kind, raw)
	if err != nil {
		return nil, errs.New(errs.KindInvalidData, def.Name, "field %s: %v", field.Name, err).WithFields(field.Name)
	}
	return v, nil
}

// parseNested accepts *NestedWrite, NestedWrite or the JSON shape
// {"create": {...} | [...], "connect": {...} | [...]}.
func (c *Client) parseNested(def *schema.EntityDefinition, rel schema.RelationDefinition, raw any) (*nestedInput, error) {
	var write NestedWrite
	switch v := raw.(type) {
	case *NestedWrite:
		if v == nil {
			return nil, errs.New(errs.KindInvalidData, def.Name, "nil nested write").WithFields(rel.Name)
		}
		write = *v
	case NestedWrite:
		write = v
	case map[string]any:
		parsed, err := nestedFromMap(v)
		if err != nil {
			return nil, errs.New(errs.KindInvalidData, def.Name, "%v", err).WithFields(rel.Name)
		}
		write = parsed
	default:
		return nil, errs.New(errs.KindInvalidData, def.Name, "relation %s expects a nested write, got %T", rel.Name, raw).WithFields(rel.Name)
	}

	if len(write.Create)+len(write.Connect) == 0 {
		return nil, errs.New(errs.KindInvalidData, def.Name, "nested write on %s is empty", rel.Name).WithFields(rel.Name)
	}
	if rel.Cardinality == schema.One && len(write.Create)+len(write.Connect) > 1 {
		return nil, errs.New(errs.KindInvalidData, def.Name, "to-one relation %s takes a single nested write", rel.Name).WithFields(rel.Name)
	}

	target, err := c.registry.Entity(rel.Target)
	if err != nil {
		return nil, err
	}
	nested := &nestedInput{rel: rel, target: target}

	// Children receive their foreign key from the parent.
	var provided []string
	if !rel.Owner {
		provided = rel.References
	}
	for _, data := range write.Create {
		child, err := c.parseCreate(target, data, provided, true)
		if err != nil {
			return nil, err
		}
		nested.create = append(nested.create, child)
	}
	for _, where := range write.Connect {
		key, err := c.resolveUnique(target, where)
		if err != nil {
			return nil, err
		}
		nested.connect = append(nested.connect, key)
	}
	return nested, nil
}

func nestedFromMap(m map[string]any) (NestedWrite, error) {
	var write NestedWrite
	for key, value := range m {
		items, err := objectList(value)
		if err != nil {
			return write, fmt.Errorf("%s: %w", key, err)
		}
		switch key {
		case "create":
			write.Create = append(write.Create, items...)
		case "connect":
			for _, item := range items {
				write.Connect = append(write.Connect, WhereUnique(item))
			}
		default:
			return write, fmt.Errorf("unsupported nested operation %q", key)
		}
	}
	return write, nil
}

func objectList(value any) ([]map[string]any, error) {
	switch v := value.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case WhereUnique:
		return []map[string]any{v}, nil
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected an object, got %T", item)
			}
			out = append(out, m)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected an object or a list of objects, got %T", value)
	}
}

// parseUpdate validates update data.
func (c *Client) parseUpdate(def *schema.EntityDefinition, data map[string]any, allowNested bool) (*updateInput, error) {
	in := &updateInput{def: def, ops: make(map[string]UpdateOp, len(data))}
	for _, key := range sortedKeys(data) {
		raw := data[key]
		if field, ok := def.Field(key); ok {
			op, err := parseUpdateOp(def, field, raw)
			if err != nil {
				return nil, err
			}
			in.ops[key] = op
			continue
		}
		rel, ok := def.Relation(key)
		if !ok {
			return nil, errs.New(errs.KindUnknownField, def.Name, "data references an undeclared field").WithFields(key)
		}
		if !allowNested {
			return nil, errs.New(errs.KindInvalidData, def.Name, "nested writes are not supported here").WithFields(key)
		}
		nested, err := c.parseNested(def, rel, raw)
		if err != nil {
			return nil, err
		}
		if rel.Owner {
			in.owners = append(in.owners, nested)
		} else {
			in.children = append(in.children, nested)
		}
	}
	for _, o := range in.owners {
		for _, f := range o.rel.Fields {
			if _, set := in.ops[f]; set {
				return nil, errs.New(errs.KindInvalidData, def.Name,
					"relation %s and its foreign key cannot both be given", o.rel.Name).WithFields(f)
			}
		}
	}
	return in, nil
}

func parseUpdateOp(def *schema.EntityDefinition, field schema.FieldDefinition, raw any) (UpdateOp, error) {
	op, ok := raw.(UpdateOp)
	if !ok {
		op = UpdateOp{Kind: OpSet, Value: raw}
		if m, isMap := raw.(map[string]any); isMap && len(m) == 1 {
			for k, v := range m {
				switch UpdateKind(k) {
				case OpSet, OpIncrement, OpDecrement, OpMultiply, OpDivide:
					op = UpdateOp{Kind: UpdateKind(k), Value: v}
				}
			}
		}
	}

	if op.Kind == OpSet {
		v, err := coerceField(def, field, op.Value)
		if err != nil {
			return op, err
		}
		op.Value = v
		return op, nil
	}

	switch op.Kind {
	case OpIncrement, OpDecrement, OpMultiply, OpDivide:
	default:
		return op, errs.New(errs.KindInvalidData, def.Name, "unknown update operation %q", op.Kind).WithFields(field.Name)
	}
	if !field.Kind.Numeric() {
		return op, errs.New(errs.KindInvalidData, def.Name, "%s requires a numeric field", op.Kind).WithFields(field.Name)
	}
	if op.Value == nil {
		return op, errs.New(errs.KindInvalidData, def.Name, "%s requires a value", op.Kind).WithFields(field.Name)
	}
	v, err := schema.Coerce(field.Kind, op.Value)
	if err != nil {
		return op, errs.New(errs.KindInvalidData, def.Name, "field %s: %v", field.Name, err).WithFields(field.Name)
	}
	if op.Kind == OpDivide && schema.Compare(v, zeroOf(field.Kind)) == 0 {
		return op, errs.New(errs.KindInvalidData, def.Name, "division by zero").WithFields(field.Name)
	}
	op.Value = v
	return op, nil
}

func zeroOf(kind schema.Kind) any {
	if kind == schema.KindFloat {
		return float64(0)
	}
	return int64(0)
}

// apply computes the new value of a field. Arithmetic on null yields null.
// ok is false when integer arithmetic overflows.
func (op UpdateOp) apply(current any) (any, bool) {
	if op.Kind == OpSet {
		return op.Value, true
	}
	if current == nil {
		return nil, true
	}
	switch x := current.(type) {
	case int64:
		y := op.Value.(int64)
		switch op.Kind {
		case OpIncrement:
			return addInt64(x, y)
		case OpDecrement:
			return subInt64(x, y)
		case OpMultiply:
			return mulInt64(x, y)
		case OpDivide:
			return divInt64(x, y)
		}
	case float64:
		y := op.Value.(float64)
		switch op.Kind {
		case OpIncrement:
			return x + y, true
		case OpDecrement:
			return x - y, true
		case OpMultiply:
			return x * y, true
		case OpDivide:
			return x / y, true
		}
	}
	return current, true
}
