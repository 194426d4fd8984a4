package schema

import (
	"fmt"
	"strings"
)

// Kind is the scalar kind of a field.
type Kind string

const (
	KindInt      Kind = "int"
	KindBigInt   Kind = "bigint"
	KindFloat    Kind = "float"
	KindString   Kind = "string"
	KindBoolean  Kind = "boolean"
	KindDateTime Kind = "datetime"
)

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "int", "integer", "int4":
		return KindInt, nil
	case "bigint", "int8":
		return KindBigInt, nil
	case "float", "double", "decimal", "real":
		return KindFloat, nil
	case "string", "text":
		return KindString, nil
	case "bool", "boolean":
		return KindBoolean, nil
	case "datetime", "timestamp", "time":
		return KindDateTime, nil
	default:
		return "", fmt.Errorf("unknown scalar kind %q", s)
	}
}

// Numeric reports whether sum and avg are defined for the kind.
func (k Kind) Numeric() bool {
	return k == KindInt || k == KindBigInt || k == KindFloat
}

// Ordered reports whether lt/gt style comparisons are defined for the kind.
func (k Kind) Ordered() bool {
	return k != KindBoolean
}

type DefaultKind string

const (
	DefaultStatic        DefaultKind = "static"
	DefaultNow           DefaultKind = "now"
	DefaultAutoincrement DefaultKind = "autoincrement"
	DefaultUUID          DefaultKind = "uuid"
)

// DefaultRule describes how an omitted field is populated on create.
type DefaultRule struct {
	Kind  DefaultKind
	Value any
}

type FieldDefinition struct {
	Name     string
	Kind     Kind
	Nullable bool
	Default  *DefaultRule
}

// Required reports whether create must supply the field.
func (f FieldDefinition) Required() bool {
	return !f.Nullable && f.Default == nil
}

type Cardinality string

const (
	One  Cardinality = "one"
	Many Cardinality = "many"
)

type OnDelete string

const (
	Cascade  OnDelete = "Cascade"
	Restrict OnDelete = "Restrict"
	SetNull  OnDelete = "SetNull"
	NoAction OnDelete = "NoAction"
)

// RelationDefinition links an entity to a target entity. The records related
// to r are the target records t where t[References[i]] == r[Fields[i]].
// The owning side holds the foreign key in Fields.
type RelationDefinition struct {
	Name        string
	Target      string
	Cardinality Cardinality
	Owner       bool
	Fields      []string
	References  []string
	Nullable    bool
	OnDelete    OnDelete
}

type EntityDefinition struct {
	Name       string
	Table      string
	Fields     []FieldDefinition
	PrimaryKey []string
	Uniques    [][]string
	Relations  []RelationDefinition
}

func (e *EntityDefinition) Field(name string) (FieldDefinition, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

func (e *EntityDefinition) Relation(name string) (RelationDefinition, bool) {
	for _, r := range e.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return RelationDefinition{}, false
}

// UniqueSets returns the primary key followed by every other unique constraint.
func (e *EntityDefinition) UniqueSets() [][]string {
	sets := make([][]string, 0, len(e.Uniques)+1)
	sets = append(sets, e.PrimaryKey)
	sets = append(sets, e.Uniques...)
	return sets
}

func (e *EntityDefinition) FieldNames() []string {
	names := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		names[i] = f.Name
	}
	return names
}

func (e *EntityDefinition) TableName() string {
	if e.Table != "" {
		return e.Table
	}
	return e.Name
}

// Record is an immutable snapshot of one row. Scalar values are normalized by
// Coerce; relation payloads loaded on demand are stored under the relation
// name as Record or []Record.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Key projects the record onto the given fields.
func (r Record) Key(fields []string) []any {
	key := make([]any, len(fields))
	for i, f := range fields {
		key[i] = r[f]
	}
	return key
}

// Pick returns a record holding only the given fields.
func (r Record) Pick(fields []string) Record {
	out := make(Record, len(fields))
	for _, f := range fields {
		out[f] = r[f]
	}
	return out
}
