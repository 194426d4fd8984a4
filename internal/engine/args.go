package engine

import (
	"strings"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/filter"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
)

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type NullsOrder string

const (
	// NullsDefault places nulls last for ascending and first for descending
	// order, the way PostgreSQL does.
	NullsDefault NullsOrder = ""
	NullsFirst   NullsOrder = "first"
	NullsLast    NullsOrder = "last"
)

type OrderBy struct {
	Field     string
	Direction Direction
	Nulls     NullsOrder
}

// WhereUnique identifies a single record by the values of one unique
// constraint. A compound constraint may also be given under its joined name,
// e.g. {"province_year_week": {"province": "X", "year": 2024, "week": 1}}.
// Extra scalar keys act as additional equality filters.
type WhereUnique map[string]any

type FindManyArgs struct {
	Where   filter.Expr
	OrderBy []OrderBy
	// Cursor positions the page: results start strictly after the cursor
	// record for a positive Take and strictly before it for a negative one.
	Cursor   WhereUnique
	Take     *int
	Skip     int
	Distinct []string
	Select   []string
	// Include loads the named relations into each result. A nil value loads
	// every related record.
	Include map[string]*FindManyArgs
}

// Int returns a pointer to n, for FindManyArgs.Take.
func Int(n int) *int {
	return &n
}

type BatchPayload struct {
	Count int `json:"count"`
}

// NestedWrite creates or connects related records as part of a create or
// update. Connect entries are WhereUnique inputs of the related entity.
type NestedWrite struct {
	Create  []map[string]any
	Connect []WhereUnique
}

type compiledQuery struct {
	where    filter.Expr
	orderBy  []OrderBy
	cursor   *uniqueKey
	take     *int
	skip     int
	distinct []string
}

func (c *Client) compileQuery(def *schema.EntityDefinition, args FindManyArgs) (*compiledQuery, error) {
	where, err := filter.Compile(c.registry, def, args.Where)
	if err != nil {
		return nil, err
	}
	q := &compiledQuery{where: where, take: args.Take, skip: args.Skip}

	if args.Skip < 0 {
		return nil, errs.New(errs.KindInvalidData, def.Name, "skip must not be negative")
	}
	for _, o := range args.OrderBy {
		if _, ok := def.Field(o.Field); !ok {
			return nil, errs.New(errs.KindUnknownField, def.Name, "orderBy references an undeclared field").WithFields(o.Field)
		}
		normalized, err := normalizeOrder(def.Name, o)
		if err != nil {
			return nil, err
		}
		q.orderBy = append(q.orderBy, normalized)
	}
	for _, f := range args.Distinct {
		if _, ok := def.Field(f); !ok {
			return nil, errs.New(errs.KindUnknownField, def.Name, "distinct references an undeclared field").WithFields(f)
		}
	}
	q.distinct = args.Distinct

	if args.Cursor != nil {
		key, err := c.resolveUnique(def, args.Cursor)
		if err != nil {
			return nil, err
		}
		q.cursor = key
	}
	return q, nil
}

func normalizeOrder(entity string, o OrderBy) (OrderBy, error) {
	switch Direction(strings.ToLower(string(o.Direction))) {
	case "", Asc:
		o.Direction = Asc
	case Desc:
		o.Direction = Desc
	default:
		return o, errs.New(errs.KindInvalidData, entity, "unknown sort direction %q", o.Direction).WithFields(o.Field)
	}
	switch NullsOrder(strings.ToLower(string(o.Nulls))) {
	case NullsDefault:
		o.Nulls = NullsLast
		if o.Direction == Desc {
			o.Nulls = NullsFirst
		}
	case NullsFirst:
		o.Nulls = NullsFirst
	case NullsLast:
		o.Nulls = NullsLast
	default:
		return o, errs.New(errs.KindInvalidData, entity, "unknown nulls order %q", o.Nulls).WithFields(o.Field)
	}
	return o, nil
}

// uniqueKey is a resolved WhereUnique: the values of one unique constraint
// plus any extra equality filter.
type uniqueKey struct {
	fields []string
	values schema.Record
	extra  filter.Expr
}

func (c *Client) resolveUnique(def *schema.EntityDefinition, where WhereUnique) (*uniqueKey, error) {
	flat := make(map[string]any, len(where))
	for k, v := range where {
		if _, ok := def.Field(k); ok {
			flat[k] = v
			continue
		}
		nested, ok := v.(map[string]any)
		if !ok || !isCompoundName(def, k) {
			return nil, errs.New(errs.KindUnknownField, def.Name, "unique input references an undeclared field").WithFields(k)
		}
		for nk, nv := range nested {
			flat[nk] = nv
		}
	}

	matched := schema.MatchUniqueSets(def, flat)
	switch {
	case len(matched) == 0:
		return nil, errs.New(errs.KindInvalidUniqueInput, def.Name,
			"input does not identify a unique constraint").WithFields(sortedKeys(flat)...)
	case len(matched) > 1:
		// Several constraints are fully specified; the primary key wins when
		// present so that updates of other unique fields stay unambiguous.
		if !sameFields(matched[0], def.PrimaryKey) {
			return nil, errs.New(errs.KindAmbiguousOrInvalidUniqueInput, def.Name,
				"input matches %d unique constraints", len(matched)).WithFields(sortedKeys(flat)...)
		}
	}

	key := &uniqueKey{fields: matched[0], values: make(schema.Record, len(matched[0]))}
	inSet := make(map[string]bool, len(matched[0]))
	for _, f := range matched[0] {
		field, _ := def.Field(f)
		v, err := schema.Coerce(field.Kind, flat[f])
		if err != nil {
			return nil, errs.New(errs.KindInvalidData, def.Name, "%v", err).WithFields(f)
		}
		key.values[f] = v
		inSet[f] = true
	}

	var extra filter.And
	for _, f := range sortedKeys(flat) {
		if inSet[f] {
			continue
		}
		extra = append(extra, filter.Equals(f, flat[f]))
	}
	if len(extra) > 0 {
		compiled, err := filter.Compile(c.registry, def, extra)
		if err != nil {
			return nil, err
		}
		key.extra = compiled
	}
	return key, nil
}

func isCompoundName(def *schema.EntityDefinition, name string) bool {
	for _, set := range def.UniqueSets() {
		if len(set) > 1 && strings.Join(set, "_") == name {
			return true
		}
	}
	return false
}

func sameFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
