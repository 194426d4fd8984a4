package engine

import (
	"context"
	"sort"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/filter"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/store"
)

// session binds one store transaction to the evaluator used while it runs.
type session struct {
	client    *Client
	tx        store.Tx
	evaluator *filter.Evaluator
}

func (c *Client) newSession(tx store.Tx) *session {
	s := &session{client: c, tx: tx}
	s.evaluator = filter.NewEvaluator(c.registry, s)
	return s
}

// Related implements filter.Resolver by scanning the target entity for
// records whose referenced fields equal the record's relation fields.
func (s *session) Related(ctx context.Context, def *schema.EntityDefinition, rel schema.RelationDefinition, record schema.Record) ([]schema.Record, error) {
	target, err := s.client.registry.Entity(rel.Target)
	if err != nil {
		return nil, err
	}
	equal := make(map[string]any, len(rel.Fields))
	for i, f := range rel.Fields {
		v := record[f]
		if v == nil {
			return nil, nil
		}
		equal[rel.References[i]] = v
	}
	return s.tx.Scan(ctx, target, store.ScanOptions{Equal: equal})
}

// scan returns the records of def matching a compiled filter, in store order.
func (s *session) scan(ctx context.Context, def *schema.EntityDefinition, where filter.Expr) ([]schema.Record, error) {
	rows, err := s.tx.Scan(ctx, def, store.ScanOptions{Equal: filter.EqualityHints(where)})
	if err != nil {
		return nil, err
	}
	if where == nil {
		return rows, nil
	}
	out := rows[:0:0]
	for _, row := range rows {
		ok, err := s.evaluator.Match(ctx, def, where, row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, row)
		}
	}
	return out, nil
}

// findUnique returns the record identified by key, or nil.
func (s *session) findUnique(ctx context.Context, def *schema.EntityDefinition, key *uniqueKey) (schema.Record, error) {
	rows, err := s.tx.Scan(ctx, def, store.ScanOptions{Equal: map[string]any(key.values)})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		ok, err := s.evaluator.Match(ctx, def, key.extra, row)
		if err != nil {
			return nil, err
		}
		if ok {
			return row, nil
		}
	}
	return nil, nil
}

// findMany runs the read pipeline: filter, order, cursor, distinct, skip and
// take, in that order.
func (s *session) findMany(ctx context.Context, def *schema.EntityDefinition, q *compiledQuery) ([]schema.Record, error) {
	rows, err := s.scan(ctx, def, q.where)
	if err != nil {
		return nil, err
	}
	return pipeline(rows, q), nil
}

// pipeline applies the stages that follow filtering. rows is reordered in
// place.
func pipeline(rows []schema.Record, q *compiledQuery) []schema.Record {
	sortRecords(rows, q.orderBy)
	backward := q.take != nil && *q.take < 0

	if q.cursor != nil {
		idx := -1
		for i, row := range rows {
			if matchesKey(row, q.cursor.values) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil
		}
		if backward {
			rows = rows[:idx]
		} else {
			rows = rows[idx+1:]
		}
	}

	if len(q.distinct) > 0 {
		rows = distinct(rows, q.distinct, backward)
	}
	return window(rows, q.skip, q.take)
}

// window applies skip and take. A negative take counts from the end of rows
// and skip then drops records from the end as well; the result keeps the
// original order.
func window(rows []schema.Record, skip int, take *int) []schema.Record {
	if take != nil && *take < 0 {
		end := len(rows) - skip
		if end <= 0 {
			return nil
		}
		start := end + *take
		if start < 0 {
			start = 0
		}
		return rows[start:end]
	}
	if skip >= len(rows) {
		return nil
	}
	rows = rows[skip:]
	if take != nil && *take < len(rows) {
		rows = rows[:*take]
	}
	return rows
}

// distinct keeps the first record for each combination of fields. When
// paging backward the record closest to the cursor is kept.
func distinct(rows []schema.Record, fields []string, backward bool) []schema.Record {
	seen := make(map[string]bool, len(rows))
	keep := make([]bool, len(rows))
	visit := func(i int) {
		k := schema.KeyString(rows[i].Key(fields))
		if !seen[k] {
			seen[k] = true
			keep[i] = true
		}
	}
	if backward {
		for i := len(rows) - 1; i >= 0; i-- {
			visit(i)
		}
	} else {
		for i := range rows {
			visit(i)
		}
	}
	out := make([]schema.Record, 0, len(seen))
	for i, row := range rows {
		if keep[i] {
			out = append(out, row)
		}
	}
	return out
}

// sortRecords orders rows in place. The sort is stable, so ties keep store
// order.
func sortRecords(rows []schema.Record, orderBy []OrderBy) {
	if len(orderBy) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		return compareRecords(rows[i], rows[j], orderBy) < 0
	})
}

func compareRecords(a, b schema.Record, orderBy []OrderBy) int {
	for _, o := range orderBy {
		if c := compareOrdered(a[o.Field], b[o.Field], o); c != 0 {
			return c
		}
	}
	return 0
}

func compareOrdered(x, y any, o OrderBy) int {
	switch {
	case x == nil && y == nil:
		return 0
	case x == nil:
		if o.Nulls == NullsFirst {
			return -1
		}
		return 1
	case y == nil:
		if o.Nulls == NullsFirst {
			return 1
		}
		return -1
	}
	c := schema.Compare(x, y)
	if o.Direction == Desc {
		return -c
	}
	return c
}

func matchesKey(row schema.Record, key schema.Record) bool {
	for f, v := range key {
		if !schema.Equal(row[f], v) {
			return false
		}
	}
	return true
}

// loadRelation reads the records related to record through rel, shaped by
// args. A nil args returns every related record in store order.
func (s *session) loadRelation(ctx context.Context, def *schema.EntityDefinition, rel schema.RelationDefinition, record schema.Record, args *FindManyArgs) ([]schema.Record, error) {
	target, err := s.client.registry.Entity(rel.Target)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = &FindManyArgs{}
	}
	q, err := s.client.compileQuery(target, *args)
	if err != nil {
		return nil, err
	}

	related, err := s.Related(ctx, def, rel, record)
	if err != nil {
		return nil, err
	}
	if related == nil {
		return nil, nil
	}
	rows := related[:0:0]
	for _, row := range related {
		ok, err := s.evaluator.Match(ctx, target, q.where, row)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}

	return pipeline(rows, q), nil
}

// shape clones rows, loads includes and applies the select projection.
func (s *session) shape(ctx context.Context, def *schema.EntityDefinition, rows []schema.Record, selectFields []string, include map[string]*FindManyArgs) ([]schema.Record, error) {
	out := make([]schema.Record, len(rows))
	for i, row := range rows {
		shaped := row.Clone()
		if len(selectFields) > 0 {
			shaped = row.Pick(selectFields)
		}
		for _, name := range sortedIncludeNames(include) {
			rel, _ := def.Relation(name)
			args := include[name]
			related, err := s.loadRelation(ctx, def, rel, row, args)
			if err != nil {
				return nil, err
			}
			if args != nil {
				target, _ := s.client.registry.Entity(rel.Target)
				related, err = s.shape(ctx, target, related, args.Select, args.Include)
				if err != nil {
					return nil, err
				}
			} else {
				related = cloneAll(related)
			}
			if rel.Cardinality == schema.One {
				if len(related) == 0 {
					shaped[name] = nil
				} else {
					shaped[name] = related[0]
				}
				continue
			}
			if related == nil {
				related = []schema.Record{}
			}
			shaped[name] = related
		}
		out[i] = shaped
	}
	return out, nil
}

func (c *Client) checkShape(def *schema.EntityDefinition, selectFields []string, include map[string]*FindManyArgs) error {
	for _, f := range selectFields {
		if _, ok := def.Field(f); !ok {
			return errs.New(errs.KindUnknownField, def.Name, "select references an undeclared field").WithFields(f)
		}
	}
	for name, args := range include {
		rel, ok := def.Relation(name)
		if !ok {
			return errs.New(errs.KindUnknownField, def.Name, "include references an undeclared relation").WithFields(name)
		}
		if args == nil {
			continue
		}
		target, err := c.registry.Entity(rel.Target)
		if err != nil {
			return err
		}
		if _, err := c.compileQuery(target, *args); err != nil {
			return err
		}
		if err := c.checkShape(target, args.Select, args.Include); err != nil {
			return err
		}
	}
	return nil
}

func sortedIncludeNames(include map[string]*FindManyArgs) []string {
	names := make([]string, 0, len(include))
	for name := range include {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func cloneAll(rows []schema.Record) []schema.Record {
	if rows == nil {
		return nil
	}
	out := make([]schema.Record, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
