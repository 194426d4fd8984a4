package engine

import (
	"context"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/filter"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
)

type FindUniqueArgs struct {
	Where   WhereUnique
	Select  []string
	Include map[string]*FindManyArgs
}

// FindUnique returns the record identified by a unique constraint, or nil
// when there is none.
func (d *Delegate) FindUnique(ctx context.Context, args FindUniqueArgs) (schema.Record, error) {
	return d.findUnique(ctx, "findUnique", args, false)
}

// FindUniqueOrThrow is FindUnique with a NotFound error in place of nil.
func (d *Delegate) FindUniqueOrThrow(ctx context.Context, args FindUniqueArgs) (schema.Record, error) {
	return d.findUnique(ctx, "findUniqueOrThrow", args, true)
}

func (d *Delegate) findUnique(ctx context.Context, op string, args FindUniqueArgs, throw bool) (schema.Record, error) {
	var key *uniqueKey
	err := d.prepare(op, func() error {
		if err := d.client.checkShape(d.def, args.Select, args.Include); err != nil {
			return err
		}
		var err error
		key, err = d.client.resolveUnique(d.def, args.Where)
		return err
	})
	if err != nil {
		return nil, err
	}

	var result schema.Record
	err = d.run(ctx, op, false, func(s *session) error {
		row, err := s.findUnique(ctx, d.def, key)
		if err != nil {
			return err
		}
		if row == nil {
			if throw {
				return errs.New(errs.KindNotFound, d.def.Name, "no record found for the unique input").WithFields(key.fields...)
			}
			return nil
		}
		shaped, err := s.shape(ctx, d.def, []schema.Record{row}, args.Select, args.Include)
		if err != nil {
			return err
		}
		result = shaped[0]
		return nil
	})
	return result, err
}

// FindFirst returns the first record of the ordered result, or nil.
func (d *Delegate) FindFirst(ctx context.Context, args FindManyArgs) (schema.Record, error) {
	return d.findFirst(ctx, "findFirst", args, false)
}

func (d *Delegate) FindFirstOrThrow(ctx context.Context, args FindManyArgs) (schema.Record, error) {
	return d.findFirst(ctx, "findFirstOrThrow", args, true)
}

func (d *Delegate) findFirst(ctx context.Context, op string, args FindManyArgs, throw bool) (schema.Record, error) {
	if args.Take == nil || *args.Take >= 0 {
		args.Take = Int(1)
	} else {
		args.Take = Int(-1)
	}
	rows, err := d.findMany(ctx, op, args)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		if throw {
			return nil, errs.Classify(op, d.def.Name, errs.New(errs.KindNotFound, d.def.Name, "no record matches the filter"))
		}
		return nil, nil
	}
	return rows[0], nil
}

func (d *Delegate) FindMany(ctx context.Context, args FindManyArgs) ([]schema.Record, error) {
	return d.findMany(ctx, "findMany", args)
}

func (d *Delegate) findMany(ctx context.Context, op string, args FindManyArgs) ([]schema.Record, error) {
	var q *compiledQuery
	err := d.prepare(op, func() error {
		var err error
		if q, err = d.client.compileQuery(d.def, args); err != nil {
			return err
		}
		return d.client.checkShape(d.def, args.Select, args.Include)
	})
	if err != nil {
		return nil, err
	}

	var result []schema.Record
	err = d.run(ctx, op, false, func(s *session) error {
		rows, err := s.findMany(ctx, d.def, q)
		if err != nil {
			return err
		}
		result, err = s.shape(ctx, d.def, rows, args.Select, args.Include)
		return err
	})
	return result, err
}

// Count returns the number of records FindMany would return for args.
// Select and Include are ignored.
func (d *Delegate) Count(ctx context.Context, args FindManyArgs) (int, error) {
	var q *compiledQuery
	err := d.prepare("count", func() error {
		var err error
		q, err = d.client.compileQuery(d.def, args)
		return err
	})
	if err != nil {
		return 0, err
	}

	var n int
	err = d.run(ctx, "count", false, func(s *session) error {
		rows, err := s.findMany(ctx, d.def, q)
		n = len(rows)
		return err
	})
	return n, err
}

// LoadRelation loads the records related to record through the named
// relation. A to-one relation yields at most one record.
func (d *Delegate) LoadRelation(ctx context.Context, record schema.Record, relation string, args *FindManyArgs) ([]schema.Record, error) {
	rel, ok := d.def.Relation(relation)
	err := d.prepare("loadRelation", func() error {
		if !ok {
			return errs.New(errs.KindUnknownField, d.def.Name, "unknown relation").WithFields(relation)
		}
		for _, f := range rel.Fields {
			if _, present := record[f]; !present {
				return errs.New(errs.KindInvalidData, d.def.Name, "record lacks the relation field").WithFields(f)
			}
		}
		return d.client.checkShape(d.def, nil, map[string]*FindManyArgs{relation: args})
	})
	if err != nil {
		return nil, err
	}

	var result []schema.Record
	err = d.run(ctx, "loadRelation", false, func(s *session) error {
		rows, err := s.loadRelation(ctx, d.def, rel, record, args)
		if err != nil {
			return err
		}
		if args != nil {
			target, _ := d.client.registry.Entity(rel.Target)
			result, err = s.shape(ctx, target, rows, args.Select, args.Include)
			return err
		}
		result = cloneAll(rows)
		return nil
	})
	return result, err
}

// prepare runs input validation before any storage access and reports its
// failures the same way run does.
func (d *Delegate) prepare(op string, check func() error) error {
	err := check()
	if err == nil {
		return nil
	}
	err = errs.Classify(op, d.def.Name, err)
	d.client.logger.WithError(err).WithField("entity", d.def.Name).Debugf("Rejected %s before storage", op)
	d.client.metrics.ObserveOperation(d.def.Name, op, errs.KindOf(err).String(), 0)
	return err
}

// FindInBatches pages through the records matching where in primary key
// order, size records at a time, and hands each page to fn. Every page is
// read in its own transaction and selects keys strictly greater than the
// last one seen, so records deleted or changed between pages never end the
// iteration early and records inserted behind the last key are not revisited.
func (d *Delegate) FindInBatches(ctx context.Context, where filter.Expr, size int, fn func(batch []schema.Record) error) error {
	if size <= 0 {
		size = DefaultBatchSize
	}
	order := make([]OrderBy, len(d.def.PrimaryKey))
	for i, f := range d.def.PrimaryKey {
		order[i] = OrderBy{Field: f, Direction: Asc}
	}

	page := where
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := d.FindMany(ctx, FindManyArgs{Where: page, OrderBy: order, Take: Int(size)})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < size {
			return nil
		}
		after := afterKey(d.def.PrimaryKey, batch[len(batch)-1])
		if where == nil {
			page = after
		} else {
			page = filter.And{where, after}
		}
	}
}

// afterKey matches the records whose key sorts after last's key: for a key
// (a, b) that is a > x OR (a = x AND b > y).
func afterKey(key []string, last schema.Record) filter.Expr {
	if len(key) == 1 {
		return filter.Gt(key[0], last[key[0]])
	}
	or := make(filter.Or, 0, len(key))
	for i := range key {
		and := make(filter.And, 0, i+1)
		for _, f := range key[:i] {
			and = append(and, filter.Equals(f, last[f]))
		}
		and = append(and, filter.Gt(key[i], last[key[i]]))
		or = append(or, and)
	}
	return or
}
