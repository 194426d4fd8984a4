package engine

import (
	"context"
	"errors"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/filter"
	"github.com/kadirbelkuyu/dbqe/internal/schema"

	"github.com/sirupsen/logrus"
)

type CreateArgs struct {
	Data    map[string]any
	Select  []string
	Include map[string]*FindManyArgs
}

type CreateManyArgs struct {
	Data           []map[string]any
	SkipDuplicates bool
}

type UpdateArgs struct {
	Where   WhereUnique
	Data    map[string]any
	Select  []string
	Include map[string]*FindManyArgs
}

type UpdateManyArgs struct {
	Where filter.Expr
	Data  map[string]any
}

type UpsertArgs struct {
	Where   WhereUnique
	Create  map[string]any
	Update  map[string]any
	Select  []string
	Include map[string]*FindManyArgs
}

type DeleteArgs struct {
	Where   WhereUnique
	Select  []string
	Include map[string]*FindManyArgs
}

func (d *Delegate) Create(ctx context.Context, args CreateArgs) (schema.Record, error) {
	var in *createInput
	err := d.prepare("create", func() error {
		if err := d.client.checkShape(d.def, args.Select, args.Include); err != nil {
			return err
		}
		var err error
		in, err = d.client.parseCreate(d.def, args.Data, nil, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	var result schema.Record
	err = d.run(ctx, "create", true, func(s *session) error {
		row, err := s.create(ctx, in, false)
		if err != nil {
			return err
		}
		result, err = s.shapeOne(ctx, d.def, row, args.Select, args.Include)
		return err
	})
	return result, err
}

// CreateMany inserts every row in one transaction. With SkipDuplicates, rows
// that collide on a unique constraint, with stored records or with earlier
// rows of the batch, are skipped instead of failing the call.
func (d *Delegate) CreateMany(ctx context.Context, args CreateManyArgs) (BatchPayload, error) {
	rows, err := d.createMany(ctx, "createMany", args)
	return BatchPayload{Count: len(rows)}, err
}

func (d *Delegate) CreateManyAndReturn(ctx context.Context, args CreateManyArgs) ([]schema.Record, error) {
	return d.createMany(ctx, "createManyAndReturn", args)
}

func (d *Delegate) createMany(ctx context.Context, op string, args CreateManyArgs) ([]schema.Record, error) {
	inputs := make([]*createInput, len(args.Data))
	err := d.prepare(op, func() error {
		for i, data := range args.Data {
			in, err := d.client.parseCreate(d.def, data, nil, false)
			if err != nil {
				return err
			}
			inputs[i] = in
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var created []schema.Record
	err = d.run(ctx, op, true, func(s *session) error {
		created = created[:0]
		for _, in := range inputs {
			row, err := s.create(ctx, in, args.SkipDuplicates)
			if err != nil {
				return err
			}
			if row != nil {
				created = append(created, row.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if skipped := len(inputs) - len(created); skipped > 0 {
		d.client.logger.WithFields(logrus.Fields{"entity": d.def.Name, "skipped": skipped}).Debug("Skipped duplicate rows")
	}
	return created, nil
}

func (d *Delegate) Update(ctx context.Context, args UpdateArgs) (schema.Record, error) {
	var (
		key *uniqueKey
		in  *updateInput
	)
	err := d.prepare("update", func() error {
		if err := d.client.checkShape(d.def, args.Select, args.Include); err != nil {
			return err
		}
		var err error
		if key, err = d.client.resolveUnique(d.def, args.Where); err != nil {
			return err
		}
		in, err = d.client.parseUpdate(d.def, args.Data, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	var result schema.Record
	err = d.run(ctx, "update", true, func(s *session) error {
		row, err := s.findUnique(ctx, d.def, key)
		if err != nil {
			return err
		}
		if row == nil {
			return errs.New(errs.KindNotFound, d.def.Name, "no record found to update").WithFields(key.fields...)
		}
		updated, err := s.update(ctx, row, in)
		if err != nil {
			return err
		}
		result, err = s.shapeOne(ctx, d.def, updated, args.Select, args.Include)
		return err
	})
	return result, err
}

// UpdateMany applies data to every record matching Where. Matching nothing
// is not an error.
func (d *Delegate) UpdateMany(ctx context.Context, args UpdateManyArgs) (BatchPayload, error) {
	rows, err := d.updateMany(ctx, "updateMany", args)
	return BatchPayload{Count: len(rows)}, err
}

func (d *Delegate) UpdateManyAndReturn(ctx context.Context, args UpdateManyArgs) ([]schema.Record, error) {
	return d.updateMany(ctx, "updateManyAndReturn", args)
}

func (d *Delegate) updateMany(ctx context.Context, op string, args UpdateManyArgs) ([]schema.Record, error) {
	var (
		where filter.Expr
		in    *updateInput
	)
	err := d.prepare(op, func() error {
		var err error
		if where, err = filter.Compile(d.client.registry, d.def, args.Where); err != nil {
			return err
		}
		in, err = d.client.parseUpdate(d.def, args.Data, false)
		return err
	})
	if err != nil {
		return nil, err
	}

	var updated []schema.Record
	err = d.run(ctx, op, true, func(s *session) error {
		updated = updated[:0]
		rows, err := s.scan(ctx, d.def, where)
		if err != nil {
			return err
		}
		for _, row := range rows {
			next, err := s.update(ctx, row, in)
			if err != nil {
				return err
			}
			updated = append(updated, next.Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// Upsert updates the record identified by Where, or creates it from Create
// when absent. A standalone call that loses a race against a concurrent
// insert of the same key is retried once and then observes an update.
func (d *Delegate) Upsert(ctx context.Context, args UpsertArgs) (schema.Record, error) {
	var (
		key      *uniqueKey
		createIn *createInput
		updateIn *updateInput
	)
	err := d.prepare("upsert", func() error {
		if err := d.client.checkShape(d.def, args.Select, args.Include); err != nil {
			return err
		}
		var err error
		if key, err = d.client.resolveUnique(d.def, args.Where); err != nil {
			return err
		}
		if createIn, err = d.client.parseCreate(d.def, args.Create, nil, true); err != nil {
			return err
		}
		updateIn, err = d.client.parseUpdate(d.def, args.Update, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	// created reports whether the failing attempt took the create branch.
	attempt := func() (result schema.Record, created bool, err error) {
		err = d.run(ctx, "upsert", true, func(s *session) error {
			row, err := s.findUnique(ctx, d.def, key)
			if err != nil {
				return err
			}
			if row != nil {
				row, err = s.update(ctx, row, updateIn)
			} else {
				created = true
				row, err = s.create(ctx, createIn, false)
			}
			if err != nil {
				return err
			}
			result, err = s.shapeOne(ctx, d.def, row, args.Select, args.Include)
			return err
		})
		return result, created, err
	}

	result, created, err := attempt()
	if err != nil && d.tx == nil && retryableUpsert(err, created) {
		d.client.logger.WithFields(logrus.Fields{"entity": d.def.Name}).WithError(err).Warn("Retrying upsert after concurrent write")
		result, _, err = attempt()
	}
	return result, err
}

// retryableUpsert accepts a unique violation only from the create branch,
// where it means another writer inserted the key first. From the update
// branch it is the caller's own data clashing and retrying cannot help.
func retryableUpsert(err error, created bool) bool {
	if errs.KindOf(err) == errs.KindUniqueConstraintViolation {
		return created
	}
	var e *errs.Error
	return errors.As(err, &e) && e.Retryable()
}

// Delete removes the record identified by Where and returns it as it was
// before deletion. Relations referencing it are handled per their OnDelete
// rule in the same transaction.
func (d *Delegate) Delete(ctx context.Context, args DeleteArgs) (schema.Record, error) {
	var key *uniqueKey
	err := d.prepare("delete", func() error {
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
	err = d.run(ctx, "delete", true, func(s *session) error {
		row, err := s.findUnique(ctx, d.def, key)
		if err != nil {
			return err
		}
		if row == nil {
			return errs.New(errs.KindNotFound, d.def.Name, "no record found to delete").WithFields(key.fields...)
		}
		if result, err = s.shapeOne(ctx, d.def, row, args.Select, args.Include); err != nil {
			return err
		}
		return s.deleteRecord(ctx, d.def, row, make(map[string]bool))
	})
	return result, err
}

// DeleteMany removes every record matching where. Records removed through a
// cascade from an earlier match are counted once.
func (d *Delegate) DeleteMany(ctx context.Context, where filter.Expr) (BatchPayload, error) {
	var compiled filter.Expr
	err := d.prepare("deleteMany", func() error {
		var err error
		compiled, err = filter.Compile(d.client.registry, d.def, where)
		return err
	})
	if err != nil {
		return BatchPayload{}, err
	}

	var count int
	err = d.run(ctx, "deleteMany", true, func(s *session) error {
		count = 0
		rows, err := s.scan(ctx, d.def, compiled)
		if err != nil {
			return err
		}
		deleted := make(map[string]bool)
		for _, row := range rows {
			if deleted[recordID(d.def, row)] {
				continue
			}
			if err := s.deleteRecord(ctx, d.def, row, deleted); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return BatchPayload{}, err
	}
	return BatchPayload{Count: count}, nil
}

func (s *session) shapeOne(ctx context.Context, def *schema.EntityDefinition, row schema.Record, selectFields []string, include map[string]*FindManyArgs) (schema.Record, error) {
	shaped, err := s.shape(ctx, def, []schema.Record{row}, selectFields, include)
	if err != nil {
		return nil, err
	}
	return shaped[0], nil
}
