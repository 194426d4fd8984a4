package engine

import (
	"context"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/store"
)

// create inserts one record together with its nested writes: owning
// relations first so their foreign keys are known, then children.
func (s *session) create(ctx context.Context, in *createInput, skipDuplicates bool) (schema.Record, error) {
	def := in.def
	values := in.values.Clone()

	for _, nested := range in.owners {
		target, err := s.resolveOwner(ctx, def, nested)
		if err != nil {
			return nil, err
		}
		for i, f := range nested.rel.Fields {
			values[f] = target[nested.rel.References[i]]
		}
	}

	s.applyDefaults(def, values)

	if conflict, err := s.uniqueConflict(ctx, def, values, nil); err != nil {
		return nil, err
	} else if conflict != nil {
		if skipDuplicates {
			return nil, nil
		}
		return nil, errs.New(errs.KindUniqueConstraintViolation, def.Name, "unique constraint failed").WithFields(conflict...)
	}
	if err := s.checkOwners(ctx, def, values, nil); err != nil {
		return nil, err
	}

	row, err := s.tx.Insert(ctx, def, values)
	if err != nil {
		return nil, err
	}
	if err := s.writeChildren(ctx, def, row, in.children); err != nil {
		return nil, err
	}
	return row, nil
}

// resolveOwner connects or creates the record an owning relation points at.
func (s *session) resolveOwner(ctx context.Context, def *schema.EntityDefinition, nested *nestedInput) (schema.Record, error) {
	if len(nested.connect) > 0 {
		target, err := s.findUnique(ctx, nested.target, nested.connect[0])
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, errs.New(errs.KindNotFound, nested.target.Name,
				"no %s record to connect through %s.%s", nested.target.Name, def.Name, nested.rel.Name).WithFields(nested.connect[0].fields...)
		}
		return target, nil
	}
	return s.create(ctx, nested.create[0], false)
}

// writeChildren creates or re-points the records on the referencing side of
// parent's relations.
func (s *session) writeChildren(ctx context.Context, def *schema.EntityDefinition, parent schema.Record, children []*nestedInput) error {
	for _, nested := range children {
		link := make(schema.Record, len(nested.rel.References))
		for i, f := range nested.rel.References {
			link[f] = parent[nested.rel.Fields[i]]
		}

		for _, child := range nested.create {
			withLink := *child
			withLink.values = child.values.Clone()
			for f, v := range link {
				withLink.values[f] = v
			}
			if _, err := s.create(ctx, &withLink, false); err != nil {
				return err
			}
		}

		for _, key := range nested.connect {
			target, err := s.findUnique(ctx, nested.target, key)
			if err != nil {
				return err
			}
			if target == nil {
				return errs.New(errs.KindNotFound, nested.target.Name,
					"no %s record to connect through %s.%s", nested.target.Name, def.Name, nested.rel.Name).WithFields(key.fields...)
			}
			if err := s.checkUniqueChange(ctx, nested.target, target, link); err != nil {
				return err
			}
			if _, err := s.tx.Update(ctx, nested.target, store.PrimaryKey(nested.target, target), link); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyDefaults fills omitted fields. Autoincrement fields stay absent so the
// store generates them.
func (s *session) applyDefaults(def *schema.EntityDefinition, values schema.Record) {
	for _, f := range def.Fields {
		if _, ok := values[f.Name]; ok {
			continue
		}
		if f.Default == nil {
			values[f.Name] = nil
			continue
		}
		switch f.Default.Kind {
		case schema.DefaultStatic:
			values[f.Name] = f.Default.Value
		case schema.DefaultNow:
			values[f.Name] = s.client.timestamp()
		case schema.DefaultUUID:
			values[f.Name] = s.client.newID()
		}
	}
}

// uniqueConflict returns the first unique constraint for which another
// stored record holds the same non-null values. self, when set, is the
// record being updated.
func (s *session) uniqueConflict(ctx context.Context, def *schema.EntityDefinition, values schema.Record, self schema.Record) ([]string, error) {
	for _, set := range def.UniqueSets() {
		equal := make(map[string]any, len(set))
		complete := true
		for _, f := range set {
			v, ok := values[f]
			if !ok || v == nil {
				complete = false
				break
			}
			equal[f] = v
		}
		if !complete {
			continue
		}
		rows, err := s.tx.Scan(ctx, def, store.ScanOptions{Equal: equal})
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if self != nil && matchesKey(row, store.PrimaryKey(def, self)) {
				continue
			}
			return set, nil
		}
	}
	return nil, nil
}

// checkOwners verifies that every non-null foreign key references an
// existing record. changed limits the check to relations touching those
// fields; nil checks all of them.
func (s *session) checkOwners(ctx context.Context, def *schema.EntityDefinition, values schema.Record, changed schema.Record) error {
	for _, rel := range def.Relations {
		if !rel.Owner {
			continue
		}
		touched := changed == nil
		equal := make(map[string]any, len(rel.Fields))
		for i, f := range rel.Fields {
			if _, ok := changed[f]; ok {
				touched = true
			}
			if values[f] == nil {
				touched = false
				break
			}
			equal[rel.References[i]] = values[f]
		}
		if !touched {
			continue
		}
		target, err := s.client.registry.Entity(rel.Target)
		if err != nil {
			return err
		}
		rows, err := s.tx.Scan(ctx, target, store.ScanOptions{Equal: equal})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return errs.New(errs.KindRelationViolation, def.Name,
				"relation %s references a missing %s record", rel.Name, rel.Target).WithFields(rel.Fields...)
		}
	}
	return nil
}

func (s *session) checkUniqueChange(ctx context.Context, def *schema.EntityDefinition, row schema.Record, changes schema.Record) error {
	merged := row.Clone()
	for f, v := range changes {
		merged[f] = v
	}
	conflict, err := s.uniqueConflict(ctx, def, merged, row)
	if err != nil {
		return err
	}
	if conflict == nil {
		return nil
	}
	for _, f := range conflict {
		if _, ok := changes[f]; ok {
			return errs.New(errs.KindUniqueConstraintViolation, def.Name, "unique constraint failed").WithFields(conflict...)
		}
	}
	return nil
}

// update applies in to row and returns the stored result.
func (s *session) update(ctx context.Context, row schema.Record, in *updateInput) (schema.Record, error) {
	def := in.def
	changes := make(schema.Record, len(in.ops))
	for field, op := range in.ops {
		v, ok := op.apply(row[field])
		if !ok {
			return nil, errs.New(errs.KindInvalidData, def.Name, "%s overflows the field's integer range", op.Kind).WithFields(field)
		}
		changes[field] = v
	}
	for _, nested := range in.owners {
		target, err := s.resolveOwner(ctx, def, nested)
		if err != nil {
			return nil, err
		}
		for i, f := range nested.rel.Fields {
			changes[f] = target[nested.rel.References[i]]
		}
	}

	updated := row
	if len(changes) > 0 {
		if err := s.checkUniqueChange(ctx, def, row, changes); err != nil {
			return nil, err
		}
		merged := row.Clone()
		for f, v := range changes {
			merged[f] = v
		}
		if err := s.checkOwners(ctx, def, merged, changes); err != nil {
			return nil, err
		}
		var err error
		updated, err = s.tx.Update(ctx, def, store.PrimaryKey(def, row), changes)
		if err != nil {
			return nil, err
		}
	}

	if err := s.writeChildren(ctx, def, updated, in.children); err != nil {
		return nil, err
	}
	return updated, nil
}

// deleteRecord removes row after applying the OnDelete rule of every
// relation that references it. deleted tracks records already removed by
// the current operation.
func (s *session) deleteRecord(ctx context.Context, def *schema.EntityDefinition, row schema.Record, deleted map[string]bool) error {
	id := recordID(def, row)
	if deleted[id] {
		return nil
	}
	deleted[id] = true

	for _, dep := range s.client.registry.Dependents(def.Name) {
		rel := dep.Relation
		equal := make(map[string]any, len(rel.Fields))
		for i, f := range rel.Fields {
			equal[f] = row[rel.References[i]]
		}
		if schema.HasNull(schema.Record(equal).Key(rel.Fields)) {
			continue
		}
		children, err := s.tx.Scan(ctx, dep.Entity, store.ScanOptions{Equal: equal})
		if err != nil {
			return err
		}

		var pending []schema.Record
		for _, child := range children {
			if !deleted[recordID(dep.Entity, child)] {
				pending = append(pending, child)
			}
		}
		if len(pending) == 0 {
			continue
		}

		switch rel.OnDelete {
		case schema.Cascade:
			for _, child := range pending {
				if err := s.deleteRecord(ctx, dep.Entity, child, deleted); err != nil {
					return err
				}
			}
		case schema.SetNull:
			nulls := make(schema.Record, len(rel.Fields))
			for _, f := range rel.Fields {
				if field, _ := dep.Entity.Field(f); !field.Nullable {
					return errs.New(errs.KindRelationViolation, dep.Entity.Name,
						"cannot null required foreign key %s", f).WithFields(f)
				}
				nulls[f] = nil
			}
			for _, child := range pending {
				if _, err := s.tx.Update(ctx, dep.Entity, store.PrimaryKey(dep.Entity, child), nulls); err != nil {
					return err
				}
			}
		default:
			return errs.New(errs.KindRelationViolation, def.Name,
				"%d %s record(s) still reference this record through %s", len(pending), dep.Entity.Name, rel.Name).
				WithFields(rel.Fields...)
		}
	}

	return s.tx.Delete(ctx, def, store.PrimaryKey(def, row))
}

func recordID(def *schema.EntityDefinition, row schema.Record) string {
	return def.Name + "\x00" + schema.KeyString(row.Key(def.PrimaryKey))
}
