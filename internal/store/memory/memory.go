// Package memory is an in-process store. Readers work on immutable
// snapshots; writers are serialized and publish a new snapshot on commit, so
// every isolation level is satisfied.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/store"
)

type table struct {
	rows []schema.Record
	seq  map[string]int64
}

func (t *table) clone() *table {
	out := &table{
		rows: append([]schema.Record(nil), t.rows...),
		seq:  make(map[string]int64, len(t.seq)),
	}
	for k, v := range t.seq {
		out.seq[k] = v
	}
	return out
}

type snapshot map[string]*table

type Store struct {
	mu      sync.RWMutex
	current snapshot
	writer  chan struct{}
}

func New() *Store {
	return &Store{
		current: make(snapshot),
		writer:  make(chan struct{}, 1),
	}
}

func (s *Store) EnsureSchema(_ context.Context, registry *schema.Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(snapshot, len(s.current))
	for name, t := range s.current {
		next[name] = t
	}
	for _, def := range registry.Entities() {
		if _, ok := next[def.Name]; !ok {
			next[def.Name] = &table{seq: make(map[string]int64)}
		}
	}
	s.current = next
	return nil
}

func (s *Store) Begin(ctx context.Context, opts store.TxOptions) (store.Tx, error) {
	if opts.ReadOnly {
		s.mu.RLock()
		snap := s.current
		s.mu.RUnlock()
		return &tx{store: s, base: snap, readOnly: true}, nil
	}

	waitCtx := ctx
	if opts.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.MaxWait)
		defer cancel()
	}

	select {
	case s.writer <- struct{}{}:
	case <-waitCtx.Done():
		if ctx.Err() == nil {
			return nil, errs.New(errs.KindTransactionTimeout, "", "could not acquire a write transaction within %s", opts.MaxWait)
		}
		return nil, ctx.Err()
	}

	s.mu.RLock()
	snap := s.current
	s.mu.RUnlock()

	return &tx{
		store:   s,
		base:    snap,
		working: make(snapshot),
	}, nil
}

func (s *Store) Close() error {
	return nil
}

type tx struct {
	store    *Store
	base     snapshot
	working  snapshot
	readOnly bool
	done     bool
}

var errTxDone = errors.New("transaction already finished")

func (t *tx) read(name string) *table {
	if tbl, ok := t.working[name]; ok {
		return tbl
	}
	if tbl, ok := t.base[name]; ok {
		return tbl
	}
	return &table{seq: make(map[string]int64)}
}

func (t *tx) write(name string) *table {
	if tbl, ok := t.working[name]; ok {
		return tbl
	}
	var tbl *table
	if base, ok := t.base[name]; ok {
		tbl = base.clone()
	} else {
		tbl = &table{seq: make(map[string]int64)}
	}
	t.working[name] = tbl
	return tbl
}

func (t *tx) check(ctx context.Context, write bool) error {
	if t.done {
		return errTxDone
	}
	if write && t.readOnly {
		return errors.New("write in a read-only transaction")
	}
	return ctx.Err()
}

func (t *tx) Scan(ctx context.Context, def *schema.EntityDefinition, opts store.ScanOptions) ([]schema.Record, error) {
	if err := t.check(ctx, false); err != nil {
		return nil, err
	}
	rows := t.read(def.Name).rows
	out := make([]schema.Record, 0, len(rows))
	for _, row := range rows {
		if matchesEqual(row, opts.Equal) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (t *tx) Insert(ctx context.Context, def *schema.EntityDefinition, record schema.Record) (schema.Record, error) {
	if err := t.check(ctx, true); err != nil {
		return nil, err
	}
	tbl := t.write(def.Name)

	row := make(schema.Record, len(def.Fields))
	for _, f := range def.Fields {
		v, ok := record[f.Name]
		if !ok && f.Default != nil && f.Default.Kind == schema.DefaultAutoincrement {
			tbl.seq[f.Name]++
			row[f.Name] = tbl.seq[f.Name]
			continue
		}
		row[f.Name] = v
		if n, isInt := v.(int64); isInt && f.Default != nil && f.Default.Kind == schema.DefaultAutoincrement && n > tbl.seq[f.Name] {
			tbl.seq[f.Name] = n
		}
	}

	if err := checkUnique(def, tbl.rows, row, -1); err != nil {
		return nil, err
	}
	tbl.rows = append(tbl.rows, row)
	return row, nil
}

func (t *tx) Update(ctx context.Context, def *schema.EntityDefinition, key schema.Record, changes schema.Record) (schema.Record, error) {
	if err := t.check(ctx, true); err != nil {
		return nil, err
	}
	tbl := t.write(def.Name)

	idx := indexOf(tbl.rows, def.PrimaryKey, key)
	if idx < 0 {
		return nil, errs.New(errs.KindNotFound, def.Name, "no record with the given primary key")
	}
	row := tbl.rows[idx].Clone()
	for k, v := range changes {
		row[k] = v
	}
	if err := checkUnique(def, tbl.rows, row, idx); err != nil {
		return nil, err
	}
	tbl.rows[idx] = row
	return row, nil
}

func (t *tx) Delete(ctx context.Context, def *schema.EntityDefinition, key schema.Record) error {
	if err := t.check(ctx, true); err != nil {
		return err
	}
	tbl := t.write(def.Name)

	idx := indexOf(tbl.rows, def.PrimaryKey, key)
	if idx < 0 {
		return errs.New(errs.KindNotFound, def.Name, "no record with the given primary key")
	}
	tbl.rows = append(tbl.rows[:idx:idx], tbl.rows[idx+1:]...)
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	if t.readOnly {
		return nil
	}
	defer t.release()

	if len(t.working) == 0 {
		return nil
	}
	t.store.mu.Lock()
	next := make(snapshot, len(t.store.current)+len(t.working))
	for name, tbl := range t.store.current {
		next[name] = tbl
	}
	for name, tbl := range t.working {
		next[name] = tbl
	}
	t.store.current = next
	t.store.mu.Unlock()
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	if !t.readOnly {
		t.release()
	}
	return nil
}

func (t *tx) release() {
	<-t.store.writer
}

func matchesEqual(row schema.Record, equal map[string]any) bool {
	for field, want := range equal {
		if !schema.Equal(row[field], want) {
			return false
		}
	}
	return true
}

func indexOf(rows []schema.Record, pk []string, key schema.Record) int {
	for i, row := range rows {
		match := true
		for _, f := range pk {
			if !schema.Equal(row[f], key[f]) {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// checkUnique rejects row when another row, other than the one at skip,
// holds the same non-null tuple for any unique constraint.
func checkUnique(def *schema.EntityDefinition, rows []schema.Record, row schema.Record, skip int) error {
	for _, set := range def.UniqueSets() {
		key := row.Key(set)
		if schema.HasNull(key) {
			continue
		}
		want := schema.KeyString(key)
		for i, other := range rows {
			if i == skip {
				continue
			}
			if schema.KeyString(other.Key(set)) == want {
				return errs.New(errs.KindUniqueConstraintViolation, def.Name, "unique constraint failed").WithFields(set...)
			}
		}
	}
	return nil
}
