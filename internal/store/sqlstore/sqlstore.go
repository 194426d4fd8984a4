// Package sqlstore stores entities in PostgreSQL (lib/pq) or SQLite
// (modernc.org/sqlite) tables laid out by schema.Creator.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/kadirbelkuyu/dbqe/internal/database"
	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/store"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"
)

type Store struct {
	conn    *database.Connection
	dialect schema.Dialect
	logger  *logger.Logger
}

func New(conn *database.Connection, logger *logger.Logger) *Store {
	return &Store{
		conn:    conn,
		dialect: schema.Dialect(conn.Dialect()),
		logger:  logger,
	}
}

func (s *Store) EnsureSchema(ctx context.Context, registry *schema.Registry) error {
	return schema.NewCreator(s.conn, s.logger).CreateTables(ctx, registry)
}

func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) Begin(ctx context.Context, opts store.TxOptions) (store.Tx, error) {
	waitCtx := ctx
	if opts.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.MaxWait)
		defer cancel()
	}

	conn, err := s.conn.DB.Conn(waitCtx)
	if err != nil {
		if ctx.Err() == nil && waitCtx.Err() != nil {
			return nil, errs.New(errs.KindTransactionTimeout, "", "could not acquire a connection within %s", opts.MaxWait)
		}
		return nil, classify("", err)
	}

	// SQLite transactions are always serializable and the driver rejects
	// explicit levels.
	var txOpts *sql.TxOptions
	if s.dialect == schema.DialectPostgres {
		txOpts = &sql.TxOptions{Isolation: isolationLevel(opts.Isolation), ReadOnly: opts.ReadOnly}
	}

	sqlTx, err := conn.BeginTx(ctx, txOpts)
	if err != nil {
		conn.Close()
		return nil, classify("", err)
	}
	return &tx{store: s, conn: conn, tx: sqlTx}, nil
}

func isolationLevel(level store.Isolation) sql.IsolationLevel {
	switch level {
	case store.IsolationReadUncommitted:
		return sql.LevelReadUncommitted
	case store.IsolationReadCommitted:
		return sql.LevelReadCommitted
	case store.IsolationRepeatableRead:
		return sql.LevelRepeatableRead
	case store.IsolationSerializable:
		return sql.LevelSerializable
	default:
		return sql.LevelDefault
	}
}

type tx struct {
	store *Store
	conn  *sql.Conn
	tx    *sql.Tx
}

func (t *tx) placeholder(n int) string {
	return t.store.dialect.Placeholder(n)
}

func (t *tx) Scan(ctx context.Context, def *schema.EntityDefinition, opts store.ScanOptions) ([]schema.Record, error) {
	columns := def.FieldNames()
	query := fmt.Sprintf("SELECT %s FROM %s", columnList(columns), schema.QuoteIdent(def.TableName()))

	var (
		conditions []string
		args       []any
	)
	for _, field := range sortedFields(opts.Equal) {
		args = append(args, opts.Equal[field])
		conditions = append(conditions, fmt.Sprintf("%s = %s", schema.QuoteIdent(field), t.placeholder(len(args))))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY " + columnList(def.PrimaryKey)

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(def.Name, err)
	}
	defer rows.Close()

	var out []schema.Record
	for rows.Next() {
		record, err := scanRecord(def, columns, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(def.Name, err)
	}
	return out, nil
}

func (t *tx) Insert(ctx context.Context, def *schema.EntityDefinition, record schema.Record) (schema.Record, error) {
	var (
		columns      []string
		placeholders []string
		args         []any
		explicitSeq  []string
	)
	for _, f := range def.Fields {
		v, ok := record[f.Name]
		if !ok {
			continue
		}
		columns = append(columns, f.Name)
		args = append(args, v)
		placeholders = append(placeholders, t.placeholder(len(args)))
		if f.Default != nil && f.Default.Kind == schema.DefaultAutoincrement && v != nil {
			explicitSeq = append(explicitSeq, f.Name)
		}
	}

	table := schema.QuoteIdent(def.TableName())
	returning := def.FieldNames()
	var query string
	if len(columns) == 0 {
		query = fmt.Sprintf("INSERT INTO %s DEFAULT VALUES RETURNING %s", table, columnList(returning))
	} else {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING %s",
			table, columnList(columns), strings.Join(placeholders, ", "), columnList(returning))
	}

	stored, err := scanRecord(def, returning, t.tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}

	if t.store.dialect == schema.DialectPostgres {
		for _, field := range explicitSeq {
			if err := t.syncSequence(ctx, def, field); err != nil {
				return nil, err
			}
		}
	}
	return stored, nil
}

// syncSequence moves an identity sequence past an explicitly inserted value so
// later generated keys do not collide with it.
func (t *tx) syncSequence(ctx context.Context, def *schema.EntityDefinition, field string) error {
	table := schema.QuoteIdent(def.TableName())
	query := fmt.Sprintf(
		"SELECT setval(pg_get_serial_sequence($1, $2), GREATEST((SELECT MAX(%s) FROM %s), 1))",
		schema.QuoteIdent(field), table,
	)
	if _, err := t.tx.ExecContext(ctx, query, table, field); err != nil {
		return classify(def.Name, err)
	}
	return nil
}

func (t *tx) Update(ctx context.Context, def *schema.EntityDefinition, key schema.Record, changes schema.Record) (schema.Record, error) {
	var (
		assignments []string
		args        []any
	)
	for _, field := range sortedFields(changes) {
		args = append(args, changes[field])
		assignments = append(assignments, fmt.Sprintf("%s = %s", schema.QuoteIdent(field), t.placeholder(len(args))))
	}

	where, whereArgs := t.keyCondition(def, key, len(args))
	args = append(args, whereArgs...)
	returning := def.FieldNames()

	if len(assignments) == 0 {
		query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", columnList(returning), schema.QuoteIdent(def.TableName()), where)
		return t.scanOne(def, returning, t.tx.QueryRowContext(ctx, query, args...))
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING %s",
		schema.QuoteIdent(def.TableName()), strings.Join(assignments, ", "), where, columnList(returning))
	return t.scanOne(def, returning, t.tx.QueryRowContext(ctx, query, args...))
}

func (t *tx) scanOne(def *schema.EntityDefinition, columns []string, row *sql.Row) (schema.Record, error) {
	record, err := scanRecord(def, columns, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New(errs.KindNotFound, def.Name, "no record with the given primary key")
	}
	return record, err
}

func (t *tx) Delete(ctx context.Context, def *schema.EntityDefinition, key schema.Record) error {
	where, args := t.keyCondition(def, key, 0)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", schema.QuoteIdent(def.TableName()), where)

	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return classify(def.Name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return classify(def.Name, err)
	}
	if affected == 0 {
		return errs.New(errs.KindNotFound, def.Name, "no record with the given primary key")
	}
	return nil
}

func (t *tx) keyCondition(def *schema.EntityDefinition, key schema.Record, offset int) (string, []any) {
	conditions := make([]string, len(def.PrimaryKey))
	args := make([]any, len(def.PrimaryKey))
	for i, field := range def.PrimaryKey {
		args[i] = key[field]
		conditions[i] = fmt.Sprintf("%s = %s", schema.QuoteIdent(field), t.placeholder(offset+i+1))
	}
	return strings.Join(conditions, " AND "), args
}

func (t *tx) Commit() error {
	defer t.conn.Close()
	if err := t.tx.Commit(); err != nil {
		return classify("", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	defer t.conn.Close()
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return classify("", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(def *schema.EntityDefinition, columns []string, row rowScanner) (schema.Record, error) {
	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}
	if err := row.Scan(pointers...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, classify(def.Name, err)
	}

	record := make(schema.Record, len(columns))
	for i, name := range columns {
		field, _ := def.Field(name)
		v, err := schema.Coerce(field.Kind, values[i])
		if err != nil {
			return nil, errs.New(errs.KindStorageBackend, def.Name, "column %s: %v", name, err).WithFields(name)
		}
		record[name] = v
	}
	return record, nil
}

func columnList(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = schema.QuoteIdent(n)
	}
	return strings.Join(quoted, ", ")
}

func sortedFields(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
