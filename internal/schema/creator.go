package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kadirbelkuyu/dbqe/internal/database"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"
)

// Creator applies entity definitions to a SQL database: tables first, then
// unique indexes, then foreign keys.
type Creator struct {
	conn   *database.Connection
	logger *logger.Logger
}

func NewCreator(conn *database.Connection, logger *logger.Logger) *Creator {
	return &Creator{
		conn:   conn,
		logger: logger,
	}
}

func (c *Creator) CreateTables(ctx context.Context, registry *Registry) error {
	c.logger.Info("Creating tables...")
	dialect := Dialect(c.conn.Dialect())
	entities := registry.TopologicalOrder()

	tx, err := c.conn.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, def := range entities {
		stmt := CreateTableSQL(def, registry, dialect)
		c.logger.Debugf("Creating table: %s", stmt)
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table %s: %w", def.TableName(), err)
		}
	}

	for _, def := range entities {
		for _, stmt := range UniqueIndexSQL(def) {
			c.logger.Debugf("Creating index: %s", stmt)
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create unique index on %s: %w", def.TableName(), err)
			}
		}
	}

	if dialect == DialectPostgres {
		for _, def := range entities {
			if err := c.createForeignKeys(ctx, tx, def, registry); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	c.logger.Infof("%d tables created successfully", len(entities))
	return nil
}

func (c *Creator) createForeignKeys(ctx context.Context, tx *sql.Tx, def *EntityDefinition, registry *Registry) error {
	for _, stmt := range ForeignKeySQL(def, registry) {
		c.logger.Debugf("Creating foreign key: %s", stmt)
		// Savepoints keep an existing constraint from aborting the whole migration.
		if _, err := tx.ExecContext(ctx, "SAVEPOINT fk"); err != nil {
			return fmt.Errorf("failed to create savepoint: %w", err)
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			c.logger.Warnf("Failed to create foreign key on %s: %v", def.TableName(), err)
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT fk"); err != nil {
				return fmt.Errorf("failed to roll back savepoint: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT fk"); err != nil {
			return fmt.Errorf("failed to release savepoint: %w", err)
		}
	}
	return nil
}

// CreateTableSQL renders the CREATE TABLE statement for def. SQLite gets its
// foreign keys inline because it cannot add them afterwards.
func CreateTableSQL(def *EntityDefinition, registry *Registry, dialect Dialect) string {
	var columnDefs []string
	inlinePK := false

	for _, f := range def.Fields {
		colDef := fmt.Sprintf("%s %s", QuoteIdent(f.Name), dialect.ColumnType(f.Kind))
		autoinc := f.Default != nil && f.Default.Kind == DefaultAutoincrement
		rowid := autoinc && dialect == DialectSQLite && len(def.PrimaryKey) == 1 && def.PrimaryKey[0] == f.Name

		switch {
		case rowid:
			colDef = fmt.Sprintf("%s INTEGER PRIMARY KEY AUTOINCREMENT", QuoteIdent(f.Name))
			inlinePK = true
		case autoinc && dialect == DialectPostgres:
			colDef += " GENERATED BY DEFAULT AS IDENTITY"
		}

		if !f.Nullable && !rowid {
			colDef += " NOT NULL"
		}
		columnDefs = append(columnDefs, colDef)
	}

	if !inlinePK {
		columnDefs = append(columnDefs, fmt.Sprintf("PRIMARY KEY (%s)", quoteList(def.PrimaryKey)))
	}

	if dialect == DialectSQLite && registry != nil {
		for _, rel := range def.Relations {
			if !rel.Owner {
				continue
			}
			target, err := registry.Entity(rel.Target)
			if err != nil {
				continue
			}
			columnDefs = append(columnDefs, foreignKeyClause(rel, target))
		}
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", QuoteIdent(def.TableName()), strings.Join(columnDefs, ", "))
}

// UniqueIndexSQL renders one CREATE UNIQUE INDEX per non-primary unique set.
func UniqueIndexSQL(def *EntityDefinition) []string {
	stmts := make([]string, 0, len(def.Uniques))
	for _, set := range def.Uniques {
		name := fmt.Sprintf("%s_%s_key", def.TableName(), strings.Join(set, "_"))
		stmts = append(stmts, fmt.Sprintf(
			"CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s)",
			QuoteIdent(name),
			QuoteIdent(def.TableName()),
			quoteList(set),
		))
	}
	return stmts
}

// ForeignKeySQL renders ALTER TABLE statements for the owning relations of def.
func ForeignKeySQL(def *EntityDefinition, registry *Registry) []string {
	var stmts []string
	for _, rel := range def.Relations {
		if !rel.Owner {
			continue
		}
		target, err := registry.Entity(rel.Target)
		if err != nil {
			continue
		}
		name := fmt.Sprintf("%s_%s_fkey", def.TableName(), strings.Join(rel.Fields, "_"))
		stmts = append(stmts, fmt.Sprintf(
			"ALTER TABLE %s ADD CONSTRAINT %s %s",
			QuoteIdent(def.TableName()),
			QuoteIdent(name),
			foreignKeyClause(rel, target),
		))
	}
	return stmts
}

func foreignKeyClause(rel RelationDefinition, target *EntityDefinition) string {
	clause := fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
		quoteList(rel.Fields),
		QuoteIdent(target.TableName()),
		quoteList(rel.References),
	)
	switch rel.OnDelete {
	case Cascade:
		clause += " ON DELETE CASCADE"
	case SetNull:
		clause += " ON DELETE SET NULL"
	case Restrict:
		clause += " ON DELETE RESTRICT"
	}
	return clause
}
