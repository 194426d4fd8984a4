package schema

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/kadirbelkuyu/dbqe/internal/database"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"
)

// Extractor reads the layout of an existing PostgreSQL schema and turns it
// into entity definitions.
type Extractor struct {
	conn   *database.Connection
	logger *logger.Logger
}

func NewExtractor(conn *database.Connection, logger *logger.Logger) *Extractor {
	return &Extractor{
		conn:   conn,
		logger: logger,
	}
}

type foreignKey struct {
	name            string
	columns         []string
	referencedTable string
	referenced      []string
	deleteRule      string
}

// Extract introspects every base table in schemaName and returns a validated
// registry. Each foreign key becomes an owning to-one relation plus its
// inverse to-many relation on the referenced entity.
func (e *Extractor) Extract(ctx context.Context, schemaName string) (*Registry, error) {
	if schemaName == "" {
		schemaName = "public"
	}
	e.logger.Infof("Extracting entities from schema %s...", schemaName)

	rows, err := e.conn.DB.QueryContext(ctx, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_type = 'BASE TABLE' AND table_schema = $1
		ORDER BY table_name
	`, schemaName)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read table metadata: %w", err)
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read table metadata: %w", err)
	}

	defs := make(map[string]*EntityDefinition, len(tables))
	fks := make(map[string][]foreignKey, len(tables))
	for _, table := range tables {
		def := &EntityDefinition{Name: table}
		if err := e.extractFields(ctx, schemaName, def); err != nil {
			return nil, fmt.Errorf("failed to gather columns for %s: %w", table, err)
		}
		if err := e.extractConstraints(ctx, schemaName, def); err != nil {
			return nil, fmt.Errorf("failed to gather constraints for %s: %w", table, err)
		}
		keys, err := e.extractForeignKeys(ctx, schemaName, table)
		if err != nil {
			return nil, fmt.Errorf("failed to gather foreign keys for %s: %w", table, err)
		}
		defs[table] = def
		fks[table] = keys
	}

	for _, table := range tables {
		for _, fk := range fks[table] {
			target, ok := defs[fk.referencedTable]
			if !ok {
				e.logger.Warnf("Skipping foreign key %s: table %s is outside schema %s", fk.name, fk.referencedTable, schemaName)
				continue
			}
			attachRelations(defs[table], target, fk)
		}
	}

	registry := NewRegistry()
	for _, table := range tables {
		if len(defs[table].PrimaryKey) == 0 {
			e.logger.Warnf("Skipping table %s: no primary key", table)
			continue
		}
		if err := registry.Register(*defs[table]); err != nil {
			return nil, err
		}
	}
	if err := registry.Validate(); err != nil {
		return nil, err
	}

	e.logger.Infof("%d entities extracted", len(registry.Entities()))
	return registry, nil
}

func (e *Extractor) extractFields(ctx context.Context, schemaName string, def *EntityDefinition) error {
	rows, err := e.conn.DB.QueryContext(ctx, `
		SELECT column_name, data_type, is_nullable, column_default, is_identity
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position
	`, schemaName, def.Name)
	if err != nil {
		return fmt.Errorf("failed to query column metadata: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			name, dataType, isNullable, isIdentity string
			defaultValue                           sql.NullString
		)
		if err := rows.Scan(&name, &dataType, &isNullable, &defaultValue, &isIdentity); err != nil {
			return fmt.Errorf("failed to read column metadata: %w", err)
		}
		field := FieldDefinition{
			Name:     name,
			Kind:     KindFromColumnType(dataType),
			Nullable: isNullable == "YES",
		}
		if isIdentity == "YES" {
			field.Default = &DefaultRule{Kind: DefaultAutoincrement}
		} else if defaultValue.Valid {
			field.Default = ParseColumnDefault(field.Kind, defaultValue.String)
		}
		def.Fields = append(def.Fields, field)
	}
	return rows.Err()
}

func (e *Extractor) extractConstraints(ctx context.Context, schemaName string, def *EntityDefinition) error {
	rows, err := e.conn.DB.QueryContext(ctx, `
		SELECT tc.constraint_name, tc.constraint_type, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
			AND tc.table_name = kcu.table_name
		WHERE tc.table_schema = $1 AND tc.table_name = $2
		AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
		ORDER BY tc.constraint_name, kcu.ordinal_position
	`, schemaName, def.Name)
	if err != nil {
		return fmt.Errorf("failed to query key metadata: %w", err)
	}
	defer rows.Close()

	uniques := make(map[string][]string)
	var order []string
	for rows.Next() {
		var name, kind, column string
		if err := rows.Scan(&name, &kind, &column); err != nil {
			return fmt.Errorf("failed to read key metadata: %w", err)
		}
		if kind == "PRIMARY KEY" {
			def.PrimaryKey = append(def.PrimaryKey, column)
			continue
		}
		if _, ok := uniques[name]; !ok {
			order = append(order, name)
		}
		uniques[name] = append(uniques[name], column)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	// Unique indexes created outside table constraints only show up in pg_index.
	indexRows, err := e.conn.DB.QueryContext(ctx, `
		SELECT i.relname, a.attname
		FROM pg_index ix
		JOIN pg_class t ON t.oid = ix.indrelid
		JOIN pg_class i ON i.oid = ix.indexrelid
		JOIN pg_namespace n ON n.oid = t.relnamespace
		JOIN LATERAL unnest(ix.indkey) WITH ORDINALITY AS k(attnum, ord) ON true
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = k.attnum
		WHERE n.nspname = $1 AND t.relname = $2
		AND ix.indisunique AND NOT ix.indisprimary AND ix.indpred IS NULL
		ORDER BY i.relname, k.ord
	`, schemaName, def.Name)
	if err != nil {
		return fmt.Errorf("failed to query index metadata: %w", err)
	}
	defer indexRows.Close()

	for indexRows.Next() {
		var name, column string
		if err := indexRows.Scan(&name, &column); err != nil {
			return fmt.Errorf("failed to read index metadata: %w", err)
		}
		if _, ok := uniques[name]; !ok {
			order = append(order, name)
		}
		if !containsString(uniques[name], column) {
			uniques[name] = append(uniques[name], column)
		}
	}
	if err := indexRows.Err(); err != nil {
		return err
	}

	seen := map[string]bool{strings.Join(def.PrimaryKey, ","): true}
	for _, name := range order {
		key := strings.Join(uniques[name], ",")
		if seen[key] {
			continue
		}
		seen[key] = true
		def.Uniques = append(def.Uniques, uniques[name])
	}
	return nil
}

func (e *Extractor) extractForeignKeys(ctx context.Context, schemaName, table string) ([]foreignKey, error) {
	rows, err := e.conn.DB.QueryContext(ctx, `
		SELECT
			rc.constraint_name,
			kcu.column_name,
			ref.table_name,
			ref.column_name,
			rc.delete_rule
		FROM information_schema.referential_constraints rc
		JOIN information_schema.key_column_usage kcu
			ON kcu.constraint_name = rc.constraint_name
			AND kcu.constraint_schema = rc.constraint_schema
		JOIN information_schema.key_column_usage ref
			ON ref.constraint_name = rc.unique_constraint_name
			AND ref.constraint_schema = rc.unique_constraint_schema
			AND ref.ordinal_position = kcu.position_in_unique_constraint
		WHERE kcu.table_schema = $1 AND kcu.table_name = $2
		ORDER BY rc.constraint_name, kcu.ordinal_position
	`, schemaName, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign key metadata: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]*foreignKey)
	var order []string
	for rows.Next() {
		var name, column, refTable, refColumn, rule string
		if err := rows.Scan(&name, &column, &refTable, &refColumn, &rule); err != nil {
			return nil, fmt.Errorf("failed to read foreign key metadata: %w", err)
		}
		fk, ok := byName[name]
		if !ok {
			fk = &foreignKey{name: name, referencedTable: refTable, deleteRule: rule}
			byName[name] = fk
			order = append(order, name)
		}
		fk.columns = append(fk.columns, column)
		fk.referenced = append(fk.referenced, refColumn)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	keys := make([]foreignKey, 0, len(order))
	for _, name := range order {
		keys = append(keys, *byName[name])
	}
	return keys, nil
}

func attachRelations(owner, target *EntityDefinition, fk foreignKey) {
	ownerName := uniqueRelationName(owner, lowerFirst(target.Name))
	owner.Relations = append(owner.Relations, RelationDefinition{
		Name:        ownerName,
		Target:      target.Name,
		Cardinality: One,
		Owner:       true,
		Fields:      fk.columns,
		References:  fk.referenced,
		OnDelete:    onDeleteFromRule(fk.deleteRule),
	})

	cardinality := Many
	inverseName := lowerFirst(owner.Name) + "s"
	for _, set := range owner.UniqueSets() {
		if sameSet(set, fk.columns) {
			cardinality = One
			inverseName = lowerFirst(owner.Name)
		}
	}
	target.Relations = append(target.Relations, RelationDefinition{
		Name:        uniqueRelationName(target, inverseName),
		Target:      owner.Name,
		Cardinality: cardinality,
		Fields:      fk.referenced,
		References:  fk.columns,
	})
}

func onDeleteFromRule(rule string) OnDelete {
	switch strings.ToUpper(rule) {
	case "CASCADE":
		return Cascade
	case "SET NULL":
		return SetNull
	case "RESTRICT":
		return Restrict
	default:
		return NoAction
	}
}

// KindFromColumnType maps an information_schema data type onto a scalar kind.
func KindFromColumnType(dataType string) Kind {
	switch strings.ToLower(dataType) {
	case "integer", "smallint", "int", "int2", "int4":
		return KindInt
	case "bigint", "int8":
		return KindBigInt
	case "real", "double precision", "numeric", "decimal", "float4", "float8":
		return KindFloat
	case "boolean", "bool":
		return KindBoolean
	case "timestamp with time zone", "timestamp without time zone", "date", "timestamptz", "timestamp":
		return KindDateTime
	default:
		return KindString
	}
}

var literalDefault = regexp.MustCompile(`^'(.*)'::[a-z ]+$`)

// ParseColumnDefault recognises the column default expressions this tool
// emits itself. Anything else is left to the database and reported as nil.
func ParseColumnDefault(kind Kind, expr string) *DefaultRule {
	lowered := strings.ToLower(strings.TrimSpace(expr))
	switch {
	case strings.HasPrefix(lowered, "nextval("):
		return &DefaultRule{Kind: DefaultAutoincrement}
	case lowered == "now()" || lowered == "current_timestamp" || strings.HasPrefix(lowered, "clock_timestamp"):
		return &DefaultRule{Kind: DefaultNow}
	case lowered == "gen_random_uuid()" || lowered == "uuid_generate_v4()":
		return &DefaultRule{Kind: DefaultUUID}
	}

	raw := strings.TrimSpace(expr)
	if m := literalDefault.FindStringSubmatch(raw); m != nil {
		raw = strings.ReplaceAll(m[1], "''", "'")
	}
	value, err := Coerce(kind, raw)
	if err != nil {
		return nil
	}
	return &DefaultRule{Kind: DefaultStatic, Value: value}
}

func uniqueRelationName(def *EntityDefinition, name string) string {
	candidate := name
	for i := 2; ; i++ {
		_, fieldClash := def.Field(candidate)
		_, relClash := def.Relation(candidate)
		if !fieldClash && !relClash {
			return candidate
		}
		candidate = fmt.Sprintf("%s%d", name, i)
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	return equalFields(x, y)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
