package schema_test

import (
	"testing"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateTableSQLPostgres(t *testing.T) {
	registry := newRegistry(t)
	user, _ := registry.Entity("User")

	stmt := schema.CreateTableSQL(user, registry, schema.DialectPostgres)
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "User" ("id" INTEGER GENERATED BY DEFAULT AS IDENTITY NOT NULL, "email" TEXT NOT NULL, "name" TEXT, "role" TEXT NOT NULL, PRIMARY KEY ("id"))`,
		stmt)

	assert.Equal(t,
		[]string{`CREATE UNIQUE INDEX IF NOT EXISTS "User_email_key" ON "User" ("email")`},
		schema.UniqueIndexSQL(user))
}

func TestCreateTableSQLSQLiteInlinesKeys(t *testing.T) {
	registry := newRegistry(t)
	user, _ := registry.Entity("User")
	post, _ := registry.Entity("Post")

	stmt := schema.CreateTableSQL(user, registry, schema.DialectSQLite)
	assert.Contains(t, stmt, `"id" INTEGER PRIMARY KEY AUTOINCREMENT`)
	assert.NotContains(t, stmt, "PRIMARY KEY (")

	stmt = schema.CreateTableSQL(post, registry, schema.DialectSQLite)
	assert.Contains(t, stmt, `PRIMARY KEY ("id")`)
	assert.Contains(t, stmt, `FOREIGN KEY ("authorId") REFERENCES "User" ("id") ON DELETE SET NULL`)
}

func TestForeignKeySQL(t *testing.T) {
	registry := newRegistry(t)
	post, _ := registry.Entity("Post")

	assert.Equal(t,
		[]string{`ALTER TABLE "Post" ADD CONSTRAINT "Post_authorId_fkey" FOREIGN KEY ("authorId") REFERENCES "User" ("id") ON DELETE SET NULL`},
		schema.ForeignKeySQL(post, registry))
}

func TestParseColumnDefault(t *testing.T) {
	assert.Equal(t, schema.DefaultAutoincrement, schema.ParseColumnDefault(schema.KindInt, "nextval('users_id_seq'::regclass)").Kind)
	assert.Equal(t, schema.DefaultNow, schema.ParseColumnDefault(schema.KindDateTime, "CURRENT_TIMESTAMP").Kind)
	assert.Equal(t, schema.DefaultUUID, schema.ParseColumnDefault(schema.KindString, "gen_random_uuid()").Kind)

	rule := schema.ParseColumnDefault(schema.KindString, "'user'::text")
	require.NotNil(t, rule)
	assert.Equal(t, "user", rule.Value)

	rule = schema.ParseColumnDefault(schema.KindInt, "0")
	require.NotNil(t, rule)
	assert.Equal(t, int64(0), rule.Value)

	assert.Nil(t, schema.ParseColumnDefault(schema.KindInt, "random()"))
}

func TestKindFromColumnType(t *testing.T) {
	assert.Equal(t, schema.KindInt, schema.KindFromColumnType("integer"))
	assert.Equal(t, schema.KindBigInt, schema.KindFromColumnType("bigint"))
	assert.Equal(t, schema.KindFloat, schema.KindFromColumnType("double precision"))
	assert.Equal(t, schema.KindDateTime, schema.KindFromColumnType("timestamp with time zone"))
	assert.Equal(t, schema.KindString, schema.KindFromColumnType("character varying"))
}

func TestCoerceAndCompare(t *testing.T) {
	v, err := schema.Coerce(schema.KindInt, 3.0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)

	_, err = schema.Coerce(schema.KindInt, 3.5)
	require.Error(t, err)

	_, err = schema.Coerce(schema.KindBoolean, "maybe")
	require.Error(t, err)

	ts, err := schema.Coerce(schema.KindDateTime, "2024-01-07T00:00:00+03:00")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 6, 21, 0, 0, 0, time.UTC), ts)

	assert.Equal(t, -1, schema.Compare(int64(1), 1.5))
	assert.Equal(t, 0, schema.Compare(int64(2), 2.0))
	assert.Equal(t, -1, schema.Compare(nil, "a"))
	assert.True(t, schema.Equal(nil, nil))
	assert.False(t, schema.Equal(nil, int64(0)))

	assert.Equal(t, schema.KeyString([]any{int64(2)}), schema.KeyString([]any{2.0}))
	assert.NotEqual(t, schema.KeyString([]any{"1"}), schema.KeyString([]any{int64(1)}))
}
