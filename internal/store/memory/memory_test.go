package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/store"
	"github.com/kadirbelkuyu/dbqe/internal/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const accounts = `
entities:
  - name: Account
    primary_key: [id]
    unique: [[handle]]
    fields:
      - {name: id, kind: int, default: autoincrement()}
      - {name: handle, kind: string}
      - {name: team, kind: string, nullable: true}
`

func setup(t *testing.T) (*memory.Store, *schema.EntityDefinition) {
	t.Helper()
	registry, err := schema.Load([]byte(accounts))
	require.NoError(t, err)
	st := memory.New()
	require.NoError(t, st.EnsureSchema(context.Background(), registry))
	def, err := registry.Entity("Account")
	require.NoError(t, err)
	return st, def
}

func insert(t *testing.T, st *memory.Store, def *schema.EntityDefinition, rows ...schema.Record) {
	t.Helper()
	ctx := context.Background()
	tx, err := st.Begin(ctx, store.TxOptions{})
	require.NoError(t, err)
	for _, r := range rows {
		_, err := tx.Insert(ctx, def, r)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func scanAll(t *testing.T, st *memory.Store, def *schema.EntityDefinition, equal map[string]any) []schema.Record {
	t.Helper()
	tx, err := st.Begin(context.Background(), store.TxOptions{ReadOnly: true})
	require.NoError(t, err)
	defer tx.Rollback()
	rows, err := tx.Scan(context.Background(), def, store.ScanOptions{Equal: equal})
	require.NoError(t, err)
	return rows
}

func TestAutoincrementFollowsExplicitKeys(t *testing.T) {
	st, def := setup(t)
	insert(t, st, def,
		schema.Record{"handle": "a"},
		schema.Record{"id": int64(10), "handle": "b"},
		schema.Record{"handle": "c", "team": "red"},
	)

	rows := scanAll(t, st, def, nil)
	require.Len(t, rows, 3)
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, int64(10), rows[1]["id"])
	assert.Equal(t, int64(11), rows[2]["id"])
	assert.Nil(t, rows[0]["team"])

	red := scanAll(t, st, def, map[string]any{"team": "red"})
	require.Len(t, red, 1)
	assert.Equal(t, "c", red[0]["handle"])
}

func TestUniqueConstraints(t *testing.T) {
	st, def := setup(t)
	insert(t, st, def, schema.Record{"handle": "a"}, schema.Record{"handle": "b"})

	ctx := context.Background()
	tx, err := st.Begin(ctx, store.TxOptions{})
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.Insert(ctx, def, schema.Record{"handle": "a"})
	assert.ErrorIs(t, err, errs.ErrUniqueConstraintViolation)

	_, err = tx.Insert(ctx, def, schema.Record{"id": int64(2), "handle": "z"})
	assert.ErrorIs(t, err, errs.ErrUniqueConstraintViolation)

	_, err = tx.Update(ctx, def, schema.Record{"id": int64(2)}, schema.Record{"handle": "a"})
	assert.ErrorIs(t, err, errs.ErrUniqueConstraintViolation)

	updated, err := tx.Update(ctx, def, schema.Record{"id": int64(2)}, schema.Record{"handle": "b", "team": "blue"})
	require.NoError(t, err)
	assert.Equal(t, "blue", updated["team"])

	_, err = tx.Update(ctx, def, schema.Record{"id": int64(9)}, schema.Record{"team": "x"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, tx.Delete(ctx, def, schema.Record{"id": int64(9)}), errs.ErrNotFound)
}

func TestRollbackDiscardsWrites(t *testing.T) {
	st, def := setup(t)
	insert(t, st, def, schema.Record{"handle": "a"})

	ctx := context.Background()
	tx, err := st.Begin(ctx, store.TxOptions{})
	require.NoError(t, err)
	_, err = tx.Insert(ctx, def, schema.Record{"handle": "b"})
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, def, schema.Record{"id": int64(1)}))
	require.NoError(t, tx.Rollback())

	rows := scanAll(t, st, def, nil)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0]["handle"])

	_, err = tx.Scan(ctx, def, store.ScanOptions{})
	assert.Error(t, err)
	assert.Error(t, tx.Commit())
}

func TestReadersSeeCommittedSnapshots(t *testing.T) {
	st, def := setup(t)
	ctx := context.Background()

	reader, err := st.Begin(ctx, store.TxOptions{ReadOnly: true})
	require.NoError(t, err)
	defer reader.Rollback()

	insert(t, st, def, schema.Record{"handle": "a"})

	rows, err := reader.Scan(ctx, def, store.ScanOptions{})
	require.NoError(t, err)
	assert.Empty(t, rows, "a snapshot does not observe later commits")
	assert.Len(t, scanAll(t, st, def, nil), 1)

	_, err = reader.Insert(ctx, def, schema.Record{"handle": "b"})
	assert.Error(t, err)
}

func TestWritersAreSerialized(t *testing.T) {
	st, _ := setup(t)
	ctx := context.Background()

	first, err := st.Begin(ctx, store.TxOptions{})
	require.NoError(t, err)

	_, err = st.Begin(ctx, store.TxOptions{MaxWait: 10 * time.Millisecond})
	assert.ErrorIs(t, err, errs.ErrTransactionTimeout)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = st.Begin(cancelled, store.TxOptions{MaxWait: time.Second})
	assert.ErrorIs(t, err, context.Canceled)

	acquired := make(chan store.Tx)
	go func() {
		tx, err := st.Begin(ctx, store.TxOptions{MaxWait: time.Second})
		if err != nil {
			close(acquired)
			return
		}
		acquired <- tx
	}()

	require.NoError(t, first.Commit())
	second, ok := <-acquired
	require.True(t, ok)
	require.NoError(t, second.Rollback())
}

func TestContextCancellationStopsOperations(t *testing.T) {
	st, def := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	tx, err := st.Begin(ctx, store.TxOptions{})
	require.NoError(t, err)
	defer tx.Rollback()

	cancel()
	_, err = tx.Insert(ctx, def, schema.Record{"handle": "late"})
	assert.ErrorIs(t, err, context.Canceled)
}
