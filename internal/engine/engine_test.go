package engine_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/store"
	"github.com/kadirbelkuyu/dbqe/internal/store/memory"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"

	"github.com/stretchr/testify/require"
)

const testSchema = `
entities:
  - name: User
    primary_key: [id]
    unique: [[email]]
    fields:
      - {name: id, kind: int, default: autoincrement()}
      - {name: email, kind: string}
      - {name: name, kind: string, nullable: true}
      - {name: role, kind: string, default: user}
      - {name: score, kind: int, nullable: true}
      - {name: createdAt, kind: datetime, default: now()}
    relations:
      - {name: posts, target: Post, cardinality: many, fields: [id], references: [authorId]}
      - {name: profile, target: Profile, cardinality: one, fields: [id], references: [userId]}

  - name: Profile
    primary_key: [id]
    unique: [[userId]]
    fields:
      - {name: id, kind: string, default: uuid()}
      - {name: userId, kind: int}
      - {name: bio, kind: string, nullable: true}
    relations:
      - {name: user, target: User, cardinality: one, owner: true, fields: [userId], references: [id]}

  - name: Post
    primary_key: [id]
    fields:
      - {name: id, kind: int, default: autoincrement()}
      - {name: authorId, kind: int, nullable: true}
      - {name: title, kind: string}
      - {name: views, kind: int, default: 0}
      - {name: rating, kind: float, nullable: true}
      - {name: published, kind: boolean, default: false}
    relations:
      - {name: author, target: User, cardinality: one, owner: true, fields: [authorId], references: [id]}
      - {name: comments, target: Comment, cardinality: many, fields: [id], references: [postId]}

  - name: Comment
    primary_key: [id]
    fields:
      - {name: id, kind: int, default: autoincrement()}
      - {name: postId, kind: int}
      - {name: body, kind: string}
    relations:
      - {name: post, target: Post, cardinality: one, owner: true, fields: [postId], references: [id], on_delete: Cascade}

  - name: D01Influenza
    primary_key: [id]
    unique: [[province, year, week]]
    fields:
      - {name: id, kind: int, default: autoincrement()}
      - {name: province, kind: string}
      - {name: year, kind: int}
      - {name: week, kind: int}
      - {name: cases, kind: int, default: 0}
`

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestClient(t *testing.T) *engine.Client {
	t.Helper()
	registry, err := schema.Load([]byte(testSchema))
	require.NoError(t, err)

	st := memory.New()
	return newClientOn(t, registry, st)
}

func newClientOn(t *testing.T, registry *schema.Registry, st store.Store) *engine.Client {
	t.Helper()
	require.NoError(t, st.EnsureSchema(context.Background(), registry))
	t.Cleanup(func() { st.Close() })

	return engine.NewClient(registry, st,
		engine.WithLogger(logger.NewLogger(false)),
		engine.WithClock(func() time.Time { return fixedNow }),
	)
}

func model(t *testing.T, c *engine.Client, name string) *engine.Delegate {
	t.Helper()
	d, err := c.Model(name)
	require.NoError(t, err)
	return d
}

func seedUsers(t *testing.T, c *engine.Client, n int) []schema.Record {
	t.Helper()
	users := model(t, c, "User")
	out := make([]schema.Record, 0, n)
	for i := 1; i <= n; i++ {
		u, err := users.Create(context.Background(), engine.CreateArgs{
			Data: map[string]any{"email": fmt.Sprintf("user%02d@example.com", i)},
		})
		require.NoError(t, err)
		out = append(out, u)
	}
	return out
}

func ids(rows []schema.Record) []int64 {
	out := make([]int64, len(rows))
	for i, r := range rows {
		out[i] = r["id"].(int64)
	}
	return out
}
