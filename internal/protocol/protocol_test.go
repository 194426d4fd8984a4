package protocol_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/protocol"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/store/memory"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"

	"github.com/stretchr/testify/assert"
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
      - {name: score, kind: int, nullable: true}
    relations:
      - {name: posts, target: Post, cardinality: many, fields: [id], references: [authorId]}

  - name: Post
    primary_key: [id]
    fields:
      - {name: id, kind: int, default: autoincrement()}
      - {name: authorId, kind: int}
      - {name: title, kind: string}
      - {name: tag, kind: string}
    relations:
      - {name: author, target: User, cardinality: one, owner: true, fields: [authorId], references: [id], on_delete: Cascade}
`

func newClient(t *testing.T) *engine.Client {
	t.Helper()
	registry, err := schema.Load([]byte(testSchema))
	require.NoError(t, err)
	st := memory.New()
	require.NoError(t, st.EnsureSchema(context.Background(), registry))
	return engine.NewClient(registry, st, engine.WithLogger(logger.NewLogger(false)))
}

func run(t *testing.T, c *engine.Client, body string) protocol.Response {
	t.Helper()
	req, err := protocol.Decode(strings.NewReader(body))
	require.NoError(t, err)
	return protocol.Respond(context.Background(), c, req)
}

// roundTrip encodes a response the way the CLI prints it and decodes it
// generically, so assertions see wire values.
func roundTrip(t *testing.T, resp protocol.Response) map[string]any {
	t.Helper()
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestCreateAndQuery(t *testing.T) {
	c := newClient(t)

	resp := run(t, c, `{"model": "User", "operation": "create", "args": {
		"data": {"email": "ada@example.com", "score": 7,
			"posts": {"create": [{"title": "Engines", "tag": "go"}, {"title": "Looms", "tag": "history"}]}},
		"include": {"posts": {"orderBy": {"title": "desc"}, "select": {"title": true}}}
	}}`)
	require.Nil(t, resp.Error)
	out := roundTrip(t, resp)
	data := out["data"].(map[string]any)
	assert.Equal(t, 1.0, data["id"])
	assert.Equal(t, []any{
		map[string]any{"title": "Looms"},
		map[string]any{"title": "Engines"},
	}, data["posts"])

	resp = run(t, c, `{"model": "Post", "operation": "findMany", "args": {
		"where": {"OR": [{"tag": "go"}, {"title": {"startsWith": "loo", "mode": "insensitive"}}],
			"author": {"is": {"score": {"gte": 5}}}},
		"orderBy": [{"tag": "asc"}],
		"take": 1
	}}`)
	require.Nil(t, resp.Error)
	rows := resp.Data.([]schema.Record)
	require.Len(t, rows, 1)
	assert.Equal(t, "go", rows[0]["tag"])

	resp = run(t, c, `{"model": "User", "operation": "findUnique", "args": {"where": {"email": "nobody@example.com"}}}`)
	require.Nil(t, resp.Error)
	assert.Nil(t, resp.Data)
	assert.Equal(t, map[string]any{"data": nil}, roundTrip(t, resp))

	resp = run(t, c, `{"model": "User", "operation": "count", "args": {"where": {"posts": {"some": {}}}}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, 1, resp.Data)
}

func TestUpdateOperationsAndUpsert(t *testing.T) {
	c := newClient(t)
	require.Nil(t, run(t, c, `{"model": "User", "operation": "create", "args": {"data": {"email": "a@example.com", "score": 1}}}`).Error)

	resp := run(t, c, `{"model": "User", "operation": "update", "args": {
		"where": {"email": "a@example.com"}, "data": {"score": {"multiply": 10}}}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, int64(10), resp.Data.(schema.Record)["score"])

	upsert := `{"model": "User", "operation": "upsert", "args": {
		"where": {"email": "b@example.com"},
		"create": {"email": "b@example.com", "score": 0},
		"update": {"score": {"increment": 1}}}}`
	assert.Equal(t, int64(0), run(t, c, upsert).Data.(schema.Record)["score"])
	assert.Equal(t, int64(1), run(t, c, upsert).Data.(schema.Record)["score"])

	resp = run(t, c, `{"model": "User", "operation": "updateMany", "args": {"where": {"score": {"lt": 5}}, "data": {"score": null}}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, engine.BatchPayload{Count: 1}, resp.Data)
}

func TestAggregateAndGroupBy(t *testing.T) {
	c := newClient(t)
	require.Nil(t, run(t, c, `{"model": "User", "operation": "create", "args": {"data": {"email": "a@example.com",
		"posts": {"create": [{"title": "1", "tag": "go"}, {"title": "2", "tag": "go"}, {"title": "3", "tag": "sql"}]}}}}`).Error)

	resp := run(t, c, `{"model": "Post", "operation": "groupBy", "args": {
		"by": ["tag"], "_count": true, "having": {"_count": {"_all": {"gt": 1}}}}}`)
	require.Nil(t, resp.Error)
	out := roundTrip(t, resp)
	assert.Equal(t, []any{
		map[string]any{"tag": "go", "_count": map[string]any{"_all": 2.0}},
	}, out["data"])

	resp = run(t, c, `{"model": "Post", "operation": "aggregate", "args": {"_count": {"_all": true}, "_max": {"title": true}}}`)
	require.Nil(t, resp.Error)
	out = roundTrip(t, resp)
	assert.Equal(t, map[string]any{
		"_count": map[string]any{"_all": 3.0},
		"_max":   map[string]any{"title": "3"},
	}, out["data"])
}

func TestTransactionRequest(t *testing.T) {
	c := newClient(t)

	resp := run(t, c, `{"operation": "$transaction", "args": {"operations": [
		{"model": "User", "operation": "create", "args": {"data": {"email": "x@example.com"}}},
		{"model": "User", "operation": "create", "args": {"data": {"email": "x@example.com"}}}
	]}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "P2002", resp.Error.Code)
	assert.Equal(t, []string{"email"}, resp.Error.Fields)

	resp = run(t, c, `{"model": "User", "operation": "count"}`)
	assert.Equal(t, 0, resp.Data)

	resp = run(t, c, `{"operation": "$transaction", "args": {"isolationLevel": "Serializable", "operations": [
		{"model": "User", "operation": "create", "args": {"data": {"email": "x@example.com"}}},
		{"model": "User", "operation": "count"}
	]}}`)
	require.Nil(t, resp.Error)
	results := resp.Data.([]any)
	require.Len(t, results, 2)
	assert.Equal(t, 1, results[1])
}

func TestRejectsMalformedRequests(t *testing.T) {
	c := newClient(t)

	cases := []struct {
		name string
		body string
		kind errs.Kind
	}{
		{"unknown model", `{"model": "Nope", "operation": "findMany"}`, errs.KindUnknownEntity},
		{"unknown operation", `{"model": "User", "operation": "explode"}`, errs.KindInvalidData},
		{"unknown argument", `{"model": "User", "operation": "findMany", "args": {"limit": 3}}`, errs.KindInvalidData},
		{"bad filter operator", `{"model": "User", "operation": "findMany", "args": {"where": {"email": {"contains": "a", "like": "%a"}}}}`, errs.KindInvalidFilter},
		{"ambiguous orderBy", `{"model": "User", "operation": "findMany", "args": {"orderBy": {"email": "asc", "id": "desc"}}}`, errs.KindInvalidData},
		{"fractional take", `{"model": "User", "operation": "findMany", "args": {"take": 1.5}}`, errs.KindInvalidData},
		{"non-unique where", `{"model": "User", "operation": "delete", "args": {"where": {"score": 1}}}`, errs.KindInvalidUniqueInput},
		{"bad isolation", `{"operation": "$transaction", "args": {"isolationLevel": "Chaos", "operations": []}}`, errs.KindInvalidData},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := run(t, c, tc.body)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.kind.String(), resp.Error.Kind)
		})
	}

	_, err := protocol.Decode(strings.NewReader(`{"model": `))
	assert.ErrorIs(t, err, errs.ErrInvalidData)
}
