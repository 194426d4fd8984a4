package filter_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/filter"
	"github.com/kadirbelkuyu/dbqe/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSchema = `
entities:
  - name: User
    primary_key: [id]
    unique: [[email]]
    fields:
      - {name: id, kind: int}
      - {name: email, kind: string}
      - {name: name, kind: string, nullable: true}
      - {name: age, kind: int, nullable: true}
      - {name: active, kind: boolean}
      - {name: joined, kind: datetime}
    relations:
      - {name: posts, target: Post, cardinality: many, fields: [id], references: [authorId]}
  - name: Post
    primary_key: [id]
    fields:
      - {name: id, kind: int}
      - {name: authorId, kind: int}
      - {name: title, kind: string}
      - {name: published, kind: boolean}
    relations:
      - {name: author, target: User, cardinality: one, owner: true, fields: [authorId], references: [id]}
`

type fixture struct {
	registry  *schema.Registry
	user      *schema.EntityDefinition
	post      *schema.EntityDefinition
	evaluator *filter.Evaluator
	posts     map[int64][]schema.Record
}

func (f *fixture) Related(_ context.Context, def *schema.EntityDefinition, rel schema.RelationDefinition, record schema.Record) ([]schema.Record, error) {
	if rel.Name != "posts" {
		return nil, nil
	}
	return f.posts[record["id"].(int64)], nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry, err := schema.Load([]byte(testSchema))
	require.NoError(t, err)

	f := &fixture{registry: registry, posts: make(map[int64][]schema.Record)}
	f.user, _ = registry.Entity("User")
	f.post, _ = registry.Entity("Post")
	f.evaluator = filter.NewEvaluator(registry, f)
	return f
}

func (f *fixture) match(t *testing.T, expr filter.Expr, record schema.Record) bool {
	t.Helper()
	compiled, err := filter.Compile(f.registry, f.user, expr)
	require.NoError(t, err)
	ok, err := f.evaluator.Match(context.Background(), f.user, compiled, record)
	require.NoError(t, err)
	return ok
}

func ada() schema.Record {
	return schema.Record{
		"id":     int64(1),
		"email":  "Ada@Example.com",
		"name":   nil,
		"age":    int64(36),
		"active": true,
		"joined": time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestLeafOperators(t *testing.T) {
	f := newFixture(t)
	r := ada()

	cases := []struct {
		name string
		expr filter.Expr
		want bool
	}{
		{"contains hit", filter.Contains("email", "Example"), true},
		{"contains miss", filter.Contains("email", "xyz"), false},
		{"contains case", filter.Contains("email", "example"), false},
		{"contains insensitive", filter.Contains("email", "EXAMPLE").Insensitive(), true},
		{"startsWith", filter.StartsWith("email", "Ada"), true},
		{"endsWith", filter.EndsWith("email", ".org"), false},
		{"equals insensitive", filter.Equals("email", "ada@example.com").Insensitive(), true},
		{"in", filter.In("age", 1, 36), true},
		{"notIn", filter.NotIn("age", 1, 36), false},
		{"lt", filter.Lt("age", 40), true},
		{"lte equal", filter.Lte("age", 36), true},
		{"gt", filter.Gt("age", 36), false},
		{"gte", filter.Gte("age", 36.0), true},
		{"boolean", filter.Equals("active", true), true},
		{"datetime gt", filter.Gt("joined", "2024-01-01T00:00:00Z"), true},
		{"datetime lt", filter.Lt("joined", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)), false},
		{"string range", filter.Gte("email", "B"), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, f.match(t, tc.expr, r))
		})
	}
}

func TestNullSemantics(t *testing.T) {
	f := newFixture(t)
	r := ada()

	assert.True(t, f.match(t, filter.Equals("name", nil), r), "equals null is an is-null test")
	assert.False(t, f.match(t, filter.Equals("age", nil), r))
	assert.True(t, f.match(t, filter.In("name", nil, "Ada"), r))
	assert.False(t, f.match(t, filter.Contains("name", "A"), r), "string operators never match null")
	assert.False(t, f.match(t, filter.NotIn("name", "Ada"), r), "notIn is false on null")
	assert.False(t, f.match(t, filter.Lt("name", "Z"), r))
	assert.True(t, f.match(t, nil, r), "a missing filter does not constrain")
}

func TestLogicalLaws(t *testing.T) {
	f := newFixture(t)
	r := ada()
	leaves := []filter.Expr{
		filter.Equals("active", true),
		filter.Equals("active", false),
		filter.Contains("email", "Ada"),
		filter.Equals("name", nil),
	}

	assert.True(t, f.match(t, filter.And{}, r))
	assert.False(t, f.match(t, filter.Or{}, r))

	for _, leaf := range leaves {
		assert.Equal(t, f.match(t, leaf, r), f.match(t, filter.NotOf(filter.NotOf(leaf)), r), filter.String(leaf))
		assert.Equal(t, !f.match(t, leaf, r), f.match(t, filter.NotOf(leaf), r))
		assert.Equal(t, f.match(t, leaf, r), f.match(t, filter.And{leaf}, r))
		assert.Equal(t, f.match(t, leaf, r), f.match(t, filter.Or{leaf}, r))
	}
}

type countingResolver struct {
	calls int
}

func (c *countingResolver) Related(context.Context, *schema.EntityDefinition, schema.RelationDefinition, schema.Record) ([]schema.Record, error) {
	c.calls++
	return nil, nil
}

func TestShortCircuit(t *testing.T) {
	f := newFixture(t)
	resolver := &countingResolver{}
	evaluator := filter.NewEvaluator(f.registry, resolver)
	ctx := context.Background()

	relation := filter.SomeOf("posts", nil)
	andExpr, err := filter.Compile(f.registry, f.user, filter.And{filter.Equals("active", false), relation})
	require.NoError(t, err)
	ok, err := evaluator.Match(ctx, f.user, andExpr, ada())
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, resolver.calls, "AND stops at the first false operand")

	orExpr, err := filter.Compile(f.registry, f.user, filter.Or{filter.Equals("active", true), relation})
	require.NoError(t, err)
	ok, err = evaluator.Match(ctx, f.user, orExpr, ada())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, resolver.calls, "OR stops at the first true operand")
}

func TestRelationQuantifiers(t *testing.T) {
	f := newFixture(t)
	f.posts[1] = []schema.Record{
		{"id": int64(10), "authorId": int64(1), "title": "Engines", "published": true},
		{"id": int64(11), "authorId": int64(1), "title": "Notes", "published": false},
	}
	r := ada()
	lonely := ada()
	lonely["id"] = int64(2)

	published := filter.Equals("published", true)

	assert.True(t, f.match(t, filter.SomeOf("posts", published), r))
	assert.False(t, f.match(t, filter.EveryOf("posts", published), r))
	assert.False(t, f.match(t, filter.NoneOf("posts", published), r))

	assert.False(t, f.match(t, filter.SomeOf("posts", published), lonely))
	assert.True(t, f.match(t, filter.EveryOf("posts", published), lonely), "every is vacuously true")
	assert.True(t, f.match(t, filter.NoneOf("posts", published), lonely))
}

func TestCompileRejectsBadShapes(t *testing.T) {
	f := newFixture(t)

	cases := map[string]struct {
		expr filter.Expr
		kind errs.Kind
	}{
		"unknown field":      {filter.Equals("nickname", "x"), errs.KindUnknownField},
		"contains on int":    {&filter.Leaf{Field: "age", Op: filter.OpContains, Value: "3"}, errs.KindInvalidFilter},
		"lt on boolean":      {filter.Lt("active", true), errs.KindInvalidFilter},
		"wrong operand kind": {filter.Equals("age", "old"), errs.KindInvalidFilter},
		"null on required":   {filter.Equals("email", nil), errs.KindInvalidFilter},
		"in without list":    {&filter.Leaf{Field: "age", Op: filter.OpIn, Value: 3}, errs.KindInvalidFilter},
		"insensitive on int": {filter.Equals("age", 3).Insensitive(), errs.KindInvalidFilter},
		"unknown relation":   {filter.SomeOf("comments", nil), errs.KindUnknownField},
		"is on to-many":      {&filter.Relation{Name: "posts", Quantifier: filter.Is}, errs.KindInvalidFilter},
		"bad nested operand": {filter.SomeOf("posts", filter.Equals("published", "yes please")), errs.KindInvalidFilter},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := filter.Compile(f.registry, f.user, tc.expr)
			require.Error(t, err)
			assert.Equal(t, tc.kind, errs.KindOf(err))
		})
	}
}

func TestParse(t *testing.T) {
	f := newFixture(t)

	expr, err := filter.Parse(map[string]any{
		"email": map[string]any{"contains": "example", "mode": "insensitive"},
		"OR": []any{
			map[string]any{"age": map[string]any{"gte": 30.0}},
			map[string]any{"name": "Grace"},
		},
		"NOT": map[string]any{"active": false},
	})
	require.NoError(t, err)
	assert.True(t, f.match(t, expr, ada()))

	expr, err = filter.Parse(map[string]any{"name": map[string]any{"not": nil}})
	require.NoError(t, err)
	assert.False(t, f.match(t, expr, ada()))

	expr, err = filter.Parse(map[string]any{"posts": map[string]any{"none": map[string]any{"published": true}}})
	require.NoError(t, err)
	rel, ok := expr.(*filter.Relation)
	require.True(t, ok)
	assert.Equal(t, filter.None, rel.Quantifier)

	expr, err = filter.Parse(map[string]any{"_count": map[string]any{"_all": map[string]any{"gt": 5}}})
	require.NoError(t, err)
	assert.Equal(t, &filter.Leaf{Field: "_count._all", Op: filter.OpGt, Value: 5, Mode: filter.ModeDefault}, expr)

	expr, err = filter.Parse(nil)
	require.NoError(t, err)
	assert.Nil(t, expr)

	_, err = filter.Parse(map[string]any{"age": map[string]any{"gte": 1, "between": []any{1, 2}}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errs.ErrInvalidFilter))
}

func TestEqualityHints(t *testing.T) {
	expr := filter.And{
		filter.Equals("email", "a@x.com"),
		filter.Equals("name", nil),
		filter.Equals("role", "ADMIN").Insensitive(),
		filter.Or{filter.Equals("id", int64(1))},
	}
	assert.Equal(t, map[string]any{"email": "a@x.com"}, filter.EqualityHints(expr))
}
