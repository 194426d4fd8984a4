package engine_test

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/filter"
	"github.com/kadirbelkuyu/dbqe/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAppliesDefaults(t *testing.T) {
	c := newTestClient(t)
	u, err := model(t, c, "User").Create(context.Background(), engine.CreateArgs{
		Data: map[string]any{"email": "ada@example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, schema.Record{
		"id":        int64(1),
		"email":     "ada@example.com",
		"name":      nil,
		"role":      "user",
		"score":     nil,
		"createdAt": fixedNow,
	}, u)

	p, err := model(t, c, "Profile").Create(context.Background(), engine.CreateArgs{
		Data: map[string]any{"userId": 1},
	})
	require.NoError(t, err)
	assert.Len(t, p["id"], 36)
}

func TestCreateValidatesBeforeStorage(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	posts := model(t, c, "Post")

	_, err := posts.Create(ctx, engine.CreateArgs{Data: map[string]any{"views": 3}})
	require.ErrorIs(t, err, errs.ErrMissingRequiredField)
	var typed *errs.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, []string{"title"}, typed.Fields)
	assert.Equal(t, "P2012", typed.Code())

	_, err = posts.Create(ctx, engine.CreateArgs{Data: map[string]any{"title": nil}})
	assert.ErrorIs(t, err, errs.ErrMissingRequiredField)

	_, err = posts.Create(ctx, engine.CreateArgs{Data: map[string]any{"title": "x", "views": "many"}})
	assert.ErrorIs(t, err, errs.ErrInvalidData)

	_, err = posts.Create(ctx, engine.CreateArgs{Data: map[string]any{"title": "x", "colour": "red"}})
	assert.ErrorIs(t, err, errs.ErrUnknownField)

	_, err = posts.Create(ctx, engine.CreateArgs{Data: map[string]any{"title": "x", "authorId": 9}})
	assert.ErrorIs(t, err, errs.ErrRelationViolation)

	n, err := posts.Count(ctx, engine.FindManyArgs{})
	require.NoError(t, err)
	assert.Zero(t, n)
}

// A second user with the same email is rejected, the first stays reachable
// through its unique email, and non-unique lookups are refused.
func TestUserEmailScenario(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	users := model(t, c, "User")

	first, err := users.Create(ctx, engine.CreateArgs{Data: map[string]any{"email": "a@x.com", "name": "A"}})
	require.NoError(t, err)

	_, err = users.Create(ctx, engine.CreateArgs{Data: map[string]any{"email": "a@x.com", "name": "B"}})
	require.ErrorIs(t, err, errs.ErrUniqueConstraintViolation)
	var typed *errs.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "P2002", typed.Code())
	assert.Equal(t, []string{"email"}, typed.Fields)

	found, err := users.FindUniqueOrThrow(ctx, engine.FindUniqueArgs{Where: engine.WhereUnique{"email": "a@x.com"}})
	require.NoError(t, err)
	assert.Equal(t, first, found)

	_, err = users.FindUnique(ctx, engine.FindUniqueArgs{Where: engine.WhereUnique{"name": "A"}})
	assert.ErrorIs(t, err, errs.ErrInvalidUniqueInput)

	n, err := users.Count(ctx, engine.FindManyArgs{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNestedCreate(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	users := model(t, c, "User")

	u, err := users.Create(ctx, engine.CreateArgs{
		Data: map[string]any{
			"email": "nested@example.com",
			"posts": &engine.NestedWrite{Create: []map[string]any{{"title": "one"}, {"title": "two"}}},
			"profile": map[string]any{
				"create": map[string]any{"bio": "hi"},
			},
		},
		Include: map[string]*engine.FindManyArgs{"posts": nil, "profile": nil},
	})
	require.NoError(t, err)

	posts := u["posts"].([]schema.Record)
	require.Len(t, posts, 2)
	assert.Equal(t, u["id"], posts[0]["authorId"])
	assert.Equal(t, "hi", u["profile"].(schema.Record)["bio"])

	post, err := model(t, c, "Post").Create(ctx, engine.CreateArgs{Data: map[string]any{
		"title":  "connected",
		"author": engine.NestedWrite{Connect: []engine.WhereUnique{{"email": "nested@example.com"}}},
	}})
	require.NoError(t, err)
	assert.Equal(t, u["id"], post["authorId"])

	_, err = model(t, c, "Post").Create(ctx, engine.CreateArgs{Data: map[string]any{
		"title":  "dangling",
		"author": engine.NestedWrite{Connect: []engine.WhereUnique{{"email": "ghost@example.com"}}},
	}})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	// A failed nested write leaves nothing behind.
	_, err = users.Create(ctx, engine.CreateArgs{Data: map[string]any{
		"email": "partial@example.com",
		"posts": engine.NestedWrite{Create: []map[string]any{{"title": "ok"}, {"views": 1}}},
	}})
	require.ErrorIs(t, err, errs.ErrMissingRequiredField)
	missing, err := users.FindUnique(ctx, engine.FindUniqueArgs{Where: engine.WhereUnique{"email": "partial@example.com"}})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestNestedConnectChildren(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	posts := model(t, c, "Post")
	for _, title := range []string{"a", "b"} {
		_, err := posts.Create(ctx, engine.CreateArgs{Data: map[string]any{"title": title}})
		require.NoError(t, err)
	}

	u, err := model(t, c, "User").Create(ctx, engine.CreateArgs{Data: map[string]any{
		"email": "owner@example.com",
		"posts": engine.NestedWrite{Connect: []engine.WhereUnique{{"id": 1}, {"id": 2}}},
	}})
	require.NoError(t, err)

	owned, err := posts.Count(ctx, engine.FindManyArgs{Where: filter.Equals("authorId", u["id"])})
	require.NoError(t, err)
	assert.Equal(t, 2, owned)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	seedUsers(t, c, 2)
	posts := model(t, c, "Post")
	_, err := posts.Create(ctx, engine.CreateArgs{Data: map[string]any{"title": "p", "views": 10, "rating": 3.0}})
	require.NoError(t, err)

	p, err := posts.Update(ctx, engine.UpdateArgs{
		Where: engine.WhereUnique{"id": 1},
		Data: map[string]any{
			"views":  engine.Increment(5),
			"rating": map[string]any{"divide": 2},
			"title":  "renamed",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(15), p["views"])
	assert.Equal(t, 1.5, p["rating"])
	assert.Equal(t, "renamed", p["title"])

	p, err = posts.Update(ctx, engine.UpdateArgs{
		Where: engine.WhereUnique{"id": 1},
		Data:  map[string]any{"views": engine.Multiply(2), "rating": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(30), p["views"])
	assert.Nil(t, p["rating"])

	_, err = posts.Update(ctx, engine.UpdateArgs{Where: engine.WhereUnique{"id": 1}, Data: map[string]any{"views": engine.Divide(0)}})
	assert.ErrorIs(t, err, errs.ErrInvalidData)

	_, err = posts.Update(ctx, engine.UpdateArgs{Where: engine.WhereUnique{"id": 1}, Data: map[string]any{"title": engine.Increment(1)}})
	assert.ErrorIs(t, err, errs.ErrInvalidData)

	_, err = posts.Update(ctx, engine.UpdateArgs{Where: engine.WhereUnique{"id": 1}, Data: map[string]any{"title": nil}})
	assert.ErrorIs(t, err, errs.ErrMissingRequiredField)

	_, err = posts.Update(ctx, engine.UpdateArgs{Where: engine.WhereUnique{"id": 7}, Data: map[string]any{"title": "x"}})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	users := model(t, c, "User")
	_, err = users.Update(ctx, engine.UpdateArgs{
		Where: engine.WhereUnique{"id": 2},
		Data:  map[string]any{"email": "user01@example.com"},
	})
	assert.ErrorIs(t, err, errs.ErrUniqueConstraintViolation)

	// Re-setting a unique field to its own value is fine.
	_, err = users.Update(ctx, engine.UpdateArgs{
		Where: engine.WhereUnique{"id": 2},
		Data:  map[string]any{"email": "user02@example.com", "score": engine.Increment(1)},
	})
	require.NoError(t, err)
}

func TestUpdateMany(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	posts := model(t, c, "Post")
	for _, views := range []int{1, 5, 9} {
		_, err := posts.Create(ctx, engine.CreateArgs{Data: map[string]any{"title": "t", "views": views}})
		require.NoError(t, err)
	}

	res, err := posts.UpdateMany(ctx, engine.UpdateManyArgs{
		Where: filter.Gte("views", 5),
		Data:  map[string]any{"published": true, "views": engine.Decrement(1)},
	})
	require.NoError(t, err)
	assert.Equal(t, engine.BatchPayload{Count: 2}, res)

	none, err := posts.UpdateMany(ctx, engine.UpdateManyArgs{Where: filter.Gt("views", 100), Data: map[string]any{"title": "x"}})
	require.NoError(t, err)
	assert.Zero(t, none.Count)

	rows, err := posts.UpdateManyAndReturn(ctx, engine.UpdateManyArgs{
		Where: filter.Equals("published", true),
		Data:  map[string]any{"title": "hot"},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3}, ids(rows))
	assert.Equal(t, int64(8), rows[1]["views"])
}

func TestCreateManySkipDuplicates(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	flu := model(t, c, "D01Influenza")

	_, err := flu.Create(ctx, engine.CreateArgs{Data: map[string]any{"province": "Chiang Mai", "year": 2024, "week": 1}})
	require.NoError(t, err)

	rows := []map[string]any{
		{"province": "Chiang Mai", "year": 2024, "week": 1, "cases": 4},
		{"province": "Chiang Mai", "year": 2024, "week": 2, "cases": 7},
		{"province": "Chiang Mai", "year": 2024, "week": 2, "cases": 8},
		{"province": "Phuket", "year": 2024, "week": 1},
	}

	_, err = flu.CreateMany(ctx, engine.CreateManyArgs{Data: rows})
	require.ErrorIs(t, err, errs.ErrUniqueConstraintViolation)
	n, err := flu.Count(ctx, engine.FindManyArgs{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	res, err := flu.CreateMany(ctx, engine.CreateManyArgs{Data: rows, SkipDuplicates: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	created, err := flu.CreateManyAndReturn(ctx, engine.CreateManyArgs{
		Data:           []map[string]any{{"province": "Phuket", "year": 2024, "week": 2}},
		SkipDuplicates: true,
	})
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, int64(0), created[0]["cases"])

	_, err = flu.CreateMany(ctx, engine.CreateManyArgs{Data: []map[string]any{{"province": "X", "year": 1}}})
	assert.ErrorIs(t, err, errs.ErrMissingRequiredField)
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	users := model(t, c, "User")

	args := engine.UpsertArgs{
		Where:  engine.WhereUnique{"email": "up@example.com"},
		Create: map[string]any{"email": "up@example.com", "score": 0},
		Update: map[string]any{"score": engine.Increment(1)},
	}
	created, err := users.Upsert(ctx, args)
	require.NoError(t, err)
	assert.Equal(t, int64(0), created["score"])

	updated, err := users.Upsert(ctx, args)
	require.NoError(t, err)
	assert.Equal(t, created["id"], updated["id"])
	assert.Equal(t, int64(1), updated["score"])
}

func TestConcurrentUpsertsCreateOnce(t *testing.T) {
	upsertConcurrently(t, newTestClient(t), 20)
}

// upsertConcurrently runs workers concurrent upserts of one email and checks that
// exactly one record was created and every other call updated it.
func upsertConcurrently(t *testing.T, c *engine.Client, workers int) {
	t.Helper()
	ctx := context.Background()
	users := model(t, c, "User")

	var wg sync.WaitGroup
	errCh := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := users.Upsert(ctx, engine.UpsertArgs{
				Where:  engine.WhereUnique{"email": "race@example.com"},
				Create: map[string]any{"email": "race@example.com", "score": 0},
				Update: map[string]any{"score": engine.Increment(1)},
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}

	rows, err := users.FindMany(ctx, engine.FindManyArgs{Where: filter.Equals("email", "race@example.com")})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(workers-1), rows[0]["score"])
}

func TestDeleteAppliesReferentialActions(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	users := model(t, c, "User")
	posts := model(t, c, "Post")
	comments := model(t, c, "Comment")

	_, err := users.Create(ctx, engine.CreateArgs{Data: map[string]any{
		"email": "author@example.com",
		"posts": engine.NestedWrite{Create: []map[string]any{
			{"title": "p1", "comments": engine.NestedWrite{Create: []map[string]any{{"body": "c1"}, {"body": "c2"}}}},
		}},
		"profile": engine.NestedWrite{Create: []map[string]any{{"bio": "b"}}},
	}})
	require.NoError(t, err)

	// Profile.user is a required foreign key without an explicit rule: Restrict.
	_, err = users.Delete(ctx, engine.DeleteArgs{Where: engine.WhereUnique{"email": "author@example.com"}})
	require.ErrorIs(t, err, errs.ErrRelationViolation)
	var typed *errs.Error
	require.True(t, errors.As(err, &typed))
	assert.Equal(t, "P2014", typed.Code())

	_, err = model(t, c, "Profile").Delete(ctx, engine.DeleteArgs{Where: engine.WhereUnique{"userId": 1}})
	require.NoError(t, err)

	deleted, err := users.Delete(ctx, engine.DeleteArgs{
		Where:   engine.WhereUnique{"email": "author@example.com"},
		Include: map[string]*engine.FindManyArgs{"posts": nil},
	})
	require.NoError(t, err)
	assert.Len(t, deleted["posts"], 1)

	// Post.author is nullable, so it is set to null.
	p, err := posts.FindUniqueOrThrow(ctx, engine.FindUniqueArgs{Where: engine.WhereUnique{"id": 1}})
	require.NoError(t, err)
	assert.Nil(t, p["authorId"])

	// Comment.post cascades.
	_, err = posts.Delete(ctx, engine.DeleteArgs{Where: engine.WhereUnique{"id": 1}})
	require.NoError(t, err)
	n, err := comments.Count(ctx, engine.FindManyArgs{})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = posts.Delete(ctx, engine.DeleteArgs{Where: engine.WhereUnique{"id": 1}})
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteMany(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	posts := model(t, c, "Post")
	for _, title := range []string{"keep", "drop", "drop"} {
		_, err := posts.Create(ctx, engine.CreateArgs{Data: map[string]any{
			"title":    title,
			"comments": engine.NestedWrite{Create: []map[string]any{{"body": title}}},
		}})
		require.NoError(t, err)
	}

	res, err := posts.DeleteMany(ctx, filter.Equals("title", "drop"))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)

	left, err := model(t, c, "Comment").FindMany(ctx, engine.FindManyArgs{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "keep", left[0]["body"])

	res, err = posts.DeleteMany(ctx, filter.Equals("title", "missing"))
	require.NoError(t, err)
	assert.Zero(t, res.Count)
}

func TestArithmeticUpdateRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	users := model(t, c, "User")

	_, err := users.Create(ctx, engine.CreateArgs{Data: map[string]any{"email": "big@example.com", "score": int64(math.MaxInt64 - 1)}})
	require.NoError(t, err)
	where := engine.WhereUnique{"email": "big@example.com"}

	for _, op := range []engine.UpdateOp{engine.Increment(2), engine.Multiply(2), engine.Decrement(-5)} {
		_, err = users.Update(ctx, engine.UpdateArgs{Where: where, Data: map[string]any{"score": op}})
		require.ErrorIs(t, err, errs.ErrInvalidData, op.Kind)
		var typed *errs.Error
		require.ErrorAs(t, err, &typed)
		assert.Equal(t, []string{"score"}, typed.Fields)
	}

	row, err := users.Update(ctx, engine.UpdateArgs{Where: where, Data: map[string]any{"score": engine.Increment(1)}})
	require.NoError(t, err)
	assert.Equal(t, int64(math.MaxInt64), row["score"])

	row, err = users.Update(ctx, engine.UpdateArgs{Where: where, Data: map[string]any{"score": engine.Multiply(-1)}})
	require.NoError(t, err)
	assert.Equal(t, int64(-math.MaxInt64), row["score"])
}

func TestUpdateWithoutDataReturnsRecordUnchanged(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)
	seeded := seedUsers(t, c, 1)[0]

	row, err := model(t, c, "User").Update(ctx, engine.UpdateArgs{
		Where: engine.WhereUnique{"id": seeded["id"]},
		Data:  map[string]any{},
	})
	require.NoError(t, err)
	assert.Equal(t, seeded["email"], row["email"])
	assert.Equal(t, seeded["role"], row["role"])
}
