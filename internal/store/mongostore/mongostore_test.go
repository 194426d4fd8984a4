package mongostore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/schema"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
)

var sessionDef = &schema.EntityDefinition{
	Name: "Session",
	Fields: []schema.FieldDefinition{
		{Name: "id", Kind: schema.KindString},
		{Name: "userId", Kind: schema.KindInt},
		{Name: "hits", Kind: schema.KindBigInt},
		{Name: "expiresAt", Kind: schema.KindDateTime},
		{Name: "note", Kind: schema.KindString, Nullable: true},
	},
	PrimaryKey: []string{"id"},
}

func TestFromDocumentConvertsDriverTypes(t *testing.T) {
	oid := primitive.NewObjectID()
	expires := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	record, err := fromDocument(sessionDef, bson.M{
		"_id":       oid,
		"id":        oid,
		"userId":    int32(7),
		"hits":      int64(1) << 40,
		"expiresAt": primitive.NewDateTimeFromTime(expires),
	})
	require.NoError(t, err)

	assert.Equal(t, oid.Hex(), record["id"])
	assert.Equal(t, int64(7), record["userId"])
	assert.Equal(t, int64(1)<<40, record["hits"])
	assert.True(t, expires.Equal(record["expiresAt"].(time.Time)))
	assert.Nil(t, record["note"])
	assert.NotContains(t, record, "_id")
}

func TestFromDocumentRejectsMismatchedValues(t *testing.T) {
	_, err := fromDocument(sessionDef, bson.M{"id": "s1", "userId": "seven"})
	require.ErrorIs(t, err, errs.ErrStorageBackend)

	var typed *errs.Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, []string{"userId"}, typed.Fields)
}

func TestKeyFilter(t *testing.T) {
	assert.Equal(t, bson.M{"id": "s1"}, keyFilter(sessionDef, schema.Record{"id": "s1", "userId": int64(7)}))

	compound := &schema.EntityDefinition{Name: "UserSession", PrimaryKey: []string{"userId", "sessionId"}}
	assert.Equal(t,
		bson.M{"userId": int64(7), "sessionId": "s1"},
		keyFilter(compound, schema.Record{"userId": int64(7), "sessionId": "s1", "extra": true}),
	)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("Session", nil))

	duplicate := mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000, Message: "E11000 duplicate key error"}}}
	err := classify("Session", duplicate)
	assert.ErrorIs(t, err, errs.ErrUniqueConstraintViolation)
	assert.ErrorAs(t, err, &mongo.WriteException{})

	transient := mongo.CommandError{Code: 112, Name: "WriteConflict", Labels: []string{"TransientTransactionError"}}
	err = classify("Session", fmt.Errorf("commit: %w", transient))
	var typed *errs.Error
	require.ErrorAs(t, err, &typed)
	assert.True(t, typed.Retryable())

	err = classify("Session", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, errs.ErrStorageBackend)

	err = classify("Session", errors.New("connection reset"))
	require.ErrorIs(t, err, errs.ErrStorageBackend)
	require.ErrorAs(t, err, &typed)
	assert.False(t, typed.Retryable())
}
