// Package mongostore keeps each entity in a MongoDB collection. Transactions
// map onto multi-document session transactions, so the target deployment must
// be a replica set or a sharded cluster.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/store"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readconcern"
	"go.mongodb.org/mongo-driver/mongo/writeconcern"
)

const countersCollection = "_dbqe_counters"

type Store struct {
	client *mongo.Client
	db     *mongo.Database
	logger *logger.Logger
}

func New(client *mongo.Client, db *mongo.Database, logger *logger.Logger) *Store {
	return &Store{client: client, db: db, logger: logger}
}

// EnsureSchema creates one unique index per unique constraint. Nullable
// fields are left out of the index while unset, matching SQL semantics where
// nulls never collide.
func (s *Store) EnsureSchema(ctx context.Context, registry *schema.Registry) error {
	for _, def := range registry.Entities() {
		var models []mongo.IndexModel
		for _, set := range def.UniqueSets() {
			keys := bson.D{}
			partial := bson.M{}
			for _, name := range set {
				keys = append(keys, bson.E{Key: name, Value: 1})
				if f, _ := def.Field(name); f.Nullable {
					partial[name] = bson.M{"$exists": true}
				}
			}
			opts := options.Index().SetUnique(true).SetName(def.TableName() + "_" + strings.Join(set, "_") + "_key")
			if len(partial) > 0 {
				opts.SetPartialFilterExpression(partial)
			}
			models = append(models, mongo.IndexModel{Keys: keys, Options: opts})
		}
		if _, err := s.db.Collection(def.TableName()).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes for %s: %w", def.TableName(), err)
		}
		s.logger.Debugf("Ensured %d unique indexes on %s", len(models), def.TableName())
	}
	return nil
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

func (s *Store) Begin(ctx context.Context, opts store.TxOptions) (store.Tx, error) {
	waitCtx := ctx
	if opts.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.MaxWait)
		defer cancel()
	}

	session, err := s.client.StartSession()
	if err != nil {
		return nil, classify("", err)
	}

	concern := readconcern.Majority()
	if opts.Isolation == store.IsolationRepeatableRead || opts.Isolation == store.IsolationSerializable || opts.ReadOnly {
		concern = readconcern.Snapshot()
	}
	txOpts := options.Transaction().SetReadConcern(concern).SetWriteConcern(writeconcern.Majority())
	if err := session.StartTransaction(txOpts); err != nil {
		session.EndSession(waitCtx)
		return nil, classify("", err)
	}
	if waitCtx.Err() != nil && ctx.Err() == nil {
		_ = session.AbortTransaction(ctx)
		session.EndSession(ctx)
		return nil, errs.New(errs.KindTransactionTimeout, "", "could not start a session within %s", opts.MaxWait)
	}

	return &tx{
		store:   s,
		session: session,
		ctx:     mongo.NewSessionContext(ctx, session),
	}, nil
}

type tx struct {
	store   *Store
	session mongo.Session
	ctx     mongo.SessionContext
	done    bool
}

// sessionContext binds the caller's cancellation to the transaction session.
func (t *tx) sessionContext(ctx context.Context) mongo.SessionContext {
	return mongo.NewSessionContext(ctx, t.session)
}

func (t *tx) collection(def *schema.EntityDefinition) *mongo.Collection {
	return t.store.db.Collection(def.TableName())
}

func (t *tx) Scan(ctx context.Context, def *schema.EntityDefinition, opts store.ScanOptions) ([]schema.Record, error) {
	filter := bson.M{}
	for field, value := range opts.Equal {
		filter[field] = value
	}
	sort := bson.D{}
	for _, name := range def.PrimaryKey {
		sort = append(sort, bson.E{Key: name, Value: 1})
	}

	sctx := t.sessionContext(ctx)
	cursor, err := t.collection(def).Find(sctx, filter, options.Find().SetSort(sort))
	if err != nil {
		return nil, classify(def.Name, err)
	}
	defer cursor.Close(sctx)

	var out []schema.Record
	for cursor.Next(sctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, classify(def.Name, err)
		}
		record, err := fromDocument(def, doc)
		if err != nil {
			return nil, err
		}
		out = append(out, record)
	}
	if err := cursor.Err(); err != nil {
		return nil, classify(def.Name, err)
	}
	return out, nil
}

func (t *tx) Insert(ctx context.Context, def *schema.EntityDefinition, record schema.Record) (schema.Record, error) {
	sctx := t.sessionContext(ctx)
	stored := make(schema.Record, len(def.Fields))
	doc := bson.M{}

	for _, f := range def.Fields {
		v, ok := record[f.Name]
		autoinc := f.Default != nil && f.Default.Kind == schema.DefaultAutoincrement
		switch {
		case !ok && autoinc:
			next, err := t.nextSequence(sctx, def, f.Name)
			if err != nil {
				return nil, err
			}
			v = next
		case autoinc && v != nil:
			if err := t.raiseSequence(sctx, def, f.Name, v); err != nil {
				return nil, err
			}
		}
		stored[f.Name] = v
		if v != nil {
			doc[f.Name] = v
		}
	}

	if _, err := t.collection(def).InsertOne(sctx, doc); err != nil {
		return nil, classify(def.Name, err)
	}
	return stored, nil
}

func (t *tx) counterID(def *schema.EntityDefinition, field string) string {
	return def.TableName() + "." + field
}

func (t *tx) nextSequence(ctx mongo.SessionContext, def *schema.EntityDefinition, field string) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := t.store.db.Collection(countersCollection).FindOneAndUpdate(
		ctx,
		bson.M{"_id": t.counterID(def, field)},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, classify(def.Name, err)
	}
	return counter.Seq, nil
}

func (t *tx) raiseSequence(ctx mongo.SessionContext, def *schema.EntityDefinition, field string, value any) error {
	_, err := t.store.db.Collection(countersCollection).UpdateOne(
		ctx,
		bson.M{"_id": t.counterID(def, field)},
		bson.M{"$max": bson.M{"seq": value}},
		options.Update().SetUpsert(true),
	)
	return classify(def.Name, err)
}

func (t *tx) Update(ctx context.Context, def *schema.EntityDefinition, key schema.Record, changes schema.Record) (schema.Record, error) {
	sctx := t.sessionContext(ctx)
	set := bson.M{}
	unset := bson.M{}
	for field, value := range changes {
		if value == nil {
			unset[field] = ""
		} else {
			set[field] = value
		}
	}
	update := bson.M{}
	if len(set) > 0 {
		update["$set"] = set
	}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	filter := keyFilter(def, key)
	if len(update) > 0 {
		result, err := t.collection(def).UpdateOne(sctx, filter, update)
		if err != nil {
			return nil, classify(def.Name, err)
		}
		if result.MatchedCount == 0 {
			return nil, errs.New(errs.KindNotFound, def.Name, "no record with the given primary key")
		}
		// The primary key itself may have changed.
		for _, name := range def.PrimaryKey {
			if v, ok := changes[name]; ok {
				filter[name] = v
			}
		}
	}

	var doc bson.M
	if err := t.collection(def).FindOne(sctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errs.New(errs.KindNotFound, def.Name, "no record with the given primary key")
		}
		return nil, classify(def.Name, err)
	}
	return fromDocument(def, doc)
}

func (t *tx) Delete(ctx context.Context, def *schema.EntityDefinition, key schema.Record) error {
	result, err := t.collection(def).DeleteOne(t.sessionContext(ctx), keyFilter(def, key))
	if err != nil {
		return classify(def.Name, err)
	}
	if result.DeletedCount == 0 {
		return errs.New(errs.KindNotFound, def.Name, "no record with the given primary key")
	}
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	defer t.session.EndSession(context.Background())
	if err := t.session.CommitTransaction(t.ctx); err != nil {
		return classify("", err)
	}
	return nil
}

func (t *tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.session.EndSession(context.Background())
	if err := t.session.AbortTransaction(context.Background()); err != nil {
		return classify("", err)
	}
	return nil
}

func keyFilter(def *schema.EntityDefinition, key schema.Record) bson.M {
	filter := bson.M{}
	for _, name := range def.PrimaryKey {
		filter[name] = key[name]
	}
	return filter
}

func fromDocument(def *schema.EntityDefinition, doc bson.M) (schema.Record, error) {
	record := make(schema.Record, len(def.Fields))
	for _, f := range def.Fields {
		raw, ok := doc[f.Name]
		if !ok || raw == nil {
			record[f.Name] = nil
			continue
		}
		switch v := raw.(type) {
		case primitive.DateTime:
			raw = v.Time()
		case primitive.ObjectID:
			raw = v.Hex()
		}
		v, err := schema.Coerce(f.Kind, raw)
		if err != nil {
			return nil, errs.New(errs.KindStorageBackend, def.Name, "field %s: %v", f.Name, err).WithFields(f.Name)
		}
		record[f.Name] = v
	}
	return record, nil
}

func classify(entity string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	if mongo.IsDuplicateKeyError(err) {
		e := errs.New(errs.KindUniqueConstraintViolation, entity, "duplicate key")
		e.Err = err
		return e
	}
	var labeled mongo.LabeledError
	if errors.As(err, &labeled) && labeled.HasErrorLabel("TransientTransactionError") {
		return errs.Conflict(entity, err)
	}
	return errs.Storage(entity, err)
}
