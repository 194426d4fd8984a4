// Package protocol maps JSON requests onto engine delegate calls. It is the
// wire form used by the query command and the explorer:
//
//	{"model": "User", "operation": "findMany",
//	 "args": {"where": {"email": {"endsWith": "@example.com"}}, "take": 10}}
//
// A request with operation "$transaction" and args {"operations": [...]}
// runs its nested requests in one batch transaction.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/store"
)

const OpTransaction = "$transaction"

type Request struct {
	Model     string         `json:"model,omitempty"`
	Operation string         `json:"operation"`
	Args      map[string]any `json:"args,omitempty"`
}

type Response struct {
	Data  any        `json:"data"`
	Error *ErrorBody `json:"error,omitempty"`
}

type ErrorBody struct {
	Code      string   `json:"code,omitempty"`
	Kind      string   `json:"kind"`
	Entity    string   `json:"entity,omitempty"`
	Operation string   `json:"operation,omitempty"`
	Fields    []string `json:"fields,omitempty"`
	Message   string   `json:"message"`
}

// Operations lists every operation Execute understands, in documentation
// order.
var Operations = []string{
	"findUnique", "findUniqueOrThrow", "findFirst", "findFirstOrThrow", "findMany", "count",
	"create", "createMany", "createManyAndReturn",
	"update", "updateMany", "updateManyAndReturn", "upsert",
	"delete", "deleteMany",
	"aggregate", "groupBy",
	OpTransaction,
}

// Decode reads one request. Numbers are kept as json.Number so integer
// values survive unchanged.
func Decode(r io.Reader) (Request, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var req Request
	if err := dec.Decode(&req); err != nil {
		return req, errs.New(errs.KindInvalidData, "", "malformed request: %v", err)
	}
	return req, nil
}

// Respond executes req and wraps the outcome for the wire.
func Respond(ctx context.Context, client *engine.Client, req Request) Response {
	data, err := Execute(ctx, client, req)
	if err != nil {
		return Response{Error: ErrorFrom(err)}
	}
	return Response{Data: data}
}

func ErrorFrom(err error) *ErrorBody {
	var e *errs.Error
	if errors.As(err, &e) {
		return &ErrorBody{
			Code:      e.Code(),
			Kind:      e.Kind.String(),
			Entity:    e.Entity,
			Operation: e.Operation,
			Fields:    e.Fields,
			Message:   e.Error(),
		}
	}
	return &ErrorBody{Kind: errs.KindUnknown.String(), Message: err.Error()}
}

// Execute runs one request against client.
func Execute(ctx context.Context, client *engine.Client, req Request) (any, error) {
	if req.Operation == OpTransaction {
		return executeBatch(ctx, client, req)
	}
	d, err := client.Model(req.Model)
	if err != nil {
		return nil, err
	}
	return dispatch(ctx, d, req)
}

func executeBatch(ctx context.Context, client *engine.Client, req Request) (any, error) {
	a := &args{raw: req.Args}
	a.check("operations", "isolationLevel", "maxWait", "timeout")
	items := a.objects("operations")
	opts := engine.TxOptions{}
	if iso, ok := a.raw["isolationLevel"].(string); ok {
		level, valid := store.ParseIsolation(iso)
		if !valid {
			a.fail("isolationLevel", "unknown level %q", iso)
		}
		opts.Isolation = level
	}
	if ms, ok := a.integer("maxWait"); ok {
		opts.MaxWait = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := a.integer("timeout"); ok {
		opts.Timeout = time.Duration(ms) * time.Millisecond
	}
	if a.err != nil {
		return nil, errs.New(errs.KindInvalidData, "", "%v", a.err).WithOperation(OpTransaction)
	}

	ops := make([]engine.Operation, 0, len(items))
	for i, item := range items {
		sub, err := requestFrom(item)
		if err != nil {
			return nil, errs.New(errs.KindInvalidData, "", "operations[%d]: %v", i, err).WithOperation(OpTransaction)
		}
		if sub.Operation == OpTransaction {
			return nil, errs.New(errs.KindInvalidData, "", "operations[%d]: transactions do not nest", i).WithOperation(OpTransaction)
		}
		ops = append(ops, func(ctx context.Context, tx *engine.Tx) (any, error) {
			d, err := tx.Model(sub.Model)
			if err != nil {
				return nil, err
			}
			return dispatch(ctx, d, sub)
		})
	}
	return client.Batch(ctx, opts, ops...)
}

func requestFrom(m map[string]any) (Request, error) {
	var req Request
	model, _ := m["model"].(string)
	op, ok := m["operation"].(string)
	if !ok {
		return req, fmt.Errorf("operation is required")
	}
	req.Model, req.Operation = model, op
	if raw, present := m["args"]; present && raw != nil {
		argMap, ok := raw.(map[string]any)
		if !ok {
			return req, fmt.Errorf("args must be an object")
		}
		req.Args = argMap
	}
	return req, nil
}

func dispatch(ctx context.Context, d *engine.Delegate, req Request) (any, error) {
	a := &args{raw: req.Args}
	invalid := func() error {
		var typed *errs.Error
		if errors.As(a.err, &typed) {
			if typed.Entity == "" {
				typed.Entity = d.Entity().Name
			}
			return typed.WithOperation(req.Operation)
		}
		return errs.New(errs.KindInvalidData, d.Entity().Name, "%v", a.err).WithOperation(req.Operation)
	}

	switch req.Operation {
	case "findUnique", "findUniqueOrThrow":
		a.check("where", "select", "include")
		fu := engine.FindUniqueArgs{Where: a.unique("where"), Select: a.selection(), Include: a.include()}
		if a.err != nil {
			return nil, invalid()
		}
		if req.Operation == "findUniqueOrThrow" {
			return nullable(d.FindUniqueOrThrow(ctx, fu))
		}
		return nullable(d.FindUnique(ctx, fu))

	case "findFirst", "findFirstOrThrow", "findMany", "count":
		a.check("where", "orderBy", "cursor", "take", "skip", "distinct", "select", "include")
		fm := a.findMany()
		if a.err != nil {
			return nil, invalid()
		}
		switch req.Operation {
		case "findFirst":
			return nullable(d.FindFirst(ctx, fm))
		case "findFirstOrThrow":
			return nullable(d.FindFirstOrThrow(ctx, fm))
		case "count":
			return d.Count(ctx, fm)
		}
		rows, err := d.FindMany(ctx, fm)
		if err != nil {
			return nil, err
		}
		return nonNil(rows), nil

	case "create":
		a.check("data", "select", "include")
		ca := engine.CreateArgs{Data: a.object("data"), Select: a.selection(), Include: a.include()}
		if a.err != nil {
			return nil, invalid()
		}
		return d.Create(ctx, ca)

	case "createMany", "createManyAndReturn":
		a.check("data", "skipDuplicates")
		cm := engine.CreateManyArgs{Data: a.objects("data"), SkipDuplicates: a.boolean("skipDuplicates")}
		if a.err != nil {
			return nil, invalid()
		}
		if req.Operation == "createMany" {
			return d.CreateMany(ctx, cm)
		}
		rows, err := d.CreateManyAndReturn(ctx, cm)
		if err != nil {
			return nil, err
		}
		return nonNil(rows), nil

	case "update":
		a.check("where", "data", "select", "include")
		ua := engine.UpdateArgs{Where: a.unique("where"), Data: a.object("data"), Select: a.selection(), Include: a.include()}
		if a.err != nil {
			return nil, invalid()
		}
		return d.Update(ctx, ua)

	case "updateMany", "updateManyAndReturn":
		a.check("where", "data")
		um := engine.UpdateManyArgs{Where: a.where("where"), Data: a.object("data")}
		if a.err != nil {
			return nil, invalid()
		}
		if req.Operation == "updateMany" {
			return d.UpdateMany(ctx, um)
		}
		rows, err := d.UpdateManyAndReturn(ctx, um)
		if err != nil {
			return nil, err
		}
		return nonNil(rows), nil

	case "upsert":
		a.check("where", "create", "update", "select", "include")
		ua := engine.UpsertArgs{
			Where:   a.unique("where"),
			Create:  a.object("create"),
			Update:  a.object("update"),
			Select:  a.selection(),
			Include: a.include(),
		}
		if a.err != nil {
			return nil, invalid()
		}
		return d.Upsert(ctx, ua)

	case "delete":
		a.check("where", "select", "include")
		da := engine.DeleteArgs{Where: a.unique("where"), Select: a.selection(), Include: a.include()}
		if a.err != nil {
			return nil, invalid()
		}
		return d.Delete(ctx, da)

	case "deleteMany":
		a.check("where")
		where := a.where("where")
		if a.err != nil {
			return nil, invalid()
		}
		return d.DeleteMany(ctx, where)

	case "aggregate":
		a.check("where", "orderBy", "cursor", "take", "skip", "_count", "_avg", "_sum", "_min", "_max")
		aa := engine.AggregateArgs{
			Where:        a.where("where"),
			OrderBy:      a.orderBy(),
			Cursor:       a.unique("cursor"),
			Take:         a.take(),
			Skip:         a.skip(),
			Aggregations: a.aggregations(),
		}
		if a.err != nil {
			return nil, invalid()
		}
		return d.Aggregate(ctx, aa)

	case "groupBy":
		a.check("by", "where", "having", "orderBy", "take", "skip", "_count", "_avg", "_sum", "_min", "_max")
		ga := engine.GroupByArgs{
			By:           a.names("by"),
			Where:        a.where("where"),
			Having:       a.where("having"),
			OrderBy:      a.orderBy(),
			Take:         a.take(),
			Skip:         a.skip(),
			Aggregations: a.aggregations(),
		}
		if a.err != nil {
			return nil, invalid()
		}
		groups, err := d.GroupBy(ctx, ga)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, len(groups))
		for i, g := range groups {
			out[i] = groupOutput(g)
		}
		return out, nil
	}

	return nil, errs.New(errs.KindInvalidData, d.Entity().Name, "unknown operation %q", req.Operation).WithOperation(req.Operation)
}

// groupOutput nests aggregates under their namespace next to the key fields:
// {"province": "X", "_count": {"_all": 3}}.
func groupOutput(g engine.Group) map[string]any {
	out := make(map[string]any, len(g.Key)+5)
	for k, v := range g.Key {
		out[k] = v
	}
	if g.Count != nil {
		out["_count"] = g.Count
	}
	for name, m := range map[string]map[string]any{"_avg": g.Avg, "_sum": g.Sum, "_min": g.Min, "_max": g.Max} {
		if m != nil {
			out[name] = m
		}
	}
	return out
}

// nullable turns a nil record into an untyped nil so it encodes as null.
func nullable(r schema.Record, err error) (any, error) {
	if err != nil || r == nil {
		return nil, err
	}
	return r, nil
}

func nonNil(rows []schema.Record) []schema.Record {
	if rows == nil {
		return []schema.Record{}
	}
	return rows
}
