// Package store defines the storage collaborator used by the query engine.
//
// A Store hands out transactions; every read and write of the engine goes
// through a Tx. Backends enforce primary-key and unique constraints
// themselves and report violations as *errs.Error values, so the engine can
// rely on them even when two transactions race past its own pre-checks.
package store

import (
	"context"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/schema"
)

type Isolation string

const (
	IsolationDefault         Isolation = ""
	IsolationReadUncommitted Isolation = "ReadUncommitted"
	IsolationReadCommitted   Isolation = "ReadCommitted"
	IsolationRepeatableRead  Isolation = "RepeatableRead"
	IsolationSerializable    Isolation = "Serializable"
)

func ParseIsolation(s string) (Isolation, bool) {
	switch Isolation(s) {
	case IsolationDefault, IsolationReadUncommitted, IsolationReadCommitted, IsolationRepeatableRead, IsolationSerializable:
		return Isolation(s), true
	}
	return "", false
}

type TxOptions struct {
	Isolation Isolation
	ReadOnly  bool
	// MaxWait bounds how long Begin may block acquiring the transaction.
	// Zero waits as long as ctx allows.
	MaxWait time.Duration
}

type ScanOptions struct {
	// Equal restricts the scan to records whose fields equal the given
	// canonical values. Callers still evaluate their full filter.
	Equal map[string]any
}

type Store interface {
	// Begin starts a transaction. ctx bounds the whole transaction: when it
	// is done the transaction can no longer commit.
	Begin(ctx context.Context, opts TxOptions) (Tx, error)
	// EnsureSchema creates whatever tables, collections and indexes the
	// registry needs. It is idempotent.
	EnsureSchema(ctx context.Context, registry *schema.Registry) error
	Close() error
}

type Tx interface {
	// Scan returns the records of an entity in a stable order: insertion
	// order where the backend tracks it, primary key order otherwise.
	Scan(ctx context.Context, def *schema.EntityDefinition, opts ScanOptions) ([]schema.Record, error)
	// Insert stores record and returns it with backend generated values,
	// such as autoincrement keys, filled in. Fields absent from record take
	// their storage default.
	Insert(ctx context.Context, def *schema.EntityDefinition, record schema.Record) (schema.Record, error)
	// Update applies changes to the record whose primary key equals key and
	// returns the stored result.
	Update(ctx context.Context, def *schema.EntityDefinition, key schema.Record, changes schema.Record) (schema.Record, error)
	// Delete removes the record whose primary key equals key.
	Delete(ctx context.Context, def *schema.EntityDefinition, key schema.Record) error
	Commit() error
	Rollback() error
}

// PrimaryKey projects record onto the primary key of def.
func PrimaryKey(def *schema.EntityDefinition, record schema.Record) schema.Record {
	return record.Pick(def.PrimaryKey)
}
