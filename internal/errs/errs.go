// Package errs defines the error taxonomy shared by the registry, the storage
// backends and the query engine.
//
// Every failure surfaced to callers is an *Error carrying a Kind, the entity
// and operation involved and, where it applies, the offending fields. Callers
// test for a kind with errors.Is against the exported sentinels:
//
//	if errors.Is(err, errs.ErrNotFound) { ... }
package errs

import (
	"errors"
	"fmt"
	"strings"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindUnknownEntity
	KindDuplicateEntity
	KindUnknownField
	KindInvalidUniqueInput
	KindAmbiguousOrInvalidUniqueInput
	KindInvalidFilter
	KindInvalidData
	KindNotFound
	KindMissingRequiredField
	KindUniqueConstraintViolation
	KindRelationViolation
	KindInvalidAggregateField
	KindInvalidGroupBy
	KindTransactionTimeout
	KindStorageBackend
)

var kindNames = map[Kind]string{
	KindUnknown:                       "unknown error",
	KindUnknownEntity:                 "unknown entity",
	KindDuplicateEntity:               "duplicate entity",
	KindUnknownField:                  "unknown field",
	KindInvalidUniqueInput:            "invalid unique input",
	KindAmbiguousOrInvalidUniqueInput: "ambiguous or invalid unique input",
	KindInvalidFilter:                 "invalid filter",
	KindInvalidData:                   "invalid data",
	KindNotFound:                      "record not found",
	KindMissingRequiredField:          "missing required field",
	KindUniqueConstraintViolation:     "unique constraint violation",
	KindRelationViolation:             "relation violation",
	KindInvalidAggregateField:         "invalid aggregate field",
	KindInvalidGroupBy:                "invalid group by",
	KindTransactionTimeout:            "transaction timeout",
	KindStorageBackend:                "storage backend error",
}

// Codes follow the numbering used by Prisma's client engine so that callers
// migrating from a generated client keep their error handling.
var kindCodes = map[Kind]string{
	KindInvalidFilter:             "P2009",
	KindInvalidData:               "P2007",
	KindNotFound:                  "P2025",
	KindMissingRequiredField:      "P2012",
	KindUniqueConstraintViolation: "P2002",
	KindRelationViolation:         "P2014",
	KindTransactionTimeout:        "P2028",
	KindStorageBackend:            "P1000",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the single concrete error type of the engine.
type Error struct {
	Kind      Kind
	Entity    string
	Operation string
	Fields    []string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Operation != "" {
		fmt.Fprintf(&b, " in %s", e.Operation)
	}
	if e.Entity != "" {
		fmt.Fprintf(&b, " on %s", e.Entity)
	}
	if len(e.Fields) > 0 {
		fmt.Fprintf(&b, " (fields: %s)", strings.Join(e.Fields, ", "))
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work with
// errors.Is regardless of entity or field details.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Code returns the Prisma-compatible error code, empty when none applies.
func (e *Error) Code() string {
	return kindCodes[e.Kind]
}

// Retryable reports whether the failure is a transient storage condition
// such as a serialization conflict.
func (e *Error) Retryable() bool {
	var c *conflict
	return e.Kind == KindStorageBackend && errors.As(e.Err, &c)
}

var (
	ErrUnknownEntity                 = &Error{Kind: KindUnknownEntity}
	ErrDuplicateEntity               = &Error{Kind: KindDuplicateEntity}
	ErrUnknownField                  = &Error{Kind: KindUnknownField}
	ErrInvalidUniqueInput            = &Error{Kind: KindInvalidUniqueInput}
	ErrAmbiguousOrInvalidUniqueInput = &Error{Kind: KindAmbiguousOrInvalidUniqueInput}
	ErrInvalidFilter                 = &Error{Kind: KindInvalidFilter}
	ErrInvalidData                   = &Error{Kind: KindInvalidData}
	ErrNotFound                      = &Error{Kind: KindNotFound}
	ErrMissingRequiredField          = &Error{Kind: KindMissingRequiredField}
	ErrUniqueConstraintViolation     = &Error{Kind: KindUniqueConstraintViolation}
	ErrRelationViolation             = &Error{Kind: KindRelationViolation}
	ErrInvalidAggregateField         = &Error{Kind: KindInvalidAggregateField}
	ErrInvalidGroupBy                = &Error{Kind: KindInvalidGroupBy}
	ErrTransactionTimeout            = &Error{Kind: KindTransactionTimeout}
	ErrStorageBackend                = &Error{Kind: KindStorageBackend}
)

// New builds an error of the given kind for an entity.
func New(kind Kind, entity string, format string, args ...any) *Error {
	return &Error{
		Kind:    kind,
		Entity:  entity,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithFields attaches the offending field names.
func (e *Error) WithFields(fields ...string) *Error {
	e.Fields = append(e.Fields, fields...)
	return e
}

// WithOperation records the operation name unless one is already set.
func (e *Error) WithOperation(op string) *Error {
	if e.Operation == "" {
		e.Operation = op
	}
	return e
}

// Storage wraps a backend failure.
func Storage(entity string, err error) *Error {
	return &Error{Kind: KindStorageBackend, Entity: entity, Err: err}
}

type conflict struct {
	err error
}

func (c *conflict) Error() string { return "serialization conflict: " + c.err.Error() }
func (c *conflict) Unwrap() error { return c.err }

// Conflict wraps a backend serialization or deadlock failure. The result is a
// StorageBackend error whose Retryable method reports true.
func Conflict(entity string, err error) *Error {
	return &Error{Kind: KindStorageBackend, Entity: entity, Err: &conflict{err: err}}
}

// Classify re-classifies an arbitrary error into the taxonomy. Errors that
// already belong to it get the operation stamped on them; anything else
// becomes a StorageBackend error.
func Classify(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		e.WithOperation(op)
		if e.Entity == "" {
			e.Entity = entity
		}
		return e
	}
	return &Error{Kind: KindStorageBackend, Entity: entity, Operation: op, Err: err}
}

// KindOf returns the kind of err, KindUnknown when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
