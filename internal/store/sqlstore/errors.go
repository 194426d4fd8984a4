package sqlstore

import (
	"context"
	"errors"

	"github.com/kadirbelkuyu/dbqe/internal/errs"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// classify maps driver errors onto the error taxonomy.
func classify(entity string, err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			e := errs.New(errs.KindUniqueConstraintViolation, entity, "%s", pqErr.Message)
			e.Err = err
			if pqErr.Constraint != "" {
				e.Message += " (" + pqErr.Constraint + ")"
			}
			return e
		case "23503":
			e := errs.New(errs.KindRelationViolation, entity, "%s", pqErr.Message)
			e.Err = err
			return e
		case "23502":
			e := errs.New(errs.KindMissingRequiredField, entity, "%s", pqErr.Message)
			e.Err = err
			if pqErr.Column != "" {
				e.WithFields(pqErr.Column)
			}
			return e
		case "40001", "40P01":
			return errs.Conflict(entity, err)
		case "57014":
			return context.Canceled
		}
		return errs.Storage(entity, err)
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			e := errs.New(errs.KindUniqueConstraintViolation, entity, "%s", liteErr.Error())
			e.Err = err
			return e
		case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
			e := errs.New(errs.KindRelationViolation, entity, "%s", liteErr.Error())
			e.Err = err
			return e
		case sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			e := errs.New(errs.KindMissingRequiredField, entity, "%s", liteErr.Error())
			e.Err = err
			return e
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_BUSY_SNAPSHOT:
			return errs.Conflict(entity, err)
		}
		return errs.Storage(entity, err)
	}

	return errs.Storage(entity, err)
}
