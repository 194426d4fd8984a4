package engine

import (
	"context"
	"errors"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/store"

	"github.com/sirupsen/logrus"
)

type TxOptions struct {
	Isolation store.Isolation
	// MaxWait bounds how long acquiring the transaction may take.
	MaxWait time.Duration
	// Timeout bounds the body of the transaction, commit included.
	Timeout time.Duration
}

// Tx is an interactive transaction. Delegates obtained from it share its
// store transaction; they must not be used after the transaction function
// returns.
type Tx struct {
	client   *Client
	session  *session
	ctx      context.Context
	finished bool
}

func (tx *Tx) Model(name string) (*Delegate, error) {
	def, err := tx.client.registry.Entity(name)
	if err != nil {
		return nil, err
	}
	return &Delegate{client: tx.client, def: def, tx: tx}, nil
}

func (tx *Tx) active(ctx context.Context) error {
	if tx.finished {
		return errs.New(errs.KindTransactionTimeout, "", "transaction already closed")
	}
	if err := tx.ctx.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (c *Client) withDefaults(opts TxOptions) TxOptions {
	if opts.Isolation == store.IsolationDefault {
		opts.Isolation = c.txOptions.Isolation
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = c.txOptions.MaxWait
	}
	if opts.Timeout <= 0 {
		opts.Timeout = c.txOptions.Timeout
	}
	return opts
}

// Transaction runs fn inside one store transaction. fn's error rolls
// everything back and is returned as is; a panic in fn rolls back before
// it propagates. Failing to start within MaxWait
// or running past Timeout yields a TransactionTimeout error.
func (c *Client) Transaction(ctx context.Context, opts TxOptions, fn func(ctx context.Context, tx *Tx) error) error {
	opts = c.withDefaults(opts)
	entry := c.logger.WithFields(logrus.Fields{"isolation": string(opts.Isolation), "timeout": opts.Timeout})

	bodyCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	stx, err := c.store.Begin(bodyCtx, store.TxOptions{Isolation: opts.Isolation, MaxWait: opts.MaxWait})
	if err != nil {
		if timedOut(ctx, bodyCtx, err) {
			err = errs.New(errs.KindTransactionTimeout, "", "transaction did not start within %s", opts.MaxWait)
		}
		c.metrics.ObserveTransaction("failed")
		entry.WithError(err).Debug("Transaction not started")
		return errs.Classify("transaction", "", err)
	}

	tx := &Tx{client: c, session: c.newSession(stx), ctx: bodyCtx}
	defer func() {
		if r := recover(); r != nil {
			tx.finished = true
			if rbErr := stx.Rollback(); rbErr != nil {
				entry.WithError(rbErr).Warn("Rollback after panic failed")
			}
			c.metrics.ObserveTransaction("rolled_back")
			panic(r)
		}
	}()
	err = fn(bodyCtx, tx)
	tx.finished = true

	if err == nil && bodyCtx.Err() != nil {
		err = bodyCtx.Err()
	}
	if err != nil {
		if rbErr := stx.Rollback(); rbErr != nil {
			entry.WithError(rbErr).Warn("Rollback failed")
		}
		if timedOut(ctx, bodyCtx, err) {
			err = errs.New(errs.KindTransactionTimeout, "", "transaction exceeded its %s timeout", opts.Timeout).WithOperation("transaction")
		}
		c.metrics.ObserveTransaction("rolled_back")
		entry.WithError(err).Debug("Transaction rolled back")
		// fn's own error is returned unchanged.
		return err
	}

	if err := stx.Commit(); err != nil {
		if timedOut(ctx, bodyCtx, err) {
			err = errs.New(errs.KindTransactionTimeout, "", "transaction exceeded its %s timeout", opts.Timeout)
		}
		c.metrics.ObserveTransaction("failed")
		entry.WithError(err).Warn("Commit failed")
		return errs.Classify("transaction", "", err)
	}
	c.metrics.ObserveTransaction("committed")
	entry.Debug("Transaction committed")
	return nil
}

// timedOut reports whether err stems from the transaction's own deadline
// rather than the caller's context.
func timedOut(parent, body context.Context, err error) bool {
	if errs.KindOf(err) == errs.KindTransactionTimeout {
		return true
	}
	if parent.Err() != nil {
		return false
	}
	return errors.Is(body.Err(), context.DeadlineExceeded) &&
		(errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errs.KindOf(err) == errs.KindStorageBackend)
}

// Operation is one step of a Batch.
type Operation func(ctx context.Context, tx *Tx) (any, error)

// Batch runs ops in order inside one transaction and returns their results.
// The first failure rolls back every earlier step.
func (c *Client) Batch(ctx context.Context, opts TxOptions, ops ...Operation) ([]any, error) {
	results := make([]any, 0, len(ops))
	err := c.Transaction(ctx, opts, func(ctx context.Context, tx *Tx) error {
		for _, op := range ops {
			result, err := op(ctx, tx)
			if err != nil {
				return err
			}
			results = append(results, result)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}
