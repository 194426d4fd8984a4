// Package engine executes typed queries, mutations and aggregations against a
// store.Store, using a schema.Registry for validation and filter.Evaluator for
// row matching.
//
// Every delegate call runs inside a store transaction: reads in a read-only
// one, writes in a read-write one, so each call is all-or-nothing. Calls made
// through a Tx share the interactive transaction instead.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/metrics"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/store"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxWait = 2 * time.Second
	DefaultTimeout = 5 * time.Second

	DefaultBatchSize = 500
)

type Client struct {
	registry  *schema.Registry
	store     store.Store
	logger    *logger.Logger
	metrics   *metrics.Metrics
	txOptions TxOptions
	now       func() time.Time
	newID     func() string
}

type Option func(*Client)

func WithLogger(l *logger.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithTransactionDefaults sets the options used by Transaction and Batch
// when the caller leaves them zero.
func WithTransactionDefaults(opts TxOptions) Option {
	return func(c *Client) { c.txOptions = opts }
}

// WithClock replaces the source of now() defaults.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(registry *schema.Registry, st store.Store, opts ...Option) *Client {
	c := &Client{
		registry:  registry,
		store:     st,
		txOptions: TxOptions{MaxWait: DefaultMaxWait, Timeout: DefaultTimeout},
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.NewLogger(false)
	}
	return c
}

func (c *Client) Registry() *schema.Registry {
	return c.registry
}

func (c *Client) Store() store.Store {
	return c.store
}

// Model returns the delegate for an entity.
func (c *Client) Model(name string) (*Delegate, error) {
	def, err := c.registry.Entity(name)
	if err != nil {
		return nil, err
	}
	return &Delegate{client: c, def: def}, nil
}

// Delegate runs operations against a single entity.
type Delegate struct {
	client *Client
	def    *schema.EntityDefinition
	tx     *Tx
}

func (d *Delegate) Entity() *schema.EntityDefinition {
	return d.def
}

// run executes fn inside a session. Standalone delegates open and finish
// their own store transaction; delegates bound to a Tx reuse it.
func (d *Delegate) run(ctx context.Context, op string, write bool, fn func(s *session) error) error {
	start := time.Now()
	err := d.execute(ctx, op, write, fn)
	err = errs.Classify(op, d.def.Name, err)
	d.client.observe(d.def.Name, op, start, err)
	return err
}

func (d *Delegate) execute(ctx context.Context, op string, write bool, fn func(s *session) error) error {
	if d.tx != nil {
		if err := d.tx.active(ctx); err != nil {
			return err
		}
		return fn(d.tx.session)
	}

	stx, err := d.client.store.Begin(ctx, store.TxOptions{
		Isolation: d.client.txOptions.Isolation,
		ReadOnly:  !write,
		MaxWait:   d.client.txOptions.MaxWait,
	})
	if err != nil {
		return err
	}
	s := d.client.newSession(stx)
	defer func() {
		if r := recover(); r != nil {
			_ = stx.Rollback()
			panic(r)
		}
	}()
	if err := fn(s); err != nil {
		if rbErr := stx.Rollback(); rbErr != nil {
			d.client.logger.Warnf("Rollback after failed %s on %s: %v", op, d.def.Name, rbErr)
		}
		return err
	}
	return stx.Commit()
}

func (c *Client) observe(entity, op string, start time.Time, err error) {
	elapsed := time.Since(start)
	outcome := "ok"
	if err != nil {
		outcome = errs.KindOf(err).String()
	}
	c.metrics.ObserveOperation(entity, op, outcome, elapsed)

	entry := c.logger.WithFields(logrus.Fields{
		"entity":    entity,
		"operation": op,
		"duration":  elapsed,
	})
	if err != nil {
		var typed *errs.Error
		if errors.As(err, &typed) && typed.Kind == errs.KindStorageBackend {
			entry.WithError(err).Warn("Operation failed")
			return
		}
		entry.WithError(err).Debug("Operation rejected")
		return
	}
	entry.Debug("Operation completed")
}

func (c *Client) timestamp() time.Time {
	return c.now().UTC().Truncate(time.Microsecond)
}
