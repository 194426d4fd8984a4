// Package transfer copies records between two stores that share a schema,
// for example from a SQLite file into PostgreSQL.
package transfer

import (
	"context"
	"fmt"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/metrics"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"
	"github.com/kadirbelkuyu/dbqe/pkg/progress"
)

const DefaultWorkers = 4

type Options struct {
	SchemaOnly      bool
	DataOnly        bool
	ParallelWorkers int
	BatchSize       int
	// Entities limits the transfer to the named entities. Empty means all.
	Entities     []string
	ShowProgress bool
	Logger       *logger.Logger
	Metrics      *metrics.Metrics
}

type Service struct {
	source  *engine.Client
	target  *engine.Client
	options Options
}

// NewService prepares a transfer from source to target. Both clients must
// declare every transferred entity.
func NewService(source, target *engine.Client, options Options) (*Service, error) {
	if options.SchemaOnly && options.DataOnly {
		return nil, fmt.Errorf("schema-only and data-only are mutually exclusive")
	}
	if options.ParallelWorkers <= 0 {
		options.ParallelWorkers = DefaultWorkers
	}
	if options.BatchSize <= 0 {
		options.BatchSize = engine.DefaultBatchSize
	}
	if options.Logger == nil {
		options.Logger = logger.NewLogger(false)
	}

	s := &Service{source: source, target: target, options: options}
	for _, name := range options.Entities {
		if _, err := source.Registry().Entity(name); err != nil {
			return nil, err
		}
	}
	for _, def := range s.selected() {
		if _, err := target.Registry().Entity(def.Name); err != nil {
			return nil, fmt.Errorf("target schema: %w", err)
		}
	}
	return s, nil
}

func (s *Service) Execute(ctx context.Context) error {
	log := s.options.Logger
	log.Info("Starting transfer...")
	started := time.Now()

	if !s.options.DataOnly {
		if err := s.transferSchema(ctx); err != nil {
			return fmt.Errorf("schema transfer failed: %w", err)
		}
	}

	if !s.options.SchemaOnly {
		if err := s.transferData(ctx); err != nil {
			return fmt.Errorf("data transfer failed: %w", err)
		}
	}

	log.Infof("Transfer completed in %s.", time.Since(started).Round(time.Millisecond))
	return nil
}

func (s *Service) transferSchema(ctx context.Context) error {
	s.options.Logger.Info("Ensuring target schema...")
	return s.target.Store().EnsureSchema(ctx, s.target.Registry())
}

func (s *Service) transferData(ctx context.Context) error {
	s.options.Logger.Info("Transferring data...")

	levels := s.levels()
	total := int64(0)
	for _, level := range levels {
		for _, def := range level {
			d, err := s.source.Model(def.Name)
			if err != nil {
				return err
			}
			n, err := d.Count(ctx, engine.FindManyArgs{})
			if err != nil {
				return fmt.Errorf("failed to count %s: %w", def.Name, err)
			}
			total += int64(n)
		}
	}

	bar := progress.Optional(s.options.ShowProgress, total, "Data transfer")
	defer bar.Finish()

	pool, err := NewWorkerPool(s.options.ParallelWorkers, s.options.Logger)
	if err != nil {
		return err
	}
	defer pool.Release()

	// Parents must be complete before their children start, so levels run
	// one after another and only the entities within a level overlap.
	for _, level := range levels {
		jobs := make([]Job, 0, len(level))
		for _, def := range level {
			source, err := s.source.Model(def.Name)
			if err != nil {
				return err
			}
			target, err := s.target.Model(def.Name)
			if err != nil {
				return err
			}
			jobs = append(jobs, &DataTransferJob{
				Entity:      def,
				Source:      source,
				Target:      target,
				BatchSize:   s.options.BatchSize,
				ProgressBar: bar,
				Logger:      s.options.Logger,
				Metrics:     s.options.Metrics,
			})
		}
		if err := pool.Run(ctx, jobs...); err != nil {
			return err
		}
	}

	s.options.Logger.Infof("Data transfer completed: %d source records.", total)
	return nil
}

func (s *Service) selected() []*schema.EntityDefinition {
	var out []*schema.EntityDefinition
	for _, level := range s.levels() {
		out = append(out, level...)
	}
	return out
}

func (s *Service) levels() [][]*schema.EntityDefinition {
	return s.source.Registry().Levels(s.options.Entities...)
}
