package transfer

import (
	"context"
	"fmt"
	"sync"

	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/metrics"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"
	"github.com/kadirbelkuyu/dbqe/pkg/progress"

	"github.com/panjf2000/ants/v2"
)

type Job interface {
	Execute(ctx context.Context) error
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) error

func (f JobFunc) Execute(ctx context.Context) error {
	return f(ctx)
}

// WorkerPool runs jobs on a bounded ants pool.
type WorkerPool struct {
	pool   *ants.Pool
	logger *logger.Logger
}

func NewWorkerPool(workers int, log *logger.Logger) (*WorkerPool, error) {
	if workers <= 0 {
		workers = 1
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
		log.Errorf("Transfer worker panic: %v", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}
	return &WorkerPool{pool: pool, logger: log}, nil
}

// Run executes jobs concurrently and waits for all of them. The first
// failure, a panic included, cancels the context handed to the remaining
// jobs and is returned.
func (wp *WorkerPool) Run(ctx context.Context, jobs ...Job) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg    sync.WaitGroup
		once  sync.Once
		first error
	)
	fail := func(err error) {
		once.Do(func() {
			first = err
			cancel()
		})
	}

	for _, job := range jobs {
		job := job
		wg.Add(1)
		err := wp.pool.Submit(func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					wp.logger.Errorf("Transfer worker panic: %v", r)
					fail(fmt.Errorf("transfer job panicked: %v", r))
				}
			}()
			if err := job.Execute(ctx); err != nil {
				fail(err)
			}
		})
		if err != nil {
			wg.Done()
			fail(fmt.Errorf("failed to submit job: %w", err))
			break
		}
	}

	wg.Wait()
	if first == nil && ctx.Err() != nil {
		// The parent context ended without any job reporting it.
		return ctx.Err()
	}
	return first
}

func (wp *WorkerPool) Release() {
	wp.pool.Release()
}

// DataTransferJob copies every record of one entity from Source to Target,
// one primary-key ordered page at a time. Records whose unique keys already
// exist on the target are skipped, so a job can be rerun after a failure.
type DataTransferJob struct {
	Entity      *schema.EntityDefinition
	Source      *engine.Delegate
	Target      *engine.Delegate
	BatchSize   int
	ProgressBar *progress.Bar
	Logger      *logger.Logger
	Metrics     *metrics.Metrics

	copied  int
	skipped int
}

func (dt *DataTransferJob) Execute(ctx context.Context) error {
	dt.Logger.Debugf("Starting entity transfer: %s", dt.Entity.Name)

	err := dt.Source.FindInBatches(ctx, nil, dt.BatchSize, func(batch []schema.Record) error {
		return dt.transferBatch(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("transfer of %s failed after %d records: %w", dt.Entity.Name, dt.copied, err)
	}

	dt.Logger.Entity(dt.Entity.Name).Infof("Entity transfer completed: %d copied, %d already present", dt.copied, dt.skipped)
	return nil
}

func (dt *DataTransferJob) transferBatch(ctx context.Context, batch []schema.Record) error {
	payload, err := dt.Target.CreateMany(ctx, engine.CreateManyArgs{Data: recordMaps(batch), SkipDuplicates: true})
	if err != nil {
		return err
	}

	dt.copied += payload.Count
	dt.skipped += len(batch) - payload.Count
	dt.ProgressBar.IncrementBy(int64(len(batch)))
	dt.Metrics.AddTransferred("transfer", dt.Entity.Name, payload.Count)
	return nil
}

func recordMaps(rows []schema.Record) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
