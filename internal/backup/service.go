// Package backup writes the records of a store to a directory of NDJSON
// files, one per entity, and loads such a directory back through the
// engine. A manifest records the SHA-256 checksum of every file.
//
// Entities are exported page by page in separate read transactions, so a
// backup taken while writers are active is not a point-in-time snapshot.
package backup

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/errs"
	"github.com/kadirbelkuyu/dbqe/internal/metrics"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/transfer"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"
	"github.com/kadirbelkuyu/dbqe/pkg/progress"

	"github.com/sirupsen/logrus"
)

type Service struct {
	client  *engine.Client
	log     *logger.Logger
	metrics *metrics.Metrics
}

func NewService(client *engine.Client, log *logger.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = logger.NewLogger(false)
	}
	return &Service{client: client, log: log, metrics: m}
}

// ListEntities reports every declared entity with its current record count.
func (s *Service) ListEntities(ctx context.Context) ([]EntityInfo, error) {
	var out []EntityInfo
	for _, def := range s.client.Registry().Entities() {
		d, err := s.client.Model(def.Name)
		if err != nil {
			return nil, err
		}
		n, err := d.Count(ctx, engine.FindManyArgs{})
		if err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", def.Name, err)
		}
		out = append(out, EntityInfo{
			Name:      def.Name,
			Table:     def.TableName(),
			Records:   n,
			Relations: len(def.Relations),
		})
	}
	return out, nil
}

func (s *Service) CreateBackup(ctx context.Context, options BackupOptions) (*BackupMetadata, error) {
	started := time.Now()
	if options.OutputPath == "" {
		return nil, fmt.Errorf("output path is required")
	}
	if _, err := os.Stat(filepath.Join(options.OutputPath, ManifestFile)); err == nil {
		return nil, fmt.Errorf("%s already contains a backup", options.OutputPath)
	}
	if err := os.MkdirAll(options.OutputPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}

	entities, err := s.selectEntities(options.Entities)
	if err != nil {
		return nil, err
	}

	s.log.WithField("path", options.OutputPath).Infof("Starting backup of %d entities...", len(entities))

	schemaChecksum, err := s.writeSchema(options.OutputPath)
	if err != nil {
		return nil, err
	}

	total := int64(0)
	for _, def := range entities {
		d, err := s.client.Model(def.Name)
		if err != nil {
			return nil, err
		}
		n, err := d.Count(ctx, engine.FindManyArgs{})
		if err != nil {
			return nil, err
		}
		total += int64(n)
	}
	bar := progress.Optional(options.ShowProgress, total, "Backup")
	defer bar.Finish()

	pool, err := transfer.NewWorkerPool(options.Workers, s.log)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	dumps := make([]EntityDump, len(entities))
	jobs := make([]transfer.Job, len(entities))
	for i, def := range entities {
		i, def := i, def
		jobs[i] = transfer.JobFunc(func(ctx context.Context) error {
			dump, err := s.exportEntity(ctx, options.OutputPath, def, options.BatchSize, bar)
			if err != nil {
				return err
			}
			dumps[i] = dump
			return nil
		})
	}
	if err := pool.Run(ctx, jobs...); err != nil {
		return nil, fmt.Errorf("backup failed: %w", err)
	}

	manifest := &Manifest{
		Version:        formatVersion,
		CreatedAt:      started.UTC(),
		Schema:         SchemaFile,
		SchemaChecksum: schemaChecksum,
		Entities:       dumps,
	}
	manifestPath := filepath.Join(options.OutputPath, ManifestFile)
	if err := writeManifest(manifestPath, manifest); err != nil {
		return nil, err
	}

	meta, err := buildBackupMetadata(manifestPath, manifest, started)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"records": meta.Records,
		"bytes":   meta.BackupSize,
	}).Infof("Backup completed in %s", meta.CompletedAt.Sub(started).Round(time.Millisecond))
	return meta, nil
}

func (s *Service) writeSchema(dir string) (string, error) {
	data, err := schema.Marshal(s.client.Registry())
	if err != nil {
		return "", fmt.Errorf("failed to encode schema: %w", err)
	}
	path := filepath.Join(dir, SchemaFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write schema: %w", err)
	}
	return fileChecksum(path)
}

func (s *Service) exportEntity(ctx context.Context, dir string, def *schema.EntityDefinition, batchSize int, bar *progress.Bar) (EntityDump, error) {
	dump := EntityDump{Entity: def.Name, File: def.Name + ".ndjson"}
	d, err := s.client.Model(def.Name)
	if err != nil {
		return dump, err
	}

	path := filepath.Join(dir, dump.File)
	file, err := os.Create(path)
	if err != nil {
		return dump, fmt.Errorf("failed to create %s: %w", dump.File, err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	enc := json.NewEncoder(w)
	err = d.FindInBatches(ctx, nil, batchSize, func(batch []schema.Record) error {
		for _, r := range batch {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("failed to encode %s record: %w", def.Name, err)
			}
		}
		dump.Records += int64(len(batch))
		bar.IncrementBy(int64(len(batch)))
		s.metrics.AddTransferred("export", def.Name, len(batch))
		return nil
	})
	if err != nil {
		return dump, err
	}
	if err := w.Flush(); err != nil {
		return dump, fmt.Errorf("failed to write %s: %w", dump.File, err)
	}
	if err := file.Close(); err != nil {
		return dump, fmt.Errorf("failed to close %s: %w", dump.File, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return dump, err
	}
	dump.Size = info.Size()
	if dump.Checksum, err = fileChecksum(path); err != nil {
		return dump, err
	}
	s.log.Entity(def.Name).Debugf("Exported %d records", dump.Records)
	return dump, nil
}

// RestoreBackup loads a backup into the client's store. Entities load in
// dependency order; entities of one dependency level load in parallel.
func (s *Service) RestoreBackup(ctx context.Context, options RestoreOptions) (*RestoreResult, error) {
	manifest, err := ReadManifest(options.BackupPath)
	if err != nil {
		return nil, err
	}

	if !options.SkipVerify {
		if err := verifyChecksum(options.BackupPath, manifest.Schema, manifest.SchemaChecksum); err != nil {
			return nil, err
		}
		for _, dump := range manifest.Entities {
			if err := verifyChecksum(options.BackupPath, dump.File, dump.Checksum); err != nil {
				return nil, err
			}
		}
		s.log.Debug("Backup checksums verified")
	}

	dumps := make(map[string]EntityDump, len(manifest.Entities))
	for _, dump := range manifest.Entities {
		dumps[dump.Entity] = dump
	}
	selected := options.Entities
	if len(selected) == 0 {
		for name := range dumps {
			selected = append(selected, name)
		}
		sort.Strings(selected)
	}
	for _, name := range selected {
		if _, ok := dumps[name]; !ok {
			return nil, fmt.Errorf("backup does not contain entity %s", name)
		}
		if _, err := s.client.Registry().Entity(name); err != nil {
			return nil, err
		}
	}
	if len(selected) == 0 {
		return &RestoreResult{Restored: map[string]int{}, Skipped: map[string]int{}}, nil
	}
	levels := s.client.Registry().Levels(selected...)

	if options.CleanFirst {
		if err := s.clean(ctx, levels); err != nil {
			return nil, err
		}
	}

	total := int64(0)
	for _, name := range selected {
		total += dumps[name].Records
	}
	bar := progress.Optional(options.ShowProgress, total, "Restore")
	defer bar.Finish()

	pool, err := transfer.NewWorkerPool(options.Workers, s.log)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	result := &RestoreResult{Restored: map[string]int{}, Skipped: map[string]int{}}
	var mu sync.Mutex
	for _, level := range levels {
		jobs := make([]transfer.Job, 0, len(level))
		for _, def := range level {
			def := def
			jobs = append(jobs, transfer.JobFunc(func(ctx context.Context) error {
				restored, skipped, err := s.importEntity(ctx, options, dumps[def.Name], def, bar)
				mu.Lock()
				result.Restored[def.Name] = restored
				result.Skipped[def.Name] = skipped
				mu.Unlock()
				return err
			}))
		}
		if err := pool.Run(ctx, jobs...); err != nil {
			return result, fmt.Errorf("restore failed: %w", err)
		}
	}

	s.log.WithField("path", options.BackupPath).Info("Restore completed")
	return result, nil
}

// clean empties the restored entities, children before parents.
func (s *Service) clean(ctx context.Context, levels [][]*schema.EntityDefinition) error {
	for i := len(levels) - 1; i >= 0; i-- {
		for _, def := range levels[i] {
			d, err := s.client.Model(def.Name)
			if err != nil {
				return err
			}
			payload, err := d.DeleteMany(ctx, nil)
			if err != nil {
				return fmt.Errorf("failed to clean %s: %w", def.Name, err)
			}
			s.log.Entity(def.Name).Debugf("Removed %d existing records", payload.Count)
		}
	}
	return nil
}

func (s *Service) importEntity(ctx context.Context, options RestoreOptions, dump EntityDump, def *schema.EntityDefinition, bar *progress.Bar) (int, int, error) {
	d, err := s.client.Model(def.Name)
	if err != nil {
		return 0, 0, err
	}
	file, err := os.Open(filepath.Join(options.BackupPath, dump.File))
	if err != nil {
		return 0, 0, fmt.Errorf("failed to open %s: %w", dump.File, err)
	}
	defer file.Close()

	batchSize := options.BatchSize
	if batchSize <= 0 {
		batchSize = engine.DefaultBatchSize
	}

	var restored, skipped, line int
	batch := make([]map[string]any, 0, batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		payload, err := d.CreateMany(ctx, engine.CreateManyArgs{Data: batch, SkipDuplicates: options.SkipDuplicates})
		if err != nil {
			return fmt.Errorf("%s records %d-%d: %w", def.Name, line-len(batch)+1, line, err)
		}
		restored += payload.Count
		skipped += len(batch) - payload.Count
		bar.IncrementBy(int64(len(batch)))
		s.metrics.AddTransferred("import", def.Name, payload.Count)
		batch = batch[:0]
		return nil
	}

	dec := json.NewDecoder(bufio.NewReader(file))
	dec.UseNumber()
	for {
		var record map[string]any
		if err := dec.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return restored, skipped, errs.New(errs.KindInvalidData, def.Name, "%s record %d: %v", dump.File, line+1, err)
		}
		line++
		batch = append(batch, record)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return restored, skipped, err
			}
		}
	}
	if err := flush(); err != nil {
		return restored, skipped, err
	}

	s.log.WithFields(logrus.Fields{"entity": def.Name, "restored": restored, "skipped": skipped}).Info("Entity restored")
	return restored, skipped, nil
}

func (s *Service) selectEntities(names []string) ([]*schema.EntityDefinition, error) {
	if len(names) == 0 {
		return s.client.Registry().TopologicalOrder(), nil
	}
	out := make([]*schema.EntityDefinition, 0, len(names))
	for _, name := range names {
		def, err := s.client.Registry().Entity(name)
		if err != nil {
			return nil, err
		}
		out = append(out, def)
	}
	return out, nil
}
