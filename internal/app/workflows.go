package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/backup"
	"github.com/kadirbelkuyu/dbqe/internal/config"
	"github.com/kadirbelkuyu/dbqe/internal/database"
	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/metrics"
	"github.com/kadirbelkuyu/dbqe/internal/protocol"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/transfer"
	"github.com/kadirbelkuyu/dbqe/internal/ui/explorer"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"
)

const defaultBackupDir = "backups"

// Service runs the command-line workflows. Each call connects, does its work
// and closes the store again.
type Service struct {
	metrics *metrics.Metrics
	out     io.Writer
}

func NewService(m *metrics.Metrics, out io.Writer) *Service {
	return &Service{metrics: m, out: out}
}

func (s *Service) connect(ctx context.Context, cfg *config.Config, log *logger.Logger) (*engine.Client, func(), error) {
	client, err := Connect(ctx, cfg, log, s.metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", cfg.Label(), err)
	}
	return client, func() {
		if err := client.Store().Close(); err != nil {
			log.WithError(err).Warn("failed to close store")
		}
	}, nil
}

// Migrate creates the tables, collections and indexes the schema needs.
func (s *Service) Migrate(ctx context.Context, cfg *config.Config, verboseFlag bool) error {
	log := logger.NewLogger(verboseFlag)
	log.Infof("Applying schema %s to %s...", cfg.SchemaPath, cfg.Label())

	client, closeStore, err := s.connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	for _, level := range client.Registry().Levels() {
		names := make([]string, len(level))
		for i, def := range level {
			names[i] = def.Name
		}
		log.Debugf("Ready: %s", strings.Join(names, ", "))
	}
	log.Infof("Schema applied: %d entities", len(client.Registry().Entities()))
	return nil
}

// Introspect reads an existing PostgreSQL schema and writes it out in the
// schema file format.
func (s *Service) Introspect(ctx context.Context, cfg *config.Config, schemaName string, verboseFlag bool) error {
	if cfg.Database.Type != "postgres" {
		return fmt.Errorf("introspection supports postgres only, got %s", cfg.Database.Type)
	}
	log := logger.NewLogger(verboseFlag)

	conn, err := database.NewConnection(cfg)
	if err != nil {
		return err
	}
	defer conn.Close()

	registry, err := schema.NewExtractor(conn, log).Extract(ctx, schemaName)
	if err != nil {
		return fmt.Errorf("introspection failed: %w", err)
	}
	data, err := schema.Marshal(registry)
	if err != nil {
		return err
	}
	_, err = s.out.Write(data)
	return err
}

// Query executes one protocol request read from in and writes the JSON
// response. A request that fails still prints its error body.
func (s *Service) Query(ctx context.Context, cfg *config.Config, in io.Reader, verboseFlag bool) error {
	req, err := protocol.Decode(in)
	if err != nil {
		return s.writeResponse(protocol.Response{Error: protocol.ErrorFrom(err)})
	}

	log := logger.New(os.Stderr, verboseFlag)
	client, closeStore, err := s.connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	return s.writeResponse(protocol.Respond(ctx, client, req))
}

func (s *Service) writeResponse(resp protocol.Response) error {
	enc := json.NewEncoder(s.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return fmt.Errorf("failed to write response: %w", err)
	}
	if resp.Error != nil {
		return fmt.Errorf("query failed: %s %s", resp.Error.Code, resp.Error.Kind)
	}
	return nil
}

// ListEntities prints every entity with its record count.
func (s *Service) ListEntities(ctx context.Context, cfg *config.Config) error {
	log := logger.NewLogger(false)
	client, closeStore, err := s.connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	entities, err := backup.NewService(client, log, s.metrics).ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("failed to list entities: %w", err)
	}

	fmt.Fprintf(s.out, "\nEntities on %s (%s):\n", cfg.Label(), cfg.Database.Type)
	fmt.Fprintln(s.out, strings.Repeat("=", 36))
	for i, e := range entities {
		fmt.Fprintf(s.out, "%d. %s (Table: %s, Records: %d)\n", i+1, e.Name, e.Table, e.Records)
	}
	fmt.Fprintf(s.out, "\nTotal entities: %d\n", len(entities))
	return nil
}

// Backup exports the selected entities. An empty output path becomes a
// timestamped directory under backups/.
func (s *Service) Backup(ctx context.Context, cfg *config.Config, opts backup.BackupOptions, verboseFlag bool) (*backup.BackupMetadata, error) {
	log := logger.NewLogger(verboseFlag)
	log.Info("Starting backup...")

	client, closeStore, err := s.connect(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	if opts.OutputPath == "" {
		opts.OutputPath = filepath.Join(defaultBackupDir, time.Now().Format("20060102_150405"))
	}

	metadata, err := backup.NewService(client, log, s.metrics).CreateBackup(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create backup: %w", err)
	}

	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, "Backup completed successfully.")
	fmt.Fprintf(s.out, "Directory: %s\n", metadata.Location)
	fmt.Fprintf(s.out, "Records: %d in %d entities\n", metadata.Records, len(metadata.Entities))
	fmt.Fprintf(s.out, "Size: %d bytes\n", metadata.BackupSize)
	fmt.Fprintf(s.out, "Checksum: %s\n", shortChecksum(metadata.Checksum))
	fmt.Fprintf(s.out, "Duration: %s\n", metadata.CompletedAt.Sub(metadata.StartedAt).Round(time.Millisecond))

	return metadata, nil
}

func (s *Service) Restore(ctx context.Context, cfg *config.Config, opts backup.RestoreOptions, verboseFlag bool) (*backup.RestoreResult, error) {
	log := logger.NewLogger(verboseFlag)
	log.Info("Starting restore...")

	client, closeStore, err := s.connect(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	defer closeStore()

	result, err := backup.NewService(client, log, s.metrics).RestoreBackup(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("restore failed: %w", err)
	}

	fmt.Fprintln(s.out)
	fmt.Fprintln(s.out, "Restore completed successfully.")
	for _, name := range sortedNames(result.Restored) {
		fmt.Fprintf(s.out, "  %s: %d restored, %d skipped\n", name, result.Restored[name], result.Skipped[name])
	}
	return result, nil
}

// TransferOptions are the knobs of a transfer that do not depend on the two
// connections.
type TransferOptions struct {
	SchemaOnly bool
	DataOnly   bool
	Workers    int
	BatchSize  int
	Entities   []string
	Progress   bool
}

func (s *Service) Transfer(ctx context.Context, sourceCfg, targetCfg *config.Config, opts TransferOptions, verboseFlag bool) error {
	if opts.SchemaOnly && opts.DataOnly {
		fmt.Fprintln(s.out, "Both schema-only and data-only were selected. Running a full transfer instead.")
		opts.SchemaOnly = false
		opts.DataOnly = false
	}

	log := logger.NewLogger(verboseFlag)
	log.Info("Starting data transfer...")

	source, closeSource, err := s.connect(ctx, sourceCfg, log)
	if err != nil {
		return err
	}
	defer closeSource()

	target, closeTarget, err := s.connect(ctx, targetCfg, log)
	if err != nil {
		return err
	}
	defer closeTarget()

	service, err := transfer.NewService(source, target, transfer.Options{
		SchemaOnly:      opts.SchemaOnly,
		DataOnly:        opts.DataOnly,
		ParallelWorkers: opts.Workers,
		BatchSize:       opts.BatchSize,
		Entities:        opts.Entities,
		ShowProgress:    opts.Progress,
		Logger:          log,
		Metrics:         s.metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize transfer service: %w", err)
	}

	if err := service.Execute(ctx); err != nil {
		return fmt.Errorf("transfer execution failed: %w", err)
	}

	log.Info("Data transfer completed successfully!")
	return nil
}

// Explore opens the terminal explorer on cfg.
func (s *Service) Explore(ctx context.Context, cfg *config.Config) error {
	log := logger.Quiet()

	client, closeStore, err := s.connect(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	return explorer.Run(ctx, client, cfg.Label())
}

func shortChecksum(checksum string) string {
	if len(checksum) <= 16 {
		return checksum
	}
	return checksum[:16] + "..."
}

func sortedNames(m map[string]int) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
