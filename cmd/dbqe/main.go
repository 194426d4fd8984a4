package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kadirbelkuyu/dbqe/internal/app"
	"github.com/kadirbelkuyu/dbqe/internal/backup"
	"github.com/kadirbelkuyu/dbqe/internal/config"
	"github.com/kadirbelkuyu/dbqe/internal/metrics"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"

	"github.com/spf13/cobra"
)

const appName = "Database Query Engine"

const asciiBanner = `
     _ _                
  __| | |__   __ _  ___ 
 / _' | '_ \ / _' |/ _ \
| (_| | |_) | (_| |  __/
 \__,_|_.__/ \__, |\___|
                |_|     
`

var rootCmd = &cobra.Command{
	Use:   "dbqe",
	Short: "Typed query engine over PostgreSQL, SQLite, MongoDB or memory",
	Long:  `A developer-friendly CLI to apply a schema, run typed queries, export and import records, copy them between stores and browse them in a console UI.`,
	RunE:  runInteractive,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the tables, collections and indexes declared by the schema",
	RunE:  runMigrate,
}

var introspectCmd = &cobra.Command{
	Use:   "introspect",
	Short: "Print the schema of an existing PostgreSQL database",
	RunE:  runIntrospect,
}

var queryCmd = &cobra.Command{
	Use:   "query [request]",
	Short: "Execute one JSON request, read from the argument, --file or stdin",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runQuery,
}

var exportCmd = &cobra.Command{
	Use:     "export",
	Aliases: []string{"backup"},
	Short:   "Export records to a directory of NDJSON files",
	RunE:    runExport,
}

var importCmd = &cobra.Command{
	Use:     "import",
	Aliases: []string{"restore"},
	Short:   "Import records from an export directory",
	RunE:    runImport,
}

var transferCmd = &cobra.Command{
	Use:   "transfer",
	Short: "Copy records between two stores",
	RunE:  runTransfer,
}

var listEntitiesCmd = &cobra.Command{
	Use:   "list-entities",
	Short: "List the schema's entities with their record counts",
	RunE:  runListEntities,
}

var exploreCmd = &cobra.Command{
	Use:   "explore",
	Short: "Browse records with the interactive console",
	RunE:  runExplore,
}

var interactiveCmd = &cobra.Command{
	Use:   "interactive",
	Short: "Launch the guided interactive workflow",
	RunE:  runInteractive,
}

var (
	sourceConfigPath string
	targetConfigPath string
	configPath       string
	profileDir       string
	schemaName       string
	requestFile      string
	outputPath       string
	inputPath        string
	entities         []string
	schemaOnly       bool
	dataOnly         bool
	skipDuplicates   bool
	cleanFirst       bool
	skipVerify       bool
	showProgress     bool
	parallelWorkers  int
	batchSize        int
	verbose          bool
)

var (
	engineMetrics   = metrics.New(nil)
	workflowService = app.NewService(engineMetrics, os.Stdout)
	stopMetrics     = func() {}
)

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Enable verbose logging")

	for _, cmd := range []*cobra.Command{migrateCmd, introspectCmd, queryCmd, exportCmd, importCmd, listEntitiesCmd, exploreCmd} {
		cmd.Flags().StringVar(&configPath, "config", "", "Path to the configuration file")
		cmd.MarkFlagRequired("config")
	}

	introspectCmd.Flags().StringVar(&schemaName, "schema", "public", "PostgreSQL schema to read")

	queryCmd.Flags().StringVar(&requestFile, "file", "", "Read the request from a file")

	exportCmd.Flags().StringVar(&outputPath, "output", "", "Output directory (default backups/<timestamp>)")
	exportCmd.Flags().StringSliceVar(&entities, "entities", nil, "Entities to export (default all)")
	exportCmd.Flags().IntVar(&parallelWorkers, "workers", 4, "Number of entities exported in parallel")
	exportCmd.Flags().IntVar(&batchSize, "batch-size", 500, "Records read per page")
	exportCmd.Flags().BoolVar(&showProgress, "progress", true, "Show a progress bar")

	importCmd.Flags().StringVar(&inputPath, "input", "", "Export directory to import")
	importCmd.Flags().StringSliceVar(&entities, "entities", nil, "Entities to import (default all)")
	importCmd.Flags().IntVar(&parallelWorkers, "workers", 4, "Number of entities imported in parallel")
	importCmd.Flags().IntVar(&batchSize, "batch-size", 500, "Records written per createMany call")
	importCmd.Flags().BoolVar(&skipDuplicates, "skip-duplicates", false, "Skip records that collide on a unique key")
	importCmd.Flags().BoolVar(&cleanFirst, "clean", false, "Delete existing records of the imported entities first")
	importCmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "Do not verify file checksums")
	importCmd.Flags().BoolVar(&showProgress, "progress", true, "Show a progress bar")
	importCmd.MarkFlagRequired("input")

	transferCmd.Flags().StringVar(&sourceConfigPath, "source-config", "", "Path to the source configuration file")
	transferCmd.Flags().StringVar(&targetConfigPath, "target-config", "", "Path to the target configuration file")
	transferCmd.Flags().BoolVar(&schemaOnly, "schema-only", false, "Prepare the target schema only")
	transferCmd.Flags().BoolVar(&dataOnly, "data-only", false, "Copy records only")
	transferCmd.Flags().StringSliceVar(&entities, "entities", nil, "Entities to copy (default all)")
	transferCmd.Flags().IntVar(&parallelWorkers, "workers", 4, "Number of parallel workers during transfer")
	transferCmd.Flags().IntVar(&batchSize, "batch-size", 500, "Batch size for data transfer")
	transferCmd.Flags().BoolVar(&showProgress, "progress", true, "Show a progress bar")
	transferCmd.MarkFlagRequired("source-config")
	transferCmd.MarkFlagRequired("target-config")

	for _, cmd := range []*cobra.Command{rootCmd, interactiveCmd} {
		cmd.Flags().StringVar(&profileDir, "profiles", "configs", "Directory of saved connection profiles")
	}

	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(introspectCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(transferCmd)
	rootCmd.AddCommand(listEntitiesCmd)
	rootCmd.AddCommand(exploreCmd)
	rootCmd.AddCommand(interactiveCmd)

	cobra.OnInitialize(func() {
		rootCmd.SilenceUsage = true
		rootCmd.SilenceErrors = true
	})
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stopMetrics()
	cancel()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads a config file and starts the metrics endpoint the first
// time a config asks for one.
func loadConfig(path, label string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		if label != "" {
			return nil, fmt.Errorf("cannot load %s config: %w", label, err)
		}
		return nil, fmt.Errorf("cannot load config: %w", err)
	}
	if cfg.MetricsAddr != "" {
		stopMetrics()
		log := logger.New(os.Stderr, verbose)
		stopMetrics = app.ServeMetrics(cfg.MetricsAddr, engineMetrics, log)
	}
	return cfg, nil
}

func runInteractive(cmd *cobra.Command, args []string) error {
	application := app.NewApplication(cmd.Context(), os.Stdin, printBanner, profileDir, engineMetrics)
	return application.RunInteractive()
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath, "")
	if err != nil {
		return err
	}
	return workflowService.Migrate(cmd.Context(), cfg, verbose)
}

func runIntrospect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath, "")
	if err != nil {
		return err
	}
	return workflowService.Introspect(cmd.Context(), cfg, schemaName, verbose)
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath, "")
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	switch {
	case len(args) == 1:
		in = strings.NewReader(args[0])
	case requestFile != "":
		f, err := os.Open(requestFile)
		if err != nil {
			return fmt.Errorf("cannot open request: %w", err)
		}
		defer f.Close()
		in = f
	}
	return workflowService.Query(cmd.Context(), cfg, in, verbose)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath, "")
	if err != nil {
		return err
	}
	_, err = workflowService.Backup(cmd.Context(), cfg, backup.BackupOptions{
		OutputPath:   outputPath,
		Entities:     entities,
		BatchSize:    batchSize,
		Workers:      parallelWorkers,
		ShowProgress: showProgress,
	}, verbose)
	return err
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath, "")
	if err != nil {
		return err
	}
	_, err = workflowService.Restore(cmd.Context(), cfg, backup.RestoreOptions{
		BackupPath:     inputPath,
		Entities:       entities,
		BatchSize:      batchSize,
		Workers:        parallelWorkers,
		SkipDuplicates: skipDuplicates,
		CleanFirst:     cleanFirst,
		SkipVerify:     skipVerify,
		ShowProgress:   showProgress,
	}, verbose)
	return err
}

func runTransfer(cmd *cobra.Command, args []string) error {
	sourceConfig, err := loadConfig(sourceConfigPath, "source")
	if err != nil {
		return err
	}

	targetConfig, err := loadConfig(targetConfigPath, "target")
	if err != nil {
		return err
	}

	return workflowService.Transfer(cmd.Context(), sourceConfig, targetConfig, app.TransferOptions{
		SchemaOnly: schemaOnly,
		DataOnly:   dataOnly,
		Workers:    parallelWorkers,
		BatchSize:  batchSize,
		Entities:   entities,
		Progress:   showProgress,
	}, verbose)
}

func runListEntities(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath, "")
	if err != nil {
		return err
	}
	return workflowService.ListEntities(cmd.Context(), cfg)
}

func runExplore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath, "")
	if err != nil {
		return err
	}
	return workflowService.Explore(cmd.Context(), cfg)
}

func printBanner() {
	fmt.Print(asciiBanner)
	fmt.Println(appName)
	fmt.Println(strings.Repeat("-", len(appName)))
}
