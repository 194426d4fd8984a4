package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/backup"
	"github.com/kadirbelkuyu/dbqe/internal/config"
	"github.com/kadirbelkuyu/dbqe/internal/metrics"
	"github.com/kadirbelkuyu/dbqe/internal/profiles"
	"github.com/kadirbelkuyu/dbqe/pkg/interactive"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"
)

const (
	defaultConfigDir  = "configs"
	defaultSchemaPath = "configs/schema.yaml"
)

type Application struct {
	ctx            context.Context
	prompt         *interactive.Prompter
	printBanner    func()
	profileManager *profiles.Manager
	service        *Service
}

// NewApplication builds the guided workflow. Profiles are read from and saved
// to profileDir, "configs" when empty.
func NewApplication(ctx context.Context, r io.Reader, printBanner func(), profileDir string, m *metrics.Metrics) *Application {
	if r == nil {
		r = os.Stdin
	}
	if profileDir == "" {
		profileDir = defaultConfigDir
	}

	return &Application{
		ctx:            ctx,
		prompt:         interactive.NewPrompter(r, os.Stdout),
		printBanner:    printBanner,
		profileManager: profiles.NewManager(profileDir),
		service:        NewService(m, os.Stdout),
	}
}

type menuItem struct {
	keys   []string
	label  string
	failed string
	run    func() error
}

func (a *Application) RunInteractive() error {
	if a.printBanner != nil {
		a.printBanner()
	}

	items := []menuItem{
		{[]string{"transfer"}, "Transfer records between stores", "Transfer failed", a.handleTransfer},
		{[]string{"backup"}, "Create a backup", "Backup failed", a.handleBackup},
		{[]string{"restore"}, "Restore a backup", "Restore failed", a.handleRestore},
		{[]string{"list"}, "List entities", "Listing failed", a.handleList},
		{[]string{"query"}, "Run a query", "Query failed", a.handleQuery},
		{[]string{"migrate"}, "Apply the schema", "Migration failed", a.handleMigrate},
		{[]string{"explore"}, "Explore records with the TUI", "Explorer failed", a.handleExplore},
	}
	exitChoice := strconv.Itoa(len(items) + 1)

	a.prompt.Printf("Interactive mode is ready. Press Ctrl+C or choose option %s to exit.\n", exitChoice)

	for {
		a.prompt.Println()
		a.prompt.Println("Select an operation:")
		for i, item := range items {
			a.prompt.Printf("  %d) %s\n", i+1, item.label)
		}
		a.prompt.Printf("  %s) Exit\n", exitChoice)

		a.prompt.Printf("\nChoice: ")
		choice, err := a.prompt.Line()
		if err != nil {
			return a.exit(err)
		}

		choice = strings.ToLower(strings.TrimSpace(choice))
		switch choice {
		case exitChoice, "exit", "quit", "q":
			return a.exit(nil)
		}

		item, ok := lookupItem(items, choice)
		if !ok {
			a.prompt.Println("Invalid selection. Try again.")
			continue
		}
		if err := item.run(); err != nil {
			if errors.Is(err, io.EOF) {
				return a.exit(err)
			}
			a.prompt.Printf("%s: %v\n", item.failed, err)
		}
	}
}

func lookupItem(items []menuItem, choice string) (menuItem, bool) {
	if n, err := strconv.Atoi(choice); err == nil && n >= 1 && n <= len(items) {
		return items[n-1], true
	}
	for _, item := range items {
		for _, key := range item.keys {
			if key == choice {
				return item, true
			}
		}
	}
	return menuItem{}, false
}

// exit ends the session. End of input is a normal way to leave.
func (a *Application) exit(err error) error {
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	a.prompt.Println()
	a.prompt.Println("Exiting interactive mode.")
	return nil
}

func (a *Application) selector() *interactive.EntitySelector {
	return interactive.NewEntitySelector(a.prompt.Reader(), os.Stdout)
}

func (a *Application) handleTransfer() error {
	a.prompt.Println()
	a.prompt.Println("Transfer records between stores")

	sourceCfg, err := a.loadOrPromptConfig("source", "")
	if err != nil {
		return err
	}

	targetCfg, err := a.loadOrPromptConfig("target", "")
	if err != nil {
		return err
	}

	opts, verboseFlag, err := a.promptTransferOptions()
	if err != nil {
		return err
	}

	return a.service.Transfer(a.ctx, sourceCfg, targetCfg, opts, verboseFlag)
}

func (a *Application) handleBackup() error {
	a.prompt.Println()
	a.prompt.Println("Create a backup")

	cfg, err := a.loadOrPromptConfig("database", "")
	if err != nil {
		return err
	}

	entities, err := a.listEntities(cfg)
	if err != nil {
		return err
	}

	selector := a.selector()
	selected, err := selector.SelectEntities(entities)
	if err != nil {
		return fmt.Errorf("entity selection failed: %w", err)
	}

	target := "all entities"
	if len(selected) > 0 {
		target = strings.Join(selected, ", ")
	}
	if !selector.ConfirmAction("Backup", target) {
		a.prompt.Println("Operation cancelled.")
		return nil
	}

	opts := selector.GetBackupOptions()
	opts.Entities = selected

	verboseFlag, err := a.prompt.YesNo("Enable verbose logging?", false)
	if err != nil {
		return err
	}

	_, err = a.service.Backup(a.ctx, cfg, opts, verboseFlag)
	return err
}

func (a *Application) handleRestore() error {
	a.prompt.Println()
	a.prompt.Println("Restore a backup")

	cfg, err := a.loadOrPromptConfig("database", "")
	if err != nil {
		return err
	}

	selector := a.selector()
	opts := selector.GetRestoreOptions()
	if opts.BackupPath == "" {
		return io.EOF
	}

	manifest, err := backup.ReadManifest(opts.BackupPath)
	if err != nil {
		return err
	}
	entities := make([]backup.EntityInfo, len(manifest.Entities))
	for i, dump := range manifest.Entities {
		entities[i] = backup.EntityInfo{Name: dump.Entity, Table: dump.File, Records: int(dump.Records)}
	}
	opts.Entities, err = selector.SelectEntities(entities)
	if err != nil {
		return fmt.Errorf("entity selection failed: %w", err)
	}

	if !selector.ConfirmAction("Restore", cfg.Label()) {
		a.prompt.Println("Operation cancelled.")
		return nil
	}

	verboseFlag, err := a.prompt.YesNo("Enable verbose logging?", false)
	if err != nil {
		return err
	}

	_, err = a.service.Restore(a.ctx, cfg, opts, verboseFlag)
	return err
}

func (a *Application) handleList() error {
	a.prompt.Println()
	a.prompt.Println("List entities")

	cfg, err := a.loadOrPromptConfig("database", "")
	if err != nil {
		return err
	}

	return a.service.ListEntities(a.ctx, cfg)
}

func (a *Application) handleQuery() error {
	a.prompt.Println()
	a.prompt.Println("Run a query")

	cfg, err := a.loadOrPromptConfig("database", "")
	if err != nil {
		return err
	}

	a.prompt.Println(`Enter one request per line, e.g. {"model": "User", "operation": "count"}. Leave empty to finish.`)
	for {
		input, err := a.prompt.String("Request", false)
		if err != nil {
			return err
		}
		if input == "" {
			return nil
		}
		if err := a.service.Query(a.ctx, cfg, strings.NewReader(input), false); err != nil {
			a.prompt.Println(err)
		}
	}
}

func (a *Application) handleMigrate() error {
	a.prompt.Println()
	a.prompt.Println("Apply the schema")

	cfg, err := a.loadOrPromptConfig("database", "")
	if err != nil {
		return err
	}

	verboseFlag, err := a.prompt.YesNo("Enable verbose logging?", false)
	if err != nil {
		return err
	}

	return a.service.Migrate(a.ctx, cfg, verboseFlag)
}

func (a *Application) handleExplore() error {
	a.prompt.Println()
	a.prompt.Println("Explore records in the console UI")

	cfg, err := a.loadOrPromptConfig("database", "")
	if err != nil {
		return err
	}

	return a.service.Explore(a.ctx, cfg)
}

func (a *Application) listEntities(cfg *config.Config) ([]backup.EntityInfo, error) {
	log := logger.NewLogger(false)
	client, err := Connect(a.ctx, cfg, log, a.service.metrics)
	if err != nil {
		return nil, err
	}
	defer client.Store().Close()

	return backup.NewService(client, log, nil).ListEntities(a.ctx)
}





func (a *Application) loadOrPromptConfig(label, expectedType string) (*config.Config, error) {
	for {
		a.prompt.Printf("\nConfigure %s connection\n", label)

		if cfg, ok, err := a.selectProfile(expectedType); err != nil {
			return nil, err
		} else if ok {
			return cfg, nil
		}

		dbType := expectedType
		if dbType == "" {
			var err error
			dbType, err = a.promptDatabaseType()
			if err != nil {
				return nil, err
			}
		}

		cfg, err := a.promptManualConfig(dbType, label)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, err
			}
			a.prompt.Printf("Error: %v\n", err)
			continue
		}

		if err := a.persistConfig(cfg); err != nil {
			a.prompt.Printf("Warning: failed to save config: %v\n", err)
		}

		return cfg, nil
	}
}

func (a *Application) promptManualConfig(dbType, label string) (*config.Config, error) {
	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Type: dbType,
		},
	}

	switch dbType {
	case "postgres":
		a.prompt.Printf("\nEnter PostgreSQL connection details for %s store:\n", label)

		host, err := a.prompt.StringDefault("Host", "localhost")
		if err != nil {
			return nil, err
		}
		port, err := a.prompt.Int("Port", 5432)
		if err != nil {
			return nil, err
		}
		dbName, err := a.prompt.StringDefault("Database name", "postgres")
		if err != nil {
			return nil, err
		}
		username, err := a.prompt.String("Username (leave blank for none)", false)
		if err != nil {
			return nil, err
		}
		password, err := a.prompt.String("Password (leave blank for none)", false)
		if err != nil {
			return nil, err
		}
		sslMode, err := a.prompt.StringDefault("SSL mode", "disable")
		if err != nil {
			return nil, err
		}

		cfg.Database.Host = host
		cfg.Database.Port = port
		cfg.Database.Database = dbName
		cfg.Database.Username = username
		cfg.Database.Password = password
		cfg.Database.SSLMode = strings.TrimSpace(sslMode)

	case "sqlite":
		a.prompt.Printf("\nEnter SQLite details for %s store:\n", label)

		path, err := a.prompt.StringDefault("Database file", "dbqe.db")
		if err != nil {
			return nil, err
		}
		cfg.Database.Path = path

	case "mongo":
		a.prompt.Printf("\nEnter MongoDB connection details for %s store:\n", label)

		useURI, err := a.prompt.YesNo("Provide a MongoDB URI?", false)
		if err != nil {
			return nil, err
		}

		if useURI {
			uri, err := a.prompt.String("MongoDB URI", true)
			if err != nil {
				return nil, err
			}
			cfg.Database.URI = uri
		} else {
			host, err := a.prompt.StringDefault("Host", "localhost")
			if err != nil {
				return nil, err
			}
			port, err := a.prompt.Int("Port", 27017)
			if err != nil {
				return nil, err
			}
			username, err := a.prompt.String("Username (leave blank for none)", false)
			if err != nil {
				return nil, err
			}
			password, err := a.prompt.String("Password (leave blank for none)", false)
			if err != nil {
				return nil, err
			}
			authDB := ""
			if username != "" {
				authDB, err = a.prompt.StringDefault("Auth database", "admin")
				if err != nil {
					return nil, err
				}
			}

			cfg.Database.Host = host
			cfg.Database.Port = port
			cfg.Database.Username = username
			cfg.Database.Password = password
			cfg.Database.AuthDatabase = strings.TrimSpace(authDB)
		}

		dbName, err := a.prompt.StringDefault("Database name", "dbqe")
		if err != nil {
			return nil, err
		}
		cfg.Database.Database = dbName

	case "memory":
		a.prompt.Println("\nThe in-memory store starts empty and is discarded when the operation ends.")

	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}

	schemaPath, err := a.prompt.StringDefault("Schema file", defaultSchemaPath)
	if err != nil {
		return nil, err
	}
	cfg.SchemaPath = schemaPath

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *Application) promptDatabaseType() (string, error) {
	for {
		a.prompt.Println()
		a.prompt.Println("Select store type:")
		a.prompt.Println("1. PostgreSQL")
		a.prompt.Println("2. SQLite")
		a.prompt.Println("3. MongoDB")
		a.prompt.Println("4. In-memory")
		a.prompt.Printf("Selection: ")

		input, err := a.prompt.Line()
		if err != nil {
			return "", err
		}

		switch strings.ToLower(strings.TrimSpace(input)) {
		case "1", "postgres", "postgresql":
			return "postgres", nil
		case "2", "sqlite", "sqlite3":
			return "sqlite", nil
		case "3", "mongo", "mongodb":
			return "mongo", nil
		case "4", "memory":
			return "memory", nil
		default:
			a.prompt.Println("Please choose 1, 2, 3 or 4.")
		}
	}
}

func (a *Application) promptTransferOptions() (TransferOptions, bool, error) {
	var opts TransferOptions

	schemaOnly, err := a.prompt.YesNo("Transfer schema only?", false)
	if err != nil {
		return opts, false, err
	}
	opts.SchemaOnly = schemaOnly

	if !schemaOnly {
		if opts.DataOnly, err = a.prompt.YesNo("Transfer data only?", false); err != nil {
			return opts, false, err
		}
	}

	if opts.Workers, err = a.prompt.Int("Number of parallel workers", 4); err != nil {
		return opts, false, err
	}
	if opts.BatchSize, err = a.prompt.Int("Batch size", 500); err != nil {
		return opts, false, err
	}

	entities, err := a.prompt.String("Entities to copy (comma separated, blank for all)", false)
	if err != nil {
		return opts, false, err
	}
	for _, name := range strings.Split(entities, ",") {
		if name = strings.TrimSpace(name); name != "" {
			opts.Entities = append(opts.Entities, name)
		}
	}
	opts.Progress = true

	verboseFlag, err := a.prompt.YesNo("Enable verbose logging?", false)
	if err != nil {
		return opts, false, err
	}

	return opts, verboseFlag, nil
}


func (a *Application) selectProfile(expectedType string) (*config.Config, bool, error) {
	profiles, err := a.profileManager.List(expectedType)
	if err != nil {
		return nil, false, err
	}

	if len(profiles) == 0 {
		return nil, false, nil
	}

	for {
		a.prompt.Println("Saved configurations:")
		for i, profile := range profiles {
			label := profile.Name
			if profile.Type != "" {
				label = fmt.Sprintf("%s (%s)", label, profile.Type)
			}
			a.prompt.Printf("  %d) %s\n", i+1, label)
		}
		a.prompt.Println("  n) Create a new configuration")

		choice, err := a.prompt.String("Select a configuration (number) or 'n'", true)
		if err != nil {
			return nil, false, err
		}

		choice = strings.ToLower(strings.TrimSpace(choice))
		if choice == "n" || choice == "new" {
			return nil, false, nil
		}

		index, err := strconv.Atoi(choice)
		if err != nil || index < 1 || index > len(profiles) {
			a.prompt.Println("Please choose a valid option.")
			continue
		}

		cfg, err := config.LoadConfig(profiles[index-1].Path)
		if err != nil {
			a.prompt.Printf("Failed to load %s: %v\n", profiles[index-1].Name, err)
			continue
		}

		return cfg, true, nil
	}
}

func (a *Application) persistConfig(cfg *config.Config) error {
	save, err := a.prompt.YesNo("Save this configuration for future use?", true)
	if err != nil || !save {
		return err
	}

	defaultName := fmt.Sprintf("%s_%s", cfg.Database.Type, time.Now().Format("20060102_150405"))
	name, err := a.prompt.StringDefault("Configuration name", defaultName)
	if err != nil {
		return err
	}

	_, err = a.profileManager.Save(name, cfg)
	return err
}
