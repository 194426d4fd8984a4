package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/config"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

type Connection struct {
	DB     *sql.DB
	Config *config.Config
}

func NewConnection(cfg *config.Config) (*Connection, error) {
	var (
		driver string
		dsn    string
	)
	switch cfg.Database.Type {
	case "", "postgres":
		driver, dsn = "postgres", cfg.GetConnectionString()
	case "sqlite":
		driver, dsn = "sqlite", cfg.GetSQLiteDSN()
	default:
		return nil, fmt.Errorf("unsupported database type for SQL connection: %s", cfg.Database.Type)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	return &Connection{
		DB:     db,
		Config: cfg,
	}, nil
}

// Dialect names the SQL flavour spoken by the connection.
func (c *Connection) Dialect() string {
	if c.Config.Database.Type == "sqlite" {
		return "sqlite"
	}
	return "postgres"
}

func (c *Connection) Close() error {
	return c.DB.Close()
}

func (c *Connection) GetDatabaseName() string {
	if c.Config.Database.Type == "sqlite" {
		return c.Config.Database.Path
	}
	return c.Config.Database.Database
}
