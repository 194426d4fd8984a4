package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/config"
	"github.com/kadirbelkuyu/dbqe/internal/database"
	"github.com/kadirbelkuyu/dbqe/internal/engine"
	"github.com/kadirbelkuyu/dbqe/internal/metrics"
	"github.com/kadirbelkuyu/dbqe/internal/schema"
	"github.com/kadirbelkuyu/dbqe/internal/store"
	"github.com/kadirbelkuyu/dbqe/internal/store/memory"
	"github.com/kadirbelkuyu/dbqe/internal/store/mongostore"
	"github.com/kadirbelkuyu/dbqe/internal/store/sqlstore"
	"github.com/kadirbelkuyu/dbqe/pkg/logger"
)

// OpenStore connects to the backend named by cfg.Database.Type.
func OpenStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, error) {
	switch cfg.Database.Type {
	case "memory":
		return memory.New(), nil
	case "postgres", "sqlite":
		conn, err := database.NewConnection(cfg)
		if err != nil {
			return nil, err
		}
		return sqlstore.New(conn, log), nil
	case "mongo":
		conn, err := database.NewMongoConnection(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return mongostore.New(conn.Client, conn.Database, log), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}
}

// LoadRegistry reads the schema file named by the config.
func LoadRegistry(cfg *config.Config) (*schema.Registry, error) {
	if strings.TrimSpace(cfg.SchemaPath) == "" {
		return nil, errors.New("schema_path is not set in the configuration")
	}
	registry, err := schema.LoadFile(cfg.SchemaPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", cfg.SchemaPath, err)
	}
	return registry, nil
}

// Connect opens the store, makes sure the schema exists in it and returns a
// ready client. Callers close the client's store when done.
func Connect(ctx context.Context, cfg *config.Config, log *logger.Logger, m *metrics.Metrics) (*engine.Client, error) {
	registry, err := LoadRegistry(cfg)
	if err != nil {
		return nil, err
	}

	st, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	if err := st.EnsureSchema(ctx, registry); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to prepare schema: %w", err)
	}

	isolation, ok := store.ParseIsolation(cfg.Transaction.Isolation)
	if !ok {
		st.Close()
		return nil, fmt.Errorf("unknown isolation level %q", cfg.Transaction.Isolation)
	}

	log.Debugf("Connected to %s (%d entities)", cfg.Label(), len(registry.Entities()))

	return engine.NewClient(registry, st,
		engine.WithLogger(log),
		engine.WithMetrics(m),
		engine.WithTransactionDefaults(engine.TxOptions{
			Isolation: isolation,
			MaxWait:   cfg.Transaction.MaxWait,
			Timeout:   cfg.Transaction.Timeout,
		}),
	), nil
}

// ServeMetrics exposes m on addr until the returned stop function is called.
// An empty addr serves nothing.
func ServeMetrics(addr string, m *metrics.Metrics, log *logger.Logger) func() {
	if addr == "" || m == nil {
		return func() {}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Infof("Serving metrics on %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
