package profiles_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kadirbelkuyu/dbqe/internal/config"
	"github.com/kadirbelkuyu/dbqe/internal/profiles"
)

func TestManagerSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	manager := profiles.NewManager(dir)

	cfg := &config.Config{
		Database: config.DatabaseConfig{
			Type:     "postgres",
			Host:     "db.internal",
			Port:     5432,
			Database: "surveillance",
		},
		SchemaPath: "configs/schema.yaml",
	}

	profile, err := manager.Save("Prod DB", cfg)
	require.NoError(t, err)
	require.Equal(t, "Prod_DB", profile.Name)
	require.Equal(t, "postgres", profile.Type)
	require.Equal(t, "db.internal:5432/surveillance", profile.Target)
	require.FileExists(t, profile.Path)

	info, err := os.Stat(profile.Path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := manager.Load(profile.Name)
	require.NoError(t, err)
	require.Equal(t, cfg.Database.Host, loaded.Database.Host)
	require.Equal(t, cfg.SchemaPath, loaded.SchemaPath)
	require.Equal(t, config.DefaultTimeout, loaded.Transaction.Timeout)

	require.NoError(t, manager.Delete(profile.Name))
	require.Error(t, manager.Delete(profile.Name))
}

func TestManagerRejectsInvalidConfig(t *testing.T) {
	manager := profiles.NewManager(t.TempDir())

	_, err := manager.Save("broken", &config.Config{Database: config.DatabaseConfig{Type: "sqlite"}})
	require.Error(t, err)

	_, err = manager.Save("nil", nil)
	require.Error(t, err)

	_, err = manager.Load(" ")
	require.Error(t, err)
}

func TestManagerListFiltersByType(t *testing.T) {
	dir := t.TempDir()
	manager := profiles.NewManager(dir)

	writeConfig(t, dir, "beta-mongo.yaml", config.DatabaseConfig{Type: "mongo", Host: "localhost", Database: "dbqe"})
	writeConfig(t, dir, "alpha-postgres.yaml", config.DatabaseConfig{Type: "postgres", Host: "localhost", Database: "postgres"})
	writeConfig(t, dir, "local.yml", config.DatabaseConfig{Type: "sqlite", Path: "dbqe.db"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema.yaml"), []byte("entities: []\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("database: {}\n"), 0o644))

	all, err := manager.List("")
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "alpha-postgres", all[0].Name)
	require.Equal(t, "local", all[2].Name)
	require.Equal(t, "sqlite:dbqe.db", all[2].Target)

	postgresOnly, err := manager.List("postgres")
	require.NoError(t, err)
	require.Len(t, postgresOnly, 1)
	require.Equal(t, "postgres", postgresOnly[0].Type)

	mongoOnly, err := manager.List("mongo")
	require.NoError(t, err)
	require.Len(t, mongoOnly, 1)
	require.Equal(t, "mongo", mongoOnly[0].Type)

	missing, err := profiles.NewManager(filepath.Join(dir, "absent")).List("")
	require.NoError(t, err)
	require.Empty(t, missing)
}

func writeConfig(t *testing.T, dir, name string, db config.DatabaseConfig) {
	t.Helper()

	data, err := yaml.Marshal(config.Config{Database: db})
	require.NoError(t, err)

	path := filepath.Join(dir, name)
	err = os.WriteFile(path, data, 0o644)
	require.NoError(t, err)
}
