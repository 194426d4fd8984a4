// Package profiles keeps named connection configs as YAML files in one
// directory so the interactive workflow can offer them again.
package profiles

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kadirbelkuyu/dbqe/internal/config"

	"gopkg.in/yaml.v3"
)

const defaultDir = "configs"

var fileNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9-_]`)

// Profile is a saved connection config.
type Profile struct {
	Name     string
	Path     string
	Type     string
	Target   string
	Schema   string
	Modified time.Time
}

type Manager struct {
	dir string
}

func NewManager(dir string) *Manager {
	if strings.TrimSpace(dir) == "" {
		dir = defaultDir
	}
	return &Manager{dir: dir}
}

func (m *Manager) Directory() string {
	return m.dir
}

// List returns the valid profiles sorted by name, keeping only those of
// expectedType when it is set. Files that are not connection configs, such
// as schema files sharing the directory, are skipped.
func (m *Manager) List(expectedType string) ([]Profile, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var profiles []Profile
	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		if !looksLikeConfig(path) {
			continue
		}
		cfg, err := config.LoadConfig(path)
		if err != nil {
			continue
		}
		if expectedType != "" && cfg.Database.Type != expectedType {
			continue
		}
		var modified time.Time
		if info, err := entry.Info(); err == nil {
			modified = info.ModTime()
		}
		profiles = append(profiles, newProfile(path, cfg, modified))
	}

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles, nil
}

// looksLikeConfig reports whether the file has a top-level database block.
func looksLikeConfig(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var shape struct {
		Database map[string]any `yaml:"database"`
	}
	return yaml.Unmarshal(data, &shape) == nil && shape.Database != nil
}

func newProfile(path string, cfg *config.Config, modified time.Time) Profile {
	base := filepath.Base(path)
	return Profile{
		Name:     strings.TrimSuffix(base, filepath.Ext(base)),
		Path:     path,
		Type:     cfg.Database.Type,
		Target:   cfg.Label(),
		Schema:   cfg.SchemaPath,
		Modified: modified,
	}
}

// Save validates cfg and writes it under alias, replacing any profile of the
// same name.
func (m *Manager) Save(alias string, cfg *config.Config) (Profile, error) {
	if cfg == nil {
		return Profile{}, fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return Profile{}, err
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return Profile{}, err
	}

	base := strings.TrimSpace(alias)
	if base == "" {
		base = fmt.Sprintf("%s-%s", cfg.Database.Type, time.Now().Format("20060102_150405"))
	}

	path := filepath.Join(m.dir, ensureYAMLExt(sanitizeName(base)))
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return Profile{}, err
	}

	// Profiles may hold passwords.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Profile{}, err
	}

	return newProfile(path, cfg, time.Now()), nil
}

// Load reads a profile by alias or file path.
func (m *Manager) Load(alias string) (*config.Config, error) {
	path, err := m.resolve(alias)
	if err != nil {
		return nil, err
	}
	return config.LoadConfig(path)
}

func (m *Manager) Delete(alias string) error {
	path, err := m.resolve(alias)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("profile not found: %s", alias)
	}

	return os.Remove(path)
}

func (m *Manager) resolve(alias string) (string, error) {
	if strings.TrimSpace(alias) == "" {
		return "", fmt.Errorf("profile alias cannot be empty")
	}
	if strings.ContainsRune(alias, os.PathSeparator) {
		return alias, nil
	}
	return filepath.Join(m.dir, ensureYAMLExt(alias)), nil
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

func ensureYAMLExt(name string) string {
	if isYAML(name) {
		return name
	}
	return name + ".yaml"
}

func sanitizeName(input string) string {
	cleaned := fileNameSanitizer.ReplaceAllString(input, "_")
	cleaned = strings.Trim(cleaned, "_")
	if cleaned == "" {
		return "profile"
	}
	return cleaned
}
