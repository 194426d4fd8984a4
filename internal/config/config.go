package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxWait = 2 * time.Second
	DefaultTimeout = 5 * time.Second
)

type DatabaseConfig struct {
	Type         string `yaml:"type" validate:"required,oneof=postgres sqlite mongo memory"`
	Host         string `yaml:"host" validate:"required_if=Type postgres"`
	Port         int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	Database     string `yaml:"database" validate:"required_if=Type postgres"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	SSLMode      string `yaml:"sslmode"`
	URI          string `yaml:"uri"`
	AuthDatabase string `yaml:"auth_database"`
	Path         string `yaml:"path" validate:"required_if=Type sqlite"`
}

// TransactionConfig holds the defaults applied to interactive transactions
// that do not set their own limits.
type TransactionConfig struct {
	Isolation string        `yaml:"isolation" validate:"omitempty,oneof=ReadUncommitted ReadCommitted RepeatableRead Serializable"`
	MaxWait   time.Duration `yaml:"max_wait" validate:"gte=0"`
	Timeout   time.Duration `yaml:"timeout" validate:"gte=0"`
}

type Config struct {
	Database    DatabaseConfig    `yaml:"database"`
	SchemaPath  string            `yaml:"schema_path"`
	Transaction TransactionConfig `yaml:"transaction"`
	MetricsAddr string            `yaml:"metrics_addr" validate:"omitempty,hostname_port"`
}

func LoadConfig(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// ApplyDefaults fills in the values a config file may leave out.
func (c *Config) ApplyDefaults() {
	c.Database.Type = normalizeDatabaseType(c.Database.Type)

	if c.Database.Type == "postgres" && c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.Type == "postgres" && c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.Type == "mongo" && c.Database.Port == 0 {
		c.Database.Port = 27017
	}
	if c.Transaction.MaxWait == 0 {
		c.Transaction.MaxWait = DefaultMaxWait
	}
	if c.Transaction.Timeout == 0 {
		c.Transaction.Timeout = DefaultTimeout
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) GetConnectionString() string {
	if c.Database.Type != "" && c.Database.Type != "postgres" {
		return ""
	}

	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		connValue(c.Database.Host),
		c.Database.Port,
		connValue(c.Database.Username),
		connValue(c.Database.Password),
		connValue(c.Database.Database),
		connValue(c.Database.SSLMode),
	)
}

// connValue quotes a key/value connection string value when it is empty or
// holds spaces, quotes or backslashes.
func connValue(v string) string {
	if v != "" && !strings.ContainsAny(v, " \t\n'\\") {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// GetSQLiteDSN enables foreign keys and a busy timeout on every pooled
// connection. The path is percent-encoded so '?', '#' and spaces stay part
// of the file name.
func (c *Config) GetSQLiteDSN() string {
	if c.Database.Type != "sqlite" {
		return ""
	}
	path := (&url.URL{Path: c.Database.Path}).EscapedPath()
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
}

func (c *Config) GetMongoURI() string {
	if c.Database.URI != "" {
		return c.Database.URI
	}

	host := c.Database.Host
	if host == "" {
		host = "localhost"
	}
	port := c.Database.Port
	if port == 0 {
		port = 27017
	}

	var credentials string
	if c.Database.Username != "" {
		credentials = url.QueryEscape(c.Database.Username)
		if c.Database.Password != "" {
			credentials = fmt.Sprintf("%s:%s", credentials, url.QueryEscape(c.Database.Password))
		}
		credentials += "@"
	}

	targetDatabase := strings.TrimSpace(c.Database.Database)
	if targetDatabase != "" {
		targetDatabase = "/" + targetDatabase
	}

	uri := fmt.Sprintf("mongodb://%s%s:%d%s", credentials, host, port, targetDatabase)

	if c.Database.AuthDatabase != "" {
		uri = fmt.Sprintf("%s?authSource=%s", uri, url.QueryEscape(c.Database.AuthDatabase))
	}

	return uri
}

// Label is a short human description of where the config points.
func (c *Config) Label() string {
	switch c.Database.Type {
	case "memory":
		return "in-memory store"
	case "sqlite":
		return "sqlite:" + c.Database.Path
	}

	host := strings.TrimSpace(c.Database.Host)
	if host == "" {
		if c.Database.URI != "" {
			return c.Database.URI
		}
		host = "localhost"
	}

	label := host
	if c.Database.Port > 0 {
		label = fmt.Sprintf("%s:%d", host, c.Database.Port)
	}
	if c.Database.Database != "" {
		label += "/" + c.Database.Database
	}
	return label
}

func normalizeDatabaseType(dbType string) string {
	dbType = strings.ToLower(strings.TrimSpace(dbType))
	if dbType == "" {
		return "postgres"
	}

	switch dbType {
	case "postgres", "postgresql":
		return "postgres"
	case "mongo", "mongodb":
		return "mongo"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return dbType
	}
}
