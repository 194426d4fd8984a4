package backup

import "time"

const (
	ManifestFile  = "manifest.json"
	SchemaFile    = "schema.yaml"
	formatVersion = 1
)

type EntityInfo struct {
	Name      string
	Table     string
	Records   int
	Relations int
}

type BackupOptions struct {
	// OutputPath is the backup directory. It is created when missing and
	// must not already hold a manifest.
	OutputPath string
	// Entities limits the backup to the named entities. Empty means all.
	Entities     []string
	BatchSize    int
	Workers      int
	ShowProgress bool
}

type RestoreOptions struct {
	BackupPath string
	Entities   []string
	BatchSize  int
	Workers    int
	// SkipDuplicates keeps existing records whose unique keys collide with
	// backed up ones instead of failing.
	SkipDuplicates bool
	// CleanFirst deletes every record of the restored entities before
	// loading them.
	CleanFirst bool
	// SkipVerify loads the files without checking them against the
	// manifest checksums.
	SkipVerify   bool
	ShowProgress bool
}

// EntityDump describes one NDJSON file of a backup.
type EntityDump struct {
	Entity   string `json:"entity"`
	File     string `json:"file"`
	Records  int64  `json:"records"`
	Size     int64  `json:"size"`
	Checksum string `json:"sha256"`
}

type Manifest struct {
	Version        int          `json:"version"`
	CreatedAt      time.Time    `json:"created_at"`
	Schema         string       `json:"schema"`
	SchemaChecksum string       `json:"schema_sha256"`
	Entities       []EntityDump `json:"entities"`
}

type BackupMetadata struct {
	BackupSize  int64
	Checksum    string
	Location    string
	Records     int64
	Entities    []EntityDump
	StartedAt   time.Time
	CompletedAt time.Time
}

type RestoreResult struct {
	Restored map[string]int
	Skipped  map[string]int
}
