package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// buildBackupMetadata summarises a finished backup from its manifest file.
func buildBackupMetadata(manifestPath string, manifest *Manifest, started time.Time) (*BackupMetadata, error) {
	checksum, err := fileChecksum(manifestPath)
	if err != nil {
		return nil, err
	}

	meta := &BackupMetadata{
		Checksum:    checksum,
		Location:    filepath.Dir(manifestPath),
		Entities:    manifest.Entities,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}

	info, err := os.Stat(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read backup metadata: %w", err)
	}
	meta.BackupSize = info.Size()
	if info, err := os.Stat(filepath.Join(meta.Location, manifest.Schema)); err == nil {
		meta.BackupSize += info.Size()
	}
	for _, e := range manifest.Entities {
		meta.BackupSize += e.Size
		meta.Records += e.Records
	}
	return meta, nil
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open backup file: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func verifyChecksum(dir, file, want string) error {
	got, err := fileChecksum(filepath.Join(dir, file))
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("checksum mismatch for %s: manifest has %s, file has %s", file, want, got)
	}
	return nil
}

// ReadManifest loads the manifest of the backup in dir.
func ReadManifest(dir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read backup manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse backup manifest: %w", err)
	}
	if m.Version != formatVersion {
		return nil, fmt.Errorf("unsupported backup format version %d", m.Version)
	}
	return &m, nil
}

func writeManifest(path string, m *Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode backup manifest: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write backup manifest: %w", err)
	}
	return nil
}
