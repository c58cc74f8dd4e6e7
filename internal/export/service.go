// Package export provides whole-database backup and restore.
package export

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kimhsiao/docsync/internal/db"
	"github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/export/crypto"
	"github.com/kimhsiao/docsync/internal/logging"
	"github.com/kimhsiao/docsync/internal/uuid"
)

// SnapshotVersion is the format version written by Export.
const SnapshotVersion = "1"

// SettingsTable is the snapshot key holding the local settings.
const SettingsTable = "settings"

// Snapshot is a full copy of the local data.
type Snapshot struct {
	Version    string                              `json:"version"`
	ExportedAt time.Time                           `json:"exportedAt"`
	Data       map[string][]map[string]interface{} `json:"data"`
}

// Count returns the number of rows in the snapshot across all tables.
func (s *Snapshot) Count() int {
	n := 0
	for _, rows := range s.Data {
		n += len(rows)
	}
	return n
}

// ExportResult describes a backup written to disk.
type ExportResult struct {
	FilePath  string        `json:"file_path"`
	SizeBytes int64         `json:"size_bytes"`
	ItemCount int           `json:"item_count"`
	Checksum  string        `json:"checksum"`
	Encrypted bool          `json:"encrypted"`
	Duration  time.Duration `json:"duration"`
}

// ImportResult describes a completed restore.
type ImportResult struct {
	Tables   map[string]int `json:"tables"`
	Settings int            `json:"settings"`
	Duration time.Duration  `json:"duration"`
}

// Service exports and imports snapshots of a Store.
type Service struct {
	store *db.Store
}

// NewService creates a new Service.
func NewService(store *db.Store) *Service {
	return &Service{store: store}
}

// isBookkeeping reports whether a setting describes this device's sync
// progress rather than user data. Such settings are not carried by backups.
func isBookkeeping(key string) bool {
	return strings.HasPrefix(key, "sync.")
}

// Export reads every live record of every syncable table, plus the settings,
// inside one read transaction.
func (s *Service) Export(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Version:    SnapshotVersion,
		ExportedAt: s.store.Now().UTC(),
		Data:       make(map[string][]map[string]interface{}),
	}

	err := s.store.WithTx(ctx, func(tx *db.Tx) error {
		for _, t := range db.Tables() {
			records, err := tx.Query(ctx, t.Name, db.Query{Ascending: true})
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", t.Name, err)
			}
			rows := make([]map[string]interface{}, 0, len(records))
			for _, r := range records {
				rows = append(rows, r.Snapshot())
			}
			snap.Data[t.Name] = rows
		}

		settings, err := tx.Settings().All(ctx)
		if err != nil {
			return fmt.Errorf("failed to read settings: %w", err)
		}
		rows := make([]map[string]interface{}, 0, len(settings))
		for _, st := range settings {
			if isBookkeeping(st.Key) {
				continue
			}
			rows = append(rows, map[string]interface{}{
				"key":        st.Key,
				"value":      st.Value,
				"updated_at": st.UpdatedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		snap.Data[SettingsTable] = rows
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "export failed", err)
	}

	logging.Info("Snapshot exported", map[string]interface{}{"items": snap.Count()})
	return snap, nil
}

// Import replaces all local data with the snapshot. Every record goes through
// the tracked insert path, so restored data is dirty and will be pushed on the
// next sync. Nothing changes when any part of the snapshot is rejected.
func (s *Service) Import(ctx context.Context, snap *Snapshot) (*ImportResult, error) {
	start := time.Now()
	if snap == nil || snap.Data == nil {
		return nil, errors.New(errors.ErrInvalidFormat, "snapshot has no data")
	}
	for name := range snap.Data {
		if name == SettingsTable {
			continue
		}
		if _, err := db.LookupTable(name); err != nil {
			return nil, errors.Wrap(errors.ErrInvalidFormat, "snapshot names an unknown table", err)
		}
	}

	result := &ImportResult{Tables: make(map[string]int)}
	err := s.store.WithTx(ctx, func(tx *db.Tx) error {
		if err := tx.ClearAll(ctx); err != nil {
			return err
		}

		for _, t := range db.Tables() {
			for i, row := range snap.Data[t.Name] {
				remoteID, createdAt, err := identity(row)
				if err != nil {
					return errors.Wrap(errors.ErrInvalidFormat, fmt.Sprintf("%s row %d", t.Name, i), err)
				}
				if _, err := tx.InsertWithIdentity(ctx, t.Name, remoteID, createdAt, t.DomainFields(row)); err != nil {
					return fmt.Errorf("%s row %d: %w", t.Name, i, err)
				}
			}
			result.Tables[t.Name] = len(snap.Data[t.Name])
		}

		for i, row := range snap.Data[SettingsTable] {
			key, _ := row["key"].(string)
			value, ok := row["value"].(string)
			if key == "" || !ok {
				return errors.Newf(errors.ErrInvalidFormat, "settings row %d needs a string key and value", i)
			}
			if isBookkeeping(key) {
				continue
			}
			if err := tx.Settings().Set(ctx, key, value); err != nil {
				return err
			}
			result.Settings++
		}
		return nil
	})
	if err != nil {
		if errors.IsInvalidFormat(err) || errors.IsConstraint(err) {
			return nil, err
		}
		return nil, errors.Wrap(errors.ErrImportFailed, "import failed", err)
	}

	result.Duration = time.Since(start)
	logging.Info("Snapshot imported", map[string]interface{}{
		"tables":   result.Tables,
		"settings": result.Settings,
	})
	return result, nil
}

// identity extracts the remote id and creation time of an exported row.
// Both are optional.
func identity(row map[string]interface{}) (string, time.Time, error) {
	var remoteID string
	if v, ok := row["remote_id"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return "", time.Time{}, fmt.Errorf("remote_id must be a string, got %T", v)
		}
		id, err := uuid.Normalize(s)
		if err != nil {
			return "", time.Time{}, err
		}
		remoteID = id
	}

	var createdAt time.Time
	if v, ok := row["created_at"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return "", time.Time{}, fmt.Errorf("created_at must be a string, got %T", v)
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return "", time.Time{}, fmt.Errorf("bad created_at: %w", err)
		}
		createdAt = t
	}
	return remoteID, createdAt, nil
}

// =====================================================
// Files
// =====================================================

// Encode serializes a snapshot, encrypting it when password is not empty.
func Encode(snap *Snapshot, password string) ([]byte, error) {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to encode snapshot", err)
	}
	if password == "" {
		return data, nil
	}
	enc, err := crypto.EncryptArchive(data, password)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "failed to encrypt snapshot", err)
	}
	return enc, nil
}

// Decode parses a snapshot written by Encode. Encrypted input needs the
// password it was written with.
func Decode(data []byte, password string) (*Snapshot, error) {
	if crypto.IsEncrypted(data) {
		if password == "" {
			return nil, errors.New(errors.ErrInvalidPassword, "backup is encrypted and no password was given")
		}
		plain, err := crypto.DecryptArchive(data, password)
		switch {
		case stderrors.Is(err, crypto.ErrInvalidPassword):
			return nil, errors.Wrap(errors.ErrInvalidPassword, "failed to decrypt backup", err)
		case err != nil:
			return nil, errors.Wrap(errors.ErrInvalidFormat, "failed to decrypt backup", err)
		}
		data = plain
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var snap Snapshot
	if err := dec.Decode(&snap); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidFormat, "backup is not a valid snapshot", err)
	}
	if snap.Data == nil {
		return nil, errors.New(errors.ErrInvalidFormat, "snapshot has no data")
	}
	return &snap, nil
}

// WriteFile writes the snapshot to path atomically and returns the size and
// SHA-256 checksum of the written bytes.
func WriteFile(path string, snap *Snapshot, password string) (int64, string, error) {
	data, err := Encode(snap, password)
	if err != nil {
		return 0, "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, "", errors.Wrap(errors.ErrExportFailed, "failed to create backup directory", err)
	}
	tmp, err := os.CreateTemp(dir, ".backup-*")
	if err != nil {
		return 0, "", errors.Wrap(errors.ErrExportFailed, "failed to create temp file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return 0, "", errors.Wrap(errors.ErrExportFailed, "failed to write backup", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, "", errors.Wrap(errors.ErrExportFailed, "failed to flush backup", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, "", errors.Wrap(errors.ErrExportFailed, "failed to close backup", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return 0, "", errors.Wrap(errors.ErrExportFailed, "failed to move backup into place", err)
	}

	sum := sha256.Sum256(data)
	return int64(len(data)), hex.EncodeToString(sum[:]), nil
}

// ReadFile reads a snapshot written by WriteFile.
func ReadFile(path, password string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrNotFound, "backup file not found", err)
		}
		return nil, errors.Wrap(errors.ErrImportFailed, "failed to read backup", err)
	}
	return Decode(data, password)
}

// ExportToFile exports the store and writes the snapshot to path.
func (s *Service) ExportToFile(ctx context.Context, path, password string) (*ExportResult, error) {
	start := time.Now()
	snap, err := s.Export(ctx)
	if err != nil {
		return nil, err
	}
	size, checksum, err := WriteFile(path, snap, password)
	if err != nil {
		return nil, err
	}
	return &ExportResult{
		FilePath:  path,
		SizeBytes: size,
		ItemCount: snap.Count(),
		Checksum:  checksum,
		Encrypted: password != "",
		Duration:  time.Since(start),
	}, nil
}

// ImportFromFile reads the snapshot at path and imports it.
func (s *Service) ImportFromFile(ctx context.Context, path, password string) (*ImportResult, error) {
	snap, err := ReadFile(path, password)
	if err != nil {
		return nil, err
	}
	return s.Import(ctx, snap)
}
