// Package models provides data model definitions for docsync.
package models

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// SyncStatus is the per-record synchronization state.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSynced, SyncStatusFailed:
		return true
	}
	return false
}

// Record is a row of a syncable table. Domain columns live in Fields,
// bookkeeping columns are promoted to struct fields.
type Record struct {
	ID         int64                  `json:"id"`
	RemoteID   UUID                   `json:"remote_id"`
	Table      string                 `json:"-"`
	Fields     map[string]interface{} `json:"fields"`
	CreatedAt  time.Time              `json:"created_at"`
	UpdatedAt  time.Time              `json:"updated_at"`
	IsDirty    bool                   `json:"is_dirty"`
	SyncStatus SyncStatus             `json:"sync_status"`
	LastSync   *time.Time             `json:"last_sync,omitempty"`
	IsDeleted  bool                   `json:"is_deleted,omitempty"`
}

// Consistent reports whether the dirty flag agrees with the sync status.
func (r *Record) Consistent() bool {
	if r.IsDirty {
		return r.SyncStatus == SyncStatusPending || r.SyncStatus == SyncStatusFailed
	}
	return r.SyncStatus == SyncStatusSynced
}

// Snapshot returns the record as a flat column map, suitable for sync payloads and backups.
func (r *Record) Snapshot() map[string]interface{} {
	out := make(map[string]interface{}, len(r.Fields)+8)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["id"] = r.ID
	out["remote_id"] = r.RemoteID.String()
	out["created_at"] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	out["updated_at"] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	out["is_dirty"] = r.IsDirty
	out["sync_status"] = string(r.SyncStatus)
	if r.LastSync != nil {
		out["last_sync"] = r.LastSync.UTC().Format(time.RFC3339Nano)
	} else {
		out["last_sync"] = nil
	}
	if r.IsDeleted {
		out["is_deleted"] = true
	}
	return out
}

// Field returns a domain field as a string, or "" when absent.
func (r *Record) Field(name string) string {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
