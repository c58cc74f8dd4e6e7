package models

import "time"

// Setting is a local key/value pair. Settings are never synced.
type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConflictLog records a resolved concurrent edit with both sides preserved.
type ConflictLog struct {
	ID              int64                  `json:"id"`
	TableName       string                 `json:"table_name"`
	RecordID        int64                  `json:"record_id"`
	RemoteID        UUID                   `json:"remote_id"`
	Winner          string                 `json:"winner"` // local, remote
	LocalUpdatedAt  time.Time              `json:"local_updated_at"`
	RemoteUpdatedAt time.Time              `json:"remote_updated_at"`
	LocalSnapshot   map[string]interface{} `json:"local_snapshot"`
	RemoteSnapshot  map[string]interface{} `json:"remote_snapshot"`
	Resolution      string                 `json:"resolution"`
	DetectedAt      time.Time              `json:"detected_at"`
}

const (
	WinnerLocal  = "local"
	WinnerRemote = "remote"

	ResolutionLastWriteWins = "last_write_wins"
)
