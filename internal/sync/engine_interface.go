// Package sync uploads locally tracked changes to a remote authority and
// applies remote changes locally.
package sync

import (
	"context"
	"time"
)

// SyncEngineInterface defines the interface for sync engine operations.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	// Sync uploads pending changes, then downloads remote changes.
	Sync(ctx context.Context) (*SyncResult, error)

	// UploadPendingChanges pushes the coalesced sync log.
	UploadPendingChanges(ctx context.Context) (*SyncResult, error)

	// DownloadRemoteChanges applies remote changes newer than the watermark.
	DownloadRemoteChanges(ctx context.Context) (*SyncResult, error)

	// SetEventHandler sets the event handler for sync notifications.
	SetEventHandler(handler SyncEventHandler)

	// Status returns the current sync status.
	Status() SyncStatus

	// LastSync returns the timestamp of the last successful pass.
	LastSync() *time.Time

	// PendingChanges returns the number of sync log entries not yet pushed.
	PendingChanges() int

	// LastError returns the error of the last pass, nil if it succeeded.
	LastError() error
}

// SyncEventType names a sync notification.
type SyncEventType string

const (
	SyncEventStarted      SyncEventType = "sync.started"
	SyncEventCompleted    SyncEventType = "sync.completed"
	SyncEventFailed       SyncEventType = "sync.failed"
	SyncEventUploadItem   SyncEventType = "sync.upload_item"
	SyncEventUploadFailed SyncEventType = "sync.upload_failed"
	SyncEventDownloadItem SyncEventType = "sync.download_item"
	SyncEventConflict     SyncEventType = "sync.conflict"
)

// SyncEvent is emitted while a pass runs.
type SyncEvent struct {
	Type      SyncEventType          `json:"type"`
	Message   string                 `json:"message,omitempty"`
	Table     string                 `json:"table,omitempty"`
	RecordID  int64                  `json:"record_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// SyncEventHandler receives sync events. Handlers are called synchronously
// from the pass and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f(event).
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) {
	f(event)
}
