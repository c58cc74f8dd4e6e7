package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of mutation a sync log entry records.
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// EntryStatus is the lifecycle state of a sync log entry.
type EntryStatus string

const (
	EntryStatusPending    EntryStatus = "pending"
	EntryStatusCompleted  EntryStatus = "completed"
	EntryStatusFailed     EntryStatus = "failed"
	EntryStatusDeadLetter EntryStatus = "dead_letter"
)

// SyncLogEntry is one durable, ordered record of a local mutation awaiting upload.
type SyncLogEntry struct {
	ID            int64           `json:"id"`
	OperationType Operation       `json:"operation_type"`
	TableName     string          `json:"table_name"`
	RecordID      int64           `json:"record_id"`
	OperationData json.RawMessage `json:"operation_data"`
	Status        EntryStatus     `json:"status"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	CreatedAt     time.Time       `json:"created_at"`
	SyncedAt      *time.Time      `json:"synced_at,omitempty"`
}

// Payload decodes OperationData into a column map.
func (e *SyncLogEntry) Payload() (map[string]interface{}, error) {
	var out map[string]interface{}
	if len(e.OperationData) == 0 {
		return map[string]interface{}{}, nil
	}
	if err := json.Unmarshal(e.OperationData, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SyncLogStats summarises the sync log by status.
type SyncLogStats struct {
	Pending    int `json:"pending"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	DeadLetter int `json:"dead_letter"`
}

// Total returns the number of entries counted.
func (s SyncLogStats) Total() int {
	return s.Pending + s.Completed + s.Failed + s.DeadLetter
}
