package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestUUID_Scan verifies scanning from the driver representations.
func TestUUID_Scan(t *testing.T) {
	tests := []struct {
		name  string
		value interface{}
		want  UUID
		err   bool
	}{
		{"nil", nil, "", false},
		{"string", "123e4567-e89b-42d3-a456-426614174000", "123e4567-e89b-42d3-a456-426614174000", false},
		{"bytes", []byte("abc"), "abc", false},
		{"int", 42, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var u UUID
			err := u.Scan(tt.value)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u)
		})
	}
}

// TestRecord_Consistent verifies the dirty flag and status invariant check.
func TestRecord_Consistent(t *testing.T) {
	tests := []struct {
		dirty  bool
		status SyncStatus
		want   bool
	}{
		{true, SyncStatusPending, true},
		{true, SyncStatusFailed, true},
		{true, SyncStatusSynced, false},
		{false, SyncStatusSynced, true},
		{false, SyncStatusFailed, false},
		{false, SyncStatusPending, false},
	}

	for _, tt := range tests {
		r := &Record{IsDirty: tt.dirty, SyncStatus: tt.status}
		assert.Equal(t, tt.want, r.Consistent(), "dirty=%v status=%s", tt.dirty, tt.status)
	}
}

func TestRecord_Snapshot(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	r := &Record{
		ID:         3,
		RemoteID:   "r-1",
		Fields:     map[string]interface{}{"filename": "invoice.pdf"},
		CreatedAt:  now,
		UpdatedAt:  now,
		IsDirty:    true,
		SyncStatus: SyncStatusPending,
	}

	snap := r.Snapshot()
	assert.Equal(t, "invoice.pdf", snap["filename"])
	assert.Equal(t, "r-1", snap["remote_id"])
	assert.Equal(t, "2024-03-01T10:00:00Z", snap["created_at"])
	assert.Nil(t, snap["last_sync"])
	assert.NotContains(t, snap, "is_deleted")

	_, err := json.Marshal(snap)
	require.NoError(t, err)
}

func TestDocument_roundTrip(t *testing.T) {
	doc := &Document{
		Filename:         "invoice.pdf",
		FileType:         "pdf",
		FileSize:         2048,
		ProcessingStatus: ProcessingCompleted,
		ProcessedData:    json.RawMessage(`{"total":"42.00"}`),
		ConfidenceScore:  0.93,
	}

	fields := doc.ToFields()
	assert.NotContains(t, fields, "original_path")

	back := DocumentFromRecord(&Record{Fields: fields})
	assert.Equal(t, doc.Filename, back.Filename)
	assert.Equal(t, doc.FileSize, back.FileSize)
	assert.Equal(t, doc.ConfidenceScore, back.ConfidenceScore)
	assert.JSONEq(t, `{"total":"42.00"}`, string(back.ProcessedData))
}

func TestSyncLogEntry_Payload(t *testing.T) {
	e := &SyncLogEntry{OperationData: json.RawMessage(`{"filename":"a.pdf"}`)}
	p, err := e.Payload()
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", p["filename"])

	empty := &SyncLogEntry{}
	p, err = empty.Payload()
	require.NoError(t, err)
	assert.Empty(t, p)

	assert.Equal(t, 6, SyncLogStats{Pending: 1, Completed: 2, Failed: 1, DeadLetter: 2}.Total())
}
