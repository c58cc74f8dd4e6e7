package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/models"
)

// TestSyncLog_OneEntryPerMutation verifies every tracked mutation appends exactly one entry.
func TestSyncLog_OneEntryPerMutation(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	id := insertDoc(t, s, "invoice.pdf")
	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		require.NoError(t, s.Update(ctx, "documents", id, map[string]interface{}{"extracted_text": "v" + string(rune('0'+i))}))
	}

	entries := entriesFor(t, s, "documents", id)
	require.Len(t, entries, 4)
	assert.Equal(t, models.OperationCreate, entries[0].OperationType)
	for _, e := range entries[1:] {
		assert.Equal(t, models.OperationUpdate, e.OperationType)
	}

	payload, err := entries[3].Payload()
	require.NoError(t, err)
	assert.Equal(t, "v2", payload["extracted_text"])
	assert.Equal(t, "invoice.pdf", payload["filename"])
}

// TestSyncLog_ListPendingFIFO verifies pending entries come back oldest first.
func TestSyncLog_ListPendingFIFO(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	a := insertDoc(t, s, "a.pdf")
	b := insertDoc(t, s, "b.pdf")
	clock.Advance(time.Second)
	require.NoError(t, s.Update(ctx, "documents", a, map[string]interface{}{"file_type": "pdf"}))

	pending, err := s.SyncLog().ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, []int64{a, b, a}, []int64{pending[0].RecordID, pending[1].RecordID, pending[2].RecordID})
	assert.Less(t, pending[0].ID, pending[1].ID)
}

// TestSyncLog_MarkCompletedIdempotent verifies completing twice is harmless.
func TestSyncLog_MarkCompletedIdempotent(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	id := insertDoc(t, s, "a.pdf")
	entry := entriesFor(t, s, "documents", id)[0]

	require.NoError(t, s.SyncLog().MarkCompleted(ctx, entry.ID))
	first, err := s.SyncLog().Get(ctx, entry.ID)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	require.NoError(t, s.SyncLog().MarkCompleted(ctx, entry.ID))
	second, err := s.SyncLog().Get(ctx, entry.ID)
	require.NoError(t, err)

	assert.Equal(t, models.EntryStatusCompleted, second.Status)
	require.NotNil(t, second.SyncedAt)
	assert.Equal(t, *first.SyncedAt, *second.SyncedAt)

	assert.True(t, apperrors.IsNotFound(s.SyncLog().MarkCompleted(ctx, 9999)))
}

// TestSyncLog_FailureBackoffAndDeadLetter walks an entry through retries until it is parked.
func TestSyncLog_FailureBackoffAndDeadLetter(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	log := s.SyncLog()
	id := insertDoc(t, s, "a.pdf")
	entry := entriesFor(t, s, "documents", id)[0]

	require.NoError(t, log.MarkFailedUntil(ctx, entry.ID, "connection refused", clock.Now().Add(time.Minute)))

	got, err := log.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryStatusFailed, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "connection refused", *got.ErrorMessage)

	requeued, dead, err := log.RequeueFailed(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, requeued, "not due yet")
	assert.Zero(t, dead)

	clock.Advance(time.Minute)
	requeued, _, err = log.RequeueFailed(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)

	require.NoError(t, log.MarkFailed(ctx, entry.ID, "timeout"))
	require.NoError(t, log.MarkFailed(ctx, entry.ID, "timeout"))

	requeued, dead, err = log.RequeueFailed(ctx, 3)
	require.NoError(t, err)
	assert.Zero(t, requeued)
	assert.Equal(t, 1, dead)

	stats, err := log.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.SyncLogStats{DeadLetter: 1}, stats)

	msg, err := log.LastError(ctx, "documents", id)
	require.NoError(t, err)
	assert.Equal(t, "timeout", msg)

	n, err := log.RetryDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = log.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryStatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
}

func TestSyncLog_UnboundedRetries(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	id := insertDoc(t, s, "a.pdf")
	entry := entriesFor(t, s, "documents", id)[0]

	for i := 0; i < 20; i++ {
		require.NoError(t, s.SyncLog().MarkFailed(ctx, entry.ID, "down"))
		requeued, dead, err := s.SyncLog().RequeueFailed(ctx, 0)
		require.NoError(t, err)
		assert.Equal(t, 1, requeued)
		assert.Zero(t, dead)
	}
}

func TestSyncLog_MarkFailedIgnoresCompleted(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	id := insertDoc(t, s, "a.pdf")
	entry := entriesFor(t, s, "documents", id)[0]

	require.NoError(t, s.SyncLog().MarkCompleted(ctx, entry.ID))
	require.NoError(t, s.SyncLog().MarkFailed(ctx, entry.ID, "late failure"))

	got, err := s.SyncLog().Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EntryStatusCompleted, got.Status)

	assert.True(t, apperrors.IsNotFound(s.SyncLog().MarkFailed(ctx, 4242, "x")))
}

func TestSyncLog_Supersede(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	id := insertDoc(t, s, "a.pdf")
	require.NoError(t, s.Update(ctx, "documents", id, map[string]interface{}{"file_type": "pdf"}))
	require.NoError(t, s.Update(ctx, "documents", id, map[string]interface{}{"file_type": "png"}))
	entries := entriesFor(t, s, "documents", id)

	n, err := s.SyncLog().Supersede(ctx, "documents", id, entries[2].ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	outstanding, err := s.SyncLog().Outstanding(ctx, "documents", id)
	require.NoError(t, err)
	assert.Equal(t, 1, outstanding)

	n, err = s.SyncLog().Supersede(ctx, "documents", id, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
