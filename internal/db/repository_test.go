package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/models"
	"github.com/kimhsiao/docsync/internal/uuid"
)

// TestStore_Insert verifies a new record starts dirty and pending with a remote identity.
func TestStore_Insert(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, "documents", map[string]interface{}{
		"filename":         "invoice.pdf",
		"file_size":        2048,
		"processed_data":   map[string]interface{}{"total": "42.00"},
		"confidence_score": 0.9,
	})
	require.NoError(t, err)

	rec, err := s.Get(ctx, "documents", id)
	require.NoError(t, err)
	assert.Equal(t, "invoice.pdf", rec.Fields["filename"])
	assert.Equal(t, int64(2048), rec.Fields["file_size"])
	assert.Equal(t, 0.9, rec.Fields["confidence_score"])
	assert.Equal(t, map[string]interface{}{"total": "42.00"}, rec.Fields["processed_data"])
	assert.Equal(t, "uploaded", rec.Fields["processing_status"])
	assert.Nil(t, rec.Fields["original_path"])
	assert.True(t, rec.IsDirty)
	assert.Equal(t, models.SyncStatusPending, rec.SyncStatus)
	assert.Nil(t, rec.LastSync)
	assert.True(t, uuid.IsValid(rec.RemoteID.String()))
	assert.Equal(t, clock.Now(), rec.CreatedAt)
	assert.Equal(t, rec.CreatedAt, rec.UpdatedAt)
}

func TestStore_InsertIDsIncrease(t *testing.T) {
	s, _ := setupTestStore(t)
	first := insertDoc(t, s, "a.pdf")
	second := insertDoc(t, s, "b.pdf")
	assert.Greater(t, second, first)
}

// TestStore_InsertErrors verifies validation and constraint failures leave no trace.
func TestStore_InsertErrors(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		table  string
		fields map[string]interface{}
		code   apperrors.ErrorCode
	}{
		{"unknown table", "invoices", map[string]interface{}{"x": 1}, apperrors.ErrInvalid},
		{"unknown field", "documents", map[string]interface{}{"filename": "a", "color": "red"}, apperrors.ErrInvalid},
		{"wrong type", "documents", map[string]interface{}{"filename": "a", "file_size": "big"}, apperrors.ErrInvalid},
		{"missing required", "documents", map[string]interface{}{"file_type": "pdf"}, apperrors.ErrConstraint},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Insert(ctx, tt.table, tt.fields)
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, tt.code), "got %v", err)
		})
	}

	stats, err := s.SyncLog().Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Total(), "failed inserts must not leave sync log entries")
}

func TestStore_InsertUniqueViolation(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	_, err := s.Insert(ctx, "user_profiles", map[string]interface{}{"email": "ana@example.com"})
	require.NoError(t, err)

	_, err = s.Insert(ctx, "user_profiles", map[string]interface{}{"email": "ana@example.com"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConstraint(err))

	n, err := s.Count(ctx, "user_profiles", Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

// TestStore_UpdateStatusTransitions verifies how an edit moves sync_status.
func TestStore_UpdateStatusTransitions(t *testing.T) {
	tests := []struct {
		name   string
		before models.SyncStatus
		dirty  int
		want   models.SyncStatus
	}{
		{"pending stays pending", models.SyncStatusPending, 1, models.SyncStatusPending},
		{"synced goes back to pending", models.SyncStatusSynced, 0, models.SyncStatusPending},
		{"failed stays failed", models.SyncStatusFailed, 1, models.SyncStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock := setupTestStore(t)
			ctx := context.Background()
			id := insertDoc(t, s, "a.pdf")

			_, err := s.DB().Exec(`UPDATE documents SET is_dirty = ?, sync_status = ? WHERE id = ?`, tt.dirty, string(tt.before), id)
			require.NoError(t, err)

			clock.Advance(time.Minute)
			require.NoError(t, s.Update(ctx, "documents", id, map[string]interface{}{"processing_status": "completed"}))

			rec, err := s.Get(ctx, "documents", id)
			require.NoError(t, err)
			assert.True(t, rec.IsDirty)
			assert.Equal(t, tt.want, rec.SyncStatus)
			assert.Equal(t, clock.Now(), rec.UpdatedAt)
			assert.Equal(t, "completed", rec.Fields["processing_status"])
			requireConsistent(t, s)
		})
	}
}

func TestStore_UpdateErrors(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	id := insertDoc(t, s, "a.pdf")

	err := s.Update(ctx, "documents", id+100, map[string]interface{}{"filename": "x"})
	assert.True(t, apperrors.IsNotFound(err))

	err = s.Update(ctx, "documents", id, map[string]interface{}{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	err = s.Update(ctx, "documents", id, map[string]interface{}{"filename": nil})
	assert.True(t, apperrors.IsConstraint(err))

	assert.Len(t, entriesFor(t, s, "documents", id), 1, "only the create entry should exist")
}

func TestStore_UpdatedAtNeverMovesBackwards(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()
	id := insertDoc(t, s, "a.pdf")
	before, err := s.Get(ctx, "documents", id)
	require.NoError(t, err)

	clock.Advance(-time.Hour)
	require.NoError(t, s.Update(ctx, "documents", id, map[string]interface{}{"file_type": "pdf"}))

	after, err := s.Get(ctx, "documents", id)
	require.NoError(t, err)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}

// TestStore_Remove verifies local deletes tombstone the row and queue a delete.
func TestStore_Remove(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	id := insertDoc(t, s, "a.pdf")

	require.NoError(t, s.Remove(ctx, "documents", id))

	_, err := s.Get(ctx, "documents", id)
	assert.True(t, apperrors.IsNotFound(err))

	rec, err := s.GetByRemoteID(ctx, "documents", mustRemoteID(t, s, id))
	require.NoError(t, err)
	assert.True(t, rec.IsDeleted)
	assert.True(t, rec.IsDirty)

	entries := entriesFor(t, s, "documents", id)
	require.Len(t, entries, 2)
	assert.Equal(t, models.OperationDelete, entries[1].OperationType)

	assert.True(t, apperrors.IsNotFound(s.Remove(ctx, "documents", id)))
	requireConsistent(t, s)
}

func mustRemoteID(t *testing.T, s *Store, id int64) string {
	t.Helper()
	recs, err := s.Query(context.Background(), "documents", Query{
		IncludeDeleted: true,
		Filters:        []Filter{&FieldEqualsFilter{Field: "id", Value: id}},
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	return recs[0].RemoteID.String()
}

// TestStore_DeleteRequiresCompletedEntries verifies physical deletion waits for sync.
func TestStore_DeleteRequiresCompletedEntries(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	id := insertDoc(t, s, "a.pdf")

	err := s.Delete(ctx, "documents", id)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrPendingSync))

	for _, e := range entriesFor(t, s, "documents", id) {
		require.NoError(t, s.SyncLog().MarkCompleted(ctx, e.ID))
	}
	require.NoError(t, s.Delete(ctx, "documents", id))
	assert.True(t, apperrors.IsNotFound(s.Delete(ctx, "documents", id)))
}

// TestStore_QueryOrdering verifies newest-first order with id as the tiebreaker.
func TestStore_QueryOrdering(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	a := insertDoc(t, s, "a.pdf")
	b := insertDoc(t, s, "b.pdf") // same created_at as a
	clock.Advance(time.Second)
	c := insertDoc(t, s, "c.pdf")

	recs, err := s.Query(ctx, "documents", Query{})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []int64{c, b, a}, []int64{recs[0].ID, recs[1].ID, recs[2].ID})

	recs, err = s.Query(ctx, "documents", Query{Ascending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []int64{a, b}, []int64{recs[0].ID, recs[1].ID})

	recs, err = s.Query(ctx, "documents", Query{Ascending: true, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, c, recs[0].ID)

	_, err = s.Query(ctx, "documents", Query{OrderBy: "filename; DROP TABLE documents"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestStore_QueryFilters(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	a := insertDoc(t, s, "invoice-march.pdf")
	clock.Advance(time.Hour)
	insertDoc(t, s, "receipt.png")
	_, err := s.DB().Exec(`UPDATE documents SET is_dirty = 0, sync_status = 'synced' WHERE id = ?`, a)
	require.NoError(t, err)

	fb := NewFilterBuilder().Dirty(false).SyncStatus(models.SyncStatusSynced)
	recs, err := s.Query(ctx, "documents", Query{Filters: fb.Filters()})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, a, recs[0].ID)

	recs, err = s.Query(ctx, "documents", Query{Filters: NewFilterBuilder().Contains("filename", "receipt").Filters()})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "receipt.png", recs[0].Fields["filename"])

	recs, err = s.Query(ctx, "documents", Query{Filters: NewFilterBuilder().CreatedBetween(clock.Now().Add(-time.Minute), time.Time{}).Filters()})
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = s.Query(ctx, "documents", Query{Filters: []Filter{&FieldEqualsFilter{Field: "password", Value: "x"}}})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// TestStore_InvariantHoldsAcrossOperations drives a mixed workload and checks the invariant after each step.
func TestStore_InvariantHoldsAcrossOperations(t *testing.T) {
	s, clock := setupTestStore(t)
	ctx := context.Background()

	ops := []func() error{
		func() error { _, err := s.Insert(ctx, "documents", map[string]interface{}{"filename": "a"}); return err },
		func() error { _, err := s.Insert(ctx, "user_profiles", map[string]interface{}{"email": "x@y.z"}); return err },
		func() error { return s.Update(ctx, "documents", 1, map[string]interface{}{"extracted_text": "hello"}) },
		func() error {
			return s.WithTx(ctx, func(tx *Tx) error {
				_, err := tx.MarkSynced(ctx, "user_profiles", 1, clock.Now())
				return err
			})
		},
		func() error { return s.Update(ctx, "user_profiles", 1, map[string]interface{}{"display_name": "X"}) },
		func() error { return s.Remove(ctx, "documents", 1) },
	}

	for i, op := range ops {
		clock.Advance(time.Second)
		require.NoError(t, op(), "op %d", i)
		requireConsistent(t, s)
	}
}

// TestStore_LostLogEntryRollsBack drops every new sync log row with a trigger,
// so the tracked write must detect the missing entry and undo itself.
func TestStore_LostLogEntryRollsBack(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()
	id := insertDoc(t, s, "before.pdf")

	_, err := s.DB().ExecContext(ctx, `CREATE TRIGGER drop_sync_log AFTER INSERT ON sync_log
		BEGIN DELETE FROM sync_log WHERE id = NEW.id; END`)
	require.NoError(t, err)

	_, err = s.Insert(ctx, "documents", map[string]interface{}{"filename": "lost.pdf"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConsistency(err), err.Error())
	n, err := s.Count(ctx, "documents", Query{})
	require.NoError(t, err)
	assert.Equal(t, 1, n, "insert rolled back")

	err = s.Update(ctx, "documents", id, map[string]interface{}{"filename": "after.pdf"})
	assert.True(t, apperrors.IsConsistency(err))
	rec, err := s.Get(ctx, "documents", id)
	require.NoError(t, err)
	assert.Equal(t, "before.pdf", rec.Field("filename"), "update rolled back")

	err = s.Remove(ctx, "documents", id)
	assert.True(t, apperrors.IsConsistency(err))
	rec, err = s.Get(ctx, "documents", id)
	require.NoError(t, err)
	assert.False(t, rec.IsDeleted, "delete rolled back")

	assert.Len(t, entriesFor(t, s, "documents", id), 1)
	requireConsistent(t, s)
}

func TestStore_ConcurrentWritesSerialize(t *testing.T) {
	s, _ := setupTestStore(t)
	ctx := context.Background()

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for i := 0; i < 5; i++ {
				id, err := s.Insert(ctx, "documents", map[string]interface{}{
					"filename": fmt.Sprintf("w%d-%d.pdf", w, i),
				})
				if err != nil {
					return err
				}
				if err := s.Update(ctx, "documents", id, map[string]interface{}{"file_size": i}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	n, err := s.Count(ctx, "documents", Query{})
	require.NoError(t, err)
	assert.Equal(t, 40, n)
	stats, err := s.SyncLog().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, stats.Pending)
	requireConsistent(t, s)
}
