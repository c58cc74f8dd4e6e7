package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/logging"
	"github.com/kimhsiao/docsync/internal/models"
)

// statusAfterEdit keeps failed records failed and moves everything else back to pending.
const statusAfterEdit = "CASE WHEN sync_status = 'failed' THEN 'failed' ELSE 'pending' END"

// Insert creates a record, marks it dirty and queues a create entry.
func (c *conn) Insert(ctx context.Context, table string, fields map[string]interface{}) (int64, error) {
	return c.InsertWithIdentity(ctx, table, c.ids(), time.Time{}, fields)
}

// InsertWithIdentity is Insert with a caller-chosen remote id and creation
// time, used when restoring backups. A zero createdAt means now.
func (c *conn) InsertWithIdentity(ctx context.Context, table, remoteID string, createdAt time.Time, fields map[string]interface{}) (int64, error) {
	t, err := LookupTable(table)
	if err != nil {
		return 0, err
	}
	cols, args, err := t.encode(fields)
	if err != nil {
		return 0, err
	}
	if remoteID == "" {
		remoteID = c.ids()
	}

	now := c.now()
	created := now
	if !createdAt.IsZero() {
		created = toMillis(createdAt)
	}

	cols = append(cols, "remote_id", "created_at", "updated_at", "is_dirty", "sync_status", "is_deleted")
	args = append(args, remoteID, created, now, 1, string(models.SyncStatusPending), 0)

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		t.Name, strings.Join(cols, ", "), placeholders(len(cols)))
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify("failed to insert into "+t.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, classify("failed to read inserted id", err)
	}

	if err := c.track(ctx, t, id, models.OperationCreate); err != nil {
		return 0, err
	}
	return id, nil
}

// Update changes fields of a live record, marks it dirty and queues an update entry.
func (c *conn) Update(ctx context.Context, table string, id int64, fields map[string]interface{}) error {
	t, err := LookupTable(table)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return apperrors.New(apperrors.ErrInvalid, "no fields to update")
	}
	cols, args, err := t.encode(fields)
	if err != nil {
		return err
	}

	sets := make([]string, 0, len(cols)+3)
	for _, col := range cols {
		sets = append(sets, col+" = ?")
	}
	sets = append(sets,
		"updated_at = MAX(?, updated_at)",
		"is_dirty = 1",
		"sync_status = "+statusAfterEdit,
	)
	args = append(args, c.now(), id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ? AND is_deleted = 0", t.Name, strings.Join(sets, ", "))
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return classify("failed to update "+t.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(table, id)
	}
	return c.track(ctx, t, id, models.OperationUpdate)
}

// Remove tombstones a live record and queues a delete entry.
func (c *conn) Remove(ctx context.Context, table string, id int64) error {
	t, err := LookupTable(table)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET is_deleted = 1, is_dirty = 1,
		updated_at = MAX(?, updated_at), sync_status = %s
		WHERE id = ? AND is_deleted = 0`, t.Name, statusAfterEdit)
	res, err := c.q.ExecContext(ctx, query, c.now(), id)
	if err != nil {
		return classify("failed to delete from "+t.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(table, id)
	}
	return c.track(ctx, t, id, models.OperationDelete)
}

// Delete physically removes a record whose sync log entries are all completed.
func (c *conn) Delete(ctx context.Context, table string, id int64) error {
	t, err := LookupTable(table)
	if err != nil {
		return err
	}
	outstanding, err := c.outstanding(ctx, t.Name, id)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return apperrors.Newf(apperrors.ErrPendingSync,
			"%s record %d has %d unsynced change(s)", t.Name, id, outstanding)
	}
	res, err := c.q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", t.Name), id)
	if err != nil {
		return classify("failed to delete from "+t.Name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound(table, id)
	}
	return nil
}

func (c *conn) outstanding(ctx context.Context, table string, id int64) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_log WHERE table_name = ? AND record_id = ? AND status != 'completed'`,
		table, id).Scan(&n)
	return n, classify("failed to count sync log entries", err)
}

// track appends the sync log entry for a mutation that just happened and
// verifies the record and log agree. Any disagreement aborts the transaction.
func (c *conn) track(ctx context.Context, t *Table, id int64, op models.Operation) error {
	rec, err := c.getRow(ctx, t, "id = ?", id)
	if err != nil {
		return err
	}
	if rec == nil {
		return c.inconsistent(t.Name, id, op, "record vanished after write")
	}

	entryID, err := (&SyncLog{c: c}).Enqueue(ctx, op, t.Name, id, rec.Snapshot())
	if err != nil {
		return err
	}

	if !rec.IsDirty || !rec.Consistent() {
		return c.inconsistent(t.Name, id, op,
			fmt.Sprintf("record not dirty after write (is_dirty=%v sync_status=%s)", rec.IsDirty, rec.SyncStatus))
	}

	var appended int
	if err := c.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_log WHERE table_name = ? AND record_id = ? AND id >= ?`,
		t.Name, id, entryID).Scan(&appended); err != nil {
		return classify("failed to verify sync log", err)
	}
	if appended != 1 {
		return c.inconsistent(t.Name, id, op, fmt.Sprintf("expected 1 sync log entry, found %d", appended))
	}
	return nil
}

func (c *conn) inconsistent(table string, id int64, op models.Operation, detail string) error {
	err := apperrors.Newf(apperrors.ErrConsistency, "%s %s record %d: %s", op, table, id, detail)
	logging.Error("Change tracking invariant violated", err,
		map[string]interface{}{
			"table":     table,
			"record_id": id,
			"operation": op,
		})
	return err
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
