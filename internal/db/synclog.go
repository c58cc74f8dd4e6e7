package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	apperrors "github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/models"
)

// SyncLog is the durable, ordered queue of local mutations awaiting upload.
type SyncLog struct {
	c *conn
}

const syncLogColumns = `id, operation_type, table_name, record_id, operation_data, status,
	error_message, retry_count, next_attempt_at, created_at, synced_at`

// Enqueue appends a pending entry carrying a snapshot of the record.
func (l *SyncLog) Enqueue(ctx context.Context, op models.Operation, table string, recordID int64, snapshot map[string]interface{}) (int64, error) {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrInternal, "failed to encode sync log snapshot", err)
	}
	now := l.c.now()
	res, err := l.c.q.ExecContext(ctx,
		`INSERT INTO sync_log (operation_type, table_name, record_id, operation_data, status, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, ?)`,
		string(op), table, recordID, string(data), now, now)
	if err != nil {
		return 0, classify("failed to append sync log entry", err)
	}
	id, err := res.LastInsertId()
	return id, classify("failed to read sync log id", err)
}

// ListPending returns pending entries oldest first.
func (l *SyncLog) ListPending(ctx context.Context) ([]*models.SyncLogEntry, error) {
	return l.list(ctx, `WHERE status = 'pending' ORDER BY created_at ASC, id ASC`)
}

// ListByStatus returns entries in the given status oldest first. limit <= 0 means all.
func (l *SyncLog) ListByStatus(ctx context.Context, status models.EntryStatus, limit int) ([]*models.SyncLogEntry, error) {
	if limit <= 0 {
		return l.list(ctx, `WHERE status = ? ORDER BY created_at ASC, id ASC`, string(status))
	}
	return l.list(ctx, `WHERE status = ? ORDER BY created_at ASC, id ASC LIMIT ?`, string(status), limit)
}

// ListForRecord returns every entry of a record oldest first.
func (l *SyncLog) ListForRecord(ctx context.Context, table string, recordID int64) ([]*models.SyncLogEntry, error) {
	return l.list(ctx, `WHERE table_name = ? AND record_id = ? ORDER BY created_at ASC, id ASC`, table, recordID)
}

// Get returns one entry.
func (l *SyncLog) Get(ctx context.Context, id int64) (*models.SyncLogEntry, error) {
	entries, err := l.list(ctx, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "sync log entry %d not found", id)
	}
	return entries[0], nil
}

// MarkCompleted marks an entry completed. Completing an already completed entry is a no-op.
func (l *SyncLog) MarkCompleted(ctx context.Context, id int64) error {
	res, err := l.c.q.ExecContext(ctx,
		`UPDATE sync_log SET status = 'completed', synced_at = COALESCE(synced_at, ?) WHERE id = ?`,
		l.c.now(), id)
	if err != nil {
		return classify("failed to complete sync log entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "sync log entry %d not found", id)
	}
	return nil
}

// MarkFailed records a failed push. The entry is eligible for retry immediately.
func (l *SyncLog) MarkFailed(ctx context.Context, id int64, message string) error {
	return l.MarkFailedUntil(ctx, id, message, time.Time{})
}

// MarkFailedUntil records a failed push and holds the entry back until nextAttempt.
func (l *SyncLog) MarkFailedUntil(ctx context.Context, id int64, message string, nextAttempt time.Time) error {
	next := l.c.now()
	if !nextAttempt.IsZero() {
		next = toMillis(nextAttempt)
	}
	res, err := l.c.q.ExecContext(ctx,
		`UPDATE sync_log SET status = 'failed', error_message = ?, retry_count = retry_count + 1, next_attempt_at = ?
		 WHERE id = ? AND status != 'completed'`,
		message, next, id)
	if err != nil {
		return classify("failed to mark sync log entry failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := l.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// RequeueFailed moves failed entries whose retry time has come back to
// pending. When maxAttempts is positive, entries that already failed that
// many times are parked as dead letters instead.
func (l *SyncLog) RequeueFailed(ctx context.Context, maxAttempts int) (requeued, deadLettered int, err error) {
	if maxAttempts > 0 {
		res, err := l.c.q.ExecContext(ctx,
			`UPDATE sync_log SET status = 'dead_letter' WHERE status = 'failed' AND retry_count >= ?`, maxAttempts)
		if err != nil {
			return 0, 0, classify("failed to dead-letter sync log entries", err)
		}
		n, _ := res.RowsAffected()
		deadLettered = int(n)
	}

	res, err := l.c.q.ExecContext(ctx,
		`UPDATE sync_log SET status = 'pending' WHERE status = 'failed' AND next_attempt_at <= ?`, l.c.now())
	if err != nil {
		return 0, deadLettered, classify("failed to requeue sync log entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), deadLettered, nil
}

// RetryDeadLetters returns dead-lettered entries to the queue with a fresh retry budget.
func (l *SyncLog) RetryDeadLetters(ctx context.Context) (int, error) {
	res, err := l.c.q.ExecContext(ctx,
		`UPDATE sync_log SET status = 'pending', retry_count = 0, next_attempt_at = ? WHERE status = 'dead_letter'`,
		l.c.now())
	if err != nil {
		return 0, classify("failed to retry dead letters", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Supersede completes the record's unfinished entries with an id below
// beforeID. A zero beforeID supersedes all of them.
func (l *SyncLog) Supersede(ctx context.Context, table string, recordID, beforeID int64) (int, error) {
	query := `UPDATE sync_log SET status = 'completed', synced_at = ?
		WHERE table_name = ? AND record_id = ? AND status != 'completed'`
	args := []interface{}{l.c.now(), table, recordID}
	if beforeID > 0 {
		query += ` AND id < ?`
		args = append(args, beforeID)
	}
	res, err := l.c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, classify("failed to supersede sync log entries", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Outstanding returns how many entries of the record are not completed.
func (l *SyncLog) Outstanding(ctx context.Context, table string, recordID int64) (int, error) {
	return l.c.outstanding(ctx, table, recordID)
}

// LastError returns the most recent failure message recorded for a record, if any.
func (l *SyncLog) LastError(ctx context.Context, table string, recordID int64) (string, error) {
	var msg sql.NullString
	err := l.c.q.QueryRowContext(ctx,
		`SELECT error_message FROM sync_log
		 WHERE table_name = ? AND record_id = ? AND status IN ('failed', 'dead_letter')
		 ORDER BY id DESC LIMIT 1`, table, recordID).Scan(&msg)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", classify("failed to read last sync error", err)
	}
	return msg.String, nil
}

// Stats counts entries per status.
func (l *SyncLog) Stats(ctx context.Context) (models.SyncLogStats, error) {
	var stats models.SyncLogStats
	rows, err := l.c.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_log GROUP BY status`)
	if err != nil {
		return stats, classify("failed to read sync log stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, classify("failed to scan sync log stats", err)
		}
		switch models.EntryStatus(status) {
		case models.EntryStatusPending:
			stats.Pending = n
		case models.EntryStatusCompleted:
			stats.Completed = n
		case models.EntryStatusFailed:
			stats.Failed = n
		case models.EntryStatusDeadLetter:
			stats.DeadLetter = n
		}
	}
	return stats, classify("failed to read sync log stats", rows.Err())
}

func (l *SyncLog) list(ctx context.Context, clause string, args ...interface{}) ([]*models.SyncLogEntry, error) {
	rows, err := l.c.q.QueryContext(ctx, "SELECT "+syncLogColumns+" FROM sync_log "+clause, args...)
	if err != nil {
		return nil, classify("failed to list sync log", err)
	}
	defer rows.Close()

	var out []*models.SyncLogEntry
	for rows.Next() {
		var (
			e         models.SyncLogEntry
			op        string
			data      string
			status    string
			errMsg    sql.NullString
			nextAt    int64
			createdAt int64
			syncedAt  sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &op, &e.TableName, &e.RecordID, &data, &status,
			&errMsg, &e.RetryCount, &nextAt, &createdAt, &syncedAt); err != nil {
			return nil, classify("failed to scan sync log entry", err)
		}
		e.OperationType = models.Operation(op)
		e.OperationData = json.RawMessage(data)
		e.Status = models.EntryStatus(status)
		if errMsg.Valid {
			msg := errMsg.String
			e.ErrorMessage = &msg
		}
		e.NextAttemptAt = fromMillis(nextAt)
		e.CreatedAt = fromMillis(createdAt)
		if syncedAt.Valid {
			t := fromMillis(syncedAt.Int64)
			e.SyncedAt = &t
		}
		out = append(out, &e)
	}
	return out, classify("failed to list sync log", rows.Err())
}
