package db

import (
	"context"
	"encoding/json"
	"time"

	apperrors "github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/models"
)

// Conflicts is the audit log of resolved concurrent edits.
type Conflicts struct {
	c *conn
}

// Record stores a resolution. It reports false when the same conflict was
// already recorded, which happens when a download batch is applied twice.
func (cl *Conflicts) Record(ctx context.Context, entry *models.ConflictLog) (bool, error) {
	local, err := json.Marshal(entry.LocalSnapshot)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrInternal, "failed to encode local snapshot", err)
	}
	remote, err := json.Marshal(entry.RemoteSnapshot)
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrInternal, "failed to encode remote snapshot", err)
	}
	detected := cl.c.now()
	if !entry.DetectedAt.IsZero() {
		detected = toMillis(entry.DetectedAt)
	}
	resolution := entry.Resolution
	if resolution == "" {
		resolution = models.ResolutionLastWriteWins
	}

	res, err := cl.c.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO conflict_log (table_name, record_id, remote_id, winner,
			local_updated_at, remote_updated_at, local_snapshot, remote_snapshot, resolution, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TableName, entry.RecordID, entry.RemoteID.String(), entry.Winner,
		toMillis(entry.LocalUpdatedAt), toMillis(entry.RemoteUpdatedAt),
		string(local), string(remote), resolution, detected)
	if err != nil {
		return false, classify("failed to record conflict", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	entry.ID, _ = res.LastInsertId()
	entry.DetectedAt = fromMillis(detected)
	entry.Resolution = resolution
	return true, nil
}

// List returns resolutions detected at or after since, newest first. limit <= 0 means all.
func (cl *Conflicts) List(ctx context.Context, since time.Time, limit int) ([]*models.ConflictLog, error) {
	query := `SELECT id, table_name, record_id, remote_id, winner, local_updated_at, remote_updated_at,
			local_snapshot, remote_snapshot, resolution, detected_at
		FROM conflict_log WHERE detected_at >= ? ORDER BY detected_at DESC, id DESC`
	args := []interface{}{toMillis(since)}
	if since.IsZero() {
		args[0] = int64(0)
	}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := cl.c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("failed to list conflicts", err)
	}
	defer rows.Close()

	var out []*models.ConflictLog
	for rows.Next() {
		var (
			e                     models.ConflictLog
			localAt, remoteAt, at int64
			local, remote         string
		)
		if err := rows.Scan(&e.ID, &e.TableName, &e.RecordID, &e.RemoteID, &e.Winner, &localAt, &remoteAt,
			&local, &remote, &e.Resolution, &at); err != nil {
			return nil, classify("failed to scan conflict", err)
		}
		e.LocalUpdatedAt = fromMillis(localAt)
		e.RemoteUpdatedAt = fromMillis(remoteAt)
		e.DetectedAt = fromMillis(at)
		if err := json.Unmarshal([]byte(local), &e.LocalSnapshot); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt local snapshot", err)
		}
		if err := json.Unmarshal([]byte(remote), &e.RemoteSnapshot); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "corrupt remote snapshot", err)
		}
		out = append(out, &e)
	}
	return out, classify("failed to list conflicts", rows.Err())
}
