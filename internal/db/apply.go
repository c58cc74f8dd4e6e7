package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/kimhsiao/docsync/internal/models"
)

// RemoteVersion is a record as the remote authority knows it.
type RemoteVersion struct {
	RemoteID  string
	Fields    map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ApplyRemote writes a remote version locally as clean and synced, inserting
// the row if the remote id is unknown. No sync log entry is produced. It
// returns the local id.
func (c *conn) ApplyRemote(ctx context.Context, table string, rv RemoteVersion, syncedAt time.Time) (int64, error) {
	t, err := LookupTable(table)
	if err != nil {
		return 0, err
	}
	cols, args, err := t.encode(t.DomainFields(rv.Fields))
	if err != nil {
		return 0, err
	}

	created := toMillis(rv.CreatedAt)
	if rv.CreatedAt.IsZero() {
		created = toMillis(rv.UpdatedAt)
	}

	existing, err := c.getRow(ctx, t, "remote_id = ?", rv.RemoteID)
	if err != nil {
		return 0, err
	}

	if existing == nil {
		cols = append(cols, "remote_id", "created_at", "updated_at", "is_dirty", "sync_status", "last_sync", "is_deleted")
		args = append(args, rv.RemoteID, created, toMillis(rv.UpdatedAt), 0, string(models.SyncStatusSynced), toMillis(syncedAt), 0)
		res, err := c.q.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			t.Name, strings.Join(cols, ", "), placeholders(len(cols))), args...)
		if err != nil {
			return 0, classify("failed to apply remote insert to "+t.Name, err)
		}
		id, err := res.LastInsertId()
		return id, classify("failed to read applied id", err)
	}

	sets := make([]string, 0, len(cols)+6)
	for _, col := range cols {
		sets = append(sets, col+" = ?")
	}
	sets = append(sets, "created_at = ?", "updated_at = ?", "is_dirty = 0",
		"sync_status = 'synced'", "last_sync = ?", "is_deleted = 0")
	args = append(args, created, toMillis(rv.UpdatedAt), toMillis(syncedAt), existing.ID)

	if _, err := c.q.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s WHERE id = ?",
		t.Name, strings.Join(sets, ", ")), args...); err != nil {
		return 0, classify("failed to apply remote update to "+t.Name, err)
	}
	return existing.ID, nil
}

// MarkSynced clears the dirty flag of a record after a successful push,
// unless a newer change is still waiting in the sync log. It reports whether
// the record was marked.
func (c *conn) MarkSynced(ctx context.Context, table string, id int64, at time.Time) (bool, error) {
	t, err := LookupTable(table)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`UPDATE %[1]s SET is_dirty = 0, sync_status = 'synced', last_sync = ?
		WHERE id = ? AND NOT EXISTS (
			SELECT 1 FROM sync_log
			WHERE sync_log.table_name = ? AND sync_log.record_id = %[1]s.id
			  AND sync_log.status IN ('pending', 'failed')
		)`, t.Name)
	res, err := c.q.ExecContext(ctx, query, toMillis(at), id, t.Name)
	if err != nil {
		return false, classify("failed to mark "+t.Name+" synced", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailed flags a dirty record whose push failed.
func (c *conn) MarkFailed(ctx context.Context, table string, id int64) error {
	t, err := LookupTable(table)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET sync_status = 'failed' WHERE id = ? AND is_dirty = 1", t.Name), id)
	return classify("failed to mark "+t.Name+" failed", err)
}

// ClearAll empties every local table, including settings, the sync log and
// the conflict log.
func (c *conn) ClearAll(ctx context.Context) error {
	tables := []string{"sync_log", "conflict_log", "settings"}
	for _, t := range Tables() {
		tables = append(tables, t.Name)
	}
	for _, name := range tables {
		if _, err := c.q.ExecContext(ctx, "DELETE FROM "+name); err != nil {
			return classify("failed to clear "+name, err)
		}
	}
	return nil
}
