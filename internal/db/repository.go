package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/models"
	"github.com/kimhsiao/docsync/internal/uuid"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the local record store. Every mutation of a syncable table goes
// through the change tracker and commits together with its sync log entry.
type Store struct {
	db    *DB
	clock func() time.Time
	ids   func() string
}

// NewStore creates a Store over an opened database.
func NewStore(db *DB) *Store {
	return &Store{
		db:    db,
		clock: time.Now,
		ids:   uuid.New,
	}
}

// SetClock replaces the wall clock used for timestamps.
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

// DB returns the underlying database handle.
func (s *Store) DB() *DB {
	return s.db
}

// Now returns the store clock truncated to the stored precision.
func (s *Store) Now() time.Time {
	return fromMillis(toMillis(s.clock()))
}

func (s *Store) conn(q querier) *conn {
	return &conn{q: q, clock: s.clock, ids: s.ids}
}

// Tx is a unit of work spanning several store operations.
type Tx struct {
	*conn
}

// WithTx runs fn inside a transaction. The transaction commits if fn returns
// nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{conn: s.conn(sqlTx)}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return classify("failed to commit transaction", err)
	}
	return nil
}

// conn carries the record operations shared by Store and Tx.
type conn struct {
	q     querier
	clock func() time.Time
	ids   func() string
}

func (c *conn) now() int64 {
	return toMillis(c.clock())
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return toMillis(*t)
}

// =====================================================
// Store operations
// =====================================================

// Insert creates a record through the change tracker and returns its local id.
func (s *Store) Insert(ctx context.Context, table string, fields map[string]interface{}) (int64, error) {
	var id int64
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.Insert(ctx, table, fields)
		return err
	})
	return id, err
}

// Update changes fields of a record through the change tracker.
func (s *Store) Update(ctx context.Context, table string, id int64, fields map[string]interface{}) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.Update(ctx, table, id, fields)
	})
}

// Remove deletes a record locally: the row becomes a tombstone hidden from
// reads and a delete entry is queued. The sync engine removes the row once
// the delete has reached the remote.
func (s *Store) Remove(ctx context.Context, table string, id int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.Remove(ctx, table, id)
	})
}

// Delete physically removes a record. It fails with ErrPendingSync while any
// sync log entry for the record is not completed.
func (s *Store) Delete(ctx context.Context, table string, id int64) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		return tx.Delete(ctx, table, id)
	})
}

// Get returns a live record or ErrNotFound.
func (s *Store) Get(ctx context.Context, table string, id int64) (*models.Record, error) {
	return s.conn(s.db).Get(ctx, table, id)
}

// GetByRemoteID returns the record with the given remote identity, tombstones included.
func (s *Store) GetByRemoteID(ctx context.Context, table, remoteID string) (*models.Record, error) {
	return s.conn(s.db).GetByRemoteID(ctx, table, remoteID)
}

// Query lists records of a table.
func (s *Store) Query(ctx context.Context, table string, q Query) ([]*models.Record, error) {
	return s.conn(s.db).Query(ctx, table, q)
}

// Count returns how many records match q, ignoring paging.
func (s *Store) Count(ctx context.Context, table string, q Query) (int, error) {
	return s.conn(s.db).Count(ctx, table, q)
}

// LastSyncError returns the latest push failure of a record, or "" when it has none.
func (s *Store) LastSyncError(ctx context.Context, table string, id int64) (string, error) {
	return s.SyncLog().LastError(ctx, table, id)
}

// SyncLog returns the sync log outside any transaction.
func (s *Store) SyncLog() *SyncLog {
	return &SyncLog{c: s.conn(s.db)}
}

// Settings returns the settings table outside any transaction.
func (s *Store) Settings() *Settings {
	return &Settings{c: s.conn(s.db)}
}

// Conflicts returns the conflict audit log outside any transaction.
func (s *Store) Conflicts() *Conflicts {
	return &Conflicts{c: s.conn(s.db)}
}

// SyncLog returns the sync log bound to the transaction.
func (tx *Tx) SyncLog() *SyncLog {
	return &SyncLog{c: tx.conn}
}

// Settings returns the settings table bound to the transaction.
func (tx *Tx) Settings() *Settings {
	return &Settings{c: tx.conn}
}

// Conflicts returns the conflict audit log bound to the transaction.
func (tx *Tx) Conflicts() *Conflicts {
	return &Conflicts{c: tx.conn}
}

// Get returns a live record.
func (c *conn) Get(ctx context.Context, table string, id int64) (*models.Record, error) {
	t, err := LookupTable(table)
	if err != nil {
		return nil, err
	}
	rec, err := c.getRow(ctx, t, "id = ?", id)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.IsDeleted {
		return nil, notFound(table, id)
	}
	return rec, nil
}

// GetByRemoteID returns the record with the given remote identity, tombstones included.
func (c *conn) GetByRemoteID(ctx context.Context, table, remoteID string) (*models.Record, error) {
	t, err := LookupTable(table)
	if err != nil {
		return nil, err
	}
	rec, err := c.getRow(ctx, t, "remote_id = ?", remoteID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s record with remote id %s not found", table, remoteID)
	}
	return rec, nil
}

// getRow returns nil without error when no row matches.
func (c *conn) getRow(ctx context.Context, t *Table, where string, args ...interface{}) (*models.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", t.selectList(), t.Name, where)
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("failed to read "+t.Name, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, classify("failed to read "+t.Name, rows.Err())
	}
	return scanRecord(t, rows)
}

// Query lists records of a table.
func (c *conn) Query(ctx context.Context, table string, q Query) ([]*models.Record, error) {
	t, err := LookupTable(table)
	if err != nil {
		return nil, err
	}

	where, args, err := q.where(t)
	if err != nil {
		return nil, err
	}
	order, err := q.orderBy(t)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s", t.selectList(), t.Name, where, order)
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("failed to query "+t.Name, err)
	}
	defer rows.Close()

	var out []*models.Record
	for rows.Next() {
		rec, err := scanRecord(t, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, classify("failed to query "+t.Name, rows.Err())
}

// Count returns how many records match q, ignoring paging.
func (c *conn) Count(ctx context.Context, table string, q Query) (int, error) {
	t, err := LookupTable(table)
	if err != nil {
		return 0, err
	}
	where, args, err := q.where(t)
	if err != nil {
		return 0, err
	}
	var n int
	err = c.q.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", t.Name, where), args...).Scan(&n)
	return n, classify("failed to count "+t.Name, err)
}

func scanRecord(t *Table, rows *sql.Rows) (*models.Record, error) {
	var (
		rec       models.Record
		createdAt int64
		updatedAt int64
		isDirty   int64
		status    string
		lastSync  sql.NullInt64
		isDeleted int64
	)
	raw := make([]interface{}, len(t.Columns))
	dest := []interface{}{&rec.ID, &rec.RemoteID, &createdAt, &updatedAt, &isDirty, &status, &lastSync, &isDeleted}
	for i := range raw {
		dest = append(dest, &raw[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, classify("failed to scan "+t.Name, err)
	}

	rec.Table = t.Name
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	rec.IsDirty = isDirty == 1
	rec.SyncStatus = models.SyncStatus(status)
	rec.IsDeleted = isDeleted == 1
	if lastSync.Valid {
		ls := fromMillis(lastSync.Int64)
		rec.LastSync = &ls
	}

	rec.Fields = make(map[string]interface{}, len(t.Columns))
	for i, col := range t.Columns {
		v, err := decodeValue(col, raw[i])
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, fmt.Sprintf("failed to decode %s.%s", t.Name, col.Name), err)
		}
		rec.Fields[col.Name] = v
	}
	return &rec, nil
}

// =====================================================
// Query options
// =====================================================

// Query selects and orders records. The zero value lists every live record
// newest first.
type Query struct {
	Filters        []Filter
	OrderBy        string // defaults to created_at
	Ascending      bool
	Limit          int
	Offset         int
	IncludeDeleted bool
}

func (q Query) where(t *Table) (string, []interface{}, error) {
	parts := []string{"1=1"}
	var args []interface{}
	if !q.IncludeDeleted {
		parts = append(parts, "is_deleted = 0")
	}
	for _, f := range q.Filters {
		if cf, ok := f.(columnFilter); ok && !t.sortable(cf.column()) {
			return "", nil, apperrors.Newf(apperrors.ErrInvalid, "unknown column %q for table %s", cf.column(), t.Name)
		}
		if !f.Valid() {
			return "", nil, apperrors.Newf(apperrors.ErrInvalid, "invalid filter %T", f)
		}
		parts = append(parts, f.SQL())
		args = append(args, f.Args()...)
	}
	return strings.Join(parts, " AND "), args, nil
}

func (q Query) orderBy(t *Table) (string, error) {
	col := q.OrderBy
	if col == "" {
		col = "created_at"
	}
	if !t.sortable(col) {
		return "", apperrors.Newf(apperrors.ErrInvalid, "cannot order %s by %q", t.Name, col)
	}
	dir := "DESC"
	if q.Ascending {
		dir = "ASC"
	}
	if col == "id" {
		return "id " + dir, nil
	}
	return fmt.Sprintf("%s %s, id %s", col, dir, dir), nil
}
