package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/docsync/internal/models"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// setupTestStore opens a migrated database in a temp dir with a controllable clock.
func setupTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	database, err := OpenPath(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)}
	s := NewStore(database)
	s.SetClock(clock.Now)
	return s, clock
}

func insertDoc(t *testing.T, s *Store, filename string) int64 {
	t.Helper()
	id, err := s.Insert(context.Background(), "documents", map[string]interface{}{"filename": filename})
	require.NoError(t, err)
	return id
}

// requireConsistent asserts the dirty and status invariant on every row of every table.
func requireConsistent(t *testing.T, s *Store) {
	t.Helper()
	for _, tbl := range Tables() {
		recs, err := s.Query(context.Background(), tbl.Name, Query{IncludeDeleted: true})
		require.NoError(t, err)
		for _, r := range recs {
			require.True(t, r.Consistent(), "%s/%d dirty=%v status=%s", tbl.Name, r.ID, r.IsDirty, r.SyncStatus)
		}
	}
}

func entriesFor(t *testing.T, s *Store, table string, id int64) []*models.SyncLogEntry {
	t.Helper()
	entries, err := s.SyncLog().ListForRecord(context.Background(), table, id)
	require.NoError(t, err)
	return entries
}
