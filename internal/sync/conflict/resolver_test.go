package conflict

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/docsync/internal/models"
)

var base = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func record(filename string, updated time.Time, dirty bool) *models.Record {
	status := models.SyncStatusSynced
	if dirty {
		status = models.SyncStatusPending
	}
	return &models.Record{
		ID:         4,
		RemoteID:   "0b0d2f6e-4c71-4c1a-9d7e-3b9e4a7f9a10",
		Table:      "documents",
		Fields:     map[string]interface{}{"filename": filename},
		CreatedAt:  base,
		UpdatedAt:  updated,
		IsDirty:    dirty,
		SyncStatus: status,
	}
}

func TestResolver_LastWriteWins(t *testing.T) {
	tests := []struct {
		name   string
		local  time.Time
		remote time.Time
		want   string
	}{
		{"local newer", base.Add(time.Minute), base, models.WinnerLocal},
		{"remote newer", base, base.Add(time.Minute), models.WinnerRemote},
		{"tie goes to local", base, base, models.WinnerLocal},
	}

	r := NewResolver(StrategyLastWriteWins)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := r.DetectConflict(record("local.pdf", tt.local, true), record("remote.pdf", tt.remote, false))
			require.True(t, ok)

			res, err := r.Resolve(c)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Winner)
			assert.Equal(t, tt.want == models.WinnerRemote, res.RemoteWins())

			require.NotNil(t, res.Log)
			assert.Equal(t, "documents", res.Log.TableName)
			assert.Equal(t, int64(4), res.Log.RecordID)
			assert.Equal(t, tt.local, res.Log.LocalUpdatedAt)
			assert.Equal(t, tt.remote, res.Log.RemoteUpdatedAt)
			assert.Equal(t, "local.pdf", res.Log.LocalSnapshot["filename"])
			assert.Equal(t, "remote.pdf", res.Log.RemoteSnapshot["filename"])
			assert.Equal(t, models.ResolutionLastWriteWins, res.Log.Resolution)
		})
	}
}

func TestResolver_FixedStrategies(t *testing.T) {
	local := record("local.pdf", base.Add(time.Hour), true)
	remote := record("remote.pdf", base, false)

	res, err := NewResolver(StrategyPreferRemote).Resolve(&Conflict{Local: local, Remote: remote})
	require.NoError(t, err)
	assert.True(t, res.RemoteWins())
	assert.False(t, res.Log.DetectedAt.IsZero())

	res, err = NewResolver(StrategyPreferRemote).Resolve(&Conflict{Local: record("l", base, true), Remote: record("r", base, false)})
	require.NoError(t, err)
	assert.True(t, res.RemoteWins(), "even on a tie")
	assert.Equal(t, "prefer_remote", res.Log.Resolution)
}

func TestDetectConflict(t *testing.T) {
	r := NewResolver(StrategyLastWriteWins)
	r.SetClock(func() time.Time { return base })

	_, ok := r.DetectConflict(record("a", base, false), record("b", base, false))
	assert.False(t, ok, "clean local copy is not a conflict")

	_, ok = r.DetectConflict(nil, record("b", base, false))
	assert.False(t, ok)

	other := record("b", base, false)
	other.RemoteID = "ffffffff-4c71-4c1a-9d7e-3b9e4a7f9a10"
	_, ok = r.DetectConflict(record("a", base, true), other)
	assert.False(t, ok)

	c, ok := r.DetectConflict(record("a", base, true), record("b", base, false))
	require.True(t, ok)
	assert.Equal(t, base, c.DetectedAt)
}

func TestResolver_InvalidConflict(t *testing.T) {
	r := NewResolver("")
	assert.Equal(t, StrategyLastWriteWins, r.Strategy())

	_, err := r.Resolve(&Conflict{Local: record("a", base, true)})
	assert.True(t, errors.Is(err, ErrInvalidConflict))
	assert.True(t, IsConflictError(err))

	other := record("b", base, false)
	other.RemoteID = "ffffffff-4c71-4c1a-9d7e-3b9e4a7f9a10"
	_, err = r.Resolve(&Conflict{Local: record("a", base, true), Remote: other})
	assert.Equal(t, ErrRemoteIDMismatch, err)
}

func TestParseStrategy(t *testing.T) {
	assert.Equal(t, StrategyLastWriteWins, ParseStrategy("prefer_local"))
	assert.Equal(t, StrategyPreferRemote, ParseStrategy("prefer_remote"))
	assert.Equal(t, StrategyLastWriteWins, ParseStrategy("manual"))
}
