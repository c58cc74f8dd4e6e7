// Package conflict resolves concurrent edits of the same record made locally
// and on the remote.
package conflict

import (
	"time"

	"github.com/kimhsiao/docsync/internal/logging"
	"github.com/kimhsiao/docsync/internal/models"
)

// Strategy defines how conflicts are resolved.
type Strategy string

const (
	// StrategyLastWriteWins keeps the side with the newer updated_at. Ties go to local.
	StrategyLastWriteWins Strategy = "last_write_wins"
	// StrategyPreferRemote always discards the local edit.
	StrategyPreferRemote Strategy = "prefer_remote"
)

// ParseStrategy maps a configured name to a Strategy, defaulting to last-write-wins.
func ParseStrategy(name string) Strategy {
	switch Strategy(name) {
	case StrategyPreferRemote:
		return StrategyPreferRemote
	default:
		return StrategyLastWriteWins
	}
}

// Resolver decides the winner of a conflict and produces its audit entry.
type Resolver struct {
	strategy Strategy
	clock    func() time.Time
}

// NewResolver creates a Resolver with the given strategy.
func NewResolver(strategy Strategy) *Resolver {
	return &Resolver{strategy: ParseStrategy(string(strategy)), clock: time.Now}
}

// Strategy returns the configured strategy.
func (r *Resolver) Strategy() Strategy {
	return r.strategy
}

// SetClock replaces the clock used for detection timestamps.
func (r *Resolver) SetClock(clock func() time.Time) {
	r.clock = clock
}

// Conflict is a record changed on both sides since the last sync.
type Conflict struct {
	Local      *models.Record
	Remote     *models.Record
	DetectedAt time.Time
}

// Result is the outcome of a resolution.
type Result struct {
	Winner   string
	Strategy Strategy
	Log      *models.ConflictLog
}

// RemoteWins reports whether the remote version must be applied locally.
func (r *Result) RemoteWins() bool {
	return r.Winner == models.WinnerRemote
}

// DetectConflict reports a conflict when the local copy of the remote record
// still has unsynced changes.
func (r *Resolver) DetectConflict(local, remote *models.Record) (*Conflict, bool) {
	if local == nil || remote == nil {
		return nil, false
	}
	if local.RemoteID != remote.RemoteID {
		return nil, false
	}
	if !local.IsDirty {
		return nil, false
	}

	c := &Conflict{Local: local, Remote: remote, DetectedAt: r.clock().UTC()}

	logging.Warn("Concurrent edit conflict detected",
		map[string]interface{}{
			"table":            local.Table,
			"record_id":        local.ID,
			"remote_id":        local.RemoteID,
			"local_timestamp":  local.UpdatedAt,
			"remote_timestamp": remote.UpdatedAt,
		})
	return c, true
}

// Resolve picks the winner of a conflict.
func (r *Resolver) Resolve(c *Conflict) (*Result, error) {
	if c == nil || c.Local == nil || c.Remote == nil {
		return nil, ErrInvalidConflict
	}
	if c.Local.RemoteID != c.Remote.RemoteID {
		return nil, ErrRemoteIDMismatch
	}

	winner := models.WinnerLocal
	if r.strategy == StrategyPreferRemote || c.Remote.UpdatedAt.After(c.Local.UpdatedAt) {
		winner = models.WinnerRemote
	}

	detected := c.DetectedAt
	if detected.IsZero() {
		detected = r.clock().UTC()
	}

	entry := &models.ConflictLog{
		TableName:       c.Local.Table,
		RecordID:        c.Local.ID,
		RemoteID:        c.Local.RemoteID,
		Winner:          winner,
		LocalUpdatedAt:  c.Local.UpdatedAt,
		RemoteUpdatedAt: c.Remote.UpdatedAt,
		LocalSnapshot:   c.Local.Snapshot(),
		RemoteSnapshot:  c.Remote.Snapshot(),
		Resolution:      string(r.strategy),
		DetectedAt:      detected,
	}

	logging.Info("Conflict resolved",
		map[string]interface{}{
			"table":            entry.TableName,
			"record_id":        entry.RecordID,
			"winner":           winner,
			"strategy":         r.strategy,
			"local_timestamp":  entry.LocalUpdatedAt,
			"remote_timestamp": entry.RemoteUpdatedAt,
		})

	return &Result{Winner: winner, Strategy: r.strategy, Log: entry}, nil
}

// Errors
var (
	ErrInvalidConflict  = &ConflictError{Message: "invalid conflict: both records must be non-nil"}
	ErrRemoteIDMismatch = &ConflictError{Message: "remote id mismatch"}
)

// ConflictError represents a conflict resolution error.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string {
	return e.Message
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	_, ok := err.(*ConflictError)
	return ok
}
