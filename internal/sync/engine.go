package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/docsync/internal/db"
	apperrors "github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/logging"
	"github.com/kimhsiao/docsync/internal/models"
	"github.com/kimhsiao/docsync/internal/sync/conflict"
	"github.com/kimhsiao/docsync/internal/sync/queue"
)

// SyncDirection represents the direction of sync operation.
type SyncDirection string

const (
	SyncDirectionUpload   SyncDirection = "upload"
	SyncDirectionDownload SyncDirection = "download"
)

// SyncStatus represents the current sync status.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusFailed  SyncStatus = "failed"
)

const maxErrorHistory = 100

// Config tunes the engine.
type Config struct {
	// RequestTimeout bounds every transport call.
	RequestTimeout   time.Duration
	Retry            queue.Policy
	ConflictStrategy conflict.Strategy
	// PullOverlap re-reads remote changes stored this long before the
	// download watermark, so a writer whose clock trails the remote's is
	// not skipped.
	PullOverlap time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		RequestTimeout:   30 * time.Second,
		Retry:            queue.DefaultPolicy(),
		ConflictStrategy: conflict.StrategyLastWriteWins,
		PullOverlap:      time.Minute,
	}
}

// SyncResult represents the result of a sync pass.
type SyncResult struct {
	StartTime    time.Time     `json:"start_time"`
	EndTime      time.Time     `json:"end_time"`
	Duration     time.Duration `json:"duration"`
	Uploaded     int           `json:"uploaded"`
	Deferred     int           `json:"deferred"`
	Skipped      int           `json:"skipped"`
	Failed       int           `json:"failed"`
	DeadLettered int           `json:"dead_lettered"`
	Downloaded   int           `json:"downloaded"`
	Deleted      int           `json:"deleted"`
	Unchanged    int           `json:"unchanged"`
	Conflicts    int           `json:"conflicts"`
	Error        string        `json:"error,omitempty"`
}

// SyncErrorEntry is a per-record failure kept for diagnostics.
type SyncErrorEntry struct {
	Table     string        `json:"table"`
	RecordID  int64         `json:"record_id,omitempty"`
	RemoteID  string        `json:"remote_id,omitempty"`
	Direction SyncDirection `json:"direction"`
	Message   string        `json:"message"`
	Timestamp time.Time     `json:"timestamp"`
}

// Engine reconciles the local store with a remote authority. Upload and
// download passes never overlap: a pass started while another one runs fails
// with ErrSyncInProgress.
type Engine struct {
	store     *db.Store
	transport Transport
	resolver  *conflict.Resolver
	cfg       Config

	running atomic.Bool

	mu       gosync.RWMutex
	status   SyncStatus
	lastSync *time.Time
	lastErr  error
	handler  SyncEventHandler
	history  []SyncErrorEntry
}

// NewEngine creates an Engine. Zero Config fields take their defaults, except
// Retry.MaxAttempts where zero means retry forever.
func NewEngine(store *db.Store, transport Transport, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = def.Retry.Base
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = def.Retry.Max
	}
	if cfg.PullOverlap <= 0 {
		cfg.PullOverlap = def.PullOverlap
	}

	resolver := conflict.NewResolver(cfg.ConflictStrategy)
	resolver.SetClock(store.Now)

	e := &Engine{
		store:     store,
		transport: transport,
		resolver:  resolver,
		cfg:       cfg,
		status:    SyncStatusIdle,
	}

	last, err := store.Settings().GetTime(context.Background(), db.SettingLastSync)
	if err != nil {
		logging.Warn("Failed to read last sync time", map[string]interface{}{"error": err.Error()})
	} else if !last.IsZero() {
		e.lastSync = &last
	}
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Status returns the current sync status.
func (e *Engine) Status() SyncStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the end time of the last successful pass.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSync == nil {
		return nil
	}
	t := *e.lastSync
	return &t
}

// LastError returns the error of the last pass.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// PendingChanges returns how many sync log entries wait for a push, failed ones included.
func (e *Engine) PendingChanges() int {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stats, err := e.store.SyncLog().Stats(ctx)
	if err != nil {
		logging.Warn("Failed to count pending changes", map[string]interface{}{"error": err.Error()})
		return 0
	}
	return stats.Pending + stats.Failed
}

// Stats returns the sync log counters.
func (e *Engine) Stats(ctx context.Context) (models.SyncLogStats, error) {
	return e.store.SyncLog().Stats(ctx)
}

// RetryDeadLetters puts parked entries back in the queue for the next pass.
func (e *Engine) RetryDeadLetters(ctx context.Context) (int, error) {
	n, err := e.store.SyncLog().RetryDeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Dead-lettered entries requeued", map[string]interface{}{"count": n})
	}
	return n, nil
}

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// GetErrorHistory returns a copy of the recent per-record failures, oldest first.
func (e *Engine) GetErrorHistory() []SyncErrorEntry {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]SyncErrorEntry, len(e.history))
	copy(out, e.history)
	return out
}

// ClearErrorHistory forgets recorded failures.
func (e *Engine) ClearErrorHistory() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = nil
}

// Sync uploads pending changes, then downloads remote changes.
func (e *Engine) Sync(ctx context.Context) (*SyncResult, error) {
	res, ok := e.begin("sync")
	if !ok {
		return nil, errInProgress()
	}

	err := e.upload(ctx, res)
	if err != nil {
		err = fmt.Errorf("upload failed: %w", err)
	} else if err = e.download(ctx, res); err != nil {
		err = fmt.Errorf("download failed: %w", err)
	}

	e.finish(res, err)
	return res, err
}

// UploadPendingChanges pushes every pending sync log entry, one coalesced
// operation per record. A failed push is recorded on its entries and record
// and does not stop the pass.
func (e *Engine) UploadPendingChanges(ctx context.Context) (*SyncResult, error) {
	res, ok := e.begin("upload")
	if !ok {
		return nil, errInProgress()
	}
	err := e.upload(ctx, res)
	e.finish(res, err)
	return res, err
}

// DownloadRemoteChanges applies remote records that reached the remote since
// the download watermark. The watermark follows the remote's arrival times and
// only moves when every record applied.
func (e *Engine) DownloadRemoteChanges(ctx context.Context) (*SyncResult, error) {
	res, ok := e.begin("download")
	if !ok {
		return nil, errInProgress()
	}
	err := e.download(ctx, res)
	e.finish(res, err)
	return res, err
}

func errInProgress() error {
	return apperrors.New(apperrors.ErrSyncInProgress, "a sync pass is already running")
}

func (e *Engine) begin(kind string) (*SyncResult, bool) {
	if !e.running.CompareAndSwap(false, true) {
		logging.Debug("Sync pass rejected, another one is running", map[string]interface{}{"kind": kind})
		return nil, false
	}

	e.mu.Lock()
	e.status = SyncStatusSyncing
	e.mu.Unlock()

	logging.Info("Sync pass started", map[string]interface{}{"kind": kind})
	e.emit(SyncEvent{Type: SyncEventStarted, Message: kind})
	return &SyncResult{StartTime: e.store.Now()}, true
}

func (e *Engine) finish(res *SyncResult, err error) {
	res.EndTime = e.store.Now()
	res.Duration = res.EndTime.Sub(res.StartTime)

	e.mu.Lock()
	e.lastErr = err
	if err != nil {
		e.status = SyncStatusFailed
		res.Error = err.Error()
	} else {
		e.status = SyncStatusIdle
		end := res.EndTime
		e.lastSync = &end
	}
	e.mu.Unlock()

	if err == nil {
		// the pass ctx may be done by now
		if serr := e.store.Settings().SetTime(context.Background(), db.SettingLastSync, res.EndTime); serr != nil {
			logging.Error("Failed to persist last sync time", serr)
		}
	}
	e.running.Store(false)

	fields := map[string]interface{}{
		"uploaded":      res.Uploaded,
		"deferred":      res.Deferred,
		"skipped":       res.Skipped,
		"failed":        res.Failed,
		"dead_lettered": res.DeadLettered,
		"downloaded":    res.Downloaded,
		"deleted":       res.Deleted,
		"conflicts":     res.Conflicts,
		"duration_ms":   res.Duration.Milliseconds(),
	}
	if err != nil {
		logging.Error("Sync pass failed", err, fields)
		e.emit(SyncEvent{Type: SyncEventFailed, Message: err.Error(), Data: fields})
		return
	}
	logging.Info("Sync pass completed", fields)
	e.emit(SyncEvent{Type: SyncEventCompleted, Data: fields})
}

// =====================================================
// Upload
// =====================================================

func (e *Engine) upload(ctx context.Context, res *SyncResult) error {
	log := e.store.SyncLog()

	requeued, dead, err := log.RequeueFailed(ctx, e.cfg.Retry.MaxAttempts)
	if err != nil {
		return err
	}
	res.DeadLettered += dead
	if dead > 0 {
		logging.Warn("Sync log entries moved to dead letter",
			map[string]interface{}{"count": dead, "max_attempts": e.cfg.Retry.MaxAttempts})
	}

	entries, err := log.ListPending(ctx)
	if err != nil {
		return err
	}
	batches := queue.Coalesce(entries)
	logging.Debug("Uploading pending changes", map[string]interface{}{
		"entries":  len(entries),
		"batches":  len(batches),
		"requeued": requeued,
	})

	for _, b := range batches {
		if err := ctx.Err(); err != nil {
			return err
		}

		// a record created and deleted offline never reached the remote,
		// unless an earlier push attempt may have delivered it
		if b.Skip && b.RetryCount() == 0 {
			if err := e.commitPush(ctx, b); err != nil {
				return err
			}
			res.Skipped++
			continue
		}

		op, err := buildOp(b)
		if err == nil {
			err = e.push(ctx, op)
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if apperrors.Is(err, apperrors.ErrRemoteNewer) {
				logging.Info("Remote version is newer, resolving before push", map[string]interface{}{
					"table":     b.Table,
					"record_id": b.RecordID,
					"remote_id": op.RemoteID,
				})
				res.Deferred++
				if err = e.resolveDeferred(ctx, op, res); err == nil {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
			}
			if ferr := e.markFailed(ctx, b, err); ferr != nil {
				return ferr
			}
			res.Failed++
			e.recordError(SyncErrorEntry{
				Table:     b.Table,
				RecordID:  b.RecordID,
				RemoteID:  op.RemoteID,
				Direction: SyncDirectionUpload,
				Message:   err.Error(),
			})
			e.emit(SyncEvent{Type: SyncEventUploadFailed, Table: b.Table, RecordID: b.RecordID, Message: err.Error()})
			continue
		}

		if err := e.commitPush(ctx, b); err != nil {
			return err
		}
		res.Uploaded++
		e.emit(SyncEvent{
			Type:     SyncEventUploadItem,
			Table:    b.Table,
			RecordID: b.RecordID,
			Data: map[string]interface{}{
				"operation": string(b.Operation),
				"remote_id": op.RemoteID,
				"entries":   len(b.Entries),
			},
		})
	}
	return nil
}

// buildOp turns the newest snapshot of a batch into the operation to push.
func buildOp(b *queue.Batch) (RemoteOp, error) {
	t, err := db.LookupTable(b.Table)
	if err != nil {
		return RemoteOp{}, err
	}
	latest := b.Latest()
	snap, err := latest.Payload()
	if err != nil {
		return RemoteOp{}, apperrors.Wrap(apperrors.ErrInvalidFormat,
			fmt.Sprintf("sync log entry %d has an unreadable snapshot", latest.ID), err)
	}
	remoteID, _ := snap["remote_id"].(string)
	if remoteID == "" {
		return RemoteOp{}, apperrors.Newf(apperrors.ErrInvalidFormat, "sync log entry %d has no remote id", latest.ID)
	}

	return RemoteOp{
		Operation: b.Operation,
		Table:     b.Table,
		RemoteID:  remoteID,
		Fields:    t.DomainFields(snap),
		CreatedAt: snapshotTime(snap["created_at"]),
		UpdatedAt: snapshotTime(snap["updated_at"]),
	}, nil
}

func snapshotTime(v interface{}) time.Time {
	s, _ := v.(string)
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// resolveDeferred fetches the newer remote version of a refused push and
// runs it through the conflict policy right away. An error leaves the entries
// to markFailed, so a deferral that never resolves still backs off and
// eventually reaches the dead letter.
func (e *Engine) resolveDeferred(ctx context.Context, op RemoteOp, res *SyncResult) error {
	fetchCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	rr, err := e.transport.Fetch(fetchCtx, op.Table, op.RemoteID)
	cancel()
	if err != nil {
		return err
	}
	outcome, err := e.applyRemote(ctx, *rr, res)
	if err != nil {
		return err
	}
	if outcome == outcomeKeptLocal || outcome == outcomeUnchanged {
		return apperrors.Newf(apperrors.ErrRemoteNewer, "%s/%s is newer remotely and the local change was kept", op.Table, op.RemoteID)
	}
	return nil
}

func (e *Engine) push(ctx context.Context, op RemoteOp) error {
	pushCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	if err := e.transport.Push(pushCtx, op); err != nil {
		if apperrors.IsTransport(err) || apperrors.Is(err, apperrors.ErrRemoteNewer) {
			return err
		}
		return apperrors.Wrap(apperrors.ErrTransport,
			fmt.Sprintf("push %s %s/%s", op.Operation, op.Table, op.RemoteID), err)
	}
	return nil
}

// commitPush completes the batch entries and any older unfinished entries of
// the record, then either marks the record synced or, for a delete, removes
// the row. A newer change queued meanwhile keeps the record dirty.
func (e *Engine) commitPush(ctx context.Context, b *queue.Batch) error {
	now := e.store.Now()
	return e.store.WithTx(ctx, func(tx *db.Tx) error {
		for _, id := range b.EntryIDs() {
			if err := tx.SyncLog().MarkCompleted(ctx, id); err != nil {
				return err
			}
		}
		if _, err := tx.SyncLog().Supersede(ctx, b.Table, b.RecordID, b.Latest().ID); err != nil {
			return err
		}
		if b.Operation == models.OperationDelete {
			return purge(ctx, tx, b.Table, b.RecordID)
		}
		_, err := tx.MarkSynced(ctx, b.Table, b.RecordID, now)
		return err
	})
}

// purge physically removes a row that is gone remotely. A row with newer
// unsynced changes is left alone.
func purge(ctx context.Context, tx *db.Tx, table string, id int64) error {
	err := tx.Delete(ctx, table, id)
	if apperrors.IsNotFound(err) || apperrors.Is(err, apperrors.ErrPendingSync) {
		return nil
	}
	return err
}

func (e *Engine) markFailed(ctx context.Context, b *queue.Batch, cause error) error {
	retry := b.RetryCount() + 1
	next := e.cfg.Retry.NextAttempt(e.store.Now(), retry)

	logging.Warn("Upload failed, will retry", map[string]interface{}{
		"table":        b.Table,
		"record_id":    b.RecordID,
		"operation":    b.Operation,
		"retry":        retry,
		"next_attempt": next,
		"error":        cause.Error(),
	})

	return e.store.WithTx(ctx, func(tx *db.Tx) error {
		for _, id := range b.EntryIDs() {
			if err := tx.SyncLog().MarkFailedUntil(ctx, id, cause.Error(), next); err != nil {
				return err
			}
		}
		return tx.MarkFailed(ctx, b.Table, b.RecordID)
	})
}

// =====================================================
// Download
// =====================================================

type applyOutcome int

const (
	outcomeUnchanged applyOutcome = iota
	outcomeApplied
	outcomeDeleted
	outcomeKeptLocal
)

func (e *Engine) download(ctx context.Context, res *SyncResult) error {
	settings := e.store.Settings()
	since, err := settings.GetTime(ctx, db.SettingDownloadWatermark)
	if err != nil {
		return err
	}

	from := since
	if !since.IsZero() {
		from = since.Add(-e.cfg.PullOverlap)
	}
	records, err := e.pull(ctx, from)
	if err != nil {
		return err
	}
	logging.Debug("Downloading remote changes", map[string]interface{}{
		"since":   since,
		"from":    from,
		"records": len(records),
	})

	watermark := since
	complete := true
	for _, rr := range records {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := db.LookupTable(rr.Table); err != nil {
			logging.Warn("Ignoring remote record of unknown table",
				map[string]interface{}{"table": rr.Table, "remote_id": rr.RemoteID})
			res.Unchanged++
		} else if _, err := e.applyRemote(ctx, rr, res); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			complete = false
			res.Failed++
			logging.Error("Failed to apply remote record", err,
				map[string]interface{}{"table": rr.Table, "remote_id": rr.RemoteID})
			e.recordError(SyncErrorEntry{
				Table:     rr.Table,
				RemoteID:  rr.RemoteID,
				Direction: SyncDirectionDownload,
				Message:   err.Error(),
			})
			continue
		}

		if rr.ChangedAt.After(watermark) {
			watermark = rr.ChangedAt
		}
	}

	if complete && watermark.After(since) {
		if err := settings.SetTime(ctx, db.SettingDownloadWatermark, watermark); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) pull(ctx context.Context, since time.Time) ([]RemoteRecord, error) {
	pullCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()

	records, err := e.transport.Pull(pullCtx, since)
	if err != nil {
		if apperrors.IsTransport(err) {
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrTransport, "pull remote changes", err)
	}
	return records, nil
}

// applyRemote applies one remote record in its own transaction.
func (e *Engine) applyRemote(ctx context.Context, rr RemoteRecord, res *SyncResult) (applyOutcome, error) {
	var (
		outcome    applyOutcome
		conflicted bool
		localID    int64
	)

	err := e.store.WithTx(ctx, func(tx *db.Tx) error {
		outcome, conflicted, localID = outcomeUnchanged, false, 0

		local, err := tx.GetByRemoteID(ctx, rr.Table, rr.RemoteID)
		if err != nil && !apperrors.IsNotFound(err) {
			return err
		}

		version := db.RemoteVersion{
			RemoteID:  rr.RemoteID,
			Fields:    rr.Fields,
			CreatedAt: rr.CreatedAt,
			UpdatedAt: rr.UpdatedAt,
		}
		now := e.store.Now()

		switch {
		case local == nil:
			if rr.Deleted {
				return nil
			}
			localID, err = tx.ApplyRemote(ctx, rr.Table, version, now)
			outcome = outcomeApplied
			return err

		case !local.IsDirty:
			localID = local.ID
			if rr.Deleted {
				outcome = outcomeDeleted
				return purge(ctx, tx, rr.Table, local.ID)
			}
			if !rr.UpdatedAt.After(local.UpdatedAt) {
				return nil
			}
			outcome = outcomeApplied
			_, err = tx.ApplyRemote(ctx, rr.Table, version, now)
			return err
		}

		localID = local.ID

		// our own push coming back
		if local.LastSync != nil && !rr.UpdatedAt.After(*local.LastSync) && !rr.UpdatedAt.After(local.UpdatedAt) {
			outcome = outcomeKeptLocal
			return nil
		}

		c, ok := e.resolver.DetectConflict(local, rr.Record())
		if !ok {
			return nil
		}
		result, err := e.resolver.Resolve(c)
		if err != nil {
			return err
		}
		if conflicted, err = tx.Conflicts().Record(ctx, result.Log); err != nil {
			return err
		}
		if !result.RemoteWins() {
			outcome = outcomeKeptLocal
			return nil
		}

		if _, err := tx.SyncLog().Supersede(ctx, rr.Table, local.ID, 0); err != nil {
			return err
		}
		if rr.Deleted {
			outcome = outcomeDeleted
			return purge(ctx, tx, rr.Table, local.ID)
		}
		outcome = outcomeApplied
		_, err = tx.ApplyRemote(ctx, rr.Table, version, now)
		return err
	})
	if err != nil {
		return outcomeUnchanged, err
	}

	if conflicted {
		res.Conflicts++
		e.emit(SyncEvent{
			Type:     SyncEventConflict,
			Table:    rr.Table,
			RecordID: localID,
			Data: map[string]interface{}{
				"remote_id": rr.RemoteID,
				"winner":    winnerOf(outcome),
			},
		})
	}

	switch outcome {
	case outcomeApplied:
		res.Downloaded++
	case outcomeDeleted:
		res.Deleted++
	default:
		res.Unchanged++
		return outcome, nil
	}
	e.emit(SyncEvent{
		Type:     SyncEventDownloadItem,
		Table:    rr.Table,
		RecordID: localID,
		Data: map[string]interface{}{
			"remote_id": rr.RemoteID,
			"deleted":   outcome == outcomeDeleted,
		},
	})
	return outcome, nil
}

func winnerOf(o applyOutcome) string {
	if o == outcomeKeptLocal {
		return models.WinnerLocal
	}
	return models.WinnerRemote
}

// =====================================================
// Events and diagnostics
// =====================================================

func (e *Engine) emit(event SyncEvent) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()
	if handler == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.store.Now()
	}
	handler.OnSyncEvent(event)
}

func (e *Engine) recordError(entry SyncErrorEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = e.store.Now()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, entry)
	if len(e.history) > maxErrorHistory {
		e.history = e.history[len(e.history)-maxErrorHistory:]
	}
}
