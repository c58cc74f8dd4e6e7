// Package scheduler runs sync passes in the background: a full pass on a
// fixed interval and, between those, an upload flush whenever changes are
// waiting.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/logging"
	syncpkg "github.com/kimhsiao/docsync/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine        syncpkg.SyncEngineInterface
	syncInterval  time.Duration
	flushInterval time.Duration
	passTimeout   time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup

	mu             sync.RWMutex
	isRunning      bool
	isOnline       bool
	lastSyncTime   time.Time
	lastErr        error
	syncInProgress bool
	ctx            context.Context
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval  time.Duration // full pass when online (default: 15 minutes)
	FlushInterval time.Duration // upload of waiting changes (default: 1 minute)
	PassTimeout   time.Duration // bound on a single pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval:  15 * time.Minute,
		FlushInterval: 1 * time.Minute,
		PassTimeout:   5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = def.PassTimeout
	}

	return &Scheduler{
		engine:        engine,
		syncInterval:  cfg.SyncInterval,
		flushInterval: cfg.FlushInterval,
		passTimeout:   cfg.PassTimeout,
		isOnline:      true, // Assume online initially
	}
}

// Start starts the background loops. They stop on Stop or when ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.ctx = ctx
	syncEvery, flushEvery := s.syncInterval, s.flushInterval
	s.mu.Unlock()

	s.wg.Add(2)
	go s.loop(ctx, syncEvery, s.runSync)
	go s.loop(ctx, flushEvery, s.flush)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"sync_interval":  syncEvery.String(),
		"flush_interval": flushEvery.String(),
	})
}

// Stop stops the scheduler and waits for a running pass to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Background sync scheduler stopped")
}

// SetOnlineStatus changes the online status of the scheduler. Nothing runs
// while offline. Coming back online triggers an immediate pass.
func (s *Scheduler) SetOnlineStatus(isOnline bool) {
	s.mu.Lock()
	wasOnline := s.isOnline
	s.isOnline = isOnline
	running := s.isRunning
	ctx := s.ctx
	s.mu.Unlock()

	if wasOnline == isOnline {
		return
	}
	logging.Info("Online status changed",
		map[string]interface{}{
			"was_online": wasOnline,
			"is_online":  isOnline,
		})
	if isOnline && running {
		s.TriggerSync(ctx)
	}
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, run func(context.Context)) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if !s.IsOnline() {
				continue
			}
			run(ctx)
		}
	}
}

func (s *Scheduler) timeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.passTimeout
}

// begin claims the pass slot. The engine rejects overlapping passes too, but
// checking here keeps the log quiet.
func (s *Scheduler) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncInProgress {
		return false
	}
	s.syncInProgress = true
	return true
}

func (s *Scheduler) end(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncInProgress = false
	s.lastErr = err
	if err == nil {
		s.lastSyncTime = time.Now()
	}
}

// runSync executes a full pass.
func (s *Scheduler) runSync(ctx context.Context) {
	if !s.IsOnline() {
		logging.Debug("Skipping sync - scheduler is offline")
		return
	}
	if !s.begin() {
		logging.Debug("Sync already in progress, skipping")
		return
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	s.end(err)
	if err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			logging.Debug("Engine busy, skipping scheduled sync")
			return
		}
		logging.ErrorWithCode("Scheduled sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"pass_timeout": s.timeout().String()})
		return
	}

	logging.Info("Scheduled sync completed",
		map[string]interface{}{
			"uploaded":   result.Uploaded,
			"downloaded": result.Downloaded,
			"conflicts":  result.Conflicts,
		})
}

// flush uploads waiting changes without downloading.
func (s *Scheduler) flush(ctx context.Context) {
	pending := s.engine.PendingChanges()
	if pending == 0 {
		return
	}
	if !s.begin() {
		return
	}

	flushCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	logging.Debug("Flushing pending changes", map[string]interface{}{"count": pending})
	result, err := s.engine.UploadPendingChanges(flushCtx)
	s.end(err)
	if err != nil {
		if !errors.Is(err, errors.ErrSyncInProgress) {
			logging.Error("Background upload failed", err)
		}
		return
	}
	logging.Info("Background upload completed",
		map[string]interface{}{
			"uploaded": result.Uploaded,
			"failed":   result.Failed,
		})
}

// TriggerSync starts a full pass in the background. It returns false unless
// the scheduler is running and online with no pass in progress.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	// Add under mu so it cannot race with the Wait in Stop
	s.mu.Lock()
	if !s.isRunning || !s.isOnline || s.syncInProgress {
		s.mu.Unlock()
		return false
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		s.runSync(ctx)
	}()
	return true
}

// SchedulerStatus is a snapshot of the scheduler state.
type SchedulerStatus struct {
	IsRunning      bool               `json:"is_running"`
	IsOnline       bool               `json:"is_online"`
	LastSyncTime   *time.Time         `json:"last_sync_time,omitempty"`
	LastError      string             `json:"last_error,omitempty"`
	SyncInProgress bool               `json:"sync_in_progress"`
	EngineStatus   syncpkg.SyncStatus `json:"engine_status"`
	PendingItems   int                `json:"pending_items"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.isOnline,
		SyncInProgress: s.syncInProgress,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	s.mu.RUnlock()

	status.EngineStatus = s.engine.Status()
	status.PendingItems = s.engine.PendingChanges()
	return status
}

// SyncNow runs a full pass and waits for it, even while offline.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	if !s.begin() {
		return nil, errors.New(errors.ErrSyncInProgress, "a sync pass is already running")
	}

	syncCtx, cancel := context.WithTimeout(ctx, s.timeout())
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	s.end(err)
	if err != nil {
		return result, err
	}

	logging.Info("Manual sync completed",
		map[string]interface{}{
			"uploaded":   result.Uploaded,
			"downloaded": result.Downloaded,
			"conflicts":  result.Conflicts,
		})
	return result, nil
}

// UpdateConfig changes the intervals. A running scheduler is restarted so
// the new intervals take effect.
func (s *Scheduler) UpdateConfig(config *SchedulerConfig) {
	if config == nil {
		return
	}
	s.mu.RLock()
	running := s.isRunning
	ctx := s.ctx
	s.mu.RUnlock()

	if running {
		s.Stop()
	}
	s.mu.Lock()
	if config.SyncInterval > 0 {
		s.syncInterval = config.SyncInterval
	}
	if config.FlushInterval > 0 {
		s.flushInterval = config.FlushInterval
	}
	if config.PassTimeout > 0 {
		s.passTimeout = config.PassTimeout
	}
	s.mu.Unlock()
	if running {
		s.Start(ctx)
	}
}

// IsOnline returns whether the scheduler is in online mode.
func (s *Scheduler) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isOnline
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
