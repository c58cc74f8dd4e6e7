// Package scheduler writes backups on a fixed interval and prunes old ones.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kimhsiao/docsync/internal/export"
	"github.com/kimhsiao/docsync/internal/logging"
)

// ExportInterval defines the scheduling frequency. Besides the named values
// any Go duration string such as "6h" is accepted.
type ExportInterval string

const (
	IntervalManual  ExportInterval = "manual"
	IntervalDaily   ExportInterval = "daily"
	IntervalWeekly  ExportInterval = "weekly"
	IntervalMonthly ExportInterval = "monthly"
)

const (
	filePrefix      = "docsync_"
	timestampLayout = "20060102_150405.000"
)

// SchedulerConfig holds the scheduler configuration.
type SchedulerConfig struct {
	Interval       ExportInterval // How often to export
	RetentionCount int            // Number of archives to keep (0 = unlimited)
	ExportDir      string         // Directory to store exports (default: "backups")
	Password       string         // Password for encryption (empty = no encryption)
}

// Hook is called after every scheduled or manual run.
type Hook func(result *export.ExportResult, err error)

// Scheduler manages automatic export scheduling.
type Scheduler struct {
	service export.ServiceInterface
	now     func() time.Time

	mu      sync.Mutex
	config  SchedulerConfig
	hook    Hook
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
}

// NewScheduler creates a new export scheduler.
func NewScheduler(service export.ServiceInterface, config SchedulerConfig) *Scheduler {
	return &Scheduler{
		service: service,
		now:     time.Now,
		config:  normalize(config),
	}
}

func normalize(config SchedulerConfig) SchedulerConfig {
	if config.ExportDir == "" {
		config.ExportDir = "backups"
	}
	if config.RetentionCount < 0 {
		config.RetentionCount = 0
	}
	if config.Interval == "" {
		config.Interval = IntervalManual
	}
	return config
}

// SetHook registers the function notified of each run.
func (s *Scheduler) SetHook(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = h
}

// Start begins automatic exports. The first export runs right away. In
// manual mode Start does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.config.Interval == IntervalManual {
		logging.Info("Backup scheduler in manual mode, automatic exports disabled")
		return nil
	}

	dur, err := s.config.Interval.Duration()
	if err != nil {
		return fmt.Errorf("invalid interval: %w", err)
	}

	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	logging.Info("Backup scheduler started", map[string]interface{}{
		"interval":        string(s.config.Interval),
		"retention_count": s.config.RetentionCount,
		"dir":             s.config.ExportDir,
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(dur)
		defer ticker.Stop()

		s.runLogged(ctx)
		for {
			select {
			case <-ticker.C:
				s.runLogged(ctx)
			case <-stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Stop shuts the scheduler down and waits for a running export.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info("Backup scheduler stopped")
}

// IsRunning reports whether automatic exports are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) runLogged(ctx context.Context) {
	if _, err := s.RunNow(ctx); err != nil {
		logging.Error("Scheduled export failed", err)
	}
}

// RunNow writes one backup into the export directory and applies the
// retention policy.
func (s *Scheduler) RunNow(ctx context.Context) (*export.ExportResult, error) {
	cfg := s.GetConfig()

	name := filePrefix + s.now().UTC().Format(timestampLayout) + ".json"
	if cfg.Password != "" {
		name += ".enc"
	}
	outputPath := filepath.Join(cfg.ExportDir, name)

	result, err := s.service.ExportToFile(ctx, outputPath, cfg.Password)
	s.notify(result, err)
	if err != nil {
		return nil, fmt.Errorf("export failed: %w", err)
	}

	logging.Info("Backup completed", map[string]interface{}{
		"file":       result.FilePath,
		"size_bytes": result.SizeBytes,
		"item_count": result.ItemCount,
		"duration":   result.Duration.String(),
	})

	if cfg.RetentionCount > 0 {
		// a failed prune does not fail the export
		if err := applyRetentionPolicy(cfg.ExportDir, cfg.RetentionCount); err != nil {
			logging.Error("Backup retention failed", err)
		}
	}
	return result, nil
}

func (s *Scheduler) notify(result *export.ExportResult, err error) {
	s.mu.Lock()
	h := s.hook
	s.mu.Unlock()
	if h != nil {
		h(result, err)
	}
}

// Duration converts the interval to a time.Duration.
func (i ExportInterval) Duration() (time.Duration, error) {
	switch i {
	case IntervalDaily:
		return 24 * time.Hour, nil
	case IntervalWeekly:
		return 7 * 24 * time.Hour, nil
	case IntervalMonthly:
		// Approximate as 30 days
		return 30 * 24 * time.Hour, nil
	case IntervalManual:
		return 0, fmt.Errorf("manual interval has no duration")
	}
	d, err := time.ParseDuration(string(i))
	if err != nil {
		return 0, fmt.Errorf("unknown interval: %s", i)
	}
	if d < time.Second {
		return 0, fmt.Errorf("interval %s is shorter than a second", i)
	}
	return d, nil
}

// applyRetentionPolicy keeps the newest keep backups in dir.
func applyRetentionPolicy(dir string, keep int) error {
	archives, err := ListArchives(dir)
	if err != nil {
		return fmt.Errorf("failed to list archives: %w", err)
	}
	if len(archives) <= keep {
		return nil
	}

	var firstErr error
	for _, archive := range archives[:len(archives)-keep] {
		if err := os.Remove(archive.Path); err != nil {
			logging.Error("Failed to delete old backup", err, map[string]interface{}{"path": archive.Path})
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logging.Info("Deleted old backup", map[string]interface{}{"path": archive.Path})
	}
	return firstErr
}

// ArchiveInfo represents metadata about a backup file.
type ArchiveInfo struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	Encrypted bool      `json:"encrypted"`
}

// ListArchives returns the backups in dir written by the scheduler, oldest
// first. A missing directory has no backups.
func ListArchives(dir string) ([]*ArchiveInfo, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var archives []*ArchiveInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) {
			continue
		}
		stamp, encrypted, ok := parseName(name)
		if !ok {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, err
		}
		archives = append(archives, &ArchiveInfo{
			Path:      filepath.Join(dir, name),
			SizeBytes: fi.Size(),
			CreatedAt: stamp,
			Encrypted: encrypted,
		})
	}

	sort.Slice(archives, func(i, j int) bool {
		if !archives[i].CreatedAt.Equal(archives[j].CreatedAt) {
			return archives[i].CreatedAt.Before(archives[j].CreatedAt)
		}
		return archives[i].Path < archives[j].Path
	})
	return archives, nil
}

func parseName(name string) (time.Time, bool, bool) {
	rest := strings.TrimPrefix(name, filePrefix)
	encrypted := strings.HasSuffix(rest, ".json.enc")
	switch {
	case encrypted:
		rest = strings.TrimSuffix(rest, ".json.enc")
	case strings.HasSuffix(rest, ".json"):
		rest = strings.TrimSuffix(rest, ".json")
	default:
		return time.Time{}, false, false
	}
	t, err := time.Parse(timestampLayout, rest)
	if err != nil {
		return time.Time{}, false, false
	}
	return t, encrypted, true
}

// UpdateConfig replaces the configuration. A running scheduler is restarted
// so the new interval takes effect.
func (s *Scheduler) UpdateConfig(ctx context.Context, config SchedulerConfig) error {
	config = normalize(config)
	if config.Interval != IntervalManual {
		if _, err := config.Interval.Duration(); err != nil {
			return fmt.Errorf("invalid interval: %w", err)
		}
	}

	wasRunning := s.IsRunning()
	if wasRunning {
		s.Stop()
	}
	s.mu.Lock()
	s.config = config
	s.mu.Unlock()
	if wasRunning {
		return s.Start(ctx)
	}
	return nil
}

// GetConfig returns the current scheduler configuration.
func (s *Scheduler) GetConfig() SchedulerConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}
