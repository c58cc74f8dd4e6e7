// Package app wires the store, the sync engine, the schedulers and the backup
// service from a Config. Both binaries build on it.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/docsync/internal/config"
	"github.com/kimhsiao/docsync/internal/db"
	"github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/export"
	backupscheduler "github.com/kimhsiao/docsync/internal/export/scheduler"
	"github.com/kimhsiao/docsync/internal/logging"
	syncpkg "github.com/kimhsiao/docsync/internal/sync"
	"github.com/kimhsiao/docsync/internal/sync/conflict"
	"github.com/kimhsiao/docsync/internal/sync/queue"
	"github.com/kimhsiao/docsync/internal/sync/remote"
	"github.com/kimhsiao/docsync/internal/sync/scheduler"
)

// App holds every long-lived component.
type App struct {
	Config          *config.Config
	DB              *db.DB
	Store           *db.Store
	Transport       syncpkg.Transport
	Engine          *syncpkg.Engine
	Scheduler       *scheduler.Scheduler
	Backups         *export.Service
	BackupScheduler *backupscheduler.Scheduler
}

// SetupLogging installs the global logger described by cfg. Without a log
// file, logs go to out. The returned closer is nil when there is nothing to close.
func SetupLogging(cfg config.LogConfig, out io.Writer) io.Closer {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File != "" {
		return logging.InitFile(logging.FileOptions{Path: cfg.File}, level)
	}
	logging.Init(out, level)
	return nil
}

// New opens the database and builds the components. Nothing runs until Run.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	database, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	store := db.NewStore(database)

	transport, online, err := NewTransport(ctx, cfg.Remote, cfg.Sync.RequestTimeout)
	if err != nil {
		database.Close()
		return nil, err
	}

	engine := syncpkg.NewEngine(store, transport, EngineConfig(cfg.Sync))

	sched := scheduler.NewScheduler(engine, SchedulerConfig(cfg.Sync))
	sched.SetOnlineStatus(online)

	backups := export.NewService(store)
	backupSched := backupscheduler.NewScheduler(backups, BackupConfig(cfg.Backup))

	return &App{
		Config:          cfg,
		DB:              database,
		Store:           store,
		Transport:       transport,
		Engine:          engine,
		Scheduler:       sched,
		Backups:         backups,
		BackupScheduler: backupSched,
	}, nil
}

// EngineConfig maps the sync settings onto the engine.
func EngineConfig(c config.SyncConfig) syncpkg.Config {
	return syncpkg.Config{
		RequestTimeout: c.RequestTimeout,
		Retry: queue.Policy{
			Base:        c.BackoffBase,
			Max:         c.BackoffMax,
			MaxAttempts: c.MaxAttempts,
		},
		ConflictStrategy: conflict.ParseStrategy(c.ConflictStrategy),
		PullOverlap:      c.PullOverlap,
	}
}

// SchedulerConfig maps the sync settings onto the background scheduler.
func SchedulerConfig(c config.SyncConfig) *scheduler.SchedulerConfig {
	return &scheduler.SchedulerConfig{
		SyncInterval:  c.Interval,
		FlushInterval: c.FlushInterval,
	}
}

// BackupConfig maps the backup settings onto the backup scheduler.
func BackupConfig(c config.BackupConfig) backupscheduler.SchedulerConfig {
	return backupscheduler.SchedulerConfig{
		Interval:       backupscheduler.ExportInterval(c.Interval),
		RetentionCount: c.Retention,
		ExportDir:      c.Dir,
		Password:       c.Password,
	}
}

// NewTransport builds the remote named by cfg. online is false when no
// remote is configured, in which case the transport refuses every call.
func NewTransport(ctx context.Context, cfg config.RemoteConfig, timeout time.Duration) (t syncpkg.Transport, online bool, err error) {
	opts := remote.Options{Prefix: cfg.Prefix, Concurrency: cfg.Concurrency}

	switch cfg.Kind {
	case config.RemoteNone, "":
		return offlineTransport{}, false, nil
	case config.RemoteMemory:
		return remote.NewObjectTransport(remote.NewMemoryStore(), opts), true, nil
	case config.RemoteDir:
		if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
			return nil, false, fmt.Errorf("failed to create remote directory: %w", err)
		}
		return remote.NewObjectTransport(remote.NewDirStore(cfg.Root), opts), true, nil
	case config.RemoteWebDAV:
		store := remote.NewWebDAVStore(remote.WebDAVConfig{
			URL:      cfg.URL,
			User:     cfg.User,
			Password: cfg.Password,
			Root:     cfg.Root,
			Timeout:  timeout,
		})
		connectCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		// an unreachable server is normal when offline; passes will retry
		if err := store.Connect(connectCtx); err != nil {
			logging.Warn("WebDAV server not reachable", map[string]interface{}{
				"url":   cfg.URL,
				"error": err.Error(),
			})
		}
		return remote.NewObjectTransport(store, opts), true, nil
	}
	return nil, false, fmt.Errorf("unknown remote kind %q", cfg.Kind)
}

// offlineTransport stands in when no remote is configured.
type offlineTransport struct{}

func (offlineTransport) Push(context.Context, syncpkg.RemoteOp) error {
	return errors.New(errors.ErrTransport, "no remote configured")
}

func (offlineTransport) Pull(context.Context, time.Time) ([]syncpkg.RemoteRecord, error) {
	return nil, errors.New(errors.ErrTransport, "no remote configured")
}

func (offlineTransport) Fetch(context.Context, string, string) (*syncpkg.RemoteRecord, error) {
	return nil, errors.New(errors.ErrTransport, "no remote configured")
}

// Compactor is implemented by remotes that keep tombstones of deleted records.
type Compactor interface {
	Compact(ctx context.Context, olderThan time.Time) (int, error)
}

// CompactRemote drops remote tombstones that have not changed for age.
func (a *App) CompactRemote(ctx context.Context, age time.Duration) (int, error) {
	c, ok := a.Transport.(Compactor)
	if !ok {
		return 0, errors.New(errors.ErrTransport, "remote does not keep tombstones")
	}
	return c.Compact(ctx, time.Now().Add(-age))
}

// Run starts the schedulers and serve, then blocks until ctx is done or serve
// fails. serve may be nil.
func (a *App) Run(ctx context.Context, serve func(ctx context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Scheduler.Start(ctx)
		<-ctx.Done()
		a.Scheduler.Stop()
		return nil
	})
	g.Go(func() error {
		if err := a.BackupScheduler.Start(ctx); err != nil {
			return fmt.Errorf("backup scheduler: %w", err)
		}
		<-ctx.Done()
		a.BackupScheduler.Stop()
		return nil
	})
	if serve != nil {
		g.Go(func() error { return serve(ctx) })
	}

	return g.Wait()
}

// Reconfigure applies the parts of a reloaded configuration that can change
// at runtime: scheduler intervals and backup settings.
func (a *App) Reconfigure(ctx context.Context, old, updated *config.Config) {
	if old.Sync.Interval != updated.Sync.Interval || old.Sync.FlushInterval != updated.Sync.FlushInterval {
		a.Scheduler.UpdateConfig(SchedulerConfig(updated.Sync))
		logging.Info("Sync intervals updated", map[string]interface{}{
			"interval":       updated.Sync.Interval.String(),
			"flush_interval": updated.Sync.FlushInterval.String(),
		})
	}
	if old.Backup != updated.Backup {
		if err := a.BackupScheduler.UpdateConfig(ctx, BackupConfig(updated.Backup)); err != nil {
			logging.Error("Failed to apply backup settings", err)
		}
	}
	if old.Log.Level != updated.Log.Level {
		logging.SetLevel(logging.ParseLevel(updated.Log.Level))
	}
}

// Close releases the database.
func (a *App) Close() error {
	return a.DB.Close()
}
