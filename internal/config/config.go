// Package config loads docsync settings from defaults, an optional config
// file, a .env file and DOCSYNC_* environment variables, in increasing order
// of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/kimhsiao/docsync/internal/logging"
)

// EnvPrefix prefixes every environment variable, e.g. DOCSYNC_SYNC_INTERVAL.
const EnvPrefix = "DOCSYNC"

// Remote kinds.
const (
	RemoteNone   = "none"
	RemoteMemory = "memory"
	RemoteWebDAV = "webdav"
	RemoteDir    = "dir"
)

// Config is the resolved configuration.
type Config struct {
	DataDir string       `json:"data_dir"`
	Log     LogConfig    `json:"log"`
	Sync    SyncConfig   `json:"sync"`
	Remote  RemoteConfig `json:"remote"`
	Server  ServerConfig `json:"server"`
	Backup  BackupConfig `json:"backup"`
}

type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
}

type SyncConfig struct {
	Interval         time.Duration `json:"interval"`
	FlushInterval    time.Duration `json:"flush_interval"`
	RequestTimeout   time.Duration `json:"request_timeout"`
	MaxAttempts      int           `json:"max_attempts"`
	BackoffBase      time.Duration `json:"backoff_base"`
	BackoffMax       time.Duration `json:"backoff_max"`
	ConflictStrategy string        `json:"conflict_strategy"`
	// PullOverlap re-reads objects stored shortly before the download
	// watermark, to absorb clock skew between the remote and its writers.
	PullOverlap time.Duration `json:"pull_overlap"`
}

type RemoteConfig struct {
	Kind        string `json:"kind"`
	URL         string `json:"url,omitempty"`
	User        string `json:"user,omitempty"`
	Password    string `json:"-"`
	Root        string `json:"root,omitempty"`
	Prefix      string `json:"prefix,omitempty"`
	Concurrency int    `json:"concurrency"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

type BackupConfig struct {
	Dir       string `json:"dir"`
	Interval  string `json:"interval"`
	Retention int    `json:"retention"`
	Password  string `json:"-"`
}

// Options locate the config and .env files. Empty fields use the defaults:
// docsync.{yaml,json,toml} in the working directory and ./.env.
type Options struct {
	ConfigFile string
	EnvFile    string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")

	v.SetDefault("sync.interval", 15*time.Minute)
	v.SetDefault("sync.flush_interval", time.Minute)
	v.SetDefault("sync.request_timeout", 30*time.Second)
	v.SetDefault("sync.max_attempts", 10)
	v.SetDefault("sync.backoff_base", 30*time.Second)
	v.SetDefault("sync.backoff_max", time.Hour)
	v.SetDefault("sync.conflict_strategy", "last_write_wins")
	v.SetDefault("sync.pull_overlap", 2*time.Minute)

	v.SetDefault("remote.kind", RemoteNone)
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.user", "")
	v.SetDefault("remote.password", "")
	v.SetDefault("remote.root", "docsync")
	v.SetDefault("remote.prefix", "")
	v.SetDefault("remote.concurrency", 4)

	v.SetDefault("server.addr", "127.0.0.1:8090")

	v.SetDefault("backup.dir", "")
	v.SetDefault("backup.interval", "manual")
	v.SetDefault("backup.retention", 7)
	v.SetDefault("backup.password", "")
}

// Manager owns the viper instance and the current Config.
type Manager struct {
	v *viper.Viper

	mu  gosync.RWMutex
	cfg *Config
}

// Load reads the configuration once.
func Load(opts Options) (*Manager, error) {
	envFile := opts.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	// .env never overrides variables already set in the environment
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", opts.ConfigFile, err)
		}
	} else {
		v.SetConfigName("docsync")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg, err := build(v)
	if err != nil {
		return nil, err
	}
	return &Manager{v: v, cfg: cfg}, nil
}

// Config returns the current configuration. Callers must not modify it.
func (m *Manager) Config() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// ConfigFile returns the config file in use, or "" when there is none.
func (m *Manager) ConfigFile() string {
	return m.v.ConfigFileUsed()
}

// Watch reloads the configuration whenever the config file changes and hands
// the new value to onChange. An invalid edit is logged and ignored. Watch does
// nothing without a config file.
func (m *Manager) Watch(onChange func(old, updated *Config)) {
	if m.ConfigFile() == "" {
		return
	}
	m.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := build(m.v)
		if err != nil {
			logging.Error("Ignoring invalid config change", err, map[string]interface{}{"file": e.Name})
			return
		}
		m.mu.Lock()
		old := m.cfg
		m.cfg = cfg
		m.mu.Unlock()

		logging.Info("Configuration reloaded", map[string]interface{}{"file": e.Name, "op": e.Op.String()})
		if onChange != nil {
			onChange(old, cfg)
		}
	})
	m.v.WatchConfig()
}

func build(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DataDir: v.GetString("data_dir"),
		Log: LogConfig{
			Level: v.GetString("log.level"),
			File:  v.GetString("log.file"),
		},
		Sync: SyncConfig{
			Interval:         v.GetDuration("sync.interval"),
			FlushInterval:    v.GetDuration("sync.flush_interval"),
			RequestTimeout:   v.GetDuration("sync.request_timeout"),
			MaxAttempts:      v.GetInt("sync.max_attempts"),
			BackoffBase:      v.GetDuration("sync.backoff_base"),
			BackoffMax:       v.GetDuration("sync.backoff_max"),
			ConflictStrategy: v.GetString("sync.conflict_strategy"),
			PullOverlap:      v.GetDuration("sync.pull_overlap"),
		},
		Remote: RemoteConfig{
			Kind:        strings.ToLower(v.GetString("remote.kind")),
			URL:         v.GetString("remote.url"),
			User:        v.GetString("remote.user"),
			Password:    v.GetString("remote.password"),
			Root:        v.GetString("remote.root"),
			Prefix:      v.GetString("remote.prefix"),
			Concurrency: v.GetInt("remote.concurrency"),
		},
		Server: ServerConfig{
			Addr: v.GetString("server.addr"),
		},
		Backup: BackupConfig{
			Dir:       v.GetString("backup.dir"),
			Interval:  v.GetString("backup.interval"),
			Retention: v.GetInt("backup.retention"),
			Password:  v.GetString("backup.password"),
		},
	}
	if cfg.Backup.Dir == "" {
		cfg.Backup.Dir = filepath.Join(cfg.DataDir, "backups")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	var problems []string
	if c.DataDir == "" {
		problems = append(problems, "data_dir is empty")
	}
	for key, d := range map[string]time.Duration{
		"sync.interval":        c.Sync.Interval,
		"sync.flush_interval":  c.Sync.FlushInterval,
		"sync.request_timeout": c.Sync.RequestTimeout,
		"sync.backoff_base":    c.Sync.BackoffBase,
		"sync.backoff_max":     c.Sync.BackoffMax,
	} {
		if d <= 0 {
			problems = append(problems, key+" must be positive")
		}
	}
	if c.Sync.BackoffMax < c.Sync.BackoffBase {
		problems = append(problems, "sync.backoff_max is below sync.backoff_base")
	}
	if c.Sync.MaxAttempts < 0 {
		problems = append(problems, "sync.max_attempts is negative")
	}
	if c.Sync.PullOverlap < 0 {
		problems = append(problems, "sync.pull_overlap is negative")
	}
	switch c.Sync.ConflictStrategy {
	case "last_write_wins", "prefer_remote":
	default:
		problems = append(problems, fmt.Sprintf("unknown sync.conflict_strategy %q", c.Sync.ConflictStrategy))
	}

	switch c.Remote.Kind {
	case RemoteNone, RemoteMemory:
	case RemoteWebDAV:
		if c.Remote.URL == "" {
			problems = append(problems, "remote.url is required for webdav")
		}
	case RemoteDir:
		if c.Remote.Root == "" {
			problems = append(problems, "remote.root is required for dir")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown remote.kind %q", c.Remote.Kind))
	}
	if c.Backup.Retention < 0 {
		problems = append(problems, "backup.retention is negative")
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
