// Package config loads the service configuration: a YAML file, then an
// optional .env file, then STUDIOJOBS_* environment variables, then defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/studio-jobs/internal/adapter"
	"github.com/ChuLiYu/studio-jobs/internal/history"
	logpkg "github.com/ChuLiYu/studio-jobs/internal/log"
	"github.com/ChuLiYu/studio-jobs/internal/queue"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STUDIOJOBS_"

// Config is the complete service configuration.
type Config struct {
	// DataDir is the default parent of every on-disk path below.
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`

	Log      logpkg.Config  `yaml:"log" envPrefix:"LOG_"`
	WAL      WALConfig      `yaml:"wal" envPrefix:"WAL_"`
	Snapshot SnapshotConfig `yaml:"snapshot" envPrefix:"SNAPSHOT_"`
	History  HistoryConfig  `yaml:"history" envPrefix:"HISTORY_"`
	Queue    queue.Config   `yaml:"queue" envPrefix:"QUEUE_"`
	Catalog  CatalogConfig  `yaml:"catalog" envPrefix:"CATALOG_"`
	Adapters adapter.Config `yaml:"adapters" envPrefix:"ADAPTER_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
	Server   ServerConfig   `yaml:"server" envPrefix:"SERVER_"`

	// WorkspaceRoot holds job scratch and store directories.
	WorkspaceRoot string `yaml:"workspace_root" env:"WORKSPACE_ROOT"`
}

type WALConfig struct {
	Path          string        `yaml:"path" env:"PATH"`
	BufferSize    int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	KeepBackups   int           `yaml:"keep_backups" env:"KEEP_BACKUPS"`
}

type SnapshotConfig struct {
	Path     string        `yaml:"path" env:"PATH"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
}

type HistoryConfig struct {
	Capacity int `yaml:"capacity" env:"CAPACITY"`
}

type CatalogConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Addr    string `yaml:"addr" env:"ADDR"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// Load reads path (skipped when empty), applies .env and environment
// overrides and fills defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	// Load .env file if it exists (development)
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return cfg, fmt.Errorf("load .env file: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	cfg.Sanitize()
	return cfg, cfg.Validate()
}

// Sanitize applies defaults to unset values.
func (c *Config) Sanitize() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	c.Log.Sanitize()

	if c.WAL.Path == "" {
		c.WAL.Path = filepath.Join(c.DataDir, "wal", "jobs.wal")
	}
	if c.WAL.BufferSize <= 0 {
		c.WAL.BufferSize = 256
	}
	if c.WAL.FlushInterval <= 0 {
		c.WAL.FlushInterval = time.Second
	}
	if c.WAL.KeepBackups <= 0 {
		c.WAL.KeepBackups = 3
	}

	if c.Snapshot.Path == "" {
		c.Snapshot.Path = filepath.Join(c.DataDir, "snapshot.json")
	}
	if c.Snapshot.Interval <= 0 {
		c.Snapshot.Interval = time.Minute
	}

	if c.History.Capacity <= 0 {
		c.History.Capacity = history.DefaultCapacity
	}

	c.Queue.Sanitize()

	if c.Catalog.Path == "" {
		c.Catalog.Path = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.WorkspaceRoot == "" {
		c.WorkspaceRoot = c.DataDir
	}

	c.Adapters.Sanitize()

	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:50051"
	}
}

// Validate reports settings Sanitize cannot repair.
func (c *Config) Validate() error {
	switch c.Queue.Backend {
	case queue.BackendMemory, queue.BackendRedis:
	default:
		return fmt.Errorf("config: unknown queue backend %q", c.Queue.Backend)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == c.Server.Addr {
		return fmt.Errorf("config: metrics and server both listen on %s", c.Server.Addr)
	}
	return nil
}
