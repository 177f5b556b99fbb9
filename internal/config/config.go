// Package config loads the server configuration: built-in defaults, then the YAML file,
// then BLOCKLOG_* environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "BLOCKLOG_"

type Config struct {
	DataDir string   `yaml:"data_dir" env:"DATA_DIR"`
	Worlds  []string `yaml:"worlds" env:"WORLDS" envSeparator:","`
	Palette string   `yaml:"palette" env:"PALETTE"`

	Store     StoreConfig     `yaml:"store" envPrefix:"STORE_"`
	Journal   JournalConfig   `yaml:"journal" envPrefix:"JOURNAL_"`
	Query     QueryConfig     `yaml:"query" envPrefix:"QUERY_"`
	Rollback  RollbackConfig  `yaml:"rollback" envPrefix:"ROLLBACK_"`
	Inventory InventoryConfig `yaml:"inventory" envPrefix:"INVENTORY_"`
	Retention RetentionConfig `yaml:"retention" envPrefix:"RETENTION_"`
	Workers   WorkersConfig   `yaml:"workers" envPrefix:"WORKERS_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	Host      HostConfig      `yaml:"host" envPrefix:"HOST_"`
	Mirror    MirrorConfig    `yaml:"mirror" envPrefix:"MIRROR_"`
}

type StoreConfig struct {
	// Path defaults to <data_dir>/index/blocklog.sqlite.
	Path          string        `yaml:"path" env:"PATH"`
	QueueSize     int           `yaml:"queue_size" env:"QUEUE_SIZE"`
	CommitEvery   int           `yaml:"commit_every" env:"COMMIT_EVERY"`
	CommitMaxWait time.Duration `yaml:"commit_max_wait" env:"COMMIT_MAX_WAIT"`
	ReadConns     int           `yaml:"read_conns" env:"READ_CONNS"`
}

type JournalConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
}

type QueryConfig struct {
	DefaultLimit int `yaml:"default_limit" env:"DEFAULT_LIMIT"`
}

type RollbackConfig struct {
	StepDelay     time.Duration `yaml:"step_delay" env:"STEP_DELAY"`
	MaxAreaVolume int64         `yaml:"max_area_volume" env:"MAX_AREA_VOLUME"`
	JobRetention  time.Duration `yaml:"job_retention" env:"JOB_RETENTION"`
}

type InventoryConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"SNAPSHOT_INTERVAL"`
}

type RetentionConfig struct {
	Days     int           `yaml:"days" env:"DAYS"`
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	Archive  bool          `yaml:"archive" env:"ARCHIVE"`
}

type WorkersConfig struct {
	Count int `yaml:"count" env:"COUNT"`
	Queue int `yaml:"queue" env:"QUEUE"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	// AdminToken, when set, is required as a bearer token from non-loopback admin clients.
	AdminToken string `yaml:"admin_token" env:"ADMIN_TOKEN"`
	// AdminSecret, when set, admits HMAC-signed admin requests.
	AdminSecret string `yaml:"admin_secret" env:"ADMIN_SECRET"`
}

type HostConfig struct {
	// Enabled sends world commands to the connected host. When false, rollbacks apply to an
	// in-memory world built from the palette. Event ingest on /v1/host is served either way.
	Enabled        bool          `yaml:"enabled" env:"ENABLED"`
	Token          string        `yaml:"token" env:"TOKEN"`
	CommandTimeout time.Duration `yaml:"command_timeout" env:"COMMAND_TIMEOUT"`
}

type MirrorConfig struct {
	Enabled         bool   `yaml:"enabled" env:"ENABLED"`
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Workers         int    `yaml:"workers" env:"WORKERS"`
}

func Defaults() Config {
	return Config{
		DataDir: "./data",
		Worlds:  []string{"world", "world_nether", "world_the_end"},
		Store: StoreConfig{
			QueueSize:     65536,
			CommitEvery:   2000,
			CommitMaxWait: 2 * time.Second,
			ReadConns:     4,
		},
		Journal:   JournalConfig{Enabled: true},
		Query:     QueryConfig{DefaultLimit: 50},
		Rollback:  RollbackConfig{StepDelay: 5 * time.Millisecond, MaxAreaVolume: 1 << 20, JobRetention: time.Hour},
		Inventory: InventoryConfig{SnapshotInterval: 5 * time.Minute},
		Retention: RetentionConfig{Days: 30, Interval: time.Hour},
		Workers:   WorkersConfig{Count: 4, Queue: 256},
		HTTP:      HTTPConfig{Addr: ":8090"},
		Host:      HostConfig{Enabled: true, CommandTimeout: 5 * time.Second},
		Mirror:    MirrorConfig{Region: "auto", Workers: 2},
	}
}

// Load reads path (optional) over the defaults, applies env overrides, and validates.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields whose BLOCKLOG_* variable is set.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) Normalize() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = filepath.Join(c.DataDir, "index", "blocklog.sqlite")
	}
	worlds := c.Worlds[:0]
	seen := map[string]bool{}
	for _, w := range c.Worlds {
		w = strings.TrimSpace(w)
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		worlds = append(worlds, w)
	}
	c.Worlds = worlds
	c.Mirror.Prefix = strings.Trim(c.Mirror.Prefix, "/")
	if c.Mirror.Workers <= 0 {
		c.Mirror.Workers = 1
	}
}

func (c Config) Validate() error {
	if len(c.Worlds) == 0 {
		return fmt.Errorf("worlds must not be empty")
	}
	if c.Store.QueueSize <= 0 {
		return fmt.Errorf("store.queue_size must be > 0")
	}
	if c.Store.CommitEvery <= 0 {
		return fmt.Errorf("store.commit_every must be > 0")
	}
	if c.Store.CommitMaxWait <= 0 {
		return fmt.Errorf("store.commit_max_wait must be > 0")
	}
	if c.Query.DefaultLimit <= 0 {
		return fmt.Errorf("query.default_limit must be > 0")
	}
	if c.Rollback.StepDelay < 0 {
		return fmt.Errorf("rollback.step_delay must be >= 0")
	}
	if c.Rollback.MaxAreaVolume <= 0 {
		return fmt.Errorf("rollback.max_area_volume must be > 0")
	}
	if c.Inventory.SnapshotInterval <= 0 {
		return fmt.Errorf("inventory.snapshot_interval must be > 0")
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("retention.days must be > 0")
	}
	if c.Retention.Interval <= 0 {
		return fmt.Errorf("retention.interval must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return fmt.Errorf("http.addr must not be empty")
	}
	if c.Mirror.Enabled {
		if c.Mirror.Endpoint == "" || c.Mirror.Bucket == "" || c.Mirror.AccessKeyID == "" || c.Mirror.SecretAccessKey == "" {
			return fmt.Errorf("mirror.enabled requires endpoint, bucket, access_key_id and secret_access_key")
		}
		if !c.Retention.Archive {
			return fmt.Errorf("mirror.enabled requires retention.archive")
		}
	}
	return nil
}
