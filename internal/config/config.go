// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Queue     QueueConfig     `mapstructure:"queue"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// CrawlerConfig governs crawl politeness and checkpointing.
type CrawlerConfig struct {
	UserAgent              string `mapstructure:"user_agent"`
	DefaultDelayMs         int    `mapstructure:"default_delay_ms"`
	RobotsCacheTTLMinutes  int    `mapstructure:"robots_cache_ttl_minutes"`
	CheckpointEveryPages   int    `mapstructure:"checkpoint_every_pages"`
	SkipStartupRecovery    bool   `mapstructure:"skip_startup_recovery"`
	FallbackTimeoutSeconds int    `mapstructure:"fallback_timeout_seconds"`
}

// BrowserConfig configures the headless browser pool.
type BrowserConfig struct {
	Tabs          int `mapstructure:"tabs"`
	NavTimeoutSec int `mapstructure:"nav_timeout_seconds"`
}

// SchedulerConfig bounds batch admission.
type SchedulerConfig struct {
	MaxAdmissionsPerTick int `mapstructure:"max_admissions_per_tick"`
	TickSeconds          int `mapstructure:"tick_seconds"`
}

// WorkerConfig sizes the phase task consumers.
type WorkerConfig struct {
	PerQueue        int `mapstructure:"per_queue"`
	SoftLimitMin    int `mapstructure:"soft_limit_minutes"`
	HardLimitMin    int `mapstructure:"hard_limit_minutes"`
	MemoryQueueSize int `mapstructure:"memory_queue_size"`
}

// DefaultsConfig supplies per-company limits when a submission omits them.
type DefaultsConfig struct {
	TimeLimitMinutes int `mapstructure:"time_limit_minutes"`
	MaxPages         int `mapstructure:"max_pages"`
	MaxDepth         int `mapstructure:"max_depth"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxConns       int32  `mapstructure:"max_conns"`
	MinConns       int32  `mapstructure:"min_conns"`
	MaxConnLifeMin int    `mapstructure:"max_conn_life_minutes"`
}

// RedisConfig controls the ephemeral progress cache.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	TTLMinutes int    `mapstructure:"ttl_minutes"`
}

// StorageConfig selects and parameterizes the blob store backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // gcs, local, memory
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
}

// QueueConfig selects and parameterizes the task queue backend.
type QueueConfig struct {
	Backend     string `mapstructure:"backend"` // pubsub, memory
	ProjectID   string `mapstructure:"project_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROSPECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("crawler.user_agent", "prospector-bot/1.0")
	v.SetDefault("crawler.default_delay_ms", 1000)
	v.SetDefault("crawler.robots_cache_ttl_minutes", 60)
	v.SetDefault("crawler.checkpoint_every_pages", 10)
	v.SetDefault("crawler.fallback_timeout_seconds", 20)
	v.SetDefault("browser.tabs", 3)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("scheduler.max_admissions_per_tick", 50)
	v.SetDefault("scheduler.tick_seconds", 15)
	v.SetDefault("worker.per_queue", 2)
	v.SetDefault("worker.soft_limit_minutes", 60)
	v.SetDefault("worker.hard_limit_minutes", 65)
	v.SetDefault("worker.memory_queue_size", 256)
	v.SetDefault("defaults.time_limit_minutes", 30)
	v.SetDefault("defaults.max_pages", 100)
	v.SetDefault("defaults.max_depth", 3)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_life_minutes", 30)
	v.SetDefault("redis.key_prefix", "prospector:progress:")
	v.SetDefault("redis.ttl_minutes", 1440)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "./blobs")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.topic_prefix", "prospector")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.UserAgent == "" {
		return fmt.Errorf("crawler.user_agent is required")
	}
	if c.Worker.PerQueue <= 0 {
		return fmt.Errorf("worker.per_queue must be > 0")
	}
	if c.Worker.HardLimitMin <= c.Worker.SoftLimitMin {
		return fmt.Errorf("worker.hard_limit_minutes must exceed worker.soft_limit_minutes")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs backend")
		}
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir is required for the local backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case "pubsub":
		if c.Queue.ProjectID == "" {
			return fmt.Errorf("queue.project_id is required for the pubsub backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	if c.Defaults.MaxPages <= 0 {
		return fmt.Errorf("defaults.max_pages must be > 0")
	}
	return nil
}

// DefaultDelay returns the per-domain politeness interval.
func (c Config) DefaultDelay() time.Duration {
	return time.Duration(c.Crawler.DefaultDelayMs) * time.Millisecond
}

// RobotsTTL returns the robots.txt cache lifetime.
func (c Config) RobotsTTL() time.Duration {
	return time.Duration(c.Crawler.RobotsCacheTTLMinutes) * time.Minute
}
