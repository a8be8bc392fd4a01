// Package config loads and validates scraper configuration via Viper.
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
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Stabilize StabilizeConfig `mapstructure:"stabilize"`
	DB        DBConfig        `mapstructure:"db"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ScraperConfig governs the orchestrator dispatch loop.
type ScraperConfig struct {
	Concurrency        int     `mapstructure:"concurrency"`
	BatchSize          int     `mapstructure:"batch_size"`
	ProgressEvery      int     `mapstructure:"progress_every"`
	UnitTimeoutSec     int     `mapstructure:"unit_timeout_seconds"`
	HostRPS            float64 `mapstructure:"host_rps"`
	FailureWindow      int     `mapstructure:"failure_window"`
	MaxConsecutiveFail int     `mapstructure:"max_consecutive_failures"`
	FailureRatio       float64 `mapstructure:"failure_ratio"`
}

// BrowserConfig configures the automation session pool.
type BrowserConfig struct {
	Sessions           int    `mapstructure:"sessions"`
	PagesPerSession    int    `mapstructure:"pages_per_session"`
	UserAgent          string `mapstructure:"user_agent"`
	NavTimeoutSec      int    `mapstructure:"nav_timeout_seconds"`
	CheckoutTimeoutSec int    `mapstructure:"checkout_timeout_seconds"`
	SessionMaxUses     int    `mapstructure:"session_max_uses"`
}

// StabilizeConfig bounds the page-settle polling loop.
type StabilizeConfig struct {
	IntervalMs  int `mapstructure:"interval_ms"`
	MinStableMs int `mapstructure:"min_stable_ms"`
	MaxWaitSec  int `mapstructure:"max_wait_seconds"`
}

// DBConfig controls access to the catalog database and the write buffer.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	FlushBatch      int    `mapstructure:"flush_batch"`
	FlushDebounceMs int    `mapstructure:"flush_debounce_ms"`
	FlushRetries    uint64 `mapstructure:"flush_retries"`
}

// StorageConfig selects and parameterizes the screenshot object store.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // "gcs" or "memory"
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for ingest notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
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
	v.SetDefault("scraper.concurrency", 8)
	v.SetDefault("scraper.batch_size", 20)
	v.SetDefault("scraper.progress_every", 5)
	v.SetDefault("scraper.unit_timeout_seconds", 90)
	v.SetDefault("scraper.host_rps", 2)
	v.SetDefault("scraper.failure_window", 10)
	v.SetDefault("scraper.max_consecutive_failures", 5)
	v.SetDefault("scraper.failure_ratio", 0.8)
	v.SetDefault("browser.sessions", 2)
	v.SetDefault("browser.pages_per_session", 4)
	v.SetDefault("browser.user_agent", "templatehive-scraper/0.1")
	v.SetDefault("browser.nav_timeout_seconds", 45)
	v.SetDefault("browser.checkout_timeout_seconds", 30)
	v.SetDefault("browser.session_max_uses", 50)
	v.SetDefault("stabilize.interval_ms", 250)
	v.SetDefault("stabilize.min_stable_ms", 750)
	v.SetDefault("stabilize.max_wait_seconds", 12)
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.flush_batch", 25)
	v.SetDefault("db.flush_debounce_ms", 2000)
	v.SetDefault("db.flush_retries", 5)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "screenshots")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scraper.Concurrency <= 0 {
		return fmt.Errorf("scraper.concurrency must be > 0")
	}
	if c.Scraper.BatchSize <= 0 {
		return fmt.Errorf("scraper.batch_size must be > 0")
	}
	if c.Browser.PagesPerSession <= 0 {
		return fmt.Errorf("browser.pages_per_session must be > 0")
	}
	if c.Storage.Backend != "memory" && c.Storage.Backend != "gcs" {
		return fmt.Errorf("storage.backend must be %q or %q, got %q", "memory", "gcs", c.Storage.Backend)
	}
	if c.Storage.Backend == "gcs" && c.Storage.GCSBucket == "" {
		return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	if c.DB.FlushBatch <= 0 {
		return fmt.Errorf("db.flush_batch must be > 0")
	}
	return nil
}

// UnitTimeout returns the per-unit processing budget.
func (c Config) UnitTimeout() time.Duration {
	return time.Duration(c.Scraper.UnitTimeoutSec) * time.Second
}

// NavTimeout returns the page navigation budget.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSec) * time.Second
}
