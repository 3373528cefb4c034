// Package config loads application configuration and initializes logging.
package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Scraper    ScraperConfig    `yaml:"scraper" mapstructure:"scraper"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Backfill   BackfillConfig   `yaml:"backfill" mapstructure:"backfill"`
	Bulk       BulkConfig       `yaml:"bulk" mapstructure:"bulk"`
	Sweep      SweepConfig      `yaml:"sweep" mapstructure:"sweep"`
	Catalog    CatalogConfig    `yaml:"catalog" mapstructure:"catalog"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ScraperConfig configures the external scrape service and how hard we lean on it.
type ScraperConfig struct {
	BaseURL         string  `yaml:"base_url" mapstructure:"base_url"`
	FallbackURL     string  `yaml:"fallback_url" mapstructure:"fallback_url"`
	Key             string  `yaml:"key" mapstructure:"key"`
	TimeoutSecs     int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" mapstructure:"rate_limit_per_sec"`
	Burst           int     `yaml:"burst" mapstructure:"burst"`
	CooldownSecs    int     `yaml:"cooldown_secs" mapstructure:"cooldown_secs"`
}

// ResilienceConfig configures retry and circuit breaking around the scraper.
type ResilienceConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// BackfillConfig configures request-driven coverage checks.
type BackfillConfig struct {
	DefaultPageSize    int `yaml:"default_page_size" mapstructure:"default_page_size"`
	FullCategoryTarget int `yaml:"full_category_target" mapstructure:"full_category_target"`
	MinTarget          int `yaml:"min_target" mapstructure:"min_target"`
	MaxAsync           int `yaml:"max_async" mapstructure:"max_async"`
	MaxPage            int `yaml:"max_page" mapstructure:"max_page"`
}

// BulkConfig configures the admin-triggered bulk backfill pool.
type BulkConfig struct {
	Concurrency      int `yaml:"concurrency" mapstructure:"concurrency"`
	TargetCount      int `yaml:"target_count" mapstructure:"target_count"`
	SyncIntervalSecs int `yaml:"sync_interval_secs" mapstructure:"sync_interval_secs"`
}

// SweepConfig configures the unattended cursor sweep.
type SweepConfig struct {
	BatchSize         int      `yaml:"batch_size" mapstructure:"batch_size"`
	PolitenessDelayMs int      `yaml:"politeness_delay_ms" mapstructure:"politeness_delay_ms"`
	TargetCount       int      `yaml:"target_count" mapstructure:"target_count"`
	IntervalMins      int      `yaml:"interval_mins" mapstructure:"interval_mins"`
	Cities            []string `yaml:"cities" mapstructure:"cities"`
}

// CatalogConfig points at an optional catalog YAML; the embedded catalog is used otherwise.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// MonitoringConfig configures background health checks and alert delivery.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinCompletedTasks    int     `yaml:"min_completed_tasks" mapstructure:"min_completed_tasks"`
	SweepStaleHours      int     `yaml:"sweep_stale_hours" mapstructure:"sweep_stale_hours"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port              int      `yaml:"port" mapstructure:"port"`
	CORSOrigins       []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	SearchTimeoutSecs int      `yaml:"search_timeout_secs" mapstructure:"search_timeout_secs"`
	// AdminToken guards /v1/admin when set.
	AdminToken string `yaml:"admin_token" mapstructure:"admin_token"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BACKFILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.search_timeout_secs", 180)
	v.SetDefault("scraper.base_url", "http://localhost:7070")
	v.SetDefault("scraper.timeout_secs", 240)
	v.SetDefault("scraper.rate_limit_per_sec", 0.5)
	v.SetDefault("scraper.burst", 2)
	v.SetDefault("scraper.cooldown_secs", 600)
	v.SetDefault("resilience.max_attempts", 2)
	v.SetDefault("resilience.initial_backoff_ms", 2000)
	v.SetDefault("resilience.max_backoff_ms", 20000)
	v.SetDefault("resilience.multiplier", 2.0)
	v.SetDefault("resilience.jitter_fraction", 0.25)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 60)
	v.SetDefault("backfill.default_page_size", 20)
	v.SetDefault("backfill.full_category_target", 300)
	v.SetDefault("backfill.min_target", 10)
	v.SetDefault("backfill.max_async", 8)
	v.SetDefault("backfill.max_page", 50)
	v.SetDefault("bulk.concurrency", 4)
	v.SetDefault("bulk.target_count", 40)
	v.SetDefault("bulk.sync_interval_secs", 5)
	v.SetDefault("sweep.batch_size", 5)
	v.SetDefault("sweep.politeness_delay_ms", 2000)
	v.SetDefault("sweep.target_count", 20)
	v.SetDefault("sweep.interval_mins", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.min_completed_tasks", 20)
	v.SetDefault("monitoring.sweep_stale_hours", 6)

	// Secrets usually arrive only via env; AutomaticEnv needs the keys registered.
	for _, key := range []string{"store.database_url", "scraper.key", "scraper.fallback_url", "server.admin_token", "monitoring.webhook_url"} {
		_ = v.BindEnv(key)
	}

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "serve",
// "backfill" (ensure/bulk/sweep), "import", "migrate".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateBackfill()...)
	case "backfill":
		errs = append(errs, c.validateStore()...)
		errs = append(errs, c.validateBackfill()...)
	case "import", "migrate":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.New(fmt.Sprintf("config: validation failed: %s", strings.Join(errs, "; ")))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for postgres")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (postgres, sqlite)", c.Store.Driver))
	}
	return errs
}

func (c *Config) validateBackfill() []string {
	var errs []string
	if c.Scraper.BaseURL == "" {
		errs = append(errs, "scraper.base_url is required")
	}
	if c.Bulk.Concurrency < 1 || c.Bulk.Concurrency > 32 {
		errs = append(errs, "bulk.concurrency must be between 1 and 32")
	}
	if c.Sweep.BatchSize < 1 {
		errs = append(errs, "sweep.batch_size must be >= 1")
	}
	if c.Sweep.PolitenessDelayMs < 0 {
		errs = append(errs, "sweep.politeness_delay_ms must be >= 0")
	}
	if c.Scraper.RateLimitPerSec < 0 {
		errs = append(errs, "scraper.rate_limit_per_sec must be >= 0")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
