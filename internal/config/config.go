// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/llmrank/mindshare-crawler/internal/crawl"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig                    `mapstructure:"server"`
	Auth      AuthConfig                      `mapstructure:"auth"`
	Batch     BatchConfig                     `mapstructure:"batch"`
	Retry     RetryConfig                     `mapstructure:"retry"`
	Breaker   BreakerConfig                   `mapstructure:"breaker"`
	DB        DBConfig                        `mapstructure:"db"`
	Archive   ArchiveConfig                   `mapstructure:"archive"`
	PubSub    PubSubConfig                    `mapstructure:"pubsub"`
	Logging   LoggingConfig                   `mapstructure:"logging"`
	Providers map[string]crawl.ProviderConfig `mapstructure:"providers"`
	Domains   []crawl.Domain                  `mapstructure:"domains"`
	Prompts   []crawl.Prompt                  `mapstructure:"prompts"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines admin API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BatchConfig governs scheduling and SLA behavior for one batch.
type BatchConfig struct {
	GlobalConcurrency  int `mapstructure:"global_concurrency"`
	SoftDeadlineMin    int `mapstructure:"soft_deadline_minutes"`
	HardDeadlineMin    int `mapstructure:"hard_deadline_minutes"`
	DefaultTimeoutSec  int `mapstructure:"default_timeout_seconds"`
	DefaultRPM         int `mapstructure:"default_requests_per_minute"`
	DefaultConcurrency int `mapstructure:"default_provider_concurrency"`
}

// RetryConfig configures the centralized retry controller.
type RetryConfig struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	BackoffInitialMs int `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int `mapstructure:"backoff_max_ms"`
}

// BreakerConfig configures the per-provider circuit breakers.
type BreakerConfig struct {
	WindowSec      int     `mapstructure:"window_seconds"`
	MinSamples     int     `mapstructure:"min_samples"`
	FailureRate    float64 `mapstructure:"failure_rate"`
	CooldownSec    int     `mapstructure:"cooldown_seconds"`
	HalfOpenProbes int     `mapstructure:"half_open_probes"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN           string `mapstructure:"dsn"`
	ResponseTable string `mapstructure:"response_table"`
	BatchTable    string `mapstructure:"batch_table"`
	DomainTable   string `mapstructure:"domain_table"`
	MaxConns      int32  `mapstructure:"max_conns"`
	MinConns      int32  `mapstructure:"min_conns"`
}

// ArchiveConfig sets the optional raw-response archive destination.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"` // gcs, memory, none
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for batch completion notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MINDSHARE")
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

	cfg.applyProviderDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("batch.global_concurrency", 16)
	v.SetDefault("batch.soft_deadline_minutes", 60)
	v.SetDefault("batch.hard_deadline_minutes", 120)
	v.SetDefault("batch.default_timeout_seconds", 90)
	v.SetDefault("batch.default_requests_per_minute", 60)
	v.SetDefault("batch.default_provider_concurrency", 4)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.backoff_initial_ms", 250)
	v.SetDefault("retry.backoff_max_ms", 5000)
	v.SetDefault("breaker.window_seconds", 30)
	v.SetDefault("breaker.min_samples", 5)
	v.SetDefault("breaker.failure_rate", 0.5)
	v.SetDefault("breaker.cooldown_seconds", 30)
	v.SetDefault("breaker.half_open_probes", 2)
	v.SetDefault("db.response_table", "responses")
	v.SetDefault("db.batch_table", "crawl_batches")
	v.SetDefault("db.domain_table", "domains")
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "batches")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
}

// applyProviderDefaults fills per-provider zero values from the batch-level
// defaults and stamps map keys into the ID field.
func (c *Config) applyProviderDefaults() {
	for id, p := range c.Providers {
		if p.ID == "" {
			p.ID = id
		}
		if p.RequestsPerMin <= 0 {
			p.RequestsPerMin = c.Batch.DefaultRPM
		}
		if p.MaxConcurrency <= 0 {
			p.MaxConcurrency = c.Batch.DefaultConcurrency
		}
		if p.Timeout <= 0 {
			p.Timeout = time.Duration(c.Batch.DefaultTimeoutSec) * time.Second
		}
		if p.Tier == "" {
			p.Tier = crawl.TierMedium
		}
		c.Providers[id] = p
	}
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Batch.GlobalConcurrency <= 0 {
		return fmt.Errorf("batch.global_concurrency must be > 0")
	}
	if c.Batch.HardDeadlineMin < c.Batch.SoftDeadlineMin {
		return fmt.Errorf("batch.hard_deadline_minutes must be >= batch.soft_deadline_minutes")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Breaker.FailureRate <= 0 || c.Breaker.FailureRate > 1 {
		return fmt.Errorf("breaker.failure_rate must be in (0, 1]")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	for id, p := range c.Providers {
		if p.Endpoint == "" {
			return fmt.Errorf("providers.%s.endpoint is required", id)
		}
		if p.Model == "" {
			return fmt.Errorf("providers.%s.model is required", id)
		}
	}
	return nil
}

// SoftDeadline converts the configured soft SLA into a duration.
func (c Config) SoftDeadline() time.Duration {
	return time.Duration(c.Batch.SoftDeadlineMin) * time.Minute
}

// HardDeadline converts the configured hard SLA into a duration.
func (c Config) HardDeadline() time.Duration {
	return time.Duration(c.Batch.HardDeadlineMin) * time.Minute
}
