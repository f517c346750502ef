// Package config loads the application configuration.
package config

import (
	"time"
)

// Config is the root of the application configuration.
type Config struct {
	App       AppConfig       `yaml:"app" mapstructure:"app"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
	Storage   StorageConfig   `yaml:"storage" mapstructure:"storage"`
	Batch     BatchConfig     `yaml:"batch" mapstructure:"batch"`
	Provider  ProviderConfig  `yaml:"provider" mapstructure:"provider"`
	RateLimit RateLimitConfig `yaml:"ratelimit" mapstructure:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics" mapstructure:"metrics"`
}

type AppConfig struct {
	Name string `yaml:"name" mapstructure:"name"`
	Env  string `yaml:"env" mapstructure:"env" validate:"oneof=development test production"`
}

type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" mapstructure:"format" validate:"oneof=json text"`
}

// StorageConfig selects the backend used at startup. The backend can
// still be switched at runtime.
type StorageConfig struct {
	Backend string       `yaml:"backend" mapstructure:"backend" validate:"oneof=local hosted"`
	DataDir string       `yaml:"data_dir" mapstructure:"data_dir" validate:"required"`
	Hosted  HostedConfig `yaml:"hosted" mapstructure:"hosted"`
}

// HostedConfig holds PostgreSQL credentials for the hosted backend.
type HostedConfig struct {
	DSN             string        `yaml:"dsn" mapstructure:"dsn" validate:"required_if=Enabled true"`
	Enabled         bool          `yaml:"-" mapstructure:"-"`
	MaxConns        int32         `yaml:"max_conns" mapstructure:"max_conns" validate:"gte=1"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" mapstructure:"max_conn_lifetime"`
}

// BatchConfig tunes the image batch orchestrator.
type BatchConfig struct {
	// HighConcurrencyLimit is K, used for providers with high_concurrency on.
	HighConcurrencyLimit int           `yaml:"high_concurrency_limit" mapstructure:"high_concurrency_limit" validate:"gte=1,lte=6"`
	MaxRetries           int           `yaml:"max_retries" mapstructure:"max_retries" validate:"gte=0,lte=5"`
	BaseDelay            time.Duration `yaml:"base_delay" mapstructure:"base_delay"`
	MaxDelay             time.Duration `yaml:"max_delay" mapstructure:"max_delay"`
	CallTimeout          time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
	DispatchInterval     time.Duration `yaml:"dispatch_interval" mapstructure:"dispatch_interval"`
}

type ProviderConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout" mapstructure:"request_timeout"`
	CacheTTL       time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// RateLimitConfig applies per provider. With RedisAddr set the request
// limit is shared across processes.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requests_per_minute" mapstructure:"requests_per_minute" validate:"gte=0"`
	TokensPerMinute   int           `yaml:"tokens_per_minute" mapstructure:"tokens_per_minute" validate:"gte=0"`
	MaxWait           time.Duration `yaml:"max_wait" mapstructure:"max_wait"`
	RedisAddr         string        `yaml:"redis_addr" mapstructure:"redis_addr"`
	RedisPassword     string        `yaml:"redis_password" mapstructure:"redis_password"`
	RedisDB           int           `yaml:"redis_db" mapstructure:"redis_db"`
}

// Enabled reports whether any limit is configured.
func (r RateLimitConfig) Enabled() bool {
	return r.RequestsPerMinute > 0 || r.TokensPerMinute > 0
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr" validate:"required_if=Enabled true"`
}

// IsProduction reports whether the app runs in production.
func (c *Config) IsProduction() bool {
	return c.App.Env == "production"
}
