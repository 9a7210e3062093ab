// Package config loads engine configuration from the environment, with an
// optional bunsane.yaml file underneath. Environment variables always win.
//
// Invalid configuration is a ConfigError and fatal at boot.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/bunsane/bunsane/internal/types"
)

// Partition strategies for the components table.
const (
	PartitionList = "list"
	PartitionHash = "hash"
)

// Cache provider names.
const (
	ProviderMemory     = "memory"
	ProviderRemote     = "remote"
	ProviderMultilevel = "multilevel"
	ProviderNoop       = "noop"
)

// Cache write strategies.
const (
	StrategyWriteInvalidate = "write-invalidate"
	StrategyWriteThrough    = "write-through"
)

// Config is the full engine configuration.
type Config struct {
	AppPort  int    `mapstructure:"app_port" validate:"gt=0,lte=65535"`
	Env      string `mapstructure:"env"`
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`

	DatabaseURL      string `mapstructure:"database_url"`
	DatabasePoolSize int    `mapstructure:"database_pool_size" validate:"gt=0"`

	UseLateralJoins    bool   `mapstructure:"use_lateral_joins"`
	PartitionStrategy  string `mapstructure:"partition_strategy" validate:"oneof=list hash"`
	UseDirectPartition bool   `mapstructure:"use_direct_partition"`

	Cache     CacheConfig     `mapstructure:"cache"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

// CacheConfig configures the read cache tiers.
type CacheConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Provider      string        `mapstructure:"provider" validate:"oneof=memory remote multilevel noop"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl" validate:"gte=0"`
	Strategy      string        `mapstructure:"strategy" validate:"oneof=write-through write-invalidate"`
	LocalMaxBytes int64         `mapstructure:"local_max_bytes" validate:"gt=0"`
	RedisURL      string        `mapstructure:"redis_url"`

	Entity    CacheCategory `mapstructure:"entity"`
	Component CacheCategory `mapstructure:"component"`
	Query     CacheCategory `mapstructure:"query"`
}

// CacheCategory enables and tunes one key category (entity, component, or
// query results).
type CacheCategory struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl" validate:"gte=0"`
}

// SchedulerConfig tunes the periodic task scheduler.
type SchedulerConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent" validate:"gt=0"`
	TickInterval  time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
}

// envBindings maps viper keys to the environment variables the engine
// documents. TTL-ish vars carry milliseconds as plain integers; they are
// normalized to durations after unmarshal.
var envBindings = map[string]string{
	"app_port":             "APP_PORT",
	"env":                  "ENV",
	"log_level":            "LOG_LEVEL",
	"debug":                "DEBUG",
	"database_url":         "DATABASE_URL",
	"database_pool_size":   "DATABASE_POOL_SIZE",
	"use_lateral_joins":    "BUNSANE_USE_LATERAL_JOINS",
	"partition_strategy":   "BUNSANE_PARTITION_STRATEGY",
	"use_direct_partition": "BUNSANE_USE_DIRECT_PARTITION",

	"cache.enabled":           "CACHE_ENABLED",
	"cache.provider":          "CACHE_PROVIDER",
	"cache.default_ttl":       "CACHE_DEFAULT_TTL",
	"cache.strategy":          "CACHE_STRATEGY",
	"cache.local_max_bytes":   "CACHE_LOCAL_MAX_BYTES",
	"cache.redis_url":         "REDIS_URL",
	"cache.entity.enabled":    "CACHE_ENTITY_ENABLED",
	"cache.entity.ttl":        "CACHE_ENTITY_TTL",
	"cache.component.enabled": "CACHE_COMPONENT_ENABLED",
	"cache.component.ttl":     "CACHE_COMPONENT_TTL",
	"cache.query.enabled":     "CACHE_QUERY_ENABLED",
	"cache.query.ttl":         "CACHE_QUERY_TTL",

	"scheduler.max_concurrent": "SCHEDULER_MAX_CONCURRENT",
	"scheduler.tick_interval":  "SCHEDULER_TICK_INTERVAL",
}

// millisecondKeys lists the keys whose raw values are integer milliseconds.
var millisecondKeys = []string{
	"cache.default_ttl",
	"cache.entity.ttl",
	"cache.component.ttl",
	"cache.query.ttl",
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("app_port", 3000)
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("debug", false)
	v.SetDefault("database_pool_size", 10)
	v.SetDefault("use_lateral_joins", true)
	v.SetDefault("partition_strategy", PartitionList)
	v.SetDefault("use_direct_partition", true)

	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.provider", ProviderMemory)
	v.SetDefault("cache.default_ttl", 30_000)
	v.SetDefault("cache.strategy", StrategyWriteInvalidate)
	v.SetDefault("cache.local_max_bytes", int64(64<<20))
	v.SetDefault("cache.redis_url", "redis://localhost:6379/0")
	v.SetDefault("cache.entity.enabled", true)
	v.SetDefault("cache.entity.ttl", 60_000)
	v.SetDefault("cache.component.enabled", true)
	v.SetDefault("cache.component.ttl", 60_000)
	v.SetDefault("cache.query.enabled", true)
	v.SetDefault("cache.query.ttl", 10_000)

	v.SetDefault("scheduler.max_concurrent", 4)
	v.SetDefault("scheduler.tick_interval", "1s")

	for key, env := range envBindings {
		// BindEnv only errors on an empty key.
		_ = v.BindEnv(key, env)
	}
	return v
}

// Load builds the configuration from defaults, an optional yaml file, and
// the environment. path may be empty; a missing file at the default location
// is not an error.
func Load(path string) (*Config, error) {
	v := newViper()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, &types.ConfigError{Key: path, Reason: fmt.Sprintf("reading config file: %v", err)}
		}
	} else {
		v.SetConfigName("bunsane")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, &types.ConfigError{Key: "bunsane.yaml", Reason: fmt.Sprintf("reading config file: %v", err)}
			}
		}
	}

	// Normalize millisecond integers to durations before unmarshal so the
	// Duration fields decode uniformly.
	for _, key := range millisecondKeys {
		if ms := v.GetInt64(key); ms >= 0 {
			v.Set(key, (time.Duration(ms) * time.Millisecond).String())
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &types.ConfigError{Reason: fmt.Sprintf("decoding config: %v", err)}
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration invariants and returns a ConfigError
// naming the first offending key.
func Validate(cfg *Config) error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &types.ConfigError{
			Key:    strings.ToLower(fe.Namespace()),
			Reason: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
		}
	}
	return &types.ConfigError{Reason: err.Error()}
}
