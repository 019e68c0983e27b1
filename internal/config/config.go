package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "RENOTE"
	defaultHTTPAddress  = "0.0.0.0:8080"
	defaultRedisAddress = "127.0.0.1:6379"
	defaultDatabasePath = "renote.db"
	defaultLogLevel     = "info"
)

// Write-behind execution modes.
const (
	ModeContinuous = "continuous"
	ModeBatch      = "batch"
)

// AppConfig captures runtime configuration for the API server and the
// write-behind engine.
type AppConfig struct {
	HTTPAddress   string
	RedisAddress  string
	RedisUsername string
	RedisPassword string
	DatabasePath  string
	LogLevel      string

	WriteBehind     bool
	WriteBehindMode string
	BlockTimeout    time.Duration
	BatchSize       int
	EscalatedBatch  int
	ProbeSize       int
	MaxBatch        int
	FlushThreshold  int
	TrimEvery       int
	StreamMaxLen    int
	PruneEmpty      bool
	EmptyMinLen     int

	OKLagThreshold       int
	DegradedLagThreshold int
	ExpectedFlushEvery   time.Duration

	RequireUUID bool
	MaxTextLen  int

	VersionMaxPerCard    int
	VersionMinInterval   time.Duration
	VersionMinSizeDelta  int
	VersionRetentionDays int

	RateLimitMax    int
	RateLimitWindow time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("redis.username", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)

	configViper.SetDefault("write_behind.enabled", true)
	configViper.SetDefault("write_behind.mode", ModeBatch)
	configViper.SetDefault("write_behind.block_ms", 5000)
	configViper.SetDefault("write_behind.batch_size", 200)
	configViper.SetDefault("write_behind.escalated_batch", 800)
	configViper.SetDefault("write_behind.probe_size", 500)
	configViper.SetDefault("write_behind.max_batch", 1000)
	configViper.SetDefault("write_behind.flush_threshold", 500)
	configViper.SetDefault("write_behind.trim_every", 500)
	configViper.SetDefault("write_behind.stream_maxlen", 20000)
	configViper.SetDefault("write_behind.prune_empty", true)
	configViper.SetDefault("write_behind.empty_minlen", 1)

	configViper.SetDefault("health.ok_lag", 20)
	configViper.SetDefault("health.degraded_lag", 200)
	configViper.SetDefault("health.expected_interval_s", 180)

	configViper.SetDefault("cards.require_uuid", false)
	configViper.SetDefault("cards.max_text_len", 262144)

	configViper.SetDefault("versions.max_per_card", 25)
	configViper.SetDefault("versions.min_interval_s", 60)
	configViper.SetDefault("versions.min_size_delta", 20)
	configViper.SetDefault("versions.retention_days", 0)

	configViper.SetDefault("rate_limit.max", 0)
	configViper.SetDefault("rate_limit.window_s", 60)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		RedisAddress:  configViper.GetString("redis.address"),
		RedisUsername: configViper.GetString("redis.username"),
		RedisPassword: configViper.GetString("redis.password"),
		DatabasePath:  configViper.GetString("database.path"),
		LogLevel:      configViper.GetString("log.level"),

		WriteBehind:     configViper.GetBool("write_behind.enabled"),
		WriteBehindMode: configViper.GetString("write_behind.mode"),
		BlockTimeout:    time.Duration(configViper.GetInt("write_behind.block_ms")) * time.Millisecond,
		BatchSize:       configViper.GetInt("write_behind.batch_size"),
		EscalatedBatch:  configViper.GetInt("write_behind.escalated_batch"),
		ProbeSize:       configViper.GetInt("write_behind.probe_size"),
		MaxBatch:        configViper.GetInt("write_behind.max_batch"),
		FlushThreshold:  configViper.GetInt("write_behind.flush_threshold"),
		TrimEvery:       configViper.GetInt("write_behind.trim_every"),
		StreamMaxLen:    configViper.GetInt("write_behind.stream_maxlen"),
		PruneEmpty:      configViper.GetBool("write_behind.prune_empty"),
		EmptyMinLen:     configViper.GetInt("write_behind.empty_minlen"),

		OKLagThreshold:       configViper.GetInt("health.ok_lag"),
		DegradedLagThreshold: configViper.GetInt("health.degraded_lag"),
		ExpectedFlushEvery:   time.Duration(configViper.GetInt("health.expected_interval_s")) * time.Second,

		RequireUUID: configViper.GetBool("cards.require_uuid"),
		MaxTextLen:  configViper.GetInt("cards.max_text_len"),

		VersionMaxPerCard:    configViper.GetInt("versions.max_per_card"),
		VersionMinInterval:   time.Duration(configViper.GetInt("versions.min_interval_s")) * time.Second,
		VersionMinSizeDelta:  configViper.GetInt("versions.min_size_delta"),
		VersionRetentionDays: configViper.GetInt("versions.retention_days"),

		RateLimitMax:    configViper.GetInt("rate_limit.max"),
		RateLimitWindow: time.Duration(configViper.GetInt("rate_limit.window_s")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.RedisAddress) == "" {
		return fmt.Errorf("redis.address is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.WriteBehindMode != ModeContinuous && c.WriteBehindMode != ModeBatch {
		return fmt.Errorf("write_behind.mode must be %q or %q", ModeContinuous, ModeBatch)
	}
	return nil
}
