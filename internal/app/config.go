package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/jpcarreira/condoflow/internal/database"
	"github.com/jpcarreira/condoflow/pkg/mail"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// RedisConfig selects the optional shared Redis counter store.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// CacheConfig groups shared-store settings.
type CacheConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// PortalConfig controls access code issuance and sessions.
type PortalConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	InviteTTL          time.Duration `mapstructure:"invite_ttl"`
	ReminderTTL        time.Duration `mapstructure:"reminder_ttl"`
	CodeLength         int           `mapstructure:"code_length"`
	SessionTokenSecret string        `mapstructure:"session_token_secret"`
	SessionTokenTTL    time.Duration `mapstructure:"session_token_ttl"`
}

// FollowUpConfig controls the batch processor and the validation limits.
type FollowUpConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff"`
	InternalSchedule string        `mapstructure:"internal_schedule"`

	RateLimitPerOrigin int           `mapstructure:"rate_limit_per_origin"`
	RateLimitPerCode   int           `mapstructure:"rate_limit_per_code"`
	RateLimitWindow    time.Duration `mapstructure:"rate_limit_window"`
	HTTPRateMax        int           `mapstructure:"http_rate_max"`
	HTTPRateWindow     time.Duration `mapstructure:"http_rate_window"`
}

// MaintenanceConfig controls the background sweeps.
type MaintenanceConfig struct {
	Schedule              string        `mapstructure:"schedule"`
	CodeGrace             time.Duration `mapstructure:"code_grace"`
	ActivityRetentionDays int           `mapstructure:"activity_retention_days"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full application configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Database    database.Config   `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Portal      PortalConfig      `mapstructure:"portal"`
	FollowUps   FollowUpConfig    `mapstructure:"followups"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Email       mail.SMTPSettings `mapstructure:"email"`
	Log         LogConfig         `mapstructure:"log"`
}

// LoadConfig reads configuration from an optional file plus CONDOFLOW_*
// environment variables, applying defaults for everything unset.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("CONDOFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
		// No file is fine; env vars and defaults carry the configuration.
	}

	var cfg Config
	decodeHook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, decodeHook); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Portal.SessionTokenSecret == "" {
		return fmt.Errorf("config: portal.session_token_secret is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "data/condoflow.db")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)

	v.SetDefault("portal.base_url", "http://localhost:8080")
	v.SetDefault("portal.invite_ttl", "24h")
	v.SetDefault("portal.reminder_ttl", "720h")
	v.SetDefault("portal.code_length", 24)
	v.SetDefault("portal.session_token_secret", "")
	v.SetDefault("portal.session_token_ttl", "30m")

	v.SetDefault("followups.batch_size", 20)
	v.SetDefault("followups.max_attempts", 3)
	v.SetDefault("followups.retry_backoff", "4h")
	v.SetDefault("followups.internal_schedule", "")
	v.SetDefault("followups.rate_limit_per_origin", 10)
	v.SetDefault("followups.rate_limit_per_code", 5)
	v.SetDefault("followups.rate_limit_window", "1m")
	v.SetDefault("followups.http_rate_max", 120)
	v.SetDefault("followups.http_rate_window", "1m")

	v.SetDefault("maintenance.schedule", "0 3 * * *")
	v.SetDefault("maintenance.code_grace", "168h")
	v.SetDefault("maintenance.activity_retention_days", 90)

	v.SetDefault("email.enabled", false)
	v.SetDefault("email.host", "localhost")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.from", "noreply@condoflow.local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}
