package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	DatabaseURL   string `mapstructure:"DB_DSN"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	RedisAddr          string `mapstructure:"REDIS_ADDR"`
	RedisPassword      string `mapstructure:"REDIS_PASSWORD"`
	RedisDB            int    `mapstructure:"REDIS_DB"`
	RedisChannelPrefix string `mapstructure:"REDIS_CHANNEL_PREFIX"`

	Timezone           string `mapstructure:"TIMEZONE"`
	ETACacheTTLSeconds int    `mapstructure:"ETA_CACHE_TTL_SECONDS"`
	PositionRetryLimit int    `mapstructure:"POSITION_RETRY_LIMIT"`

	SweepIntervalSeconds int `mapstructure:"SWEEP_INTERVAL_SECONDS"`
	ReminderLeadMinutes  int `mapstructure:"REMINDER_LEAD_MINUTES"`
	NoShowGraceSeconds   int `mapstructure:"NO_SHOW_GRACE_SECONDS"`
	SweepBatchSize       int `mapstructure:"SWEEP_BATCH_SIZE"`

	NotifyProvider     string `mapstructure:"NOTIFY_PROVIDER"`
	NotifyWebhookURL   string `mapstructure:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookToken string `mapstructure:"NOTIFY_WEBHOOK_TOKEN"`
	NotifyQueueSize    int    `mapstructure:"NOTIFY_QUEUE_SIZE"`

	RateLimitPerMinute         int `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst             int `mapstructure:"RATE_LIMIT_BURST"`
	HospitalRateLimitPerMinute int `mapstructure:"HOSPITAL_RATE_LIMIT_PER_MIN"`
	HospitalRateLimitBurst     int `mapstructure:"HOSPITAL_RATE_LIMIT_BURST"`

	// StaffAPIKeyHash is a bcrypt hash. Empty leaves staff routes open.
	StaffAPIKeyHash string `mapstructure:"STAFF_API_KEY_HASH"`

	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPInsecure bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
}

var defaults = map[string]any{
	"PORT":                        "8080",
	"ENV":                         "development",
	"MIGRATIONS_DIR":              "migrations",
	"REDIS_DB":                    0,
	"REDIS_CHANNEL_PREFIX":        "opd:",
	"TIMEZONE":                    "Local",
	"ETA_CACHE_TTL_SECONDS":       300,
	"POSITION_RETRY_LIMIT":        3,
	"SWEEP_INTERVAL_SECONDS":      60,
	"REMINDER_LEAD_MINUTES":       60,
	"NO_SHOW_GRACE_SECONDS":       1800,
	"SWEEP_BATCH_SIZE":            100,
	"NOTIFY_PROVIDER":             "log",
	"NOTIFY_QUEUE_SIZE":           256,
	"RATE_LIMIT_PER_MIN":          120,
	"RATE_LIMIT_BURST":            30,
	"HOSPITAL_RATE_LIMIT_PER_MIN": 600,
	"HOSPITAL_RATE_LIMIT_BURST":   120,
	"OTEL_EXPORTER_OTLP_INSECURE": false,
}

var envKeys = []string{
	"PORT", "ENV", "DB_DSN", "MIGRATIONS_DIR",
	"REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB", "REDIS_CHANNEL_PREFIX",
	"TIMEZONE", "ETA_CACHE_TTL_SECONDS", "POSITION_RETRY_LIMIT",
	"SWEEP_INTERVAL_SECONDS", "REMINDER_LEAD_MINUTES", "NO_SHOW_GRACE_SECONDS", "SWEEP_BATCH_SIZE",
	"NOTIFY_PROVIDER", "NOTIFY_WEBHOOK_URL", "NOTIFY_WEBHOOK_TOKEN", "NOTIFY_QUEUE_SIZE",
	"RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST", "HOSPITAL_RATE_LIMIT_PER_MIN", "HOSPITAL_RATE_LIMIT_BURST",
	"STAFF_API_KEY_HASH",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_INSECURE",
}

// Load reads configuration from the environment and an optional .env file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}
	if err := v.ReadInConfig(); err != nil && !configMissing(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var problems []string
	if _, err := c.Location(); err != nil {
		problems = append(problems, fmt.Sprintf("TIMEZONE: %v", err))
	}
	if c.PositionRetryLimit < 1 {
		problems = append(problems, "POSITION_RETRY_LIMIT must be at least 1")
	}
	for name, value := range map[string]int{
		"ETA_CACHE_TTL_SECONDS":  c.ETACacheTTLSeconds,
		"SWEEP_INTERVAL_SECONDS": c.SweepIntervalSeconds,
		"REMINDER_LEAD_MINUTES":  c.ReminderLeadMinutes,
		"NO_SHOW_GRACE_SECONDS":  c.NoShowGraceSeconds,
		"SWEEP_BATCH_SIZE":       c.SweepBatchSize,
		"NOTIFY_QUEUE_SIZE":      c.NotifyQueueSize,
	} {
		if value < 0 {
			problems = append(problems, name+" must not be negative")
		}
	}
	if len(problems) > 0 {
		return errors.New("invalid config: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves TIMEZONE. Queue days are calendar dates in this zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || c.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

func (c *Config) ETACacheTTL() time.Duration {
	return time.Duration(c.ETACacheTTLSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

func (c *Config) ReminderLead() time.Duration {
	return time.Duration(c.ReminderLeadMinutes) * time.Minute
}

// NoShowGrace is zero when the auto no-show sweep is disabled.
func (c *Config) NoShowGrace() time.Duration {
	return time.Duration(c.NoShowGraceSeconds) * time.Second
}

// configMissing reports whether the .env file is simply absent. Environment
// variables alone are a valid configuration.
func configMissing(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}
