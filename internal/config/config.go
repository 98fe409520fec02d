// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Debug      bool             `mapstructure:"debug"`
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	CORS       CORSConfig       `mapstructure:"cors"`
	Mongo      MongoConfig      `mapstructure:"mongo"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Delivery   DeliveryConfig   `mapstructure:"delivery"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Pagination PaginationConfig `mapstructure:"pagination"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	Description string `mapstructure:"description"`
	Version     string `mapstructure:"version"`
}

type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	Mode              string `mapstructure:"mode"` // debug/release
	ReadHeaderTimeout int    `mapstructure:"read_header_timeout"`
	IdleTimeout       int    `mapstructure:"idle_timeout"`
}

type LogConfig struct {
	Level           string            `mapstructure:"level"`
	Format          string            `mapstructure:"format"`
	ServiceName     string            `mapstructure:"service_name"`
	Environment     string            `mapstructure:"env"`
	Caller          bool              `mapstructure:"caller"`
	StacktraceLevel string            `mapstructure:"stacktrace_level"`
	Output          LogOutputConfig   `mapstructure:"output"`
	Rotation        LogRotationConfig `mapstructure:"rotation"`
	Sampling        LogSamplingConfig `mapstructure:"sampling"`
}

type LogOutputConfig struct {
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
	LocalTime  bool `mapstructure:"local_time"`
}

type LogSamplingConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Initial    int  `mapstructure:"initial"`
	Thereafter int  `mapstructure:"thereafter"`
}

// CORSConfig carries the raw comma-separated values from the environment.
// The parsed slices are filled in during Load; a value containing "*"
// collapses to the single wildcard entry.
type CORSConfig struct {
	AllowedOrigins   string `mapstructure:"allowed_origins"`
	AllowedHeaders   string `mapstructure:"allowed_headers"`
	AllowedMethods   string `mapstructure:"allowed_methods"`
	AllowCredentials bool   `mapstructure:"allow_credentials"`

	Origins []string `mapstructure:"-"`
	Headers []string `mapstructure:"-"`
	Methods []string `mapstructure:"-"`
}

type MongoConfig struct {
	URL    string `mapstructure:"url"`
	DBName string `mapstructure:"db_name"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type AuthConfig struct {
	SecretKey                 string `mapstructure:"secret_key"`
	TimestampToleranceSeconds int    `mapstructure:"timestamp_tolerance_seconds"`
}

type DeliveryConfig struct {
	// BaseURL is the base of the downstream receiver; the delivery path is
	// appended by the worker.
	BaseURL           string `mapstructure:"be_base_url"`
	ConcurrentWorkers int    `mapstructure:"concurrent_workers"`
	// SweepSchedule is a 5-field cron spec for the stuck-event requeue
	// sweep.
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// DownstreamURL returns the receiver endpoint delivery attempts are posted
// to.
func (c DeliveryConfig) DownstreamURL() string {
	return c.BaseURL + "/api/v1/webhooks/downstream/receive"
}

type RateLimitConfig struct {
	DownstreamRate     int `mapstructure:"downstream_rate"`
	DownstreamCapacity int `mapstructure:"downstream_capacity"`
}

type PaginationConfig struct {
	PageSize    int `mapstructure:"page_size"`
	DefaultPage int `mapstructure:"default_page"`
}

// envBindings maps viper keys to the environment variable names the service
// is configured with.
var envBindings = map[string]string{
	"debug":                            "DEBUG",
	"app.name":                         "APP_NAME",
	"app.description":                  "APP_DESCRIPTION",
	"app.version":                      "APP_VERSION",
	"cors.allowed_origins":             "ALLOWED_ORIGINS",
	"cors.allowed_headers":             "ALLOWED_HEADERS",
	"cors.allowed_methods":             "ALLOWED_METHODS",
	"mongo.url":                        "MONGO_URL",
	"mongo.db_name":                    "MONGO_DB_NAME",
	"auth.secret_key":                  "SECRET_KEY",
	"auth.timestamp_tolerance_seconds": "TIMESTAMP_TOLERANCE_SECONDS",
	"redis.host":                       "REDIS_HOST",
	"redis.port":                       "REDIS_PORT",
	"delivery.be_base_url":             "BE_BASE_URL",
	"delivery.concurrent_workers":      "CONCURRENT_WORKERS",
	"delivery.sweep_schedule":          "SWEEP_SCHEDULE",
	"pagination.page_size":             "PAGE_SIZE",
	"pagination.default_page":          "DEFAULT_PAGE",
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/hookrelay")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, env := range envBindings {
		_ = viper.BindEnv(key, env)
	}

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config error: %w", err)
		}
		// Missing config file is fine; env vars and defaults cover everything.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	cfg.Server.Mode = strings.ToLower(strings.TrimSpace(cfg.Server.Mode))
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "release"
	}
	if cfg.Debug {
		cfg.Server.Mode = "debug"
		cfg.Log.Level = "debug"
	}
	cfg.Mongo.URL = strings.TrimSpace(cfg.Mongo.URL)
	cfg.Mongo.DBName = strings.TrimSpace(cfg.Mongo.DBName)
	cfg.Auth.SecretKey = strings.TrimSpace(cfg.Auth.SecretKey)
	cfg.Delivery.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Delivery.BaseURL), "/")
	cfg.CORS.Origins = parseCORSValue(cfg.CORS.AllowedOrigins)
	cfg.CORS.Headers = parseCORSValue(cfg.CORS.AllowedHeaders)
	cfg.CORS.Methods = parseCORSValue(cfg.CORS.AllowedMethods)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("debug", false)

	viper.SetDefault("app.name", "hookrelay")
	viper.SetDefault("app.description", "Webhook ingest and delivery service")
	viper.SetDefault("app.version", "0.1.0")

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8000)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_header_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.service_name", "hookrelay")
	viper.SetDefault("log.env", "production")
	viper.SetDefault("log.caller", true)
	viper.SetDefault("log.stacktrace_level", "error")
	viper.SetDefault("log.output.to_stdout", true)
	viper.SetDefault("log.output.to_file", false)
	viper.SetDefault("log.output.file_path", "")
	viper.SetDefault("log.rotation.max_size_mb", 100)
	viper.SetDefault("log.rotation.max_backups", 10)
	viper.SetDefault("log.rotation.max_age_days", 30)
	viper.SetDefault("log.rotation.compress", true)
	viper.SetDefault("log.rotation.local_time", false)
	viper.SetDefault("log.sampling.enabled", false)
	viper.SetDefault("log.sampling.initial", 100)
	viper.SetDefault("log.sampling.thereafter", 100)

	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("cors.allowed_headers", "*")
	viper.SetDefault("cors.allowed_methods", "*")
	viper.SetDefault("cors.allow_credentials", true)

	viper.SetDefault("mongo.url", "mongodb://localhost:27017")
	viper.SetDefault("mongo.db_name", "hookrelay")

	viper.SetDefault("auth.secret_key", "")
	viper.SetDefault("auth.timestamp_tolerance_seconds", 300)

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("delivery.be_base_url", "http://localhost:8000")
	viper.SetDefault("delivery.concurrent_workers", 5)
	viper.SetDefault("delivery.sweep_schedule", "* * * * *")

	viper.SetDefault("rate_limit.downstream_rate", 3)
	viper.SetDefault("rate_limit.downstream_capacity", 3)

	viper.SetDefault("pagination.page_size", 10)
	viper.SetDefault("pagination.default_page", 1)
}

func (c *Config) Validate() error {
	if c.Auth.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY must be set")
	}
	if c.Auth.TimestampToleranceSeconds <= 0 {
		return fmt.Errorf("TIMESTAMP_TOLERANCE_SECONDS must be positive")
	}
	if c.Mongo.URL == "" {
		return fmt.Errorf("MONGO_URL must be set")
	}
	if c.Mongo.DBName == "" {
		return fmt.Errorf("MONGO_DB_NAME must be set")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("REDIS_HOST must be set")
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("REDIS_PORT out of range: %d", c.Redis.Port)
	}
	if c.Delivery.BaseURL == "" {
		return fmt.Errorf("BE_BASE_URL must be set")
	}
	if _, err := url.ParseRequestURI(c.Delivery.BaseURL); err != nil {
		return fmt.Errorf("BE_BASE_URL invalid: %w", err)
	}
	if c.Delivery.ConcurrentWorkers <= 0 {
		return fmt.Errorf("CONCURRENT_WORKERS must be positive")
	}
	if c.RateLimit.DownstreamRate <= 0 || c.RateLimit.DownstreamCapacity <= 0 {
		return fmt.Errorf("rate limit parameters must be positive")
	}
	if c.Pagination.PageSize <= 0 {
		return fmt.Errorf("PAGE_SIZE must be positive")
	}
	if c.Pagination.DefaultPage <= 0 {
		return fmt.Errorf("DEFAULT_PAGE must be positive")
	}
	return nil
}

// parseCORSValue converts a comma-separated CORS value into a slice.
// Any value containing "*" collapses to the wildcard.
func parseCORSValue(value string) []string {
	if strings.Contains(value, "*") {
		return []string{"*"}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
