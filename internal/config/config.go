package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for the queue daemon.
type Config struct {
	Env        string          `yaml:"env"`
	HTTPPort   string          `yaml:"http_port"`
	AuthSecret string          `yaml:"auth_secret"`
	Log        LogConfig       `yaml:"log"`
	Store      StoreConfig     `yaml:"store"`
	Queue      QueueConfig     `yaml:"queue"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig describes how to reach the persistent store. Networked drivers
// use Host/Port/User/Password/Database (or DSN); sqlite uses Path.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	RedisDB  int    `yaml:"redis_db"`
	Path     string `yaml:"path"`
	Debug    bool   `yaml:"debug"`
}

// QueueConfig carries engine settings. ErrorRetryIn of zero disables the
// retry scheduler.
type QueueConfig struct {
	ErrorRetryIn     time.Duration `yaml:"error_retry_in"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	SinkTopics       []string      `yaml:"sink_topics"`
	HandlerTimeout   time.Duration `yaml:"handler_timeout"`
}

// RateLimitConfig bounds POST /jobs per topic. Capacity of zero disables it.
type RateLimitConfig struct {
	Capacity      int           `yaml:"capacity"`
	RefillPerSec  float64       `yaml:"refill_per_sec"`
	TTL           time.Duration `yaml:"ttl"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverMemory   = "memory"
)

// Load reads configuration from environment variables with sane defaults for local development.
func Load() Config {
	return Config{
		Env:        getEnv("APP_ENV", "dev"),
		HTTPPort:   getEnv("HTTP_PORT", "8080"),
		AuthSecret: getEnv("AUTH_SECRET", ""),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Store: StoreConfig{
			Driver:   getEnv("STORE_DRIVER", DriverSQLite),
			DSN:      getEnv("STORE_DSN", ""),
			Host:     getEnv("STORE_HOST", "localhost"),
			Port:     getEnvInt("STORE_PORT", 0),
			User:     getEnv("STORE_USER", ""),
			Password: getEnv("STORE_PASSWORD", ""),
			Database: getEnv("STORE_DATABASE", "durable_queue"),
			RedisDB:  getEnvInt("STORE_REDIS_DB", 0),
			Path:     getEnv("STORE_PATH", "./data/queue.db"),
			Debug:    getEnvBool("STORE_DEBUG", false),
		},
		Queue: QueueConfig{
			ErrorRetryIn:     getEnvDuration("QUEUE_ERROR_RETRY_IN", 0),
			SettleDelay:      getEnvDuration("QUEUE_SETTLE_DELAY", 60*time.Millisecond),
			DispatchInterval: getEnvDuration("QUEUE_DISPATCH_INTERVAL", 10*time.Millisecond),
			SinkTopics:       getEnvList("QUEUE_SINK_TOPICS", nil),
			HandlerTimeout:   getEnvDuration("QUEUE_HANDLER_TIMEOUT", 0),
		},
		RateLimit: RateLimitConfig{
			Capacity:      getEnvInt("RATE_LIMIT_CAPACITY", 0),
			RefillPerSec:  getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 20),
			TTL:           getEnvDuration("RATE_LIMIT_TTL", time.Hour),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
		},
	}
}

// LoadFile overlays the YAML file at path on top of the environment
// configuration. A missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if port, err := strconv.Atoi(c.HTTPPort); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %q", c.HTTPPort)
	}

	switch c.Store.Driver {
	case DriverPostgres, DriverRedis:
		if c.Store.DSN == "" && c.Store.Host == "" {
			return fmt.Errorf("store %s requires a dsn or host", c.Store.Driver)
		}
	case DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store sqlite requires a path")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("unknown store driver: %q (valid: postgres, sqlite, redis, memory)", c.Store.Driver)
	}
	if c.Store.Port < 0 || c.Store.Port > 65535 {
		return fmt.Errorf("store port must be between 0 and 65535, got %d", c.Store.Port)
	}

	if c.Queue.ErrorRetryIn < 0 {
		return fmt.Errorf("error retry interval must be non-negative")
	}
	if c.Queue.SettleDelay < 0 {
		return fmt.Errorf("settle delay must be non-negative")
	}
	if c.Queue.DispatchInterval < 0 {
		return fmt.Errorf("dispatch interval must be non-negative")
	}
	if c.Queue.HandlerTimeout < 0 {
		return fmt.Errorf("handler timeout must be non-negative")
	}
	if c.RateLimit.Capacity < 0 {
		return fmt.Errorf("rate limit capacity must be non-negative")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Log.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Log.Format)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
