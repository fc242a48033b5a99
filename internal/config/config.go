// Package config loads chat server configuration. Values are resolved in
// order: built-in defaults, an optional YAML file, then environment
// variables. The result is checked by Validate before use.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration.
type Config struct {
	Environment string `yaml:"environment"`
	ServerName  string `yaml:"server_name"`

	Server    ServerConfig    `yaml:"server"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// ServerConfig configures the WebSocket listener.
type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxConnections int           `yaml:"max_connections"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	SendBuffer     int           `yaml:"send_buffer"`
	SessionCookie  string        `yaml:"session_cookie"`
}

// HeartbeatConfig configures ping frames and stale connection eviction.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// RedisConfig locates the session, presence, ban and rate limit store.
type RedisConfig struct {
	Addr string `yaml:"addr"`
}

// NATSConfig locates the broker for room lifecycle events. An empty URL
// disables publishing.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// DatabaseConfig locates the interest catalogue. An empty URL runs on the
// built-in catalogue with every interest allowed.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	InterestRefresh time.Duration `yaml:"interest_refresh"`
}

// LogConfig selects the log level and output format ("json" or "console").
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RateLimitConfig toggles the Redis limiter.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the built-in configuration.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "chat-1"
	}
	return Config{
		Environment: "development",
		ServerName:  host,
		Server: ServerConfig{
			ListenAddr:     ":8080",
			WorkerPoolSize: 256,
			MaxConnections: 100000,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			SendBuffer:     64,
			SessionCookie:  "sid",
		},
		Heartbeat: HeartbeatConfig{
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		NATS:  NATSConfig{URL: "nats://localhost:4222"},
		Database: DatabaseConfig{
			InterestRefresh: 5 * time.Minute,
		},
		Log:       LogConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{Enabled: true},
	}
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// path is empty) and the process environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type lookupFunc func(key string) (string, bool)

// applyEnv overrides fields from environment variables. A variable that is
// set but malformed is an error rather than being silently ignored.
func (c *Config) applyEnv(lookup lookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("ENVIRONMENT", &c.Environment)
	str("SERVER_NAME", &c.ServerName)
	str("LISTEN_ADDR", &c.Server.ListenAddr)
	num("WORKER_POOL_SIZE", &c.Server.WorkerPoolSize)
	num("MAX_CONNECTIONS", &c.Server.MaxConnections)
	dur("READ_TIMEOUT", &c.Server.ReadTimeout)
	dur("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	num("SEND_BUFFER", &c.Server.SendBuffer)
	str("SESSION_COOKIE", &c.Server.SessionCookie)
	dur("HEARTBEAT_INTERVAL", &c.Heartbeat.Interval)
	dur("HEARTBEAT_TIMEOUT", &c.Heartbeat.Timeout)
	str("REDIS_ADDR", &c.Redis.Addr)
	if v, ok := lookup("NATS_URL"); ok {
		c.NATS.URL = v
	}
	str("DATABASE_URL", &c.Database.URL)
	dur("INTEREST_REFRESH", &c.Database.InterestRefresh)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	boolean("RATE_LIMIT_ENABLED", &c.RateLimit.Enabled)

	return errors.Join(errs...)
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("config: listen address is required"))
	}
	if c.Server.WorkerPoolSize <= 0 {
		errs = append(errs, errors.New("config: worker pool size must be positive"))
	}
	if c.Server.MaxConnections <= 0 {
		errs = append(errs, errors.New("config: max connections must be positive"))
	}
	if c.Server.SendBuffer <= 0 {
		errs = append(errs, errors.New("config: send buffer must be positive"))
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		errs = append(errs, errors.New("config: timeouts must not be negative"))
	}
	if c.Server.SessionCookie == "" {
		errs = append(errs, errors.New("config: session cookie name is required"))
	}
	if c.Heartbeat.Interval < 0 || c.Heartbeat.Timeout < 0 {
		errs = append(errs, errors.New("config: heartbeat durations must not be negative"))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("config: redis address is required"))
	}
	if c.Database.URL != "" && c.Database.InterestRefresh <= 0 {
		errs = append(errs, errors.New("config: interest refresh must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("config: unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
