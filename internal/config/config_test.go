package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) lookupFunc {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "sid", cfg.Server.SessionCookie)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Empty(t, cfg.Database.URL)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"LISTEN_ADDR":        ":9090",
		"WORKER_POOL_SIZE":   "32",
		"MAX_CONNECTIONS":    "500",
		"READ_TIMEOUT":       "3s",
		"HEARTBEAT_INTERVAL": "15s",
		"REDIS_ADDR":         "redis:6379",
		"NATS_URL":           "",
		"DATABASE_URL":       "postgres://chat@db/chat",
		"LOG_LEVEL":          "debug",
		"LOG_FORMAT":         "console",
		"RATE_LIMIT_ENABLED": "false",
		"SERVER_NAME":        "chat-7",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 32, cfg.Server.WorkerPoolSize)
	assert.Equal(t, 500, cfg.Server.MaxConnections)
	assert.Equal(t, 3*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Empty(t, cfg.NATS.URL, "an empty NATS_URL disables publishing")
	assert.Equal(t, "postgres://chat@db/chat", cfg.Database.URL)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, "chat-7", cfg.ServerName)
}

func TestApplyEnv_Malformed(t *testing.T) {
	cfg := Default()
	err := cfg.applyEnv(env(map[string]string{
		"WORKER_POOL_SIZE":   "many",
		"READ_TIMEOUT":       "soon",
		"RATE_LIMIT_ENABLED": "maybe",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WORKER_POOL_SIZE")
	assert.Contains(t, err.Error(), "READ_TIMEOUT")
	assert.Contains(t, err.Error(), "RATE_LIMIT_ENABLED")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty listen addr", func(c *Config) { c.Server.ListenAddr = "" }},
		{"zero workers", func(c *Config) { c.Server.WorkerPoolSize = 0 }},
		{"zero max connections", func(c *Config) { c.Server.MaxConnections = 0 }},
		{"zero send buffer", func(c *Config) { c.Server.SendBuffer = 0 }},
		{"negative timeout", func(c *Config) { c.Server.WriteTimeout = -time.Second }},
		{"no cookie", func(c *Config) { c.Server.SessionCookie = "" }},
		{"negative heartbeat", func(c *Config) { c.Heartbeat.Timeout = -1 }},
		{"no redis", func(c *Config) { c.Redis.Addr = "" }},
		{"database without refresh", func(c *Config) {
			c.Database.URL = "postgres://x"
			c.Database.InterestRefresh = 0
		}},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
environment: production
server:
  listen_addr: ":7000"
  send_buffer: 16
heartbeat:
  interval: 20s
database:
  url: postgres://chat@db/chat
  interest_refresh: 1m
`), 0o600))

	t.Setenv("LISTEN_ADDR", ":7100")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, ":7100", cfg.Server.ListenAddr)
	assert.Equal(t, 16, cfg.Server.SendBuffer)
	assert.Equal(t, 20*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, time.Minute, cfg.Database.InterestRefresh)
	assert.Equal(t, 256, cfg.Server.WorkerPoolSize, "unset keys keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
