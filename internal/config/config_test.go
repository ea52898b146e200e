package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, StoreMemory, cfg.Store.Driver)
	assert.Equal(t, BusLocal, cfg.Bus.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Presence.Interval)
	assert.Equal(t, 4*time.Minute, cfg.Presence.Window)
	assert.Equal(t, 5*time.Second, cfg.Typing.TTL)
	assert.Equal(t, 2*time.Second, cfg.Typing.Idle)
	assert.Equal(t, int64(5<<20), cfg.Media.MaxBytes)
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  listen_addr: ":9090"
redis:
  addr: "redis-a:6379"
presence:
  interval: 30s
  window: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("CHAT_REDIS__ADDR", "redis-b:6379")
	t.Setenv("CHAT_AUTH__SECRET", "s3cret")

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, "redis-b:6379", cfg.Redis.Addr, "environment overrides the file")
	assert.Equal(t, "s3cret", cfg.Auth.Secret)
	assert.Equal(t, 30*time.Second, cfg.Presence.Interval)
	assert.Equal(t, time.Minute, cfg.Presence.Window)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"empty secret", func(c *Config) { c.Auth.Secret = "" }, false},
		{"unknown store", func(c *Config) { c.Store.Driver = "mongo" }, false},
		{"unknown bus", func(c *Config) { c.Bus.Driver = "kafka" }, false},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = StorePostgres; c.Postgres.DSN = "" }, false},
		{"zero presence interval", func(c *Config) { c.Presence.Interval = 0 }, false},
		{"window shorter than interval", func(c *Config) { c.Presence.Window = time.Minute }, false},
		{"zero typing ttl", func(c *Config) { c.Typing.TTL = 0 }, false},
		{"zero media limit", func(c *Config) { c.Media.MaxBytes = 0 }, false},
		{"nats bus", func(c *Config) { c.Bus.Driver = BusNATS }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "redis.addr", envKey("CHAT_REDIS__ADDR"))
	assert.Equal(t, "websocket.worker_pool_size", envKey("CHAT_WEBSOCKET__WORKER_POOL_SIZE"))
	assert.Equal(t, "bus.driver", envKey("CHAT_BUS__DRIVER"))
}
