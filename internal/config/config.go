// Package config loads the server configuration from layered sources:
// built-in defaults, an optional YAML file and CHAT_ environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/whisper/messenger/internal/identity"
	"github.com/whisper/messenger/internal/logging"
	"github.com/whisper/messenger/internal/media"
	"github.com/whisper/messenger/internal/messaging"
	"github.com/whisper/messenger/internal/postgres"
	"github.com/whisper/messenger/internal/presence"
	"github.com/whisper/messenger/internal/typing"
	"github.com/whisper/messenger/internal/ws"
)

const (
	// PathEnvVar names the optional YAML config file.
	PathEnvVar = "CONFIG_PATH"

	// EnvPrefix is stripped from environment keys; "__" separates sections,
	// so CHAT_REDIS__ADDR sets redis.addr.
	EnvPrefix = "CHAT_"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Bus drivers.
const (
	BusLocal = "local"
	BusNATS  = "nats"
)

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig          `koanf:"server"`
	WebSocket ws.ServerConfig       `koanf:"websocket"`
	Store     StoreConfig           `koanf:"store"`
	Bus       BusConfig             `koanf:"bus"`
	Postgres  postgres.Config       `koanf:"postgres"`
	Redis     RedisConfig           `koanf:"redis"`
	NATS      messaging.NATSConfig  `koanf:"nats"`
	Presence  presence.Config       `koanf:"presence"`
	Typing    typing.Config         `koanf:"typing"`
	Media     media.Config          `koanf:"media"`
	Auth      identity.Config       `koanf:"auth"`
	Logging   logging.Config        `koanf:"logging"`
}

// ServerConfig configures the HTTP listener shared by REST and WebSocket.
type ServerConfig struct {
	ListenAddr      string        `koanf:"listen_addr"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	Name            string        `koanf:"name"` // instance name recorded on connection sessions
}

// StoreConfig selects the document store.
type StoreConfig struct {
	Driver string `koanf:"driver"` // memory or postgres
}

// BusConfig selects the live fan-out transport.
type BusConfig struct {
	Driver string `koanf:"driver"` // local or nats
}

// RedisConfig addresses the Redis instance holding presence, typing,
// connection sessions and rate limit counters.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// Default returns the built-in configuration.
func Default() Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "messenger-1"
	}
	lc := logging.DefaultConfig()
	lc.Output = nil
	return Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			Name:            host,
		},
		WebSocket: ws.DefaultServerConfig(),
		Store:     StoreConfig{Driver: StoreMemory},
		Bus:       BusConfig{Driver: BusLocal},
		Postgres:  postgres.DefaultConfig(),
		Redis:     RedisConfig{Addr: "localhost:6379"},
		NATS:      messaging.DefaultNATSConfig(),
		Presence:  presence.DefaultConfig(),
		Typing:    typing.DefaultConfig(),
		Media:     media.DefaultConfig(),
		Auth:      identity.DefaultConfig(),
		Logging:   lc,
	}
}

// Load reads defaults, then the file named by CONFIG_PATH if it is set, then
// the environment, and validates the result.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv(PathEnvVar))
}

// LoadFrom is Load with an explicit config file path. An empty path skips
// the file layer.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("config: load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("config: load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// envKey maps CHAT_REDIS__ADDR to redis.addr.
func envKey(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is empty"))
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, postgres", c.Store.Driver))
	}
	switch c.Bus.Driver {
	case BusLocal:
	case BusNATS:
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("bus.driver %q is not one of local, nats", c.Bus.Driver))
	}
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is empty"))
	}
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is empty"))
	}
	if c.Auth.TTL <= 0 {
		errs = append(errs, errors.New("auth.ttl must be positive"))
	}
	if c.Presence.Interval <= 0 || c.Presence.Window <= 0 {
		errs = append(errs, errors.New("presence.interval and presence.window must be positive"))
	}
	if c.Presence.Window < c.Presence.Interval {
		errs = append(errs, errors.New("presence.window must not be shorter than presence.interval"))
	}
	if c.Typing.TTL <= 0 || c.Typing.Idle <= 0 {
		errs = append(errs, errors.New("typing.ttl and typing.idle must be positive"))
	}
	if c.Media.MaxBytes <= 0 {
		errs = append(errs, errors.New("media.max_bytes must be positive"))
	}
	if c.WebSocket.WorkerPoolSize <= 0 || c.WebSocket.MaxConnections <= 0 {
		errs = append(errs, errors.New("websocket.worker_pool_size and websocket.max_connections must be positive"))
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongTimeout <= 0 {
		errs = append(errs, errors.New("websocket.ping_interval and websocket.pong_timeout must be positive"))
	}
	return errors.Join(errs...)
}
