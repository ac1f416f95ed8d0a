// Package config loads the hierarchical service configuration: file, then
// TITAN_ environment overrides. The rate-limiting section is hot-reloadable;
// everything else is read once at startup.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/titanworks/titan/internal/fault"
	"github.com/titanworks/titan/internal/ratelimit"
)

type Config struct {
	Service      Service               `mapstructure:"service"`
	Cluster      Cluster               `mapstructure:"cluster"`
	Storage      Storage               `mapstructure:"storage"`
	Silo         Silo                  `mapstructure:"silo"`
	Gateway      Gateway               `mapstructure:"gateway"`
	Auth         Auth                  `mapstructure:"auth"`
	Transactions Transactions          `mapstructure:"transactions"`
	Streams      Streams               `mapstructure:"streams"`
	RateLimiting ratelimit.ConfigState `mapstructure:"rateLimiting"`
}

type Service struct {
	// ID namespaces every KV key; two deployments sharing one redis must use
	// different IDs.
	ID       string `mapstructure:"id"`
	LogLevel string `mapstructure:"logLevel"`
}

type Cluster struct {
	RedisAddr     string        `mapstructure:"redisAddr"`
	RedisPassword string        `mapstructure:"redisPassword"`
	NodeID        string        `mapstructure:"nodeId"`
	Endpoint      string        `mapstructure:"endpoint"`
	Heartbeat     time.Duration `mapstructure:"heartbeat"`
}

type Storage struct {
	// Driver is "memory" or "postgres".
	Driver string       `mapstructure:"driver"`
	DSN    string       `mapstructure:"dsn"`
	Retry  StorageRetry `mapstructure:"retry"`
}

// StorageRetry bounds the transient retry loop around the storage backend.
type StorageRetry struct {
	MaxAttempts    int           `mapstructure:"maxAttempts"`
	InitialBackoff time.Duration `mapstructure:"initialBackoff"`
	Jitter         bool          `mapstructure:"jitter"`
}

type Silo struct {
	ListenAddr  string        `mapstructure:"listenAddr"`
	MailboxSize int           `mapstructure:"mailboxSize"`
	CallTimeout time.Duration `mapstructure:"callTimeout"`
	IdleTimeout time.Duration `mapstructure:"idleTimeout"`
}

type Gateway struct {
	ListenAddr string `mapstructure:"listenAddr"`
	SendQueue  int    `mapstructure:"sendQueue"`
}

type Auth struct {
	SessionLifetime  time.Duration `mapstructure:"sessionLifetime"`
	SessionSliding   bool          `mapstructure:"sessionSliding"`
	MaxPerUser       int           `mapstructure:"maxPerUser"`
	TicketTTL        time.Duration `mapstructure:"ticketTTL"`
	IntrospectionURL string        `mapstructure:"introspectionURL"`
	// MockProvider enables the "mock:<user>" token provider; never in
	// production.
	MockProvider bool `mapstructure:"mockProvider"`
}

type Transactions struct {
	Deadline time.Duration `mapstructure:"deadline"`
	LockWait time.Duration `mapstructure:"lockWait"`
}

type Streams struct {
	// Provider is "gochannel" or "amqp".
	Provider string `mapstructure:"provider"`
	AMQPURI  string `mapstructure:"amqpURI"`
	// MaxPending bounds each subscriber's pending queue before backpressure.
	MaxPending int `mapstructure:"maxPending"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.id", "titan")
	v.SetDefault("service.logLevel", "info")
	v.SetDefault("cluster.redisAddr", "localhost:6379")
	v.SetDefault("cluster.heartbeat", 2*time.Second)
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.retry.maxAttempts", 4)
	v.SetDefault("storage.retry.initialBackoff", 50*time.Millisecond)
	v.SetDefault("storage.retry.jitter", true)
	v.SetDefault("silo.listenAddr", ":8090")
	v.SetDefault("silo.mailboxSize", 128)
	v.SetDefault("silo.callTimeout", 10*time.Second)
	v.SetDefault("silo.idleTimeout", 10*time.Minute)
	v.SetDefault("gateway.listenAddr", ":8080")
	v.SetDefault("gateway.sendQueue", 64)
	v.SetDefault("auth.sessionLifetime", 24*time.Hour)
	v.SetDefault("auth.sessionSliding", true)
	v.SetDefault("auth.maxPerUser", 5)
	v.SetDefault("auth.ticketTTL", 30*time.Second)
	v.SetDefault("auth.mockProvider", false)
	v.SetDefault("transactions.deadline", 30*time.Second)
	v.SetDefault("transactions.lockWait", 2*time.Second)
	v.SetDefault("streams.provider", "gochannel")
	v.SetDefault("streams.maxPending", 256)
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TITAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads the configuration. An empty path means defaults plus
// environment only; a named file that cannot be read is an error.
func Load(path string) (*Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, fault.Wrap(fault.KindInvalidInput, err, "read config %s", path)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fault.Wrap(fault.KindInvalidInput, err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Service.ID == "" {
		return fault.New(fault.KindInvalidInput, "service.id is required")
	}
	switch c.Storage.Driver {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fault.New(fault.KindInvalidInput, "storage.dsn is required for the postgres driver")
		}
	default:
		return fault.New(fault.KindInvalidInput, "unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Streams.Provider {
	case "gochannel":
	case "amqp":
		if c.Streams.AMQPURI == "" {
			return fault.New(fault.KindInvalidInput, "streams.amqpURI is required for the amqp provider")
		}
	default:
		return fault.New(fault.KindInvalidInput, "unknown stream provider %q", c.Streams.Provider)
	}
	return nil
}
