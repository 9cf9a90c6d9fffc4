// Package config loads relay settings from an optional YAML file and
// RELAY_* environment variables.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "RELAY"

type ServerCfg struct {
	Addr          string        `mapstructure:"addr"`
	BufferSize    int           `mapstructure:"buffer_size"`
	NullTerminate bool          `mapstructure:"null_terminate"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	// Mode is "queued" (broadcaster goroutine) or "sync" (fan-out on the
	// receiving goroutine).
	Mode string `mapstructure:"mode"`
}

type RoomsCfg struct {
	Min        int  `mapstructure:"min"`
	Max        int  `mapstructure:"max"`
	StrictJoin bool `mapstructure:"strict_join"`
}

type LimitsCfg struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
}

type HTTPCfg struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type GRPCCfg struct {
	Addr string `mapstructure:"addr"`
}

type BreakerCfg struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type RedisCfg struct {
	Addr           string        `mapstructure:"addr"`
	DB             int           `mapstructure:"db"`
	Prefix         string        `mapstructure:"prefix"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	Breaker        BreakerCfg    `mapstructure:"breaker"`
}

type LogCfg struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type ShutdownCfg struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type Config struct {
	Server   ServerCfg   `mapstructure:"server"`
	Rooms    RoomsCfg    `mapstructure:"rooms"`
	Limits   LimitsCfg   `mapstructure:"limits"`
	HTTP     HTTPCfg     `mapstructure:"http"`
	GRPC     GRPCCfg     `mapstructure:"grpc"`
	Redis    RedisCfg    `mapstructure:"redis"`
	Log      LogCfg      `mapstructure:"log"`
	Shutdown ShutdownCfg `mapstructure:"shutdown"`
}

const (
	ModeQueued = "queued"
	ModeSync   = "sync"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.buffer_size", 4096)
	v.SetDefault("server.null_terminate", true)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.mode", ModeQueued)

	v.SetDefault("rooms.min", 1)
	v.SetDefault("rooms.max", 3)
	v.SetDefault("rooms.strict_join", false)

	v.SetDefault("limits.messages_per_second", 0)
	v.SetDefault("limits.burst", 5)

	v.SetDefault("http.addr", ":8081")
	v.SetDefault("http.allowed_origins", []string{})

	v.SetDefault("grpc.addr", "127.0.0.1:50051")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "roomrelay")
	v.SetDefault("redis.publish_timeout", time.Second)
	v.SetDefault("redis.breaker.max_failures", 5)
	v.SetDefault("redis.breaker.timeout", 30*time.Second)

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")

	v.SetDefault("shutdown.timeout", 10*time.Second)
}

// Load reads path when it is not empty. Every key can be overridden from the
// environment, e.g. RELAY_SERVER_ADDR or RELAY_REDIS_BREAKER_TIMEOUT.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.WithStack(err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Server.BufferSize <= 0 {
		return errors.Errorf("server.buffer_size must be positive, got %d", c.Server.BufferSize)
	}
	if c.Server.Mode != ModeQueued && c.Server.Mode != ModeSync {
		return errors.Errorf("server.mode must be %q or %q, got %q", ModeQueued, ModeSync, c.Server.Mode)
	}
	if c.Rooms.Min > c.Rooms.Max {
		return errors.Errorf("rooms.min %d is greater than rooms.max %d", c.Rooms.Min, c.Rooms.Max)
	}
	if c.Limits.MessagesPerSecond < 0 {
		return errors.New("limits.messages_per_second must not be negative")
	}
	return nil
}
