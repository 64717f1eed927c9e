package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds runtime configuration. Empty DatabaseURL selects the
// in-memory remote store, empty LocalDBPath the in-memory local store, and
// empty RedisAddr the in-process event bus.
type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"http://127.0.0.1:3000"`

	DatabaseURL string `envconfig:"DATABASE_URL"`
	LocalDBPath string `envconfig:"LOCAL_DB_PATH"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	SyncInterval  time.Duration `envconfig:"SYNC_INTERVAL" default:"30s"`
	ProbeInterval time.Duration `envconfig:"PROBE_INTERVAL" default:"10s"`

	StartOnline bool `envconfig:"START_ONLINE" default:"true"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, err
	}
	if cfg.SyncInterval < time.Second {
		cfg.SyncInterval = time.Second
	}
	if cfg.ProbeInterval < time.Second {
		cfg.ProbeInterval = time.Second
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
