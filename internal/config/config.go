// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

type HTTPConfig struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	RequestTimeout  time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// DatabaseConfig selects PostgreSQL. An empty URL falls back to the in-memory store.
type DatabaseConfig struct {
	URL string `env:"URL"`
}

type RedisConfig struct {
	URL         string        `env:"URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	SequenceKey string        `env:"SEQUENCE_KEY" envDefault:"seq"`
	LeaseKey    string        `env:"LEASE_KEY" envDefault:"seq:leader"`
	LeaseTTL    time.Duration `env:"LEASE_TTL" envDefault:"5s"`
	// HubChannel carries websocket notifications between replicas.
	HubChannel string `env:"HUB_CHANNEL" envDefault:"hub:events"`
}

// KafkaConfig enables settlement event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `env:"BROKERS" envSeparator:","`
	Topic   string   `env:"TOPIC" envDefault:"settlement-events"`
}

type AuthConfig struct {
	Secret string `env:"SECRET,required,notEmpty"`
	Issuer string `env:"ISSUER"`
}

type SequenceConfig struct {
	Seed     decimal.Decimal `env:"SEED" envDefault:"3.0"`
	MaxStep  decimal.Decimal `env:"MAX_STEP" envDefault:"0.25"`
	Min      decimal.Decimal `env:"MIN" envDefault:"1.0"`
	Max      decimal.Decimal `env:"MAX" envDefault:"5.0"`
	Interval time.Duration   `env:"INTERVAL" envDefault:"1s"`
}

type WatcherConfig struct {
	Interval  time.Duration `env:"INTERVAL" envDefault:"1s"`
	BatchSize int           `env:"BATCH_SIZE" envDefault:"500"`
	// Retain is the minimum number of trailing samples kept when trimming history.
	Retain int64 `env:"RETAIN" envDefault:"3600"`
}

type Config struct {
	LogLevel slog.Level     `env:"LOG_LEVEL" envDefault:"info"`
	HTTP     HTTPConfig     `envPrefix:"HTTP_"`
	Database DatabaseConfig `envPrefix:"DATABASE_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Kafka    KafkaConfig    `envPrefix:"KAFKA_"`
	Auth     AuthConfig     `envPrefix:"AUTH_"`
	Sequence SequenceConfig `envPrefix:"SEQUENCE_"`
	Watcher  WatcherConfig  `envPrefix:"WATCHER_"`
}

func New() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	s := c.Sequence
	if !s.Min.LessThan(s.Max) {
		return fmt.Errorf("config: SEQUENCE_MIN %s must be below SEQUENCE_MAX %s", s.Min, s.Max)
	}
	if s.Seed.LessThan(s.Min) || s.Seed.GreaterThan(s.Max) {
		return fmt.Errorf("config: SEQUENCE_SEED %s outside [%s, %s]", s.Seed, s.Min, s.Max)
	}
	if !s.MaxStep.IsPositive() {
		return fmt.Errorf("config: SEQUENCE_MAX_STEP must be positive")
	}
	if s.Interval <= 0 || c.Watcher.Interval <= 0 {
		return fmt.Errorf("config: intervals must be positive")
	}
	if minRetain := model.MaxTradeDuration() + 1; c.Watcher.Retain < minRetain {
		return fmt.Errorf("config: WATCHER_RETAIN %d must be at least %d", c.Watcher.Retain, minRetain)
	}
	return nil
}
