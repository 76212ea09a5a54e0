package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

// Store drivers selectable via STORE_DRIVER.
const (
	StorePostgres = "postgres"
	StoreBadger   = "badger"
)

type Config struct {
	StoreDriver          string `env:"STORE_DRIVER,default=postgres"`
	DatabaseDSN          string `env:"DATABASE_DSN"`
	BadgerPath           string `env:"BADGER_PATH,default=./data/badger"`
	RedisURL             string `env:"REDIS_URL"`
	APIPort              int    `env:"API_PORT,default=8080"`
	LogLevel             string `env:"LOG_LEVEL,default=info"`
	DefaultConcurrency   int    `env:"DEFAULT_CONCURRENCY,default=5"`
	DefaultMaxAttempts   int    `env:"DEFAULT_MAX_ATTEMPTS,default=3"`
	SchedulerIntervalSec int    `env:"SCHEDULER_INTERVAL_SECONDS,default=30"`
	SchedulerBatchLimit  int    `env:"SCHEDULER_BATCH_LIMIT,default=10"`
	WebhookURL           string `env:"WEBHOOK_URL"`
	AnthropicAPIKey      string `env:"ANTHROPIC_API_KEY"`
	AnthropicModel       string `env:"ANTHROPIC_MODEL,default=claude-3-5-haiku-latest"`
	AnthropicRatePerMin  int    `env:"ANTHROPIC_RATE_PER_MIN,default=60"`
}

func Load() (*Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	switch cfg.StoreDriver {
	case StorePostgres:
		if cfg.DatabaseDSN == "" {
			return nil, fmt.Errorf("DATABASE_DSN is required when STORE_DRIVER is %s", StorePostgres)
		}
	case StoreBadger:
		if cfg.BadgerPath == "" {
			return nil, fmt.Errorf("BADGER_PATH is required when STORE_DRIVER is %s", StoreBadger)
		}
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}

	return &cfg, nil
}

func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSec) * time.Second
}
