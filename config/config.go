// Package config loads the service configuration from CHATFLOW_* environment
// variables, optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/songzhibin97/chatflow-engine/logger"
)

// Prefix of every environment variable.
const Prefix = "CHATFLOW"

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Flow sources. "store" reads flows from the session store's backend.
const (
	FlowSourceStore = "store"
	FlowSourceFile  = "file"
	FlowSourceHTTP  = "http"
)

// Delay modes.
const (
	DelaySkip     = "skip"
	DelaySchedule = "schedule"
)

type Config struct {
	BotID int64 `envconfig:"BOT_ID" default:"1"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogOutput string `envconfig:"LOG_OUTPUT" default:"stdout"`

	Store         string        `envconfig:"STORE" default:"memory"`
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	RedisTTL      time.Duration `envconfig:"REDIS_TTL" default:"0s"`
	SQLiteDSN     string        `envconfig:"SQLITE_DSN" default:"chatflow.db"`

	FlowSource string `envconfig:"FLOW_SOURCE" default:"store"`
	FlowDir    string `envconfig:"FLOW_DIR" default:"flows"`
	FlowAPIURL string `envconfig:"FLOW_API_URL"`

	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	MaxStepsFactor  int           `envconfig:"MAX_STEPS_FACTOR" default:"4"`
	DelayMode       string        `envconfig:"DELAY_MODE" default:"skip"`
	DistributedLock bool          `envconfig:"DISTRIBUTED_LOCK" default:"false"`
	SendRetries     int           `envconfig:"SEND_RETRIES" default:"0"`
	SendRetryDelay  time.Duration `envconfig:"SEND_RETRY_DELAY" default:"200ms"`
}

// Load reads envFile when it exists, then the environment. Variables already
// set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("error loading %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("error processing environment configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerated settings and cross-field requirements.
func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreRedis, StoreSQLite:
	default:
		return fmt.Errorf("invalid %s_STORE %q", Prefix, c.Store)
	}
	switch c.FlowSource {
	case FlowSourceStore, FlowSourceFile:
	case FlowSourceHTTP:
		if c.FlowAPIURL == "" {
			return fmt.Errorf("%s_FLOW_API_URL is required for the http flow source", Prefix)
		}
	default:
		return fmt.Errorf("invalid %s_FLOW_SOURCE %q", Prefix, c.FlowSource)
	}
	switch c.DelayMode {
	case DelaySkip, DelaySchedule:
	default:
		return fmt.Errorf("invalid %s_DELAY_MODE %q", Prefix, c.DelayMode)
	}
	if c.DistributedLock && c.Store != StoreRedis {
		return fmt.Errorf("%s_DISTRIBUTED_LOCK requires the redis store", Prefix)
	}
	if c.MaxStepsFactor < 1 {
		return fmt.Errorf("%s_MAX_STEPS_FACTOR must be at least 1", Prefix)
	}
	if c.SendRetries < 0 {
		return fmt.Errorf("%s_SEND_RETRIES must not be negative", Prefix)
	}
	return nil
}

// Logger returns the logging part of the configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{Level: c.LogLevel, Format: c.LogFormat, Output: c.LogOutput}
}
