// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
)

// Config is populated by envdecode; defaults are provided via struct tags.
type Config struct {
	// HTTPAddr is the listen address. ENV: HTTP_ADDR
	HTTPAddr string `env:"HTTP_ADDR,default=:8080"`

	// Broker selects the transport: "memory" or "redis". ENV: BROKER
	Broker string `env:"BROKER,default=memory"`
	// ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// ENV: REDIS_KEY_PREFIX
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX,default=diary:callbacks:"`
	// Topic carries every callback event. ENV: CALLBACK_TOPIC
	Topic string `env:"CALLBACK_TOPIC,default=ai-callback"`
	// InstanceID names this instance's subscriber group. Generated when empty.
	// ENV: INSTANCE_ID
	InstanceID string `env:"INSTANCE_ID"`
	// ENV: CONSUMER_CONCURRENCY
	ConsumerConcurrency int `env:"CONSUMER_CONCURRENCY,default=3"`
	// ENV: STREAM_MAXLEN
	StreamMaxLen int64 `env:"STREAM_MAXLEN,default=10000"`

	// EventMaxAge is the staleness threshold. ENV: EVENT_MAX_AGE
	EventMaxAge time.Duration `env:"EVENT_MAX_AGE,default=5m"`
	// SessionMaxAge bounds registry entries. ENV: SESSION_MAX_AGE
	SessionMaxAge time.Duration `env:"SESSION_MAX_AGE,default=30m"`
	// ENV: SWEEP_INTERVAL
	SweepInterval time.Duration `env:"SWEEP_INTERVAL,default=5s"`
	// TTLPolicy is "idle" or "absolute". ENV: TTL_POLICY
	TTLPolicy string `env:"TTL_POLICY,default=idle"`

	// WorkerTokenSecret enables bearer auth on the publish endpoint when set.
	// ENV: WORKER_TOKEN_SECRET
	WorkerTokenSecret string `env:"WORKER_TOKEN_SECRET"`
	// ENV: WORKER_TOKEN_ISSUER
	WorkerTokenIssuer string `env:"WORKER_TOKEN_ISSUER"`
	// ENV: WORKER_TOKEN_AUDIENCE
	WorkerTokenAudience string `env:"WORKER_TOKEN_AUDIENCE"`

	// ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
	// LogFormat is "json" or "text". ENV: LOG_FORMAT
	LogFormat string `env:"LOG_FORMAT,default=json"`
}

// Load decodes the environment into a Config and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes enumerations and fills generated defaults.
func (c *Config) Validate() error {
	c.Broker = strings.ToLower(strings.TrimSpace(c.Broker))
	switch c.Broker {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported broker %q", c.Broker)
	}
	c.TTLPolicy = strings.ToLower(strings.TrimSpace(c.TTLPolicy))
	switch c.TTLPolicy {
	case "idle", "absolute":
	default:
		return fmt.Errorf("unsupported ttl policy %q", c.TTLPolicy)
	}
	if c.Topic == "" {
		return errors.New("callback topic is required")
	}
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.EventMaxAge <= 0 || c.SessionMaxAge <= 0 || c.SweepInterval <= 0 {
		return errors.New("durations must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
