package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ggoodman/diary-callbacks/broker"
	"github.com/ggoodman/diary-callbacks/broker/memory"
	"github.com/ggoodman/diary-callbacks/broker/redis"
	"github.com/ggoodman/diary-callbacks/internal/config"
	"github.com/ggoodman/diary-callbacks/internal/logctx"
	"github.com/ggoodman/diary-callbacks/internal/workerauth"
)

func newLogger(w io.Writer, cfg *config.Config) (*slog.Logger, error) {
	lvl, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(cfg.LogFormat) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	case "json", "":
		h = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}

func openBroker(cfg *config.Config, log *slog.Logger) (broker.Broker, error) {
	switch cfg.Broker {
	case "redis":
		b, err := redis.New(redis.Config{
			Addr:        cfg.RedisAddr,
			KeyPrefix:   cfg.RedisKeyPrefix,
			MaxLen:      cfg.StreamMaxLen,
			Concurrency: cfg.ConsumerConcurrency,
			Logger:      log,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis broker: %w", err)
		}
		return b, nil
	default:
		return memory.New(
			memory.WithMaxLen(int(cfg.StreamMaxLen)),
			memory.WithConcurrency(cfg.ConsumerConcurrency),
			memory.WithLogger(log),
		), nil
	}
}

// newAuthenticator returns nil when no worker secret is configured.
func newAuthenticator(cfg *config.Config) (*workerauth.Authenticator, error) {
	if cfg.WorkerTokenSecret == "" {
		return nil, nil
	}
	return workerauth.New(workerauth.Config{
		Secret:   []byte(cfg.WorkerTokenSecret),
		Issuer:   cfg.WorkerTokenIssuer,
		Audience: cfg.WorkerTokenAudience,
	})
}
