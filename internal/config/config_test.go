package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"BROKER", "TTL_POLICY", "INSTANCE_ID", "LOG_LEVEL", "EVENT_MAX_AGE", "CALLBACK_TOPIC"} {
		t.Setenv(k, "")
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker != "memory" || cfg.Topic != "ai-callback" || cfg.ConsumerConcurrency != 3 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.EventMaxAge != 5*time.Minute || cfg.SessionMaxAge != 30*time.Minute || cfg.SweepInterval != 5*time.Second {
		t.Fatalf("unexpected durations: %+v", cfg)
	}
	if cfg.InstanceID == "" {
		t.Fatal("expected generated instance id")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BROKER", "Redis")
	t.Setenv("TTL_POLICY", "absolute")
	t.Setenv("INSTANCE_ID", "api-1")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("SESSION_MAX_AGE", "1h")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Broker != "redis" || cfg.TTLPolicy != "absolute" || cfg.InstanceID != "api-1" || cfg.SessionMaxAge != time.Hour {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if lvl, _ := cfg.Level(); lvl != slog.LevelDebug {
		t.Fatalf("level = %v", lvl)
	}
}

func TestValidateRejects(t *testing.T) {
	base := Config{Broker: "memory", TTLPolicy: "idle", Topic: "t", LogLevel: "info", EventMaxAge: time.Minute, SessionMaxAge: time.Minute, SweepInterval: time.Second}
	cases := map[string]func(c *Config){
		"broker":   func(c *Config) { c.Broker = "kafka" },
		"policy":   func(c *Config) { c.TTLPolicy = "forever" },
		"topic":    func(c *Config) { c.Topic = "" },
		"level":    func(c *Config) { c.LogLevel = "loud" },
		"duration": func(c *Config) { c.SweepInterval = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base
			mutate(&c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
