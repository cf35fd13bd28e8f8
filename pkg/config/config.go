// Copyright 2024-2026 Aiku AI

// Package config loads the relay configuration from a YAML file with
// RELAY_* environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from "30s"-style strings in both
// YAML and environment values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(raw))
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the plain time.Duration value.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full runtime configuration of the relay.
type Config struct {
	// ServerURL is the backend the bot and all monitored accounts live on.
	ServerURL string `yaml:"server_url" env:"RELAY_SERVER_URL"`
	// BotToken authenticates the relay bot account.
	BotToken string `yaml:"bot_token" env:"RELAY_BOT_TOKEN"`
	// DatabaseURL is a Postgres DSN. Empty selects the in-memory store,
	// which loses everything on restart.
	DatabaseURL string `yaml:"database_url" env:"RELAY_DATABASE_URL"`
	// Admins are backend user ids with admin command access.
	Admins []string `yaml:"admins" env:"RELAY_ADMINS" envSeparator:","`

	LogLevel string `yaml:"log_level" env:"RELAY_LOG_LEVEL"`

	// ConnectTimeout bounds a single session start attempt.
	ConnectTimeout Duration `yaml:"connect_timeout" env:"RELAY_CONNECT_TIMEOUT"`
	// StartConcurrency caps parallel connection attempts during startup.
	StartConcurrency int `yaml:"start_concurrency" env:"RELAY_START_CONCURRENCY"`
}

// Load reads path (optional, "" skips the file), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{
		LogLevel: "info",
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	if c.BotToken == "" {
		return fmt.Errorf("bot_token is required")
	}
	if c.ConnectTimeout < 0 {
		return fmt.Errorf("connect_timeout must not be negative")
	}
	if c.StartConcurrency < 0 {
		return fmt.Errorf("start_concurrency must not be negative")
	}
	return nil
}
