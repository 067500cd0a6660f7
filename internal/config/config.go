// Package config handles loading and validating pgpubsub.yaml, the optional
// declarative channel descriptor file (SPEC_FULL.md §6.2). Channels can
// also be registered purely in-process via internal/registry; the YAML
// file is for deployments that prefer declaring their channel set
// alongside deployment config rather than in Go source.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level pgpubsub.yaml shape.
type Config struct {
	Channels map[string]ChannelConfig `yaml:"channels"`
}

// ChannelConfig declares one channel the way a ChannelDescriptor would,
// minus the callback (callbacks are still wired in Go — a YAML file has no
// way to name a function).
type ChannelConfig struct {
	// Durable is the "lock_notifications" flag (spec.md §3).
	Durable bool `yaml:"durable"`
	// PayloadKind is "custom" or "trigger".
	PayloadKind string `yaml:"payload_kind"`
	// MinDBVersion gates TRIGGER payloads (§4.C, §7).
	MinDBVersion string `yaml:"min_db_version"`
}

// DefaultConfig returns an empty declarative config — no YAML-declared
// channels, relying entirely on in-process registry.Register calls.
func DefaultConfig() *Config {
	return &Config{Channels: nil}
}

// Load parses a pgpubsub.yaml file and validates it. If path is empty,
// returns DefaultConfig().
func Load(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// ResolvePath finds the config file path.
// Priority: PGPUBSUB_CONFIG env var > ./pgpubsub.yaml > "" (no config).
func ResolvePath() string {
	if p := os.Getenv("PGPUBSUB_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("pgpubsub.yaml"); err == nil {
		return "pgpubsub.yaml"
	}
	return ""
}

// validate checks that every declared channel names a known payload kind.
func (c *Config) validate() error {
	for name, ch := range c.Channels {
		switch ch.PayloadKind {
		case "custom", "trigger":
		default:
			return fmt.Errorf("channel %q: payload_kind must be \"custom\" or \"trigger\", got %q", name, ch.PayloadKind)
		}
	}
	return nil
}
