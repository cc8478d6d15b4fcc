// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meshbridge/meshbridge/pkg/bridge/matrixleg"
	"github.com/meshbridge/meshbridge/pkg/bridge/meshleg"
	"github.com/meshbridge/meshbridge/pkg/models"
)

//go:embed example-config.yaml
var ExampleConfig string

// Duration wraps time.Duration for yaml values like "72h" or "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Get() time.Duration {
	return time.Duration(d)
}

// DatabaseConfig controls the mapping store and its retention.
type DatabaseConfig struct {
	Path          string   `yaml:"path"`
	PruneInterval Duration `yaml:"prune_interval"`
	MaxAge        Duration `yaml:"max_age"`
	MaxCount      int      `yaml:"max_count"`
}

// RelayConfig holds the cross-network behavior knobs.
type RelayConfig struct {
	// MeshnetName identifies this mesh in relayed content and in the tags
	// stamped on outbound chat events. Loop prevention keys off it.
	MeshnetName string `yaml:"meshnet_name"`

	CommandPrefix string `yaml:"command_prefix"`

	// MaxMeshMessageLen caps outbound mesh text, in bytes.
	MaxMeshMessageLen int `yaml:"max_mesh_message_len"`

	ChatToMeshTemplate string `yaml:"chat_to_mesh_template"`
	MeshToChatTemplate string `yaml:"mesh_to_chat_template"`
}

// Config is the top-level bridge configuration.
type Config struct {
	Matrix   matrixleg.Config            `yaml:"matrix"`
	Mesh     meshleg.Config              `yaml:"mesh"`
	Database DatabaseConfig              `yaml:"database"`
	Relay    RelayConfig                 `yaml:"relay"`
	Mappings []models.RoomChannelMapping `yaml:"mappings"`
	Plugins  []string                    `yaml:"plugins"`
	Logging  string                      `yaml:"logging"`
}

// LoadConfig reads, defaults and validates a config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Database.Path == "" {
		c.Database.Path = "meshbridge.db"
	}
	if c.Database.PruneInterval == 0 {
		c.Database.PruneInterval = Duration(time.Hour)
	}
	if c.Database.MaxAge == 0 {
		c.Database.MaxAge = Duration(30 * 24 * time.Hour)
	}
	if c.Database.MaxCount == 0 {
		c.Database.MaxCount = 100000
	}
	if c.Relay.MeshnetName == "" {
		c.Relay.MeshnetName = "meshnet"
	}
	if c.Relay.CommandPrefix == "" {
		c.Relay.CommandPrefix = "!mesh "
	}
	if c.Relay.MaxMeshMessageLen == 0 {
		c.Relay.MaxMeshMessageLen = 200
	}
	if c.Logging == "" {
		c.Logging = "info"
	}

	for i := range c.Mappings {
		if c.Mappings[i].MeshnetName == "" {
			c.Mappings[i].MeshnetName = c.Relay.MeshnetName
		}
	}
}

func (c *Config) Validate() error {
	if err := c.Matrix.Validate(); err != nil {
		return err
	}
	if err := c.Mesh.Validate(); err != nil {
		return err
	}
	if len(c.Mappings) == 0 {
		return fmt.Errorf("at least one room-channel mapping is required")
	}
	channels := make(map[int]bool, len(c.Mesh.Channels))
	for _, ch := range c.Mesh.Channels {
		channels[ch.Index] = true
	}
	for _, m := range c.Mappings {
		if m.Room == "" {
			return fmt.Errorf("mapping for channel %d has no room", m.Channel)
		}
		if !channels[m.Channel] {
			return fmt.Errorf("mapping for room %q references unconfigured mesh channel %d", m.Room, m.Channel)
		}
	}
	return nil
}
