// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package meshleg

import (
	"fmt"
	"strconv"
	"strings"
)

// ChannelConfig declares one mesh channel the bridge participates in. An
// empty PSK means the well-known default key.
type ChannelConfig struct {
	Index int    `yaml:"index"`
	Name  string `yaml:"name"`
	PSK   string `yaml:"psk"`
}

// Config is the MQTT leg configuration.
type Config struct {
	Broker    string `yaml:"broker"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	ClientID  string `yaml:"client_id"`
	TopicRoot string `yaml:"topic_root"`

	// GatewayID is this bridge's node identity on the mesh, in !hex form.
	// It is used both as the uplink gateway ID and as the From field of
	// packets the bridge originates.
	GatewayID string `yaml:"gateway_id"`

	HopLimit int `yaml:"hop_limit"`

	// MaxRetries bounds consecutive failed reconnect attempts before the
	// leg gives up and goes degraded. Zero uses the default.
	MaxRetries int `yaml:"max_retries"`

	Channels []ChannelConfig `yaml:"channels"`
}

func (c *Config) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("mesh: broker is required")
	}
	if c.TopicRoot == "" {
		return fmt.Errorf("mesh: topic_root is required")
	}
	if _, err := ParseNodeID(c.GatewayID); err != nil {
		return fmt.Errorf("mesh: invalid gateway_id: %w", err)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("mesh: at least one channel is required")
	}
	seen := make(map[int]bool, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("mesh: channel %d has no name", ch.Index)
		}
		if seen[ch.Index] {
			return fmt.Errorf("mesh: duplicate channel index %d", ch.Index)
		}
		seen[ch.Index] = true
	}
	return nil
}

// ParseNodeID converts a !hex node identifier to its numeric form.
func ParseNodeID(s string) (uint32, error) {
	hexPart, ok := strings.CutPrefix(s, "!")
	if !ok || len(hexPart) != 8 {
		return 0, fmt.Errorf("node ID %q is not of the form !xxxxxxxx", s)
	}
	n, err := strconv.ParseUint(hexPart, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("node ID %q: %w", s, err)
	}
	return uint32(n), nil
}
