// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package plugin

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/meshbridge/meshbridge/pkg/models"
)

// PingPlugin answers the ping command with a liveness reply. It doubles as
// the end-to-end health check for the chat ingress path.
type PingPlugin struct{}

func (*PingPlugin) Descriptor() models.PluginDescriptor {
	return models.PluginDescriptor{
		Name:           "ping",
		Priority:       10,
		HandlesCommand: true,
		Source:         models.PluginSourceCore,
	}
}

func (*PingPlugin) Matches(evt *Event) bool {
	return evt.Command != nil && evt.Command.Name == "ping"
}

func (*PingPlugin) Handle(ctx context.Context, evt *Event) (*HandledResult, error) {
	return &HandledResult{Consumed: true, Response: "pong"}, nil
}

// HelpPlugin lists the registered commands. It reflects over the live
// registry rather than a static table so locally added plugins show up.
type HelpPlugin struct {
	Registry *Registry
	Prefix   string
}

func (*HelpPlugin) Descriptor() models.PluginDescriptor {
	return models.PluginDescriptor{
		Name:           "help",
		Priority:       10,
		HandlesCommand: true,
		Source:         models.PluginSourceCore,
	}
}

func (*HelpPlugin) Matches(evt *Event) bool {
	return evt.Command != nil && evt.Command.Name == "help"
}

func (h *HelpPlugin) Handle(ctx context.Context, evt *Event) (*HandledResult, error) {
	var names []string
	for _, p := range h.Registry.Plugins() {
		d := p.Descriptor()
		if d.HandlesCommand {
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	var sb strings.Builder
	sb.WriteString("Available commands:")
	for _, name := range names {
		fmt.Fprintf(&sb, "\n  %s%s", h.Prefix, name)
	}
	return &HandledResult{Consumed: true, Response: sb.String()}, nil
}
