// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package plugin

import (
	"fmt"

	"github.com/rs/zerolog"
)

// Factory builds a plugin from its config name. Local plugin packages
// register themselves here from an init func.
type Factory func(reg *Registry) (Plugin, error)

var factories = map[string]Factory{}

// RegisterFactory makes a local plugin available to the provisioner under
// the given name. It panics on duplicate names since that is a programming
// error caught at startup.
func RegisterFactory(name string, f Factory) {
	if _, dup := factories[name]; dup {
		panic(fmt.Sprintf("plugin factory %q registered twice", name))
	}
	factories[name] = f
}

// Provision loads the core plugins plus the named local plugins into a new
// registry. Plugin loading happens only here, at startup: the dispatch path
// never mutates the chain.
//
// Remote plugin acquisition (download, checksum, cache) is deliberately not
// wired; a remote name fails provisioning.
func Provision(log zerolog.Logger, commandPrefix string, local []string) (*Registry, error) {
	reg := NewRegistry(log, DefaultHandleTimeout)
	reg.Register(&PingPlugin{})
	reg.Register(&HelpPlugin{Registry: reg, Prefix: commandPrefix})

	for _, name := range local {
		f, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q", name)
		}
		p, err := f(reg)
		if err != nil {
			return nil, fmt.Errorf("loading plugin %q: %w", name, err)
		}
		reg.Register(p)
	}
	return reg, nil
}
