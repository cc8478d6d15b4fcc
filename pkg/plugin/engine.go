// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package plugin implements the ordered dispatch chain that lets handlers
// intercept or extend relay behavior. A misbehaving plugin is isolated: its
// panics and errors are logged and the chain continues, and every handler
// invocation is bounded by a timeout.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meshbridge/meshbridge/pkg/models"
)

// DefaultHandleTimeout bounds a single Handle invocation. No handler is
// trusted to block the relay indefinitely.
const DefaultHandleTimeout = 10 * time.Second

// EventKind selects which plugin capability an event is dispatched against.
type EventKind int

const (
	KindChatMessage EventKind = iota
	KindMeshPacket
	KindCommand
)

func (k EventKind) String() string {
	switch k {
	case KindChatMessage:
		return "chat_message"
	case KindMeshPacket:
		return "mesh_packet"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Command is a bot command extracted from a chat message.
type Command struct {
	Name   string
	Args   []string
	Source *models.ChatMessage
}

// Event is the single value passed through the dispatch chain. Exactly one
// of Chat/Mesh/Command is set, matching Kind.
type Event struct {
	Kind    EventKind
	Chat    *models.ChatMessage
	Mesh    *models.MeshPacket
	Command *Command
}

// HandledResult is returned by a plugin that matched an event. Consumed
// stops the chain; Response, when non-empty, is sent back to the event's
// originating leg by the relay engine.
type HandledResult struct {
	Consumed bool
	Response string
}

// Plugin is the fixed capability contract every handler implements.
type Plugin interface {
	Descriptor() models.PluginDescriptor
	Matches(evt *Event) bool
	Handle(ctx context.Context, evt *Event) (*HandledResult, error)
}

// Registry holds the ordered plugin chain.
type Registry struct {
	log     zerolog.Logger
	timeout time.Duration

	mu      sync.RWMutex
	plugins []Plugin
	// seq preserves registration order for equal priorities.
	seq map[Plugin]int
	n   int
}

// NewRegistry creates an empty registry. A non-positive timeout falls back
// to DefaultHandleTimeout.
func NewRegistry(log zerolog.Logger, timeout time.Duration) *Registry {
	if timeout <= 0 {
		timeout = DefaultHandleTimeout
	}
	return &Registry{
		log:     log.With().Str("component", "plugins").Logger(),
		timeout: timeout,
		seq:     make(map[Plugin]int),
	}
}

// Register adds a plugin to the chain, ordered by priority (lower first),
// then by registration order. Registration happens at startup or explicit
// reload, never on the dispatch hot path.
func (r *Registry) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq[p] = r.n
	r.n++
	r.plugins = append(r.plugins, p)
	sort.SliceStable(r.plugins, func(i, j int) bool {
		pi, pj := r.plugins[i].Descriptor().Priority, r.plugins[j].Descriptor().Priority
		if pi != pj {
			return pi < pj
		}
		return r.seq[r.plugins[i]] < r.seq[r.plugins[j]]
	})

	d := p.Descriptor()
	r.log.Info().
		Str("plugin", d.Name).
		Int("priority", d.Priority).
		Str("source", string(d.Source)).
		Msg("Registered plugin")
}

// Plugins returns the current chain in dispatch order.
func (r *Registry) Plugins() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, len(r.plugins))
	copy(out, r.plugins)
	return out
}

// Dispatch walks the chain for an event. It returns the result of the first
// plugin that consumed the event, or nil when no plugin did. Plugin failures
// never propagate: they are logged and the chain continues.
func (r *Registry) Dispatch(ctx context.Context, evt *Event) *HandledResult {
	for _, p := range r.Plugins() {
		d := p.Descriptor()
		if !capabilityMatches(d, evt.Kind) {
			continue
		}

		matched, err := r.safeMatch(p, evt)
		if err != nil {
			r.logPluginError(d.Name, evt.Kind, "match", err)
			continue
		}
		if !matched {
			continue
		}

		res, err := r.safeHandle(ctx, p, evt)
		if err != nil {
			r.logPluginError(d.Name, evt.Kind, "handle", err)
			continue
		}
		if res != nil && res.Consumed {
			r.log.Debug().
				Str("plugin", d.Name).
				Stringer("event_kind", evt.Kind).
				Msg("Event consumed by plugin")
			return res
		}
	}
	return nil
}

func capabilityMatches(d models.PluginDescriptor, kind EventKind) bool {
	switch kind {
	case KindChatMessage:
		return d.HandlesChatMessage
	case KindMeshPacket:
		return d.HandlesMeshPacket
	case KindCommand:
		return d.HandlesCommand
	default:
		return false
	}
}

func (r *Registry) logPluginError(name string, kind EventKind, phase string, err error) {
	perr := &models.PluginError{Plugin: name, Err: err}
	r.log.Warn().
		Err(perr).
		Str("phase", phase).
		Stringer("event_kind", kind).
		Msg("Plugin failed, continuing chain")
}

// safeMatch calls Matches with panic recovery.
func (r *Registry) safeMatch(p Plugin, evt *Event) (matched bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			matched = false
			err = fmt.Errorf("panic in Matches: %v", rec)
		}
	}()
	return p.Matches(evt), nil
}

type handleOutcome struct {
	res *HandledResult
	err error
}

// safeHandle calls Handle with panic recovery and the per-invocation
// timeout. A timeout is a handler failure like any other.
func (r *Registry) safeHandle(ctx context.Context, p Plugin, evt *Event) (*HandledResult, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan handleOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- handleOutcome{err: fmt.Errorf("panic in Handle: %v", rec)}
			}
		}()
		res, err := p.Handle(ctx, evt)
		done <- handleOutcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		return out.res, out.err
	case <-ctx.Done():
		// The goroutine is left to finish on its own; its result is ignored.
		return nil, fmt.Errorf("handler exceeded %s timeout: %w", r.timeout, ctx.Err())
	}
}
