// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package rooms resolves Matrix room identifiers and aliases and maps them
// to mesh channel indices. The mapping table is administrator-declared
// configuration: it is loaded at startup and only changes through Update.
package rooms

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/meshbridge/meshbridge/pkg/models"
)

const aliasCacheTTL = 15 * time.Minute

// AliasResolver turns a #alias into a concrete room ID. Implemented by the
// Matrix leg.
type AliasResolver interface {
	ResolveAlias(ctx context.Context, alias string) (id.RoomID, error)
}

// Resolver owns the room-channel mapping table and alias resolution.
type Resolver struct {
	log     zerolog.Logger
	aliases AliasResolver

	mu       sync.RWMutex
	mappings []models.RoomChannelMapping
	// byRoom indexes mappings by concrete room ID once known. Alias entries
	// join the index lazily after their first successful resolution.
	byRoom map[id.RoomID]*models.RoomChannelMapping

	aliasCache *ttlcache.Cache[string, id.RoomID]
}

// NewResolver builds a resolver over the configured mappings. Aliases are
// resolved lazily so a homeserver hiccup at startup does not lose mappings.
func NewResolver(mappings []models.RoomChannelMapping, aliases AliasResolver, log zerolog.Logger) *Resolver {
	cache := ttlcache.New[string, id.RoomID](
		ttlcache.WithTTL[string, id.RoomID](aliasCacheTTL),
	)
	go cache.Start()

	r := &Resolver{
		log:        log.With().Str("component", "rooms").Logger(),
		aliases:    aliases,
		aliasCache: cache,
	}
	r.Update(mappings)
	return r
}

// Update replaces the whole mapping table. This is the administrative update
// path; normal operation never mutates the table.
func (r *Resolver) Update(mappings []models.RoomChannelMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mappings = make([]models.RoomChannelMapping, len(mappings))
	copy(r.mappings, mappings)
	r.byRoom = make(map[id.RoomID]*models.RoomChannelMapping, len(mappings))
	for i := range r.mappings {
		m := &r.mappings[i]
		if !isAlias(m.Room) {
			r.byRoom[id.RoomID(m.Room)] = m
		}
	}
	r.log.Debug().Int("mappings", len(mappings)).Msg("Room-channel mapping table updated")
}

func isAlias(roomOrAlias string) bool {
	return strings.HasPrefix(roomOrAlias, "#")
}

// Resolve returns the concrete room ID for a room identifier or alias.
// Alias lookups go through the chat leg and are cached; failures return a
// ResolutionError and are retried fresh on the next call after cache expiry.
func (r *Resolver) Resolve(ctx context.Context, roomOrAlias string) (id.RoomID, error) {
	if !isAlias(roomOrAlias) {
		return id.RoomID(roomOrAlias), nil
	}

	if item := r.aliasCache.Get(roomOrAlias); item != nil {
		r.indexAlias(roomOrAlias, item.Value())
		return item.Value(), nil
	}

	roomID, err := r.aliases.ResolveAlias(ctx, roomOrAlias)
	if err != nil {
		return "", &models.ResolutionError{Target: roomOrAlias, Err: err}
	}
	r.aliasCache.Set(roomOrAlias, roomID, ttlcache.DefaultTTL)
	r.indexAlias(roomOrAlias, roomID)

	return roomID, nil
}

// indexAlias records an alias's concrete room ID in the byRoom index. It
// runs on the cached path too so the index survives an Update.
func (r *Resolver) indexAlias(alias string, roomID id.RoomID) {
	r.mu.Lock()
	for i := range r.mappings {
		if r.mappings[i].Room == alias {
			r.byRoom[roomID] = &r.mappings[i]
		}
	}
	r.mu.Unlock()
}

// ChannelForRoom returns the mesh channel index mapped to a room, or false
// when the room is not relay-eligible to mesh. A miss triggers resolution of
// any alias mappings still waiting on the homeserver, so alias-configured
// rooms work even when no mesh traffic has touched them yet.
func (r *Resolver) ChannelForRoom(ctx context.Context, roomID id.RoomID) (int, bool) {
	r.mu.RLock()
	m, ok := r.byRoom[roomID]
	r.mu.RUnlock()
	if !ok {
		r.resolvePendingAliases(ctx)
		r.mu.RLock()
		m, ok = r.byRoom[roomID]
		r.mu.RUnlock()
	}
	if !ok || !m.RelayToMesh {
		return 0, false
	}
	return m.Channel, true
}

// resolvePendingAliases runs every alias mapping through Resolve so it joins
// the byRoom index. Resolved aliases are answered from the cache; failures
// are retried on the next miss.
func (r *Resolver) resolvePendingAliases(ctx context.Context) {
	r.mu.RLock()
	var aliases []string
	for i := range r.mappings {
		if isAlias(r.mappings[i].Room) {
			aliases = append(aliases, r.mappings[i].Room)
		}
	}
	r.mu.RUnlock()

	for _, alias := range aliases {
		if _, err := r.Resolve(ctx, alias); err != nil {
			r.log.Debug().Err(err).Str("alias", alias).Msg("Alias resolution deferred")
		}
	}
}

// RoomsForChannel returns every mapping fanned out to a channel that relays
// toward chat.
func (r *Resolver) RoomsForChannel(channel int) []models.RoomChannelMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []models.RoomChannelMapping
	for _, m := range r.mappings {
		if m.Channel == channel && m.RelayToChat {
			out = append(out, m)
		}
	}
	return out
}

// DetectionsEnabled reports whether any mapping for the channel allows
// broadcasting detection-sensor packets.
func (r *Resolver) DetectionsEnabled(channel int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.mappings {
		if m.Channel == channel && m.BroadcastDetections {
			return true
		}
	}
	return false
}

// Stop releases the alias cache's cleanup goroutine.
func (r *Resolver) Stop() {
	r.aliasCache.Stop()
}
