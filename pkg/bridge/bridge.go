// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package bridge wires the two legs, the mapping store, the room-channel
// resolver and the plugin chain into a relay. Each inbound item flows
// through a fixed pipeline and ends in exactly one Outcome.
package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"maunium.net/go/mautrix/id"

	"github.com/meshbridge/meshbridge/pkg/bridge/matrixleg"
	"github.com/meshbridge/meshbridge/pkg/bridge/meshleg"
	"github.com/meshbridge/meshbridge/pkg/models"
	"github.com/meshbridge/meshbridge/pkg/plugin"
	"github.com/meshbridge/meshbridge/pkg/rooms"
	"github.com/meshbridge/meshbridge/pkg/store"
)

// ChatLeg is the Matrix side as the relay engine sees it.
type ChatLeg interface {
	Run(ctx context.Context) error
	Events() <-chan *models.ChatMessage
	Send(ctx context.Context, roomID id.RoomID, content any) (id.EventID, error)
	React(ctx context.Context, roomID id.RoomID, eventID id.EventID, key string) (id.EventID, error)
	DisplayName(ctx context.Context, userID id.UserID) string
	UserID() id.UserID
	State() models.ConnectionState
}

// MeshLeg is the Meshtastic side as the relay engine sees it.
type MeshLeg interface {
	Run(ctx context.Context) error
	Events() <-chan *models.MeshPacket
	Send(ctx context.Context, opts meshleg.SendOptions) (uint32, error)
	NodeName(nodeID uint32) string
	State() models.ConnectionState
}

// Bridge is the relay engine.
type Bridge struct {
	log zerolog.Logger
	cfg *Config

	chat    ChatLeg
	mesh    MeshLeg
	store   store.MappingStore
	rooms   *rooms.Resolver
	plugins *plugin.Registry
	format  *Formatter
}

// New assembles a bridge from its config: opens the mapping store, builds
// both legs, provisions plugins and indexes the room-channel mappings.
func New(cfg *Config, log zerolog.Logger) (*Bridge, error) {
	chat, err := matrixleg.New(cfg.Matrix, log)
	if err != nil {
		return nil, err
	}
	mesh, err := meshleg.New(cfg.Mesh, log)
	if err != nil {
		return nil, err
	}
	mappingStore, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	plugins, err := plugin.Provision(log, cfg.Relay.CommandPrefix, cfg.Plugins)
	if err != nil {
		return nil, err
	}
	format, err := NewFormatter(cfg.Relay.ChatToMeshTemplate, cfg.Relay.MeshToChatTemplate, cfg.Relay.MaxMeshMessageLen)
	if err != nil {
		return nil, err
	}

	b := &Bridge{
		log:     log.With().Str("component", "bridge").Logger(),
		cfg:     cfg,
		chat:    chat,
		mesh:    mesh,
		store:   mappingStore,
		rooms:   rooms.NewResolver(cfg.Mappings, chat, log),
		plugins: plugins,
		format:  format,
	}
	return b, nil
}

// Run starts both legs and the relay loops, blocking until ctx is done. The
// legs fail independently: a degraded leg stops relaying in its direction
// while the other keeps working.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return b.runLeg(ctx, "matrix", b.chat.Run) })
	g.Go(func() error { return b.runLeg(ctx, "mesh", b.mesh.Run) })
	g.Go(func() error { return b.chatLoop(ctx) })
	g.Go(func() error { return b.meshLoop(ctx) })
	g.Go(func() error { return b.pruneLoop(ctx) })

	err := g.Wait()
	b.rooms.Stop()
	if closeErr := b.store.Close(); closeErr != nil {
		b.log.Warn().Err(closeErr).Msg("Closing mapping store failed")
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runLeg keeps a leg failure from tearing down the whole bridge. The leg's
// own state reflects why it stopped.
func (b *Bridge) runLeg(ctx context.Context, name string, run func(context.Context) error) error {
	err := run(ctx)
	if err != nil && ctx.Err() == nil {
		b.log.Error().Err(err).Str("leg", name).Msg("Leg terminated, continuing one-sided")
	}
	return nil
}

func (b *Bridge) chatLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.chat.Events():
			outcome := b.HandleChatMessage(ctx, msg)
			b.logOutcome("chat", msg.EventID.String(), outcome)
		}
	}
}

func (b *Bridge) meshLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pkt := <-b.mesh.Events():
			for _, outcome := range b.HandleMeshPacket(ctx, pkt) {
				b.logOutcome("mesh", models.NodeIDString(pkt.FromNodeID), outcome)
			}
		}
	}
}

func (b *Bridge) logOutcome(source, item string, outcome Outcome) {
	switch o := outcome.(type) {
	case Failed:
		b.log.Error().Err(o.Err).Str("source", source).Str("item", item).Msg("Relay failed")
	case Dropped:
		b.log.Debug().Str("source", source).Str("item", item).Stringer("outcome", o).Msg("Not relayed")
	case Relayed:
		b.log.Info().Str("source", source).Stringer("outcome", o).Msg("Relayed")
	}
}

// pruneLoop enforces the mapping store retention policy.
func (b *Bridge) pruneLoop(ctx context.Context) error {
	interval := b.cfg.Database.PruneInterval.Get()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := b.store.Prune(ctx, b.cfg.Database.MaxAge.Get(), b.cfg.Database.MaxCount)
			if err != nil {
				b.log.Warn().Err(err).Msg("Mapping store prune failed")
			} else if removed > 0 {
				b.log.Info().Int64("removed", removed).Msg("Pruned old message mappings")
			}
		}
	}
}

// storeMapping persists a correlation record after a confirmed send. A
// storage failure costs dedup for this item but never the relay itself.
func (b *Bridge) storeMapping(ctx context.Context, m *models.MessageMapping) {
	if err := b.store.Store(ctx, m); err != nil {
		serr := &models.StorageError{Op: "store", Err: err}
		b.log.Warn().Err(serr).Uint32("packet_id", m.MeshPacketID).Msg("Mapping not persisted")
	}
}
