// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"

	"github.com/meshbridge/meshbridge/pkg/bridge/meshleg"
	"github.com/meshbridge/meshbridge/pkg/models"
	"github.com/meshbridge/meshbridge/pkg/plugin"
	"github.com/meshbridge/meshbridge/pkg/store"
)

// HandleMeshPacket relays one inbound mesh packet toward chat, fanning out
// to every room mapped to the packet's channel. One outcome is produced per
// target room, or a single outcome when the packet never reaches fan-out.
func (b *Bridge) HandleMeshPacket(ctx context.Context, pkt *models.MeshPacket) []Outcome {
	if existing, err := b.store.LookupByMeshID(ctx, pkt.PacketID); err == nil && existing != nil {
		return []Outcome{Dropped{Reason: DropDuplicate}}
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		serr := &models.StorageError{Op: "lookup", Err: err}
		b.log.Warn().Err(serr).Uint32("packet_id", pkt.PacketID).Msg("Dedup check unavailable, relaying anyway")
	}

	switch pkt.Type {
	case models.PacketText:
		if pkt.IsReaction {
			return []Outcome{b.relayReactionToChat(ctx, pkt)}
		}
	case models.PacketDetectionSensor:
		if !b.rooms.DetectionsEnabled(pkt.Channel) {
			return []Outcome{Dropped{Reason: DropFiltered}}
		}
	default:
		// Telemetry, node info and position update caches in the mesh leg
		// but carry nothing worth a chat message.
		return []Outcome{Dropped{Reason: DropFiltered}}
	}

	if res := b.plugins.Dispatch(ctx, &plugin.Event{Kind: plugin.KindMeshPacket, Mesh: pkt}); res != nil {
		if res.Response != "" {
			b.respondOnMesh(ctx, pkt, res.Response)
		}
		return []Outcome{Dropped{Reason: DropConsumed}}
	}

	targets := b.rooms.RoomsForChannel(pkt.Channel)
	if len(targets) == 0 {
		return []Outcome{Dropped{Reason: DropUnmappedChannel}}
	}

	// A mesh reply threads onto the chat event its parent maps to. The
	// parent mapping also pins the room the thread lives in.
	var parent *models.MessageMapping
	if pkt.ReplyID != 0 {
		if m, err := b.store.LookupByMeshID(ctx, pkt.ReplyID); err == nil {
			parent = m
		}
	}

	outcomes := make([]Outcome, 0, len(targets))
	for _, target := range targets {
		if pkt.Type == models.PacketDetectionSensor && !target.BroadcastDetections {
			outcomes = append(outcomes, Dropped{Reason: DropFiltered})
			continue
		}
		outcomes = append(outcomes, b.relayToRoom(ctx, pkt, target, parent))
	}
	return outcomes
}

func (b *Bridge) relayToRoom(ctx context.Context, pkt *models.MeshPacket, target models.RoomChannelMapping, parent *models.MessageMapping) Outcome {
	roomID, err := b.rooms.Resolve(ctx, target.Room)
	if err != nil {
		return Failed{Err: err}
	}

	content, err := b.format.MeshToChat(pkt, target.MeshnetName)
	if err != nil {
		return Failed{Err: err}
	}
	if parent != nil && parent.ChatRoomID == roomID {
		content.AsReply(parent.ChatEventID)
	}

	eventID, err := b.chat.Send(ctx, roomID, content)
	if err != nil {
		return Failed{Err: err}
	}

	mapping := &models.MessageMapping{
		MeshPacketID:  pkt.PacketID,
		ChatEventID:   eventID,
		ChatRoomID:    roomID,
		MeshChannel:   pkt.Channel,
		MeshnetOrigin: target.MeshnetName,
		Snippet:       TruncateUTF8(pkt.Text, 80),
	}
	b.storeMapping(ctx, mapping)
	return Relayed{Mapping: mapping}
}

// relayReactionToChat turns a tapback into an m.reaction on the chat event
// the reacted-to packet maps to. A tapback on an unmapped packet is expected
// noise and drops quietly.
func (b *Bridge) relayReactionToChat(ctx context.Context, pkt *models.MeshPacket) Outcome {
	if pkt.ReplyID == 0 {
		return Dropped{Reason: DropUnknownTarget}
	}
	target, err := b.store.LookupByMeshID(ctx, pkt.ReplyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Dropped{Reason: DropUnknownTarget}
		}
		return Failed{Err: &models.StorageError{Op: "lookup", Err: err}}
	}

	eventID, err := b.chat.React(ctx, target.ChatRoomID, target.ChatEventID, pkt.Text)
	if err != nil {
		return Failed{Err: err}
	}

	mapping := &models.MessageMapping{
		MeshPacketID:  pkt.PacketID,
		ChatEventID:   eventID,
		ChatRoomID:    target.ChatRoomID,
		MeshChannel:   pkt.Channel,
		MeshnetOrigin: b.cfg.Relay.MeshnetName,
		Snippet:       pkt.Text,
	}
	b.storeMapping(ctx, mapping)
	return Relayed{Mapping: mapping}
}

// respondOnMesh sends a plugin response back onto the packet's channel,
// threaded onto the triggering packet.
func (b *Bridge) respondOnMesh(ctx context.Context, pkt *models.MeshPacket, text string) {
	_, err := b.mesh.Send(ctx, meshleg.SendOptions{
		Channel: pkt.Channel,
		Text:    text,
		ReplyID: pkt.PacketID,
		WantAck: true,
	})
	if err != nil {
		b.log.Warn().Err(err).Int("channel", pkt.Channel).Msg("Failed to send plugin response to mesh")
	}
}
