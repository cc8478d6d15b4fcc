// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"errors"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/meshbridge/meshbridge/pkg/bridge/meshleg"
	"github.com/meshbridge/meshbridge/pkg/models"
	"github.com/meshbridge/meshbridge/pkg/plugin"
	"github.com/meshbridge/meshbridge/pkg/store"
)

// HandleChatMessage relays one inbound chat message toward the mesh. The
// pipeline is: filter, command check, reply/reaction threading, plugin
// dispatch, format, send, record.
func (b *Bridge) HandleChatMessage(ctx context.Context, msg *models.ChatMessage) Outcome {
	// Content another bridge already relayed from our own meshnet would
	// echo straight back over the radio.
	if msg.MeshnetOrigin != "" && msg.MeshnetOrigin == b.cfg.Relay.MeshnetName {
		return Dropped{Reason: DropLoop}
	}

	if existing, err := b.store.LookupByChatEvent(ctx, msg.EventID); err == nil && existing != nil {
		return Dropped{Reason: DropDuplicate}
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		serr := &models.StorageError{Op: "lookup", Err: err}
		b.log.Warn().Err(serr).Stringer("event_id", msg.EventID).Msg("Dedup check unavailable, relaying anyway")
	}

	if msg.IsReaction() {
		return b.relayReactionToMesh(ctx, msg)
	}

	// Unmapped rooms are filtered before commands and plugins run, so the
	// bridge stays inert in rooms the administrator never mapped.
	channel, ok := b.rooms.ChannelForRoom(ctx, msg.RoomID)
	if !ok {
		return Dropped{Reason: DropUnmappedRoom}
	}

	if cmd, ok := b.parseCommand(msg); ok {
		return b.runCommand(ctx, msg, cmd)
	}

	if res := b.plugins.Dispatch(ctx, &plugin.Event{Kind: plugin.KindChatMessage, Chat: msg}); res != nil {
		if res.Response != "" {
			b.sendNotice(ctx, msg.RoomID, res.Response)
		}
		return Dropped{Reason: DropConsumed}
	}

	// A reply threads onto the mesh packet its parent was relayed from,
	// when that parent is known. An unknown parent degrades to a plain
	// message rather than dropping.
	var replyID uint32
	if msg.ReplyTo != "" {
		if parent, err := b.store.LookupByChatEvent(ctx, msg.ReplyTo); err == nil && parent != nil {
			replyID = parent.MeshPacketID
		}
	}

	sender := b.chat.DisplayName(ctx, msg.Sender)
	text, err := b.format.ChatToMesh(sender, msg.Body)
	if err != nil {
		return Failed{Err: err}
	}

	packetID, err := b.mesh.Send(ctx, meshleg.SendOptions{
		Channel: channel,
		Text:    text,
		ReplyID: replyID,
		WantAck: true,
	})
	if err != nil {
		return Failed{Err: err}
	}

	mapping := &models.MessageMapping{
		MeshPacketID:  packetID,
		ChatEventID:   msg.EventID,
		ChatRoomID:    msg.RoomID,
		MeshChannel:   channel,
		MeshnetOrigin: b.cfg.Relay.MeshnetName,
		Snippet:       TruncateUTF8(msg.Body, 80),
	}
	b.storeMapping(ctx, mapping)
	return Relayed{Mapping: mapping}
}

// relayReactionToMesh turns an m.reaction into a tapback on the mesh packet
// its target was relayed from. Reactions to unmapped events are expected
// noise and drop quietly.
func (b *Bridge) relayReactionToMesh(ctx context.Context, msg *models.ChatMessage) Outcome {
	target, err := b.store.LookupByChatEvent(ctx, msg.ReactionTo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Dropped{Reason: DropUnknownTarget}
		}
		return Failed{Err: &models.StorageError{Op: "lookup", Err: err}}
	}

	channel, ok := b.rooms.ChannelForRoom(ctx, msg.RoomID)
	if !ok {
		return Dropped{Reason: DropUnmappedRoom}
	}

	packetID, err := b.mesh.Send(ctx, meshleg.SendOptions{
		Channel: channel,
		Text:    msg.ReactionKey,
		ReplyID: target.MeshPacketID,
		Emoji:   true,
		WantAck: true,
	})
	if err != nil {
		return Failed{Err: err}
	}

	mapping := &models.MessageMapping{
		MeshPacketID:  packetID,
		ChatEventID:   msg.EventID,
		ChatRoomID:    msg.RoomID,
		MeshChannel:   channel,
		MeshnetOrigin: b.cfg.Relay.MeshnetName,
		Snippet:       msg.ReactionKey,
	}
	b.storeMapping(ctx, mapping)
	return Relayed{Mapping: mapping}
}

// parseCommand extracts a bot command when the body starts with the
// configured prefix.
func (b *Bridge) parseCommand(msg *models.ChatMessage) (*plugin.Command, bool) {
	rest, found := strings.CutPrefix(msg.Body, b.cfg.Relay.CommandPrefix)
	if !found {
		return nil, false
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return nil, false
	}
	return &plugin.Command{
		Name:   fields[0],
		Args:   fields[1:],
		Source: msg,
	}, true
}

// runCommand dispatches a command through the plugin chain and answers in
// the originating room. Commands never reach the mesh.
func (b *Bridge) runCommand(ctx context.Context, msg *models.ChatMessage, cmd *plugin.Command) Outcome {
	res := b.plugins.Dispatch(ctx, &plugin.Event{Kind: plugin.KindCommand, Command: cmd})
	if res == nil {
		b.sendNotice(ctx, msg.RoomID, "Unknown command: "+cmd.Name)
		return Dropped{Reason: DropCommand}
	}
	if res.Response != "" {
		b.sendNotice(ctx, msg.RoomID, res.Response)
	}
	return Dropped{Reason: DropCommand}
}

func (b *Bridge) sendNotice(ctx context.Context, roomID id.RoomID, text string) {
	content := &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}
	if _, err := b.chat.Send(ctx, roomID, content); err != nil {
		b.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to send notice")
	}
}
