// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/meshbridge/meshbridge/pkg/bridge/meshleg"
	"github.com/meshbridge/meshbridge/pkg/models"
	"github.com/meshbridge/meshbridge/pkg/plugin"
	"github.com/meshbridge/meshbridge/pkg/rooms"
	"github.com/meshbridge/meshbridge/pkg/store"
)

type sentChatEvent struct {
	roomID  id.RoomID
	content any
}

type sentReaction struct {
	roomID  id.RoomID
	eventID id.EventID
	key     string
}

type fakeChatLeg struct {
	sent      []sentChatEvent
	reactions []sentReaction
	sendErr   error
	nextSeq   int
}

func (f *fakeChatLeg) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeChatLeg) Events() <-chan *models.ChatMessage { return nil }

func (f *fakeChatLeg) Send(_ context.Context, roomID id.RoomID, content any) (id.EventID, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, sentChatEvent{roomID: roomID, content: content})
	f.nextSeq++
	return id.EventID(fmt.Sprintf("$sent%d", f.nextSeq)), nil
}

func (f *fakeChatLeg) React(_ context.Context, roomID id.RoomID, eventID id.EventID, key string) (id.EventID, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.reactions = append(f.reactions, sentReaction{roomID: roomID, eventID: eventID, key: key})
	f.nextSeq++
	return id.EventID(fmt.Sprintf("$react%d", f.nextSeq)), nil
}

func (f *fakeChatLeg) DisplayName(_ context.Context, userID id.UserID) string {
	return userID.Localpart()
}

func (f *fakeChatLeg) UserID() id.UserID { return "@meshbridge:example.com" }

func (f *fakeChatLeg) State() models.ConnectionState { return models.StateActive }

type fakeMeshLeg struct {
	sent         []meshleg.SendOptions
	sendErr      error
	nextPacketID uint32
}

func (f *fakeMeshLeg) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (f *fakeMeshLeg) Events() <-chan *models.MeshPacket { return nil }

func (f *fakeMeshLeg) Send(_ context.Context, opts meshleg.SendOptions) (uint32, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.sent = append(f.sent, opts)
	f.nextPacketID++
	return 90000 + f.nextPacketID, nil
}

func (f *fakeMeshLeg) NodeName(nodeID uint32) string {
	return models.NodeIDString(nodeID)
}

func (f *fakeMeshLeg) State() models.ConnectionState { return models.StateActive }

type staticAliasResolver map[string]id.RoomID

func (s staticAliasResolver) ResolveAlias(_ context.Context, alias string) (id.RoomID, error) {
	roomID, ok := s[alias]
	if !ok {
		return "", fmt.Errorf("unknown alias %q", alias)
	}
	return roomID, nil
}

const (
	testRoomA = id.RoomID("!rooma:example.com")
	testRoomB = id.RoomID("!roomb:example.com")
)

func defaultTestMappings() []models.RoomChannelMapping {
	return []models.RoomChannelMapping{
		{Room: string(testRoomA), Channel: 0, MeshnetName: "alpha-net", RelayToMesh: true, RelayToChat: true},
		{Room: string(testRoomB), Channel: 0, MeshnetName: "alpha-net", RelayToMesh: true, RelayToChat: true},
	}
}

// newTestBridge builds a bridge around both fakes and a real in-memory
// mapping store.
func newTestBridge(t *testing.T, mappings []models.RoomChannelMapping) (*Bridge, *fakeChatLeg, *fakeMeshLeg) {
	t.Helper()

	mappingStore, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { mappingStore.Close() })

	format, err := NewFormatter("", "", 200)
	if err != nil {
		t.Fatalf("building formatter: %v", err)
	}
	plugins, err := plugin.Provision(zerolog.Nop(), "!mesh ", nil)
	if err != nil {
		t.Fatalf("provisioning plugins: %v", err)
	}

	chat := &fakeChatLeg{}
	mesh := &fakeMeshLeg{}
	resolver := rooms.NewResolver(mappings, staticAliasResolver{}, zerolog.Nop())
	t.Cleanup(resolver.Stop)

	b := &Bridge{
		log: zerolog.Nop(),
		cfg: &Config{
			Relay: RelayConfig{
				MeshnetName:       "alpha-net",
				CommandPrefix:     "!mesh ",
				MaxMeshMessageLen: 200,
			},
			Database: DatabaseConfig{
				PruneInterval: Duration(time.Hour),
				MaxAge:        Duration(24 * time.Hour),
				MaxCount:      1000,
			},
			Mappings: mappings,
		},
		chat:    chat,
		mesh:    mesh,
		store:   mappingStore,
		rooms:   resolver,
		plugins: plugins,
		format:  format,
	}
	return b, chat, mesh
}

// roomsWithAlias builds a resolver whose alias lookups are served from a
// static table.
func roomsWithAlias(t *testing.T, mappings []models.RoomChannelMapping, alias string, roomID id.RoomID) *rooms.Resolver {
	t.Helper()
	r := rooms.NewResolver(mappings, staticAliasResolver{alias: roomID}, zerolog.Nop())
	t.Cleanup(r.Stop)
	return r
}

func chatMessage(eventID, body string) *models.ChatMessage {
	return &models.ChatMessage{
		RoomID:    testRoomA,
		EventID:   id.EventID(eventID),
		Sender:    "@alice:example.com",
		Body:      body,
		Timestamp: time.Now(),
	}
}

func meshTextPacket(packetID uint32, text string) *models.MeshPacket {
	return &models.MeshPacket{
		PacketID:   packetID,
		FromNodeID: 0x11223344,
		FromName:   "Node A",
		Channel:    0,
		Type:       models.PacketText,
		Text:       text,
		RxTime:     time.Now(),
	}
}
