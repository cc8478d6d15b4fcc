// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package models

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"
)

// Custom event content keys used to tag Matrix events produced by a bridge.
// The meshnet key carries the origin meshnet name so that other bridges (and
// this one, on echo) can recognize already-relayed content.
const (
	ContentKeyMeshnet  = "com.meshbridge.meshnet"
	ContentKeyPacketID = "com.meshbridge.packet_id"
)

// ConnectionState describes the lifecycle of one bridge leg. It is owned
// exclusively by the leg; everything else reads it through State().
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateActive
	StateDegraded
	StateReconnecting
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MessageMapping is the durable correlation record linking a mesh packet to
// the Matrix event it was relayed to (or from). It is written only after the
// target leg has acknowledged the send, and is read on the hot path of every
// inbound event for dedup, loop prevention and reply/reaction threading.
type MessageMapping struct {
	MeshPacketID  uint32     `db:"mesh_packet_id"`
	ChatEventID   id.EventID `db:"chat_event_id"`
	ChatRoomID    id.RoomID  `db:"chat_room_id"`
	MeshChannel   int        `db:"mesh_channel"`
	MeshnetOrigin string     `db:"meshnet_origin"`
	Snippet       string     `db:"snippet"`
	CreatedAt     time.Time  `db:"created_at"`
}

// RoomChannelMapping declares one administrator-configured link between a
// Matrix room (ID or #alias) and a mesh channel index. Several rooms may map
// to the same channel and vice versa.
type RoomChannelMapping struct {
	Room                string `yaml:"room"`
	Channel             int    `yaml:"channel"`
	MeshnetName         string `yaml:"meshnet_name"`
	RelayToMesh         bool   `yaml:"relay_to_mesh"`
	RelayToChat         bool   `yaml:"relay_to_chat"`
	BroadcastDetections bool   `yaml:"broadcast_detections"`
}

// UnmarshalYAML decodes a mapping with the relay direction flags defaulting
// to on.
func (m *RoomChannelMapping) UnmarshalYAML(node *yaml.Node) error {
	type rawMapping RoomChannelMapping
	aux := rawMapping{RelayToMesh: true, RelayToChat: true}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	*m = RoomChannelMapping(aux)
	return nil
}

// PluginSource identifies where a plugin's code came from.
type PluginSource string

const (
	PluginSourceCore   PluginSource = "core"
	PluginSourceLocal  PluginSource = "local"
	PluginSourceRemote PluginSource = "remote"
)

// PluginDescriptor describes a registered plugin and its capabilities.
type PluginDescriptor struct {
	Name               string
	Priority           int
	HandlesChatMessage bool
	HandlesMeshPacket  bool
	HandlesCommand     bool
	Source             PluginSource
}

// ChatMessage is an inbound Matrix event after decoding, before any relay
// decision has been made. Exactly one of Body/ReactionKey is meaningful for
// reactions.
type ChatMessage struct {
	RoomID        id.RoomID
	EventID       id.EventID
	Sender        id.UserID
	Body          string
	FormattedBody string
	ReplyTo       id.EventID
	ReactionTo    id.EventID
	ReactionKey   string
	Timestamp     time.Time

	// MeshnetOrigin and MeshPacketID are non-zero only on events that carry
	// bridge tags, i.e. content some bridge already relayed from a meshnet.
	MeshnetOrigin string
	MeshPacketID  uint32
}

// IsReaction reports whether the event is an m.reaction annotation.
func (m *ChatMessage) IsReaction() bool {
	return m.ReactionTo != ""
}

// MeshPacketType is the coarse classification of a decoded mesh packet.
type MeshPacketType int

const (
	PacketUnknown MeshPacketType = iota
	PacketText
	PacketDetectionSensor
	PacketTelemetry
	PacketNodeInfo
	PacketPosition
)

func (t MeshPacketType) String() string {
	switch t {
	case PacketText:
		return "text"
	case PacketDetectionSensor:
		return "detection_sensor"
	case PacketTelemetry:
		return "telemetry"
	case PacketNodeInfo:
		return "node_info"
	case PacketPosition:
		return "position"
	default:
		return "unknown"
	}
}

// TelemetrySnapshot holds the device metrics of a telemetry packet.
type TelemetrySnapshot struct {
	BatteryLevel       uint32
	Voltage            float32
	ChannelUtilization float32
	AirUtilTx          float32
}

// MeshPacket is an inbound mesh packet after envelope decode, decrypt and
// classification.
type MeshPacket struct {
	PacketID   uint32
	FromNodeID uint32
	FromName   string
	Channel    int
	Type       MeshPacketType
	Text       string
	ReplyID    uint32
	IsReaction bool
	RxTime     time.Time
	Telemetry  *TelemetrySnapshot
}

// NodeIDString renders a node ID in the canonical !hex form.
func NodeIDString(nodeID uint32) string {
	return fmt.Sprintf("!%08x", nodeID)
}
