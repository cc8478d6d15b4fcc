// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"fmt"

	"github.com/meshbridge/meshbridge/pkg/models"
)

// DropReason explains why an inbound item produced no relayed message.
type DropReason string

const (
	DropDuplicate       DropReason = "duplicate"
	DropLoop            DropReason = "loop"
	DropUnmappedRoom    DropReason = "unmapped_room"
	DropUnmappedChannel DropReason = "unmapped_channel"
	DropUnknownTarget   DropReason = "unknown_target"
	DropFiltered        DropReason = "filtered"
	DropCommand         DropReason = "command"
	DropConsumed        DropReason = "consumed_by_plugin"
	DropRelayDisabled   DropReason = "relay_disabled"
)

// Outcome is the result of processing one inbound item. Every code path
// through the handlers ends in exactly one of Relayed, Dropped or Failed;
// nothing signals by panic or silent return.
type Outcome interface {
	fmt.Stringer
	outcome()
}

// Relayed means the item reached the other network and its correlation
// record was written.
type Relayed struct {
	Mapping *models.MessageMapping
}

func (Relayed) outcome() {}

func (r Relayed) String() string {
	return fmt.Sprintf("relayed(packet=%d, event=%s)", r.Mapping.MeshPacketID, r.Mapping.ChatEventID)
}

// Dropped means the item was intentionally not relayed.
type Dropped struct {
	Reason DropReason
}

func (Dropped) outcome() {}

func (d Dropped) String() string {
	return "dropped(" + string(d.Reason) + ")"
}

// Failed means relaying was attempted and did not complete. The error
// carries the taxonomy type for the failing stage.
type Failed struct {
	Err error
}

func (Failed) outcome() {}

func (f Failed) String() string {
	return fmt.Sprintf("failed(%v)", f.Err)
}
