// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/meshbridge/meshbridge/pkg/models"
)

func newTestStore(t *testing.T) MappingStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open in-memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMapping(packetID uint32, eventID string) *models.MessageMapping {
	return &models.MessageMapping{
		MeshPacketID:  packetID,
		ChatEventID:   id.EventID(eventID),
		ChatRoomID:    "!room:example.org",
		MeshChannel:   2,
		MeshnetOrigin: "testnet",
		Snippet:       "hello",
	}
}

func TestStoreAndLookup(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	m := testMapping(0xdeadbeef, "$event1")
	if err := s.Store(ctx, m); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	byMesh, err := s.LookupByMeshID(ctx, 0xdeadbeef)
	if err != nil {
		t.Fatalf("LookupByMeshID failed: %v", err)
	}
	if byMesh.ChatEventID != "$event1" {
		t.Errorf("chat event id: got %q, want %q", byMesh.ChatEventID, "$event1")
	}
	if byMesh.MeshnetOrigin != "testnet" {
		t.Errorf("meshnet origin: got %q, want %q", byMesh.MeshnetOrigin, "testnet")
	}

	byEvent, err := s.LookupByChatEvent(ctx, "$event1")
	if err != nil {
		t.Fatalf("LookupByChatEvent failed: %v", err)
	}
	if byEvent.MeshPacketID != 0xdeadbeef {
		t.Errorf("mesh packet id: got %#x, want %#x", byEvent.MeshPacketID, uint32(0xdeadbeef))
	}
}

func TestLookupNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.LookupByMeshID(ctx, 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("LookupByMeshID: got %v, want ErrNotFound", err)
	}
	if _, err := s.LookupByChatEvent(ctx, "$nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("LookupByChatEvent: got %v, want ErrNotFound", err)
	}
}

func TestStoreDuplicateIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	m := testMapping(7, "$dup")
	if err := s.Store(ctx, m); err != nil {
		t.Fatalf("first Store failed: %v", err)
	}
	// Same (packet, room) key again must not error.
	if err := s.Store(ctx, testMapping(7, "$dup2")); err != nil {
		t.Fatalf("second Store failed: %v", err)
	}

	got, err := s.LookupByMeshID(ctx, 7)
	if err != nil {
		t.Fatalf("LookupByMeshID failed: %v", err)
	}
	if got.ChatEventID != "$dup" {
		t.Errorf("first write should win: got %q, want %q", got.ChatEventID, "$dup")
	}
}

func TestPruneByAge(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	old := testMapping(1, "$old")
	old.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)
	if err := s.Store(ctx, old); err != nil {
		t.Fatalf("Store old failed: %v", err)
	}
	if err := s.Store(ctx, testMapping(2, "$new")); err != nil {
		t.Fatalf("Store new failed: %v", err)
	}

	removed, err := s.Prune(ctx, time.Hour, 0)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed: got %d, want 1", removed)
	}
	if _, err := s.LookupByMeshID(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("old mapping should be pruned, got %v", err)
	}
	if _, err := s.LookupByMeshID(ctx, 2); err != nil {
		t.Errorf("new mapping should survive, got %v", err)
	}
}

func TestPruneByCount(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	for i := 1; i <= 10; i++ {
		m := testMapping(uint32(i), fmt.Sprintf("$ev%d", i))
		m.CreatedAt = now.Add(time.Duration(i) * time.Second)
		if err := s.Store(ctx, m); err != nil {
			t.Fatalf("Store %d failed: %v", i, err)
		}
	}

	removed, err := s.Prune(ctx, 0, 3)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 7 {
		t.Errorf("removed: got %d, want 7", removed)
	}

	// The three newest survive.
	for i := 8; i <= 10; i++ {
		if _, err := s.LookupByMeshID(ctx, uint32(i)); err != nil {
			t.Errorf("mapping %d should survive: %v", i, err)
		}
	}
	if _, err := s.LookupByMeshID(ctx, 1); !errors.Is(err, ErrNotFound) {
		t.Errorf("oldest mapping should be pruned, got %v", err)
	}
}
