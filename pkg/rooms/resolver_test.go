// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package rooms

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/meshbridge/meshbridge/pkg/models"
)

// fakeAliasResolver maps aliases to room IDs and counts lookups.
type fakeAliasResolver struct {
	aliases map[string]id.RoomID
	calls   int
}

func (f *fakeAliasResolver) ResolveAlias(_ context.Context, alias string) (id.RoomID, error) {
	f.calls++
	if roomID, ok := f.aliases[alias]; ok {
		return roomID, nil
	}
	return "", errors.New("alias not found")
}

func testMappings() []models.RoomChannelMapping {
	return []models.RoomChannelMapping{
		{Room: "!direct:example.org", Channel: 0, RelayToMesh: true, RelayToChat: true},
		{Room: "#bridged:example.org", Channel: 2, RelayToMesh: true, RelayToChat: true},
		{Room: "!other:example.org", Channel: 2, RelayToMesh: false, RelayToChat: true},
		{Room: "!alerts:example.org", Channel: 3, RelayToMesh: false, RelayToChat: true, BroadcastDetections: true},
	}
}

func newTestResolver(t *testing.T, aliases *fakeAliasResolver) *Resolver {
	t.Helper()
	r := NewResolver(testMappings(), aliases, zerolog.Nop())
	t.Cleanup(r.Stop)
	return r
}

func TestResolveDirectRoomID(t *testing.T) {
	t.Parallel()
	fake := &fakeAliasResolver{}
	r := newTestResolver(t, fake)

	roomID, err := r.Resolve(context.Background(), "!direct:example.org")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if roomID != "!direct:example.org" {
		t.Errorf("room id: got %q", roomID)
	}
	if fake.calls != 0 {
		t.Errorf("direct room IDs must not hit the alias resolver, got %d calls", fake.calls)
	}
}

func TestResolveAliasCached(t *testing.T) {
	t.Parallel()
	fake := &fakeAliasResolver{aliases: map[string]id.RoomID{
		"#bridged:example.org": "!bridged:example.org",
	}}
	r := newTestResolver(t, fake)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		roomID, err := r.Resolve(ctx, "#bridged:example.org")
		if err != nil {
			t.Fatalf("Resolve %d failed: %v", i, err)
		}
		if roomID != "!bridged:example.org" {
			t.Errorf("room id: got %q", roomID)
		}
	}
	if fake.calls != 1 {
		t.Errorf("alias resolver calls: got %d, want 1 (cached)", fake.calls)
	}
}

func TestResolveUnknownAlias(t *testing.T) {
	t.Parallel()
	fake := &fakeAliasResolver{}
	r := newTestResolver(t, fake)

	_, err := r.Resolve(context.Background(), "#missing:example.org")
	var resErr *models.ResolutionError
	if !errors.As(err, &resErr) {
		t.Fatalf("got %v, want ResolutionError", err)
	}
	if resErr.Target != "#missing:example.org" {
		t.Errorf("target: got %q", resErr.Target)
	}

	// Failure is not cached; the next call tries again.
	_, _ = r.Resolve(context.Background(), "#missing:example.org")
	if fake.calls != 2 {
		t.Errorf("alias resolver calls: got %d, want 2 (no negative caching)", fake.calls)
	}
}

func TestChannelForRoom(t *testing.T) {
	t.Parallel()
	fake := &fakeAliasResolver{aliases: map[string]id.RoomID{
		"#bridged:example.org": "!bridged:example.org",
	}}
	r := newTestResolver(t, fake)
	ctx := context.Background()

	ch, ok := r.ChannelForRoom(ctx, "!direct:example.org")
	if !ok || ch != 0 {
		t.Errorf("direct room: got (%d, %v), want (0, true)", ch, ok)
	}

	// relay_to_mesh disabled means not relay-eligible.
	if _, ok := r.ChannelForRoom(ctx, "!other:example.org"); ok {
		t.Error("room with relay_to_mesh=false should not map to a channel")
	}
}

func TestChannelForRoomResolvesAliasLazily(t *testing.T) {
	t.Parallel()
	fake := &fakeAliasResolver{aliases: map[string]id.RoomID{
		"#bridged:example.org": "!bridged:example.org",
	}}
	r := newTestResolver(t, fake)
	ctx := context.Background()

	// First lookup of an alias-mapped room misses the index and triggers
	// resolution, so chat traffic in that room maps without waiting for a
	// mesh packet to resolve the alias first.
	ch, ok := r.ChannelForRoom(ctx, "!bridged:example.org")
	if !ok || ch != 2 {
		t.Fatalf("alias-mapped room: got (%d, %v), want (2, true)", ch, ok)
	}
	if fake.calls != 1 {
		t.Errorf("alias resolver calls: got %d, want 1", fake.calls)
	}

	// Subsequent lookups hit the index, not the homeserver.
	if _, ok := r.ChannelForRoom(ctx, "!bridged:example.org"); !ok {
		t.Error("resolved alias room should stay mapped")
	}
	if fake.calls != 1 {
		t.Errorf("alias resolver calls after reuse: got %d, want 1 (indexed)", fake.calls)
	}
}

func TestChannelForRoomAliasSurvivesUpdate(t *testing.T) {
	t.Parallel()
	fake := &fakeAliasResolver{aliases: map[string]id.RoomID{
		"#bridged:example.org": "!bridged:example.org",
	}}
	r := newTestResolver(t, fake)
	ctx := context.Background()

	if _, ok := r.ChannelForRoom(ctx, "!bridged:example.org"); !ok {
		t.Fatal("alias-mapped room should resolve")
	}

	// Update wipes the index; the cached resolution re-indexes it.
	r.Update(testMappings())
	ch, ok := r.ChannelForRoom(ctx, "!bridged:example.org")
	if !ok || ch != 2 {
		t.Errorf("alias-mapped room after Update: got (%d, %v), want (2, true)", ch, ok)
	}
	if fake.calls != 1 {
		t.Errorf("alias resolver calls: got %d, want 1 (served from cache)", fake.calls)
	}
}

func TestRoomsForChannelFanOut(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, &fakeAliasResolver{})

	rooms := r.RoomsForChannel(2)
	if len(rooms) != 2 {
		t.Fatalf("fan-out rooms: got %d, want 2", len(rooms))
	}
	if rooms := r.RoomsForChannel(9); len(rooms) != 0 {
		t.Errorf("unmapped channel should have no rooms, got %d", len(rooms))
	}
}

func TestDetectionsEnabled(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, &fakeAliasResolver{})

	if !r.DetectionsEnabled(3) {
		t.Error("channel 3 should have detections enabled")
	}
	if r.DetectionsEnabled(2) {
		t.Error("channel 2 should have detections disabled")
	}
}

func TestAdminUpdateReplacesTable(t *testing.T) {
	t.Parallel()
	r := newTestResolver(t, &fakeAliasResolver{})

	r.Update([]models.RoomChannelMapping{
		{Room: "!fresh:example.org", Channel: 5, RelayToMesh: true, RelayToChat: true},
	})

	ctx := context.Background()
	if _, ok := r.ChannelForRoom(ctx, "!direct:example.org"); ok {
		t.Error("old mapping should be gone after Update")
	}
	ch, ok := r.ChannelForRoom(ctx, "!fresh:example.org")
	if !ok || ch != 5 {
		t.Errorf("new mapping: got (%d, %v), want (5, true)", ch, ok)
	}
}
