// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/meshbridge/meshbridge/pkg/models"
)

func TestChatToMeshFormatting(t *testing.T) {
	t.Parallel()
	f, err := NewFormatter("", "", 200)
	if err != nil {
		t.Fatalf("NewFormatter: %v", err)
	}

	text, err := f.ChatToMesh("alice", "hello mesh")
	if err != nil {
		t.Fatalf("ChatToMesh: %v", err)
	}
	if text != "[alice] hello mesh" {
		t.Errorf("text = %q", text)
	}
}

func TestChatToMeshTruncation(t *testing.T) {
	t.Parallel()
	f, err := NewFormatter("", "", 50)
	if err != nil {
		t.Fatalf("NewFormatter: %v", err)
	}

	text, err := f.ChatToMesh("alice", strings.Repeat("x", 500))
	if err != nil {
		t.Fatalf("ChatToMesh: %v", err)
	}
	if len(text) > 50 {
		t.Errorf("len = %d, want <= 50", len(text))
	}
	if !strings.HasSuffix(text, ellipsis) {
		t.Errorf("truncated text has no ellipsis: %q", text)
	}
}

func TestMeshToChatContent(t *testing.T) {
	t.Parallel()
	f, err := NewFormatter("", "", 200)
	if err != nil {
		t.Fatalf("NewFormatter: %v", err)
	}

	pkt := &models.MeshPacket{
		PacketID: 4242,
		FromName: "Node <A>",
		Text:     "hi & bye",
	}
	content, err := f.MeshToChat(pkt, "alpha-net")
	if err != nil {
		t.Fatalf("MeshToChat: %v", err)
	}
	if content.Body != "[Node <A>/alpha-net]: hi & bye" {
		t.Errorf("body = %q", content.Body)
	}
	if !strings.Contains(content.FormattedBody, "&lt;A&gt;") || !strings.Contains(content.FormattedBody, "&amp;") {
		t.Errorf("HTML not escaped: %q", content.FormattedBody)
	}
	if content.MeshnetName != "alpha-net" || content.MeshPacketID != 4242 {
		t.Errorf("bridge tags: %+v", content)
	}
}

func TestCustomTemplates(t *testing.T) {
	t.Parallel()
	f, err := NewFormatter("{{ .Sender }}> {{ .Message }}", "{{ .Meshnet }} | {{ .Sender }}: {{ .Message }}", 200)
	if err != nil {
		t.Fatalf("NewFormatter: %v", err)
	}

	text, err := f.ChatToMesh("bob", "yo")
	if err != nil {
		t.Fatalf("ChatToMesh: %v", err)
	}
	if text != "bob> yo" {
		t.Errorf("text = %q", text)
	}
}

func TestBadTemplateRejected(t *testing.T) {
	t.Parallel()
	if _, err := NewFormatter("{{ .Sender", "", 200); err == nil {
		t.Error("unterminated template accepted")
	}
}

func TestTruncateUTF8RuneSafe(t *testing.T) {
	t.Parallel()
	// Multibyte runes must never be split mid-sequence.
	s := strings.Repeat("é", 100)
	for max := 4; max < 20; max++ {
		out := TruncateUTF8(s, max)
		if len(out) > max {
			t.Errorf("max %d: len = %d", max, len(out))
		}
		if !utf8.ValidString(out) {
			t.Errorf("max %d: invalid UTF-8 %q", max, out)
		}
	}

	if got := TruncateUTF8("short", 200); got != "short" {
		t.Errorf("short string altered: %q", got)
	}
}
