// Copyright 2025-2026 Meshbridge Contributors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"fmt"
	"html"
	"strings"
	"text/template"
	"unicode/utf8"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/meshbridge/meshbridge/pkg/models"
)

const (
	defaultChatToMeshTemplate = "[{{ .Sender }}] {{ .Message }}"
	defaultMeshToChatTemplate = "[{{ .Sender }}/{{ .Meshnet }}]: {{ .Message }}"

	// ellipsis replaces the tail of truncated mesh payloads.
	ellipsis = "…"
)

// meshEventContent is a message event stamped with the bridge's custom
// content keys so other bridge instances can recognize relayed traffic.
type meshEventContent struct {
	event.MessageEventContent
	MeshnetName  string `json:"com.meshbridge.meshnet,omitempty"`
	MeshPacketID uint32 `json:"com.meshbridge.packet_id,omitempty"`
}

type formatParams struct {
	Sender  string
	Meshnet string
	Message string
}

// Formatter renders relayed content in both directions using configurable
// label templates.
type Formatter struct {
	chatToMesh *template.Template
	meshToChat *template.Template
	maxMeshLen int
}

// NewFormatter compiles the label templates. Empty template strings use the
// defaults.
func NewFormatter(chatToMesh, meshToChat string, maxMeshLen int) (*Formatter, error) {
	if chatToMesh == "" {
		chatToMesh = defaultChatToMeshTemplate
	}
	if meshToChat == "" {
		meshToChat = defaultMeshToChatTemplate
	}
	if maxMeshLen <= 0 {
		maxMeshLen = 200
	}

	ctm, err := template.New("chat_to_mesh").Parse(chatToMesh)
	if err != nil {
		return nil, fmt.Errorf("chat_to_mesh template: %w", err)
	}
	mtc, err := template.New("mesh_to_chat").Parse(meshToChat)
	if err != nil {
		return nil, fmt.Errorf("mesh_to_chat template: %w", err)
	}
	return &Formatter{chatToMesh: ctm, meshToChat: mtc, maxMeshLen: maxMeshLen}, nil
}

// ChatToMesh renders a chat message as mesh text, truncated to the radio
// payload budget.
func (f *Formatter) ChatToMesh(sender, message string) (string, error) {
	var sb strings.Builder
	err := f.chatToMesh.Execute(&sb, formatParams{Sender: sender, Message: message})
	if err != nil {
		return "", fmt.Errorf("rendering mesh text: %w", err)
	}
	return TruncateUTF8(sb.String(), f.maxMeshLen), nil
}

// MeshToChat renders a mesh packet as Matrix message content carrying the
// bridge tags. The HTML body bolds the attribution label.
func (f *Formatter) MeshToChat(pkt *models.MeshPacket, meshnet string) (*meshEventContent, error) {
	var sb strings.Builder
	err := f.meshToChat.Execute(&sb, formatParams{
		Sender:  pkt.FromName,
		Meshnet: meshnet,
		Message: pkt.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("rendering chat body: %w", err)
	}
	body := sb.String()

	content := &meshEventContent{
		MessageEventContent: event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    body,
		},
		MeshnetName:  meshnet,
		MeshPacketID: pkt.PacketID,
	}

	label, rest, found := strings.Cut(body, ": ")
	if found {
		content.Format = event.FormatHTML
		content.FormattedBody = "<b>" + html.EscapeString(label) + ":</b> " + html.EscapeString(rest)
	}
	return content, nil
}

// AsReply threads the content onto an earlier chat event.
func (c *meshEventContent) AsReply(parent id.EventID) {
	c.RelatesTo = &event.RelatesTo{
		InReplyTo: &event.InReplyTo{EventID: parent},
	}
}

// TruncateUTF8 shortens s to at most max bytes without splitting a rune,
// marking the cut with an ellipsis.
func TruncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	budget := max - len(ellipsis)
	if budget <= 0 {
		return ""
	}
	for budget > 0 && !utf8.RuneStart(s[budget]) {
		budget--
	}
	return s[:budget] + ellipsis
}
