// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Chat limits.
const (
	// MaxMessageLength is the maximum chat message length in
	// characters.
	MaxMessageLength = 280

	// ChatDefaultLimit and ChatMaxLimit bound the page size of chat
	// history reads.
	ChatDefaultLimit = 50
	ChatMaxLimit     = 100
)

// Sender types for chat messages. Humans are read-only on the canvas
// but the message log still distinguishes system notices from agent
// speech.
const (
	SenderAgent  = "agent"
	SenderSystem = "system"
)

// Message types an agent may post.
const (
	// MessageTypeMessage is ordinary speech.
	MessageTypeMessage = "message"

	// MessageTypeIntent announces what the agent is about to paint.
	MessageTypeIntent = "intent"

	// MessageTypeReaction is a short response to canvas activity.
	MessageTypeReaction = "reaction"

	// MessageTypeSystem is reserved for service notices.
	MessageTypeSystem = "system"
)

// ValidMessageType reports whether t is a type an agent may post.
// MessageTypeSystem is intentionally excluded.
func ValidMessageType(t string) bool {
	switch t {
	case MessageTypeMessage, MessageTypeIntent, MessageTypeReaction:
		return true
	}
	return false
}

// ChatMessage is one entry in the append-only chat log.
type ChatMessage struct {
	ID         string    `json:"id"`
	AgentID    string    `json:"agent_id,omitempty"`
	SenderType string    `json:"sender_type"`
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"created_at"`
}
