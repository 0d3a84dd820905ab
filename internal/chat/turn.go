// Package chat defines the conversation data model shared by the planner,
// executor and workflow runner. A Turn is the immutable input to one
// orchestration pass: the prior history plus the new user message,
// most-recent-last.
package chat

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// NormalizeRole maps free-form role strings onto the three canonical roles.
// Unknown values degrade to user.
func NormalizeRole(s string) Role {
	switch strings.ToLower(s) {
	case "user", "usuario":
		return RoleUser
	case "assistant", "asistente":
		return RoleAssistant
	case "system", "sistema":
		return RoleSystem
	default:
		return RoleUser
	}
}

// ImagePayload is an inline image attachment ready for a vision model.
type ImagePayload struct {
	// Data is the raw image bytes, base64-encoded for the wire.
	Data []byte `json:"data"`

	// MimeType is the declared content type (image/png, image/jpeg, ...).
	MimeType string `json:"mime_type"`
}

// Message is one entry in a conversation turn.
type Message struct {
	Role    Role           `json:"role"`
	Content string         `json:"content"`
	Images  []ImagePayload `json:"images,omitempty"`
}

// Turn is the ordered message sequence handed to the orchestrator,
// most-recent-last. The core never mutates it.
type Turn struct {
	// SessionID routes live events for this turn to the right client.
	SessionID string `json:"session_id,omitempty"`

	Messages []Message `json:"messages"`
}

// HasImages reports whether any message carries inline image payloads.
func (t Turn) HasImages() bool {
	for _, m := range t.Messages {
		if len(m.Images) > 0 {
			return true
		}
	}
	return false
}

// Text returns the concatenation of all message texts, separated by spaces.
// Used by the requirement analyzer and for cache key derivation.
func (t Turn) Text() string {
	parts := make([]string, 0, len(t.Messages))
	for _, m := range t.Messages {
		parts = append(parts, m.Content)
	}
	return strings.Join(parts, " ")
}

// Last returns the n most recent messages (fewer if the turn is shorter).
func (t Turn) Last(n int) []Message {
	if n >= len(t.Messages) {
		return t.Messages
	}
	return t.Messages[len(t.Messages)-n:]
}

// Images collects every inline image payload in turn order.
func (t Turn) Images() []ImagePayload {
	var images []ImagePayload
	for _, m := range t.Messages {
		images = append(images, m.Images...)
	}
	return images
}
