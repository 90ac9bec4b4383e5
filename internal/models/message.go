package models

import "time"

// Message represents an individual communication entry within a chat. Assistant messages store the
// combined text of the response, so reasoning is kept inside <thinking> delimiters in Content.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents a model response.
	RoleAssistant Role = "assistant"
	// RoleSystem represents an instruction to the model. System messages are built per request and
	// are never shown in the conversation.
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Chunk is a piece of streamed model output. Channel 0 carries answer text, any other channel carries
// reasoning text.
type Chunk struct {
	Channel int
	Text    string
}
