package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role is the closed set of authors a message can have.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleData      Role = "data"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleData:
		return true
	default:
		return false
	}
}

// ParseRole converts a raw string into a Role.
func ParseRole(raw string) (Role, error) {
	role := Role(raw)
	if !role.Valid() {
		return "", fmt.Errorf("unknown message role %q", raw)
	}
	return role, nil
}

// UnmarshalJSON rejects roles outside the closed set.
func (r *Role) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	role, err := ParseRole(raw)
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// Attachment references an uploaded file the model should read.
type Attachment struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url"`
}

// Message is one immutable turn inside a chat.
type Message struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chatId,omitempty"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// UnmarshalJSON accepts the browser SDK's experimental_attachments alias and
// guarantees a non-nil attachment list.
func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	var wire struct {
		plain
		ExperimentalAttachments []Attachment `json:"experimental_attachments"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*m = Message(wire.plain)
	if len(m.Attachments) == 0 && len(wire.ExperimentalAttachments) > 0 {
		m.Attachments = wire.ExperimentalAttachments
	}
	m.Attachments = NormalizeAttachments(m.Attachments)
	return nil
}

// HasAttachments reports whether the message references any file.
func (m Message) HasAttachments() bool {
	return len(m.Attachments) > 0
}

// NormalizeAttachments returns a non-nil slice.
func NormalizeAttachments(items []Attachment) []Attachment {
	if items == nil {
		return []Attachment{}
	}
	return items
}

// Placeholder is the record a freshly created chat holds until its first
// exchange is saved.
func Placeholder(id, chatID string, createdAt time.Time) Message {
	return Message{
		ID:          id,
		ChatID:      chatID,
		Role:        RoleUser,
		Content:     "",
		Attachments: []Attachment{},
		CreatedAt:   createdAt,
	}
}

// IsPlaceholderHistory reports whether a loaded history represents an empty
// chat: nothing at all, or the single empty placeholder record.
func IsPlaceholderHistory(history []Message) bool {
	switch len(history) {
	case 0:
		return true
	case 1:
		only := history[0]
		return only.Content == "" && !only.HasAttachments()
	default:
		return false
	}
}
