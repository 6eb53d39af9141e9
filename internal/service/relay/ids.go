package relay

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const (
	messageIDPrefix    = "msgs"
	messageIDSeparator = "_"
)

// NewMessageID returns "msgs_" followed by the 32 hex digits of a UUIDv7, so
// ids sort by creation time and need no coordination.
func NewMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate message id: %w", err)
	}
	return messageIDPrefix + messageIDSeparator + strings.ReplaceAll(id.String(), "-", ""), nil
}
