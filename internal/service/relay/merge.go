package relay

import (
	"github.com/zhouzirui/gemish/backend/internal/model/chat"
	"github.com/zhouzirui/gemish/backend/internal/service/ai"
)

// MergeHistory appends incoming to history and returns a fresh slice. When
// the last stored message is a user message with the same id (the client
// resent it) that entry is replaced instead. history is never modified.
func MergeHistory(history []chat.Message, incoming chat.Message) []chat.Message {
	merged := make([]chat.Message, 0, len(history)+1)
	merged = append(merged, history...)
	if replaceable(merged, incoming.ID) {
		merged[len(merged)-1] = incoming
		return merged
	}
	return append(merged, incoming)
}

// replaceable reports whether id names the trailing user message.
func replaceable(history []chat.Message, id string) bool {
	n := len(history)
	return n > 0 && history[n-1].ID == id && history[n-1].Role == chat.RoleUser
}

func hasID(history []chat.Message, id string) bool {
	for _, msg := range history {
		if msg.ID == id {
			return true
		}
	}
	return false
}

// SelectVariant applies the routing policy: any attachment in the context
// forces the normal variant, an empty request uses fallback, anything else
// must name a known variant.
func SelectVariant(merged []chat.Message, requested string, fallback ai.Variant) (ai.Variant, error) {
	for _, msg := range merged {
		if msg.HasAttachments() {
			return ai.VariantNormal, nil
		}
	}
	if requested == "" {
		return fallback, nil
	}
	return ai.ParseVariant(requested)
}
