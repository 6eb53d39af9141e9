// Package store defines the persistence contract for chats and their ordered
// message lists. Backends live in the sub-packages.
package store

import (
	"context"
	"errors"
	"sort"

	"github.com/zhouzirui/gemish/backend/internal/model/chat"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrChatExists   = errors.New("chat already exists")
	ErrNotOwner     = errors.New("chat is owned by another user")
)

// Repository is implemented by every storage backend.
type Repository interface {
	// CreateChat stores a new chat together with its placeholder record.
	CreateChat(ctx context.Context, session chat.Session, placeholder chat.Message) error
	// GetChat returns ErrChatNotFound when the chat does not exist.
	GetChat(ctx context.Context, chatID string) (chat.Session, error)
	// ListChats returns the user's chats, newest first.
	ListChats(ctx context.Context, userID string) ([]chat.Session, error)
	// OwnedChatIDs returns every chat id owned by userID.
	OwnedChatIDs(ctx context.Context, userID string) ([]string, error)
	// LoadMessages returns the chat's messages ordered by creation time, ties
	// broken by insertion sequence.
	LoadMessages(ctx context.Context, chatID string) ([]chat.Message, error)
	// ReplaceMessages overwrites the chat's full message list. The chat must
	// exist and belong to userID.
	ReplaceMessages(ctx context.Context, chatID, userID string, messages []chat.Message) error
	Close() error
}

// Ordered returns a copy of messages sorted by creation time. The sort is
// stable, so the incoming slice order acts as the insertion sequence.
func Ordered(messages []chat.Message) []chat.Message {
	out := make([]chat.Message, len(messages))
	copy(out, messages)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
