// Package memory keeps chats in process memory. It backs tests and
// single-instance development runs.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/zhouzirui/gemish/backend/internal/model/chat"
	"github.com/zhouzirui/gemish/backend/internal/store"
)

// Store implements store.Repository with maps guarded by a RWMutex.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]chat.Session
	messages map[string][]chat.Message
}

// New bootstraps an empty in-memory store.
func New() *Store {
	return &Store{
		sessions: make(map[string]chat.Session),
		messages: make(map[string][]chat.Message),
	}
}

var _ store.Repository = (*Store)(nil)

// CreateChat provisions a chat owned by session.UserID.
func (s *Store) CreateChat(_ context.Context, session chat.Session, placeholder chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return store.ErrChatExists
	}

	s.sessions[session.ID] = session
	s.messages[session.ID] = []chat.Message{placeholder}
	return nil
}

// GetChat retrieves a chat by identifier.
func (s *Store) GetChat(_ context.Context, chatID string) (chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[chatID]
	if !ok {
		return chat.Session{}, store.ErrChatNotFound
	}
	return session, nil
}

// ListChats returns the user's chats, newest first.
func (s *Store) ListChats(_ context.Context, userID string) ([]chat.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]chat.Session, 0)
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// OwnedChatIDs lists the ids of every chat userID owns.
func (s *Store) OwnedChatIDs(ctx context.Context, userID string) ([]string, error) {
	sessions, err := s.ListChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(sessions))
	for _, session := range sessions {
		ids = append(ids, session.ID)
	}
	return ids, nil
}

// LoadMessages returns a copy of the stored history.
func (s *Store) LoadMessages(_ context.Context, chatID string) ([]chat.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[chatID]
	if !ok {
		return nil, store.ErrChatNotFound
	}
	return store.Ordered(messages), nil
}

// ReplaceMessages swaps the chat's message list for a copy of messages.
func (s *Store) ReplaceMessages(_ context.Context, chatID, userID string, messages []chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[chatID]
	if !ok {
		return store.ErrChatNotFound
	}
	if session.UserID != userID {
		return store.ErrNotOwner
	}

	copied := make([]chat.Message, len(messages))
	for i, msg := range messages {
		msg.ChatID = chatID
		msg.Attachments = chat.NormalizeAttachments(msg.Attachments)
		copied[i] = msg
	}
	s.messages[chatID] = copied
	return nil
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}
