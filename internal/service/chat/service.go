package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/gemish/backend/internal/cache"
	"github.com/zhouzirui/gemish/backend/internal/model/chat"
	"github.com/zhouzirui/gemish/backend/internal/observability"
	"github.com/zhouzirui/gemish/backend/internal/store"
)

var (
	ErrUserRequired = errors.New("user id is required")
	ErrChatNotFound = store.ErrChatNotFound
	ErrChatExists   = store.ErrChatExists
)

type ownerSet map[string]struct{}

// Service is the message store used by the relay: ordered history reads and
// ownership checks served through a TTL cache, full-list replacement writes
// that invalidate the cached history.
type Service struct {
	repo    store.Repository
	history *cache.Cache[[]chat.Message]
	owners  *cache.Cache[ownerSet]
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithMetrics records cache hits and misses on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService wraps repo with caches configured by cfg.
func NewService(repo store.Repository, cfg cache.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	history, err := cache.New[[]chat.Message](cfg)
	if err != nil {
		return nil, fmt.Errorf("history cache: %w", err)
	}
	owners, err := cache.New[ownerSet](cfg)
	if err != nil {
		history.Close()
		return nil, fmt.Errorf("owner cache: %w", err)
	}

	s := &Service{
		repo:    repo,
		history: history,
		owners:  owners,
		logger:  logger.With(slog.String("component", "chat")),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// CreateChat provisions a chat for userID seeded with the empty placeholder
// record. An empty chatID is replaced by a generated one.
func (s *Service) CreateChat(ctx context.Context, userID, chatID string) (chat.Session, error) {
	if userID == "" {
		return chat.Session{}, ErrUserRequired
	}
	if chatID == "" {
		chatID = uuid.NewString()
	}

	now := s.now()
	session := chat.Session{ID: chatID, UserID: userID, CreatedAt: now}
	if err := s.repo.CreateChat(ctx, session, chat.Placeholder(uuid.NewString(), chatID, now)); err != nil {
		return chat.Session{}, err
	}

	s.owners.Invalidate(cache.OwnerKey(userID))
	s.logger.Debug("chat created", slog.String("chat_id", chatID), slog.String("user_id", userID))
	return session, nil
}

// GetChat retrieves a chat by identifier.
func (s *Service) GetChat(ctx context.Context, chatID string) (chat.Session, error) {
	return s.repo.GetChat(ctx, chatID)
}

// ListChats returns the user's chats, newest first.
func (s *Service) ListChats(ctx context.Context, userID string) ([]chat.Session, error) {
	return s.repo.ListChats(ctx, userID)
}

// CheckOwnership reports whether chatID exists and belongs to userID. A
// missing chat and a foreign chat are indistinguishable to the caller.
func (s *Service) CheckOwnership(ctx context.Context, chatID, userID string) (bool, error) {
	key := cache.OwnerKey(userID)
	owned, ok := s.owners.Get(key)
	s.metrics.CacheLookup("owner", ok)
	if ok {
		_, found := owned[chatID]
		return found, nil
	}

	version := s.owners.Version(key)
	ids, err := s.repo.OwnedChatIDs(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("load owned chats for %s: %w", userID, err)
	}

	owned = make(ownerSet, len(ids))
	for _, id := range ids {
		owned[id] = struct{}{}
	}
	s.owners.SetIfVersion(key, owned, version)

	_, found := owned[chatID]
	return found, nil
}

// LoadHistory returns the chat's ordered messages. The returned slice is a
// copy; callers may not observe or cause mutation of the cached value.
func (s *Service) LoadHistory(ctx context.Context, chatID string) ([]chat.Message, error) {
	key := cache.ChatKey(chatID)
	cached, ok := s.history.Get(key)
	s.metrics.CacheLookup("chat", ok)
	if ok {
		return cloneMessages(cached), nil
	}

	version := s.history.Version(key)
	messages, err := s.repo.LoadMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load messages for %s: %w", chatID, err)
	}
	if !s.history.SetIfVersion(key, cloneMessages(messages), version) {
		s.logger.Debug("history changed during load, not cached", slog.String("chat_id", chatID))
	}
	return messages, nil
}

// SaveExchange replaces the chat's full message list. Saving the same list
// twice leaves the store unchanged.
func (s *Service) SaveExchange(ctx context.Context, chatID, userID string, messages []chat.Message) error {
	if err := s.repo.ReplaceMessages(ctx, chatID, userID, messages); err != nil {
		return fmt.Errorf("save exchange for %s: %w", chatID, err)
	}
	s.history.Invalidate(cache.ChatKey(chatID))
	return nil
}

// Close releases the caches. The repository is owned by the caller.
func (s *Service) Close() {
	s.history.Close()
	s.owners.Close()
}

func cloneMessages(in []chat.Message) []chat.Message {
	out := make([]chat.Message, len(in))
	for i, msg := range in {
		msg.Attachments = append([]chat.Attachment{}, msg.Attachments...)
		out[i] = msg
	}
	return out
}
