package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/gemish/backend/internal/model/chat"
	"github.com/zhouzirui/gemish/backend/internal/store"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "data", "gemish.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateChatSeedsPlaceholder(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	now := time.Now().UTC()

	session := chat.Session{ID: "c1", UserID: "u1", CreatedAt: now}
	require.NoError(t, s.CreateChat(ctx, session, chat.Placeholder("p1", "c1", now)))
	assert.ErrorIs(t, s.CreateChat(ctx, session, chat.Placeholder("p2", "c1", now)), store.ErrChatExists)

	got, err := s.GetChat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.True(t, got.CreatedAt.Equal(now))

	history, err := s.LoadMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, chat.IsPlaceholderHistory(history))
}

func TestReplaceMessagesRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	now := time.Now().UTC()
	require.NoError(t, s.CreateChat(ctx, chat.Session{ID: "c1", UserID: "u1", CreatedAt: now}, chat.Placeholder("p1", "c1", now)))

	msgs := []chat.Message{
		{
			ID: "m1", Role: chat.RoleUser, Content: "what is in this picture?", CreatedAt: now,
			Attachments: []chat.Attachment{{Name: "cat.png", ContentType: "image/png", URL: "https://files.example/cat.png"}},
		},
		{ID: "m2", Role: chat.RoleAssistant, Content: "A cat.", CreatedAt: now},
	}
	require.NoError(t, s.ReplaceMessages(ctx, "c1", "u1", msgs))

	history, err := s.LoadMessages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	// identical timestamps fall back to insertion order
	assert.Equal(t, "m1", history[0].ID)
	assert.Equal(t, "m2", history[1].ID)
	assert.Equal(t, msgs[0].Attachments, history[0].Attachments)
	assert.NotNil(t, history[1].Attachments)
	assert.Equal(t, "c1", history[1].ChatID)
}

func TestReplaceMessagesRejectsForeignOwner(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	now := time.Now().UTC()
	require.NoError(t, s.CreateChat(ctx, chat.Session{ID: "c1", UserID: "u1", CreatedAt: now}, chat.Placeholder("p1", "c1", now)))

	msgs := []chat.Message{{ID: "m1", Role: chat.RoleUser, Content: "hi", CreatedAt: now}}
	assert.ErrorIs(t, s.ReplaceMessages(ctx, "c1", "u2", msgs), store.ErrNotOwner)
	assert.ErrorIs(t, s.ReplaceMessages(ctx, "missing", "u1", msgs), store.ErrChatNotFound)

	history, err := s.LoadMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "p1", history[0].ID)
}

func TestListAndOwnership(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	base := time.Now().UTC()

	for i, id := range []string{"a", "b"} {
		at := base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.CreateChat(ctx, chat.Session{ID: id, UserID: "u1", CreatedAt: at}, chat.Placeholder("p"+id, id, at)))
	}

	sessions, err := s.ListChats(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "b", sessions[0].ID)

	ids, err := s.OwnedChatIDs(ctx, "u1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, ids)

	ids, err = s.OwnedChatIDs(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = s.GetChat(ctx, "zzz")
	assert.ErrorIs(t, err, store.ErrChatNotFound)
}

func TestInMemoryDatabase(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	now := time.Now().UTC()
	require.NoError(t, s.CreateChat(context.Background(), chat.Session{ID: "c1", UserID: "u1", CreatedAt: now}, chat.Placeholder("p1", "c1", now)))
	_, err = s.LoadMessages(context.Background(), "c1")
	require.NoError(t, err)
}
