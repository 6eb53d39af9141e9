// Package badger persists chats in an embedded BadgerDB key space.
//
// Layout:
//
//	chat/{chatID}                             JSON chat.Session
//	msgs/{chatID}                             JSON []chat.Message, in insertion order
//	user/{len(userID)}:{userID}/chat/{chatID} empty ownership index entry
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/zhouzirui/gemish/backend/internal/model/chat"
	"github.com/zhouzirui/gemish/backend/internal/store"
)

// Config holds configuration for the Badger-backed store.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string
	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
	// SyncWrites fsyncs each commit.
	SyncWrites bool
	// GCInterval controls value log GC. Zero disables it.
	GCInterval time.Duration
	// Logger receives Badger's internal logs. Nil silences them.
	Logger *slog.Logger
}

// Store implements store.Repository on a *badger.DB.
type Store struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

var _ store.Repository = (*Store)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Open opens the database described by cfg.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &Store{db: db, logger: cfg.Logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		s.stopGC = make(chan struct{})
		s.doneGC = make(chan struct{})
		go s.runGC(cfg.GCInterval)
	}
	return s, nil
}

// OpenInMemory opens a throwaway in-memory store.
func OpenInMemory() (*Store, error) {
	return Open(Config{InMemory: true})
}

func (s *Store) runGC(interval time.Duration) {
	defer close(s.doneGC)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopGC:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && s.logger != nil {
				s.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database.
func (s *Store) Close() error {
	if s.stopGC != nil {
		close(s.stopGC)
		<-s.doneGC
		s.stopGC = nil
	}
	return s.db.Close()
}

func chatKey(chatID string) []byte {
	return []byte("chat/" + chatID)
}

func messagesKey(chatID string) []byte {
	return []byte("msgs/" + chatID)
}

// ownerPrefix length-prefixes the user id so no id can nest under another.
func ownerPrefix(userID string) []byte {
	return []byte("user/" + strconv.Itoa(len(userID)) + ":" + userID + "/chat/")
}

func ownerKey(userID, chatID string) []byte {
	return append(ownerPrefix(userID), chatID...)
}

func getJSON(txn *badger.Txn, key []byte, out any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	})
}

func setJSON(txn *badger.Txn, key []byte, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func (s *Store) CreateChat(_ context.Context, session chat.Session, placeholder chat.Message) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(chatKey(session.ID))
		if err == nil {
			return store.ErrChatExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("lookup chat %s: %w", session.ID, err)
		}

		placeholder.ChatID = session.ID
		if err := setJSON(txn, chatKey(session.ID), session); err != nil {
			return fmt.Errorf("write chat %s: %w", session.ID, err)
		}
		if err := setJSON(txn, messagesKey(session.ID), []chat.Message{placeholder}); err != nil {
			return fmt.Errorf("write messages %s: %w", session.ID, err)
		}
		return txn.Set(ownerKey(session.UserID, session.ID), nil)
	})
}

func (s *Store) GetChat(_ context.Context, chatID string) (chat.Session, error) {
	var session chat.Session
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, chatKey(chatID), &session)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return chat.Session{}, store.ErrChatNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("read chat %s: %w", chatID, err)
	}
	return session, nil
}

func (s *Store) ListChats(_ context.Context, userID string) ([]chat.Session, error) {
	out := make([]chat.Session, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		ids, err := ownedIDs(txn, userID)
		if err != nil {
			return err
		}
		for _, id := range ids {
			var session chat.Session
			if err := getJSON(txn, chatKey(id), &session); err != nil {
				return fmt.Errorf("read chat %s: %w", id, err)
			}
			out = append(out, session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) OwnedChatIDs(_ context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		ids, err = ownedIDs(txn, userID)
		return err
	})
	return ids, err
}

func ownedIDs(txn *badger.Txn, userID string) ([]string, error) {
	prefix := ownerPrefix(userID)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix

	it := txn.NewIterator(opts)
	defer it.Close()

	ids := make([]string, 0)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, string(it.Item().Key()[len(prefix):]))
	}
	return ids, nil
}

func (s *Store) LoadMessages(_ context.Context, chatID string) ([]chat.Message, error) {
	var messages []chat.Message
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, messagesKey(chatID), &messages)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read messages %s: %w", chatID, err)
	}
	for i := range messages {
		messages[i].ChatID = chatID
	}
	return store.Ordered(messages), nil
}

func (s *Store) ReplaceMessages(_ context.Context, chatID, userID string, messages []chat.Message) error {
	return s.db.Update(func(txn *badger.Txn) error {
		var session chat.Session
		err := getJSON(txn, chatKey(chatID), &session)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return store.ErrChatNotFound
		}
		if err != nil {
			return fmt.Errorf("read chat %s: %w", chatID, err)
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
		if err := setJSON(txn, messagesKey(chatID), copied); err != nil {
			return fmt.Errorf("write messages %s: %w", chatID, err)
		}
		return nil
	})
}
