// Package relay runs one chat turn: it validates the request, reconciles the
// incoming message with stored history, streams the model's answer to the
// client and persists the finished exchange whether or not the client stayed.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/zhouzirui/gemish/backend/internal/auth"
	"github.com/zhouzirui/gemish/backend/internal/model/chat"
	"github.com/zhouzirui/gemish/backend/internal/observability"
	"github.com/zhouzirui/gemish/backend/internal/service/ai"
)

var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrNotFound           = errors.New("chat not found")
	ErrUpstreamFailure    = errors.New("upstream failure")
	ErrPersistenceFailure = errors.New("persistence failure")
)

// DefaultSystemPrompt is the instruction every turn is generated under.
const DefaultSystemPrompt = "You are a helpful assistant. Respond to the user in Markdown format."

// genericErrorMessage is all a client learns about an upstream failure.
const genericErrorMessage = "An error occurred."

// MessageStore is the persistence collaborator.
type MessageStore interface {
	CheckOwnership(ctx context.Context, chatID, userID string) (bool, error)
	LoadHistory(ctx context.Context, chatID string) ([]chat.Message, error)
	SaveExchange(ctx context.Context, chatID, userID string, messages []chat.Message) error
}

// Generator is the model provider collaborator.
type Generator interface {
	Generate(ctx context.Context, history []chat.Message, variant ai.Variant, system string) (*ai.Stream, error)
	DefaultVariant() ai.Variant
	Supports(variant ai.Variant) bool
}

// Config tunes a Relay.
type Config struct {
	SystemPrompt   string
	SmoothDelay    time.Duration
	MaxDuration    time.Duration
	PersistTimeout time.Duration
}

// DefaultConfig mirrors the production settings.
func DefaultConfig() Config {
	return Config{
		SystemPrompt:   DefaultSystemPrompt,
		SmoothDelay:    20 * time.Millisecond,
		MaxDuration:    30 * time.Second,
		PersistTimeout: 10 * time.Second,
	}
}

// TurnRequest is the body of POST /api/ai.
type TurnRequest struct {
	ChatID  string        `json:"id" validate:"required"`
	Message *chat.Message `json:"message" validate:"required"`
	Model   string        `json:"model"`
}

// Relay executes turns. It is safe for concurrent use.
type Relay struct {
	store    MessageStore
	models   Generator
	cfg      Config
	validate *validator.Validate
	logger   *slog.Logger
	metrics  *observability.Metrics
	wg       sync.WaitGroup
	now      func() time.Time
	newID    func() (string, error)
}

// New wires a relay. metrics may be nil.
func New(store MessageStore, models Generator, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Relay {
	defaults := DefaultConfig()
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = defaults.SystemPrompt
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = defaults.MaxDuration
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaults.PersistTimeout
	}
	if cfg.SmoothDelay < 0 {
		cfg.SmoothDelay = 0
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Relay{
		store:    store,
		models:   models,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.With(slog.String("component", "relay")),
		metrics:  metrics,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    NewMessageID,
	}
}

type turn struct {
	chatID  string
	userID  string
	merged  []chat.Message
	variant ai.Variant
}

// HandleTurn validates req, prepares the model context and starts the
// background task. Errors returned here happen before any byte is streamed.
func (r *Relay) HandleTurn(ctx context.Context, req TurnRequest, principal *auth.Principal) (*Exchange, error) {
	if err := r.validate.Struct(req); err != nil {
		r.metrics.Rejected("invalid")
		return nil, fmt.Errorf("%w: message and chat id are required: %v", ErrInvalidRequest, err)
	}
	if principal == nil || principal.UserID == "" {
		r.metrics.Rejected("unauthenticated")
		return nil, ErrUnauthenticated
	}

	owned, err := r.store.CheckOwnership(ctx, req.ChatID, principal.UserID)
	if err != nil {
		r.metrics.Rejected("persistence")
		return nil, fmt.Errorf("%w: check ownership: %v", ErrPersistenceFailure, err)
	}
	if !owned {
		r.metrics.Rejected("not_found")
		return nil, ErrNotFound
	}

	history, err := r.store.LoadHistory(ctx, req.ChatID)
	if err != nil {
		r.metrics.Rejected("persistence")
		return nil, fmt.Errorf("%w: load history: %v", ErrPersistenceFailure, err)
	}
	if chat.IsPlaceholderHistory(history) {
		history = nil
	}

	merged := MergeHistory(history, r.normalizeIncoming(req.ChatID, *req.Message, history))

	variant, err := SelectVariant(merged, req.Model, r.models.DefaultVariant())
	if err == nil && !r.models.Supports(variant) {
		err = fmt.Errorf("%w: %q", ai.ErrUnsupportedModel, variant)
	}
	if err != nil {
		r.metrics.Rejected("unsupported_model")
		return nil, err
	}

	messageID, err := r.newID()
	if err != nil {
		return nil, err
	}

	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.MaxDuration)
	stream, err := r.models.Generate(taskCtx, merged, variant, r.cfg.SystemPrompt)
	if err != nil {
		cancel()
		if errors.Is(err, ai.ErrUnsupportedModel) {
			r.metrics.Rejected("unsupported_model")
			return nil, err
		}
		r.metrics.Rejected("upstream")
		r.logger.Error("failed to start generation",
			slog.String("chat_id", req.ChatID),
			slog.String("variant", string(variant)),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
	}

	x := newExchange(messageID)
	r.wg.Add(1)
	r.metrics.TurnStarted()
	go r.run(taskCtx, cancel, x, stream, turn{
		chatID:  req.ChatID,
		userID:  principal.UserID,
		merged:  merged,
		variant: variant,
	})
	return x, nil
}

// Wait blocks until every background task finished or ctx is done.
func (r *Relay) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// normalizeIncoming stamps the client's message with server time, never
// earlier than the stored history, so reloads keep the order the model saw.
// An id that would collide with a stored message other than a replaceable
// trailing user message is reassigned.
func (r *Relay) normalizeIncoming(chatID string, msg chat.Message, history []chat.Message) chat.Message {
	if msg.ID == "" || (hasID(history, msg.ID) && !replaceable(history, msg.ID)) {
		msg.ID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = chat.RoleUser
	}
	msg.CreatedAt = r.now()
	if n := len(history); n > 0 && msg.CreatedAt.Before(history[n-1].CreatedAt) {
		msg.CreatedAt = history[n-1].CreatedAt
	}
	msg.ChatID = chatID
	msg.Attachments = chat.NormalizeAttachments(msg.Attachments)
	return msg
}

func (r *Relay) run(ctx context.Context, cancel context.CancelFunc, x *Exchange, stream *ai.Stream, t turn) {
	started := time.Now()
	outcome := observability.OutcomeCompleted
	defer func() {
		cancel()
		r.metrics.TurnFinished(string(t.variant), outcome, time.Since(started))
		close(x.done)
		r.wg.Done()
	}()

	logger := r.logger.With(
		slog.String("chat_id", t.chatID),
		slog.String("message_id", x.messageID),
		slog.String("variant", string(t.variant)),
	)

	x.emit(Event{Type: EventStart})

	text, meta, err := r.relayStream(ctx, x, stream, started)
	if err != nil {
		outcome = observability.OutcomeUpstreamFailure
		x.err = fmt.Errorf("%w: %v", ErrUpstreamFailure, err)
		logger.Error("generation failed", slog.String("error", err.Error()))
		x.emit(Event{Type: EventError, Error: genericErrorMessage})
		x.closeEvents()
		r.noteDetach(x, logger)
		return
	}

	usage := Usage{PromptTokens: meta.PromptTokens, CompletionTokens: meta.CompletionTokens}
	x.emit(Event{Type: EventFinishStep, FinishReason: meta.FinishReason, Usage: usage})
	x.emit(Event{Type: EventFinish, FinishReason: meta.FinishReason, Usage: usage})
	x.closeEvents()
	r.noteDetach(x, logger)

	createdAt := r.now()
	if n := len(t.merged); n > 0 && createdAt.Before(t.merged[n-1].CreatedAt) {
		createdAt = t.merged[n-1].CreatedAt
	}
	messages := make([]chat.Message, 0, len(t.merged)+1)
	messages = append(messages, t.merged...)
	messages = append(messages, chat.Message{
		ID:          x.messageID,
		ChatID:      t.chatID,
		Role:        chat.RoleAssistant,
		Content:     text,
		Attachments: []chat.Attachment{},
		CreatedAt:   createdAt,
	})

	saveCtx, cancelSave := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.PersistTimeout)
	defer cancelSave()
	if err := r.store.SaveExchange(saveCtx, t.chatID, t.userID, messages); err != nil {
		outcome = observability.OutcomePersistFailure
		x.err = fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
		logger.Error("failed to persist exchange", slog.String("error", err.Error()))
		return
	}
	logger.Debug("exchange persisted", slog.Int("messages", len(messages)))
}

// relayStream forwards fragments in provider order and returns the full
// assistant text. The provider is drained by its own goroutine under the
// execution budget; pacing only delays delivery and stops once the budget
// is spent.
func (r *Relay) relayStream(ctx context.Context, x *Exchange, stream *ai.Stream, started time.Time) (string, ai.Meta, error) {
	q := newFragmentQueue()
	go r.consume(ctx, stream, q, started)

	var (
		text     strings.Builder
		smoother Smoother
	)
	for {
		frag, err := q.next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", ai.Meta{}, err
		}

		switch frag.Kind {
		case ai.FragmentText:
			text.WriteString(frag.Text)
			for _, chunk := range smoother.Push(frag.Text) {
				r.emitText(ctx, x, chunk)
			}
		case ai.FragmentReasoning:
			r.flush(ctx, x, &smoother)
			x.emit(Event{Type: EventReasoning, Text: frag.Text})
		case ai.FragmentSource:
			r.flush(ctx, x, &smoother)
			x.emit(Event{Type: EventSource, Source: frag.Source})
		}
	}
	r.flush(ctx, x, &smoother)
	return text.String(), q.result(), nil
}

// consume reads the provider stream to its end.
func (r *Relay) consume(ctx context.Context, stream *ai.Stream, q *fragmentQueue, started time.Time) {
	first := true
	for {
		frag, err := stream.Recv()
		if err != nil {
			stream.Close()
			if errors.Is(err, io.EOF) {
				q.finish(io.EOF, stream.Meta())
				return
			}
			if ctx.Err() != nil {
				err = fmt.Errorf("execution budget exceeded: %w", err)
			}
			q.finish(err, ai.Meta{})
			return
		}
		if first {
			r.metrics.FirstFragment(time.Since(started))
			first = false
		}
		r.metrics.Fragment(string(frag.Kind))
		q.push(frag)
	}
}

func (r *Relay) emitText(ctx context.Context, x *Exchange, chunk string) {
	if x.emit(Event{Type: EventText, Text: chunk}) {
		x.pause(ctx, r.cfg.SmoothDelay)
	}
}

func (r *Relay) flush(ctx context.Context, x *Exchange, s *Smoother) {
	if rest := s.Flush(); rest != "" {
		r.emitText(ctx, x, rest)
	}
}

func (r *Relay) noteDetach(x *Exchange, logger *slog.Logger) {
	if x.dropped.Load() {
		r.metrics.ClientDetached()
		logger.Info("client detached before the stream ended")
	}
}
