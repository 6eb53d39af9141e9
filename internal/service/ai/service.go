package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/gemish/backend/internal/model/chat"
)

// Service routes generation requests to one compiled chain per variant.
type Service struct {
	chains   map[Variant]compose.Runnable[map[string]any, *schema.Message]
	fallback Variant
	logger   *slog.Logger
}

// NewService compiles a prompt + chat model chain for every entry in models.
// defaultVariant answers requests that name no model and must be present.
func NewService(ctx context.Context, models map[Variant]model.BaseChatModel, defaultVariant Variant, logger *slog.Logger) (*Service, error) {
	if len(models) == 0 {
		return nil, errors.New("at least one model variant is required")
	}
	if _, ok := models[defaultVariant]; !ok {
		return nil, fmt.Errorf("%w: default variant %q has no model", ErrUnsupportedModel, defaultVariant)
	}
	if logger == nil {
		logger = slog.Default()
	}

	chains := make(map[Variant]compose.Runnable[map[string]any, *schema.Message], len(models))
	for variant, chatModel := range models {
		if chatModel == nil {
			return nil, fmt.Errorf("variant %q has a nil model", variant)
		}

		promptTemplate := prompt.FromMessages(
			schema.FString,
			schema.SystemMessage("{system}"),
			schema.MessagesPlaceholder("history", false),
		)

		chain := compose.NewChain[map[string]any, *schema.Message]()
		chain.AppendChatTemplate(promptTemplate)
		chain.AppendChatModel(chatModel)

		runnable, err := chain.Compile(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to compile %s chain: %w", variant, err)
		}
		chains[variant] = runnable
	}

	return &Service{
		chains:   chains,
		fallback: defaultVariant,
		logger:   logger.With(slog.String("component", "ai")),
	}, nil
}

// DefaultVariant is used when the client names no model.
func (s *Service) DefaultVariant() Variant {
	return s.fallback
}

// Supports reports whether a chain is configured for v.
func (s *Service) Supports(v Variant) bool {
	_, ok := s.chains[v]
	return ok
}

// Generate opens a fragment stream for history under the given system
// instruction. An unknown variant fails before any provider call.
func (s *Service) Generate(ctx context.Context, history []chat.Message, variant Variant, system string) (*Stream, error) {
	runnable, ok := s.chains[variant]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, variant)
	}

	input := map[string]any{
		"system":  system,
		"history": ToSchemaMessages(history),
	}

	reader, err := runnable.Stream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to stream %s chain output: %w", variant, err)
	}

	s.logger.Debug("generation started", slog.String("variant", string(variant)), slog.Int("messages", len(history)))
	return NewStream(reader), nil
}
