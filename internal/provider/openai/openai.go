// Package openai adapts OpenAI-compatible chat completion endpoints to eino's
// chat model interface.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	goopenai "github.com/sashabaranov/go-openai"
)

// Config describes one OpenAI-compatible model binding.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float32
	TopP        *float32
	MaxTokens   *int
}

// ChatModel implements model.BaseChatModel with go-openai streaming calls.
type ChatModel struct {
	client *goopenai.Client
	cfg    Config
}

var _ model.BaseChatModel = (*ChatModel)(nil)

// NewChatModel builds a client for cfg. BaseURL may point at any
// OpenAI-compatible server.
func NewChatModel(cfg Config) (*ChatModel, error) {
	if cfg.APIKey == "" || cfg.Model == "" {
		return nil, errors.New("openai api key and model are required")
	}
	clientCfg := goopenai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	slog.Info("Initializing OpenAI client", "model", cfg.Model)
	return &ChatModel{client: goopenai.NewClientWithConfig(clientCfg), cfg: cfg}, nil
}

// Generate runs a streaming call and concatenates the chunks.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	stream, err := m.Stream(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		return schema.AssistantMessage("", nil), nil
	}
	return schema.ConcatMessages(chunks)
}

// Stream opens a chat completion stream and forwards content and reasoning
// deltas as assistant chunks.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	req := m.buildRequest(input, opts...)

	upstream, err := m.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}

	reader, writer := schema.Pipe[*schema.Message](8)
	go func() {
		defer writer.Close()
		defer upstream.Close()
		for {
			resp, err := upstream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				writer.Send(nil, fmt.Errorf("openai stream: %w", err))
				return
			}
			chunk := ChunkFromResponse(resp)
			if chunk == nil {
				continue
			}
			if closed := writer.Send(chunk, nil); closed {
				return
			}
		}
	}()
	return reader, nil
}

func (m *ChatModel) buildRequest(input []*schema.Message, opts ...model.Option) goopenai.ChatCompletionRequest {
	modelName := m.cfg.Model
	common := model.GetCommonOptions(&model.Options{
		Model:       &modelName,
		Temperature: m.cfg.Temperature,
		TopP:        m.cfg.TopP,
		MaxTokens:   m.cfg.MaxTokens,
	}, opts...)

	req := goopenai.ChatCompletionRequest{
		Model:    *common.Model,
		Messages: ToOpenAIMessages(input),
	}
	if common.Temperature != nil {
		req.Temperature = *common.Temperature
	}
	if common.TopP != nil {
		req.TopP = *common.TopP
	}
	if common.MaxTokens != nil {
		req.MaxCompletionTokens = *common.MaxTokens
	}
	if len(common.Stop) > 0 {
		req.Stop = common.Stop
	}
	return req
}

// ToOpenAIMessages converts eino messages to the chat completion wire shape.
// File attachments without an OpenAI part type are passed as links.
func ToOpenAIMessages(input []*schema.Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(input))
	for _, msg := range input {
		if msg == nil {
			continue
		}
		wire := goopenai.ChatCompletionMessage{Role: roleOf(msg.Role)}
		if len(msg.MultiContent) == 0 {
			wire.Content = msg.Content
			out = append(out, wire)
			continue
		}

		for _, part := range msg.MultiContent {
			switch part.Type {
			case schema.ChatMessagePartTypeText:
				wire.MultiContent = append(wire.MultiContent, goopenai.ChatMessagePart{
					Type: goopenai.ChatMessagePartTypeText,
					Text: part.Text,
				})
			case schema.ChatMessagePartTypeImageURL:
				if part.ImageURL == nil {
					continue
				}
				wire.MultiContent = append(wire.MultiContent, goopenai.ChatMessagePart{
					Type:     goopenai.ChatMessagePartTypeImageURL,
					ImageURL: &goopenai.ChatMessageImageURL{URL: part.ImageURL.URL},
				})
			case schema.ChatMessagePartTypeFileURL:
				if part.FileURL == nil {
					continue
				}
				name := part.FileURL.Name
				if name == "" {
					name = "attachment"
				}
				wire.MultiContent = append(wire.MultiContent, goopenai.ChatMessagePart{
					Type: goopenai.ChatMessagePartTypeText,
					Text: fmt.Sprintf("[%s](%s)", name, part.FileURL.URL),
				})
			}
		}
		out = append(out, wire)
	}
	return out
}

func roleOf(role schema.RoleType) string {
	switch role {
	case schema.System:
		return goopenai.ChatMessageRoleSystem
	case schema.Assistant:
		return goopenai.ChatMessageRoleAssistant
	case schema.Tool:
		return goopenai.ChatMessageRoleTool
	default:
		return goopenai.ChatMessageRoleUser
	}
}

// ChunkFromResponse maps the first choice's delta to an assistant chunk,
// carrying finish reason and usage when present. It returns nil when the
// response carries nothing.
func ChunkFromResponse(resp goopenai.ChatCompletionStreamResponse) *schema.Message {
	var meta *schema.ResponseMeta
	if resp.Usage != nil {
		meta = &schema.ResponseMeta{Usage: &schema.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}}
	}

	var delta goopenai.ChatCompletionStreamChoiceDelta
	if len(resp.Choices) > 0 {
		delta = resp.Choices[0].Delta
		if reason := resp.Choices[0].FinishReason; reason != "" {
			if meta == nil {
				meta = &schema.ResponseMeta{}
			}
			meta.FinishReason = string(reason)
		}
	}

	if delta.Content == "" && delta.ReasoningContent == "" && meta == nil {
		return nil
	}
	return &schema.Message{
		Role:             schema.Assistant,
		Content:          delta.Content,
		ReasoningContent: delta.ReasoningContent,
		ResponseMeta:     meta,
	}
}
