// Package gemini adapts Google's Gemini API to eino's chat model interface.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/zhouzirui/gemish/backend/internal/service/ai"
)

// Config describes one Gemini model binding.
type Config struct {
	APIKey      string
	Model       string
	Temperature *float32
	MaxTokens   *int
}

// ChatModel implements model.BaseChatModel on top of a genai chat session.
type ChatModel struct {
	client *genai.Client
	cfg    Config
}

var _ model.BaseChatModel = (*ChatModel)(nil)

// NewChatModel dials the Gemini API.
func NewChatModel(ctx context.Context, cfg Config) (*ChatModel, error) {
	if cfg.APIKey == "" || cfg.Model == "" {
		return nil, errors.New("gemini api key and model are required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &ChatModel{client: client, cfg: cfg}, nil
}

// Close releases the underlying client.
func (m *ChatModel) Close() error {
	return m.client.Close()
}

// Generate runs a streaming call and concatenates the chunks.
func (m *ChatModel) Generate(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	stream, err := m.Stream(ctx, input, opts...)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var (
		chunks  []*schema.Message
		sources []ai.Source
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		// sources are merged by hand; Extra values of this type do not concat
		if found, ok := chunk.Extra[ai.SourcesExtraKey].([]ai.Source); ok {
			sources = append(sources, found...)
			delete(chunk.Extra, ai.SourcesExtraKey)
		}
		chunks = append(chunks, chunk)
	}
	if len(chunks) == 0 {
		return ai.WithSources(schema.AssistantMessage("", nil), sources), nil
	}
	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, err
	}
	return ai.WithSources(merged, sources), nil
}

// Stream sends the last user turn with the preceding messages as history.
func (m *ChatModel) Stream(ctx context.Context, input []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	system, history, last, err := SplitConversation(input)
	if err != nil {
		return nil, err
	}

	gm := m.client.GenerativeModel(m.modelName(opts...))
	m.applyOptions(gm, opts...)
	if system != nil {
		gm.SystemInstruction = system
	}

	session := gm.StartChat()
	session.History = history
	iter := session.SendMessageStream(ctx, last.Parts...)

	reader, writer := schema.Pipe[*schema.Message](8)
	go func() {
		defer writer.Close()
		for {
			resp, err := iter.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				writer.Send(nil, fmt.Errorf("gemini stream: %w", err))
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

func (m *ChatModel) modelName(opts ...model.Option) string {
	common := model.GetCommonOptions(&model.Options{}, opts...)
	if common.Model != nil && *common.Model != "" {
		return *common.Model
	}
	return m.cfg.Model
}

func (m *ChatModel) applyOptions(gm *genai.GenerativeModel, opts ...model.Option) {
	common := model.GetCommonOptions(&model.Options{
		Temperature: m.cfg.Temperature,
		MaxTokens:   m.cfg.MaxTokens,
	}, opts...)
	if common.Temperature != nil {
		gm.SetTemperature(*common.Temperature)
	}
	if common.MaxTokens != nil {
		gm.SetMaxOutputTokens(int32(*common.MaxTokens))
	}
	if common.TopP != nil {
		gm.SetTopP(*common.TopP)
	}
}

// SplitConversation converts eino messages into a system instruction, the
// chat history and the final user turn Gemini expects to be sent.
func SplitConversation(input []*schema.Message) (*genai.Content, []*genai.Content, *genai.Content, error) {
	var (
		systemParts []genai.Part
		contents    []*genai.Content
	)
	for _, msg := range input {
		if msg == nil {
			continue
		}
		switch msg.Role {
		case schema.System:
			if msg.Content != "" {
				systemParts = append(systemParts, genai.Text(msg.Content))
			}
		case schema.User:
			contents = append(contents, &genai.Content{Role: "user", Parts: partsOf(msg)})
		case schema.Assistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: partsOf(msg)})
		}
	}

	if len(contents) == 0 {
		return nil, nil, nil, errors.New("gemini: conversation has no user turn")
	}
	last := contents[len(contents)-1]
	if last.Role != "user" {
		return nil, nil, nil, errors.New("gemini: last message must come from the user")
	}

	var system *genai.Content
	if len(systemParts) > 0 {
		system = &genai.Content{Parts: systemParts}
	}
	return system, contents[:len(contents)-1], last, nil
}

func partsOf(msg *schema.Message) []genai.Part {
	if len(msg.MultiContent) == 0 {
		return []genai.Part{genai.Text(msg.Content)}
	}

	parts := make([]genai.Part, 0, len(msg.MultiContent))
	for _, part := range msg.MultiContent {
		switch part.Type {
		case schema.ChatMessagePartTypeText:
			parts = append(parts, genai.Text(part.Text))
		case schema.ChatMessagePartTypeImageURL:
			if part.ImageURL != nil {
				parts = append(parts, genai.FileData{MIMEType: guessMIME(part.ImageURL.URL, "image/jpeg"), URI: part.ImageURL.URL})
			}
		case schema.ChatMessagePartTypeFileURL:
			if part.FileURL != nil {
				mimeType := part.FileURL.MIMEType
				if mimeType == "" {
					mimeType = guessMIME(part.FileURL.URL, "application/octet-stream")
				}
				parts = append(parts, genai.FileData{MIMEType: mimeType, URI: part.FileURL.URL})
			}
		}
	}
	if len(parts) == 0 {
		parts = append(parts, genai.Text(msg.Content))
	}
	return parts
}

func guessMIME(rawURL, fallback string) string {
	ext := path.Ext(strings.SplitN(rawURL, "?", 2)[0])
	if t := mime.TypeByExtension(ext); t != "" {
		return strings.SplitN(t, ";", 2)[0]
	}
	return fallback
}

// ChunkFromResponse turns one streamed response into an assistant chunk with
// any citation sources attached. It returns nil for empty responses.
func ChunkFromResponse(resp *genai.GenerateContentResponse) *schema.Message {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	cand := resp.Candidates[0]

	var text strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				text.WriteString(string(txt))
			}
		}
	}

	var sources []ai.Source
	if cand.CitationMetadata != nil {
		for _, src := range cand.CitationMetadata.CitationSources {
			if src == nil || src.URI == nil || *src.URI == "" {
				continue
			}
			sources = append(sources, ai.Source{
				SourceType: "url",
				ID:         uuid.NewString(),
				URL:        *src.URI,
			})
		}
	}

	if text.Len() == 0 && len(sources) == 0 {
		return nil
	}
	return ai.WithSources(schema.AssistantMessage(text.String(), nil), sources)
}
