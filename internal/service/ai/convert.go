package ai

import (
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/gemish/backend/internal/model/chat"
)

// ToSchemaMessages converts stored chat messages into model input. Data
// messages carry client-side annotations and are not sent to the model.
func ToSchemaMessages(messages []chat.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case chat.RoleUser:
			out = append(out, userMessage(msg))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(msg.Content, nil))
		case chat.RoleSystem:
			out = append(out, schema.SystemMessage(msg.Content))
		}
	}
	return out
}

func userMessage(msg chat.Message) *schema.Message {
	if !msg.HasAttachments() {
		return schema.UserMessage(msg.Content)
	}

	parts := make([]schema.ChatMessagePart, 0, len(msg.Attachments)+1)
	if msg.Content != "" {
		parts = append(parts, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeText,
			Text: msg.Content,
		})
	}
	for _, att := range msg.Attachments {
		if strings.HasPrefix(att.ContentType, "image/") {
			parts = append(parts, schema.ChatMessagePart{
				Type:     schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{URL: att.URL},
			})
			continue
		}
		parts = append(parts, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeFileURL,
			FileURL: &schema.ChatMessageFileURL{
				URL:      att.URL,
				MIMEType: att.ContentType,
				Name:     att.Name,
			},
		})
	}

	return &schema.Message{
		Role:         schema.User,
		MultiContent: parts,
	}
}
