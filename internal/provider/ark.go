package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/midstream-ai/midstream/internal/model/chat"
)

// ArkSource adapts an eino ChatModel (Volcengine Ark) to TokenSource.
type ArkSource struct {
	chatModel model.ChatModel
	name      string
	model     string
}

func NewArkSource(name string, chatModel model.ChatModel, modelID string) *ArkSource {
	if name == "" {
		name = "ark"
	}
	return &ArkSource{chatModel: chatModel, name: name, model: modelID}
}

func (s *ArkSource) Name() string  { return s.name }
func (s *ArkSource) Model() string { return s.model }

func (s *ArkSource) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	msgs := buildSchemaMessages(req)

	reader, err := s.chatModel.Stream(ctx, msgs)
	if err != nil {
		return nil, fmt.Errorf("ark stream: %w", err)
	}

	ch := make(chan Event, 16)
	go s.processStream(reader, ch)
	return ch, nil
}

// processStream drains the eino reader and emits unified events. Context
// cancellation surfaces as a Recv error because the reader is bound to the
// request context.
func (s *ArkSource) processStream(reader *schema.StreamReader[*schema.Message], ch chan<- Event) {
	defer close(ch)
	defer reader.Close()

	var usage *chat.Usage
	for {
		msg, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			ch <- Event{Type: EventDone, Usage: usage}
			return
		}
		if err != nil {
			ch <- Event{Type: EventError, Error: fmt.Errorf("ark streaming error: %w", err)}
			return
		}

		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			u := msg.ResponseMeta.Usage
			usage = &chat.Usage{
				InputTokens:  u.PromptTokens,
				OutputTokens: u.CompletionTokens,
				TotalTokens:  u.TotalTokens,
			}
		}
		if msg.Content != "" {
			ch <- Event{Type: EventDelta, Delta: msg.Content}
		}
	}
}

// buildSchemaMessages converts a unified Request into eino schema messages.
func buildSchemaMessages(req Request) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, schema.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			msgs = append(msgs, schema.UserMessage(m.Content))
		case RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(m.Content, nil))
		}
	}
	return msgs
}
