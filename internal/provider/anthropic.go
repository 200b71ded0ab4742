package provider

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/midstream-ai/midstream/internal/model/chat"
)

const anthropicMaxTokens = 8192

// AnthropicSource implements TokenSource using the Anthropic native API.
type AnthropicSource struct {
	client anthropic.Client
	name   string
	model  string
}

func NewAnthropicSource(name, apiKey, model string) *AnthropicSource {
	if name == "" {
		name = "anthropic"
	}
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicSource{
		client: anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)),
		name:   name,
		model:  model,
	}
}

func (s *AnthropicSource) Name() string  { return s.name }
func (s *AnthropicSource) Model() string { return s.model }

func (s *AnthropicSource) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = s.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  buildAnthropicMessages(req.Messages),
		MaxTokens: anthropicMaxTokens,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	stream := s.client.Messages.NewStreaming(ctx, params)

	ch := make(chan Event, 16)
	go s.processStream(ctx, stream, ch)
	return ch, nil
}

// processStream reads the Anthropic SSE stream and emits unified events.
// Text arrives as ContentBlockDeltaEvent/TextDelta; the MessageDeltaEvent
// closes the turn and carries usage.
func (s *AnthropicSource) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], ch chan<- Event) {
	defer close(ch)
	defer stream.Close()

	for stream.Next() {
		select {
		case <-ctx.Done():
			ch <- Event{Type: EventError, Error: ctx.Err()}
			return
		default:
		}

		event := stream.Current()
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if d, ok := variant.Delta.AsAny().(anthropic.TextDelta); ok {
				ch <- Event{Type: EventDelta, Delta: d.Text}
			}

		case anthropic.MessageDeltaEvent:
			in := int(variant.Usage.InputTokens)
			out := int(variant.Usage.OutputTokens)
			ch <- Event{
				Type:  EventDone,
				Usage: &chat.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
			}
			return
		}
	}

	if err := stream.Err(); err != nil {
		ch <- Event{Type: EventError, Error: fmt.Errorf("anthropic streaming error: %w", err)}
		return
	}
	ch <- Event{Type: EventDone}
}

// buildAnthropicMessages converts unified messages to Anthropic params.
func buildAnthropicMessages(msgs []Message) []anthropic.MessageParam {
	var params []anthropic.MessageParam
	for _, m := range msgs {
		switch m.Role {
		case RoleUser:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return params
}
