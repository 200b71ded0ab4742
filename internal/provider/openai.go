package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/midstream-ai/midstream/internal/model/chat"
)

// OpenAISource implements TokenSource for OpenAI-compatible APIs, including
// OpenAI itself and endpoints like DeepSeek selected via base URL.
type OpenAISource struct {
	client openai.Client
	name   string
	model  string
}

func NewOpenAISource(name, apiKey, baseURL, model string) *OpenAISource {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if name == "" {
		name = "openai"
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAISource{
		client: openai.NewClient(opts...),
		name:   name,
		model:  model,
	}
}

func (s *OpenAISource) Name() string  { return s.name }
func (s *OpenAISource) Model() string { return s.model }

func (s *OpenAISource) Stream(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = s.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: buildOpenAIMessages(req),
		// The final chunk carries usage only when explicitly requested.
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	stream := s.client.Chat.Completions.NewStreaming(ctx, params)

	ch := make(chan Event, 16)
	go s.processStream(ctx, stream, ch)
	return ch, nil
}

// processStream reads the OpenAI SSE stream and emits unified events. Usage
// arrives in a trailing chunk with no choices, so completion is reported
// only after the stream is fully drained.
func (s *OpenAISource) processStream(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk], ch chan<- Event) {
	defer close(ch)

	var usage *chat.Usage
	for stream.Next() {
		select {
		case <-ctx.Done():
			ch <- Event{Type: EventError, Error: ctx.Err()}
			return
		default:
		}

		chunk := stream.Current()
		if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
			usage = &chat.Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:  int(chunk.Usage.TotalTokens),
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		delta := chunk.Choices[0].Delta
		if delta.Content == "" {
			// Reasoning models (DeepSeek and friends) interleave chunks
			// that only carry reasoning_content; keep thinking out of
			// the visible stream.
			if rc := extractReasoningContent(delta.RawJSON()); rc != "" {
				continue
			}
		}
		if delta.Content != "" {
			ch <- Event{Type: EventDelta, Delta: delta.Content}
		}
	}

	if err := stream.Err(); err != nil {
		ch <- Event{Type: EventError, Error: fmt.Errorf("openai streaming error: %w", err)}
		return
	}
	ch <- Event{Type: EventDone, Usage: usage}
}

// buildOpenAIMessages converts a unified Request into OpenAI message params.
func buildOpenAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	var params []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		params = append(params, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case RoleUser:
			params = append(params, openai.UserMessage(m.Content))
		case RoleAssistant:
			params = append(params, openai.AssistantMessage(m.Content))
		}
	}
	return params
}

// extractReasoningContent parses the raw JSON of a delta chunk to find a
// "reasoning_content" field (not part of the SDK struct).
func extractReasoningContent(rawJSON string) string {
	var raw struct {
		ReasoningContent string `json:"reasoning_content"`
	}
	if err := json.Unmarshal([]byte(rawJSON), &raw); err != nil {
		return ""
	}
	return raw.ReasoningContent
}
