// Package provider normalizes LLM vendors behind a single streaming
// interface. Each adapter converts its vendor's wire protocol into a flat
// Event sequence so the generation engine never handles vendor types.
package provider

import (
	"context"

	"github.com/midstream-ai/midstream/internal/model/chat"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of conversation context.
type Message struct {
	Role    Role
	Content string
}

// Request is the unified generation request handed to a TokenSource.
type Request struct {
	Model    string // overrides the source's default model when set
	System   string
	Messages []Message // prior turns, ending with the user prompt
}

type EventType int

const (
	// EventDelta: incremental text output.
	EventDelta EventType = iota

	// EventDone: end of generation, Usage set when the vendor reported it.
	EventDone

	// EventError: the stream broke; Error is set.
	EventError
)

// Event is the unified streaming event emitted by a TokenSource.
type Event struct {
	Type  EventType
	Delta string
	Usage *chat.Usage
	Error error
}

// TokenSource produces one model response as a stream of text deltas.
type TokenSource interface {
	// Stream starts a generation. The returned channel emits Events until
	// EventDone or EventError, then closes. Cancelling ctx tears the
	// vendor stream down; the caller must fully consume the channel to
	// avoid goroutine leaks.
	Stream(ctx context.Context, req Request) (<-chan Event, error)

	// Name returns the registered provider identifier, e.g. "anthropic".
	Name() string

	// Model returns the default model generations run against.
	Model() string
}
