package provider

import (
	"context"
	"strings"
	"time"

	"github.com/midstream-ai/midstream/internal/model/chat"
)

// MockSource replays a scripted fragment sequence without calling any
// vendor. It backs the "mock" provider in development and drives the
// generation engine tests.
type MockSource struct {
	SourceName string
	ModelID    string
	Fragments  []string
	Delay      time.Duration // pause before each fragment
	Err        error         // emitted after FailAfter fragments when set
	FailAfter  int
	Hang       bool // after Fragments, block until ctx is cancelled
	Repeat     bool // replay Fragments forever
	FinalUsage *chat.Usage
}

// NewMockSource builds a source that streams text word by word.
func NewMockSource(name, text string, delay time.Duration) *MockSource {
	return &MockSource{
		SourceName: name,
		ModelID:    "scripted",
		Fragments:  SplitScript(text),
		Delay:      delay,
	}
}

func (s *MockSource) Name() string {
	if s.SourceName == "" {
		return "mock"
	}
	return s.SourceName
}

func (s *MockSource) Model() string {
	if s.ModelID == "" {
		return "scripted"
	}
	return s.ModelID
}

func (s *MockSource) Stream(ctx context.Context, _ Request) (<-chan Event, error) {
	ch := make(chan Event, 16)
	go s.run(ctx, ch)
	return ch, nil
}

func (s *MockSource) run(ctx context.Context, ch chan<- Event) {
	defer close(ch)

	sent := 0
	for {
		for _, f := range s.Fragments {
			select {
			case <-ctx.Done():
				ch <- Event{Type: EventError, Error: ctx.Err()}
				return
			default:
			}

			if s.Err != nil && sent == s.FailAfter {
				ch <- Event{Type: EventError, Error: s.Err}
				return
			}
			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					ch <- Event{Type: EventError, Error: ctx.Err()}
					return
				}
			}
			ch <- Event{Type: EventDelta, Delta: f}
			sent++
		}
		if !s.Repeat {
			break
		}
	}

	if s.Err != nil {
		ch <- Event{Type: EventError, Error: s.Err}
		return
	}
	if s.Hang {
		<-ctx.Done()
		ch <- Event{Type: EventError, Error: ctx.Err()}
		return
	}
	ch <- Event{Type: EventDone, Usage: s.FinalUsage}
}

// SplitScript chops text into word-sized fragments, keeping the spacing so
// the concatenation reproduces the input exactly.
func SplitScript(text string) []string {
	var frags []string
	var cur strings.Builder
	for _, r := range text {
		cur.WriteRune(r)
		if r == ' ' {
			frags = append(frags, cur.String())
			cur.Reset()
		}
	}
	if cur.Len() > 0 {
		frags = append(frags, cur.String())
	}
	return frags
}
