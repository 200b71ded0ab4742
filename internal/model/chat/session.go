package chat

import "time"

// Status is the lifecycle state of a generation session.
type Status string

const (
	StatusRunning     Status = "running"
	StatusCompleted   Status = "completed"
	StatusInterrupted Status = "interrupted"
	StatusFailed      Status = "failed"
)

// Terminal reports whether the session can produce no further fragments.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusInterrupted || s == StatusFailed
}

// Failure reasons recorded when a producer gives up on a session.
const (
	ReasonStalled  = "generation stalled"
	ReasonOverrun  = "generation exceeded bound"
	ReasonStorage  = "persistence unavailable"
	ReasonOrphaned = "generation not resumable"
)

// Session captures one generation: a prompt handed to a provider and the
// durable progress of its streamed response.
type Session struct {
	ID        string    `json:"sessionId"`
	ThreadID  string    `json:"threadId"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Prompt    string    `json:"prompt"`
	System    string    `json:"systemPrompt,omitempty"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Committed int       `json:"committed"`
	Usage     *Usage    `json:"usage,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
