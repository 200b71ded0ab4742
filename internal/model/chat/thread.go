package chat

import "time"

// Thread groups consecutive generations into one conversation.
type Thread struct {
	ID        string    `json:"threadId"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
}

// Turn is one exchange inside a thread: the prompt and the response text
// reconstructed from the session's checkpointed fragments.
type Turn struct {
	SessionID string    `json:"sessionId"`
	Prompt    string    `json:"prompt"`
	Text      string    `json:"text"`
	Status    Status    `json:"status"`
	Usage     *Usage    `json:"usage,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
