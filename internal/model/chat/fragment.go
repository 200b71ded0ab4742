package chat

// Fragment is one checkpointed unit of generated text. Sequence numbers are
// gap-free per session and start at zero.
type Fragment struct {
	Seq  int    `json:"seq"`
	Text string `json:"text"`
}

// Usage holds the token totals a provider reports at the end of a generation.
type Usage struct {
	InputTokens  int `json:"inputTokens"`
	OutputTokens int `json:"outputTokens"`
	TotalTokens  int `json:"totalTokens"`
}
