package chat

import "errors"

var (
	ErrPromptRequired = errors.New("prompt is required")

	// ErrSessionNotFound covers unknown ids and, for interrupts, sessions
	// that already reached a terminal state.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInterruptTimeout reports that the producer did not reach its safe
	// point within the configured wait.
	ErrInterruptTimeout = errors.New("interrupt wait timed out")

	// ErrDetached ends a subscription that was closed or superseded by a
	// newer live attach for the same session.
	ErrDetached = errors.New("subscription detached")
)
