package chat

// EventKind discriminates the events an attached consumer observes.
type EventKind string

const (
	EventFragment    EventKind = "fragment"
	EventCompleted   EventKind = "completed"
	EventInterrupted EventKind = "interrupted"
	EventFailed      EventKind = "failed"
)

// Event is one element of an attached consumer's view: fragments while the
// session runs, then exactly one terminal event.
type Event struct {
	Kind     EventKind `json:"kind"`
	Fragment Fragment  `json:"fragment,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e Event) Terminal() bool {
	return e.Kind != EventFragment
}

// TerminalEvent maps a terminal session status onto its stream event.
func TerminalEvent(s Status, reason string) Event {
	switch s {
	case StatusInterrupted:
		return Event{Kind: EventInterrupted}
	case StatusFailed:
		return Event{Kind: EventFailed, Reason: reason}
	default:
		return Event{Kind: EventCompleted}
	}
}
