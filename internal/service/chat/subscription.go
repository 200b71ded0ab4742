package chat

import (
	"context"
	"fmt"

	"github.com/midstream-ai/midstream/internal/model/chat"
)

// storeReader is the slice of the checkpoint store a subscription needs.
type storeReader interface {
	Read(ctx context.Context, id string, fromSeq int) ([]chat.Fragment, error)
}

// Subscription is one consumer's ordered view of a session: committed
// fragments replayed from the store, then the live tail, then fragments as
// they are produced, ending with exactly one terminal event. No fragment is
// delivered twice and none is skipped, whatever the attach offset.
type Subscription struct {
	store     storeReader
	feed      *feed // nil for a pure store replay
	sessionID string
	next      int
	claim     int
	pending   []chat.Fragment
	terminal  *chat.Event // terminal event for store-only replay
	closed    bool
}

func newReplaySubscription(store storeReader, sessionID string, fromSeq int, terminal chat.Event) *Subscription {
	ev := terminal
	return &Subscription{store: store, sessionID: sessionID, next: fromSeq, terminal: &ev}
}

// Next blocks until the next event is available. After the terminal event
// has been returned, further calls return it again. An attach offset beyond
// the end of a running stream waits until production catches up.
func (sub *Subscription) Next(ctx context.Context) (chat.Event, error) {
	for {
		if sub.closed {
			return chat.Event{}, ErrDetached
		}
		if len(sub.pending) > 0 {
			f := sub.pending[0]
			sub.pending = sub.pending[1:]
			sub.next = f.Seq + 1
			return chat.Event{Kind: chat.EventFragment, Fragment: f}, nil
		}
		if err := ctx.Err(); err != nil {
			return chat.Event{}, err
		}

		if sub.feed == nil {
			frags, err := sub.store.Read(ctx, sub.sessionID, sub.next)
			if err != nil {
				return chat.Event{}, err
			}
			if len(frags) == 0 {
				return *sub.terminal, nil
			}
			sub.pending = frags
			continue
		}

		sub.feed.mu.Lock()
		if sub.claim != sub.feed.claim {
			sub.feed.mu.Unlock()
			return chat.Event{}, ErrDetached
		}
		base := sub.feed.base
		if sub.next >= base && sub.next < sub.feed.produced {
			f := sub.feed.tail[sub.next-base]
			sub.feed.mu.Unlock()
			sub.next++
			return chat.Event{Kind: chat.EventFragment, Fragment: f}, nil
		}
		if sub.next < base {
			sub.feed.mu.Unlock()
			frags, err := sub.store.Read(ctx, sub.sessionID, sub.next)
			if err != nil {
				return chat.Event{}, err
			}
			// Keep only what precedes the tail snapshot; newer fragments
			// are served live so the splice point stays exact.
			var pend []chat.Fragment
			for _, f := range frags {
				if f.Seq < base {
					pend = append(pend, f)
				}
			}
			if len(pend) == 0 {
				return chat.Event{}, fmt.Errorf("fragment gap at seq %d for session %s", sub.next, sub.sessionID)
			}
			sub.pending = pend
			continue
		}
		if sub.feed.done {
			ev := sub.feed.terminal
			sub.feed.mu.Unlock()
			return ev, nil
		}
		w := sub.feed.wake
		sub.feed.mu.Unlock()

		select {
		case <-ctx.Done():
			return chat.Event{}, ctx.Err()
		case <-w:
		}
	}
}

// Close detaches from the live feed. Safe to call more than once.
func (sub *Subscription) Close() {
	if sub.closed {
		return
	}
	sub.closed = true
	if sub.feed != nil {
		sub.feed.release()
	}
}
