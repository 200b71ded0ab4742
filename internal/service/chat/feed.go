package chat

import (
	"sync"

	"github.com/midstream-ai/midstream/internal/model/chat"
)

// feed is the live channel for one running session: the in-memory fragment
// tail plus a broadcast wake for blocked subscribers. The producer is the
// only writer. At most one subscriber holds the live claim at a time; a
// newer attach supersedes the older one.
type feed struct {
	mu        sync.Mutex
	sessionID string
	base      int // seq of tail[0]; never ahead of the committed length
	tail      []chat.Fragment
	produced  int // next sequence number to assign
	done      bool
	terminal  chat.Event
	wake      chan struct{}
	claim     int // live subscriber generation
	watchers  int
	onIdle    func() // fires once done and the last watcher leaves
}

func newFeed(sessionID string) *feed {
	return &feed{sessionID: sessionID, wake: make(chan struct{})}
}

// publish appends text as the next fragment and wakes waiting subscribers.
func (f *feed) publish(text string) chat.Fragment {
	f.mu.Lock()
	frag := chat.Fragment{Seq: f.produced, Text: text}
	f.tail = append(f.tail, frag)
	f.produced++
	f.broadcastLocked()
	f.mu.Unlock()
	return frag
}

// trim drops tail fragments below the committed offset; they are served
// from the checkpoint store from now on.
func (f *feed) trim(committed int) {
	f.mu.Lock()
	if committed > f.base {
		drop := committed - f.base
		if drop > len(f.tail) {
			drop = len(f.tail)
		}
		f.tail = append([]chat.Fragment(nil), f.tail[drop:]...)
		f.base += drop
	}
	f.mu.Unlock()
}

// finish records the terminal event and wakes everyone. If nobody is
// attached the idle callback fires immediately.
func (f *feed) finish(ev chat.Event) {
	f.mu.Lock()
	if f.done {
		f.mu.Unlock()
		return
	}
	f.done = true
	f.terminal = ev
	f.broadcastLocked()
	idle := f.watchers == 0
	cb := f.onIdle
	f.mu.Unlock()

	if idle && cb != nil {
		cb()
	}
}

func (f *feed) broadcastLocked() {
	close(f.wake)
	f.wake = make(chan struct{})
}

// subscribe claims the live view starting at fromSeq. The previous claim
// holder's Next returns ErrDetached on its next call.
func (f *feed) subscribe(store storeReader, fromSeq int) *Subscription {
	f.mu.Lock()
	f.claim++
	f.watchers++
	claim := f.claim
	// Wake a superseded waiter so it observes the new claim.
	f.broadcastLocked()
	f.mu.Unlock()

	return &Subscription{
		store:     store,
		feed:      f,
		sessionID: f.sessionID,
		next:      fromSeq,
		claim:     claim,
	}
}

func (f *feed) release() {
	f.mu.Lock()
	f.watchers--
	idle := f.done && f.watchers == 0
	cb := f.onIdle
	f.mu.Unlock()

	if idle && cb != nil {
		cb()
	}
}
