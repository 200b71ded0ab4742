package checkpoint

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/midstream-ai/midstream/internal/model/chat"
)

// MemoryStore implements Store with in-process maps. Nothing survives a
// restart; the server logs a warning when it runs on this store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
	threads  map[string]chat.Thread
	byThread map[string][]string
}

type memSession struct {
	meta  chat.Session
	frags []chat.Fragment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memSession),
		threads:  make(map[string]chat.Thread),
		byThread: make(map[string][]string),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, sess chat.Session) error {
	if sess.Status == "" {
		sess.Status = chat.StatusRunning
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = &memSession{meta: sess}
	m.byThread[sess.ThreadID] = append(m.byThread[sess.ThreadID], sess.ID)
	return nil
}

func (m *MemoryStore) Session(ctx context.Context, id string) (chat.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return chat.Session{}, ErrNotFound
	}
	return cloneMeta(ms), nil
}

func (m *MemoryStore) Append(ctx context.Context, id string, frags []chat.Fragment, fromSeq int) error {
	if len(frags) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if len(ms.frags) != fromSeq {
		return ErrConflict
	}
	ms.frags = append(ms.frags, frags...)
	ms.meta.Committed = len(ms.frags)
	return nil
}

func (m *MemoryStore) Read(ctx context.Context, id string, fromSeq int) ([]chat.Fragment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if fromSeq >= len(ms.frags) {
		return nil, nil
	}
	out := make([]chat.Fragment, len(ms.frags)-fromSeq)
	copy(out, ms.frags[fromSeq:])
	return out, nil
}

func (m *MemoryStore) CommittedLength(ctx context.Context, id string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.sessions[id]
	if !ok {
		return 0, ErrNotFound
	}
	return len(ms.frags), nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, id string, usage *chat.Usage) error {
	return m.mark(id, chat.StatusCompleted, "", usage)
}

func (m *MemoryStore) MarkInterrupted(ctx context.Context, id string) error {
	return m.mark(id, chat.StatusInterrupted, "", nil)
}

func (m *MemoryStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return m.mark(id, chat.StatusFailed, reason, nil)
}

func (m *MemoryStore) mark(id string, status chat.Status, reason string, usage *chat.Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if ms.meta.Status.Terminal() && ms.meta.Status != status {
		return nil
	}
	ms.meta.Status = status
	ms.meta.Reason = reason
	if usage != nil {
		u := *usage
		ms.meta.Usage = &u
	}
	return nil
}

func (m *MemoryStore) CreateThread(ctx context.Context, th chat.Thread) error {
	if th.CreatedAt.IsZero() {
		th.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.threads[th.ID] = th
	return nil
}

func (m *MemoryStore) Thread(ctx context.Context, id string) (chat.Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	th, ok := m.threads[id]
	if !ok {
		return chat.Thread{}, ErrThreadNotFound
	}
	return th, nil
}

func (m *MemoryStore) Turns(ctx context.Context, threadID string) ([]chat.Turn, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.threads[threadID]; !ok {
		return nil, ErrThreadNotFound
	}

	var turns []chat.Turn
	for _, id := range m.byThread[threadID] {
		ms := m.sessions[id]
		var b strings.Builder
		for _, f := range ms.frags {
			b.WriteString(f.Text)
		}
		meta := cloneMeta(ms)
		turns = append(turns, chat.Turn{
			SessionID: meta.ID,
			Prompt:    meta.Prompt,
			Text:      b.String(),
			Status:    meta.Status,
			Usage:     meta.Usage,
			CreatedAt: meta.CreatedAt,
		})
	}
	return turns, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func cloneMeta(ms *memSession) chat.Session {
	meta := ms.meta
	meta.Committed = len(ms.frags)
	if ms.meta.Usage != nil {
		u := *ms.meta.Usage
		meta.Usage = &u
	}
	return meta
}
