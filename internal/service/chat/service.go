package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/midstream-ai/midstream/internal/checkpoint"
	"github.com/midstream-ai/midstream/internal/model/chat"
	"github.com/midstream-ai/midstream/internal/provider"
)

const threadTitleLimit = 100

// Options bound the producer's flush cadence and stall guards. Zero fields
// take the defaults.
type Options struct {
	FlushInterval time.Duration // checkpoint at least this often while fragments buffer
	FlushBatch    int           // ... or as soon as this many fragments buffer
	IdleTimeout   time.Duration // fail a generation with no fragment for this long
	MaxFragments  int           // fail a generation exceeding this many fragments
	MaxDuration   time.Duration // fail a generation running longer than this
	InterruptWait time.Duration // bounded wait for the producer to acknowledge a stop
	FlushRetries  int
	FlushBackoff  time.Duration
	HistoryLimit  int // prior messages replayed into the provider request
}

func DefaultOptions() Options {
	return Options{
		FlushInterval: 250 * time.Millisecond,
		FlushBatch:    25,
		IdleTimeout:   20 * time.Second,
		MaxFragments:  4096,
		MaxDuration:   10 * time.Minute,
		InterruptWait: 5 * time.Second,
		FlushRetries:  3,
		FlushBackoff:  200 * time.Millisecond,
		HistoryLimit:  10,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.FlushInterval <= 0 {
		o.FlushInterval = def.FlushInterval
	}
	if o.FlushBatch <= 0 {
		o.FlushBatch = def.FlushBatch
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = def.IdleTimeout
	}
	if o.MaxFragments <= 0 {
		o.MaxFragments = def.MaxFragments
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = def.MaxDuration
	}
	if o.InterruptWait <= 0 {
		o.InterruptWait = def.InterruptWait
	}
	if o.FlushRetries <= 0 {
		o.FlushRetries = def.FlushRetries
	}
	if o.FlushBackoff <= 0 {
		o.FlushBackoff = def.FlushBackoff
	}
	if o.HistoryLimit <= 0 {
		o.HistoryLimit = def.HistoryLimit
	}
	return o
}

// Service is the session controller: it starts producers, tracks running
// sessions in a ledger, routes interrupts, and hands out attach
// subscriptions. Terminal sessions are served from the checkpoint store.
type Service struct {
	store    checkpoint.Store
	registry *provider.Registry
	opts     Options

	mu   sync.RWMutex
	live map[string]*producer
}

func NewService(store checkpoint.Store, registry *provider.Registry, opts Options) *Service {
	return &Service{
		store:    store,
		registry: registry,
		opts:     opts.withDefaults(),
		live:     make(map[string]*producer),
	}
}

// StartRequest carries everything needed to launch a generation.
type StartRequest struct {
	Provider string
	Model    string
	Prompt   string
	System   string
	ThreadID string
}

// Start validates the request, registers the session, and launches its
// producer. It returns as soon as the session is accepted; fragments flow
// through subscriptions obtained with Attach.
func (s *Service) Start(ctx context.Context, req StartRequest) (chat.Session, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return chat.Session{}, ErrPromptRequired
	}
	source, err := s.registry.Lookup(req.Provider)
	if err != nil {
		return chat.Session{}, err
	}

	threadID := req.ThreadID
	var history []provider.Message
	if threadID == "" {
		threadID = uuid.NewString()
		th := chat.Thread{ID: threadID, Title: threadTitle(req.Prompt), CreatedAt: time.Now().UTC()}
		if err := s.store.CreateThread(ctx, th); err != nil {
			return chat.Session{}, fmt.Errorf("create thread: %w", err)
		}
	} else {
		if _, err := s.store.Thread(ctx, threadID); err != nil {
			return chat.Session{}, err
		}
		if history, err = s.history(ctx, threadID); err != nil {
			return chat.Session{}, err
		}
	}

	model := req.Model
	if model == "" {
		model = source.Model()
	}

	sess := chat.Session{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Provider:  source.Name(),
		Model:     model,
		Prompt:    req.Prompt,
		System:    req.System,
		Status:    chat.StatusRunning,
		CreatedAt: time.Now().UTC(),
	}

	genReq := provider.Request{
		Model:    model,
		System:   req.System,
		Messages: append(history, provider.Message{Role: provider.RoleUser, Content: req.Prompt}),
	}

	p := newProducer(s, sess, source, genReq)

	// Ledger first: an attach arriving between session registration and the
	// producer launch must find the live feed, not a store orphan.
	s.mu.Lock()
	s.live[sess.ID] = p
	s.mu.Unlock()

	if err := s.store.CreateSession(ctx, sess); err != nil {
		s.remove(sess.ID)
		p.feed.finish(chat.TerminalEvent(chat.StatusFailed, chat.ReasonStorage))
		return chat.Session{}, fmt.Errorf("register session: %w", err)
	}

	go p.run()
	log.Printf("[chat] session=%s provider=%s model=%s thread=%s started",
		sess.ID, sess.Provider, model, threadID)
	return sess, nil
}

// Interrupt asks the producer to stop at its next safe point and waits,
// bounded, for the terminal transition to become observable. Unknown and
// already-terminal sessions report ErrSessionNotFound.
func (s *Service) Interrupt(ctx context.Context, sessionID string) error {
	s.mu.RLock()
	p := s.live[sessionID]
	s.mu.RUnlock()
	if p == nil {
		return ErrSessionNotFound
	}
	select {
	case <-p.done:
		return ErrSessionNotFound
	default:
	}

	p.interrupt()

	wait := time.NewTimer(s.opts.InterruptWait)
	defer wait.Stop()
	select {
	case <-p.done:
		return nil
	case <-wait.C:
		return ErrInterruptTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach returns a subscription that replays committed fragments from
// fromSeq and splices into the live stream with no gap and no duplicate.
// For terminal sessions the replay ends with the recorded terminal event.
func (s *Service) Attach(ctx context.Context, sessionID string, fromSeq int) (*Subscription, error) {
	if fromSeq < 0 {
		fromSeq = 0
	}

	s.mu.RLock()
	p := s.live[sessionID]
	s.mu.RUnlock()
	if p != nil {
		return p.feed.subscribe(s.store, fromSeq), nil
	}

	sess, err := s.store.Session(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}

	if !sess.Status.Terminal() {
		// The store says running but no producer exists: the process that
		// owned the generation is gone. Resolve the orphan as failed.
		log.Printf("[chat] session=%s orphaned, marking failed", sessionID)
		if err := s.store.MarkFailed(ctx, sessionID, chat.ReasonOrphaned); err != nil {
			log.Printf("[chat] session=%s orphan mark failed: %v", sessionID, err)
		}
		sess.Status, sess.Reason = chat.StatusFailed, chat.ReasonOrphaned
	}

	return newReplaySubscription(s.store, sessionID, fromSeq, chat.TerminalEvent(sess.Status, sess.Reason)), nil
}

// Session reports the stored state of a session.
func (s *Service) Session(ctx context.Context, sessionID string) (chat.Session, error) {
	sess, err := s.store.Session(ctx, sessionID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return chat.Session{}, ErrSessionNotFound
	}
	return sess, err
}

// Text reassembles the committed response text of a session.
func (s *Service) Text(ctx context.Context, sessionID string) (string, error) {
	frags, err := s.store.Read(ctx, sessionID, 0)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, f := range frags {
		b.WriteString(f.Text)
	}
	return b.String(), nil
}

// Thread retrieves thread metadata.
func (s *Service) Thread(ctx context.Context, threadID string) (chat.Thread, error) {
	return s.store.Thread(ctx, threadID)
}

// Turns lists a thread's exchanges in order.
func (s *Service) Turns(ctx context.Context, threadID string) ([]chat.Turn, error) {
	return s.store.Turns(ctx, threadID)
}

// Shutdown interrupts every running producer and waits, bounded by ctx, for
// the final flushes to land.
func (s *Service) Shutdown(ctx context.Context) {
	s.mu.RLock()
	producers := make([]*producer, 0, len(s.live))
	for _, p := range s.live {
		producers = append(producers, p)
	}
	s.mu.RUnlock()

	for _, p := range producers {
		p.interrupt()
	}
	for _, p := range producers {
		select {
		case <-p.done:
		case <-ctx.Done():
			return
		}
	}
}

// LiveSessions reports how many producers the ledger currently tracks.
func (s *Service) LiveSessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live)
}

func (s *Service) remove(sessionID string) {
	s.mu.Lock()
	delete(s.live, sessionID)
	s.mu.Unlock()
}

// history converts a thread's completed turns into provider messages,
// keeping the most recent HistoryLimit messages on a pair boundary.
func (s *Service) history(ctx context.Context, threadID string) ([]provider.Message, error) {
	turns, err := s.store.Turns(ctx, threadID)
	if err != nil {
		return nil, err
	}

	var msgs []provider.Message
	for _, t := range turns {
		if t.Status != chat.StatusCompleted || t.Text == "" {
			continue
		}
		msgs = append(msgs,
			provider.Message{Role: provider.RoleUser, Content: t.Prompt},
			provider.Message{Role: provider.RoleAssistant, Content: t.Text},
		)
	}
	if limit := s.opts.HistoryLimit; len(msgs) > limit {
		start := len(msgs) - limit
		if start%2 == 1 {
			start++
		}
		msgs = msgs[start:]
	}
	return msgs, nil
}

// Collect drains a subscription to its terminal event and returns the
// concatenated text. It backs the synchronous (non-stream) path.
func Collect(ctx context.Context, sub *Subscription) (string, chat.Event, error) {
	var b strings.Builder
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			return b.String(), chat.Event{}, err
		}
		if ev.Terminal() {
			return b.String(), ev, nil
		}
		b.WriteString(ev.Fragment.Text)
	}
}

func threadTitle(prompt string) string {
	title := strings.TrimSpace(prompt)
	if r := []rune(title); len(r) > threadTitleLimit {
		title = string(r[:threadTitleLimit])
	}
	return title
}
