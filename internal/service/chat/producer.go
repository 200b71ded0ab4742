package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/midstream-ai/midstream/internal/checkpoint"
	"github.com/midstream-ai/midstream/internal/model/chat"
	"github.com/midstream-ai/midstream/internal/provider"
)

const maxFlushBackoff = 5 * time.Second

// producer drives one generation: it pulls provider events, assigns
// sequence numbers, publishes to the live feed, and checkpoints fragments
// on the flush cadence. It is the only goroutine that writes this session.
type producer struct {
	svc    *Service
	sess   chat.Session
	source provider.TokenSource
	req    provider.Request
	feed   *feed

	interruptOnce sync.Once
	interruptCh   chan struct{}
	done          chan struct{}
}

func newProducer(svc *Service, sess chat.Session, source provider.TokenSource, req provider.Request) *producer {
	p := &producer{
		svc:         svc,
		sess:        sess,
		source:      source,
		req:         req,
		feed:        newFeed(sess.ID),
		interruptCh: make(chan struct{}),
		done:        make(chan struct{}),
	}
	p.feed.onIdle = func() { svc.remove(sess.ID) }
	return p
}

// interrupt requests a cooperative stop. The producer observes it at its
// next loop iteration, flushes, and records the interrupted status.
func (p *producer) interrupt() {
	p.interruptOnce.Do(func() { close(p.interruptCh) })
}

// run executes the generation to a terminal state. It is detached from any
// client context on purpose: consumer disconnects never stop a generation.
func (p *producer) run() {
	defer close(p.done)

	opts := p.svc.opts
	srcCtx, cancelSrc := context.WithCancel(context.Background())
	defer cancelSrc()

	events, err := p.source.Stream(srcCtx, p.req)
	if err != nil {
		p.finalize(nil, 0, chat.StatusFailed, err.Error(), nil)
		return
	}

	var (
		buf       []chat.Fragment
		committed int
		total     int
		usage     *chat.Usage
		status    chat.Status
		reason    string
	)

	flushTicker := time.NewTicker(opts.FlushInterval)
	defer flushTicker.Stop()
	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()
	deadline := time.NewTimer(opts.MaxDuration)
	defer deadline.Stop()

loop:
	for {
		select {
		case <-p.interruptCh:
			status = chat.StatusInterrupted
			break loop

		case ev, ok := <-events:
			if !ok {
				status = chat.StatusCompleted
				break loop
			}
			switch ev.Type {
			case provider.EventDelta:
				if ev.Delta == "" {
					continue
				}
				frag := p.feed.publish(ev.Delta)
				buf = append(buf, frag)
				total++
				resetTimer(idle, opts.IdleTimeout)
				if opts.MaxFragments > 0 && total >= opts.MaxFragments {
					status, reason = chat.StatusFailed, chat.ReasonOverrun
					break loop
				}
				if len(buf) >= opts.FlushBatch {
					n, err := p.flush(buf, committed)
					if err != nil {
						log.Printf("[producer] session=%s flush failed: %v", p.sess.ID, err)
						status, reason = chat.StatusFailed, chat.ReasonStorage
						break loop
					}
					committed, buf = n, buf[:0]
				}

			case provider.EventDone:
				usage = ev.Usage
				status = chat.StatusCompleted
				break loop

			case provider.EventError:
				status = chat.StatusFailed
				reason = "provider stream failed"
				if ev.Error != nil {
					reason = ev.Error.Error()
				}
				break loop
			}

		case <-flushTicker.C:
			if len(buf) == 0 {
				continue
			}
			n, err := p.flush(buf, committed)
			if err != nil {
				log.Printf("[producer] session=%s flush failed: %v", p.sess.ID, err)
				status, reason = chat.StatusFailed, chat.ReasonStorage
				break loop
			}
			committed, buf = n, buf[:0]

		case <-idle.C:
			status, reason = chat.StatusFailed, chat.ReasonStalled
			break loop

		case <-deadline.C:
			status, reason = chat.StatusFailed, chat.ReasonOverrun
			break loop
		}
	}

	// Tear the vendor stream down and unblock its goroutine.
	cancelSrc()
	go func() {
		for range events {
		}
	}()

	p.finalize(buf, committed, status, reason, usage)
}

// finalize flushes the remaining buffer, records the terminal status, and
// publishes the terminal event. A store failure here degrades to a logged
// warning: attached consumers still see the terminal event, and a later
// attach resolves against whatever state the store holds.
func (p *producer) finalize(buf []chat.Fragment, committed int, status chat.Status, reason string, usage *chat.Usage) {
	ctx := context.Background()

	if len(buf) > 0 && reason != chat.ReasonStorage {
		if n, err := p.flush(buf, committed); err != nil {
			log.Printf("[producer] session=%s final flush failed: %v", p.sess.ID, err)
			status, reason = chat.StatusFailed, chat.ReasonStorage
		} else {
			committed = n
		}
	}

	var err error
	switch status {
	case chat.StatusInterrupted:
		err = p.svc.store.MarkInterrupted(ctx, p.sess.ID)
	case chat.StatusFailed:
		err = p.svc.store.MarkFailed(ctx, p.sess.ID, reason)
	default:
		status = chat.StatusCompleted
		err = p.svc.store.MarkCompleted(ctx, p.sess.ID, usage)
	}
	if err != nil {
		log.Printf("[producer] session=%s mark %s failed: %v", p.sess.ID, status, err)
	}

	if status == chat.StatusFailed {
		log.Printf("[producer] session=%s failed after %d fragments: %s", p.sess.ID, committed, reason)
	} else {
		log.Printf("[producer] session=%s %s, fragments=%d", p.sess.ID, status, committed)
	}

	p.feed.finish(chat.TerminalEvent(status, reason))
}

// flush persists buf starting at fromSeq and trims the live tail. A
// conflict means an earlier attempt landed: the committed length is re-read
// and the overlap dropped, so overlapping re-flushes are no-ops. Transient
// failures back off and retry before giving up.
func (p *producer) flush(buf []chat.Fragment, fromSeq int) (int, error) {
	ctx := context.Background()
	pending := buf
	from := fromSeq

	for attempt := 0; ; attempt++ {
		err := p.svc.store.Append(ctx, p.sess.ID, pending, from)
		if err == nil {
			n := from + len(pending)
			p.feed.trim(n)
			return n, nil
		}

		if errors.Is(err, checkpoint.ErrConflict) {
			length, lenErr := p.svc.store.CommittedLength(ctx, p.sess.ID)
			if lenErr == nil {
				if length >= from+len(pending) {
					p.feed.trim(length)
					return length, nil
				}
				if length > from {
					pending = pending[length-from:]
					from = length
					continue
				}
			} else {
				err = lenErr
			}
		}

		if attempt >= p.svc.opts.FlushRetries {
			return from, fmt.Errorf("flush session %s after %d attempts: %w", p.sess.ID, attempt+1, err)
		}
		delay := backoffDelay(p.svc.opts.FlushBackoff, attempt)
		log.Printf("[producer] session=%s flush attempt %d failed, retrying in %s: %v",
			p.sess.ID, attempt+1, delay.Round(time.Millisecond), err)
		time.Sleep(delay)
	}
}

// backoffDelay doubles base per attempt, capped, with ±30% jitter.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	if delay > maxFlushBackoff {
		delay = maxFlushBackoff
	}
	jitter := time.Duration(rand.Intn(int(delay)*30*2/100+1)) - time.Duration(int(delay)*30/100)
	return delay + jitter
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
