// Package checkpoint persists generation progress: an append-only fragment
// log per session plus session and thread metadata. The append operation is
// conflict-checked against the committed length so a retried flush can never
// duplicate or reorder fragments.
package checkpoint

import (
	"context"
	"errors"

	"github.com/midstream-ai/midstream/internal/model/chat"
)

var (
	// ErrConflict signals an append whose offset does not match the
	// committed fragment count. The caller re-reads the committed length
	// and drops the already-persisted prefix before retrying.
	ErrConflict = errors.New("append offset conflicts with committed length")

	// ErrNotFound signals a session id that was never registered.
	ErrNotFound = errors.New("session not found")

	// ErrThreadNotFound signals an unknown thread id.
	ErrThreadNotFound = errors.New("thread not found")
)

// Store abstracts checkpoint persistence (SQLite, in-memory).
//
// Fragments appended by a committed Append are immediately visible to Read
// and CommittedLength. Terminal markers are idempotent; once a session is
// terminal, later markers with a different status are silently ignored.
type Store interface {
	CreateSession(ctx context.Context, sess chat.Session) error
	Session(ctx context.Context, id string) (chat.Session, error)

	// Append atomically persists frags, whose sequence numbers must run
	// contiguously from fromSeq. Returns ErrConflict when fromSeq differs
	// from the session's committed length, ErrNotFound for unknown ids.
	Append(ctx context.Context, id string, frags []chat.Fragment, fromSeq int) error

	// Read returns all committed fragments with seq >= fromSeq in order.
	// An empty result is valid for a session that has committed nothing.
	Read(ctx context.Context, id string, fromSeq int) ([]chat.Fragment, error)

	CommittedLength(ctx context.Context, id string) (int, error)

	MarkCompleted(ctx context.Context, id string, usage *chat.Usage) error
	MarkInterrupted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error

	CreateThread(ctx context.Context, th chat.Thread) error
	Thread(ctx context.Context, id string) (chat.Thread, error)

	// Turns lists the thread's sessions in creation order, each with the
	// response text reconstructed from its committed fragments.
	Turns(ctx context.Context, threadID string) ([]chat.Turn, error)

	Close() error
}
