package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/midstream-ai/midstream/internal/model/chat"
	_ "modernc.org/sqlite"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS threads (
    id         TEXT PRIMARY KEY,
    title      TEXT NOT NULL,
    created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT PRIMARY KEY,
    thread_id     TEXT NOT NULL,
    provider      TEXT NOT NULL,
    model         TEXT NOT NULL,
    prompt        TEXT NOT NULL,
    system_prompt TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL,
    reason        TEXT NOT NULL DEFAULT '',
    committed     INTEGER NOT NULL DEFAULT 0,
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    total_tokens  INTEGER NOT NULL DEFAULT 0,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_thread ON sessions(thread_id, created_at);
CREATE TABLE IF NOT EXISTS fragments (
    session_id TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    text       TEXT NOT NULL,
    PRIMARY KEY (session_id, seq)
);
`

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures
// the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL keeps readers unblocked while a producer appends.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess chat.Session) error {
	if sess.Status == "" {
		sess.Status = chat.StatusRunning
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions
			(id, thread_id, provider, model, prompt, system_prompt, status, reason, committed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		sess.ID, sess.ThreadID, sess.Provider, sess.Model,
		sess.Prompt, sess.System, string(sess.Status), sess.Reason,
		sess.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Session(ctx context.Context, id string) (chat.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, provider, model, prompt, system_prompt,
		       status, reason, committed, input_tokens, output_tokens, total_tokens, created_at
		FROM sessions WHERE id = ?`, id)

	var sess chat.Session
	var status, createdAt string
	var in, out, total int
	err := row.Scan(
		&sess.ID, &sess.ThreadID, &sess.Provider, &sess.Model,
		&sess.Prompt, &sess.System, &status, &sess.Reason,
		&sess.Committed, &in, &out, &total, &createdAt,
	)
	if err == sql.ErrNoRows {
		return chat.Session{}, ErrNotFound
	}
	if err != nil {
		return chat.Session{}, fmt.Errorf("load session: %w", err)
	}

	sess.Status = chat.Status(status)
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if in != 0 || out != 0 || total != 0 {
		sess.Usage = &chat.Usage{InputTokens: in, OutputTokens: out, TotalTokens: total}
	}
	return sess, nil
}

func (s *SQLiteStore) Append(ctx context.Context, id string, frags []chat.Fragment, fromSeq int) error {
	if len(frags) == 0 {
		return nil
	}
	for i, f := range frags {
		if f.Seq != fromSeq+i {
			return fmt.Errorf("fragment seq %d does not follow offset %d", f.Seq, fromSeq+i)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	var committed int
	err = tx.QueryRowContext(ctx, `SELECT committed FROM sessions WHERE id = ?`, id).Scan(&committed)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read committed length: %w", err)
	}
	if committed != fromSeq {
		return ErrConflict
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO fragments (session_id, seq, text) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare append: %w", err)
	}
	defer stmt.Close()
	for _, f := range frags {
		if _, err := stmt.ExecContext(ctx, id, f.Seq, f.Text); err != nil {
			return fmt.Errorf("append fragment %d: %w", f.Seq, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET committed = ? WHERE id = ?`, fromSeq+len(frags), id); err != nil {
		return fmt.Errorf("advance committed length: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Read(ctx context.Context, id string, fromSeq int) ([]chat.Fragment, error) {
	if _, err := s.CommittedLength(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, text FROM fragments WHERE session_id = ? AND seq >= ? ORDER BY seq`, id, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("read fragments: %w", err)
	}
	defer rows.Close()

	var frags []chat.Fragment
	for rows.Next() {
		var f chat.Fragment
		if err := rows.Scan(&f.Seq, &f.Text); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		frags = append(frags, f)
	}
	return frags, rows.Err()
}

func (s *SQLiteStore) CommittedLength(ctx context.Context, id string) (int, error) {
	var committed int
	err := s.db.QueryRowContext(ctx, `SELECT committed FROM sessions WHERE id = ?`, id).Scan(&committed)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("read committed length: %w", err)
	}
	return committed, nil
}

func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string, usage *chat.Usage) error {
	var in, out, total int
	if usage != nil {
		in, out, total = usage.InputTokens, usage.OutputTokens, usage.TotalTokens
	}
	return s.mark(ctx, id, chat.StatusCompleted, "", in, out, total)
}

func (s *SQLiteStore) MarkInterrupted(ctx context.Context, id string) error {
	return s.mark(ctx, id, chat.StatusInterrupted, "", 0, 0, 0)
}

func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, reason string) error {
	return s.mark(ctx, id, chat.StatusFailed, reason, 0, 0, 0)
}

// mark transitions a running session to a terminal status. Re-marking with
// the same status is a no-op success; once terminal, a different status is
// ignored so the first recorded outcome wins.
func (s *SQLiteStore) mark(ctx context.Context, id string, status chat.Status, reason string, in, out, total int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET status = ?, reason = ?, input_tokens = ?, output_tokens = ?, total_tokens = ?
		WHERE id = ? AND status IN (?, ?)`,
		string(status), reason, in, out, total,
		id, string(chat.StatusRunning), string(status),
	)
	if err != nil {
		return fmt.Errorf("mark %s: %w", status, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateThread(ctx context.Context, th chat.Thread) error {
	if th.CreatedAt.IsZero() {
		th.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO threads (id, title, created_at) VALUES (?, ?, ?)`,
		th.ID, th.Title, th.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Thread(ctx context.Context, id string) (chat.Thread, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, created_at FROM threads WHERE id = ?`, id)

	var th chat.Thread
	var createdAt string
	err := row.Scan(&th.ID, &th.Title, &createdAt)
	if err == sql.ErrNoRows {
		return chat.Thread{}, ErrThreadNotFound
	}
	if err != nil {
		return chat.Thread{}, fmt.Errorf("load thread: %w", err)
	}
	th.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return th, nil
}

func (s *SQLiteStore) Turns(ctx context.Context, threadID string) ([]chat.Turn, error) {
	if _, err := s.Thread(ctx, threadID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt, status, input_tokens, output_tokens, total_tokens, created_at
		FROM sessions WHERE thread_id = ? ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []chat.Turn
	for rows.Next() {
		var t chat.Turn
		var status, createdAt string
		var in, out, total int
		if err := rows.Scan(&t.SessionID, &t.Prompt, &status, &in, &out, &total, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Status = chat.Status(status)
		t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		if in != 0 || out != 0 || total != 0 {
			t.Usage = &chat.Usage{InputTokens: in, OutputTokens: out, TotalTokens: total}
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range turns {
		frags, err := s.Read(ctx, turns[i].SessionID, 0)
		if err != nil {
			return nil, err
		}
		var b strings.Builder
		for _, f := range frags {
			b.WriteString(f.Text)
		}
		turns[i].Text = b.String()
	}
	return turns, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
