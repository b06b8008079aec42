package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AppendEvent appends one event to a thread and returns it with its
// assigned seq. Sequence numbers are dense, starting at 1. The per-thread
// lock makes the read-max/insert pair atomic; a unique-key violation (a
// writer bypassing the lock) surfaces as ErrConflict and callers retry.
func (s *Store) AppendEvent(ctx context.Context, threadID uuid.UUID, in EventInput) (*Event, error) {
	l := s.threadLock(threadID)
	l.Lock()
	defer l.Unlock()

	return s.appendEventLocked(ctx, threadID, in)
}

// AppendEventLocked is AppendEvent for callers already holding the thread
// lock via LockThread (the agent runtime during a turn).
func (s *Store) AppendEventLocked(ctx context.Context, threadID uuid.UUID, in EventInput) (*Event, error) {
	return s.appendEventLocked(ctx, threadID, in)
}

func (s *Store) appendEventLocked(ctx context.Context, threadID uuid.UUID, in EventInput) (*Event, error) {
	if in.Type == "" || in.Direction == "" {
		return nil, fmt.Errorf("%w: event type and direction are required", ErrInvalidInput)
	}

	var seq int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE thread_id = ?`, threadID.String())
	if err := row.Scan(&seq); err != nil {
		return nil, fmt.Errorf("tail seq: %w", err)
	}
	seq++

	ev := &Event{
		ID:        uuid.New(),
		ThreadID:  threadID,
		Seq:       seq,
		Direction: in.Direction,
		Actor:     in.Actor,
		Channel:   in.Channel,
		Type:      in.Type,
		Content:   in.Content,
		Meta:      in.Meta,
		Usage:     in.Usage,
		CreatedAt: time.Now().UTC(),
	}

	content, err := json.Marshal(ev.Content)
	if err != nil {
		return nil, fmt.Errorf("marshal content: %w", err)
	}
	var meta, usage any
	if len(ev.Meta) > 0 {
		b, _ := json.Marshal(ev.Meta)
		meta = string(b)
	}
	if ev.Usage != nil {
		b, _ := json.Marshal(ev.Usage)
		usage = string(b)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (id, thread_id, seq, direction, actor, channel, message_type, content, meta, usage, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID.String(), threadID.String(), seq, ev.Direction, ev.Actor, ev.Channel,
		ev.Type, string(content), meta, usage, fmtTime(ev.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return nil, fmt.Errorf("%w: seq %d already taken on thread %s", ErrConflict, seq, threadID)
		}
		return nil, fmt.Errorf("append event: %w", err)
	}

	s.db.ExecContext(ctx, `UPDATE threads SET updated_at = ? WHERE id = ?`,
		fmtTime(ev.CreatedAt), threadID.String())
	return ev, nil
}

const eventColumns = `id, thread_id, seq, direction, actor, channel, message_type, content, meta, usage, compacted, created_at`

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var (
		ev          Event
		id, tid     string
		content     string
		meta, usage sql.NullString
		createdAt   string
	)
	err := row.Scan(&id, &tid, &ev.Seq, &ev.Direction, &ev.Actor, &ev.Channel, &ev.Type,
		&content, &meta, &usage, &ev.Compacted, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	ev.ID = uuid.MustParse(id)
	ev.ThreadID = uuid.MustParse(tid)
	if err := json.Unmarshal([]byte(content), &ev.Content); err != nil {
		return nil, fmt.Errorf("decode content: %w", err)
	}
	if meta.Valid {
		json.Unmarshal([]byte(meta.String), &ev.Meta)
	}
	if usage.Valid {
		ev.Usage = &Usage{}
		json.Unmarshal([]byte(usage.String), ev.Usage)
	}
	ev.CreatedAt = parseTime(createdAt)
	return &ev, nil
}

// GetEvent loads one event by id.
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id.String())
	return scanEvent(row)
}

// ListEvents returns events of a thread in seq order. Compacted events are
// hidden unless IncludeCompacted is set; the summary event covering them is
// always included.
func (s *Store) ListEvents(ctx context.Context, threadID uuid.UUID, f EventFilter) ([]*Event, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}

	var sb strings.Builder
	sb.WriteString(`SELECT ` + eventColumns + ` FROM events WHERE thread_id = ?`)
	args := []any{threadID.String()}
	if !f.IncludeCompacted {
		sb.WriteString(` AND compacted = 0`)
	}
	if f.AfterSeq > 0 {
		sb.WriteString(` AND seq > ?`)
		args = append(args, f.AfterSeq)
	}
	if f.BeforeSeq > 0 {
		sb.WriteString(` AND seq < ?`)
		args = append(args, f.BeforeSeq)
	}
	sb.WriteString(` ORDER BY seq LIMIT ?`)
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// TailSeq returns the highest seq of a thread (0 when empty).
func (s *Store) TailSeq(ctx context.Context, threadID uuid.UUID) (int64, error) {
	var seq int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) FROM events WHERE thread_id = ?`, threadID.String())
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("tail seq: %w", err)
	}
	return seq, nil
}

// CountLiveEvents counts the non-compacted events of a thread.
func (s *Store) CountLiveEvents(ctx context.Context, threadID uuid.UUID) (int64, error) {
	var n int64
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE thread_id = ? AND compacted = 0`, threadID.String())
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// MarkCompacted flags every event with seq ≤ upTo as compacted. The events
// remain stored and the UI can expand them on demand.
func (s *Store) MarkCompacted(ctx context.Context, threadID uuid.UUID, upTo int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE events SET compacted = 1 WHERE thread_id = ? AND seq <= ? AND message_type != 'summary'`,
		threadID.String(), upTo)
	if err != nil {
		return fmt.Errorf("mark compacted: %w", err)
	}
	return nil
}

// Search scans thread topics and event text for the query. Topic matches
// rank before body matches; within each bucket recency wins.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchMatch, error) {
	query = strings.TrimSpace(query)
	if len(query) < 2 {
		return nil, fmt.Errorf("%w: query must be at least 2 characters", ErrInvalidInput)
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	pattern := "%" + escapeLike(query) + "%"

	var out []SearchMatch

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, topic, updated_at FROM threads
		 WHERE status != 'archived' AND topic LIKE ? ESCAPE '\'
		 ORDER BY updated_at DESC LIMIT ?`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search topics: %w", err)
	}
	for rows.Next() {
		var id, topic, updated string
		if err := rows.Scan(&id, &topic, &updated); err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, SearchMatch{
			ThreadID: uuid.MustParse(id),
			Topic:    topic,
			Snippet:  topic,
			Updated:  parseTime(updated),
		})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(out) >= limit {
		return out[:limit], nil
	}

	// Body matches: content is a JSON blob, so match against the extracted
	// text field to avoid hits on structural keys.
	rows, err = s.db.QueryContext(ctx,
		`SELECT e.thread_id, t.topic, e.seq, json_extract(e.content, '$.text'), t.updated_at
		 FROM events e JOIN threads t ON t.id = e.thread_id
		 WHERE t.status != 'archived' AND e.compacted = 0
		   AND json_extract(e.content, '$.text') LIKE ? ESCAPE '\'
		 ORDER BY e.created_at DESC LIMIT ?`, pattern, limit-len(out))
	if err != nil {
		return nil, fmt.Errorf("search events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var tid, topic, updated string
		var seq int64
		var text sql.NullString
		if err := rows.Scan(&tid, &topic, &seq, &text, &updated); err != nil {
			return nil, err
		}
		out = append(out, SearchMatch{
			ThreadID: uuid.MustParse(tid),
			Topic:    topic,
			Seq:      seq,
			Snippet:  snippetAround(text.String, query),
			Updated:  parseTime(updated),
		})
	}
	return out, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippetAround trims text to a window around the first case-insensitive
// occurrence of query.
func snippetAround(text, query string) string {
	const window = 60
	idx := strings.Index(strings.ToLower(text), strings.ToLower(query))
	if idx < 0 {
		if len(text) > 2*window {
			return text[:2*window] + "…"
		}
		return text
	}
	start := idx - window
	if start < 0 {
		start = 0
	}
	end := idx + len(query) + window
	if end > len(text) {
		end = len(text)
	}
	snippet := text[start:end]
	if start > 0 {
		snippet = "…" + snippet
	}
	if end < len(text) {
		snippet += "…"
	}
	return snippet
}
