package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateThreadInput describes a new thread. Parent and ForkEventID are set
// together when the thread is a fork.
type CreateThreadInput struct {
	Channel     string
	Topic       string
	RepoTag     string
	Tags        []string
	ParentID    *uuid.UUID
	ForkEventID *uuid.UUID
}

// CreateThread inserts a new thread in status paused. When ParentID is set,
// ForkEventID must reference an event belonging to the parent; otherwise
// ErrInvariant is returned.
func (s *Store) CreateThread(ctx context.Context, in CreateThreadInput) (*Thread, error) {
	if in.Channel == "" {
		return nil, fmt.Errorf("%w: channel is required", ErrInvalidInput)
	}

	var forkSeq int64
	if in.ParentID != nil {
		if in.ForkEventID == nil {
			return nil, fmt.Errorf("%w: fork requires a fork point event", ErrInvariant)
		}
		ev, err := s.GetEvent(ctx, *in.ForkEventID)
		if err != nil {
			return nil, fmt.Errorf("%w: fork point event not found", ErrInvariant)
		}
		if ev.ThreadID != *in.ParentID {
			return nil, fmt.Errorf("%w: fork point does not belong to parent", ErrInvariant)
		}
		forkSeq = ev.Seq
	}

	now := time.Now().UTC()
	t := &Thread{
		ID:          uuid.New(),
		Topic:       in.Topic,
		Channel:     in.Channel,
		Status:      StatusPaused,
		ParentID:    in.ParentID,
		ForkEventID: in.ForkEventID,
		ForkSeq:     forkSeq,
		RepoTag:     in.RepoTag,
		Tags:        in.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Topic == "" {
		t.Topic = "Conversation " + now.Format("Jan 2 15:04")
	}

	tags, _ := json.Marshal(t.Tags)
	var parent, forkEvent any
	if t.ParentID != nil {
		parent = t.ParentID.String()
	}
	if t.ForkEventID != nil {
		forkEvent = t.ForkEventID.String()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, topic, channel, status, parent_id, fork_event_id, fork_seq, repo_tag, tags, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.Topic, t.Channel, string(t.Status), parent, forkEvent, t.ForkSeq,
		t.RepoTag, string(tags), fmtTime(now), fmtTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return t, nil
}

const threadColumns = `id, topic, channel, status, parent_id, fork_event_id, fork_seq, agent_running,
	repo_tag, tags, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens,
	cost_usd, duration_ms, created_at, updated_at`

func scanThread(row interface{ Scan(...any) error }) (*Thread, error) {
	var (
		t                    Thread
		id                   string
		parent, forkEvent    sql.NullString
		status, tags         string
		createdAt, updatedAt string
	)
	err := row.Scan(&id, &t.Topic, &t.Channel, &status, &parent, &forkEvent, &t.ForkSeq,
		&t.AgentRunning, &t.RepoTag, &tags,
		&t.Usage.InputTokens, &t.Usage.OutputTokens, &t.Usage.CacheReadTokens,
		&t.Usage.CacheWriteTokens, &t.Usage.CostUSD, &t.Usage.DurationMS,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	t.ID = uuid.MustParse(id)
	t.Status = ThreadStatus(status)
	if parent.Valid {
		p := uuid.MustParse(parent.String)
		t.ParentID = &p
	}
	if forkEvent.Valid {
		f := uuid.MustParse(forkEvent.String)
		t.ForkEventID = &f
	}
	json.Unmarshal([]byte(tags), &t.Tags)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	return &t, nil
}

// GetThread loads one thread by id.
func (s *Store) GetThread(ctx context.Context, id uuid.UUID) (*Thread, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE id = ?`, id.String())
	return scanThread(row)
}

// ListThreads returns threads newest-first, optionally filtered by status.
// Archived threads are excluded unless explicitly requested.
func (s *Store) ListThreads(ctx context.Context, f ThreadFilter) ([]*Thread, error) {
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if f.Status != "" {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+threadColumns+` FROM threads WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
			string(f.Status), limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+threadColumns+` FROM threads WHERE status != 'archived' ORDER BY updated_at DESC LIMIT ?`,
			limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Children returns the direct fork children of a thread.
func (s *Store) Children(ctx context.Context, id uuid.UUID) ([]*Thread, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE parent_id = ? ORDER BY created_at`, id.String())
	if err != nil {
		return nil, fmt.Errorf("children: %w", err)
	}
	defer rows.Close()

	var out []*Thread
	for rows.Next() {
		t, err := scanThread(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetThreadStatus updates the lifecycle status. The status=active ⇔
// agent_running invariant is maintained here: entering active sets the
// running flag, leaving it clears the flag.
func (s *Store) SetThreadStatus(ctx context.Context, id uuid.UUID, status ThreadStatus) error {
	running := 0
	if status == StatusActive {
		running = 1
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET status = ?, agent_running = ?, updated_at = ? WHERE id = ?`,
		string(status), running, fmtTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetThreadTopic renames the thread.
func (s *Store) SetThreadTopic(ctx context.Context, id uuid.UUID, topic string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET topic = ?, updated_at = ? WHERE id = ?`,
		topic, fmtTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("set topic: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetThreadTags replaces the free-form tag set.
func (s *Store) SetThreadTags(ctx context.Context, id uuid.UUID, tags []string) error {
	data, _ := json.Marshal(tags)
	res, err := s.db.ExecContext(ctx,
		`UPDATE threads SET tags = ?, updated_at = ? WHERE id = ?`,
		string(data), fmtTime(time.Now()), id.String())
	if err != nil {
		return fmt.Errorf("set tags: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetThreadRepoTag sets the repo tag used for task context keying.
func (s *Store) SetThreadRepoTag(ctx context.Context, id uuid.UUID, repo string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE threads SET repo_tag = ?, updated_at = ? WHERE id = ?`,
		repo, fmtTime(time.Now()), id.String())
	return err
}

// AddThreadUsage increments the per-thread aggregate and the daily rollup.
// Derived on write so budget queries stay O(1).
func (s *Store) AddThreadUsage(ctx context.Context, id uuid.UUID, u Usage) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`UPDATE threads SET
			input_tokens = input_tokens + ?,
			output_tokens = output_tokens + ?,
			cache_read_tokens = cache_read_tokens + ?,
			cache_write_tokens = cache_write_tokens + ?,
			cost_usd = cost_usd + ?,
			duration_ms = duration_ms + ?,
			updated_at = ?
		 WHERE id = ?`,
		u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens,
		u.CostUSD, u.DurationMS, fmtTime(now), id.String())
	if err != nil {
		return fmt.Errorf("add thread usage: %w", err)
	}
	return s.addRollup(ctx, now.Format("2006-01-02"), id, u)
}

// DeleteThread removes a thread and its events. Only archived threads may
// be deleted.
func (s *Store) DeleteThread(ctx context.Context, id uuid.UUID) error {
	t, err := s.GetThread(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusArchived {
		return fmt.Errorf("%w: only archived threads can be deleted", ErrConflict)
	}
	_, err = s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}
