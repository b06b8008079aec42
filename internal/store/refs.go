package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertReference inserts a reference or updates the status/url of an
// existing one. (thread, ref_type, repo, number|sha) is unique.
func (s *Store) UpsertReference(ctx context.Context, ref Reference) error {
	if ref.RefType == "" || ref.Repo == "" {
		return fmt.Errorf("%w: ref_type and repo are required", ErrInvalidInput)
	}
	if ref.Status == "" {
		ref.Status = RefUnknown
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refs (thread_id, ref_type, repo, number, sha, status, url, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (thread_id, ref_type, repo, number, sha)
		 DO UPDATE SET status = excluded.status, url = CASE WHEN excluded.url != '' THEN excluded.url ELSE refs.url END`,
		ref.ThreadID.String(), ref.RefType, ref.Repo, ref.Number, ref.SHA,
		ref.Status, ref.URL, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("upsert reference: %w", err)
	}
	return nil
}

// ListReferences returns the references of one thread.
func (s *Store) ListReferences(ctx context.Context, threadID uuid.UUID) ([]Reference, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT thread_id, ref_type, repo, number, sha, status, url, created_at
		 FROM refs WHERE thread_id = ? ORDER BY created_at`, threadID.String())
	if err != nil {
		return nil, fmt.Errorf("list references: %w", err)
	}
	defer rows.Close()

	var out []Reference
	for rows.Next() {
		ref, err := scanRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ref)
	}
	return out, rows.Err()
}

// FindThreadByReference looks up the thread bound to (repo, type, number).
// The newest binding wins when several threads referenced the artifact.
func (s *Store) FindThreadByReference(ctx context.Context, repo, refType string, number int64) (*Thread, error) {
	var tid string
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id FROM refs WHERE repo = ? AND ref_type = ? AND number = ?
		 ORDER BY created_at DESC LIMIT 1`, repo, refType, number)
	if err := row.Scan(&tid); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find by reference: %w", err)
	}
	return s.GetThread(ctx, uuid.MustParse(tid))
}

// FindThreadByBranch looks up the thread bound to a branch of a repo.
// Branch references carry the branch name in the sha column.
func (s *Store) FindThreadByBranch(ctx context.Context, repo, branch string) (*Thread, error) {
	var tid string
	row := s.db.QueryRowContext(ctx,
		`SELECT thread_id FROM refs WHERE repo = ? AND ref_type = ? AND sha = ?
		 ORDER BY created_at DESC LIMIT 1`, repo, RefBranch, branch)
	if err := row.Scan(&tid); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find by branch: %w", err)
	}
	return s.GetThread(ctx, uuid.MustParse(tid))
}

// SetReferenceStatus updates the status of every binding of (repo, type,
// number). Transitions form the DAG open → {closed, merged}.
func (s *Store) SetReferenceStatus(ctx context.Context, repo, refType string, number int64, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE refs SET status = ? WHERE repo = ? AND ref_type = ? AND number = ?`,
		status, repo, refType, number)
	if err != nil {
		return fmt.Errorf("set reference status: %w", err)
	}
	return nil
}

func scanRef(rows *sql.Rows) (Reference, error) {
	var (
		ref       Reference
		tid       string
		createdAt string
	)
	err := rows.Scan(&tid, &ref.RefType, &ref.Repo, &ref.Number, &ref.SHA,
		&ref.Status, &ref.URL, &createdAt)
	if err != nil {
		return ref, fmt.Errorf("scan reference: %w", err)
	}
	ref.ThreadID = uuid.MustParse(tid)
	ref.CreatedAt = parseTime(createdAt)
	return ref, nil
}
