package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// ActionDigest computes the content digest used for webhook echo matching:
// sha256 over kind|repo|id|body, hex encoded.
func ActionDigest(kind, repo, id, body string) string {
	h := sha256.Sum256([]byte(kind + "|" + repo + "|" + id + "|" + body))
	return hex.EncodeToString(h[:])
}

// RecordAction logs an outbound write performed by a tool. The webhook
// ingester matches inbound deliveries against recent entries to drop echoes
// of the agent's own activity.
func (s *Store) RecordAction(ctx context.Context, rec ActionRecord) error {
	if rec.Kind == "" {
		return fmt.Errorf("%w: action kind is required", ErrInvalidInput)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO action_log (kind, repo, ref_id, digest, meta, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Kind, rec.Repo, rec.ID, rec.Digest, rec.Meta, fmtTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("record action: %w", err)
	}
	return nil
}

// ActionLog adapts the store to the tool-facing action logger interface.
type ActionLog struct {
	S *Store
}

func (l ActionLog) LogAction(ctx context.Context, kind, repo, id, body string) error {
	return l.S.RecordAction(ctx, ActionRecord{
		Kind:   kind,
		Repo:   repo,
		ID:     id,
		Digest: ActionDigest(kind, repo, id, body),
	})
}

// HasRecentAction reports whether an action with the given digest was
// recorded within the window. Used to treat inbound webhooks as echoes.
func (s *Store) HasRecentAction(ctx context.Context, digest string, window time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-window)
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_log WHERE digest = ? AND created_at >= ?`,
		digest, fmtTime(cutoff))
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("recent action: %w", err)
	}
	return n > 0, nil
}

// HasRecentActionKey matches by (kind, repo, id) instead of digest; kept
// for tools that cannot reproduce the webhook body.
func (s *Store) HasRecentActionKey(ctx context.Context, kind, repo, id string, window time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-window)
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_log WHERE kind = ? AND repo = ? AND ref_id = ? AND created_at >= ?`,
		kind, repo, id, fmtTime(cutoff))
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("recent action key: %w", err)
	}
	return n > 0, nil
}

// HasRecentActionKind matches by kind and repo alone, for detectors that
// do not know the artifact id in advance (enforcement milestones).
func (s *Store) HasRecentActionKind(ctx context.Context, kind, repo string, window time.Duration) (bool, error) {
	cutoff := time.Now().UTC().Add(-window)
	var n int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM action_log WHERE kind = ? AND repo = ? AND created_at >= ?`,
		kind, repo, fmtTime(cutoff))
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("recent action kind: %w", err)
	}
	return n > 0, nil
}

// MarkDelivery records a webhook delivery id; a second call with the same
// id returns ErrConflict so the endpoint can answer idempotently.
func (s *Store) MarkDelivery(ctx context.Context, deliveryID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (delivery_id, received_at) VALUES (?, ?)`,
		deliveryID, fmtTime(time.Now()))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("%w: delivery %s already processed", ErrConflict, deliveryID)
		}
		return fmt.Errorf("mark delivery: %w", err)
	}
	return nil
}

// PruneDeliveries drops delivery records older than the retention window.
func (s *Store) PruneDeliveries(ctx context.Context, retention time.Duration) error {
	cutoff := time.Now().UTC().Add(-retention)
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE received_at < ?`, fmtTime(cutoff))
	return err
}

// GetConfig reads one config value. Missing keys return ErrNotFound.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	row := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("get config: %w", err)
	}
	return value, nil
}

// SetConfig writes one config value. Values are opaque strings; callers
// encrypt secrets before storing.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set config: %w", err)
	}
	return nil
}
