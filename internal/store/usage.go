package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func (s *Store) addRollup(ctx context.Context, day string, threadID uuid.UUID, u Usage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_rollups (day, thread_id, input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (day, thread_id) DO UPDATE SET
			input_tokens = usage_rollups.input_tokens + excluded.input_tokens,
			output_tokens = usage_rollups.output_tokens + excluded.output_tokens,
			cache_read_tokens = usage_rollups.cache_read_tokens + excluded.cache_read_tokens,
			cache_write_tokens = usage_rollups.cache_write_tokens + excluded.cache_write_tokens,
			cost_usd = usage_rollups.cost_usd + excluded.cost_usd`,
		day, threadID.String(), u.InputTokens, u.OutputTokens,
		u.CacheReadTokens, u.CacheWriteTokens, u.CostUSD)
	if err != nil {
		return fmt.Errorf("usage rollup: %w", err)
	}
	return nil
}

// PeriodCost returns the total cost accrued since the start of the current
// budget period (calendar month, UTC).
func (s *Store) PeriodCost(ctx context.Context) (float64, error) {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
	var cost float64
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM usage_rollups WHERE day >= ?`, start)
	if err := row.Scan(&cost); err != nil {
		return 0, fmt.Errorf("period cost: %w", err)
	}
	return cost, nil
}

// UsageStats returns daily rollups for the trailing N days, newest first.
func (s *Store) UsageStats(ctx context.Context, days int) ([]PeriodUsage, error) {
	if days <= 0 || days > 365 {
		days = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")
	rows, err := s.db.QueryContext(ctx,
		`SELECT day,
			SUM(input_tokens), SUM(output_tokens),
			SUM(cache_read_tokens), SUM(cache_write_tokens), SUM(cost_usd)
		 FROM usage_rollups WHERE day >= ?
		 GROUP BY day ORDER BY day DESC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("usage stats: %w", err)
	}
	defer rows.Close()

	var out []PeriodUsage
	for rows.Next() {
		var p PeriodUsage
		if err := rows.Scan(&p.Day, &p.Usage.InputTokens, &p.Usage.OutputTokens,
			&p.Usage.CacheReadTokens, &p.Usage.CacheWriteTokens, &p.Usage.CostUSD); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
