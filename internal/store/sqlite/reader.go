package sqlite

import (
	"context"
	"fmt"
	"time"

	"trading-valuation/internal/model"
)

// History returns up to limit samples recorded at or after since, newest
// first. A non-positive limit returns 100.
func (s *RateStore) History(ctx context.Context, since time.Time, limit int) ([]model.ExchangeRate, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT value, updated_at
		FROM rate_history
		WHERE updated_at >= ?
		ORDER BY id DESC
		LIMIT ?
	`, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query rate_history: %w", err)
	}
	defer rows.Close()

	var out []model.ExchangeRate
	for rows.Next() {
		var (
			r  model.ExchangeRate
			ms int64
		)
		if err := rows.Scan(&r.Value, &ms); err != nil {
			return nil, fmt.Errorf("sqlite: scan rate_history: %w", err)
		}
		r.UpdatedAt = time.UnixMilli(ms).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
