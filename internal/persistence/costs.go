package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-minder/internal/bus"
)

// CostEntry is one append-only api_costs row.
type CostEntry struct {
	Method    string
	Model     string
	TokensIn  int
	TokensOut int
	CostUSD   float64
}

// RecordCost appends a cost ledger row. Never updated, never deleted.
func (s *Store) RecordCost(ctx context.Context, e CostEntry, now time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO api_costs (method, model, tokens_in, tokens_out, cost_usd, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, e.Method, e.Model, e.TokensIn, e.TokensOut, e.CostUSD, now.UTC())
		if err != nil {
			return fmt.Errorf("record cost: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicBrainCall, bus.BrainEvent{
			Method:    e.Method,
			Model:     e.Model,
			TokensIn:  e.TokensIn,
			TokensOut: e.TokensOut,
			CostUSD:   e.CostUSD,
		})
	}
	return nil
}

// DailySpend sums ledger rows for one UTC calendar day; a read-only rollup.
func (s *Store) DailySpend(ctx context.Context, day time.Time) (costUSD float64, tokensIn, tokensOut int, err error) {
	start := time.Date(day.UTC().Year(), day.UTC().Month(), day.UTC().Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(cost_usd), 0), COALESCE(SUM(tokens_in), 0), COALESCE(SUM(tokens_out), 0)
		FROM api_costs
		WHERE created_at >= ? AND created_at < ?;
	`, start, end).Scan(&costUSD, &tokensIn, &tokensOut)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("daily spend rollup: %w", err)
	}
	return costUSD, tokensIn, tokensOut, nil
}
