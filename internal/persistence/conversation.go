package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Turn is one conversation_history row. Tool call payloads are stored as
// opaque JSON text; this layer never inspects them.
type Turn struct {
	ID          int64     `json:"id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	ToolCalls   string    `json:"tool_calls,omitempty"`
	ToolResults string    `json:"tool_results,omitempty"`
	TokensUsed  int       `json:"tokens_used"`
	CreatedAt   time.Time `json:"created_at"`
}

// AppendTurn appends one conversation turn. The table is append-only; rows
// leave only through age-based pruning.
func (s *Store) AppendTurn(ctx context.Context, turn Turn, now time.Time) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO conversation_history
				(role, content, tool_calls, tool_results, tokens_used, created_at)
			VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?);
		`, turn.Role, turn.Content, turn.ToolCalls, turn.ToolResults, turn.TokensUsed, now.UTC())
		if err != nil {
			return fmt.Errorf("append turn: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("turn insert id: %w", err)
		}
		return nil
	})
	return id, err
}

// RecentTurns returns up to limit turns, newest first.
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, tool_calls, tool_results, tokens_used, created_at
		FROM conversation_history
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent turns: %w", err)
	}
	defer rows.Close()

	var out []Turn
	for rows.Next() {
		var t Turn
		var toolCalls, toolResults sql.NullString
		if err := rows.Scan(&t.ID, &t.Role, &t.Content, &toolCalls, &toolResults,
			&t.TokensUsed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.ToolCalls = toolCalls.String
		t.ToolResults = toolResults.String
		t.CreatedAt = t.CreatedAt.UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneTurnsBefore deletes turns created strictly before cutoff and reports
// how many went. Concurrent appends land at now >> cutoff, so they are never
// swept by an in-flight prune.
func (s *Store) PruneTurnsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var pruned int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM conversation_history WHERE created_at < ?;
		`, cutoff.UTC())
		if err != nil {
			return fmt.Errorf("prune turns: %w", err)
		}
		pruned, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("prune rows affected: %w", err)
		}
		return nil
	})
	return pruned, err
}
