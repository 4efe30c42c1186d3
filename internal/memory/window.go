// Package memory builds the bounded conversation context handed to the
// assistant capability, and owns the age-based retention of that history.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-minder/internal/persistence"
	"github.com/basket/go-minder/internal/tokenutil"
)

// WindowConfig controls the context window over conversation_history.
type WindowConfig struct {
	MaxTurns  int           // max turns included (default: 50)
	MaxTokens int           // token budget across included turns (default: 8000)
	Retention time.Duration // age horizon for pruning (default: 4h)
}

func DefaultWindowConfig() WindowConfig {
	return WindowConfig{
		MaxTurns:  50,
		MaxTokens: 8000,
		Retention: 4 * time.Hour,
	}
}

// Window is the conversation context builder backed by the store.
type Window struct {
	store  *persistence.Store
	logger *slog.Logger
	config WindowConfig
}

func NewWindow(store *persistence.Store, logger *slog.Logger, cfg WindowConfig) *Window {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = 50
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8000
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 4 * time.Hour
	}
	return &Window{store: store, logger: logger, config: cfg}
}

// Append records one turn, estimating tokens when the caller has no exact
// count from the provider.
func (w *Window) Append(ctx context.Context, role, content string, tokens int, now time.Time) error {
	if tokens <= 0 {
		tokens = tokenutil.EstimateTokens(content)
	}
	_, err := w.store.AppendTurn(ctx, persistence.Turn{
		Role:       role,
		Content:    content,
		TokensUsed: tokens,
	}, now)
	if err != nil {
		return fmt.Errorf("append conversation turn: %w", err)
	}
	return nil
}

// Build returns the most recent turns that fit the window, oldest first.
// Selection is most-recent-first: newer turns always win the budget.
func (w *Window) Build(ctx context.Context) ([]persistence.Turn, error) {
	turns, err := w.store.RecentTurns(ctx, w.config.MaxTurns)
	if err != nil {
		return nil, fmt.Errorf("load recent turns: %w", err)
	}

	// turns arrive newest first; walk until the token budget runs out.
	total := 0
	kept := 0
	for _, t := range turns {
		cost := t.TokensUsed
		if cost <= 0 {
			cost = tokenutil.EstimateTokens(t.Content)
		}
		if total+cost > w.config.MaxTokens && kept > 0 {
			break
		}
		total += cost
		kept++
	}
	turns = turns[:kept]

	// Reverse into chronological order for the prompt.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// Prune deletes turns older than the retention horizon.
func (w *Window) Prune(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-w.config.Retention)
	pruned, err := w.store.PruneTurnsBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune conversation history: %w", err)
	}
	if pruned > 0 {
		w.logger.Debug("conversation history pruned", "count", pruned, "cutoff", cutoff)
	}
	return pruned, nil
}
