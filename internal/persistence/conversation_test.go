package persistence_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/basket/go-minder/internal/persistence"
)

func TestAppendTurn_AndRecentNewestFirst(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	for i := range 5 {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if _, err := store.AppendTurn(ctx, persistence.Turn{
			Role:       role,
			Content:    fmt.Sprintf("turn %d", i),
			TokensUsed: 10 * i,
		}, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("append turn %d: %v", i, err)
		}
	}

	turns, err := store.RecentTurns(ctx, 3)
	if err != nil {
		t.Fatalf("recent turns: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("turns = %d, want 3", len(turns))
	}
	for i, want := range []string{"turn 4", "turn 3", "turn 2"} {
		if turns[i].Content != want {
			t.Errorf("turns[%d] = %q, want %q", i, turns[i].Content, want)
		}
	}
}

func TestAppendTurn_ToolPayloadsOpaque(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	id, err := store.AppendTurn(ctx, persistence.Turn{
		Role:        "assistant",
		Content:     "checking your calendar",
		ToolCalls:   `[{"name":"calendar.list","args":{}}]`,
		ToolResults: `[{"ok":true}]`,
	}, now)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if id == 0 {
		t.Fatal("expected row id")
	}

	turns, err := store.RecentTurns(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if turns[0].ToolCalls != `[{"name":"calendar.list","args":{}}]` {
		t.Errorf("tool_calls = %q", turns[0].ToolCalls)
	}
	if turns[0].ToolResults != `[{"ok":true}]` {
		t.Errorf("tool_results = %q", turns[0].ToolResults)
	}
}

func TestPruneTurnsBefore(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	old := now.Add(-5 * time.Hour)
	boundary := now.Add(-4 * time.Hour)
	fresh := now.Add(-time.Hour)
	for _, at := range []time.Time{old, boundary, fresh} {
		if _, err := store.AppendTurn(ctx, persistence.Turn{Role: "user", Content: "t"}, at); err != nil {
			t.Fatal(err)
		}
	}

	pruned, err := store.PruneTurnsBefore(ctx, boundary)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1 (strictly older only)", pruned)
	}

	turns, err := store.RecentTurns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 2 {
		t.Errorf("surviving turns = %d, want 2 (boundary row kept)", len(turns))
	}

	// Re-running the prune is a no-op.
	pruned, err = store.PruneTurnsBefore(ctx, boundary)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 0 {
		t.Errorf("second prune = %d, want 0", pruned)
	}
}
