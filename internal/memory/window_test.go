package memory_test

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-minder/internal/memory"
	"github.com/basket/go-minder/internal/persistence"
)

func newTestWindow(t *testing.T, cfg memory.WindowConfig) (*memory.Window, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "minder.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return memory.NewWindow(store, nil, cfg), store
}

func TestWindow_BuildChronologicalWithinBudget(t *testing.T) {
	w, _ := newTestWindow(t, memory.WindowConfig{MaxTurns: 10, MaxTokens: 100})
	ctx := context.Background()
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	// 5 turns of 30 tokens each; budget 100 keeps the newest 3.
	for i := range 5 {
		if err := w.Append(ctx, "user", fmt.Sprintf("turn %d", i), 30, base.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatal(err)
		}
	}

	turns, err := w.Build(ctx)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("window = %d turns, want 3", len(turns))
	}
	for i, want := range []string{"turn 2", "turn 3", "turn 4"} {
		if turns[i].Content != want {
			t.Errorf("turns[%d] = %q, want %q (chronological)", i, turns[i].Content, want)
		}
	}
}

func TestWindow_SingleOversizedTurnStillIncluded(t *testing.T) {
	w, _ := newTestWindow(t, memory.WindowConfig{MaxTokens: 10})
	ctx := context.Background()

	if err := w.Append(ctx, "user", "a very long message", 500, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	turns, err := w.Build(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 {
		t.Errorf("window = %d turns, want the single newest turn despite budget", len(turns))
	}
}

func TestWindow_AppendEstimatesTokens(t *testing.T) {
	w, store := newTestWindow(t, memory.WindowConfig{})
	ctx := context.Background()

	content := strings.Repeat("word ", 100)
	if err := w.Append(ctx, "assistant", content, 0, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	turns, err := store.RecentTurns(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if turns[0].TokensUsed == 0 {
		t.Error("token estimate missing for turn appended without a count")
	}
}

func TestWindow_PruneRespectsRetention(t *testing.T) {
	w, store := newTestWindow(t, memory.WindowConfig{Retention: 4 * time.Hour})
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	if err := w.Append(ctx, "user", "old", 5, now.Add(-5*time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := w.Append(ctx, "user", "recent", 5, now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	pruned, err := w.Prune(ctx, now)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	turns, err := store.RecentTurns(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(turns) != 1 || turns[0].Content != "recent" {
		t.Errorf("survivors = %+v, want only the recent turn", turns)
	}
}
