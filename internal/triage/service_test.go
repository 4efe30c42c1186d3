package triage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/basket/go-minder/internal/brain"
	"github.com/basket/go-minder/internal/channels"
	"github.com/basket/go-minder/internal/lifecycle"
	"github.com/basket/go-minder/internal/persistence"
)

type captureNotifier struct {
	mu   sync.Mutex
	sent []channels.Notification
	fail bool
}

func (c *captureNotifier) Notify(_ context.Context, n channels.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("channel down")
	}
	c.sent = append(c.sent, n)
	return nil
}

func newTestService(t *testing.T) (*Service, *persistence.Store, *captureNotifier) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "minder.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := lifecycle.New(store, logger, lifecycle.Config{})
	notifier := &captureNotifier{}
	return New(store, mgr, notifier, "owner", logger), store, notifier
}

func TestEnqueueNonUrgentStaysQuiet(t *testing.T) {
	svc, store, notifier := newTestService(t)
	ctx := t.Context()

	id, err := svc.Enqueue(ctx, persistence.Message{ID: 0, ChatID: 7, SenderName: "dana", Text: "maybe we should sync up"},
		brain.Classification{Type: "task", Confidence: 45})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(notifier.sent) != 0 {
		t.Fatalf("non-urgent enqueue notified: %v", notifier.sent)
	}
	entry, err := store.GetTriageEntry(ctx, id)
	if err != nil {
		t.Fatalf("get entry: %v", err)
	}
	if entry.Resolved || entry.IsUrgent {
		t.Fatalf("unexpected flags: %+v", entry)
	}
}

func TestEnqueueUrgentPushesImmediately(t *testing.T) {
	svc, _, notifier := newTestService(t)

	id, err := svc.Enqueue(t.Context(), persistence.Message{ChatID: 7, SenderName: "dana", Text: "server room is flooding"},
		brain.Classification{Type: "task", Confidence: 50, IsUrgent: true})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(notifier.sent) != 1 {
		t.Fatalf("want 1 urgent push, got %d", len(notifier.sent))
	}
	if !strings.Contains(notifier.sent[0].Text, "server room is flooding") {
		t.Fatalf("push missing preview: %q", notifier.sent[0].Text)
	}
	if !strings.Contains(notifier.sent[0].Text, "/confirm") {
		t.Fatalf("push missing verdict hint: %q", notifier.sent[0].Text)
	}
	_ = id
}

func TestEnqueueUrgentSurvivesNotifierFailure(t *testing.T) {
	svc, store, notifier := newTestService(t)
	notifier.fail = true

	id, err := svc.Enqueue(t.Context(), persistence.Message{ChatID: 7, Text: "urgent thing"},
		brain.Classification{Type: "task", Confidence: 50, IsUrgent: true})
	if err != nil {
		t.Fatalf("enqueue should not fail on notify error: %v", err)
	}
	if _, err := store.GetTriageEntry(t.Context(), id); err != nil {
		t.Fatalf("entry lost after notify failure: %v", err)
	}
}

func TestResolveConfirmMaterializesTask(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := t.Context()

	id, err := svc.Enqueue(ctx, persistence.Message{ChatID: 7, SenderName: "dana", Text: "can you review the contract"},
		brain.Classification{Type: "task", Confidence: 55})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().UTC().Add(48 * time.Hour).Truncate(time.Second)
	taskID, err := svc.Resolve(ctx, id, Verdict{ActualType: "task", Reason: "real request", Deadline: &deadline})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if taskID == 0 {
		t.Fatal("confirmed verdict did not materialize a task")
	}

	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.Confidence != 100 {
		t.Fatalf("confirmed task confidence = %d, want 100", task.Confidence)
	}
	if task.Who != "dana" {
		t.Fatalf("who = %q, want sender fallback", task.Who)
	}
	if task.Deadline == nil || !task.Deadline.Equal(deadline) {
		t.Fatalf("deadline = %v, want %v", task.Deadline, deadline)
	}
}

func TestResolveRejectWritesFeedbackOnly(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := t.Context()

	id, err := svc.Enqueue(ctx, persistence.Message{ChatID: 7, Text: "lol nice one"},
		brain.Classification{Type: "task", Confidence: 40})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	taskID, err := svc.Resolve(ctx, id, Verdict{ActualType: "info", Reason: "just banter"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if taskID != 0 {
		t.Fatalf("rejected verdict materialized task %d", taskID)
	}
	active, overdue, err := store.TaskCounts(ctx)
	if err != nil {
		t.Fatalf("task counts: %v", err)
	}
	if active != 0 || overdue != 0 {
		t.Fatalf("unexpected tasks after reject: active=%d overdue=%d", active, overdue)
	}
}

func TestResolveIncomingPromiseTracksCompletion(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := t.Context()

	id, err := svc.Enqueue(ctx, persistence.Message{ChatID: 7, SenderName: "miko", Text: "I'll send the report tomorrow"},
		brain.Classification{Type: "promise_incoming", Confidence: 52})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	taskID, err := svc.Resolve(ctx, id, Verdict{ActualType: "promise_incoming"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if !task.TrackCompletion {
		t.Fatal("incoming promise should be tracked for completion")
	}
}

func TestResolveTwiceFails(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := t.Context()

	id, err := svc.Enqueue(ctx, persistence.Message{ChatID: 7, Text: "hm"},
		brain.Classification{Type: "task", Confidence: 40})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.Resolve(ctx, id, Verdict{ActualType: "info"}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if _, err := svc.Resolve(ctx, id, Verdict{ActualType: "task"}); !errors.Is(err, persistence.ErrTriageNotFound) {
		t.Fatalf("second resolve err = %v, want ErrTriageNotFound", err)
	}
}

func TestNextBatchHonorsDailyLimit(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := t.Context()

	if err := store.SettingSet(ctx, persistence.SettingConfidenceDailyLimit, "3"); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	base := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	for i := range 5 {
		svc.SetClock(func() time.Time { return base.Add(time.Duration(i) * time.Minute) })
		if _, err := svc.Enqueue(ctx, persistence.Message{ChatID: 7, Text: "item"},
			brain.Classification{Type: "task", Confidence: 40}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	batch, err := svc.NextBatch(ctx)
	if err != nil {
		t.Fatalf("next batch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("batch size = %d, want 3", len(batch))
	}
	for i := 1; i < len(batch); i++ {
		if batch[i].CreatedAt.Before(batch[i-1].CreatedAt) {
			t.Fatal("batch not oldest-first")
		}
	}
}

func TestFormatBatch(t *testing.T) {
	if got := FormatBatch(nil); got != "" {
		t.Fatalf("empty batch rendered %q", got)
	}
	out := FormatBatch([]persistence.TriageEntry{
		{ID: 4, PredictedType: "task", Confidence: 48, SenderName: "dana", TextPreview: "fix the door"},
	})
	for _, want := range []string{"#4", "task", "48%", "dana", "fix the door", "/confirm"} {
		if !strings.Contains(out, want) {
			t.Fatalf("rendered batch missing %q:\n%s", want, out)
		}
	}
}

func TestPreviewCollapsesAndCaps(t *testing.T) {
	got := preview("  hello\n\n  world  ")
	if got != "hello world" {
		t.Fatalf("preview = %q", got)
	}
	long := strings.Repeat("a", 300)
	if got := preview(long); len(got) > 204 || !strings.HasSuffix(got, "…") {
		t.Fatalf("long preview not capped: len=%d", len(got))
	}
}

func TestPreviewCutsOnRuneBoundary(t *testing.T) {
	// "a" pushes the 200-byte cut into the middle of a two-byte rune.
	got := preview("a" + strings.Repeat("п", 300))
	if !utf8.ValidString(got) {
		t.Fatalf("preview emitted invalid UTF-8: %q", got)
	}
	if !strings.HasSuffix(got, "…") {
		t.Fatalf("long preview missing ellipsis: %q", got)
	}
	if strings.ContainsRune(strings.TrimSuffix(got, "…"), utf8.RuneError) {
		t.Fatalf("preview contains replacement rune: %q", got)
	}
}
