package lifecycle_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-minder/internal/lifecycle"
	"github.com/basket/go-minder/internal/persistence"
)

func newTestManager(t *testing.T, cfg lifecycle.Config) (*lifecycle.Manager, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "minder.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return lifecycle.New(store, nil, cfg), store
}

func TestCreate_Validation(t *testing.T) {
	mgr, _ := newTestManager(t, lifecycle.Config{})
	ctx := context.Background()

	cases := []struct {
		name  string
		draft persistence.TaskDraft
	}{
		{"unknown type", persistence.TaskDraft{Type: "chore", Description: "x", Confidence: 90}},
		{"empty description", persistence.TaskDraft{Type: persistence.TaskTypeTask, Description: "   ", Confidence: 90}},
		{"confidence too high", persistence.TaskDraft{Type: persistence.TaskTypeTask, Description: "x", Confidence: 101}},
		{"confidence negative", persistence.TaskDraft{Type: persistence.TaskTypeTask, Description: "x", Confidence: -1}},
		{"bad recurrence", persistence.TaskDraft{Type: persistence.TaskTypeTask, Description: "x", Confidence: 90, Recurrence: "fortnightly"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := mgr.Create(ctx, tc.draft); !errors.Is(err, lifecycle.ErrValidation) {
				t.Errorf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestCreate_ValidDraft(t *testing.T) {
	mgr, store := newTestManager(t, lifecycle.Config{})
	ctx := context.Background()

	id, err := mgr.Create(ctx, persistence.TaskDraft{
		Type:        persistence.TaskTypePromiseIncoming,
		Description: "send over the draft",
		Who:         "kate",
		Confidence:  88,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err := store.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Status != persistence.TaskStatusActive || task.Who != "kate" {
		t.Errorf("task = %+v", task)
	}
}

func TestCompleteAndCancel(t *testing.T) {
	mgr, _ := newTestManager(t, lifecycle.Config{})
	ctx := context.Background()

	id, err := mgr.Create(ctx, persistence.TaskDraft{
		Type: persistence.TaskTypeTask, Description: "one", Confidence: 90,
	})
	if err != nil {
		t.Fatal(err)
	}
	task, err := mgr.Complete(ctx, id)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Status != persistence.TaskStatusDone || task.CompletedAt == nil {
		t.Errorf("completed task = %+v", task)
	}

	// Terminal: cancelling a done task is illegal.
	if _, err := mgr.Cancel(ctx, id); !errors.Is(err, lifecycle.ErrInvalidTransition) {
		t.Errorf("cancel after done err = %v, want ErrInvalidTransition", err)
	}
}

func TestDetectOverdue_UsesManagerClock(t *testing.T) {
	mgr, store := newTestManager(t, lifecycle.Config{})
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	mgr.SetClock(func() time.Time { return now })

	deadline := now.Add(-time.Minute)
	id, err := mgr.Create(ctx, persistence.TaskDraft{
		Type: persistence.TaskTypeTask, Description: "late", Confidence: 90, Deadline: &deadline,
	})
	if err != nil {
		t.Fatal(err)
	}

	flipped, err := mgr.DetectOverdue(ctx)
	if err != nil {
		t.Fatalf("detect overdue: %v", err)
	}
	if flipped != 1 {
		t.Errorf("flipped = %d, want 1", flipped)
	}
	task, _ := store.GetTask(ctx, id)
	if task.Status != persistence.TaskStatusOverdue {
		t.Errorf("status = %q, want overdue", task.Status)
	}
}

func TestCheckTrackedTasks_ProbesAndStamps(t *testing.T) {
	mgr, store := newTestManager(t, lifecycle.Config{ProbeParallelism: 2})
	ctx := context.Background()
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	mgr.SetClock(func() time.Time { return now })

	var ids []int64
	for range 3 {
		id, err := mgr.Create(ctx, persistence.TaskDraft{
			Type: persistence.TaskTypePromiseIncoming, Description: "tracked",
			Confidence: 90, TrackCompletion: true,
		})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	var probes atomic.Int32
	probed, err := mgr.CheckTrackedTasks(ctx, lifecycle.ProbeSenderFunc(func(ctx context.Context, task persistence.Task) error {
		probes.Add(1)
		return nil
	}))
	if err != nil {
		t.Fatalf("check tracked: %v", err)
	}
	if probed != 3 || probes.Load() != 3 {
		t.Errorf("probed = %d (sent %d), want 3", probed, probes.Load())
	}
	for _, id := range ids {
		task, _ := store.GetTask(ctx, id)
		if task.LastCheckedAt == nil {
			t.Errorf("task %d missing last_checked_at stamp", id)
		}
	}

	// All freshly stamped: second pass probes nothing.
	probed, err = mgr.CheckTrackedTasks(ctx, lifecycle.ProbeSenderFunc(func(ctx context.Context, task persistence.Task) error {
		t.Error("probe fired for freshly checked task")
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if probed != 0 {
		t.Errorf("second pass probed = %d, want 0", probed)
	}
}

func TestCheckTrackedTasks_FailedProbeNotStamped(t *testing.T) {
	mgr, store := newTestManager(t, lifecycle.Config{})
	ctx := context.Background()

	id, err := mgr.Create(ctx, persistence.TaskDraft{
		Type: persistence.TaskTypeTask, Description: "flaky probe",
		Confidence: 90, TrackCompletion: true,
	})
	if err != nil {
		t.Fatal(err)
	}

	probed, err := mgr.CheckTrackedTasks(ctx, lifecycle.ProbeSenderFunc(func(ctx context.Context, task persistence.Task) error {
		return errors.New("notifier offline")
	}))
	if err != nil {
		t.Fatalf("check tracked: %v", err)
	}
	if probed != 0 {
		t.Errorf("probed = %d, want 0", probed)
	}
	task, _ := store.GetTask(ctx, id)
	if task.LastCheckedAt != nil {
		t.Error("failed probe must not stamp last_checked_at")
	}
}

func TestCheckTrackedTasks_BoundedParallelism(t *testing.T) {
	mgr, _ := newTestManager(t, lifecycle.Config{ProbeParallelism: 2})
	ctx := context.Background()

	for range 6 {
		if _, err := mgr.Create(ctx, persistence.TaskDraft{
			Type: persistence.TaskTypeTask, Description: "parallel",
			Confidence: 90, TrackCompletion: true,
		}); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	inFlight, peak := 0, 0
	probed, err := mgr.CheckTrackedTasks(ctx, lifecycle.ProbeSenderFunc(func(ctx context.Context, task persistence.Task) error {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}))
	if err != nil {
		t.Fatal(err)
	}
	if probed != 6 {
		t.Errorf("probed = %d, want 6", probed)
	}
	if peak > 2 {
		t.Errorf("peak parallelism = %d, want <= 2", peak)
	}
}

func TestCheckTrackedTasks_SlowProbeTimesOut(t *testing.T) {
	mgr, _ := newTestManager(t, lifecycle.Config{ProbeParallelism: 4, ProbeTimeout: 30 * time.Millisecond})
	ctx := context.Background()

	for range 2 {
		if _, err := mgr.Create(ctx, persistence.TaskDraft{
			Type: persistence.TaskTypeTask, Description: "slow",
			Confidence: 90, TrackCompletion: true,
		}); err != nil {
			t.Fatal(err)
		}
	}

	start := time.Now()
	probed, err := mgr.CheckTrackedTasks(ctx, lifecycle.ProbeSenderFunc(func(ctx context.Context, task persistence.Task) error {
		<-ctx.Done() // honor the per-probe deadline
		return ctx.Err()
	}))
	if err != nil {
		t.Fatal(err)
	}
	if probed != 0 {
		t.Errorf("probed = %d, want 0", probed)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("pass stalled %v on slow probes", elapsed)
	}
}
