package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-minder/internal/persistence"
)

// ErrValidation is returned when a task draft is rejected at the boundary.
// Nothing is persisted.
var ErrValidation = errors.New("task validation failed")

// ErrInvalidTransition re-exports the store sentinel so callers depend on one
// package for lifecycle errors.
var ErrInvalidTransition = persistence.ErrInvalidTransition

// ProbeSender delivers an advisory completion-check question for a tracked
// task. Implementations talk to the assistant capability and the owner's
// notification channel; the manager only cares whether delivery succeeded.
type ProbeSender interface {
	SendProbe(ctx context.Context, task persistence.Task) error
}

// ProbeSenderFunc adapts a function to the ProbeSender interface.
type ProbeSenderFunc func(ctx context.Context, task persistence.Task) error

func (f ProbeSenderFunc) SendProbe(ctx context.Context, task persistence.Task) error {
	return f(ctx, task)
}

type Config struct {
	// ProbeParallelism bounds concurrent completion probes. Default 4.
	ProbeParallelism int
	// ProbeTimeout bounds each probe call. Default 30s.
	ProbeTimeout time.Duration
}

// Manager owns task validation and the state machine on top of the store.
type Manager struct {
	store  *persistence.Store
	logger *slog.Logger
	config Config

	// now is swappable in tests.
	now func() time.Time
}

func New(store *persistence.Store, logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ProbeParallelism <= 0 {
		cfg.ProbeParallelism = 4
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 30 * time.Second
	}
	return &Manager{
		store:  store,
		logger: logger,
		config: cfg,
		now:    time.Now,
	}
}

// SetClock overrides the manager's time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

func validType(t persistence.TaskType) bool {
	switch t {
	case persistence.TaskTypeTask, persistence.TaskTypePromiseMine, persistence.TaskTypePromiseIncoming:
		return true
	}
	return false
}

// Create validates and persists a new active task.
func (m *Manager) Create(ctx context.Context, draft persistence.TaskDraft) (int64, error) {
	if !validType(draft.Type) {
		return 0, fmt.Errorf("%w: unknown type %q", ErrValidation, draft.Type)
	}
	if strings.TrimSpace(draft.Description) == "" {
		return 0, fmt.Errorf("%w: empty description", ErrValidation)
	}
	if draft.Confidence < 0 || draft.Confidence > 100 {
		return 0, fmt.Errorf("%w: confidence %d out of range", ErrValidation, draft.Confidence)
	}
	switch draft.Recurrence {
	case "", persistence.RecurrenceNone, persistence.RecurrenceDaily,
		persistence.RecurrenceWeekly, persistence.RecurrenceMonthly:
	default:
		return 0, fmt.Errorf("%w: unknown recurrence %q", ErrValidation, draft.Recurrence)
	}

	now := m.now()
	id, err := m.store.CreateTask(ctx, draft, now)
	if err != nil {
		return 0, fmt.Errorf("create task: %w", err)
	}
	m.logger.Info("task created",
		"task_id", id, "type", draft.Type, "confidence", draft.Confidence,
		"deadline", draft.Deadline, "recurrence", draft.Recurrence)
	return id, nil
}

// Transition moves a task along the state machine. Illegal edges surface as
// ErrInvalidTransition with the task unchanged.
func (m *Manager) Transition(ctx context.Context, id int64, to persistence.TaskStatus) (*persistence.Task, error) {
	task, err := m.store.Transition(ctx, id, to, m.now())
	if err != nil {
		return nil, err
	}
	m.logger.Info("task transitioned", "task_id", id, "status", to)
	return task, nil
}

// Complete and Cancel are the two terminal transitions spoken by the
// ingestion layer and the owner's commands.
func (m *Manager) Complete(ctx context.Context, id int64) (*persistence.Task, error) {
	return m.Transition(ctx, id, persistence.TaskStatusDone)
}

func (m *Manager) Cancel(ctx context.Context, id int64) (*persistence.Task, error) {
	return m.Transition(ctx, id, persistence.TaskStatusCancelled)
}

// DetectOverdue sweeps past-deadline active tasks into overdue.
func (m *Manager) DetectOverdue(ctx context.Context) (int64, error) {
	flipped, err := m.store.DetectOverdue(ctx, m.now())
	if err != nil {
		return 0, fmt.Errorf("detect overdue: %w", err)
	}
	if flipped > 0 {
		m.logger.Info("tasks flipped overdue", "count", flipped)
	}
	return flipped, nil
}

// CheckTrackedTasks probes every tracked active task whose check interval has
// elapsed. Probes run with bounded parallelism and a per-probe timeout so one
// slow collaborator cannot stall the pass. A task is stamped only after its
// probe is delivered; failed probes retry on the next pass.
func (m *Manager) CheckTrackedTasks(ctx context.Context, sender ProbeSender) (probed int, err error) {
	now := m.now()
	tasks, err := m.store.TrackedTasksDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list tracked tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sem  = make(chan struct{}, m.config.ProbeParallelism)
		sent int
	)
	for _, task := range tasks {
		select {
		case <-ctx.Done():
			wg.Wait()
			return sent, ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(task persistence.Task) {
			defer wg.Done()
			defer func() { <-sem }()

			probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
			defer cancel()
			if err := sender.SendProbe(probeCtx, task); err != nil {
				m.logger.Warn("completion probe failed", "task_id", task.ID, "error", err)
				return
			}
			if err := m.store.UpdateLastChecked(ctx, task.ID, now); err != nil {
				m.logger.Warn("stamp last_checked failed", "task_id", task.ID, "error", err)
				return
			}
			mu.Lock()
			sent++
			mu.Unlock()
		}(task)
	}
	wg.Wait()
	return sent, nil
}
