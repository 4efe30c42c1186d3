package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-minder/internal/bus"
)

type TaskStatus string

const (
	TaskStatusActive    TaskStatus = "active"
	TaskStatusDone      TaskStatus = "done"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusOverdue   TaskStatus = "overdue"
)

type TaskType string

const (
	TaskTypeTask            TaskType = "task"
	TaskTypePromiseMine     TaskType = "promise_mine"
	TaskTypePromiseIncoming TaskType = "promise_incoming"
)

type Recurrence string

const (
	RecurrenceNone    Recurrence = "none"
	RecurrenceDaily   Recurrence = "daily"
	RecurrenceWeekly  Recurrence = "weekly"
	RecurrenceMonthly Recurrence = "monthly"
)

// active is the only state with work attached; done and cancelled are
// terminal; overdue keeps the deadline-escalation machinery running.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusActive: {
		TaskStatusDone:      {},
		TaskStatusCancelled: {},
		TaskStatusOverdue:   {},
	},
	TaskStatusOverdue: {
		TaskStatusDone:      {},
		TaskStatusCancelled: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	targets, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = targets[to]
	return ok
}

func isTerminal(status TaskStatus) bool {
	return status == TaskStatusDone || status == TaskStatusCancelled
}

type Task struct {
	ID                int64      `json:"id"`
	Type              TaskType   `json:"type"`
	Description       string     `json:"description"`
	Who               string     `json:"who,omitempty"`
	Deadline          *time.Time `json:"deadline,omitempty"`
	Status            TaskStatus `json:"status"`
	Confidence        int        `json:"confidence"`
	SourceMsgID       int64      `json:"source_msg_id,omitempty"`
	ChatID            int64      `json:"chat_id,omitempty"`
	SenderID          int64      `json:"sender_id,omitempty"`
	SenderName        string     `json:"sender_name,omitempty"`
	Account           string     `json:"account,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	RemindAt          *time.Time `json:"remind_at,omitempty"`
	ReminderSent      bool       `json:"reminder_sent"`
	Recurrence        Recurrence `json:"recurrence"`
	TrackCompletion   bool       `json:"track_completion"`
	CheckIntervalDays int        `json:"check_interval_days"`
	LastCheckedAt     *time.Time `json:"last_checked_at,omitempty"`
}

// TaskDraft carries the fields a caller may set when creating a task.
type TaskDraft struct {
	Type              TaskType
	Description       string
	Who               string
	Deadline          *time.Time
	Confidence        int
	SourceMsgID       int64
	ChatID            int64
	SenderID          int64
	SenderName        string
	Account           string
	RemindAt          *time.Time
	Recurrence        Recurrence
	TrackCompletion   bool
	CheckIntervalDays int
}

const taskColumns = `id, type, description, who, deadline, status, confidence,
	source_msg_id, chat_id, sender_id, sender_name, account,
	created_at, completed_at, remind_at, reminder_sent,
	recurrence, track_completion, check_interval_days, last_checked_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var who, senderName, account sql.NullString
	var deadline, completedAt, remindAt, lastCheckedAt sql.NullTime
	var sourceMsgID, chatID, senderID sql.NullInt64
	err := row.Scan(
		&t.ID, &t.Type, &t.Description, &who, &deadline, &t.Status, &t.Confidence,
		&sourceMsgID, &chatID, &senderID, &senderName, &account,
		&t.CreatedAt, &completedAt, &remindAt, &t.ReminderSent,
		&t.Recurrence, &t.TrackCompletion, &t.CheckIntervalDays, &lastCheckedAt,
	)
	if err != nil {
		return nil, err
	}
	t.Who = who.String
	t.SenderName = senderName.String
	t.Account = account.String
	t.SourceMsgID = sourceMsgID.Int64
	t.ChatID = chatID.Int64
	t.SenderID = senderID.Int64
	if deadline.Valid {
		d := deadline.Time.UTC()
		t.Deadline = &d
	}
	if completedAt.Valid {
		c := completedAt.Time.UTC()
		t.CompletedAt = &c
	}
	if remindAt.Valid {
		r := remindAt.Time.UTC()
		t.RemindAt = &r
	}
	if lastCheckedAt.Valid {
		l := lastCheckedAt.Time.UTC()
		t.LastCheckedAt = &l
	}
	t.CreatedAt = t.CreatedAt.UTC()
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// CreateTask inserts a new active task and returns its assigned ID.
// Draft validation is the caller's job; DB CHECK constraints still apply.
func (s *Store) CreateTask(ctx context.Context, draft TaskDraft, now time.Time) (int64, error) {
	if draft.Recurrence == "" {
		draft.Recurrence = RecurrenceNone
	}
	if draft.CheckIntervalDays <= 0 {
		draft.CheckIntervalDays = 3
	}

	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (type, description, who, deadline, status, confidence,
				source_msg_id, chat_id, sender_id, sender_name, account,
				created_at, remind_at, reminder_sent, recurrence,
				track_completion, check_interval_days)
			VALUES (?, ?, NULLIF(?, ''), ?, 'active', ?,
				NULLIF(?, 0), NULLIF(?, 0), NULLIF(?, 0), NULLIF(?, ''), NULLIF(?, ''),
				?, ?, 0, ?, ?, ?);
		`, string(draft.Type), draft.Description, draft.Who, nullTime(draft.Deadline), draft.Confidence,
			draft.SourceMsgID, draft.ChatID, draft.SenderID, draft.SenderName, draft.Account,
			now.UTC(), nullTime(draft.RemindAt), string(draft.Recurrence),
			draft.TrackCompletion, draft.CheckIntervalDays)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("task insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskCreated, bus.TaskEvent{
			TaskID:    id,
			Type:      string(draft.Type),
			NewStatus: string(TaskStatusActive),
		})
	}
	return id, nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasksByStatus returns tasks in the given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Transition moves a task along a legal state-machine edge. Terminal targets
// stamp completed_at; a recurring task reaching any terminal state spawns
// its successor in the same transaction. Returns ErrInvalidTransition for any
// illegal edge, including transitions out of terminal states, and
// ErrTaskNotFound when the ID does not exist. The stored row is unchanged on
// any error.
func (s *Store) Transition(ctx context.Context, id int64, to TaskStatus, now time.Time) (*Task, error) {
	var successor *Task
	var task *Task
	var fromStatus TaskStatus

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
		current, err := scanTask(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("select task for transition: %w", err)
		}
		if !canTransition(current.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
		}

		var completedAt any
		if isTerminal(to) {
			completedAt = now.UTC()
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = ?, completed_at = ?
			WHERE id = ? AND status = ?;
		`, string(to), completedAt, id, string(current.Status))
		if err != nil {
			return fmt.Errorf("update task transition: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("transition rows affected: %w", err)
		}
		if affected != 1 {
			// Lost a race with a concurrent transition; the status guard
			// in the WHERE clause makes this safe to report as illegal.
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
		}

		if isTerminal(to) && current.Recurrence != RecurrenceNone {
			succ, err := insertSuccessorTx(ctx, tx, current, now)
			if err != nil {
				return err
			}
			successor = succ
		}

		updated := *current
		updated.Status = to
		if isTerminal(to) {
			c := now.UTC()
			updated.CompletedAt = &c
		}
		fromStatus = current.Status
		task = &updated

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit transition tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskTransitioned, bus.TaskEvent{
			TaskID:    id,
			Type:      string(task.Type),
			OldStatus: string(fromStatus),
			NewStatus: string(to),
		})
		if successor != nil {
			s.bus.Publish(bus.TopicTaskRecurred, bus.TaskEvent{
				TaskID:    successor.ID,
				Type:      string(successor.Type),
				NewStatus: string(TaskStatusActive),
			})
		}
	}
	return task, nil
}

// insertSuccessorTx creates the next occurrence of a recurring task: same
// description, who and recurrence, deadline advanced one unit, notification
// state reset.
func insertSuccessorTx(ctx context.Context, tx *sql.Tx, src *Task, now time.Time) (*Task, error) {
	base := now
	if src.Deadline != nil {
		base = *src.Deadline
	}
	next := advanceByRecurrence(base, src.Recurrence)
	nextDeadline := &next

	var nextRemind *time.Time
	if src.RemindAt != nil && src.Deadline != nil {
		// Preserve the original lead time before the deadline.
		lead := src.Deadline.Sub(*src.RemindAt)
		r := next.Add(-lead)
		nextRemind = &r
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (type, description, who, deadline, status, confidence,
			chat_id, sender_id, sender_name, account,
			created_at, remind_at, reminder_sent, recurrence,
			track_completion, check_interval_days)
		VALUES (?, ?, NULLIF(?, ''), ?, 'active', ?,
			NULLIF(?, 0), NULLIF(?, 0), NULLIF(?, ''), NULLIF(?, ''),
			?, ?, 0, ?, ?, ?);
	`, string(src.Type), src.Description, src.Who, nullTime(nextDeadline), src.Confidence,
		src.ChatID, src.SenderID, src.SenderName, src.Account,
		now.UTC(), nullTime(nextRemind), string(src.Recurrence),
		src.TrackCompletion, src.CheckIntervalDays)
	if err != nil {
		return nil, fmt.Errorf("insert recurrence successor: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("successor insert id: %w", err)
	}

	succ := *src
	succ.ID = id
	succ.Status = TaskStatusActive
	succ.Deadline = nextDeadline
	succ.RemindAt = nextRemind
	succ.ReminderSent = false
	succ.CompletedAt = nil
	succ.LastCheckedAt = nil
	succ.CreatedAt = now.UTC()
	return &succ, nil
}

func advanceByRecurrence(t time.Time, r Recurrence) time.Time {
	switch r {
	case RecurrenceDaily:
		return t.AddDate(0, 0, 1)
	case RecurrenceWeekly:
		return t.AddDate(0, 0, 7)
	case RecurrenceMonthly:
		return t.AddDate(0, 1, 0)
	default:
		return t
	}
}

// DetectOverdue flips active tasks whose deadline has passed to overdue.
// Idempotent: already-overdue and terminal tasks are untouched.
func (s *Store) DetectOverdue(ctx context.Context, now time.Time) (int64, error) {
	var flipped int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'overdue'
			WHERE status = 'active' AND deadline IS NOT NULL AND deadline < ?;
		`, now.UTC())
		if err != nil {
			return fmt.Errorf("detect overdue: %w", err)
		}
		flipped, err = res.RowsAffected()
		if err != nil {
			return fmt.Errorf("overdue rows affected: %w", err)
		}
		return nil
	})
	return flipped, err
}

// DueReminders returns active tasks whose reminder is due and unsent.
func (s *Store) DueReminders(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'active' AND remind_at IS NOT NULL
			AND reminder_sent = 0 AND remind_at <= ?
		ORDER BY remind_at ASC, id ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query due reminders: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// MarkReminderSent flips the one-way reminder flag. Called only after a
// confirmed send; a failed send leaves the flag clear so the next tick
// retries.
func (s *Store) MarkReminderSent(ctx context.Context, id int64) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET reminder_sent = 1
			WHERE id = ? AND reminder_sent = 0;
		`, id)
		if err != nil {
			return fmt.Errorf("mark reminder sent: %w", err)
		}
		return nil
	})
}

// ApproachingDeadlines returns non-terminal tasks whose deadline falls within
// the lookahead window (or has already passed).
func (s *Store) ApproachingDeadlines(ctx context.Context, now time.Time, lookahead time.Duration) ([]Task, error) {
	horizon := now.Add(lookahead)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status IN ('active', 'overdue')
			AND deadline IS NOT NULL AND deadline <= ?
		ORDER BY deadline ASC, id ASC;
	`, horizon.UTC())
	if err != nil {
		return nil, fmt.Errorf("query approaching deadlines: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deadline task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// TrackedTasksDue returns active completion-tracked tasks never probed or
// whose last probe is older than their check interval.
func (s *Store) TrackedTasksDue(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'active' AND track_completion = 1
			AND (last_checked_at IS NULL
				OR last_checked_at <= datetime(?, '-' || check_interval_days || ' days'))
		ORDER BY id ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("query tracked tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracked task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateLastChecked stamps a tracked task after a completion probe.
func (s *Store) UpdateLastChecked(ctx context.Context, id int64, now time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET last_checked_at = ? WHERE id = ?;
		`, now.UTC(), id)
		if err != nil {
			return fmt.Errorf("update last_checked_at: %w", err)
		}
		return nil
	})
}

// HasSimilarActiveTask reports whether an active task with a near-identical
// description already exists, to keep re-classified messages from creating
// duplicates.
func (s *Store) HasSimilarActiveTask(ctx context.Context, description string) (bool, error) {
	needle := strings.ToLower(strings.TrimSpace(description))
	if needle == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE status IN ('active', 'overdue')
			AND LOWER(TRIM(description)) = ?;
	`, needle).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("similar task lookup: %w", err)
	}
	return n > 0, nil
}

// ActivityCounts reports how many tasks were closed as done and how many
// were created since the cutoff. Feeds the evening digest.
func (s *Store) ActivityCounts(ctx context.Context, since time.Time) (completed, created int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(status = 'done' AND completed_at >= ?), 0),
			COALESCE(SUM(created_at >= ?), 0)
		FROM tasks;
	`, since.UTC(), since.UTC()).Scan(&completed, &created)
	if err != nil {
		return 0, 0, fmt.Errorf("activity counts: %w", err)
	}
	return completed, created, nil
}

// TaskCounts reports active and overdue totals for health and metrics.
func (s *Store) TaskCounts(ctx context.Context) (active, overdue int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(status = 'active'), 0),
			COALESCE(SUM(status = 'overdue'), 0)
		FROM tasks;
	`).Scan(&active, &overdue)
	if err != nil {
		return 0, 0, fmt.Errorf("task counts: %w", err)
	}
	return active, overdue, nil
}
