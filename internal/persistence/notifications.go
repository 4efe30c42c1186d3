package persistence

import (
	"context"
	"fmt"
	"time"
)

// NotifDate renders the calendar-day key used to dedupe deadline escalations.
func NotifDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// UpsertDeadlineNotification records a deadline escalation for (task, day).
// The first call on a given day inserts with count=1 and reports
// emitted=true: the caller should notify. Every later call that day only
// increments the counter, so repeated ticks and concurrent instances collapse
// to a single outbound notification. The count survives as an observability
// trail of suppressed duplicates.
func (s *Store) UpsertDeadlineNotification(ctx context.Context, taskID int64, day time.Time) (emitted bool, count int, err error) {
	notifDate := NotifDate(day)
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin notification tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO deadline_notifications (task_id, notif_date, count)
			VALUES (?, ?, 1)
			ON CONFLICT(task_id, notif_date) DO UPDATE SET count = count + 1;
		`, taskID, notifDate)
		if err != nil {
			return fmt.Errorf("upsert deadline notification: %w", err)
		}
		if _, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("notification rows affected: %w", err)
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT count FROM deadline_notifications
			WHERE task_id = ? AND notif_date = ?;
		`, taskID, notifDate).Scan(&count); err != nil {
			return fmt.Errorf("read notification count: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit notification tx: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, 0, err
	}
	return count == 1, count, nil
}

// DeadlineNotificationCount reads the suppressed-duplicate counter for a
// (task, day) pair. Zero when no escalation fired that day.
func (s *Store) DeadlineNotificationCount(ctx context.Context, taskID int64, day time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(
			(SELECT count FROM deadline_notifications WHERE task_id = ? AND notif_date = ?), 0);
	`, taskID, NotifDate(day)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("read deadline notification count: %w", err)
	}
	return count, nil
}
