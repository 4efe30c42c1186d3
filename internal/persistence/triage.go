package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-minder/internal/bus"
)

// ErrTriageNotFound is returned when the referenced queue entry does not
// exist or is already resolved.
var ErrTriageNotFound = errors.New("triage entry not found")

// TriageEntry is a low-confidence classification waiting for a verdict.
type TriageEntry struct {
	ID            int64     `json:"id"`
	MessageID     int64     `json:"message_id,omitempty"`
	ChatID        int64     `json:"chat_id,omitempty"`
	SenderName    string    `json:"sender_name,omitempty"`
	TextPreview   string    `json:"text_preview"`
	PredictedType string    `json:"predicted_type"`
	Confidence    int       `json:"confidence"`
	IsUrgent      bool      `json:"is_urgent"`
	Resolved      bool      `json:"resolved"`
	CreatedAt     time.Time `json:"created_at"`
}

// FeedbackRecord is one append-only classification_feedback row.
type FeedbackRecord struct {
	MessageID           int64
	PredictedType       string
	PredictedConfidence int
	ActualType          string
	UserReason          string
	Context             string
}

// EnqueueTriage stores a below-threshold classification for later review.
func (s *Store) EnqueueTriage(ctx context.Context, e TriageEntry, now time.Time) (int64, error) {
	var id int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO confidence_queue
				(message_id, chat_id, sender_name, text_preview, predicted_type,
				 confidence, is_urgent, resolved, created_at)
			VALUES (NULLIF(?, 0), NULLIF(?, 0), NULLIF(?, ''), ?, ?, ?, ?, 0, ?);
		`, e.MessageID, e.ChatID, e.SenderName, e.TextPreview, e.PredictedType,
			e.Confidence, e.IsUrgent, now.UTC())
		if err != nil {
			return fmt.Errorf("enqueue triage: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("triage insert id: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTriageEnqueued, bus.TriageEvent{
			EntryID:    id,
			Predicted:  e.PredictedType,
			Confidence: e.Confidence,
			Urgent:     e.IsUrgent,
		})
	}
	return id, nil
}

// GetTriageEntry returns one queue entry regardless of resolved state.
func (s *Store) GetTriageEntry(ctx context.Context, id int64) (*TriageEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, chat_id, sender_name, text_preview, predicted_type,
			confidence, is_urgent, resolved, created_at
		FROM confidence_queue WHERE id = ?;
	`, id)
	e, err := scanTriageEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTriageNotFound
		}
		return nil, fmt.Errorf("get triage entry: %w", err)
	}
	return e, nil
}

func scanTriageEntry(row interface{ Scan(...any) error }) (*TriageEntry, error) {
	var e TriageEntry
	var msgID, chatID sql.NullInt64
	var senderName, preview, predicted sql.NullString
	if err := row.Scan(&e.ID, &msgID, &chatID, &senderName, &preview, &predicted,
		&e.Confidence, &e.IsUrgent, &e.Resolved, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.MessageID = msgID.Int64
	e.ChatID = chatID.Int64
	e.SenderName = senderName.String
	e.TextPreview = preview.String
	e.PredictedType = predicted.String
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// ResolveTriage marks an entry resolved and appends the feedback row in the
// same transaction. Resolving an already-resolved or missing entry returns
// ErrTriageNotFound and writes nothing.
func (s *Store) ResolveTriage(ctx context.Context, id int64, fb FeedbackRecord) (*TriageEntry, error) {
	var entry *TriageEntry
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin resolve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		row := tx.QueryRowContext(ctx, `
			SELECT id, message_id, chat_id, sender_name, text_preview, predicted_type,
				confidence, is_urgent, resolved, created_at
			FROM confidence_queue WHERE id = ?;
		`, id)
		e, err := scanTriageEntry(row)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTriageNotFound
			}
			return fmt.Errorf("select triage entry: %w", err)
		}
		if e.Resolved {
			return ErrTriageNotFound
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE confidence_queue SET resolved = 1
			WHERE id = ? AND resolved = 0;
		`, id)
		if err != nil {
			return fmt.Errorf("resolve triage entry: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve rows affected: %w", err)
		}
		if affected != 1 {
			return ErrTriageNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO classification_feedback
				(message_id, predicted_type, predicted_confidence, actual_type,
				 user_reason, context, created_at)
			VALUES (NULLIF(?, 0), ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, fb.MessageID, fb.PredictedType, fb.PredictedConfidence, fb.ActualType,
			fb.UserReason, fb.Context); err != nil {
			return fmt.Errorf("insert classification feedback: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit resolve tx: %w", err)
		}
		e.Resolved = true
		entry = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.bus != nil {
		s.bus.Publish(bus.TopicTriageResolved, bus.TriageEvent{
			EntryID:    entry.ID,
			Predicted:  entry.PredictedType,
			Confidence: entry.Confidence,
			Urgent:     entry.IsUrgent,
		})
	}
	return entry, nil
}

// PendingTriage returns unresolved non-urgent entries, oldest first, capped
// at limit. Urgent entries never wait for the batch so they are excluded.
func (s *Store) PendingTriage(ctx context.Context, limit int) ([]TriageEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id, chat_id, sender_name, text_preview, predicted_type,
			confidence, is_urgent, resolved, created_at
		FROM confidence_queue
		WHERE resolved = 0 AND is_urgent = 0
		ORDER BY created_at ASC, id ASC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending triage: %w", err)
	}
	defer rows.Close()

	var out []TriageEntry
	for rows.Next() {
		e, err := scanTriageEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan triage entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// PendingTriageCount reports unresolved entries, urgent included.
func (s *Store) PendingTriageCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM confidence_queue WHERE resolved = 0;
	`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending triage: %w", err)
	}
	return n, nil
}

// RecordFeedback appends a classification_feedback row outside of a triage
// resolution, used when the owner corrects an auto-created task directly.
func (s *Store) RecordFeedback(ctx context.Context, fb FeedbackRecord) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO classification_feedback
				(message_id, predicted_type, predicted_confidence, actual_type,
				 user_reason, context, created_at)
			VALUES (NULLIF(?, 0), ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), CURRENT_TIMESTAMP);
		`, fb.MessageID, fb.PredictedType, fb.PredictedConfidence, fb.ActualType,
			fb.UserReason, fb.Context)
		if err != nil {
			return fmt.Errorf("insert feedback: %w", err)
		}
		return nil
	})
}
