// Package triage holds low-confidence classifications until the owner
// delivers a verdict, then feeds the verdict back into the classifier's
// training data and, when confirmed, into the task store.
package triage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/basket/go-minder/internal/brain"
	"github.com/basket/go-minder/internal/channels"
	"github.com/basket/go-minder/internal/lifecycle"
	"github.com/basket/go-minder/internal/persistence"
)

const defaultDailyLimit = 10

// Service owns the confidence queue policy: what enters it, how verdicts
// resolve, and how the daily batch is assembled.
type Service struct {
	store     *persistence.Store
	lifecycle *lifecycle.Manager
	notifier  channels.Notifier // may be nil; urgent entries then wait for the batch
	target    string
	logger    *slog.Logger

	now func() time.Time
}

func New(store *persistence.Store, mgr *lifecycle.Manager, notifier channels.Notifier, target string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		lifecycle: mgr,
		notifier:  notifier,
		target:    target,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock overrides the service's time source. Tests only.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Enqueue stores a below-threshold classification. Urgent entries are also
// pushed to the owner immediately; the queue row stays either way so the
// verdict is never lost.
func (s *Service) Enqueue(ctx context.Context, msg persistence.Message, cls brain.Classification) (int64, error) {
	entry := persistence.TriageEntry{
		MessageID:     msg.ID,
		ChatID:        msg.ChatID,
		SenderName:    msg.SenderName,
		TextPreview:   preview(msg.Text),
		PredictedType: cls.Type,
		Confidence:    cls.Confidence,
		IsUrgent:      cls.IsUrgent,
	}
	id, err := s.store.EnqueueTriage(ctx, entry, s.now())
	if err != nil {
		return 0, fmt.Errorf("enqueue triage: %w", err)
	}

	if cls.IsUrgent && s.notifier != nil {
		text := fmt.Sprintf("Urgent, needs your call: %q from %s — looks like %s (%d%%). Reply /confirm %d or /reject %d.",
			entry.TextPreview, displayName(entry.SenderName), cls.Type, cls.Confidence, id, id)
		if err := s.notifier.Notify(ctx, channels.Notification{Target: s.target, Text: text}); err != nil {
			// The entry is queued; the batch will carry it if this push failed.
			s.logger.Warn("urgent triage push failed", "entry_id", id, "error", err)
		}
	}
	return id, nil
}

// Verdict is the owner's answer for one queue entry.
type Verdict struct {
	// ActualType is the corrected classification: a task type, or "info"
	// to dismiss.
	ActualType string
	Reason     string
	// Deadline and Who optionally refine the materialized task.
	Deadline *time.Time
	Who      string
}

// Resolve marks the entry resolved, appends feedback, and materializes a
// confirmed task when the verdict names a task type.
func (s *Service) Resolve(ctx context.Context, id int64, v Verdict) (taskID int64, err error) {
	current, err := s.store.GetTriageEntry(ctx, id)
	if err != nil {
		return 0, err
	}
	entry, err := s.store.ResolveTriage(ctx, id, persistence.FeedbackRecord{
		MessageID:           current.MessageID,
		PredictedType:       current.PredictedType,
		PredictedConfidence: current.Confidence,
		ActualType:          v.ActualType,
		UserReason:          v.Reason,
		Context:             current.TextPreview,
	})
	if err != nil {
		return 0, err
	}
	return s.materialize(ctx, entry, v)
}

func (s *Service) materialize(ctx context.Context, entry *persistence.TriageEntry, v Verdict) (int64, error) {
	switch v.ActualType {
	case string(persistence.TaskTypeTask), string(persistence.TaskTypePromiseMine), string(persistence.TaskTypePromiseIncoming):
	default:
		return 0, nil // dismissed as info
	}

	draft := persistence.TaskDraft{
		Type:        persistence.TaskType(v.ActualType),
		Description: entry.TextPreview,
		Who:         v.Who,
		Deadline:    v.Deadline,
		Confidence:  100, // owner-confirmed
		SourceMsgID: entry.MessageID,
		ChatID:      entry.ChatID,
		SenderName:  entry.SenderName,
	}
	if draft.Who == "" {
		draft.Who = entry.SenderName
	}
	if v.ActualType == string(persistence.TaskTypePromiseIncoming) {
		draft.TrackCompletion = true
	}
	taskID, err := s.lifecycle.Create(ctx, draft)
	if err != nil {
		return 0, fmt.Errorf("materialize confirmed task: %w", err)
	}
	s.logger.Info("triage verdict materialized task", "entry_id", entry.ID, "task_id", taskID, "type", v.ActualType)
	return taskID, nil
}

// NextBatch returns the oldest unresolved non-urgent entries, capped by the
// settings-backed daily limit.
func (s *Service) NextBatch(ctx context.Context) ([]persistence.TriageEntry, error) {
	limit, err := s.store.SettingInt(ctx, persistence.SettingConfidenceDailyLimit, defaultDailyLimit)
	if err != nil {
		return nil, fmt.Errorf("read daily limit: %w", err)
	}
	batch, err := s.store.PendingTriage(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("assemble batch: %w", err)
	}
	return batch, nil
}

// FormatBatch renders the review batch for the owner's channel.
func FormatBatch(batch []persistence.TriageEntry) string {
	if len(batch) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d message(s) need your review:\n", len(batch))
	for _, e := range batch {
		fmt.Fprintf(&b, "• #%d %s (%d%%) from %s: %q\n",
			e.ID, e.PredictedType, e.Confidence, displayName(e.SenderName), e.TextPreview)
	}
	b.WriteString("Reply /confirm <id> or /reject <id>.")
	return b.String()
}

func preview(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	const max = 200
	if len(text) <= max {
		return text
	}
	// Back up to a rune boundary so the cut never emits invalid UTF-8.
	cut := max
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}

func displayName(name string) string {
	if name == "" {
		return "unknown"
	}
	return name
}
