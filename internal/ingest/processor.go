// Package ingest routes inbound chat messages through classification and
// into the task store or the triage queue, depending on confidence.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/go-minder/internal/brain"
	"github.com/basket/go-minder/internal/channels"
	"github.com/basket/go-minder/internal/lifecycle"
	"github.com/basket/go-minder/internal/persistence"
	"github.com/basket/go-minder/internal/safety"
	"github.com/basket/go-minder/internal/shared"
	"github.com/basket/go-minder/internal/triage"
)

// Config sets the two confidence bands. Above AutoCreate a task-like verdict
// becomes a task without asking; between Minimum and AutoCreate it goes to
// triage; below Minimum it is left as information.
type Config struct {
	AutoCreate  int
	Minimum     int
	ContextSize int
	// ClassifyTimeout bounds one classifier call. <=0 means 60s.
	ClassifyTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.AutoCreate <= 0 || c.AutoCreate > 100 {
		c.AutoCreate = 80
	}
	if c.Minimum <= 0 || c.Minimum > 100 {
		c.Minimum = 50
	}
	if c.Minimum > c.AutoCreate {
		c.Minimum = c.AutoCreate
	}
	if c.ContextSize <= 0 {
		c.ContextSize = 10
	}
	if c.ClassifyTimeout <= 0 {
		c.ClassifyTimeout = 60 * time.Second
	}
}

// Processor is the message → classification → task/triage pipeline.
type Processor struct {
	store      *persistence.Store
	classifier brain.Classifier
	lifecycle  *lifecycle.Manager
	triage     *triage.Service
	notifier   channels.Notifier // may be nil
	target     string
	sanitizer  *safety.Sanitizer
	logger     *slog.Logger
	cfg        Config

	now func() time.Time
}

func New(store *persistence.Store, classifier brain.Classifier, mgr *lifecycle.Manager,
	tq *triage.Service, notifier channels.Notifier, target string, logger *slog.Logger, cfg Config) *Processor {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:      store,
		classifier: classifier,
		lifecycle:  mgr,
		triage:     tq,
		notifier:   notifier,
		target:     target,
		sanitizer:  safety.NewSanitizer(),
		logger:     logger,
		cfg:        cfg,
		now:        time.Now,
	}
}

// SetClock overrides the processor's time source. Tests only.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Handle lands one inbound message and runs it through the pipeline.
// Redeliveries collapse on the platform message key and are not
// reclassified.
func (p *Processor) Handle(ctx context.Context, in channels.Inbound) error {
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	id, inserted, err := p.store.SaveMessage(ctx, persistence.Message{
		PlatformMsgID: in.MsgID,
		ChatID:        in.ChatID,
		ChatTitle:     in.ChatTitle,
		SenderID:      in.SenderID,
		SenderName:    in.SenderName,
		Text:          in.Text,
		Timestamp:     in.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("land message: %w", err)
	}
	if !inserted {
		p.logger.Debug("duplicate message skipped", "chat_id", in.ChatID, "msg_id", in.MsgID)
		return nil
	}

	if in.SenderID != 0 {
		if err := p.store.UpsertContact(ctx, persistence.Contact{
			PlatformID: in.SenderID,
			Name:       in.SenderName,
			ChatType:   chatType(in.ChatID),
		}); err != nil {
			// Contact bookkeeping never blocks classification.
			p.logger.Warn("contact upsert failed", "sender_id", in.SenderID, "error", err)
		}
	}

	msg := persistence.Message{
		ID: id, PlatformMsgID: in.MsgID, ChatID: in.ChatID, ChatTitle: in.ChatTitle,
		SenderID: in.SenderID, SenderName: in.SenderName, Text: in.Text, Timestamp: in.Timestamp,
	}
	return p.classify(ctx, msg)
}

// ProcessBacklog classifies feed rows left unprocessed by a previous run.
func (p *Processor) ProcessBacklog(ctx context.Context, limit int) (int, error) {
	msgs, err := p.store.UnprocessedMessages(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("load backlog: %w", err)
	}
	done := 0
	for _, m := range msgs {
		if err := p.classify(ctx, m); err != nil {
			p.logger.Warn("backlog message failed", "message_id", m.ID, "error", err)
			continue
		}
		done++
	}
	return done, nil
}

func (p *Processor) classify(ctx context.Context, msg persistence.Message) error {
	if strings.TrimSpace(msg.Text) == "" {
		return p.store.MarkMessageProcessed(ctx, msg.ID)
	}

	switch check := p.sanitizer.Check(msg.Text); check.Action {
	case safety.ActionBlock:
		// Injection attempts never reach the model. The row is marked
		// processed so the backlog pass does not replay it.
		p.logger.Warn("message blocked by sanitizer",
			"message_id", msg.ID, "chat_id", msg.ChatID, "reason", check.Reason)
		return p.store.MarkMessageProcessed(ctx, msg.ID)
	case safety.ActionWarn:
		p.logger.Warn("suspicious message content",
			"message_id", msg.ID, "chat_id", msg.ChatID, "reason", check.Reason)
	}

	recent, err := p.store.ChatContext(ctx, msg.ChatID, msg.ID, p.cfg.ContextSize)
	if err != nil {
		p.logger.Warn("chat context unavailable", "chat_id", msg.ChatID, "error", err)
	}

	cctx, cancel := context.WithTimeout(ctx, p.cfg.ClassifyTimeout)
	cls, err := p.classifier.Classify(cctx, msg.Text, renderContext(recent, msg.ID))
	cancel()
	if err != nil {
		// Leave the row unprocessed so the backlog pass retries it.
		return fmt.Errorf("classify message %d: %w", msg.ID, err)
	}

	if err := p.route(ctx, msg, cls); err != nil {
		return err
	}
	return p.store.MarkMessageProcessed(ctx, msg.ID)
}

func (p *Processor) route(ctx context.Context, msg persistence.Message, cls brain.Classification) error {
	taskLike := cls.Type != brain.TypeInfo

	switch {
	case cls.Confidence > p.cfg.AutoCreate && taskLike:
		return p.autoCreate(ctx, msg, cls)

	case cls.Confidence >= p.cfg.Minimum && taskLike:
		if _, err := p.triage.Enqueue(ctx, msg, cls); err != nil {
			return err
		}
		p.logger.Info("classification queued for review",
			"message_id", msg.ID, "type", cls.Type, "confidence", cls.Confidence, "urgent", cls.IsUrgent)
		return nil

	default:
		p.logger.Debug("classification informational",
			"message_id", msg.ID, "type", cls.Type, "confidence", cls.Confidence)
		return nil
	}
}

func (p *Processor) autoCreate(ctx context.Context, msg persistence.Message, cls brain.Classification) error {
	description := cls.Summary
	if description == "" {
		description = msg.Text
	}

	dup, err := p.store.HasSimilarActiveTask(ctx, description)
	if err != nil {
		return fmt.Errorf("dedup check: %w", err)
	}
	if dup {
		p.logger.Info("duplicate task skipped", "message_id", msg.ID, "description", description)
		return nil
	}

	draft := persistence.TaskDraft{
		Type:        persistence.TaskType(cls.Type),
		Description: description,
		Who:         cls.Who,
		Deadline:    cls.Deadline,
		Confidence:  cls.Confidence,
		SourceMsgID: msg.ID,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		SenderName:  msg.SenderName,
		RemindAt:    p.remindAt(cls),
	}
	if draft.Who == "" {
		draft.Who = msg.SenderName
	}
	if cls.Type == string(persistence.TaskTypePromiseIncoming) {
		draft.TrackCompletion = true
	}

	taskID, err := p.lifecycle.Create(ctx, draft)
	if err != nil {
		return fmt.Errorf("auto-create task: %w", err)
	}
	p.logger.Info("task auto-created",
		"task_id", taskID, "message_id", msg.ID, "type", cls.Type, "confidence", cls.Confidence)

	if p.notifier != nil {
		text := fmt.Sprintf("Auto-task #%d (%d%%): %s — %s",
			taskID, cls.Confidence, description, senderLabel(msg))
		if err := p.notifier.Notify(ctx, channels.Notification{Target: p.target, Text: text}); err != nil {
			// The task exists either way; the owner just missed the heads-up.
			p.logger.Warn("auto-create notice failed", "task_id", taskID, "error", err)
		}
	}
	return nil
}

// remindAt derives a default reminder for work the owner has to do
// themselves: two hours before the deadline, or a day out when there is
// none. Incoming promises are probed instead of reminded.
func (p *Processor) remindAt(cls brain.Classification) *time.Time {
	switch cls.Type {
	case string(persistence.TaskTypeTask), string(persistence.TaskTypePromiseMine):
	default:
		return nil
	}
	var at time.Time
	if cls.Deadline != nil {
		at = cls.Deadline.Add(-2 * time.Hour)
	} else {
		at = p.now().UTC().Add(24 * time.Hour)
	}
	return &at
}

func renderContext(recent []persistence.Message, currentID int64) string {
	if len(recent) == 0 {
		return ""
	}
	var b strings.Builder
	for _, m := range recent {
		if m.ID == currentID {
			continue
		}
		name := m.SenderName
		if name == "" {
			name = "unknown"
		}
		fmt.Fprintf(&b, "%s: %s\n", name, m.Text)
	}
	return strings.TrimRight(b.String(), "\n")
}

func senderLabel(msg persistence.Message) string {
	switch {
	case msg.SenderName != "" && msg.ChatTitle != "":
		return msg.SenderName + " in " + msg.ChatTitle
	case msg.SenderName != "":
		return msg.SenderName
	case msg.ChatTitle != "":
		return msg.ChatTitle
	default:
		return "unknown sender"
	}
}

// chatType mirrors the platform convention: negative ids are groups.
func chatType(chatID int64) string {
	if chatID < 0 {
		return "group"
	}
	return "private"
}
