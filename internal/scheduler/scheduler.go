// Package scheduler is the periodic driver behind reminders, deadline
// escalation, completion probes, the daily triage batch and retention.
// Every pass re-derives its work from store predicates, so restarts and
// duplicate instances are harmless.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-minder/internal/bus"
	"github.com/basket/go-minder/internal/channels"
	"github.com/basket/go-minder/internal/lifecycle"
	"github.com/basket/go-minder/internal/memory"
	"github.com/basket/go-minder/internal/otel"
	"github.com/basket/go-minder/internal/persistence"
	"github.com/basket/go-minder/internal/shared"
	"github.com/basket/go-minder/internal/triage"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Date markers for the once-per-day passes, each recording the last UTC
// date its pass went out.
const (
	settingBatchMarker    = "confidence_batch_last_date"
	settingBriefingMarker = "briefing_last_date"
	settingDigestMarker   = "digest_last_date"
)

const retentionEvery = time.Hour

// Config holds the dependencies for the scheduler.
type Config struct {
	Store     *persistence.Store
	Lifecycle *lifecycle.Manager
	Triage    *triage.Service
	Window    *memory.Window
	Notifier  channels.Notifier
	Bus       *bus.Bus
	Metrics   *otel.Metrics
	Logger    *slog.Logger

	// Target is the owner's notification address.
	Target string
	// Interval is the tick interval; defaults to 1 minute if zero.
	Interval time.Duration
	// Lookahead is the deadline escalation horizon; defaults to 24h.
	Lookahead time.Duration
	// NotifyTimeout bounds one outbound delivery so a hung send cannot
	// stall the single-flight tick. Defaults to 30s.
	NotifyTimeout time.Duration
}

// Scheduler runs the sequential per-tick passes. Ticks are single-flight:
// a tick that arrives while the previous one still runs is dropped, the
// next one re-derives all pending work anyway.
type Scheduler struct {
	store     *persistence.Store
	lifecycle *lifecycle.Manager
	triage    *triage.Service
	window    *memory.Window
	notifier  channels.Notifier
	bus       *bus.Bus
	metrics   *otel.Metrics
	logger    *slog.Logger

	target        string
	interval      time.Duration
	lookahead     time.Duration
	notifyTimeout time.Duration

	ticking   atomic.Bool
	lastPrune time.Time
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	lookahead := cfg.Lookahead
	if lookahead <= 0 {
		lookahead = 24 * time.Hour
	}
	notifyTimeout := cfg.NotifyTimeout
	if notifyTimeout <= 0 {
		notifyTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:         cfg.Store,
		lifecycle:     cfg.Lifecycle,
		triage:        cfg.Triage,
		window:        cfg.Window,
		notifier:      cfg.Notifier,
		bus:           cfg.Bus,
		metrics:       cfg.Metrics,
		logger:        logger,
		target:        cfg.Target,
		interval:      interval,
		lookahead:     lookahead,
		notifyTimeout: notifyTimeout,
		now:           time.Now,
	}
}

// SetClock overrides the scheduler's time source. Tests only.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval, "lookahead", s.lookahead)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one round of passes. Concurrent calls collapse to one run.
// A failed pass is logged and skipped; the next tick retries it because
// no state was marked without a confirmed write.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		return
	}
	defer s.ticking.Store(false)

	ctx = shared.WithRunID(ctx, shared.NewRunID())
	started := s.now()
	now := started.UTC()

	if flipped, err := s.lifecycle.DetectOverdue(ctx); err != nil {
		s.logger.Error("overdue pass failed", "error", err)
	} else if flipped > 0 {
		s.logger.Info("tasks flipped overdue", "count", flipped)
	}

	s.reminderPass(ctx, now)
	s.escalationPass(ctx, now)
	s.probePass(ctx)
	s.briefingPass(ctx, now)
	s.batchPass(ctx, now)
	s.digestPass(ctx, now)
	s.retentionPass(ctx, now)

	if err := s.store.Heartbeat(ctx, "scheduler", "ok", nil); err != nil {
		s.logger.Warn("heartbeat failed", "error", err)
	}

	if s.metrics != nil {
		s.metrics.TickDuration.Record(ctx, s.now().Sub(started).Seconds())
	}
}

// notify delivers one outbound notification under the configured timeout,
// so a hung channel cannot pin the tick.
func (s *Scheduler) notify(ctx context.Context, n channels.Notification) error {
	nctx, cancel := context.WithTimeout(ctx, s.notifyTimeout)
	defer cancel()
	return s.notifier.Notify(nctx, n)
}

// reminderPass sends due reminders. reminder_sent flips only after a
// confirmed send, so a failed delivery is retried next tick and a marked
// task never fires again.
func (s *Scheduler) reminderPass(ctx context.Context, now time.Time) {
	due, err := s.store.DueReminders(ctx, now)
	if err != nil {
		s.logger.Error("reminder pass failed", "error", err)
		return
	}
	for _, task := range due {
		text := fmt.Sprintf("Reminder: %s", task.Description)
		if task.Deadline != nil {
			text = fmt.Sprintf("Reminder: %s (due %s)", task.Description,
				task.Deadline.UTC().Format("Mon 2 Jan 15:04"))
		}
		if err := s.notify(ctx, channels.Notification{
			Target:   s.target,
			Text:     text,
			DeepLink: channels.MessageLink(task.ChatID, task.SourceMsgID),
		}); err != nil {
			s.logger.Warn("reminder delivery failed", "task_id", task.ID, "error", err)
			continue
		}
		if err := s.store.MarkReminderSent(ctx, task.ID); err != nil {
			// Delivered but unmarked: the owner may see it twice, never zero times.
			s.logger.Error("reminder mark failed", "task_id", task.ID, "error", err)
			continue
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicNotifyReminder, bus.NotifyEvent{TaskID: task.ID, Kind: "reminder", Target: s.target})
		}
		if s.metrics != nil {
			s.metrics.RemindersFired.Add(ctx, 1)
		}
		s.logger.Info("reminder sent", "task_id", task.ID)
	}
}

// escalationPass emits at most one deadline warning per task per UTC day.
// The (task_id, notif_date) key decides; later hits only bump the count.
func (s *Scheduler) escalationPass(ctx context.Context, now time.Time) {
	tasks, err := s.store.ApproachingDeadlines(ctx, now, s.lookahead)
	if err != nil {
		s.logger.Error("escalation pass failed", "error", err)
		return
	}
	for _, task := range tasks {
		emitted, count, err := s.store.UpsertDeadlineNotification(ctx, task.ID, now)
		if err != nil {
			s.logger.Error("escalation upsert failed", "task_id", task.ID, "error", err)
			continue
		}
		if !emitted {
			if s.metrics != nil {
				s.metrics.EscalationsDeduped.Add(ctx, 1)
			}
			continue
		}
		text := fmt.Sprintf("Deadline approaching: %s", task.Description)
		if task.Deadline != nil {
			text = fmt.Sprintf("Deadline approaching: %s — due %s", task.Description,
				task.Deadline.UTC().Format("Mon 2 Jan 15:04"))
		}
		if err := s.notify(ctx, channels.Notification{
			Target:   s.target,
			Text:     text,
			DeepLink: channels.MessageLink(task.ChatID, task.SourceMsgID),
		}); err != nil {
			// The day's slot is spent; duplicate-free beats guaranteed-once here.
			s.logger.Warn("escalation delivery failed", "task_id", task.ID, "error", err)
			continue
		}
		if s.bus != nil {
			s.bus.Publish(bus.TopicNotifyEscalation, bus.NotifyEvent{TaskID: task.ID, Kind: "escalation", Target: s.target})
		}
		if s.metrics != nil {
			s.metrics.EscalationsEmitted.Add(ctx, 1)
		}
		s.logger.Info("escalation sent", "task_id", task.ID, "count", count)
	}
}

// probePass asks counterparts about tracked tasks that have gone quiet.
func (s *Scheduler) probePass(ctx context.Context) {
	probed, err := s.lifecycle.CheckTrackedTasks(ctx, lifecycle.ProbeSenderFunc(s.sendProbe))
	if err != nil {
		s.logger.Error("probe pass failed", "error", err)
		return
	}
	if probed > 0 && s.metrics != nil {
		s.metrics.ProbesSent.Add(ctx, int64(probed))
	}
}

func (s *Scheduler) sendProbe(ctx context.Context, task persistence.Task) error {
	who := task.Who
	if who == "" {
		who = task.SenderName
	}
	if who == "" {
		who = "they"
	}
	text := fmt.Sprintf("Still waiting on %s: %q — worth a nudge?", who, task.Description)
	if err := s.notify(ctx, channels.Notification{
		Target:   s.target,
		Text:     text,
		DeepLink: channels.MessageLink(task.ChatID, task.SourceMsgID),
	}); err != nil {
		return err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicNotifyProbe, bus.NotifyEvent{TaskID: task.ID, Kind: "probe", Target: s.target})
	}
	return nil
}

// dailyDue reports whether a once-per-day pass should run: the hour stored
// under hourKey (defHour when unset) has passed today and markerKey does not
// yet carry today's UTC date. The caller writes the marker with markDaily
// only once its work is done, so a failed pass retries next tick.
func (s *Scheduler) dailyDue(ctx context.Context, now time.Time, hourKey string, defHour int, markerKey string) bool {
	hour, err := s.store.SettingInt(ctx, hourKey, defHour)
	if err != nil {
		s.logger.Error("daily hour unavailable", "key", hourKey, "error", err)
		return false
	}
	spec, err := cronParser.Parse(fmt.Sprintf("0 %d * * *", hour))
	if err != nil {
		s.logger.Error("bad daily hour", "key", hourKey, "hour", hour, "error", err)
		return false
	}
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	fireAt := spec.Next(dayStart.Add(-time.Second))
	if now.Before(fireAt) {
		return false
	}
	last, err := s.store.SettingGet(ctx, markerKey)
	if err != nil {
		s.logger.Error("daily marker unavailable", "key", markerKey, "error", err)
		return false
	}
	return last != now.Format("2006-01-02")
}

func (s *Scheduler) markDaily(ctx context.Context, markerKey string, now time.Time) {
	if err := s.store.SettingSet(ctx, markerKey, now.Format("2006-01-02")); err != nil {
		s.logger.Error("daily marker write failed", "key", markerKey, "error", err)
	}
}

// batchPass delivers the daily triage review batch once the configured
// hour has passed, at most once per UTC date. The marker lives in
// settings so restarts cannot re-send it.
func (s *Scheduler) batchPass(ctx context.Context, now time.Time) {
	if !s.dailyDue(ctx, now, persistence.SettingConfidenceBatchHour, 16, settingBatchMarker) {
		return
	}

	batch, err := s.triage.NextBatch(ctx)
	if err != nil {
		s.logger.Error("batch assembly failed", "error", err)
		return
	}
	if len(batch) > 0 {
		text := triage.FormatBatch(batch)
		if err := s.notify(ctx, channels.Notification{Target: s.target, Text: text}); err != nil {
			// Marker untouched, next tick retries delivery.
			s.logger.Warn("batch delivery failed", "size", len(batch), "error", err)
			return
		}
		s.logger.Info("triage batch delivered", "size", len(batch))
	}
	s.markDaily(ctx, settingBatchMarker, now)
}

// briefingPass sends the morning overview once per UTC day: overdue tasks
// first, then open ones, with deadlines landing today called out. An empty
// board sends nothing but still stamps the marker.
func (s *Scheduler) briefingPass(ctx context.Context, now time.Time) {
	if !s.dailyDue(ctx, now, persistence.SettingBriefingHour, 8, settingBriefingMarker) {
		return
	}
	text, err := s.renderBriefing(ctx, now)
	if err != nil {
		s.logger.Error("briefing assembly failed", "error", err)
		return
	}
	if text != "" {
		if err := s.notify(ctx, channels.Notification{Target: s.target, Text: text}); err != nil {
			// Marker untouched, next tick retries delivery.
			s.logger.Warn("briefing delivery failed", "error", err)
			return
		}
		s.logger.Info("morning briefing sent")
	}
	s.markDaily(ctx, settingBriefingMarker, now)
}

func (s *Scheduler) renderBriefing(ctx context.Context, now time.Time) (string, error) {
	overdue, err := s.store.ListTasksByStatus(ctx, persistence.TaskStatusOverdue, 10)
	if err != nil {
		return "", err
	}
	active, err := s.store.ListTasksByStatus(ctx, persistence.TaskStatusActive, 10)
	if err != nil {
		return "", err
	}
	if len(overdue) == 0 && len(active) == 0 {
		return "", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Morning briefing — %s\n", now.Format("Mon 2 Jan"))
	if len(overdue) > 0 {
		fmt.Fprintf(&b, "\nOverdue (%d):\n", len(overdue))
		for _, t := range overdue {
			b.WriteString(briefingLine(t, now))
		}
	}
	if len(active) > 0 {
		fmt.Fprintf(&b, "\nOpen (%d):\n", len(active))
		for _, t := range active {
			b.WriteString(briefingLine(t, now))
		}
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func briefingLine(t persistence.Task, now time.Time) string {
	line := fmt.Sprintf("  #%d %s", t.ID, t.Description)
	if t.Who != "" {
		line += fmt.Sprintf(" [%s]", t.Who)
	}
	if t.Deadline != nil {
		due := t.Deadline.UTC()
		if due.Format("2006-01-02") == now.Format("2006-01-02") {
			line += " — due today"
		} else {
			line += fmt.Sprintf(" — due %s", due.Format("2 Jan"))
		}
	}
	return line + "\n"
}

// digestPass closes the day once per UTC date: done and created counts over
// the last twelve hours plus the open-board totals. It always sends.
func (s *Scheduler) digestPass(ctx context.Context, now time.Time) {
	if !s.dailyDue(ctx, now, persistence.SettingDigestHour, 20, settingDigestMarker) {
		return
	}
	completed, created, err := s.store.ActivityCounts(ctx, now.Add(-12*time.Hour))
	if err != nil {
		s.logger.Error("digest assembly failed", "error", err)
		return
	}
	active, overdueCount, err := s.store.TaskCounts(ctx)
	if err != nil {
		s.logger.Error("digest assembly failed", "error", err)
		return
	}
	text := fmt.Sprintf("Evening digest — %s\nDone: %d · New: %d · Open: %d (%d overdue)",
		now.Format("Mon 2 Jan"), completed, created, active, overdueCount)
	if err := s.notify(ctx, channels.Notification{Target: s.target, Text: text}); err != nil {
		// Marker untouched, next tick retries delivery.
		s.logger.Warn("digest delivery failed", "error", err)
		return
	}
	s.logger.Info("evening digest sent")
	s.markDaily(ctx, settingDigestMarker, now)
}

// retentionPass prunes the conversation window at most hourly.
func (s *Scheduler) retentionPass(ctx context.Context, now time.Time) {
	if s.window == nil {
		return
	}
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < retentionEvery {
		return
	}
	pruned, err := s.window.Prune(ctx, now)
	if err != nil {
		s.logger.Error("retention pass failed", "error", err)
		return
	}
	s.lastPrune = now
	if pruned > 0 {
		if s.metrics != nil {
			s.metrics.ConversationsPruned.Add(ctx, pruned)
		}
		s.logger.Info("conversation turns pruned", "count", pruned)
	}
}
