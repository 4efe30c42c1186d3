package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/basket/go-minder/internal/brain"
	"github.com/basket/go-minder/internal/channels"
	"github.com/basket/go-minder/internal/ingest"
	"github.com/basket/go-minder/internal/lifecycle"
	"github.com/basket/go-minder/internal/memory"
	"github.com/basket/go-minder/internal/persistence"
	"github.com/basket/go-minder/internal/safety"
	"github.com/basket/go-minder/internal/triage"
)

// handler routes inbound messages: the owner's commands and questions are
// answered directly, everything else flows through classification.
type handler struct {
	store     *persistence.Store
	lifecycle *lifecycle.Manager
	triage    *triage.Service
	processor *ingest.Processor
	assistant brain.Assistant
	window    *memory.Window
	notifier  channels.Notifier
	leaks     *safety.LeakDetector
	logger    *slog.Logger
	ownerID   int64
}

func (h *handler) Handle(ctx context.Context, in channels.Inbound) {
	if in.SenderID == h.ownerID && h.handleOwner(ctx, in) {
		return
	}
	if err := h.processor.Handle(ctx, in); err != nil {
		h.logger.Error("inbound message failed", "chat_id", in.ChatID, "msg_id", in.MsgID, "error", err)
	}
}

// handleOwner executes owner commands and assistant chat. Returns false when
// the message should fall through to classification instead.
func (h *handler) handleOwner(ctx context.Context, in channels.Inbound) bool {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return true
	}
	if !strings.HasPrefix(text, "/") {
		h.chat(ctx, in, text)
		return true
	}

	fields := strings.Fields(text)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/done":
		h.transitionCmd(ctx, in, args, h.lifecycle.Complete, "done")
	case "/cancel":
		h.transitionCmd(ctx, in, args, h.lifecycle.Cancel, "cancelled")
	case "/confirm":
		h.resolveCmd(ctx, in, args, true)
	case "/reject":
		h.resolveCmd(ctx, in, args, false)
	case "/tasks":
		h.listTasks(ctx, in)
	case "/review":
		h.review(ctx, in)
	case "/status":
		h.status(ctx, in)
	case "/start", "/help":
		h.reply(ctx, in, "Commands: /tasks, /done <id>, /cancel <id>, /confirm <id>, /reject <id> [reason], /review, /status. Anything else is a question for me.")
	default:
		h.reply(ctx, in, fmt.Sprintf("Unknown command %s — try /help.", cmd))
	}
	return true
}

func (h *handler) transitionCmd(ctx context.Context, in channels.Inbound, args []string,
	apply func(context.Context, int64) (*persistence.Task, error), verb string) {
	id, ok := parseID(args)
	if !ok {
		h.reply(ctx, in, fmt.Sprintf("Usage: /%s <task id>", verb))
		return
	}
	task, err := apply(ctx, id)
	switch {
	case errors.Is(err, persistence.ErrTaskNotFound):
		h.reply(ctx, in, fmt.Sprintf("No task #%d.", id))
	case errors.Is(err, persistence.ErrInvalidTransition):
		h.reply(ctx, in, fmt.Sprintf("Task #%d is already closed.", id))
	case err != nil:
		h.logger.Error("transition command failed", "task_id", id, "error", err)
		h.reply(ctx, in, "Something went wrong, try again.")
	default:
		h.reply(ctx, in, fmt.Sprintf("Task #%d %s: %s", task.ID, verb, task.Description))
	}
}

func (h *handler) resolveCmd(ctx context.Context, in channels.Inbound, args []string, confirm bool) {
	id, ok := parseID(args)
	if !ok {
		h.reply(ctx, in, "Usage: /confirm <id> or /reject <id> [reason]")
		return
	}
	verdict := triage.Verdict{ActualType: brain.TypeInfo}
	if confirm {
		entry, err := h.store.GetTriageEntry(ctx, id)
		if err != nil {
			h.reply(ctx, in, fmt.Sprintf("No review entry #%d.", id))
			return
		}
		verdict.ActualType = entry.PredictedType
	} else if len(args) > 1 {
		verdict.Reason = strings.Join(args[1:], " ")
	}

	taskID, err := h.triage.Resolve(ctx, id, verdict)
	switch {
	case errors.Is(err, persistence.ErrTriageNotFound):
		h.reply(ctx, in, fmt.Sprintf("Entry #%d is gone or already resolved.", id))
	case err != nil:
		h.logger.Error("resolve command failed", "entry_id", id, "error", err)
		h.reply(ctx, in, "Something went wrong, try again.")
	case taskID != 0:
		h.reply(ctx, in, fmt.Sprintf("Confirmed — task #%d created.", taskID))
	default:
		h.reply(ctx, in, fmt.Sprintf("Entry #%d dismissed.", id))
	}
}

func (h *handler) listTasks(ctx context.Context, in channels.Inbound) {
	var b strings.Builder
	for _, status := range []persistence.TaskStatus{persistence.TaskStatusOverdue, persistence.TaskStatusActive} {
		tasks, err := h.store.ListTasksByStatus(ctx, status, 25)
		if err != nil {
			h.logger.Error("task list failed", "error", err)
			h.reply(ctx, in, "Something went wrong, try again.")
			return
		}
		for _, t := range tasks {
			fmt.Fprintf(&b, "#%d [%s] %s", t.ID, t.Status, t.Description)
			if t.Deadline != nil {
				fmt.Fprintf(&b, " (due %s)", t.Deadline.UTC().Format("2 Jan 15:04"))
			}
			b.WriteString("\n")
		}
	}
	if b.Len() == 0 {
		h.reply(ctx, in, "Nothing open.")
		return
	}
	h.reply(ctx, in, strings.TrimRight(b.String(), "\n"))
}

func (h *handler) review(ctx context.Context, in channels.Inbound) {
	batch, err := h.triage.NextBatch(ctx)
	if err != nil {
		h.logger.Error("review command failed", "error", err)
		h.reply(ctx, in, "Something went wrong, try again.")
		return
	}
	if len(batch) == 0 {
		h.reply(ctx, in, "Review queue is empty.")
		return
	}
	h.reply(ctx, in, triage.FormatBatch(batch))
}

func (h *handler) status(ctx context.Context, in channels.Inbound) {
	active, overdue, err := h.store.TaskCounts(ctx)
	if err != nil {
		h.logger.Error("status command failed", "error", err)
		h.reply(ctx, in, "Something went wrong, try again.")
		return
	}
	depth, err := h.store.PendingTriageCount(ctx)
	if err != nil {
		h.logger.Error("status command failed", "error", err)
		h.reply(ctx, in, "Something went wrong, try again.")
		return
	}
	spend, _, _, err := h.store.DailySpend(ctx, time.Now().UTC())
	if err != nil {
		h.logger.Error("status command failed", "error", err)
		h.reply(ctx, in, "Something went wrong, try again.")
		return
	}
	h.reply(ctx, in, fmt.Sprintf(
		"Active %d, overdue %d. Review queue: %d. Spent today: $%.4f.",
		active, overdue, depth, spend))
}

// chat runs the assistant over the conversation window and records both
// sides of the exchange.
func (h *handler) chat(ctx context.Context, in channels.Inbound, text string) {
	turns, err := h.window.Build(ctx)
	if err != nil {
		h.logger.Warn("window build failed", "error", err)
	}
	recent := renderTurns(turns)
	if prefs, err := h.store.SettingGet(ctx, persistence.SettingUserPreferences); err != nil {
		h.logger.Warn("preferences unavailable", "error", err)
	} else if prefs != "" {
		recent = "Owner preferences: " + prefs + "\n" + recent
	}
	resp, err := h.assistant.Respond(ctx, text, recent)
	if err != nil {
		h.logger.Error("assistant failed", "error", err)
		h.reply(ctx, in, "I couldn't think that through, try again.")
		return
	}
	if err := h.window.Append(ctx, "user", text, 0, time.Now().UTC()); err != nil {
		h.logger.Warn("window append failed", "error", err)
	}
	if err := h.window.Append(ctx, "assistant", resp.Content, resp.TokensOut, time.Now().UTC()); err != nil {
		h.logger.Warn("window append failed", "error", err)
	}
	for _, w := range h.leaks.Scan(resp.Content) {
		h.logger.Warn("possible secret in model output", "pattern", w.Pattern, "sample", w.Sample)
	}
	h.reply(ctx, in, resp.Content)
}

func (h *handler) reply(ctx context.Context, in channels.Inbound, text string) {
	target := strconv.FormatInt(in.ChatID, 10)
	if err := h.notifier.Notify(ctx, channels.Notification{Target: target, Text: text}); err != nil {
		h.logger.Error("reply failed", "chat_id", in.ChatID, "error", err)
	}
}

func renderTurns(turns []persistence.Turn) string {
	if len(turns) == 0 {
		return ""
	}
	var b strings.Builder
	for _, t := range turns {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

func parseID(args []string) (int64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(args[0], "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
