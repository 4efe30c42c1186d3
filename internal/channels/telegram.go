package channels

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel implements Channel and Notifier for Telegram.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	ownerID    int64
	handler    InboundHandler
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
}

// NewTelegramChannel creates a new Telegram channel. allowedIDs gates which
// senders reach the handler; the owner is always allowed.
func NewTelegramChannel(token string, ownerID int64, allowedIDs []int64, handler InboundHandler, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if ownerID != 0 {
		allowed[ownerID] = struct{}{}
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		ownerID:    ownerID,
		handler:    handler,
		logger:     logger,
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// OwnerTarget renders the owner chat as a Notification target.
func (t *TelegramChannel) OwnerTarget() string {
	return strconv.FormatInt(t.ownerID, 10)
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	// Client timeout must sit above the 60s long-poll window; without it a
	// stalled connection hangs sends forever.
	t.bot, err = tgbotapi.NewBotAPIWithClient(t.token, tgbotapi.APIEndpoint,
		&http.Client{Timeout: 90 * time.Second})
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2.5x the long-poll timeout (stall
// detection). Returns nil on context cancellation, or an error to trigger
// reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes, the connection is likely dead (the library blocks rather
	// than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil || update.Message.From == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied",
					"user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if t.handler == nil {
		return
	}
	sender := msg.From.UserName
	if sender == "" {
		sender = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	t.handler(ctx, Inbound{
		ChatID:     msg.Chat.ID,
		MsgID:      int64(msg.MessageID),
		ChatTitle:  msg.Chat.Title,
		SenderID:   msg.From.ID,
		SenderName: sender,
		Text:       text,
		Timestamp:  time.Unix(int64(msg.Date), 0).UTC(),
	})
}

// Notify sends one message. An error means delivery is unconfirmed and the
// caller must not flip send-once flags.
func (t *TelegramChannel) Notify(ctx context.Context, n Notification) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not started")
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(n.Target), 10, 64)
	if err != nil || chatID == 0 {
		chatID = t.ownerID
	}
	if chatID == 0 {
		return fmt.Errorf("no notification target and no owner configured")
	}

	msg := tgbotapi.NewMessage(chatID, n.Text)
	if n.DeepLink != "" {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonURL("open", n.DeepLink),
			),
		)
	}

	done := make(chan error, 1)
	go func() {
		_, sendErr := t.bot.Send(msg)
		done <- sendErr
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
		return nil
	}
}

// MessageLink builds a jump link to the source message. Supergroup chat IDs
// carry a -100 prefix that the t.me/c form drops; private chats link to the
// peer instead of the message. Returns "" when no link can be built.
func MessageLink(chatID, msgID int64) string {
	const supergroupOffset = -1000000000000
	switch {
	case chatID < supergroupOffset && msgID > 0:
		return fmt.Sprintf("https://t.me/c/%d/%d", -chatID+supergroupOffset, msgID)
	case chatID > 0:
		return fmt.Sprintf("tg://user?id=%d", chatID)
	default:
		return ""
	}
}
