package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel is the "tg:" transport: a reconnect-with-backoff poll
// loop that pushes IncomingMessage onto a shared inbox rather than routing
// directly into a per-channel task router, since IntegratorMain owns
// dispatch across every transport uniformly.
type TelegramChannel struct {
	token  string
	logger *slog.Logger
	bot    *tgbotapi.BotAPI
}

func NewTelegramChannel(token string, logger *slog.Logger) *TelegramChannel {
	return &TelegramChannel{token: token, logger: logger}
}

func (t *TelegramChannel) Name() string { return "tg" }

func (t *TelegramChannel) Start(ctx context.Context, inbox chan<- IncomingMessage) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram: init: %w", err)
	}
	t.logger.Info("telegram_channel_started", "user", t.bot.Self.UserName)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates, inbox)
		t.bot.StopReceivingUpdates()

		if pollErr == nil {
			return nil
		}
		t.logger.Warn("telegram_poll_disconnected", "error", pollErr, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// pollUpdates runs a stall-detection timer: tgbotapi's long-poll blocks
// rather than closing its channel on a dead connection, so silence past
// 2.5x the poll timeout is treated as a disconnect.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel, inbox chan<- IncomingMessage) error {
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

			if update.Message != nil {
				t.deliver(update.Message, inbox)
			}
		case <-timer.C:
			return fmt.Errorf("no updates received for %v", stallTimeout)
		}
	}
}

func (t *TelegramChannel) deliver(msg *tgbotapi.Message, inbox chan<- IncomingMessage) {
	chatType := msg.Chat.Type
	mentions := false
	if t.bot != nil {
		uname := "@" + t.bot.Self.UserName
		mentions = strings.Contains(msg.Text, uname) || msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.ID == t.bot.Self.ID
	}

	inbox <- IncomingMessage{
		ChatID:      fmt.Sprintf("tg:%d", msg.Chat.ID),
		OriginalRef: strconv.FormatInt(msg.Chat.ID, 10),
		MessageID:   strconv.Itoa(msg.MessageID),
		Sender:      strconv.FormatInt(msg.From.ID, 10),
		SenderName:  msg.From.UserName,
		Text:        msg.Text,
		Timestamp:   msg.Time().UTC(),
		MentionsBot: mentions,
		Transport:   "tg",
		ChatTitle:   msg.Chat.Title,
		ChatType:    chatType,
	}
}

func (t *TelegramChannel) Send(_ context.Context, originalRef, triggerMsgID, text string) error {
	chatID, err := strconv.ParseInt(originalRef, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad original_ref %q: %w", originalRef, err)
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if triggerMsgID != "" {
		if id, err := strconv.Atoi(triggerMsgID); err == nil {
			msg.ReplyToMessageID = id
		}
	}
	_, err = t.bot.Send(msg)
	return err
}
